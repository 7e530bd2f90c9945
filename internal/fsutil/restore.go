package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hurrycache/hurry/pkg/wire"
)

// Restore writes content to dest with the metadata m, in the order that
// keeps the compiler's own freshness check intact: bytes first, then the
// executable bit, then the final modification time. If mtime were set before
// the write, or the executable bit after the mtime, cargo could see a file
// that looks stale (or non-executable) the instant after we believe we
// restored it.
func Restore(dest string, content io.Reader, m wire.Metadata) (err error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("fsutil: mkdir for %s: %w", dest, err)
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("fsutil: create %s: %w", dest, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err := io.Copy(f, content); err != nil {
		return fmt.Errorf("fsutil: write %s: %w", dest, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsutil: fsync %s: %w", dest, err)
	}

	if m.Executable {
		if err := os.Chmod(dest, 0o755); err != nil {
			return fmt.Errorf("fsutil: chmod %s: %w", dest, err)
		}
	}

	mtime := time.Unix(0, m.ModifiedNS)
	if err := os.Chtimes(dest, mtime, mtime); err != nil {
		return fmt.Errorf("fsutil: set mtime %s: %w", dest, err)
	}
	return nil
}

// CaptureMetadata reads the metadata of an output file as it needs to be
// recorded for a later restore.
func CaptureMetadata(path string) (wire.Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return wire.Metadata{}, fmt.Errorf("fsutil: stat %s: %w", path, err)
	}
	return wire.Metadata{
		Size:       info.Size(),
		ModifiedNS: info.ModTime().UnixNano(),
		Executable: info.Mode()&0o111 != 0,
	}, nil
}
