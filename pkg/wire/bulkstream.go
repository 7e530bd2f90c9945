package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hurrycache/hurry/pkg/hash"
)

// BulkEntry is one (key, bytes) pair as it appears in a length-delimited
// bulk CAS stream. The framing is fixed-width key + big-endian uint64
// length + payload, repeated until EOF, so neither side needs to buffer
// the whole transfer to find entry boundaries.
type BulkEntry struct {
	Key     hash.Digest
	Content []byte
}

// WriteBulkStream writes entries to w in the wire framing used by the bulk
// CAS write/read endpoints.
func WriteBulkStream(w io.Writer, entries []BulkEntry) error {
	for _, e := range entries {
		if err := writeBulkEntry(w, e); err != nil {
			return err
		}
	}
	return nil
}

func writeBulkEntry(w io.Writer, e BulkEntry) error {
	if _, err := w.Write(e.Key[:]); err != nil {
		return fmt.Errorf("wire: write bulk entry key: %w", err)
	}
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(e.Content)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write bulk entry length: %w", err)
	}
	if _, err := w.Write(e.Content); err != nil {
		return fmt.Errorf("wire: write bulk entry content: %w", err)
	}
	return nil
}

// BulkStreamWriter incrementally emits bulk entries without building the
// whole slice in memory first, for the server's streaming bulk-read
// response.
type BulkStreamWriter struct {
	w io.Writer
}

// NewBulkStreamWriter wraps w for incremental bulk entry writes.
func NewBulkStreamWriter(w io.Writer) *BulkStreamWriter {
	return &BulkStreamWriter{w: w}
}

// WriteEntry appends one entry to the stream.
func (b *BulkStreamWriter) WriteEntry(key hash.Digest, content []byte) error {
	return writeBulkEntry(b.w, BulkEntry{Key: key, Content: content})
}

// ReadBulkStream reads every entry out of r until EOF. maxEntryBytes bounds
// a single entry's declared length, guarding against a corrupt or hostile
// length prefix causing an enormous allocation.
func ReadBulkStream(r io.Reader, maxEntryBytes int64) ([]BulkEntry, error) {
	var entries []BulkEntry
	for {
		e, ok, err := ReadBulkEntry(r, maxEntryBytes)
		if err != nil {
			return nil, err
		}
		if !ok {
			return entries, nil
		}
		entries = append(entries, e)
	}
}

// ReadBulkEntry reads one framed entry from r, or ok=false on a clean EOF
// at an entry boundary.
func ReadBulkEntry(r io.Reader, maxEntryBytes int64) (BulkEntry, bool, error) {
	var key hash.Digest
	if _, err := io.ReadFull(r, key[:]); err != nil {
		if err == io.EOF {
			return BulkEntry{}, false, nil
		}
		return BulkEntry{}, false, fmt.Errorf("wire: read bulk entry key: %w", err)
	}
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return BulkEntry{}, false, fmt.Errorf("wire: read bulk entry length: %w", err)
	}
	n := binary.BigEndian.Uint64(lenBuf[:])
	if maxEntryBytes > 0 && n > uint64(maxEntryBytes) {
		return BulkEntry{}, false, fmt.Errorf("wire: bulk entry for %s declares %d bytes, exceeds limit %d", key, n, maxEntryBytes)
	}
	content := make([]byte, n)
	if _, err := io.ReadFull(r, content); err != nil {
		return BulkEntry{}, false, fmt.Errorf("wire: read bulk entry content for %s: %w", key, err)
	}
	return BulkEntry{Key: key, Content: content}, true, nil
}
