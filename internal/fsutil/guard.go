// Package fsutil provides path-traversal guards and the artifact restore
// sequence the cache engine uses to materialize cached files without
// disturbing the build tool's own freshness checks.
package fsutil

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateRelative rejects paths that escape via ".." or that are absolute
// when a relative path is required. Every artifact target read off the wire
// must pass this before being joined onto a restore root.
func ValidateRelative(p string) error {
	if p == "" {
		return fmt.Errorf("fsutil: empty path")
	}
	clean := filepath.Clean(p)
	if strings.Contains(clean, "..") {
		return fmt.Errorf("fsutil: path escapes via traversal: %s", p)
	}
	if filepath.IsAbs(clean) {
		return fmt.Errorf("fsutil: absolute path not allowed here: %s", p)
	}
	return nil
}

// JoinWithinBase joins elements onto base and verifies the result does not
// escape base, guarding against a malicious or corrupt QualifiedPath landing
// outside the intended restore root.
func JoinWithinBase(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("fsutil: empty base path")
	}
	cleanBase := filepath.Clean(base)
	full := filepath.Join(append([]string{cleanBase}, elements...)...)
	if full != cleanBase && !strings.HasPrefix(full, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("fsutil: path escapes base directory %s", base)
	}
	return full, nil
}
