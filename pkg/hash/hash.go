// Package hash wraps BLAKE3-256 content digests used to key the cache's
// content-addressed store and to fingerprint compilation units.
package hash

import (
	"encoding/hex"
	"fmt"
	"io"

	"lukechampine.com/blake3"
)

// Size is the digest length in bytes (BLAKE3-256).
const Size = 32

// Digest is a BLAKE3-256 content hash, printable as lowercase hex.
type Digest [Size]byte

// Zero reports whether d is the zero digest (never a valid content hash).
func (d Digest) Zero() bool {
	return d == Digest{}
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler so Digest round-trips through
// JSON as a plain hex string.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Parse decodes a hex-encoded digest string.
func Parse(s string) (Digest, error) {
	var d Digest
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("hash: invalid digest %q: %w", s, err)
	}
	if len(decoded) != Size {
		return d, fmt.Errorf("hash: invalid digest length %q: got %d bytes, want %d", s, len(decoded), Size)
	}
	copy(d[:], decoded)
	return d, nil
}

// Sum computes the BLAKE3-256 digest of buf in one call.
func Sum(buf []byte) Digest {
	return Digest(blake3.Sum256(buf))
}

// Hasher incrementally computes a BLAKE3-256 digest. The zero value is not
// usable; use NewHasher.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a ready-to-use incremental hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(Size, nil)}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the digest of all bytes written so far without resetting state.
func (h *Hasher) Sum() Digest {
	var d Digest
	copy(d[:], h.h.Sum(nil))
	return d
}

// SumReader consumes r fully and returns its BLAKE3-256 digest along with the
// total number of bytes read.
func SumReader(r io.Reader) (Digest, int64, error) {
	h := NewHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, fmt.Errorf("hash: read: %w", err)
	}
	return h.Sum(), n, nil
}
