// Package auth implements the cache's token-based identity plane: API
// keys, sessions, invitations, and OAuth state, plus the per-org CAS
// authorization cache (KeySets) every save/restore/CAS call consults. The
// cache depends on auth only to the degree described in §4.5: every call
// resolves to (account, org), and no other identity detail flows into the
// cache path.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// apiKeyTokenBytes and sessionTokenBytes are the raw entropy lengths for
// the two token kinds described in §4.5 — both are hashed before storage,
// so only the hash ever touches the database.
const (
	apiKeyTokenBytes  = 32
	sessionTokenBytes = 16
)

// invitationShortChars and invitationLongChars are the alphanumeric
// lengths for short-lived (<= 7 days) and long-lived (> 7 days)
// invitations respectively.
const (
	invitationShortChars = 8
	invitationLongChars  = 12
)

const invitationAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateAPIKeyToken returns a new random API key token, hex-encoded for
// the wire.
func GenerateAPIKeyToken() (string, error) {
	return randomHexToken(apiKeyTokenBytes)
}

// GenerateSessionToken returns a new random session token, hex-encoded for
// the wire.
func GenerateSessionToken() (string, error) {
	return randomHexToken(sessionTokenBytes)
}

// GenerateOAuthState returns a new random OAuth CSRF state token.
func GenerateOAuthState() (string, error) {
	return randomHexToken(sessionTokenBytes)
}

func randomHexToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateInvitationToken returns a random alphanumeric invitation code:
// 8 characters for short-lived invites, 12 for long-lived ones (> 7 days),
// per §4.5.
func GenerateInvitationToken(longLived bool) (string, error) {
	n := invitationShortChars
	if longLived {
		n = invitationLongChars
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate invitation token: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = invitationAlphabet[int(b)%len(invitationAlphabet)]
	}
	return string(out), nil
}

// HashToken returns the SHA-256 hex digest of a raw token, as stored in
// the database per §4.5 ("stored server-side as SHA-256 hashes").
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two hex-encoded hashes without leaking timing
// information about where they first differ.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
