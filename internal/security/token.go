// Package security derives and verifies per-connection session tokens,
// validates inbound payloads and sanitizes untrusted identifiers.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// TokenVersion prefixes every token so the scheme can be rotated.
const TokenVersion = "v1"

const keyContext = "devspace session token v1"

// Signer derives session tokens from a server secret. It is safe for
// concurrent use.
type Signer struct {
	key [32]byte
}

// NewSigner derives the keyed-hash key from the server secret.
func NewSigner(secret string) *Signer {
	s := &Signer{}
	blake3.DeriveKey(keyContext, []byte(secret), s.key[:])
	return s
}

// Derive returns the token binding sessionID to connID. The result is
// deterministic for a given secret and pair.
func (s *Signer) Derive(sessionID, connID string) string {
	h, err := blake3.NewKeyed(s.key[:])
	if err != nil {
		panic("security: keyed hash init failed: " + err.Error())
	}
	h.Write([]byte(TokenVersion + "|" + sessionID + "|" + connID))
	return TokenVersion + "." + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether token was derived for (sessionID, connID).
// Malformed and wrong-version tokens are rejected before comparing.
func (s *Signer) Verify(token, sessionID, connID string) bool {
	ver, digest, ok := strings.Cut(token, ".")
	if !ok || ver != TokenVersion || digest == "" {
		return false
	}
	expected := s.Derive(sessionID, connID)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}

// DeriveToken is Derive with a one-off signer.
func DeriveToken(secret, sessionID, connID string) string {
	return NewSigner(secret).Derive(sessionID, connID)
}

// VerifyToken is Verify with a one-off signer.
func VerifyToken(secret, token, sessionID, connID string) bool {
	return NewSigner(secret).Verify(token, sessionID, connID)
}

// RandomHex returns n random bytes hex-encoded.
func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("security: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
