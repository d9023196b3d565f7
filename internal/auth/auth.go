// Package auth verifies validator session tokens and throttles peers that
// keep failing the handshake.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Verifier checks presented tokens against stored hashes. Hashes are
// hex(HMAC-SHA256(pepper, token)); the pepper never leaves the control plane,
// so a leaked config file alone is not enough to mint valid tokens.
type Verifier struct {
	pepper []byte
}

// NewVerifier creates a verifier over the given pepper.
func NewVerifier(pepper string) *Verifier {
	return &Verifier{pepper: []byte(pepper)}
}

// HashToken returns the stored form of a token.
func (v *Verifier) HashToken(token string) string {
	mac := hmac.New(sha256.New, v.pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the presented token matches the stored hex hash.
// The comparison is constant-time.
func (v *Verifier) Verify(token, storedHex string) (bool, error) {
	want, err := hex.DecodeString(storedHex)
	if err != nil {
		return false, fmt.Errorf("stored token hash is not hex: %w", err)
	}
	mac := hmac.New(sha256.New, v.pepper)
	mac.Write([]byte(token))
	return hmac.Equal(mac.Sum(nil), want), nil
}
