// Package hexid generates random hex identifiers.
package hexid

import (
	"crypto/rand"
	"encoding/hex"
)

// TokenBytes is the entropy of a Token.
const TokenBytes = 16

// New returns a lowercase hex string of n random bytes.
func New(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("hexid: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Token returns a 32-character secret suitable for a bearer token.
func Token() string { return New(TokenBytes) }
