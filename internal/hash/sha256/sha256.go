// Package sha256 derives content addresses for cached documents.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements scrape.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashString is a convenience for hashing cache keys.
func (h *Hasher) HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
