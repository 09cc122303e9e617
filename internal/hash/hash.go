// Package hash provides the digests used for content addressing: SHA-256 for
// stored page bodies and BLAKE3 for cache keys.
package hash

import (
	"crypto/sha256"
	"encoding/hex"

	"lukechampine.com/blake3"
)

// SHA256 implements crawler.Hasher using SHA-256.
type SHA256 struct{}

// NewSHA256 returns a SHA-256 hasher.
func NewSHA256() SHA256 {
	return SHA256{}
}

// Hash hashes the input and returns a hex digest.
func (SHA256) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Key derives a fixed-length file-safe key for s using BLAKE3.
func Key(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
