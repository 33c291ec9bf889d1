package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// SumSHA256 returns the SHA-256 checksum of the provided data.
func SumSHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Fingerprint returns a short hex digest of text, used to tell configuration
// revisions apart in logs without printing their contents.
func Fingerprint(text string) string {
	sum := SumSHA256([]byte(text))
	return hex.EncodeToString(sum[:6])
}
