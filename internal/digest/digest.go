package digest

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hex returns the hex-encoded SHA-256 digest of data.
func Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WithPrefix returns the SHA-256 digest with the "sha256:" prefix.
func WithPrefix(data []byte) string {
	return "sha256:" + Hex(data)
}
