package vault

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Checksum returns the hex-encoded SHA-256 digest of b.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether digest is the checksum of b. The comparison
// always runs over the full digest width, whatever the length of digest.
func VerifyChecksum(b []byte, digest string) bool {
	sum := sha256.Sum256(b)

	var want [sha256.Size]byte
	decoded, err := hex.DecodeString(digest)
	wellFormed := err == nil && len(decoded) == sha256.Size
	copy(want[:], decoded)

	match := subtle.ConstantTimeCompare(sum[:], want[:]) == 1
	return match && wellFormed
}
