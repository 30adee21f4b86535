package testutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the SHA-256 checksum of data as a lowercase hex string.
// Matches the format used in firmware manifests.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// FirmwareImage returns size bytes of deterministic image content seeded by
// version.
func FirmwareImage(version string, size int) []byte {
	seed := sha256.Sum256([]byte(version))
	out := make([]byte, size)
	block := seed
	for i := 0; i < size; i += len(block) {
		copy(out[i:], block[:])
		block = sha256.Sum256(block[:])
	}
	return out
}
