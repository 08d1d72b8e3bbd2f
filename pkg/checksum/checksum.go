// Package checksum provides the hashing helpers of the history service: SHA-256 digests of
// rotated shipper files, written next to each rotated file so archived revision logs can be
// verified later, and the 40 character save hashes that correlate the records of one save.
package checksum

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifySHA256 verifies that the checksum of data matches the expected checksum
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return actualChecksum == strings.ToLower(strings.TrimSpace(expectedChecksum)), nil
}

// SaveHash returns a 40 character lowercase hex digest of parts. Parts are joined with a
// separator that cannot appear in model names, so ("a", "bc") and ("ab", "c") differ.
func SaveHash(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
