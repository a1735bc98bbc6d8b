package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// SHA256Bytes computes the SHA256 hash of a byte slice and returns it as "sha256:hexstring"
func SHA256Bytes(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// SHA256File computes the SHA256 hash of a file and returns it as "sha256:hexstring"
// Uses streaming to handle large files efficiently
func SHA256File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	return "sha256:" + hex.EncodeToString(hasher.Sum(nil)), nil
}

// IsValidFormat reports whether s is a well-formed "sha256:<64 hex chars>"
// digest. It does not verify the digest against any file content.
func IsValidFormat(s string) bool {
	const prefix = "sha256:"
	if len(s) != len(prefix)+64 || !strings.HasPrefix(s, prefix) {
		return false
	}
	for _, c := range s[len(prefix):] {
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// VerifyFile checks if a file's SHA256 hash matches the expected value
// Expected format: "sha256:hexstring"
func VerifyFile(path string, expectedSum string) error {
	// Validate expected sum format
	if !IsValidFormat(expectedSum) {
		return fmt.Errorf("invalid checksum format: must be 'sha256:' followed by 64 hex characters")
	}

	// Compute actual hash
	actualSum, err := SHA256File(path)
	if err != nil {
		return fmt.Errorf("failed to compute checksum: %w", err)
	}

	// Compare
	if actualSum != expectedSum {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expectedSum, actualSum)
	}

	return nil
}
