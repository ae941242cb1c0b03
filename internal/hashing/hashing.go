// Package hashing provides content addressing for artifacts. Digests are
// BLAKE3-256 rendered as lowercase hex, computed as a streaming fold so
// memory use is constant regardless of file size.
package hashing

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// DigestHexLength is the length of a digest string: 32 bytes of BLAKE3
// output in hex.
const DigestHexLength = 64

// Digest computes the content digest of the file at path.
func Digest(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for digest: %w", err)
	}
	defer file.Close()
	return DigestReader(file)
}

// DigestReader computes the content digest of everything readable from r.
func DigestReader(r io.Reader) (string, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Verify reports whether the file at path hashes to expected. Comparison is
// exact; expected must be lowercase hex of DigestHexLength characters.
func Verify(path, expected string) (bool, error) {
	if len(expected) != DigestHexLength {
		return false, fmt.Errorf("expected digest has length %d, want %d", len(expected), DigestHexLength)
	}
	actual, err := Digest(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}
