package scanner

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Supported checksum algorithms.
const (
	AlgoSHA256 = "sha256"
	AlgoSHA512 = "sha512"
)

// Checksum returns the hex digest of content. Unknown algorithms fall back
// to sha256 so that a typo cannot disable change detection.
func Checksum(algo string, content []byte) string {
	h := newHash(algo)
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// ValidateAlgorithm rejects algorithms Checksum does not implement.
func ValidateAlgorithm(algo string) error {
	switch strings.ToLower(algo) {
	case AlgoSHA256, AlgoSHA512, "":
		return nil
	default:
		return fmt.Errorf("unsupported hash algorithm %q", algo)
	}
}

func newHash(algo string) hash.Hash {
	if strings.ToLower(algo) == AlgoSHA512 {
		return sha512.New()
	}
	return sha256.New()
}
