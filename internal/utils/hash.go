package utils

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HashBytes calculates the BLAKE3 hash of a byte slice
func HashBytes(data []byte) string {
	hasher := blake3.New()
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// HashString calculates the BLAKE3 hash of a string
func HashString(data string) string {
	return HashBytes([]byte(data))
}

// ShortHash returns the first n hex characters of the BLAKE3 hash of s.
func ShortHash(s string, n int) string {
	h := HashString(s)
	if n <= 0 || n >= len(h) {
		return h
	}
	return h[:n]
}
