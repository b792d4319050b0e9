// Package hash provides content hashing for module sources and compiled
// output, using xxhash64 for fast change detection.
package hash

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ShortLen is the truncated hash length embedded in artifact filenames.
const ShortLen = 8

// Bytes returns the 16-hex-digit xxhash64 of b.
func Bytes(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Text returns the 16-hex-digit xxhash64 of s.
func Text(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}

// Short truncates a full hash to the filename suffix length.
func Short(h string) string {
	if len(h) <= ShortLen {
		return h
	}
	return h[:ShortLen]
}
