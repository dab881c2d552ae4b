// Package fingerprint provides the short BLAKE3 content hashes used as
// cache keys for compiled units, dependency sets and coverage records.
package fingerprint

import (
	"encoding/hex"
	"strings"

	"lukechampine.com/blake3"
)

const (
	// ShortLen is the length of a fingerprint returned by Of.
	ShortLen = 8
	// LongLen is the length of an identifier returned by Long.
	LongLen = 32
)

// Of returns the 8-character uppercase hex fingerprint of data.
func Of(data []byte) string {
	return digestHex(data, ShortLen/2)
}

// Long returns a 32-character uppercase hex fingerprint of data.
// It is used where the key space is large (execution records).
func Long(data []byte) string {
	return digestHex(data, LongLen/2)
}

// Lines fingerprints lines joined by "\n".
func Lines(lines []string) string {
	return Of([]byte(strings.Join(lines, "\n")))
}

// NewHasher returns a streaming BLAKE3 hasher for inputs that should not be
// held in memory at once. Use Sum on the result with ShortHex or LongHex.
func NewHasher() *blake3.Hasher {
	return blake3.New(32, nil)
}

// ShortHex formats the leading bytes of a full digest as a fingerprint.
func ShortHex(sum []byte) string {
	return strings.ToUpper(hex.EncodeToString(sum[:ShortLen/2]))
}

// Valid reports whether s looks like a fingerprint produced by Of.
func Valid(s string) bool {
	return isUpperHex(s, ShortLen)
}

// ValidLong reports whether s looks like an identifier produced by Long.
func ValidLong(s string) bool {
	return isUpperHex(s, LongLen)
}

func digestHex(data []byte, n int) string {
	sum := blake3.Sum256(data)
	return strings.ToUpper(hex.EncodeToString(sum[:n]))
}

func isUpperHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
