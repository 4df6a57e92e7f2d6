package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"unicode/utf8"
)

// NaturalKey derives the stable item ID for a provider record.
func NaturalKey(source, externalID string) string {
	return HashStrings(strings.ToLower(source), externalID)
}

// HashStrings is sha256 over the parts joined by a unit separator, hex encoded.
func HashStrings(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RoundCoord rounds v to the given number of decimal places, half away from zero.
func RoundCoord(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
