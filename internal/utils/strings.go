package utils

import (
	"strings"
	"unicode"
)

// NormalizeString trims whitespace and collapses inner runs of spaces.
func NormalizeString(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeIdentifier trims and uppercases a badge or enrollment number.
func NormalizeIdentifier(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// IsValidIdentifier accepts 1 to 64 letters, digits, '-', '_' or '.'.
func IsValidIdentifier(id string) bool {
	normalized := NormalizeIdentifier(id)
	if normalized == "" || len(normalized) > 64 {
		return false
	}
	for _, r := range normalized {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			continue
		}
		return false
	}
	return true
}
