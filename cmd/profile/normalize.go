package profile

import (
	"strings"
	"unicode/utf8"
)

const (
	usernameMinLen = 3
	usernameMaxLen = 32
	fullNameMaxLen = 120
)

// NormalizeUsername performs case-insensitive canonicalization.
// Only trim + lower-case for now.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateUsername checks the display form of a username.
// Allowed: ASCII letters, digits, '_', '-' and '.', 3 to 32 characters.
func ValidateUsername(s string) error {
	const op = "profile.ValidateUsername"

	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	if n < usernameMinLen || n > usernameMaxLen {
		return invalid(op, "username must be 3 to 32 characters")
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.':
		default:
			return invalid(op, "username may contain letters, digits, '_', '-' and '.' only")
		}
	}
	return nil
}

func trimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	if s == "" {
		return nil
	}
	return &s
}
