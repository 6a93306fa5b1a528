package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validate checks password policy. Lengths count runes, not bytes.
func (c Config) Validate(password string) error {
	n := utf8.RuneCountInString(password)
	switch {
	case n < c.Policy.MinLength:
		return ErrPasswordTooShort
	case n > c.Policy.MaxLength:
		return ErrPasswordTooLong
	case c.Policy.RejectVeryWeak && looksVeryWeak(password):
		return ErrWeakPassword
	}
	return nil
}

var trivialPasswords = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {}, "123456": {}, "1234567": {},
	"12345678": {}, "123456789": {}, "qwerty": {}, "qwerty123": {}, "11111111": {},
	"letmein": {}, "secret": {},
}

// looksVeryWeak is a minimal screen, not a strength estimator.
func looksVeryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := trivialPasswords[strings.ToLower(s)]; ok {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	if strings.Trim(s, string(first)) == "" {
		return true
	}

	// Short all-digit strings are PINs.
	return utf8.RuneCountInString(s) < 12 && strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0
}
