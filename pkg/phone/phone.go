// Package phone normalises and validates Indian mobile numbers, the only
// identity key the marketplace accepts for OTP sign-in and link unlocks.
package phone

import (
	"regexp"
	"strings"
)

var mobileRegex = regexp.MustCompile(`^[6-9][0-9]{9}$`)

// Normalize strips separators and an optional +91, 91 or 0 prefix and
// reports whether the remainder is a valid 10-digit mobile number.
func Normalize(raw string) (string, bool) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	switch {
	case strings.HasPrefix(s, "+91") && len(s) == 13:
		s = s[3:]
	case strings.HasPrefix(s, "91") && len(s) == 12:
		s = s[2:]
	case strings.HasPrefix(s, "0") && len(s) == 11:
		s = s[1:]
	}

	if !mobileRegex.MatchString(s) {
		return "", false
	}
	return s, true
}

// Valid reports whether s is already in normalised form.
func Valid(s string) bool {
	return mobileRegex.MatchString(s)
}

// Mask hides the middle of a phone number for logs.
func Mask(s string) string {
	if len(s) < 6 {
		return "***"
	}
	return s[:2] + "******" + s[len(s)-2:]
}
