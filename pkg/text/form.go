// Package text normalizes and validates user-typed form input.
package text

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// MinPasswordLength is the shortest password accepted at registration
	MinPasswordLength = 6
)

// Translation keys reported by the validators.
const (
	KeyEmailRequired    = "auth.errors.email-required"
	KeyInvalidEmail     = "auth.errors.invalid-email"
	KeyPasswordRequired = "auth.errors.password-required"
	KeyWeakPassword     = "auth.errors.auth/weak-password"
	KeyPasswordMismatch = "auth.errors.password-mismatch"
	KeyFieldRequired    = "auth.validation.required"
)

var (
	emailRegex      = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

// NormalizeInput trims a single-line field, applies NFC and collapses inner whitespace.
func NormalizeInput(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// NormalizeEmail returns the canonical form used for lookups: NFC, trimmed, lower case.
func NormalizeEmail(email string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(email)))
}

// NormalizePassword applies NFC without trimming, so that the same typed password
// always hashes identically regardless of the input method's composition.
func NormalizePassword(password string) string {
	return norm.NFC.String(password)
}

// ValidEmail reports whether email has the shape local@domain.tld.
func ValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// Credentials is a submitted login or registration form.
type Credentials struct {
	Email           string
	Password        string
	ConfirmPassword string
	Register        bool
}

// Normalize returns a copy with every field normalized.
func (c Credentials) Normalize() Credentials {
	c.Email = NormalizeEmail(c.Email)
	c.Password = NormalizePassword(c.Password)
	c.ConfirmPassword = NormalizePassword(c.ConfirmPassword)
	return c
}

// Validate returns the translation key of the first problem found, or "" when the
// form can be submitted. Length and confirmation rules apply to registration only.
func (c Credentials) Validate() string {
	if c.Email == "" {
		return KeyEmailRequired
	}
	if !ValidEmail(c.Email) {
		return KeyInvalidEmail
	}
	if c.Password == "" {
		return KeyPasswordRequired
	}
	if c.Register {
		if len([]rune(c.Password)) < MinPasswordLength {
			return KeyWeakPassword
		}
		if c.Password != c.ConfirmPassword {
			return KeyPasswordMismatch
		}
	}
	return ""
}

// ValidateResetEmail checks the forgot-password form.
func ValidateResetEmail(email string) string {
	if email == "" {
		return KeyFieldRequired
	}
	if !ValidEmail(email) {
		return KeyInvalidEmail
	}
	return ""
}

// ValidateNewPassword checks the reset-password form. Both values must already be
// normalized.
func ValidateNewPassword(password, confirm string) string {
	if password == "" {
		return KeyPasswordRequired
	}
	if len([]rune(password)) < MinPasswordLength {
		return KeyWeakPassword
	}
	if password != confirm {
		return KeyPasswordMismatch
	}
	return ""
}
