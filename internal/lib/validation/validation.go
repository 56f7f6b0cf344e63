// Package validation checks sign-up input before any storage or hashing
// work happens. Failures unwrap to ErrInvalid so the boundary can
// classify them separately from auth and storage errors.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var ErrInvalid = errors.New("invalid input")

// Passwords seen often enough in breach corpora that length and
// character classes alone do not save them.
var commonPasswords = map[string]struct{}{
	"password123!":     {},
	"password1234!":    {},
	"qwerty123456789!": {},
	"administrator1!":  {},
	"welcome12345678!": {},
	"letmein123456789": {},
}

// Email checks the minimal shape of an address: something before an
// "@", something after it containing a dot. Deliverability is the mail
// collaborator's problem.
func Email(email string) error {
	at := strings.IndexByte(email, '@')
	if at < 1 || at == len(email)-1 {
		return fmt.Errorf("%w: malformed email address", ErrInvalid)
	}
	domain := email[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return fmt.Errorf("%w: malformed email address", ErrInvalid)
	}
	return nil
}

// Password enforces the account password policy: at least 12
// characters, with upper, lower, digit and special characters, and not
// a known common password.
func Password(password string) error {
	if len(password) < 12 {
		return fmt.Errorf("%w: password must be at least 12 characters long", ErrInvalid)
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	switch {
	case !upper:
		return fmt.Errorf("%w: password must contain an uppercase letter", ErrInvalid)
	case !lower:
		return fmt.Errorf("%w: password must contain a lowercase letter", ErrInvalid)
	case !digit:
		return fmt.Errorf("%w: password must contain a digit", ErrInvalid)
	case !special:
		return fmt.Errorf("%w: password must contain a special character", ErrInvalid)
	}

	if _, ok := commonPasswords[strings.ToLower(password)]; ok {
		return fmt.Errorf("%w: password is too common", ErrInvalid)
	}

	return nil
}
