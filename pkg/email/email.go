// Package email parses and normalizes email addresses at trust boundaries.
package email

import (
	"strings"
	"unicode"

	"github.com/asaskevich/govalidator"

	dErrors "tenancy/pkg/domain-errors"
)

// Normalize trims surrounding whitespace and lower-cases the address.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Domain returns the lower-cased domain part of address.
// A missing '@', an empty local part, or an empty domain is a client input error.
func Domain(address string) (string, error) {
	address = Normalize(address)
	at := strings.LastIndexByte(address, '@')
	if at <= 0 || at == len(address)-1 {
		return "", dErrors.New(dErrors.CodeValidation, "email must contain a local part and a domain")
	}
	return address[at+1:], nil
}

// IsValid reports whether address is a syntactically valid email.
func IsValid(address string) bool {
	return govalidator.IsEmail(strings.TrimSpace(address))
}

// DeriveNameFromEmail builds a display name from the local part, used when a
// profile has to be recreated without the original first and last names.
func DeriveNameFromEmail(email string) (string, string) {
	localPart := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		localPart = email[:at]
	}

	parts := strings.FieldsFunc(localPart, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})

	if len(parts) == 0 {
		return "User", "User"
	}

	first := capitalize(parts[0])
	last := "User"
	if len(parts) > 1 {
		last = capitalize(parts[len(parts)-1])
	}

	return first, last
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
