package validator

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

var (
	// ErrInvalidPhoneLength indicates the number has too few or too many digits
	ErrInvalidPhoneLength = errors.New("phone number must have between 8 and 15 digits")

	// ErrInvalidPhoneFormat indicates the number contains characters other than digits
	ErrInvalidPhoneFormat = errors.New("phone number can only contain digits and an optional leading +")

	// ErrMissingCountryCode indicates a national number with no default country configured
	ErrMissingCountryCode = errors.New("phone number must include a country code")

	// ErrInvalidEmail indicates the address could not be parsed
	ErrInvalidEmail = errors.New("email address is not valid")
)

var digitsOnly = regexp.MustCompile(`^\d+$`)

// ContactValidator normalizes the customer contact details forwarded to the gateway.
// Empty values are allowed; the gateway collects what is missing on its own page.
type ContactValidator struct {
	defaultCountryCode string
}

// NewContactValidator creates a validator. Numbers written in national form
// (leading 0) are rewritten with defaultCountryCode, e.g. "94".
func NewContactValidator(defaultCountryCode string) *ContactValidator {
	return &ContactValidator{defaultCountryCode: strings.TrimPrefix(defaultCountryCode, "+")}
}

// Sanitize removes common separators from a phone number
func (v *ContactValidator) Sanitize(phone string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(strings.TrimSpace(phone))
}

// NormalizePhone returns the number in E.164 form (+<digits>)
func (v *ContactValidator) NormalizePhone(phone string) (string, error) {
	sanitized := v.Sanitize(phone)
	if sanitized == "" {
		return "", nil
	}

	switch {
	case strings.HasPrefix(sanitized, "+"):
		sanitized = sanitized[1:]
	case strings.HasPrefix(sanitized, "00"):
		sanitized = sanitized[2:]
	case strings.HasPrefix(sanitized, "0"):
		if v.defaultCountryCode == "" {
			return "", ErrMissingCountryCode
		}
		sanitized = v.defaultCountryCode + sanitized[1:]
	}

	if !digitsOnly.MatchString(sanitized) {
		return "", ErrInvalidPhoneFormat
	}
	if len(sanitized) < 8 || len(sanitized) > 15 {
		return "", ErrInvalidPhoneLength
	}
	return "+" + sanitized, nil
}

// NormalizeEmail trims and lower-cases the domain of an address
func (v *ContactValidator) NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", nil
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return "", ErrInvalidEmail
	}
	at := strings.LastIndex(email, "@")
	return email[:at] + strings.ToLower(email[at:]), nil
}
