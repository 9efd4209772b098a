package domain

import (
	"regexp"
	"strings"
)

var phonePattern = regexp.MustCompile(`^\d{10,15}$`)

// NormalizePhone strips an optional leading "+" and validates that what
// remains is 10 to 15 digits (country code included).
func NormalizePhone(raw string) (string, error) {
	phone := strings.TrimPrefix(strings.TrimSpace(raw), "+")
	if !phonePattern.MatchString(phone) {
		return "", Errorf(KindInvalidInput, "normalize phone", "phone number %q must be 10 to 15 digits", raw)
	}
	return phone, nil
}

// DialPhone formats a normalized phone number for the chat protocol.
func DialPhone(phone string) string {
	return "+" + phone
}

// MaskPhone hides all but the last four digits.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
