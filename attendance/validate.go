package attendance

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Validation constants.
const (
	MaxIDLength          = 256
	MaxDisplayNameLength = 128
	MaxDeviceHashLength  = 256
	MaxSignatureLength   = 8192
	MinPINDigits         = 4
	MaxPINDigits         = 6
)

func validateID(id, label string) error {
	if id == "" {
		return validationErrorf("%s must not be empty", label)
	}
	if len(id) > MaxIDLength {
		return validationErrorf("%s exceeds maximum length of %d", label, MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return validationErrorf("%s contains invalid UTF-8", label)
	}
	for _, r := range id {
		if r == ':' || r == '/' {
			return validationErrorf("%s contains forbidden character %q", label, r)
		}
		if unicode.IsControl(r) {
			return validationErrorf("%s contains control character", label)
		}
	}
	return nil
}

// normalizeDisplayName returns the NFC form of name with surrounding space
// removed, so visually identical names compare equal in exports.
func normalizeDisplayName(name string) (string, error) {
	if !utf8.ValidString(name) {
		return "", validationErrorf("display name contains invalid UTF-8")
	}
	name = strings.TrimSpace(norm.NFC.String(name))
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return "", validationErrorf("display name exceeds maximum length of %d", MaxDisplayNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return "", validationErrorf("display name contains control character")
		}
	}
	return name, nil
}

func validateDeviceHash(hash string) error {
	if len(hash) > MaxDeviceHashLength {
		return validationErrorf("device hash exceeds maximum length of %d", MaxDeviceHashLength)
	}
	for _, r := range hash {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return validationErrorf("device hash contains invalid character")
		}
	}
	return nil
}

// normalizePIN folds full-width digits (common on phone IMEs) to ASCII and
// checks the result is a plausible PIN.
func normalizePIN(pin string) (string, error) {
	pin = strings.TrimSpace(width.Narrow.String(pin))
	if len(pin) < MinPINDigits || len(pin) > MaxPINDigits {
		return "", validationErrorf("pin must be %d to %d digits", MinPINDigits, MaxPINDigits)
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return "", validationErrorf("pin must contain only digits")
		}
	}
	return pin, nil
}
