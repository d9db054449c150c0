// Package phone normalizes North American and international numbers to E.164.
package phone

import (
	"errors"
	"strings"
)

var ErrInvalid = errors.New("phone: invalid number")

// Normalize strips everything but digits and returns an E.164 string.
// Ten digit numbers are assumed to be NANP and get a +1 prefix; longer
// numbers are taken to already carry a country code.
func Normalize(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case len(digits) < 10:
		return "", ErrInvalid
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) > 15:
		return "", ErrInvalid
	default:
		return "+" + digits, nil
	}
}

// Same reports whether two raw numbers normalize to the same E.164 value.
// Unparseable inputs never match.
func Same(a, b string) bool {
	na, err := Normalize(a)
	if err != nil {
		return false
	}
	nb, err := Normalize(b)
	if err != nil {
		return false
	}
	return na == nb
}
