// Package mrz handles the machine-readable zone fields a travel document's
// access keys are derived from: check digit computation and the key content
// fed into BAC and PACE key derivation.
package mrz

import (
	"fmt"
)

// Filler is the MRZ padding character.
const Filler = '<'

var weights = [3]int{7, 3, 1}

// charValue maps an MRZ character to its check digit value: '0'-'9' keep
// their value, 'A'-'Z' map to 10-35, the filler counts as zero.
func charValue(c byte) (int, error) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), nil
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10, nil
	case c == Filler:
		return 0, nil
	default:
		return 0, fmt.Errorf("mrz: invalid character %q", c)
	}
}

// CheckDigit computes the ICAO 9303 check digit (weights 7, 3, 1) over field.
func CheckDigit(field string) (byte, error) {
	sum := 0
	for i := 0; i < len(field); i++ {
		v, err := charValue(field[i])
		if err != nil {
			return 0, err
		}
		sum += v * weights[i%3]
	}
	return byte('0' + sum%10), nil
}

// Key is the document-derived access key input: the three MRZ fields, each
// carrying its printed check digit. It is the seed-derived credential of the
// access control negotiation and must never be logged.
type Key struct {
	DocumentNumber string // padded with fillers to at least 9 characters
	BirthDate      string // YYMMDD
	ExpiryDate     string // YYMMDD
}

// NewKey validates the fields and returns a Key. The document number is
// right-padded with fillers to the 9-character minimum.
func NewKey(documentNumber, birthDate, expiryDate string) (Key, error) {
	if len(birthDate) != 6 {
		return Key{}, fmt.Errorf("mrz: birth date must be 6 digits, got %d", len(birthDate))
	}
	if len(expiryDate) != 6 {
		return Key{}, fmt.Errorf("mrz: expiry date must be 6 digits, got %d", len(expiryDate))
	}
	if documentNumber == "" {
		return Key{}, fmt.Errorf("mrz: empty document number")
	}
	for len(documentNumber) < 9 {
		documentNumber += string(rune(Filler))
	}
	k := Key{DocumentNumber: documentNumber, BirthDate: birthDate, ExpiryDate: expiryDate}
	if _, err := k.KeyContent(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// KeyContent returns the concatenation of the three fields, each followed by
// its check digit. This is the deterministic input of seed derivation:
// identical fields always yield identical content.
func (k Key) KeyContent() ([]byte, error) {
	out := make([]byte, 0, len(k.DocumentNumber)+len(k.BirthDate)+len(k.ExpiryDate)+3)
	for _, field := range []string{k.DocumentNumber, k.BirthDate, k.ExpiryDate} {
		cd, err := CheckDigit(field)
		if err != nil {
			return nil, err
		}
		out = append(out, field...)
		out = append(out, cd)
	}
	return out, nil
}
