package mrz

import (
	"fmt"
	"strings"
)

// TD3 is the parsed machine-readable zone of a passport-format (TD3)
// document: two lines of 44 characters.
type TD3 struct {
	DocumentCode   string
	IssuingState   string
	PrimaryName    string
	SecondaryNames []string
	DocumentNumber string
	Nationality    string
	BirthDate      string
	Sex            string
	ExpiryDate     string
	OptionalData   string
}

// ParseTD3 parses the two MRZ lines of a TD3 document and validates the
// check digits of document number, birth date and expiry date.
func ParseTD3(line1, line2 string) (*TD3, error) {
	if len(line1) != 44 || len(line2) != 44 {
		return nil, fmt.Errorf("mrz: TD3 lines must be 44 characters, got %d/%d", len(line1), len(line2))
	}

	t := &TD3{
		DocumentCode: strings.TrimRight(line1[0:2], string(rune(Filler))),
		IssuingState: strings.TrimRight(line1[2:5], string(rune(Filler))),
	}

	name := line1[5:44]
	if i := strings.Index(name, "<<"); i >= 0 {
		t.PrimaryName = strings.ReplaceAll(name[:i], string(rune(Filler)), " ")
		for _, part := range strings.Split(strings.TrimRight(name[i+2:], string(rune(Filler))), string(rune(Filler))) {
			if part != "" {
				t.SecondaryNames = append(t.SecondaryNames, part)
			}
		}
	} else {
		t.PrimaryName = strings.TrimRight(name, string(rune(Filler)))
	}

	t.DocumentNumber = line2[0:9]
	t.Nationality = strings.TrimRight(line2[10:13], string(rune(Filler)))
	t.BirthDate = line2[13:19]
	t.Sex = line2[20:21]
	t.ExpiryDate = line2[21:27]
	t.OptionalData = strings.TrimRight(line2[28:42], string(rune(Filler)))

	for _, f := range []struct {
		name  string
		field string
		cd    byte
	}{
		{"document number", line2[0:9], line2[9]},
		{"birth date", line2[13:19], line2[19]},
		{"expiry date", line2[21:27], line2[27]},
	} {
		want, err := CheckDigit(f.field)
		if err != nil {
			return nil, err
		}
		if want != f.cd {
			return nil, fmt.Errorf("mrz: %s check digit mismatch: got %c, want %c", f.name, f.cd, want)
		}
	}

	return t, nil
}

// AccessKey returns the Key derived from the parsed zone.
func (t *TD3) AccessKey() (Key, error) {
	return NewKey(strings.TrimRight(t.DocumentNumber, string(rune(Filler))), t.BirthDate, t.ExpiryDate)
}
