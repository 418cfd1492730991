package mrz

import (
	"bytes"
	"testing"
)

func TestCheckDigit(t *testing.T) {
	// Worked example from ICAO Doc 9303.
	tests := []struct {
		field string
		want  byte
	}{
		{"L898902C<", '3'},
		{"690806", '1'},
		{"940623", '6'},
		{"<<<<<<", '0'},
	}
	for _, tt := range tests {
		got, err := CheckDigit(tt.field)
		if err != nil {
			t.Fatalf("CheckDigit(%q) error = %v", tt.field, err)
		}
		if got != tt.want {
			t.Errorf("CheckDigit(%q) = %c, want %c", tt.field, got, tt.want)
		}
	}

	if _, err := CheckDigit("a1"); err == nil {
		t.Error("CheckDigit(lowercase) error = nil, want error")
	}
}

func TestKeyContent(t *testing.T) {
	k, err := NewKey("L898902C", "690806", "940623")
	if err != nil {
		t.Fatalf("NewKey() error = %v", err)
	}
	content, err := k.KeyContent()
	if err != nil {
		t.Fatalf("KeyContent() error = %v", err)
	}
	want := []byte("L898902C<369080619406236")
	if !bytes.Equal(content, want) {
		t.Errorf("KeyContent() = %s, want %s", content, want)
	}

	// Deterministic: same inputs, same content.
	again, _ := k.KeyContent()
	if !bytes.Equal(content, again) {
		t.Error("KeyContent() not deterministic")
	}
}

func TestNewKeyValidation(t *testing.T) {
	tests := []struct {
		name      string
		docNum    string
		birth     string
		expiry    string
		wantErr   bool
	}{
		{"valid", "L898902C", "690806", "940623", false},
		{"short birth date", "L898902C", "6908", "940623", true},
		{"short expiry date", "L898902C", "690806", "94", true},
		{"empty document number", "", "690806", "940623", true},
		{"invalid character", "l898902c", "690806", "940623", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKey(tt.docNum, tt.birth, tt.expiry)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseTD3(t *testing.T) {
	line1 := "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<"
	line2 := "L898902C36UTO7408122F1204159ZE184226B<<<<<10"

	td3, err := ParseTD3(line1, line2)
	if err != nil {
		t.Fatalf("ParseTD3() error = %v", err)
	}
	if td3.PrimaryName != "ERIKSSON" {
		t.Errorf("PrimaryName = %q", td3.PrimaryName)
	}
	if len(td3.SecondaryNames) != 2 || td3.SecondaryNames[0] != "ANNA" || td3.SecondaryNames[1] != "MARIA" {
		t.Errorf("SecondaryNames = %v", td3.SecondaryNames)
	}
	if td3.IssuingState != "UTO" || td3.Nationality != "UTO" {
		t.Errorf("state = %q nationality = %q", td3.IssuingState, td3.Nationality)
	}
	if td3.BirthDate != "740812" || td3.ExpiryDate != "120415" {
		t.Errorf("dates = %q / %q", td3.BirthDate, td3.ExpiryDate)
	}

	key, err := td3.AccessKey()
	if err != nil {
		t.Fatalf("AccessKey() error = %v", err)
	}
	content, err := key.KeyContent()
	if err != nil {
		t.Fatalf("KeyContent() error = %v", err)
	}
	if want := []byte("L898902C3674081221204159"); !bytes.Equal(content, want) {
		t.Errorf("KeyContent() = %s, want %s", content, want)
	}

	// Corrupt a check digit.
	bad := []byte(line2)
	bad[9] = '9'
	if _, err := ParseTD3(line1, string(bad)); err == nil {
		t.Error("ParseTD3(bad check digit) error = nil, want error")
	}

	if _, err := ParseTD3("short", line2); err == nil {
		t.Error("ParseTD3(short line) error = nil, want error")
	}
}
