package iso7816

import (
	"bytes"
	"errors"
	"testing"
)

func TestAPDUBytes(t *testing.T) {
	tests := []struct {
		name    string
		apdu    APDU
		want    []byte
		wantErr bool
	}{
		{
			name: "select EF.COM",
			apdu: SelectEF(0x011E),
			want: []byte{0x00, 0xA4, 0x02, 0x0C, 0x02, 0x01, 0x1E},
		},
		{
			name: "get challenge",
			apdu: GetChallenge(8),
			want: []byte{0x00, 0x84, 0x00, 0x00, 0x08},
		},
		{
			name: "read binary with offset",
			apdu: ReadBinary(0x0123, 200),
			want: []byte{0x00, 0xB0, 0x01, 0x23, 0xC8},
		},
		{
			name: "le 256 encodes as zero",
			apdu: ReadBinary(0, 256),
			want: []byte{0x00, 0xB0, 0x00, 0x00, 0x00},
		},
		{
			name:    "oversized data",
			apdu:    APDU{Data: make([]byte, 256), Le: -1},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.apdu.Bytes()
			if tt.wantErr {
				if err == nil {
					t.Fatal("Bytes() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Bytes() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Bytes() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestParseRAPDU(t *testing.T) {
	r, err := ParseRAPDU([]byte{0xDE, 0xAD, 0x90, 0x00})
	if err != nil {
		t.Fatalf("ParseRAPDU() error = %v", err)
	}
	if r.SW != SWSuccess {
		t.Errorf("SW = %04X, want 9000", r.SW)
	}
	if !bytes.Equal(r.Data, []byte{0xDE, 0xAD}) {
		t.Errorf("Data = % X", r.Data)
	}
	if !bytes.Equal(r.Bytes(), []byte{0xDE, 0xAD, 0x90, 0x00}) {
		t.Errorf("Bytes() roundtrip mismatch")
	}

	if _, err := ParseRAPDU([]byte{0x90}); err == nil {
		t.Error("ParseRAPDU(short) error = nil, want error")
	}
	var te *TransportError
	if _, err := ParseRAPDU(nil); !errors.As(err, &te) || te.Kind != Malformed {
		t.Errorf("ParseRAPDU(nil) = %v, want malformed TransportError", err)
	}
}

func TestTLVLength(t *testing.T) {
	tests := []struct {
		name     string
		encoded  []byte
		length   int
		consumed int
	}{
		{"short form", []byte{0x7F}, 0x7F, 1},
		{"one byte", []byte{0x81, 0xC8}, 200, 2},
		{"two bytes", []byte{0x82, 0x01, 0x01}, 257, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, n, err := ParseTLVLength(tt.encoded, 0)
			if err != nil {
				t.Fatalf("ParseTLVLength() error = %v", err)
			}
			if l != tt.length || n != tt.consumed {
				t.Errorf("ParseTLVLength() = (%d, %d), want (%d, %d)", l, n, tt.length, tt.consumed)
			}
			if !bytes.Equal(EncodeTLVLength(tt.length), tt.encoded) {
				t.Errorf("EncodeTLVLength(%d) = % X, want % X", tt.length, EncodeTLVLength(tt.length), tt.encoded)
			}
		})
	}

	if _, _, err := ParseTLVLength([]byte{0x82, 0x01}, 0); err == nil {
		t.Error("truncated length: error = nil, want error")
	}
}

func TestParseTLV(t *testing.T) {
	// Two-byte tag 5F1F with a 3-byte value.
	raw := []byte{0x5F, 0x1F, 0x03, 0x01, 0x02, 0x03, 0xFF}
	tlv, n, err := ParseTLV(raw)
	if err != nil {
		t.Fatalf("ParseTLV() error = %v", err)
	}
	if tlv.Tag != 0x5F1F || n != 6 {
		t.Errorf("ParseTLV() tag=%04X consumed=%d", tlv.Tag, n)
	}
	if !bytes.Equal(tlv.Value, []byte{1, 2, 3}) {
		t.Errorf("value = % X", tlv.Value)
	}
	if !bytes.Equal(tlv.Encode(), raw[:6]) {
		t.Errorf("Encode() = % X, want % X", tlv.Encode(), raw[:6])
	}

	if _, _, err := ParseTLV([]byte{0x60, 0x05, 0x01}); err == nil {
		t.Error("truncated value: error = nil, want error")
	}
}
