// Package iso7816 provides the command/response framing used to talk to an
// ICAO 9303 travel document chip: APDU construction and parsing, status word
// handling, and the transport boundary the protocol engine drives.
package iso7816

import (
	"fmt"
)

// Instruction bytes used by the reading protocol.
const (
	InsSelect              = 0xA4
	InsReadBinary          = 0xB0
	InsGetChallenge        = 0x84
	InsExternalAuth        = 0x82
	InsGeneralAuthenticate = 0x86
	InsMSESetAT            = 0x22
)

// MaxCommandData is the largest payload a short-form APDU carries.
const MaxCommandData = 255

// APDU is a command unit. Le < 0 means no expected-length field.
type APDU struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
	Le   int
}

// Bytes serializes the command in short form.
func (a APDU) Bytes() ([]byte, error) {
	if len(a.Data) > MaxCommandData {
		return nil, fmt.Errorf("apdu: command data too long (%d > %d)", len(a.Data), MaxCommandData)
	}
	if a.Le > 256 {
		return nil, fmt.Errorf("apdu: Le out of range: %d", a.Le)
	}
	out := make([]byte, 0, 6+len(a.Data))
	out = append(out, a.CLA, a.INS, a.P1, a.P2)
	if len(a.Data) > 0 {
		out = append(out, byte(len(a.Data)))
		out = append(out, a.Data...)
	}
	if a.Le >= 0 {
		out = append(out, byte(a.Le)) // 256 encodes as 0x00
	}
	return out, nil
}

// RAPDU is a response unit split into payload and status word.
type RAPDU struct {
	Data []byte
	SW   uint16
}

// ParseRAPDU splits a raw response into payload and status word.
func ParseRAPDU(raw []byte) (RAPDU, error) {
	if len(raw) < 2 {
		return RAPDU{}, &TransportError{Kind: Malformed, Msg: fmt.Sprintf("short response: %d bytes", len(raw))}
	}
	sw := uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1])
	return RAPDU{Data: raw[:len(raw)-2], SW: sw}, nil
}

// Bytes re-serializes the response, payload followed by the status word.
func (r RAPDU) Bytes() []byte {
	out := make([]byte, 0, len(r.Data)+2)
	out = append(out, r.Data...)
	out = append(out, byte(r.SW>>8), byte(r.SW))
	return out
}

// SelectEF builds a SELECT by elementary-file identifier.
func SelectEF(fileID uint16) APDU {
	return APDU{
		CLA:  0x00,
		INS:  InsSelect,
		P1:   0x02, // select EF under current DF
		P2:   0x0C, // no response data
		Data: []byte{byte(fileID >> 8), byte(fileID)},
		Le:   -1,
	}
}

// SelectApplication builds a SELECT by AID. The eMRTD application AID is
// A0 00 00 02 47 10 01.
func SelectApplication(aid []byte) APDU {
	return APDU{CLA: 0x00, INS: InsSelect, P1: 0x04, P2: 0x0C, Data: aid, Le: -1}
}

// ReadBinary builds a READ BINARY with a 15-bit offset.
func ReadBinary(offset int, length int) APDU {
	return APDU{
		CLA: 0x00,
		INS: InsReadBinary,
		P1:  byte(offset>>8) & 0x7F,
		P2:  byte(offset),
		Le:  length,
	}
}

// GetChallenge requests n random bytes from the chip.
func GetChallenge(n int) APDU {
	return APDU{CLA: 0x00, INS: InsGetChallenge, P1: 0x00, P2: 0x00, Le: n}
}

// AIDeMRTD is the application identifier of the ICAO eMRTD LDS application.
var AIDeMRTD = []byte{0xA0, 0x00, 0x00, 0x02, 0x47, 0x10, 0x01}
