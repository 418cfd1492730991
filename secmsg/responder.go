package secmsg

import (
	"crypto/subtle"
	"fmt"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
)

// Responder is the chip-side half of a secure messaging session: it unwraps
// protected commands and wraps responses under the same keys and counter
// discipline as the terminal's Codec. It backs the simulated chips used in
// tests and card emulation.
type Responder struct {
	codec Codec
}

// NewResponder starts the chip side of a session.
func NewResponder(keys *SessionKeys, initialSSC []byte) (*Responder, error) {
	if err := keys.validate(); err != nil {
		return nil, err
	}
	r := &Responder{codec: Codec{keys: keys}}
	r.codec.ssc.Reset(initialSSC)
	return r, nil
}

// Counter returns a copy of the current send sequence counter.
func (r *Responder) Counter() SequenceCounter { return r.codec.ssc }

// UnwrapCommand verifies and decrypts a protected command, returning the
// plain command the terminal issued.
func (r *Responder) UnwrapCommand(cmd iso7816.APDU) (iso7816.APDU, error) {
	c := &r.codec
	c.ssc.Increment()
	bs := c.keys.Alg.blockSize()

	var do87Raw, do97Raw, macReceived []byte
	rest := cmd.Data
	for len(rest) > 0 {
		tlv, n, err := iso7816.ParseTLV(rest)
		if err != nil {
			return iso7816.APDU{}, &IntegrityError{Msg: fmt.Sprintf("malformed command object: %v", err)}
		}
		switch tlv.Tag {
		case 0x87:
			do87Raw = rest[:n]
		case 0x97:
			do97Raw = rest[:n]
		case 0x8E:
			macReceived = tlv.Value
		default:
			return iso7816.APDU{}, &IntegrityError{Msg: fmt.Sprintf("unexpected command object tag %02X", tlv.Tag)}
		}
		rest = rest[n:]
	}
	if len(macReceived) != 8 {
		return iso7816.APDU{}, &IntegrityError{Msg: "missing command integrity object"}
	}

	macIn := make([]byte, 0, bs*2+len(do87Raw)+len(do97Raw))
	macIn = append(macIn, c.ssc.Bytes(bs)...)
	macIn = append(macIn, Pad([]byte{cmd.CLA, cmd.INS, cmd.P1, cmd.P2}, bs)...)
	macIn = append(macIn, do87Raw...)
	macIn = append(macIn, do97Raw...)

	expected, err := c.mac(Pad(macIn, bs))
	if err != nil {
		return iso7816.APDU{}, err
	}
	if subtle.ConstantTimeCompare(expected, macReceived) != 1 {
		return iso7816.APDU{}, &IntegrityError{Msg: "command MAC mismatch"}
	}

	plain := iso7816.APDU{CLA: cmd.CLA &^ 0x0C, INS: cmd.INS, P1: cmd.P1, P2: cmd.P2, Le: -1}
	if len(do97Raw) == 3 {
		plain.Le = int(do97Raw[2])
		if plain.Le == 0 {
			plain.Le = 256
		}
	}
	if len(do87Raw) > 0 {
		tlv, _, err := iso7816.ParseTLV(do87Raw)
		if err != nil || len(tlv.Value) < 1 || tlv.Value[0] != 0x01 {
			return iso7816.APDU{}, &IntegrityError{Msg: "malformed command cryptogram"}
		}
		block, err := c.encCipher()
		if err != nil {
			return iso7816.APDU{}, err
		}
		iv, err := c.iv(block)
		if err != nil {
			return iso7816.APDU{}, err
		}
		dec, err := cbcDecrypt(block, iv, tlv.Value[1:])
		if err != nil {
			return iso7816.APDU{}, &IntegrityError{Msg: err.Error()}
		}
		plain.Data, err = Unpad(dec)
		if err != nil {
			return iso7816.APDU{}, &IntegrityError{Msg: err.Error()}
		}
	}
	return plain, nil
}

// WrapResponse encrypts and authenticates a plain response.
func (r *Responder) WrapResponse(resp iso7816.RAPDU) (iso7816.RAPDU, error) {
	c := &r.codec
	c.ssc.Increment()
	bs := c.keys.Alg.blockSize()

	block, err := c.encCipher()
	if err != nil {
		return iso7816.RAPDU{}, err
	}

	var do87 []byte
	if len(resp.Data) > 0 {
		iv, err := c.iv(block)
		if err != nil {
			return iso7816.RAPDU{}, err
		}
		enc, err := cbcEncrypt(block, iv, Pad(resp.Data, bs))
		if err != nil {
			return iso7816.RAPDU{}, err
		}
		value := make([]byte, 0, 1+len(enc))
		value = append(value, 0x01)
		value = append(value, enc...)
		do87 = iso7816.TLV{Tag: 0x87, Value: value}.Encode()
	}

	do99 := []byte{0x99, 0x02, byte(resp.SW >> 8), byte(resp.SW)}

	macIn := make([]byte, 0, bs+len(do87)+4)
	macIn = append(macIn, c.ssc.Bytes(bs)...)
	macIn = append(macIn, do87...)
	macIn = append(macIn, do99...)

	mac, err := c.mac(Pad(macIn, bs))
	if err != nil {
		return iso7816.RAPDU{}, err
	}

	data := make([]byte, 0, len(do87)+14)
	data = append(data, do87...)
	data = append(data, do99...)
	data = append(data, 0x8E, 0x08)
	data = append(data, mac...)

	return iso7816.RAPDU{Data: data, SW: resp.SW}, nil
}
