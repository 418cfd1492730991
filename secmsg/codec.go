package secmsg

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
)

// IntegrityError is a secure messaging authentication failure. It is always
// fatal to the session: a forged or corrupted response cannot be trusted to
// reveal which byte is wrong, so no partial recovery is attempted.
type IntegrityError struct {
	Msg string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("secure messaging integrity failure: %s", e.Msg)
}

// Codec wraps outgoing commands and unwraps incoming responses under one
// session's keys and send sequence counter. It is owned by a single protocol
// run and is not safe for concurrent use.
type Codec struct {
	keys     *SessionKeys
	ssc      SequenceCounter
	poisoned bool
}

// NewCodec starts a session with the given keys and initial counter value.
func NewCodec(keys *SessionKeys, initialSSC []byte) (*Codec, error) {
	if err := keys.validate(); err != nil {
		return nil, err
	}
	c := &Codec{keys: keys}
	c.ssc.Reset(initialSSC)
	return c, nil
}

// Keys exposes the active session keys, e.g. for wiping at run end.
func (c *Codec) Keys() *SessionKeys { return c.keys }

// Counter returns a copy of the current send sequence counter.
func (c *Codec) Counter() SequenceCounter { return c.ssc }

// Poisoned reports whether an integrity failure has invalidated the session.
func (c *Codec) Poisoned() bool { return c.poisoned }

func (c *Codec) encCipher() (cipher.Block, error) {
	if c.keys.Alg == TDES {
		return tripleDESCipher(c.keys.KSEnc)
	}
	return aes.NewCipher(c.keys.KSEnc)
}

// iv returns the CBC IV for the current counter value: zero for 3DES,
// E(KSEnc, SSC) for AES.
func (c *Codec) iv(block cipher.Block) ([]byte, error) {
	bs := c.keys.Alg.blockSize()
	if c.keys.Alg == TDES {
		return make([]byte, bs), nil
	}
	iv := make([]byte, bs)
	block.Encrypt(iv, c.ssc.Bytes(bs))
	return iv, nil
}

func (c *Codec) mac(padded []byte) ([]byte, error) {
	if c.keys.Alg == TDES {
		return retailMAC(c.keys.KSMAC, padded)
	}
	full, err := aesCMAC(c.keys.KSMAC, padded)
	if err != nil {
		return nil, err
	}
	return full[:8], nil
}

// Protect increments the counter, encrypts the command payload, and appends
// the integrity code over counter, header and payload, yielding the
// protected command.
func (c *Codec) Protect(cmd iso7816.APDU) (iso7816.APDU, error) {
	if c.poisoned {
		return iso7816.APDU{}, &IntegrityError{Msg: "session is poisoned"}
	}
	c.ssc.Increment()
	bs := c.keys.Alg.blockSize()

	block, err := c.encCipher()
	if err != nil {
		return iso7816.APDU{}, err
	}

	var do87 []byte
	if len(cmd.Data) > 0 {
		iv, err := c.iv(block)
		if err != nil {
			return iso7816.APDU{}, err
		}
		enc, err := cbcEncrypt(block, iv, Pad(cmd.Data, bs))
		if err != nil {
			return iso7816.APDU{}, err
		}
		value := make([]byte, 0, 1+len(enc))
		value = append(value, 0x01) // padding-content indicator
		value = append(value, enc...)
		do87 = iso7816.TLV{Tag: 0x87, Value: value}.Encode()
	}

	var do97 []byte
	if cmd.Le >= 0 {
		do97 = []byte{0x97, 0x01, byte(cmd.Le)} // 256 encodes as 0x00
	}

	maskedCLA := cmd.CLA | 0x0C
	macIn := make([]byte, 0, bs*2+len(do87)+len(do97))
	macIn = append(macIn, c.ssc.Bytes(bs)...)
	macIn = append(macIn, Pad([]byte{maskedCLA, cmd.INS, cmd.P1, cmd.P2}, bs)...)
	macIn = append(macIn, do87...)
	macIn = append(macIn, do97...)

	mac, err := c.mac(Pad(macIn, bs))
	if err != nil {
		return iso7816.APDU{}, err
	}

	data := make([]byte, 0, len(do87)+len(do97)+10)
	data = append(data, do87...)
	data = append(data, do97...)
	data = append(data, 0x8E, 0x08)
	data = append(data, mac...)

	return iso7816.APDU{
		CLA:  maskedCLA,
		INS:  cmd.INS,
		P1:   cmd.P1,
		P2:   cmd.P2,
		Data: data,
		Le:   256,
	}, nil
}

// Unprotect increments the counter identically to the chip side, verifies
// the response integrity code, and decrypts the payload. A mismatch returns
// IntegrityError and poisons the session.
func (c *Codec) Unprotect(resp iso7816.RAPDU) (iso7816.RAPDU, error) {
	if c.poisoned {
		return iso7816.RAPDU{}, &IntegrityError{Msg: "session is poisoned"}
	}
	c.ssc.Increment()
	bs := c.keys.Alg.blockSize()

	var do87Raw, do99Raw, macReceived []byte
	rest := resp.Data
	for len(rest) > 0 {
		tlv, n, err := iso7816.ParseTLV(rest)
		if err != nil {
			c.poisoned = true
			return iso7816.RAPDU{}, &IntegrityError{Msg: fmt.Sprintf("malformed response object: %v", err)}
		}
		switch tlv.Tag {
		case 0x87:
			do87Raw = rest[:n]
		case 0x99:
			do99Raw = rest[:n]
		case 0x8E:
			macReceived = tlv.Value
		default:
			c.poisoned = true
			return iso7816.RAPDU{}, &IntegrityError{Msg: fmt.Sprintf("unexpected response object tag %02X", tlv.Tag)}
		}
		rest = rest[n:]
	}
	if len(do99Raw) != 4 || len(macReceived) != 8 {
		c.poisoned = true
		return iso7816.RAPDU{}, &IntegrityError{Msg: "missing status or integrity object"}
	}

	macIn := make([]byte, 0, bs+len(do87Raw)+len(do99Raw))
	macIn = append(macIn, c.ssc.Bytes(bs)...)
	macIn = append(macIn, do87Raw...)
	macIn = append(macIn, do99Raw...)

	expected, err := c.mac(Pad(macIn, bs))
	if err != nil {
		return iso7816.RAPDU{}, err
	}
	if subtle.ConstantTimeCompare(expected, macReceived) != 1 {
		c.poisoned = true
		return iso7816.RAPDU{}, &IntegrityError{Msg: "response MAC mismatch"}
	}

	sw := uint16(do99Raw[2])<<8 | uint16(do99Raw[3])

	var plain []byte
	if len(do87Raw) > 0 {
		tlv, _, err := iso7816.ParseTLV(do87Raw)
		if err != nil || len(tlv.Value) < 1 || tlv.Value[0] != 0x01 {
			c.poisoned = true
			return iso7816.RAPDU{}, &IntegrityError{Msg: "malformed cryptogram object"}
		}
		block, err := c.encCipher()
		if err != nil {
			return iso7816.RAPDU{}, err
		}
		iv, err := c.iv(block)
		if err != nil {
			return iso7816.RAPDU{}, err
		}
		dec, err := cbcDecrypt(block, iv, tlv.Value[1:])
		if err != nil {
			c.poisoned = true
			return iso7816.RAPDU{}, &IntegrityError{Msg: err.Error()}
		}
		plain, err = Unpad(dec)
		if err != nil {
			c.poisoned = true
			return iso7816.RAPDU{}, &IntegrityError{Msg: err.Error()}
		}
	}

	return iso7816.RAPDU{Data: plain, SW: sw}, nil
}
