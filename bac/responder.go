package bac

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/secmsg"
)

// Responder is the chip side of the mutual authentication, used by simulated
// chips in tests.
type Responder struct {
	seed    []byte
	rng     io.Reader
	rndIC   []byte
	session *secmsg.Responder
}

// NewResponder creates a chip-side responder holding the document's seed.
func NewResponder(seed []byte, rng io.Reader) *Responder {
	if rng == nil {
		rng = rand.Reader
	}
	return &Responder{seed: seed, rng: rng}
}

// HandleGetChallenge issues the chip challenge.
func (r *Responder) HandleGetChallenge() ([]byte, error) {
	r.rndIC = make([]byte, 8)
	if _, err := io.ReadFull(r.rng, r.rndIC); err != nil {
		return nil, err
	}
	return r.rndIC, nil
}

// HandleExternalAuthenticate verifies the terminal cryptogram and returns the
// chip's reciprocal cryptogram, establishing the chip session on success.
func (r *Responder) HandleExternalAuthenticate(data []byte) ([]byte, uint16, error) {
	if r.rndIC == nil {
		return nil, iso7816.SWConditionsNotMet, fmt.Errorf("bac responder: no challenge outstanding")
	}
	if len(data) != 40 {
		return nil, iso7816.SWWrongLength, fmt.Errorf("bac responder: command is %d bytes, want 40", len(data))
	}

	kenc := secmsg.DeriveKey(secmsg.TDES, r.seed, 1)
	kmac := secmsg.DeriveKey(secmsg.TDES, r.seed, 2)
	defer secmsg.Zeroize(kenc, kmac)

	eIFD, mIFD := data[:32], data[32:]
	want, err := secmsg.RetailMAC(kmac, eIFD)
	if err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}
	if subtle.ConstantTimeCompare(want, mIFD) != 1 {
		return nil, iso7816.SWSecurityNotSatisfied, fmt.Errorf("bac responder: terminal cryptogram MAC mismatch")
	}

	s, err := secmsg.TDESDecryptCBC(kenc, make([]byte, 8), eIFD)
	if err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}
	defer secmsg.Zeroize(s)
	rndIFD, rndICEcho, kIFD := s[0:8], s[8:16], s[16:32]
	if !bytes.Equal(rndICEcho, r.rndIC) {
		return nil, iso7816.SWSecurityNotSatisfied, fmt.Errorf("bac responder: challenge echo mismatch")
	}

	kIC := make([]byte, 16)
	if _, err := io.ReadFull(r.rng, kIC); err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}
	defer secmsg.Zeroize(kIC)

	reply := make([]byte, 0, 32)
	reply = append(reply, r.rndIC...)
	reply = append(reply, rndIFD...)
	reply = append(reply, kIC...)
	eIC, err := secmsg.TDESEncryptCBC(kenc, make([]byte, 8), reply)
	secmsg.Zeroize(reply)
	if err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}
	mIC, err := secmsg.RetailMAC(kmac, eIC)
	if err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}

	sessionSeed := make([]byte, 16)
	for i := range sessionSeed {
		sessionSeed[i] = kIFD[i] ^ kIC[i]
	}
	keys := secmsg.DeriveSessionKeys(secmsg.TDES, sessionSeed)
	secmsg.Zeroize(sessionSeed)

	ssc := make([]byte, 0, 8)
	ssc = append(ssc, r.rndIC[4:8]...)
	ssc = append(ssc, rndIFD[4:8]...)
	r.session, err = secmsg.NewResponder(keys, ssc)
	if err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}
	r.rndIC = nil

	out := make([]byte, 0, 40)
	out = append(out, eIC...)
	out = append(out, mIC...)
	return out, iso7816.SWSuccess, nil
}

// SessionResponder returns the chip's secure messaging endpoint once mutual
// authentication completed, nil otherwise.
func (r *Responder) SessionResponder() *secmsg.Responder { return r.session }
