package pace

import (
	"crypto/elliptic"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/secmsg"
)

// Responder states.
const (
	stateIdle = iota
	stateSelected
	stateNonceSent
	stateMapped
	stateAgreed
	stateComplete
)

// Responder is the chip side of the negotiation, used by simulated chips in
// tests. It consumes the dynamic authentication steps in order and yields
// the chip's secure messaging endpoint once complete.
type Responder struct {
	password []byte
	rng      io.Reader

	state   int
	kpi     []byte
	s       *big.Int
	mapPriv *big.Int
	gPrime  point
	ephPriv *big.Int
	ephPub  point
	termPub point
	keys    *secmsg.SessionKeys
	session *secmsg.Responder
}

// NewResponder creates a chip-side responder holding the expected password.
func NewResponder(password []byte, rng io.Reader) *Responder {
	if rng == nil {
		rng = rand.Reader
	}
	return &Responder{password: password, rng: rng}
}

// HandleMSESetAT processes protocol selection and resets negotiation state.
func (r *Responder) HandleMSESetAT(data []byte) (uint16, error) {
	tlv, _, err := iso7816.ParseTLV(data)
	if err != nil || tlv.Tag != 0x80 {
		return iso7816.SWIncorrectData, fmt.Errorf("pace responder: missing protocol reference")
	}
	if string(tlv.Value) != string(oidECDHGMAES128) {
		return iso7816.SWIncorrectData, fmt.Errorf("pace responder: unsupported protocol")
	}
	*r = Responder{password: r.password, rng: r.rng, state: stateSelected}
	return iso7816.SWSuccess, nil
}

// HandleGeneralAuthenticate processes one negotiation step and returns the
// response payload.
func (r *Responder) HandleGeneralAuthenticate(data []byte) ([]byte, uint16, error) {
	switch r.state {
	case stateSelected:
		return r.stepNonce()
	case stateNonceSent:
		return r.stepMapping(data)
	case stateMapped:
		return r.stepKeyAgreement(data)
	case stateAgreed:
		return r.stepToken(data)
	default:
		return nil, iso7816.SWConditionsNotMet, fmt.Errorf("pace responder: unexpected step in state %d", r.state)
	}
}

func (r *Responder) stepNonce() ([]byte, uint16, error) {
	r.kpi = secmsg.DerivePasswordKey(secmsg.AES128, r.password)

	sBytes := make([]byte, 16)
	if _, err := io.ReadFull(r.rng, sBytes); err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}
	r.s = new(big.Int).SetBytes(sBytes)
	z, err := encryptNonce(r.kpi, sBytes)
	secmsg.Zeroize(sBytes)
	if err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}

	r.state = stateNonceSent
	return dynamicAuthData(0x80, z), iso7816.SWSuccess, nil
}

func (r *Responder) stepMapping(data []byte) ([]byte, uint16, error) {
	termMapRaw, err := parseDynamicAuthData(data, 0x81)
	if err != nil {
		return nil, iso7816.SWIncorrectData, err
	}
	termMapPub, err := unmarshalPoint(termMapRaw)
	if err != nil {
		return nil, iso7816.SWIncorrectData, err
	}

	r.mapPriv, err = generateScalar(r.rng)
	if err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}
	mx, my := elliptic.P256().ScalarBaseMult(r.mapPriv.Bytes())

	h := scalarMult(r.mapPriv, termMapPub)
	r.gPrime = mapGenerator(r.s, h)

	r.state = stateMapped
	return dynamicAuthData(0x82, marshalPoint(point{mx, my})), iso7816.SWSuccess, nil
}

func (r *Responder) stepKeyAgreement(data []byte) ([]byte, uint16, error) {
	termEphRaw, err := parseDynamicAuthData(data, 0x83)
	if err != nil {
		return nil, iso7816.SWIncorrectData, err
	}
	r.termPub, err = unmarshalPoint(termEphRaw)
	if err != nil {
		return nil, iso7816.SWIncorrectData, err
	}

	r.ephPriv, err = generateScalar(r.rng)
	if err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}
	r.ephPub = scalarMultGenerator(r.ephPriv, r.gPrime)

	shared := sharedSecretBytes(scalarMult(r.ephPriv, r.termPub))
	r.keys = secmsg.DeriveSessionKeys(secmsg.AES128, shared)
	secmsg.Zeroize(shared)

	r.state = stateAgreed
	return dynamicAuthData(0x84, marshalPoint(r.ephPub)), iso7816.SWSuccess, nil
}

func (r *Responder) stepToken(data []byte) ([]byte, uint16, error) {
	tTerminal, err := parseDynamicAuthData(data, 0x85)
	if err != nil {
		return nil, iso7816.SWIncorrectData, err
	}
	want, err := computeAuthToken(r.keys.KSMAC, r.ephPub)
	if err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}
	if subtle.ConstantTimeCompare(tTerminal, want) != 1 {
		r.keys.Wipe()
		r.state = stateIdle
		return nil, iso7816.SWSecurityNotSatisfied, fmt.Errorf("pace responder: terminal token mismatch")
	}

	tChip, err := computeAuthToken(r.keys.KSMAC, r.termPub)
	if err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}

	peer := &secmsg.SessionKeys{
		ID:    r.keys.ID,
		Alg:   r.keys.Alg,
		KSEnc: append([]byte(nil), r.keys.KSEnc...),
		KSMAC: append([]byte(nil), r.keys.KSMAC...),
	}
	r.session, err = secmsg.NewResponder(peer, nil)
	if err != nil {
		return nil, iso7816.SWConditionsNotMet, err
	}

	r.state = stateComplete
	return dynamicAuthData(0x86, tChip), iso7816.SWSuccess, nil
}

// SessionResponder returns the chip's secure messaging endpoint once the
// negotiation completed, nil otherwise.
func (r *Responder) SessionResponder() *secmsg.Responder {
	if r.state != stateComplete {
		return nil
	}
	return r.session
}
