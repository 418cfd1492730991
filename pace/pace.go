// Package pace implements Password Authenticated Connection Establishment
// (ICAO Doc 9303 part 11), the password-authenticated access control variant:
// an anonymous ephemeral Diffie-Hellman mapped by a password-encrypted nonce,
// followed by mutual authentication tokens. Compromise of the static password
// alone does not reveal past session traffic.
//
// The supported profile is id-PACE-ECDH-GM-AES-CBC-CMAC-128 (generic mapping
// on P-256 with AES-128 session keys).
//
// Initiator (terminal):
//
//	codec, err := pace.Establish(ctx, transport, password, nil)
//
// Responder (simulated chip):
//
//	r := pace.NewResponder(password, nil)
//	// route MSE:SET AT and GENERAL AUTHENTICATE to r, take SessionResponder()
package pace

import (
	"context"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
	"io"
	"math/big"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/secmsg"
)

// oidECDHGMAES128 is the DER value of id-PACE-ECDH-GM-AES-CBC-CMAC-128
// (0.4.0.127.0.7.2.2.4.2.2).
var oidECDHGMAES128 = []byte{0x04, 0x00, 0x7F, 0x00, 0x07, 0x02, 0x02, 0x04, 0x02, 0x02}

// Password reference types carried in MSE:SET AT object 83.
const (
	PasswordMRZ = 0x01
	PasswordCAN = 0x02
)

// Error is a password-authenticated access control failure, terminal for the
// run like its seed-derived counterpart.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("access control (PACE %s): %v", e.Step, e.Err)
	}
	return fmt.Sprintf("access control (PACE %s) failed", e.Step)
}

func (e *Error) Unwrap() error { return e.Err }

// DerivePassword produces the password bytes Kπ is derived from: the SHA-1
// digest of the MRZ key content, or the CAN digits as-is.
func DerivePassword(kind byte, value []byte) []byte {
	if kind == PasswordMRZ {
		d := sha1.Sum(value)
		return d[:]
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out
}

type point struct {
	x, y *big.Int
}

func (p point) valid() bool { return p.x != nil && p.y != nil }

func marshalPoint(p point) []byte {
	return elliptic.Marshal(elliptic.P256(), p.x, p.y)
}

func unmarshalPoint(data []byte) (point, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), data)
	if x == nil {
		return point{}, fmt.Errorf("pace: invalid curve point encoding")
	}
	return point{x, y}, nil
}

// generateScalar returns a uniformly random scalar in [1, n-1].
func generateScalar(rng io.Reader) (*big.Int, error) {
	n := elliptic.P256().Params().N
	for {
		k, err := rand.Int(rng, n)
		if err != nil {
			return nil, err
		}
		if k.Sign() != 0 {
			return k, nil
		}
	}
}

// mapGenerator computes the generic-mapping generator G' = s*G + H.
func mapGenerator(s *big.Int, h point) point {
	curve := elliptic.P256()
	sgx, sgy := curve.ScalarBaseMult(s.Bytes())
	gx, gy := curve.Add(sgx, sgy, h.x, h.y)
	return point{gx, gy}
}

// scalarMult computes d*P on P-256.
func scalarMult(d *big.Int, p point) point {
	x, y := elliptic.P256().ScalarMult(p.x, p.y, d.Bytes())
	return point{x, y}
}

// scalarMultGenerator computes d*G' for an arbitrary generator.
func scalarMultGenerator(d *big.Int, g point) point {
	return scalarMult(d, g)
}

// sharedSecretBytes encodes the x-coordinate of the shared point, left-padded
// to the field size.
func sharedSecretBytes(p point) []byte {
	out := make([]byte, 32)
	p.x.FillBytes(out)
	return out
}

// authTokenInput is the public key data object the authentication tokens are
// computed over: '7F49' { '06' oid, '86' point }.
func authTokenInput(pub point) []byte {
	inner := make([]byte, 0, 80)
	inner = append(inner, iso7816.TLV{Tag: 0x06, Value: oidECDHGMAES128}.Encode()...)
	inner = append(inner, iso7816.TLV{Tag: 0x86, Value: marshalPoint(pub)}.Encode()...)
	return iso7816.TLV{Tag: 0x7F49, Value: inner}.Encode()
}

func computeAuthToken(ksmac []byte, peerPub point) ([]byte, error) {
	full, err := secmsg.CMAC(ksmac, authTokenInput(peerPub))
	if err != nil {
		return nil, err
	}
	return full[:8], nil
}

// encryptNonce computes z = E(Kπ, s); the nonce is exactly one AES block.
func encryptNonce(kpi, s []byte) ([]byte, error) {
	return secmsg.AESEncryptCBC(kpi, make([]byte, 16), s)
}

func decryptNonce(kpi, z []byte) ([]byte, error) {
	return secmsg.AESDecryptCBC(kpi, make([]byte, 16), z)
}

// dynamicAuthData wraps GENERAL AUTHENTICATE payloads in the '7C' template.
func dynamicAuthData(tag uint16, value []byte) []byte {
	if value == nil {
		return iso7816.TLV{Tag: 0x7C, Value: nil}.Encode()
	}
	return iso7816.TLV{Tag: 0x7C, Value: iso7816.TLV{Tag: tag, Value: value}.Encode()}.Encode()
}

// parseDynamicAuthData extracts the single inner object of a '7C' template.
func parseDynamicAuthData(data []byte, wantTag uint16) ([]byte, error) {
	outer, _, err := iso7816.ParseTLV(data)
	if err != nil {
		return nil, err
	}
	if outer.Tag != 0x7C {
		return nil, fmt.Errorf("pace: expected dynamic authentication template, got tag %02X", outer.Tag)
	}
	if len(outer.Value) == 0 {
		return nil, nil
	}
	inner, _, err := iso7816.ParseTLV(outer.Value)
	if err != nil {
		return nil, err
	}
	if inner.Tag != wantTag {
		return nil, fmt.Errorf("pace: expected object %02X, got %02X", wantTag, inner.Tag)
	}
	return inner.Value, nil
}

// Establish runs the terminal side of the negotiation and returns the secure
// messaging session. password is the output of DerivePassword; it is not
// consumed and the caller remains responsible for wiping it.
func Establish(ctx context.Context, tr iso7816.Transport, password []byte, rng io.Reader) (*secmsg.Codec, error) {
	if rng == nil {
		rng = rand.Reader
	}

	kpi := secmsg.DerivePasswordKey(secmsg.AES128, password)
	defer secmsg.Zeroize(kpi)

	// Select the protocol and password reference.
	mseData := make([]byte, 0, 16)
	mseData = append(mseData, iso7816.TLV{Tag: 0x80, Value: oidECDHGMAES128}.Encode()...)
	mseData = append(mseData, iso7816.TLV{Tag: 0x83, Value: []byte{PasswordMRZ}}.Encode()...)
	resp, err := tr.Exchange(ctx, iso7816.APDU{
		CLA: 0x00, INS: iso7816.InsMSESetAT, P1: 0xC1, P2: 0xA4, Data: mseData, Le: -1,
	})
	if err != nil {
		return nil, err
	}
	if !iso7816.SwOK(resp.SW) {
		return nil, &Error{Step: "select", Err: &iso7816.StatusError{INS: iso7816.InsMSESetAT, SW: resp.SW}}
	}

	// Step 1: obtain and decrypt the chip nonce.
	resp, err = ga(ctx, tr, 0x10, dynamicAuthData(0, nil))
	if err != nil {
		return nil, err
	}
	z, err := parseDynamicAuthData(resp.Data, 0x80)
	if err != nil {
		return nil, &Error{Step: "nonce", Err: err}
	}
	if len(z) != 16 {
		return nil, &Error{Step: "nonce", Err: fmt.Errorf("encrypted nonce is %d bytes, want 16", len(z))}
	}
	sBytes, err := decryptNonce(kpi, z)
	if err != nil {
		return nil, &Error{Step: "nonce", Err: err}
	}
	s := new(big.Int).SetBytes(sBytes)
	secmsg.Zeroize(sBytes)

	// Step 2: anonymous mapping exchange.
	mapPriv, err := generateScalar(rng)
	if err != nil {
		return nil, &Error{Step: "mapping", Err: err}
	}
	mapPubX, mapPubY := elliptic.P256().ScalarBaseMult(mapPriv.Bytes())
	resp, err = ga(ctx, tr, 0x10, dynamicAuthData(0x81, marshalPoint(point{mapPubX, mapPubY})))
	if err != nil {
		return nil, err
	}
	chipMapRaw, err := parseDynamicAuthData(resp.Data, 0x82)
	if err != nil {
		return nil, &Error{Step: "mapping", Err: err}
	}
	chipMapPub, err := unmarshalPoint(chipMapRaw)
	if err != nil {
		return nil, &Error{Step: "mapping", Err: err}
	}
	h := scalarMult(mapPriv, chipMapPub)
	gPrime := mapGenerator(s, h)

	// Step 3: ephemeral key agreement on the mapped generator.
	ephPriv, err := generateScalar(rng)
	if err != nil {
		return nil, &Error{Step: "key agreement", Err: err}
	}
	ephPub := scalarMultGenerator(ephPriv, gPrime)
	resp, err = ga(ctx, tr, 0x10, dynamicAuthData(0x83, marshalPoint(ephPub)))
	if err != nil {
		return nil, err
	}
	chipEphRaw, err := parseDynamicAuthData(resp.Data, 0x84)
	if err != nil {
		return nil, &Error{Step: "key agreement", Err: err}
	}
	chipEphPub, err := unmarshalPoint(chipEphRaw)
	if err != nil {
		return nil, &Error{Step: "key agreement", Err: err}
	}
	if chipEphPub.x.Cmp(ephPub.x) == 0 && chipEphPub.y.Cmp(ephPub.y) == 0 {
		return nil, &Error{Step: "key agreement", Err: fmt.Errorf("chip echoed the terminal key")}
	}

	shared := sharedSecretBytes(scalarMult(ephPriv, chipEphPub))
	defer secmsg.Zeroize(shared)
	keys := secmsg.DeriveSessionKeys(secmsg.AES128, shared)

	// Step 4: exchange and verify mutual authentication tokens.
	tTerminal, err := computeAuthToken(keys.KSMAC, chipEphPub)
	if err != nil {
		return nil, &Error{Step: "token", Err: err}
	}
	resp, err = ga(ctx, tr, 0x00, dynamicAuthData(0x85, tTerminal))
	if err != nil {
		keys.Wipe()
		return nil, err
	}
	tChip, err := parseDynamicAuthData(resp.Data, 0x86)
	if err != nil {
		keys.Wipe()
		return nil, &Error{Step: "token", Err: err}
	}
	wantToken, err := computeAuthToken(keys.KSMAC, ephPub)
	if err != nil {
		keys.Wipe()
		return nil, &Error{Step: "token", Err: err}
	}
	if subtle.ConstantTimeCompare(tChip, wantToken) != 1 {
		keys.Wipe()
		return nil, &Error{Step: "token", Err: fmt.Errorf("chip authentication token mismatch")}
	}

	return secmsg.NewCodec(keys, nil)
}

// ga issues one GENERAL AUTHENTICATE step; cla 0x10 marks command chaining
// for all but the final step.
func ga(ctx context.Context, tr iso7816.Transport, cla byte, data []byte) (iso7816.RAPDU, error) {
	resp, err := tr.Exchange(ctx, iso7816.APDU{
		CLA: cla, INS: iso7816.InsGeneralAuthenticate, P1: 0x00, P2: 0x00, Data: data, Le: 256,
	})
	if err != nil {
		return iso7816.RAPDU{}, err
	}
	if !iso7816.SwOK(resp.SW) {
		return iso7816.RAPDU{}, &Error{Step: "exchange", Err: &iso7816.StatusError{INS: iso7816.InsGeneralAuthenticate, SW: resp.SW}}
	}
	return resp, nil
}
