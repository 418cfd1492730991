// Package bac implements Basic Access Control, the seed-derived access
// control variant of ICAO Doc 9303 part 11: a 3DES challenge-response mutual
// authentication keyed from the document's machine-readable zone, yielding
// the first secure messaging session.
package bac

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/secmsg"
)

// Error is an access control failure. It is terminal for the run: stale key
// material must not be silently retried, since repeated failures may trip
// chip-side lockout counters.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("access control (%s): %v", e.Step, e.Err)
	}
	return fmt.Sprintf("access control (%s) failed", e.Step)
}

func (e *Error) Unwrap() error { return e.Err }

// DeriveSeed computes the 16-byte key seed from the MRZ key content. The
// derivation is a fixed one-way hash: identical inputs always produce the
// same seed.
func DeriveSeed(keyContent []byte) []byte {
	d := sha1.Sum(keyContent)
	seed := make([]byte, 16)
	copy(seed, d[:])
	return seed
}

// Establish performs the mutual authentication and returns the bootstrap
// secure messaging session. The caller keeps ownership of seed; all static
// keys and intermediate secrets derived here are wiped before return,
// success or failure. rng is the terminal randomness source, normally
// crypto/rand.Reader.
func Establish(ctx context.Context, tr iso7816.Transport, seed []byte, rng io.Reader) (*secmsg.Codec, error) {
	if rng == nil {
		rng = rand.Reader
	}

	kenc := secmsg.DeriveKey(secmsg.TDES, seed, 1)
	kmac := secmsg.DeriveKey(secmsg.TDES, seed, 2)
	defer secmsg.Zeroize(kenc, kmac)

	resp, err := tr.Exchange(ctx, iso7816.GetChallenge(8))
	if err != nil {
		return nil, err
	}
	if !iso7816.SwOK(resp.SW) {
		return nil, &Error{Step: "challenge", Err: &iso7816.StatusError{INS: iso7816.InsGetChallenge, SW: resp.SW}}
	}
	if len(resp.Data) != 8 {
		return nil, &Error{Step: "challenge", Err: fmt.Errorf("chip challenge is %d bytes, want 8", len(resp.Data))}
	}
	rndIC := resp.Data

	rndIFD := make([]byte, 8)
	kIFD := make([]byte, 16)
	if _, err := io.ReadFull(rng, rndIFD); err != nil {
		return nil, &Error{Step: "random", Err: err}
	}
	if _, err := io.ReadFull(rng, kIFD); err != nil {
		return nil, &Error{Step: "random", Err: err}
	}
	defer secmsg.Zeroize(kIFD)

	// S = RND.IFD || RND.IC || K.IFD, encrypted then authenticated under
	// the static keys.
	s := make([]byte, 0, 32)
	s = append(s, rndIFD...)
	s = append(s, rndIC...)
	s = append(s, kIFD...)
	defer secmsg.Zeroize(s)

	eIFD, err := secmsg.TDESEncryptCBC(kenc, make([]byte, 8), s)
	if err != nil {
		return nil, &Error{Step: "encrypt", Err: err}
	}
	mIFD, err := secmsg.RetailMAC(kmac, eIFD)
	if err != nil {
		return nil, &Error{Step: "mac", Err: err}
	}

	cmdData := make([]byte, 0, 40)
	cmdData = append(cmdData, eIFD...)
	cmdData = append(cmdData, mIFD...)

	resp, err = tr.Exchange(ctx, iso7816.APDU{
		CLA: 0x00, INS: iso7816.InsExternalAuth, P1: 0x00, P2: 0x00,
		Data: cmdData, Le: 40,
	})
	if err != nil {
		return nil, err
	}
	if !iso7816.SwOK(resp.SW) {
		return nil, &Error{Step: "mutual auth", Err: &iso7816.StatusError{INS: iso7816.InsExternalAuth, SW: resp.SW}}
	}
	if len(resp.Data) != 40 {
		return nil, &Error{Step: "mutual auth", Err: fmt.Errorf("response is %d bytes, want 40", len(resp.Data))}
	}

	eIC, mIC := resp.Data[:32], resp.Data[32:]
	wantMAC, err := secmsg.RetailMAC(kmac, eIC)
	if err != nil {
		return nil, &Error{Step: "mac", Err: err}
	}
	if subtle.ConstantTimeCompare(wantMAC, mIC) != 1 {
		return nil, &Error{Step: "mutual auth", Err: fmt.Errorf("chip cryptogram MAC mismatch")}
	}

	r, err := secmsg.TDESDecryptCBC(kenc, make([]byte, 8), eIC)
	if err != nil {
		return nil, &Error{Step: "decrypt", Err: err}
	}
	defer secmsg.Zeroize(r)

	// R = RND.IC || RND.IFD || K.IC: the echoed terminal random proves the
	// chip holds the same derived keys.
	if !bytes.Equal(r[0:8], rndIC) || subtle.ConstantTimeCompare(r[8:16], rndIFD) != 1 {
		return nil, &Error{Step: "mutual auth", Err: fmt.Errorf("challenge echo mismatch")}
	}
	kIC := r[16:32]

	// Session keys come from the combined randoms, never from the static
	// seed-derived keys, so every run yields a fresh session.
	sessionSeed := make([]byte, 16)
	for i := range sessionSeed {
		sessionSeed[i] = kIFD[i] ^ kIC[i]
	}
	defer secmsg.Zeroize(sessionSeed)

	keys := secmsg.DeriveSessionKeys(secmsg.TDES, sessionSeed)

	ssc := make([]byte, 0, 8)
	ssc = append(ssc, rndIC[4:8]...)
	ssc = append(ssc, rndIFD[4:8]...)

	return secmsg.NewCodec(keys, ssc)
}
