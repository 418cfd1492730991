// Package chipauth implements chip authentication: an ephemeral-static ECDH
// key agreement against the chip's DG14 key that proves the chip is not a
// clone and re-keys secure messaging with fresh AES session keys.
package chipauth

import (
	"context"
	"crypto/ecdh"
	"fmt"
	"io"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/mrtd"
	"github.com/juncaffe/android-epassport-reader-sub001/secmsg"
)

// Data object tags of the MSE:SET KAT command data.
const (
	tagEphemeralKey = 0x91
	tagKeyID        = 0x84
)

// Error wraps a chip authentication failure. Callers treat it as
// non-fatal: the session continues under the pre-existing keys with the
// chip unauthenticated.
type Error struct {
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("chipauth: %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Perform runs chip authentication over the established secure messaging
// session. It generates an ephemeral key pair, sends the public key to the
// chip under the current session, and derives fresh AES-128 session keys
// from the shared secret. The chip's acknowledgement is unprotected under
// the new keys; only a verifiable acknowledgement confirms the chip holds
// the private key matching DG14. On success the old session keys are wiped
// and the new codec returned. When the chip declines, its reply is consumed
// under the original session so the caller can continue on it; a reply that
// verifies under neither session poisons the original codec and the failure
// is terminal.
func Perform(ctx context.Context, tr iso7816.Transport, codec *secmsg.Codec, info *mrtd.ChipAuthenticationPublicKeyInfo, rng io.Reader) (*secmsg.Codec, error) {
	if info == nil || info.PublicKey == nil {
		return nil, &Error{Step: "setup", Err: fmt.Errorf("no chip authentication key")}
	}
	chipPub, err := info.PublicKey.ECDH()
	if err != nil {
		return nil, &Error{Step: "setup", Err: fmt.Errorf("chip key: %w", err)}
	}
	if chipPub.Curve() != ecdh.P256() {
		return nil, &Error{Step: "setup", Err: fmt.Errorf("unsupported curve")}
	}

	eph, err := ecdh.P256().GenerateKey(rng)
	if err != nil {
		return nil, &Error{Step: "setup", Err: err}
	}
	shared, err := eph.ECDH(chipPub)
	if err != nil {
		return nil, &Error{Step: "key agreement", Err: err}
	}
	defer secmsg.Zeroize(shared)

	newKeys := secmsg.DeriveSessionKeys(secmsg.AES128, shared)

	data := iso7816.TLV{Tag: tagEphemeralKey, Value: eph.PublicKey().Bytes()}.Encode()
	if info.KeyID >= 0 {
		data = append(data, iso7816.TLV{Tag: tagKeyID, Value: []byte{byte(info.KeyID)}}.Encode()...)
	}
	cmd := iso7816.APDU{
		CLA:  0x00,
		INS:  iso7816.InsMSESetAT,
		P1:   0x41,
		P2:   0xA6,
		Data: data,
		Le:   -1,
	}

	protected, err := codec.Protect(cmd)
	if err != nil {
		newKeys.Wipe()
		return nil, &Error{Step: "protect", Err: err}
	}
	resp, err := tr.Exchange(ctx, protected)
	if err != nil {
		newKeys.Wipe()
		return nil, &Error{Step: "exchange", Err: err}
	}

	// The acknowledgement must verify under the freshly derived keys.
	newCodec, err := secmsg.NewCodec(newKeys, nil)
	if err != nil {
		newKeys.Wipe()
		return nil, &Error{Step: "session", Err: err}
	}
	plain, err := newCodec.Unprotect(resp)
	if err != nil {
		newKeys.Wipe()
		// A declining chip answers under the original session. Unprotect
		// there so its counter stays aligned for the continued run.
		old, oerr := codec.Unprotect(resp)
		if oerr != nil {
			// Neither session verifies the response; the original codec is
			// now poisoned and the run cannot continue on it.
			return nil, oerr
		}
		if old.SW != iso7816.SWSuccess {
			return nil, &Error{Step: "key agreement", Err: &iso7816.StatusError{INS: iso7816.InsMSESetAT, SW: old.SW}}
		}
		return nil, &Error{Step: "acknowledgement", Err: err}
	}
	if plain.SW != iso7816.SWSuccess {
		newKeys.Wipe()
		return nil, &Error{Step: "acknowledgement", Err: &iso7816.StatusError{INS: iso7816.InsMSESetAT, SW: plain.SW}}
	}

	codec.Keys().Wipe()
	return newCodec, nil
}
