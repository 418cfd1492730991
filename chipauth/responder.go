package chipauth

import (
	"crypto/ecdh"
	"fmt"
	"io"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/secmsg"
)

// Responder is the chip side of chip authentication. It holds the static
// key agreement key whose public half is published in DG14.
type Responder struct {
	key     *ecdh.PrivateKey
	session *secmsg.Responder
}

// NewResponder generates a static chip authentication key pair.
func NewResponder(rng io.Reader) (*Responder, error) {
	key, err := ecdh.P256().GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	return &Responder{key: key}, nil
}

// PublicKey returns the static public key to publish in DG14.
func (r *Responder) PublicKey() *ecdh.PublicKey {
	return r.key.PublicKey()
}

// HandleMSESetKAT processes the reader's key agreement command data. It
// returns the fresh secure messaging responder the acknowledgement and all
// subsequent traffic must be wrapped under.
func (r *Responder) HandleMSESetKAT(data []byte) (*secmsg.Responder, uint16, error) {
	tlv, _, err := iso7816.ParseTLV(data)
	if err != nil || tlv.Tag != tagEphemeralKey {
		return nil, iso7816.SWIncorrectData, fmt.Errorf("chipauth: malformed key agreement data")
	}
	readerPub, err := ecdh.P256().NewPublicKey(tlv.Value)
	if err != nil {
		return nil, iso7816.SWIncorrectData, fmt.Errorf("chipauth: reader ephemeral key: %w", err)
	}
	shared, err := r.key.ECDH(readerPub)
	if err != nil {
		return nil, iso7816.SWIncorrectData, err
	}
	defer secmsg.Zeroize(shared)

	keys := secmsg.DeriveSessionKeys(secmsg.AES128, shared)
	session, err := secmsg.NewResponder(keys, nil)
	if err != nil {
		keys.Wipe()
		return nil, iso7816.SWUnknown, err
	}
	r.session = session
	return session, iso7816.SWSuccess, nil
}

// Session returns the re-keyed secure messaging responder, nil before a
// successful key agreement.
func (r *Responder) Session() *secmsg.Responder { return r.session }
