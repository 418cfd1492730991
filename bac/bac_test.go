package bac

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/secmsg"
)

// Worked example from ICAO Doc 9303 part 11, appendix D.2.
func TestDeriveSeed(t *testing.T) {
	seed := DeriveSeed([]byte("L898902C<369080619406236"))
	want, _ := hex.DecodeString("239AB9CB282DAF66231DC5A4DF6BFBAE")
	if !bytes.Equal(seed, want) {
		t.Errorf("DeriveSeed() = %X, want %X", seed, want)
	}
}

// chipTransport routes commands straight into a Responder.
type chipTransport struct {
	r *Responder
}

func (t *chipTransport) Exchange(_ context.Context, cmd iso7816.APDU) (iso7816.RAPDU, error) {
	switch cmd.INS {
	case iso7816.InsGetChallenge:
		rnd, err := t.r.HandleGetChallenge()
		if err != nil {
			return iso7816.RAPDU{}, err
		}
		return iso7816.RAPDU{Data: rnd, SW: iso7816.SWSuccess}, nil
	case iso7816.InsExternalAuth:
		data, sw, _ := t.r.HandleExternalAuthenticate(cmd.Data)
		return iso7816.RAPDU{Data: data, SW: sw}, nil
	}
	return iso7816.RAPDU{SW: iso7816.SWConditionsNotMet}, nil
}

func TestEstablish(t *testing.T) {
	seed := DeriveSeed([]byte("L898902C<369080619406236"))
	chip := NewResponder(seed, nil)

	codec, err := Establish(context.Background(), &chipTransport{r: chip}, seed, nil)
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	session := chip.SessionResponder()
	if session == nil {
		t.Fatal("chip has no session responder after mutual authentication")
	}
	if codec.Keys().Alg != secmsg.TDES {
		t.Errorf("session alg = %v, want 3DES", codec.Keys().Alg)
	}

	// Counters start from the combined challenge halves on both sides.
	if codec.Counter() != session.Counter() {
		t.Error("initial sequence counters differ")
	}

	protected, err := codec.Protect(iso7816.SelectEF(0x011E))
	if err != nil {
		t.Fatalf("Protect() error = %v", err)
	}
	plain, err := session.UnwrapCommand(protected)
	if err != nil {
		t.Fatalf("UnwrapCommand() error = %v", err)
	}
	if plain.INS != iso7816.InsSelect {
		t.Errorf("unwrapped INS = %02X", plain.INS)
	}
}

func TestEstablishFreshSessionKeys(t *testing.T) {
	seed := DeriveSeed([]byte("L898902C<369080619406236"))

	run := func() []byte {
		chip := NewResponder(seed, nil)
		codec, err := Establish(context.Background(), &chipTransport{r: chip}, seed, nil)
		if err != nil {
			t.Fatalf("Establish() error = %v", err)
		}
		return append([]byte(nil), codec.Keys().KSEnc...)
	}

	if bytes.Equal(run(), run()) {
		t.Error("two runs with the same document produced identical session keys")
	}
}

func TestEstablishWrongSeed(t *testing.T) {
	chip := NewResponder(DeriveSeed([]byte("L898902C<369080619406236")), nil)
	wrong := DeriveSeed([]byte("X123456789012345678901234"))

	_, err := Establish(context.Background(), &chipTransport{r: chip}, wrong, nil)
	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatalf("Establish(wrong seed) error = %v, want bac.Error", err)
	}
	if chip.SessionResponder() != nil {
		t.Error("chip yielded a session despite failed authentication")
	}
}

func TestResponderRejectsReplay(t *testing.T) {
	seed := DeriveSeed([]byte("L898902C<369080619406236"))
	chip := NewResponder(seed, nil)
	if _, _, err := chip.HandleExternalAuthenticate(make([]byte, 40)); err == nil {
		t.Error("external authenticate without a challenge succeeded")
	}
}
