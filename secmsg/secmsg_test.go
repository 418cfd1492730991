package secmsg

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

// Worked example from ICAO Doc 9303 part 11, appendix D.1.
func TestDeriveKeyWorkedExample(t *testing.T) {
	seed := mustHex(t, "239AB9CB282DAF66231DC5A4DF6BFBAE")

	kenc := DeriveKey(TDES, seed, 1)
	if want := mustHex(t, "AB94FDECF2674FDFB9B391F85D7F76F2"); !bytes.Equal(kenc, want) {
		t.Errorf("Kenc = %X, want %X", kenc, want)
	}

	kmac := DeriveKey(TDES, seed, 2)
	if want := mustHex(t, "7962D9ECE03D1ACD4C76089DCE131543"); !bytes.Equal(kmac, want) {
		t.Errorf("Kmac = %X, want %X", kmac, want)
	}
}

func TestDeriveKeyPureAndDistinct(t *testing.T) {
	a := DeriveKey(AES128, []byte("secret"), 1)
	b := DeriveKey(AES128, []byte("secret"), 1)
	if !bytes.Equal(a, b) {
		t.Error("identical inputs produced different keys")
	}
	if bytes.Equal(a, DeriveKey(AES128, []byte("secreu"), 1)) {
		t.Error("different seeds produced equal keys")
	}
	if bytes.Equal(a, DeriveKey(AES128, []byte("secret"), 2)) {
		t.Error("different counters produced equal keys")
	}
	if len(DeriveKey(AES256, []byte("secret"), 1)) != 32 {
		t.Error("AES-256 key is not 32 bytes")
	}
}

func TestPadUnpad(t *testing.T) {
	for _, bs := range []int{8, 16} {
		for _, n := range []int{0, 1, 7, 8, 15, 16, 200} {
			data := bytes.Repeat([]byte{0xAB}, n)
			padded := Pad(data, bs)
			if len(padded)%bs != 0 {
				t.Fatalf("Pad(len=%d, bs=%d) not aligned", n, bs)
			}
			got, err := Unpad(padded)
			if err != nil {
				t.Fatalf("Unpad(Pad(len=%d)) error = %v", n, err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("Unpad(Pad(x)) != x for len=%d bs=%d", n, bs)
			}
		}
	}

	if _, err := Unpad([]byte{0, 0, 0, 0, 0, 0, 0, 0}); err == nil {
		t.Error("Unpad(all zero) error = nil, want error")
	}
}

func TestSequenceCounter(t *testing.T) {
	var c SequenceCounter
	c.Increment()
	if !bytes.Equal(c.Bytes(8), []byte{0, 0, 0, 0, 0, 0, 0, 1}) {
		t.Errorf("after one increment: % X", c[:])
	}
	if got := c.Bytes(16); !bytes.Equal(got[:8], make([]byte, 8)) || got[15] != 1 {
		t.Errorf("Bytes(16) = % X", got)
	}

	c.Reset([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	c.Increment()
	if !bytes.Equal(c[:], make([]byte, 8)) {
		t.Errorf("counter did not wrap: % X", c[:])
	}
}

func newTestPair(t *testing.T, alg Alg) (*Codec, *Responder) {
	t.Helper()
	keys := DeriveSessionKeys(alg, []byte("shared secret for test sessions"))
	peer := &SessionKeys{ID: keys.ID, Alg: alg, KSEnc: append([]byte(nil), keys.KSEnc...), KSMAC: append([]byte(nil), keys.KSMAC...)}
	ssc := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	codec, err := NewCodec(keys, ssc)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	responder, err := NewResponder(peer, ssc)
	if err != nil {
		t.Fatalf("NewResponder() error = %v", err)
	}
	return codec, responder
}

func TestProtectUnprotectRoundtrip(t *testing.T) {
	for _, alg := range []Alg{TDES, AES128, AES256} {
		t.Run(alg.String(), func(t *testing.T) {
			codec, responder := newTestPair(t, alg)

			var prev SequenceCounter
			for _, n := range []int{0, 1, 7, 8, 15, 16, 200} {
				cmd := iso7816.APDU{CLA: 0x00, INS: 0xB0, P1: 0x01, P2: 0x02, Le: 200}
				if n > 0 {
					cmd.Data = bytes.Repeat([]byte{byte(n)}, n)
					cmd.Le = -1
				}

				protected, err := codec.Protect(cmd)
				if err != nil {
					t.Fatalf("Protect(len=%d) error = %v", n, err)
				}
				if protected.CLA&0x0C != 0x0C {
					t.Errorf("protected CLA = %02X, secure messaging bits not set", protected.CLA)
				}

				plain, err := responder.UnwrapCommand(protected)
				if err != nil {
					t.Fatalf("UnwrapCommand(len=%d) error = %v", n, err)
				}
				if !bytes.Equal(plain.Data, cmd.Data) || plain.INS != cmd.INS || plain.Le != cmd.Le {
					t.Fatalf("unwrapped command mismatch: %+v vs %+v", plain, cmd)
				}

				resp := iso7816.RAPDU{Data: bytes.Repeat([]byte{0x5A}, n), SW: iso7816.SWSuccess}
				wrapped, err := responder.WrapResponse(resp)
				if err != nil {
					t.Fatalf("WrapResponse(len=%d) error = %v", n, err)
				}
				got, err := codec.Unprotect(wrapped)
				if err != nil {
					t.Fatalf("Unprotect(len=%d) error = %v", n, err)
				}
				if !bytes.Equal(got.Data, resp.Data) || got.SW != resp.SW {
					t.Fatalf("Unprotect(Protect(x)) != x for len=%d", n)
				}

				// Counters agree and strictly increase with every exchange.
				tc, rc := codec.Counter(), responder.Counter()
				if tc != rc {
					t.Fatalf("counters diverged: % X vs % X", tc[:], rc[:])
				}
				if bytes.Compare(tc[:], prev[:]) <= 0 {
					t.Fatalf("counter not strictly increasing: % X -> % X", prev[:], tc[:])
				}
				prev = tc
			}
		})
	}
}

func TestUnprotectTamperedMAC(t *testing.T) {
	codec, responder := newTestPair(t, TDES)

	cmd := iso7816.APDU{INS: 0xB0, Data: []byte("payload"), Le: -1}
	protected, err := codec.Protect(cmd)
	if err != nil {
		t.Fatalf("Protect() error = %v", err)
	}
	if _, err := responder.UnwrapCommand(protected); err != nil {
		t.Fatalf("UnwrapCommand() error = %v", err)
	}
	wrapped, err := responder.WrapResponse(iso7816.RAPDU{Data: []byte("response"), SW: iso7816.SWSuccess})
	if err != nil {
		t.Fatalf("WrapResponse() error = %v", err)
	}

	// Flip one bit in the integrity code region (last 8 bytes of the data).
	wrapped.Data[len(wrapped.Data)-1] ^= 0x01

	_, err = codec.Unprotect(wrapped)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("Unprotect(tampered) error = %v, want IntegrityError", err)
	}
	if !codec.Poisoned() {
		t.Error("codec not poisoned after integrity failure")
	}

	// A poisoned session refuses all further work.
	if _, err := codec.Protect(cmd); !errors.As(err, &ie) {
		t.Errorf("Protect() on poisoned session error = %v, want IntegrityError", err)
	}
}

func TestUnprotectTamperedCiphertext(t *testing.T) {
	codec, responder := newTestPair(t, AES128)

	if _, err := codec.Protect(iso7816.APDU{INS: 0xB0, Le: 16}); err != nil {
		t.Fatalf("Protect() error = %v", err)
	}
	responder.codec.ssc.Increment() // consume the command
	wrapped, err := responder.WrapResponse(iso7816.RAPDU{Data: []byte("0123456789abcdef"), SW: iso7816.SWSuccess})
	if err != nil {
		t.Fatalf("WrapResponse() error = %v", err)
	}

	// Flip one bit inside the cryptogram; the MAC covers it.
	wrapped.Data[5] ^= 0x80

	var ie *IntegrityError
	if _, err := codec.Unprotect(wrapped); !errors.As(err, &ie) {
		t.Fatalf("Unprotect(tampered cryptogram) error = %v, want IntegrityError", err)
	}
}

func TestSessionKeysWipe(t *testing.T) {
	keys := DeriveSessionKeys(AES128, []byte("wipe me"))
	enc := keys.KSEnc
	keys.Wipe()
	if keys.KSEnc != nil || keys.KSMAC != nil {
		t.Error("Wipe() left key slices attached")
	}
	for i, b := range enc {
		if b != 0 {
			t.Fatalf("key byte %d not zeroized", i)
		}
	}
	keys.Wipe() // idempotent, and safe on nil receiver
	var nilKeys *SessionKeys
	nilKeys.Wipe()
}
