// Package secmsg implements the secure messaging layer of ICAO Doc 9303
// part 11: session key material, the send sequence counter, and the codec
// that wraps commands and unwraps responses under those keys.
package secmsg

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// Alg selects the cipher suite of a session.
type Alg int

const (
	// TDES is 2-key 3DES CBC with the ISO 9797-1 retail MAC, the suite a
	// BAC bootstrap yields.
	TDES Alg = iota
	// AES128 is AES-128 CBC with AES-CMAC, used after PACE or chip
	// authentication.
	AES128
	// AES256 is AES-256 CBC with AES-CMAC.
	AES256
)

func (a Alg) String() string {
	switch a {
	case TDES:
		return "3DES"
	case AES128:
		return "AES-128"
	case AES256:
		return "AES-256"
	}
	return "unknown"
}

func (a Alg) keyLen() int {
	switch a {
	case AES256:
		return 32
	default:
		return 16
	}
}

func (a Alg) blockSize() int {
	if a == TDES {
		return 8
	}
	return 16
}

// Key derivation counters from Doc 9303 part 11 §9.7.1.
const (
	kdfEnc = 1
	kdfMAC = 2
	kdfPi  = 3
)

// DeriveKey runs the ICAO key derivation function: hash the shared secret
// concatenated with a 32-bit counter and truncate to the suite's key length.
// TDES and AES-128 use SHA-1, AES-256 uses SHA-256; TDES keys get their
// parity bits fixed. The function is pure: equal inputs yield equal keys.
func DeriveKey(alg Alg, secret []byte, counter uint32) []byte {
	in := make([]byte, 0, len(secret)+4)
	in = append(in, secret...)
	in = append(in, byte(counter>>24), byte(counter>>16), byte(counter>>8), byte(counter))

	var digest []byte
	if alg == AES256 {
		d := sha256.Sum256(in)
		digest = d[:]
	} else {
		d := sha1.Sum(in)
		digest = d[:]
	}
	Zeroize(in)

	key := make([]byte, alg.keyLen())
	copy(key, digest)
	if alg == TDES {
		adjustDESParity(key)
	}
	return key
}

// SessionKeys is the symmetric key material of one secure messaging session.
// Exactly one instance is live per protocol run; chip authentication replaces
// it atomically and the superseded keys are wiped.
type SessionKeys struct {
	ID    uuid.UUID
	Alg   Alg
	KSEnc []byte
	KSMAC []byte
}

// DeriveSessionKeys derives encryption and MAC keys from a shared secret.
func DeriveSessionKeys(alg Alg, secret []byte) *SessionKeys {
	return &SessionKeys{
		ID:    uuid.New(),
		Alg:   alg,
		KSEnc: DeriveKey(alg, secret, kdfEnc),
		KSMAC: DeriveKey(alg, secret, kdfMAC),
	}
}

// DerivePasswordKey derives the password key Kπ used by the
// password-authenticated access control variant.
func DerivePasswordKey(alg Alg, password []byte) []byte {
	return DeriveKey(alg, password, kdfPi)
}

// Wipe overwrites the key material. The keys must not be used afterwards.
func (k *SessionKeys) Wipe() {
	if k == nil {
		return
	}
	Zeroize(k.KSEnc, k.KSMAC)
	k.KSEnc = nil
	k.KSMAC = nil
}

func (k *SessionKeys) validate() error {
	if k == nil {
		return fmt.Errorf("secmsg: nil session keys")
	}
	want := k.Alg.keyLen()
	if len(k.KSEnc) != want || len(k.KSMAC) != want {
		return fmt.Errorf("secmsg: %s session keys must be %d bytes", k.Alg, want)
	}
	return nil
}

// SequenceCounter is the 8-byte send sequence counter bound into every MAC.
// Sender and receiver increment it identically before each protected command
// and again before each protected response; it resets only when a session is
// (re)established.
type SequenceCounter [8]byte

// Increment adds one, wrapping at 2^64.
func (c *SequenceCounter) Increment() {
	for i := 7; i >= 0; i-- {
		c[i]++
		if c[i] != 0 {
			return
		}
	}
}

// Bytes returns the counter left-padded to the given block size, as used in
// IV derivation and MAC computation.
func (c *SequenceCounter) Bytes(blockSize int) []byte {
	out := make([]byte, blockSize)
	copy(out[blockSize-8:], c[:])
	return out
}

// Reset sets the counter to the given initial value (zero-padded on the
// left when fewer than 8 bytes are supplied).
func (c *SequenceCounter) Reset(initial []byte) {
	var z SequenceCounter
	*c = z
	if len(initial) > 8 {
		initial = initial[len(initial)-8:]
	}
	copy(c[8-len(initial):], initial)
}
