// Package cardsim simulates an ICAO 9303 contactless chip behind the
// iso7816.Transport interface: the LDS file system, BAC and PACE access
// control, chip authentication, and secure messaging, plus fault injection
// for exercising reader error paths. It also issues the synthetic PKI
// material (country root, document signer, security object) a simulated
// document needs.
package cardsim

import (
	"bytes"
	"context"
	"io"

	"github.com/juncaffe/android-epassport-reader-sub001/bac"
	"github.com/juncaffe/android-epassport-reader-sub001/chipauth"
	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/pace"
	"github.com/juncaffe/android-epassport-reader-sub001/secmsg"
)

// Faults injects failures into the transport for testing reader recovery.
type Faults struct {
	// TimeoutOn makes the nth Exchange (1-based) fail with a timeout
	// before the chip processes the command. 0 disables.
	TimeoutOn int
	// CorruptResponseOn flips a bit in the nth protected response after
	// wrapping. 0 disables.
	CorruptResponseOn int
}

// Card is a simulated chip. It is not safe for concurrent use.
type Card struct {
	files map[uint16][]byte

	bacResponder  *bac.Responder
	paceResponder *pace.Responder
	chipAuth      *chipauth.Responder

	session     *secmsg.Responder
	appSelected bool
	selected    []byte

	faults    Faults
	exchanges int
}

type CardOption func(*Card)

// WithBAC arms basic access control with the given key seed.
func WithBAC(seed []byte, rng io.Reader) CardOption {
	return func(c *Card) {
		c.bacResponder = bac.NewResponder(seed, rng)
	}
}

// WithPACE arms PACE with the given password.
func WithPACE(password []byte, rng io.Reader) CardOption {
	return func(c *Card) {
		c.paceResponder = pace.NewResponder(password, rng)
	}
}

// WithPACECAN arms PACE keyed by a card access number, replacing any
// earlier PACE configuration.
func WithPACECAN(can string) CardOption {
	return func(c *Card) {
		c.paceResponder = pace.NewResponder(pace.DerivePassword(pace.PasswordCAN, []byte(can)), nil)
	}
}

// WithChipAuthentication installs the static key agreement key.
func WithChipAuthentication(r *chipauth.Responder) CardOption {
	return func(c *Card) {
		c.chipAuth = r
	}
}

// WithFile loads an elementary file into the chip's file system.
func WithFile(id uint16, content []byte) CardOption {
	return func(c *Card) {
		c.files[id] = content
	}
}

// WithFaults installs the fault schedule.
func WithFaults(f Faults) CardOption {
	return func(c *Card) {
		c.faults = f
	}
}

func NewCard(opts ...CardOption) *Card {
	c := &Card{files: make(map[uint16][]byte)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session exposes the chip's secure messaging endpoint, nil before access
// control completes. Tests use it to assert counter lockstep.
func (c *Card) Session() *secmsg.Responder { return c.session }

// SetFaults replaces the fault schedule mid-scenario.
func (c *Card) SetFaults(f Faults) { c.faults = f }

// Exchange implements iso7816.Transport.
func (c *Card) Exchange(_ context.Context, cmd iso7816.APDU) (iso7816.RAPDU, error) {
	c.exchanges++
	if c.faults.TimeoutOn == c.exchanges {
		return iso7816.RAPDU{}, &iso7816.TransportError{Kind: iso7816.Timeout, Msg: "injected timeout"}
	}

	if cmd.CLA&0x0C == 0x0C {
		return c.exchangeProtected(cmd)
	}
	return c.dispatch(cmd), nil
}

func (c *Card) exchangeProtected(cmd iso7816.APDU) (iso7816.RAPDU, error) {
	if c.session == nil {
		return iso7816.RAPDU{SW: iso7816.SWSecurityNotSatisfied}, nil
	}
	plain, err := c.session.UnwrapCommand(cmd)
	if err != nil {
		return iso7816.RAPDU{SW: iso7816.SWSecurityNotSatisfied}, nil
	}

	resp := c.dispatch(plain)

	// Chip authentication swaps the session before the acknowledgement, so
	// wrap under whatever session is current now.
	wrapped, err := c.session.WrapResponse(resp)
	if err != nil {
		return iso7816.RAPDU{SW: iso7816.SWUnknown}, nil
	}
	if c.faults.CorruptResponseOn == c.exchanges && len(wrapped.Data) > 0 {
		wrapped.Data = append([]byte(nil), wrapped.Data...)
		wrapped.Data[0] ^= 0x40
	}
	return wrapped, nil
}

func (c *Card) dispatch(cmd iso7816.APDU) iso7816.RAPDU {
	switch cmd.INS {
	case iso7816.InsSelect:
		return c.handleSelect(cmd)
	case iso7816.InsGetChallenge:
		return c.handleGetChallenge()
	case iso7816.InsExternalAuth:
		return c.handleExternalAuthenticate(cmd)
	case iso7816.InsMSESetAT:
		return c.handleMSESet(cmd)
	case iso7816.InsGeneralAuthenticate:
		return c.handleGeneralAuthenticate(cmd)
	case iso7816.InsReadBinary:
		return c.handleReadBinary(cmd)
	}
	return iso7816.RAPDU{SW: iso7816.SWUnknown}
}

func (c *Card) handleSelect(cmd iso7816.APDU) iso7816.RAPDU {
	switch cmd.P1 {
	case 0x04:
		if !bytes.Equal(cmd.Data, iso7816.AIDeMRTD) {
			return iso7816.RAPDU{SW: iso7816.SWFileNotFound}
		}
		c.appSelected = true
		return iso7816.RAPDU{SW: iso7816.SWSuccess}
	case 0x02:
		if !c.appSelected {
			return iso7816.RAPDU{SW: iso7816.SWConditionsNotMet}
		}
		if c.accessControlRequired() && c.session == nil {
			return iso7816.RAPDU{SW: iso7816.SWSecurityNotSatisfied}
		}
		if len(cmd.Data) != 2 {
			return iso7816.RAPDU{SW: iso7816.SWWrongLength}
		}
		id := uint16(cmd.Data[0])<<8 | uint16(cmd.Data[1])
		content, ok := c.files[id]
		if !ok {
			return iso7816.RAPDU{SW: iso7816.SWFileNotFound}
		}
		c.selected = content
		return iso7816.RAPDU{SW: iso7816.SWSuccess}
	}
	return iso7816.RAPDU{SW: iso7816.SWWrongP1P2}
}

func (c *Card) accessControlRequired() bool {
	return c.bacResponder != nil || c.paceResponder != nil
}

func (c *Card) handleGetChallenge() iso7816.RAPDU {
	if c.bacResponder == nil {
		return iso7816.RAPDU{SW: iso7816.SWConditionsNotMet}
	}
	challenge, err := c.bacResponder.HandleGetChallenge()
	if err != nil {
		return iso7816.RAPDU{SW: iso7816.SWUnknown}
	}
	return iso7816.RAPDU{Data: challenge, SW: iso7816.SWSuccess}
}

func (c *Card) handleExternalAuthenticate(cmd iso7816.APDU) iso7816.RAPDU {
	if c.bacResponder == nil {
		return iso7816.RAPDU{SW: iso7816.SWConditionsNotMet}
	}
	data, sw, err := c.bacResponder.HandleExternalAuthenticate(cmd.Data)
	if err != nil {
		return iso7816.RAPDU{SW: sw}
	}
	c.session = c.bacResponder.SessionResponder()
	return iso7816.RAPDU{Data: data, SW: sw}
}

func (c *Card) handleMSESet(cmd iso7816.APDU) iso7816.RAPDU {
	switch {
	case cmd.P1 == 0xC1 && cmd.P2 == 0xA4:
		if c.paceResponder == nil {
			return iso7816.RAPDU{SW: iso7816.SWConditionsNotMet}
		}
		sw, err := c.paceResponder.HandleMSESetAT(cmd.Data)
		if err != nil {
			return iso7816.RAPDU{SW: sw}
		}
		return iso7816.RAPDU{SW: sw}
	case cmd.P1 == 0x41 && cmd.P2 == 0xA6:
		if c.chipAuth == nil || c.session == nil {
			return iso7816.RAPDU{SW: iso7816.SWConditionsNotMet}
		}
		next, sw, err := c.chipAuth.HandleMSESetKAT(cmd.Data)
		if err != nil {
			return iso7816.RAPDU{SW: sw}
		}
		c.session = next
		return iso7816.RAPDU{SW: sw}
	}
	return iso7816.RAPDU{SW: iso7816.SWWrongP1P2}
}

func (c *Card) handleGeneralAuthenticate(cmd iso7816.APDU) iso7816.RAPDU {
	if c.paceResponder == nil {
		return iso7816.RAPDU{SW: iso7816.SWConditionsNotMet}
	}
	data, sw, err := c.paceResponder.HandleGeneralAuthenticate(cmd.Data)
	if err != nil {
		return iso7816.RAPDU{SW: sw}
	}
	if s := c.paceResponder.SessionResponder(); s != nil {
		c.session = s
	}
	return iso7816.RAPDU{Data: data, SW: sw}
}

func (c *Card) handleReadBinary(cmd iso7816.APDU) iso7816.RAPDU {
	if c.selected == nil {
		return iso7816.RAPDU{SW: iso7816.SWConditionsNotMet}
	}
	offset := int(cmd.P1&0x7F)<<8 | int(cmd.P2)
	if offset > len(c.selected) {
		return iso7816.RAPDU{SW: iso7816.SWWrongOffset}
	}
	n := cmd.Le
	if n <= 0 {
		n = 256
	}
	remaining := len(c.selected) - offset
	if n > remaining {
		// Short file: return what is left with the end-of-file warning.
		return iso7816.RAPDU{Data: c.selected[offset:], SW: iso7816.SWEndOfFile}
	}
	return iso7816.RAPDU{Data: c.selected[offset : offset+n], SW: iso7816.SWSuccess}
}
