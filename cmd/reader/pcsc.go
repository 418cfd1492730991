package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ebfe/scard"
	"github.com/sirupsen/logrus"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/reader"
)

// pcscTransport adapts a connected PC/SC card to the engine's transport
// boundary.
type pcscTransport struct {
	card *scard.Card
}

func (t *pcscTransport) Exchange(ctx context.Context, cmd iso7816.APDU) (iso7816.RAPDU, error) {
	if err := ctx.Err(); err != nil {
		return iso7816.RAPDU{}, err
	}
	raw, err := cmd.Bytes()
	if err != nil {
		return iso7816.RAPDU{}, &iso7816.TransportError{Kind: iso7816.Malformed, Msg: "command serialization", Err: err}
	}
	resp, err := t.card.Transmit(raw)
	if err != nil {
		kind := iso7816.LinkLost
		if err == scard.ErrTimeout {
			kind = iso7816.Timeout
		}
		return iso7816.RAPDU{}, &iso7816.TransportError{Kind: kind, Msg: "pcsc transmit", Err: err}
	}
	return iso7816.ParseRAPDU(resp)
}

// pickReader resolves the -reader flag against the attached readers: an
// index, a name substring, or empty for the first reader.
func pickReader(readers []string, want string) (string, error) {
	if len(readers) == 0 {
		return "", fmt.Errorf("no PC/SC readers attached")
	}
	if want == "" {
		return readers[0], nil
	}
	if idx, err := strconv.Atoi(want); err == nil {
		if idx < 0 || idx >= len(readers) {
			return "", fmt.Errorf("reader index %d out of range (0..%d)", idx, len(readers)-1)
		}
		return readers[idx], nil
	}
	for _, r := range readers {
		if strings.Contains(r, want) {
			return r, nil
		}
	}
	return "", fmt.Errorf("no reader matches %q", want)
}

// waitForCard blocks until a card is present on the named reader.
func waitForCard(ctx context.Context, sctx *scard.Context, name string) error {
	states := []scard.ReaderState{{Reader: name, CurrentState: scard.StateUnaware}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sctx.GetStatusChange(states, time.Second); err != nil {
			if err == scard.ErrTimeout {
				continue
			}
			return err
		}
		if states[0].EventState&scard.StatePresent != 0 {
			return nil
		}
		states[0].CurrentState = states[0].EventState
	}
}

// watchTag converts card presence changes on the named reader into tag
// events until ctx is cancelled. It closes the channel on exit.
func watchTag(ctx context.Context, sctx *scard.Context, name string, events chan<- reader.TagEvent, log *logrus.Logger) {
	defer close(events)
	states := []scard.ReaderState{{Reader: name, CurrentState: scard.StateUnaware}}
	present := false
	for {
		if ctx.Err() != nil {
			return
		}
		if err := sctx.GetStatusChange(states, time.Second); err != nil {
			if err == scard.ErrTimeout {
				continue
			}
			log.WithError(err).Warn("reader status poll failed")
			return
		}
		st := states[0].EventState
		if st&scard.StatePresent != 0 && !present {
			present = true
			select {
			case events <- reader.TagEvent{Kind: reader.TagDiscovered}:
			case <-ctx.Done():
				return
			}
		} else if st&scard.StateEmpty != 0 && present {
			present = false
			select {
			case events <- reader.TagEvent{Kind: reader.TagLost}:
			case <-ctx.Done():
				return
			}
		}
		states[0].CurrentState = st
	}
}
