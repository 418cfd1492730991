package reader

import (
	"context"
	"fmt"

	"github.com/juncaffe/android-epassport-reader-sub001/document"
	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
)

// TagEventKind is a tag presence change reported by the transport layer.
type TagEventKind int

const (
	TagDiscovered TagEventKind = iota
	TagLost
)

func (k TagEventKind) String() string {
	if k == TagDiscovered {
		return "tag discovered"
	}
	return "tag lost"
}

// TagEvent is one presence change.
type TagEvent struct {
	Kind TagEventKind
}

// RunOnTag waits for a tag, then executes the run. A TagLost event during
// the run cancels it; the run then fails with the cancellation cleanup of
// Run. A closed event channel before discovery aborts the wait.
func (e *Engine) RunOnTag(ctx context.Context, events <-chan TagEvent, tr iso7816.Transport, creds Credentials) (*document.Result, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, e.fail(ErrCancelled, ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return nil, e.fail(ErrCancelled, fmt.Errorf("reader: event stream closed before tag discovery"))
			}
			if ev.Kind != TagDiscovered {
				continue
			}
		}
		break
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Kind == TagLost {
					e.log.Debug("tag left the field, cancelling run")
					cancel()
					return
				}
			}
		}
	}()

	return e.Run(runCtx, tr, creds)
}
