package iso7816

import (
	"context"
	"errors"
	"fmt"
)

// Transport exchanges exactly one command for one response with the physical
// chip. It has no protocol knowledge and performs no retries; retry policy
// belongs to the caller, which knows whether a retry is cryptographically
// safe.
type Transport interface {
	Exchange(ctx context.Context, cmd APDU) (RAPDU, error)
}

// TransportErrorKind classifies link-level failures.
type TransportErrorKind int

const (
	Timeout TransportErrorKind = iota
	LinkLost
	Malformed
)

func (k TransportErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case LinkLost:
		return "link lost"
	case Malformed:
		return "malformed"
	}
	return "unknown"
}

// TransportError is a failure of the physical link or of response framing.
type TransportError struct {
	Kind TransportErrorKind
	Msg  string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("transport: %s: %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transport: %s", e.Kind)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a transport timeout, the only failure a
// caller may retry for the current chunk.
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == Timeout
}

// IsLinkLost reports whether err indicates the chip left the field.
func IsLinkLost(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == LinkLost
}
