package mrtd

import "fmt"

// VerificationError is the passive authentication rejection. The document
// must be treated as untrusted: there is no partial-trust outcome.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("passive authentication: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("passive authentication: %s", e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// ParseError is a malformed file or security object.
type ParseError struct {
	File string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.File, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
