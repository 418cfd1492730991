package mrtd

import (
	"fmt"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/pkg/mrz"
)

// ParseDG1 extracts the machine-readable zone from DG1 (TD3 format) so a
// caller can compare the chip-held zone against the one used for access.
func ParseDG1(raw []byte) (*mrz.TD3, error) {
	outer, _, err := iso7816.ParseTLV(raw)
	if err != nil {
		return nil, &ParseError{File: "DG1", Err: err}
	}
	if outer.Tag != DG1.Tag {
		return nil, &ParseError{File: "DG1", Err: fmt.Errorf("unexpected outer tag %02X", outer.Tag)}
	}

	inner, _, err := iso7816.ParseTLV(outer.Value)
	if err != nil {
		return nil, &ParseError{File: "DG1", Err: err}
	}
	if inner.Tag != 0x5F1F {
		return nil, &ParseError{File: "DG1", Err: fmt.Errorf("expected MRZ object 5F1F, got %02X", inner.Tag)}
	}
	if len(inner.Value) != 88 {
		return nil, &ParseError{File: "DG1", Err: fmt.Errorf("TD3 MRZ must be 88 characters, got %d", len(inner.Value))}
	}

	td3, err := mrz.ParseTD3(string(inner.Value[:44]), string(inner.Value[44:]))
	if err != nil {
		return nil, &ParseError{File: "DG1", Err: err}
	}
	return td3, nil
}

// RawMRZ returns the 88-character zone carried in DG1 without parsing it.
func RawMRZ(raw []byte) (string, error) {
	outer, _, err := iso7816.ParseTLV(raw)
	if err != nil || outer.Tag != DG1.Tag {
		return "", &ParseError{File: "DG1", Err: fmt.Errorf("not a DG1 template")}
	}
	inner, _, err := iso7816.ParseTLV(outer.Value)
	if err != nil || inner.Tag != 0x5F1F || len(inner.Value) != 88 {
		return "", &ParseError{File: "DG1", Err: fmt.Errorf("malformed MRZ object")}
	}
	return string(inner.Value), nil
}
