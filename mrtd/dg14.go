package mrtd

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
)

// Chip authentication protocol identifiers (BSI TR-03110 tree).
var (
	// id-PK-ECDH: the chip's static ECDH key.
	OIDPKECDH = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 1, 2}
	// id-CA-ECDH-AES-CBC-CMAC-128
	OIDCAECDHAES128 = asn1.ObjectIdentifier{0, 4, 0, 127, 0, 7, 2, 2, 3, 2, 2}
)

// ChipAuthenticationPublicKeyInfo is the chip's advertised key agreement key.
// Present only if the chip supports chip authentication.
type ChipAuthenticationPublicKeyInfo struct {
	Protocol  asn1.ObjectIdentifier
	PublicKey *ecdsa.PublicKey
	KeyID     int // -1 when absent
}

// ChipAuthenticationInfo declares the supported protocol variant.
type ChipAuthenticationInfo struct {
	Protocol asn1.ObjectIdentifier
	Version  int
	KeyID    int // -1 when absent
}

// SecurityInfos is the parsed DG14.
type SecurityInfos struct {
	ChipAuthentication          *ChipAuthenticationInfo
	ChipAuthenticationPublicKey *ChipAuthenticationPublicKeyInfo
}

// SupportsChipAuthentication reports whether the chip advertises an ECDH
// chip authentication capability this engine can use.
func (s *SecurityInfos) SupportsChipAuthentication() bool {
	return s.ChipAuthenticationPublicKey != nil
}

type securityInfoASN struct {
	Protocol asn1.ObjectIdentifier
	Required asn1.RawValue
	Optional asn1.RawValue `asn1:"optional"`
}

// ParseSecurityInfos parses the DG14 file content.
func ParseSecurityInfos(raw []byte) (*SecurityInfos, error) {
	outer, _, err := iso7816.ParseTLV(raw)
	if err != nil {
		return nil, &ParseError{File: "DG14", Err: err}
	}
	if outer.Tag != DG14.Tag {
		return nil, &ParseError{File: "DG14", Err: fmt.Errorf("unexpected outer tag %02X", outer.Tag)}
	}

	var infos []securityInfoASN
	if _, err := asn1.UnmarshalWithParams(outer.Value, &infos, "set"); err != nil {
		return nil, &ParseError{File: "DG14", Err: fmt.Errorf("security infos: %w", err)}
	}

	out := &SecurityInfos{}
	for _, info := range infos {
		switch {
		case info.Protocol.Equal(OIDPKECDH):
			pub, err := x509.ParsePKIXPublicKey(info.Required.FullBytes)
			if err != nil {
				return nil, &ParseError{File: "DG14", Err: fmt.Errorf("chip public key: %w", err)}
			}
			ecPub, ok := pub.(*ecdsa.PublicKey)
			if !ok {
				return nil, &ParseError{File: "DG14", Err: fmt.Errorf("unexpected chip key type %T", pub)}
			}
			out.ChipAuthenticationPublicKey = &ChipAuthenticationPublicKeyInfo{
				Protocol:  info.Protocol,
				PublicKey: ecPub,
				KeyID:     optionalKeyID(info.Optional),
			}
		case info.Protocol.Equal(OIDCAECDHAES128):
			var version int
			if _, err := asn1.Unmarshal(info.Required.FullBytes, &version); err != nil {
				return nil, &ParseError{File: "DG14", Err: fmt.Errorf("chip authentication version: %w", err)}
			}
			out.ChipAuthentication = &ChipAuthenticationInfo{
				Protocol: info.Protocol,
				Version:  version,
				KeyID:    optionalKeyID(info.Optional),
			}
		}
		// Unknown protocols are skipped; DG14 may list terminal
		// authentication and PACE infos this engine does not consume.
	}
	return out, nil
}

func optionalKeyID(raw asn1.RawValue) int {
	if len(raw.FullBytes) == 0 {
		return -1
	}
	var id int
	if _, err := asn1.Unmarshal(raw.FullBytes, &id); err != nil {
		return -1
	}
	return id
}
