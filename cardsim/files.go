package cardsim

import (
	"crypto/ecdh"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/mrtd"
)

// BuildCOM assembles an EF.COM: LDS and Unicode version strings plus the
// tag list of present data groups.
func BuildCOM(ldsVersion, unicodeVersion string, tags []byte) []byte {
	var inner []byte
	inner = append(inner, iso7816.TLV{Tag: 0x5F01, Value: []byte(ldsVersion)}.Encode()...)
	inner = append(inner, iso7816.TLV{Tag: 0x5F36, Value: []byte(unicodeVersion)}.Encode()...)
	inner = append(inner, iso7816.TLV{Tag: 0x5C, Value: tags}.Encode()...)
	return iso7816.TLV{Tag: mrtd.EFCOM.Tag, Value: inner}.Encode()
}

// BuildDG1 wraps the 88-character machine readable zone in the DG1
// structure.
func BuildDG1(mrzData string) []byte {
	inner := iso7816.TLV{Tag: 0x5F1F, Value: []byte(mrzData)}.Encode()
	return iso7816.TLV{Tag: mrtd.DG1.Tag, Value: inner}.Encode()
}

// BuildDG14 assembles a DG14 advertising ECDH chip authentication with the
// given static chip key.
func BuildDG14(pub *ecdh.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("cardsim: marshal chip key: %w", err)
	}
	pkOID, err := asn1.Marshal(mrtd.OIDPKECDH)
	if err != nil {
		return nil, err
	}
	caOID, err := asn1.Marshal(mrtd.OIDCAECDHAES128)
	if err != nil {
		return nil, err
	}
	versionDER, err := asn1.Marshal(1)
	if err != nil {
		return nil, err
	}

	set := derConstructed(0x31,
		derConstructed(0x30, pkOID, spki),
		derConstructed(0x30, caOID, versionDER),
	)
	return iso7816.TLV{Tag: mrtd.DG14.Tag, Value: set}.Encode(), nil
}
