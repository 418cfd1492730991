package mrtd

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
)

var (
	oidSignedData    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}

	oidSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidSHA224 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}
	oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	oidSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}

	oidRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	oidSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	oidSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	oidSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	oidECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	oidECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	oidECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	oidECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue `asn1:"optional,tag:1"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

type encapContentInfo struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"explicit,optional,tag:0"`
}

type signerInfo struct {
	Version            int
	SID                asn1.RawValue
	DigestAlgorithm    pkix.AlgorithmIdentifier
	SignedAttrs        asn1.RawValue `asn1:"optional,tag:0"`
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          []byte
	UnsignedAttrs      asn1.RawValue `asn1:"optional,tag:1"`
}

type attributeASN struct {
	Type   asn1.ObjectIdentifier
	Values asn1.RawValue `asn1:"set"`
}

type ldsSecurityObjectASN struct {
	Version             int
	HashAlgorithm       pkix.AlgorithmIdentifier
	DataGroupHashValues []dataGroupHashASN
}

type dataGroupHashASN struct {
	DataGroupNumber    int
	DataGroupHashValue []byte
}

// SecurityObject is the parsed Document Security Object (EF.SOD): the signed
// manifest of per-data-group digests passive authentication validates
// retrieved files against. One digest algorithm covers the whole manifest.
type SecurityObject struct {
	Version          int
	DigestAlgorithm  string
	DataGroupDigests map[int][]byte
	Certificates     []*x509.Certificate

	content     []byte // DER of the LDSSecurityObject (eContent)
	signer      signerInfo
	signedAttrs []attributeASN
}

// DigestFor returns the manifest digest of data group n.
func (s *SecurityObject) DigestFor(n int) ([]byte, bool) {
	d, ok := s.DataGroupDigests[n]
	return d, ok
}

// SignerCertificate returns the document signer certificate: the leaf the
// signature verifies under.
func (s *SecurityObject) SignerCertificate() (*x509.Certificate, error) {
	if len(s.Certificates) == 0 {
		return nil, fmt.Errorf("mrtd: security object carries no certificates")
	}
	for _, c := range s.Certificates {
		if certMatchesSigner(c, s.signer) {
			return c, nil
		}
	}
	// Fall back to the first non-CA certificate (the DSC comes first in
	// practice).
	for _, c := range s.Certificates {
		if !c.IsCA {
			return c, nil
		}
	}
	return s.Certificates[0], nil
}

// ParseSecurityObject parses the EF.SOD file content: the '77' application
// template wrapping a CMS SignedData whose eContent is the
// LDSSecurityObject.
func ParseSecurityObject(raw []byte) (*SecurityObject, error) {
	outer, _, err := iso7816.ParseTLV(raw)
	if err != nil {
		return nil, &ParseError{File: "EF.SOD", Err: err}
	}
	if outer.Tag != EFSOD.Tag {
		return nil, &ParseError{File: "EF.SOD", Err: fmt.Errorf("unexpected outer tag %02X", outer.Tag)}
	}

	var ci contentInfo
	if _, err := asn1.Unmarshal(outer.Value, &ci); err != nil {
		return nil, &ParseError{File: "EF.SOD", Err: fmt.Errorf("content info: %w", err)}
	}
	if !ci.ContentType.Equal(oidSignedData) {
		return nil, &ParseError{File: "EF.SOD", Err: fmt.Errorf("content type %v is not signed-data", ci.ContentType)}
	}

	var sd signedData
	// Content is the still-wrapped explicit [0]; Bytes is the SignedData
	// SEQUENCE itself.
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, &ParseError{File: "EF.SOD", Err: fmt.Errorf("signed data: %w", err)}
	}
	if len(sd.SignerInfos) == 0 {
		return nil, &ParseError{File: "EF.SOD", Err: fmt.Errorf("no signer info")}
	}
	if len(sd.EncapContentInfo.EContent) == 0 {
		return nil, &ParseError{File: "EF.SOD", Err: fmt.Errorf("empty encapsulated content")}
	}

	var lds ldsSecurityObjectASN
	if _, err := asn1.Unmarshal(sd.EncapContentInfo.EContent, &lds); err != nil {
		return nil, &ParseError{File: "EF.SOD", Err: fmt.Errorf("security object content: %w", err)}
	}

	alg, err := digestAlgName(lds.HashAlgorithm.Algorithm)
	if err != nil {
		return nil, &ParseError{File: "EF.SOD", Err: err}
	}

	so := &SecurityObject{
		Version:          lds.Version,
		DigestAlgorithm:  alg,
		DataGroupDigests: make(map[int][]byte, len(lds.DataGroupHashValues)),
		content:          sd.EncapContentInfo.EContent,
		signer:           sd.SignerInfos[0],
	}
	for _, dgh := range lds.DataGroupHashValues {
		so.DataGroupDigests[dgh.DataGroupNumber] = dgh.DataGroupHashValue
	}

	if len(sd.Certificates.Bytes) > 0 {
		certs, err := x509.ParseCertificates(sd.Certificates.Bytes)
		if err != nil {
			return nil, &ParseError{File: "EF.SOD", Err: fmt.Errorf("certificates: %w", err)}
		}
		so.Certificates = certs
	}

	if len(so.signer.SignedAttrs.Bytes) > 0 {
		// Re-tag the implicit [0] as SET OF for attribute parsing.
		der := append([]byte(nil), so.signer.SignedAttrs.FullBytes...)
		der[0] = 0x31
		if _, err := asn1.UnmarshalWithParams(der, &so.signedAttrs, "set"); err != nil {
			return nil, &ParseError{File: "EF.SOD", Err: fmt.Errorf("signed attributes: %w", err)}
		}
	}

	return so, nil
}

// signedAttrsDER returns the signed attributes re-encoded with the SET OF
// tag, the exact bytes the signature covers.
func (s *SecurityObject) signedAttrsDER() []byte {
	if len(s.signer.SignedAttrs.Bytes) == 0 {
		return nil
	}
	der := append([]byte(nil), s.signer.SignedAttrs.FullBytes...)
	der[0] = 0x31
	return der
}

// messageDigestAttr returns the value of the message-digest signed
// attribute.
func (s *SecurityObject) messageDigestAttr() ([]byte, error) {
	for _, attr := range s.signedAttrs {
		if attr.Type.Equal(oidMessageDigest) {
			var digest []byte
			if _, err := asn1.Unmarshal(attr.Values.Bytes, &digest); err != nil {
				return nil, fmt.Errorf("mrtd: message digest attribute: %w", err)
			}
			return digest, nil
		}
	}
	return nil, fmt.Errorf("mrtd: no message digest attribute")
}

func digestAlgName(oid asn1.ObjectIdentifier) (string, error) {
	switch {
	case oid.Equal(oidSHA1):
		return "SHA-1", nil
	case oid.Equal(oidSHA224):
		return "SHA-224", nil
	case oid.Equal(oidSHA256):
		return "SHA-256", nil
	case oid.Equal(oidSHA384):
		return "SHA-384", nil
	case oid.Equal(oidSHA512):
		return "SHA-512", nil
	}
	return "", fmt.Errorf("mrtd: unsupported digest algorithm %v", oid)
}

// signatureAlgorithm maps the signer's signature and digest algorithm pair
// onto the x509 verification algorithm.
func signatureAlgorithm(sig, digest asn1.ObjectIdentifier) (x509.SignatureAlgorithm, error) {
	switch {
	case sig.Equal(oidECDSAWithSHA1):
		return x509.ECDSAWithSHA1, nil
	case sig.Equal(oidECDSAWithSHA256):
		return x509.ECDSAWithSHA256, nil
	case sig.Equal(oidECDSAWithSHA384):
		return x509.ECDSAWithSHA384, nil
	case sig.Equal(oidECDSAWithSHA512):
		return x509.ECDSAWithSHA512, nil
	case sig.Equal(oidSHA1WithRSA):
		return x509.SHA1WithRSA, nil
	case sig.Equal(oidSHA256WithRSA):
		return x509.SHA256WithRSA, nil
	case sig.Equal(oidSHA384WithRSA):
		return x509.SHA384WithRSA, nil
	case sig.Equal(oidSHA512WithRSA):
		return x509.SHA512WithRSA, nil
	case sig.Equal(oidRSAEncryption):
		switch {
		case digest.Equal(oidSHA1):
			return x509.SHA1WithRSA, nil
		case digest.Equal(oidSHA256):
			return x509.SHA256WithRSA, nil
		case digest.Equal(oidSHA384):
			return x509.SHA384WithRSA, nil
		case digest.Equal(oidSHA512):
			return x509.SHA512WithRSA, nil
		}
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("mrtd: unsupported signature algorithm %v/%v", sig, digest)
}

func certMatchesSigner(cert *x509.Certificate, si signerInfo) bool {
	// issuerAndSerialNumber: SEQUENCE { issuer Name, serialNumber INTEGER }
	var ias struct {
		Issuer asn1.RawValue
		Serial *big.Int
	}
	if _, err := asn1.Unmarshal(si.SID.FullBytes, &ias); err != nil {
		return false
	}
	return bytes.Equal(ias.Issuer.FullBytes, cert.RawIssuer) &&
		ias.Serial.Cmp(cert.SerialNumber) == 0
}
