package cardsim

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
	"github.com/juncaffe/android-epassport-reader-sub001/mrtd"
	"github.com/juncaffe/android-epassport-reader-sub001/pkg/hash"
)

var (
	oidCMSSignedData   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidAttrContentType = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidAttrMsgDigest   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	oidLDSSecurityObj  = asn1.ObjectIdentifier{2, 23, 136, 1, 1, 1}
	oidDigestSHA256    = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidSigECDSASHA256  = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
)

// Authority is a certificate and its signing key: a country signing root or
// the document signer it issues.
type Authority struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// NewCountryAuthority generates a self-signed country signing root.
func NewCountryAuthority() (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Country Signing CA", Country: []string{"UT"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Authority{Cert: cert, Key: key}, nil
}

// IssueDocumentSigner issues a document signer certificate under the
// authority.
func (a *Authority) IssueDocumentSigner() (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "Document Signer", Country: []string{"UT"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(3 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.Cert, &key.PublicKey, a.Key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Authority{Cert: cert, Key: key}, nil
}

// Pool returns a certificate pool holding only this authority's
// certificate.
func (a *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(a.Cert)
	return pool
}

type ldsSecurityObject struct {
	Version             int
	HashAlgorithm       pkix.AlgorithmIdentifier
	DataGroupHashValues []dataGroupHash
}

type dataGroupHash struct {
	DataGroupNumber    int
	DataGroupHashValue []byte
}

// BuildSecurityObject assembles a complete EF.SOD: the LDSSecurityObject
// digest table over files (data group number to raw content), wrapped in
// CMS SignedData signed by the document signer, inside the '77' application
// template. Digests use SHA-256.
func BuildSecurityObject(signer *Authority, files map[int][]byte) ([]byte, error) {
	sha256AlgID := pkix.AlgorithmIdentifier{Algorithm: oidDigestSHA256, Parameters: asn1.NullRawValue}

	lds := ldsSecurityObject{Version: 0, HashAlgorithm: sha256AlgID}
	nums := make([]int, 0, len(files))
	for n := range files {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	for _, n := range nums {
		d, err := hash.Digest(files[n], "SHA-256")
		if err != nil {
			return nil, err
		}
		lds.DataGroupHashValues = append(lds.DataGroupHashValues, dataGroupHash{DataGroupNumber: n, DataGroupHashValue: d})
	}
	ldsDER, err := asn1.Marshal(lds)
	if err != nil {
		return nil, fmt.Errorf("cardsim: marshal security object: %w", err)
	}

	attrsSet, err := signedAttributes(ldsDER)
	if err != nil {
		return nil, err
	}
	attrDigest := sha256.Sum256(attrsSet)
	sig, err := ecdsa.SignASN1(rand.Reader, signer.Key, attrDigest[:])
	if err != nil {
		return nil, err
	}

	signerInfoDER, err := buildSignerInfo(signer.Cert, attrsSet, sig, sha256AlgID)
	if err != nil {
		return nil, err
	}

	algSetDER, err := asn1.Marshal(sha256AlgID)
	if err != nil {
		return nil, err
	}
	eContentType, err := asn1.Marshal(oidLDSSecurityObj)
	if err != nil {
		return nil, err
	}
	eContentOctet, err := asn1.Marshal(ldsDER)
	if err != nil {
		return nil, err
	}
	versionDER, err := asn1.Marshal(3)
	if err != nil {
		return nil, err
	}

	encapDER := derConstructed(0x30, eContentType, derConstructed(0xA0, eContentOctet))
	sdDER := derConstructed(0x30,
		versionDER,
		derConstructed(0x31, algSetDER),
		encapDER,
		derConstructed(0xA0, signer.Cert.Raw),
		derConstructed(0x31, signerInfoDER),
	)

	sdOID, err := asn1.Marshal(oidCMSSignedData)
	if err != nil {
		return nil, err
	}
	ciDER := derConstructed(0x30, sdOID, derConstructed(0xA0, sdDER))

	return iso7816.TLV{Tag: mrtd.EFSOD.Tag, Value: ciDER}.Encode(), nil
}

// signedAttributes builds the DER SET OF signed attributes: content type
// and message digest, sorted per DER.
func signedAttributes(eContent []byte) ([]byte, error) {
	digest := sha256.Sum256(eContent)

	ctOID, err := asn1.Marshal(oidAttrContentType)
	if err != nil {
		return nil, err
	}
	ctValue, err := asn1.Marshal(oidLDSSecurityObj)
	if err != nil {
		return nil, err
	}
	mdOID, err := asn1.Marshal(oidAttrMsgDigest)
	if err != nil {
		return nil, err
	}
	mdValue, err := asn1.Marshal(digest[:])
	if err != nil {
		return nil, err
	}

	attrs := [][]byte{
		derConstructed(0x30, ctOID, derConstructed(0x31, ctValue)),
		derConstructed(0x30, mdOID, derConstructed(0x31, mdValue)),
	}
	sort.Slice(attrs, func(i, j int) bool { return bytes.Compare(attrs[i], attrs[j]) < 0 })
	return derConstructed(0x31, attrs...), nil
}

func buildSignerInfo(cert *x509.Certificate, attrsSet, sig []byte, digestAlg pkix.AlgorithmIdentifier) ([]byte, error) {
	versionDER, err := asn1.Marshal(1)
	if err != nil {
		return nil, err
	}
	serialDER, err := asn1.Marshal(cert.SerialNumber)
	if err != nil {
		return nil, err
	}
	sidDER := derConstructed(0x30, cert.RawIssuer, serialDER)

	digestAlgDER, err := asn1.Marshal(digestAlg)
	if err != nil {
		return nil, err
	}
	sigAlgDER, err := asn1.Marshal(pkix.AlgorithmIdentifier{Algorithm: oidSigECDSASHA256})
	if err != nil {
		return nil, err
	}
	sigDER, err := asn1.Marshal(sig)
	if err != nil {
		return nil, err
	}

	// Signed attributes are carried with the implicit [0] tag in place of
	// the SET OF tag.
	taggedAttrs := append([]byte(nil), attrsSet...)
	taggedAttrs[0] = 0xA0

	return derConstructed(0x30, versionDER, sidDER, digestAlgDER, taggedAttrs, sigAlgDER, sigDER), nil
}

// derConstructed wraps the concatenated children in a constructed element
// with the given tag.
func derConstructed(tag byte, children ...[]byte) []byte {
	var content []byte
	for _, c := range children {
		content = append(content, c...)
	}
	out := make([]byte, 0, 4+len(content))
	out = append(out, tag)
	out = append(out, iso7816.EncodeTLVLength(len(content))...)
	out = append(out, content...)
	return out
}
