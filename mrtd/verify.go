package mrtd

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/juncaffe/android-epassport-reader-sub001/pkg/hash"
)

type VerifierOption func(*Verifier)

func AllowSelfCert() VerifierOption {
	return func(v *Verifier) {
		v.allowSelfCert = true
	}
}

func WithCertCurrentTime(date time.Time) VerifierOption {
	return func(v *Verifier) {
		v.certCurrentTime = date
	}
}

func SkipVerifyCertificate() VerifierOption {
	return func(v *Verifier) {
		v.skipVerifyCertificate = true
	}
}

// FileOutcome records how one retrieved file fared against the signed
// manifest.
type FileOutcome int

const (
	// FileVerified means the file's digest matches the manifest entry.
	FileVerified FileOutcome = iota
	// FileDigestMismatch means the file's digest differs from the manifest.
	FileDigestMismatch
	// FileNotInManifest means the manifest has no entry for the file.
	FileNotInManifest
)

func (o FileOutcome) String() string {
	switch o {
	case FileVerified:
		return "verified"
	case FileDigestMismatch:
		return "digest-mismatch"
	case FileNotInManifest:
		return "not-in-manifest"
	}
	return fmt.Sprintf("FileOutcome(%d)", int(o))
}

// Report is the result of passive authentication over a set of retrieved
// data groups.
type Report struct {
	// SignatureValid reports whether the security object signature checks
	// out under the document signer certificate.
	SignatureValid bool
	// ChainValid reports whether the document signer certificate chains to
	// a trusted root.
	ChainValid bool
	// Files maps data group number to its per-file outcome.
	Files map[int]FileOutcome
}

// Authentic reports whether every check passed: signature, chain, and every
// retrieved file.
func (r *Report) Authentic() bool {
	if !r.SignatureValid || !r.ChainValid {
		return false
	}
	for _, o := range r.Files {
		if o != FileVerified {
			return false
		}
	}
	return true
}

// Verifier performs passive authentication: it validates a Document
// Security Object against a set of trusted country signing roots and checks
// retrieved data groups against the signed digest manifest.
type Verifier struct {
	roots                 *x509.CertPool
	allowSelfCert         bool
	skipVerifyCertificate bool
	certCurrentTime       time.Time
}

func NewVerifier(roots *x509.CertPool, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		roots:           roots,
		certCurrentTime: time.Now(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs passive authentication: certificate chain, signed attributes,
// security object signature, then the digest of every retrieved data group.
// files maps data group number to raw file content. A degraded report (some
// file flagged, chain untrusted) is returned alongside a VerificationError;
// the report always says which files survived.
func (v *Verifier) Verify(so *SecurityObject, files map[int][]byte) (*Report, error) {
	report := &Report{Files: make(map[int]FileOutcome, len(files))}

	dsc, err := so.SignerCertificate()
	if err != nil {
		return report, &VerificationError{Reason: "no document signer certificate", Err: err}
	}

	if err := v.verifyCertificate(dsc); err != nil {
		report.markAll(so, files)
		return report, &VerificationError{Reason: "untrusted document signer", Err: err}
	}
	report.ChainValid = true

	if err := v.verifySignature(so, dsc); err != nil {
		report.markAll(so, files)
		return report, &VerificationError{Reason: "security object signature invalid", Err: err}
	}
	report.SignatureValid = true

	report.markAll(so, files)
	for n, o := range report.Files {
		if o != FileVerified {
			return report, &VerificationError{Reason: fmt.Sprintf("data group %d: %s", n, o)}
		}
	}
	return report, nil
}

// markAll fills the per-file outcomes by comparing each retrieved file's
// digest against the manifest.
func (r *Report) markAll(so *SecurityObject, files map[int][]byte) {
	for n, content := range files {
		want, ok := so.DigestFor(n)
		if !ok {
			r.Files[n] = FileNotInManifest
			continue
		}
		got, err := hash.Digest(content, so.DigestAlgorithm)
		if err != nil || !bytes.Equal(got, want) {
			r.Files[n] = FileDigestMismatch
			continue
		}
		r.Files[n] = FileVerified
	}
}

func (v *Verifier) verifyCertificate(dsc *x509.Certificate) error {
	if v.skipVerifyCertificate {
		return nil
	}

	roots := v.roots
	if v.allowSelfCert {
		roots = x509.NewCertPool()
		if v.roots != nil {
			roots = v.roots.Clone()
		}
		roots.AddCert(dsc)
	}

	opts := x509.VerifyOptions{
		Roots:       roots,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		CurrentTime: v.certCurrentTime,
	}
	if _, err := dsc.Verify(opts); err != nil {
		return fmt.Errorf("failed to verify certificate chain: %w", err)
	}
	return nil
}

// verifySignature checks the CMS signature over the security object. With
// signed attributes present the signature covers the re-tagged attribute
// set, and the message-digest attribute must match the digest of the
// encapsulated content.
func (v *Verifier) verifySignature(so *SecurityObject, dsc *x509.Certificate) error {
	alg, err := signatureAlgorithm(so.signer.SignatureAlgorithm.Algorithm, so.signer.DigestAlgorithm.Algorithm)
	if err != nil {
		return err
	}

	signed := so.content
	if attrs := so.signedAttrsDER(); attrs != nil {
		digestAlg, err := digestAlgName(so.signer.DigestAlgorithm.Algorithm)
		if err != nil {
			return err
		}
		contentDigest, err := hash.Digest(so.content, digestAlg)
		if err != nil {
			return err
		}
		attrDigest, err := so.messageDigestAttr()
		if err != nil {
			return err
		}
		if !bytes.Equal(contentDigest, attrDigest) {
			return fmt.Errorf("message digest attribute does not match content")
		}
		signed = attrs
	}

	if err := dsc.CheckSignature(alg, signed, so.signer.Signature); err != nil {
		return fmt.Errorf("signature check failed: %w", err)
	}
	return nil
}
