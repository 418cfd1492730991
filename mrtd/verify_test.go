package mrtd_test

import (
	"crypto/x509"
	"errors"
	"testing"

	"github.com/juncaffe/android-epassport-reader-sub001/cardsim"
	"github.com/juncaffe/android-epassport-reader-sub001/mrtd"
)

func specimen(t *testing.T) *cardsim.Specimen {
	t.Helper()
	chip, err := cardsim.NewSpecimen(nil)
	if err != nil {
		t.Fatalf("NewSpecimen() error = %v", err)
	}
	return chip
}

func TestParseSecurityObject(t *testing.T) {
	chip := specimen(t)
	so, err := mrtd.ParseSecurityObject(chip.SOD)
	if err != nil {
		t.Fatalf("ParseSecurityObject() error = %v", err)
	}
	if so.DigestAlgorithm != "SHA-256" {
		t.Errorf("DigestAlgorithm = %q, want SHA-256", so.DigestAlgorithm)
	}
	if len(so.DataGroupDigests) != 2 {
		t.Errorf("manifest lists %d data groups, want 2", len(so.DataGroupDigests))
	}
	if _, ok := so.DigestFor(1); !ok {
		t.Error("no digest for DG1")
	}
	if _, ok := so.DigestFor(2); ok {
		t.Error("unexpected digest for DG2")
	}
	dsc, err := so.SignerCertificate()
	if err != nil {
		t.Fatalf("SignerCertificate() error = %v", err)
	}
	if dsc.Subject.CommonName != "Document Signer" {
		t.Errorf("signer CN = %q", dsc.Subject.CommonName)
	}
}

func TestParseSecurityObjectRejectsGarbage(t *testing.T) {
	var parseErr *mrtd.ParseError
	if _, err := mrtd.ParseSecurityObject([]byte{0x60, 0x02, 0x5C, 0x00}); !errors.As(err, &parseErr) {
		t.Errorf("error = %v, want ParseError", err)
	}
}

func TestVerify(t *testing.T) {
	chip := specimen(t)
	so, err := mrtd.ParseSecurityObject(chip.SOD)
	if err != nil {
		t.Fatalf("ParseSecurityObject() error = %v", err)
	}

	report, err := mrtd.NewVerifier(chip.Roots).Verify(so, chip.Files)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !report.Authentic() {
		t.Errorf("report not authentic: %+v", report)
	}
	for n, outcome := range report.Files {
		if outcome != mrtd.FileVerified {
			t.Errorf("DG%d outcome = %v, want verified", n, outcome)
		}
	}
}

func TestVerifyFlagsAlteredFile(t *testing.T) {
	chip := specimen(t)
	so, err := mrtd.ParseSecurityObject(chip.SOD)
	if err != nil {
		t.Fatalf("ParseSecurityObject() error = %v", err)
	}

	// A single altered byte in DG1 must flag that file and only that file.
	altered := map[int][]byte{
		1:  append([]byte(nil), chip.Files[1]...),
		14: chip.Files[14],
	}
	altered[1][len(altered[1])-1] ^= 0x01

	report, err := mrtd.NewVerifier(chip.Roots).Verify(so, altered)
	var vErr *mrtd.VerificationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Verify() error = %v, want VerificationError", err)
	}
	if report.Authentic() {
		t.Error("altered document reported authentic")
	}
	if report.Files[1] != mrtd.FileDigestMismatch {
		t.Errorf("DG1 outcome = %v, want digest mismatch", report.Files[1])
	}
	if report.Files[14] != mrtd.FileVerified {
		t.Errorf("DG14 outcome = %v, want verified", report.Files[14])
	}
	if !report.SignatureValid || !report.ChainValid {
		t.Error("signature and chain should still verify for an altered data group")
	}
}

func TestVerifyFlagsFileOutsideManifest(t *testing.T) {
	chip := specimen(t)
	so, err := mrtd.ParseSecurityObject(chip.SOD)
	if err != nil {
		t.Fatalf("ParseSecurityObject() error = %v", err)
	}

	files := map[int][]byte{
		1: chip.Files[1],
		2: []byte{0x75, 0x01, 0x00},
	}
	report, err := mrtd.NewVerifier(chip.Roots).Verify(so, files)
	if err == nil {
		t.Fatal("Verify() accepted a file missing from the manifest")
	}
	if report.Files[2] != mrtd.FileNotInManifest {
		t.Errorf("DG2 outcome = %v, want not-in-manifest", report.Files[2])
	}
}

func TestVerifyUntrustedRoot(t *testing.T) {
	chip := specimen(t)
	so, err := mrtd.ParseSecurityObject(chip.SOD)
	if err != nil {
		t.Fatalf("ParseSecurityObject() error = %v", err)
	}

	other, err := cardsim.NewCountryAuthority()
	if err != nil {
		t.Fatalf("NewCountryAuthority() error = %v", err)
	}
	report, err := mrtd.NewVerifier(other.Pool()).Verify(so, chip.Files)
	var vErr *mrtd.VerificationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Verify() error = %v, want VerificationError", err)
	}
	if report.ChainValid {
		t.Error("chain reported valid under a foreign root")
	}
	if report.Authentic() {
		t.Error("document reported authentic under a foreign root")
	}
}

func TestVerifySwappedSecurityObject(t *testing.T) {
	chip := specimen(t)

	// A security object from a different document carries a valid
	// signature but digests over different files.
	other := specimen(t)
	so, err := mrtd.ParseSecurityObject(other.SOD)
	if err != nil {
		t.Fatalf("ParseSecurityObject() error = %v", err)
	}
	report, err := mrtd.NewVerifier(other.Roots).Verify(so, chip.Files)
	if err == nil {
		t.Fatal("Verify() accepted files against a foreign security object")
	}
	if report.Files[14] != mrtd.FileDigestMismatch {
		t.Errorf("DG14 outcome = %v, want digest mismatch", report.Files[14])
	}
}

func TestVerifySkipCertificate(t *testing.T) {
	chip := specimen(t)
	so, err := mrtd.ParseSecurityObject(chip.SOD)
	if err != nil {
		t.Fatalf("ParseSecurityObject() error = %v", err)
	}

	// With chain validation skipped an empty pool still verifies digests.
	report, err := mrtd.NewVerifier(x509.NewCertPool(), mrtd.SkipVerifyCertificate()).Verify(so, chip.Files)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !report.SignatureValid {
		t.Error("signature should verify regardless of chain policy")
	}
}
