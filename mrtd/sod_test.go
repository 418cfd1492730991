package mrtd

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"
)

func testAuthority(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CSCA", Country: []string{"UT"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return cert, key
}

func issueTestSigner(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, serial int64, cn string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return cert
}

func signerSID(t *testing.T, issuer []byte, serial int64) asn1.RawValue {
	t.Helper()
	der, err := asn1.Marshal(struct {
		Issuer asn1.RawValue
		Serial *big.Int
	}{Issuer: asn1.RawValue{FullBytes: issuer}, Serial: big.NewInt(serial)})
	if err != nil {
		t.Fatalf("marshal issuerAndSerialNumber: %v", err)
	}
	return asn1.RawValue{FullBytes: der}
}

// Two document signers from the same issuer must be told apart by the
// serial number of issuerAndSerialNumber.
func TestSignerCertificateBySerial(t *testing.T) {
	ca, caKey := testAuthority(t)
	first := issueTestSigner(t, ca, caKey, 100, "Document Signer A")
	second := issueTestSigner(t, ca, caKey, 101, "Document Signer B")

	tests := []struct {
		name   string
		serial int64
		want   *x509.Certificate
	}{
		{"first serial", 100, first},
		{"second serial", 101, second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			so := &SecurityObject{
				Certificates: []*x509.Certificate{first, second},
				signer:       signerInfo{SID: signerSID(t, tt.want.RawIssuer, tt.serial)},
			}
			got, err := so.SignerCertificate()
			if err != nil {
				t.Fatalf("SignerCertificate: %v", err)
			}
			if got.SerialNumber.Cmp(tt.want.SerialNumber) != 0 {
				t.Errorf("picked serial %v, want %v", got.SerialNumber, tt.want.SerialNumber)
			}
		})
	}
}

func TestSignerCertificateUnmatchedSID(t *testing.T) {
	ca, caKey := testAuthority(t)
	leaf := issueTestSigner(t, ca, caKey, 100, "Document Signer")

	// No certificate carries the referenced serial; fall back to the first
	// non-CA certificate.
	so := &SecurityObject{
		Certificates: []*x509.Certificate{ca, leaf},
		signer:       signerInfo{SID: signerSID(t, leaf.RawIssuer, 999)},
	}
	got, err := so.SignerCertificate()
	if err != nil {
		t.Fatalf("SignerCertificate: %v", err)
	}
	if got.SerialNumber.Cmp(leaf.SerialNumber) != 0 {
		t.Errorf("fallback picked serial %v, want %v", got.SerialNumber, leaf.SerialNumber)
	}
}
