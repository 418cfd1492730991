package cardsim

import (
	"crypto/rand"
	"crypto/x509"
	"io"

	"github.com/juncaffe/android-epassport-reader-sub001/bac"
	"github.com/juncaffe/android-epassport-reader-sub001/chipauth"
	"github.com/juncaffe/android-epassport-reader-sub001/mrtd"
	"github.com/juncaffe/android-epassport-reader-sub001/pace"
	"github.com/juncaffe/android-epassport-reader-sub001/pkg/mrz"
)

// ICAO worked-example machine readable zone.
const (
	SpecimenMRZ1 = "P<UTOERIKSSON<<ANNA<MARIA<<<<<<<<<<<<<<<<<<<"
	SpecimenMRZ2 = "L898902C36UTO7408122F1204159ZE184226B<<<<<10"
	SpecimenCAN  = "123456"
)

// Specimen is a fully issued simulated document: the card, its credentials,
// and the trust anchor verifying its security object.
type Specimen struct {
	Card *Card

	// MRZ is the document's machine readable zone, both lines joined.
	MRZ string
	// AccessSeed is the BAC key seed derived from the MRZ key content.
	AccessSeed []byte
	// Password is the PACE password derived from the MRZ key content.
	Password []byte
	// Roots holds the country signing root the document chains to.
	Roots *x509.CertPool
	// Files maps data group number to raw content, as written to the chip.
	Files map[int][]byte
	// SOD is the raw EF.SOD content.
	SOD []byte
}

// NewSpecimen issues a complete simulated document carrying DG1 and DG14
// with a valid security object, protected by both BAC and PACE.
// Additional options are applied after the standard personalization, so a
// fault schedule or extra files can be layered on top.
func NewSpecimen(rng io.Reader, opts ...CardOption) (*Specimen, error) {
	if rng == nil {
		rng = rand.Reader
	}

	td3, err := mrz.ParseTD3(SpecimenMRZ1, SpecimenMRZ2)
	if err != nil {
		return nil, err
	}
	key, err := td3.AccessKey()
	if err != nil {
		return nil, err
	}
	keyContent, err := key.KeyContent()
	if err != nil {
		return nil, err
	}
	seed := bac.DeriveSeed(keyContent)
	password := pace.DerivePassword(pace.PasswordMRZ, keyContent)

	chipKey, err := chipauth.NewResponder(rng)
	if err != nil {
		return nil, err
	}

	dg1 := BuildDG1(SpecimenMRZ1 + SpecimenMRZ2)
	dg14, err := BuildDG14(chipKey.PublicKey())
	if err != nil {
		return nil, err
	}
	com := BuildCOM("0107", "040000", []byte{byte(mrtd.DG1.Tag), byte(mrtd.DG14.Tag)})

	csca, err := NewCountryAuthority()
	if err != nil {
		return nil, err
	}
	dsc, err := csca.IssueDocumentSigner()
	if err != nil {
		return nil, err
	}
	files := map[int][]byte{1: dg1, 14: dg14}
	sod, err := BuildSecurityObject(dsc, files)
	if err != nil {
		return nil, err
	}

	cardOpts := []CardOption{
		WithBAC(seed, rng),
		WithPACE(password, rng),
		WithChipAuthentication(chipKey),
		WithFile(mrtd.EFCOM.ID, com),
		WithFile(mrtd.EFSOD.ID, sod),
		WithFile(mrtd.DG1.ID, dg1),
		WithFile(mrtd.DG14.ID, dg14),
	}
	cardOpts = append(cardOpts, opts...)

	return &Specimen{
		Card:       NewCard(cardOpts...),
		MRZ:        SpecimenMRZ1 + SpecimenMRZ2,
		AccessSeed: seed,
		Password:   password,
		Roots:      csca.Pool(),
		Files:      files,
		SOD:        sod,
	}, nil
}
