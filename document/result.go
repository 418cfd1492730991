// Package document is the result boundary of a reading run: the retrieved
// files, their verification outcomes, and the trust level the chip earned.
package document

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/juncaffe/android-epassport-reader-sub001/mrtd"
	"github.com/juncaffe/android-epassport-reader-sub001/pkg/mrz"
)

// TrustLevel grades how far the chip was authenticated.
type TrustLevel int

const (
	// TrustNone: the document failed verification or none was performed.
	TrustNone TrustLevel = iota
	// TrustPassive: the retrieved files match the signed security object
	// chained to a trusted root, but the chip could be a clone.
	TrustPassive
	// TrustChipAuthenticated: passive authentication passed and the chip
	// proved possession of its DG14 private key.
	TrustChipAuthenticated
)

func (l TrustLevel) String() string {
	switch l {
	case TrustNone:
		return "none"
	case TrustPassive:
		return "passive"
	case TrustChipAuthenticated:
		return "chip-authenticated"
	}
	return fmt.Sprintf("TrustLevel(%d)", int(l))
}

// File is one retrieved elementary file with its verification outcome.
type File struct {
	DataGroup int    `cbor:"dg"`
	Name      string `cbor:"name"`
	Content   []byte `cbor:"content"`
	Outcome   string `cbor:"outcome"`
}

// Result is the complete outcome of one reading run.
type Result struct {
	Authentic bool       `cbor:"authentic"`
	Trust     TrustLevel `cbor:"trust"`
	Files     []File     `cbor:"files"`
	// MRZ is the machine readable zone read back from DG1, empty when DG1
	// was not retrieved.
	MRZ string `cbor:"mrz,omitempty"`
}

// New assembles a result from the passive authentication report and the
// retrieved file contents.
func New(report *mrtd.Report, files map[int][]byte, trust TrustLevel) *Result {
	r := &Result{
		Authentic: report.Authentic(),
		Trust:     trust,
		Files:     make([]File, 0, len(files)),
	}
	if !r.Authentic {
		r.Trust = TrustNone
	}
	for n := 1; n <= 16; n++ {
		content, ok := files[n]
		if !ok {
			continue
		}
		f, err := mrtd.DataGroup(n)
		if err != nil {
			continue
		}
		outcome, ok := report.Files[n]
		if !ok {
			outcome = mrtd.FileNotInManifest
		}
		r.Files = append(r.Files, File{
			DataGroup: n,
			Name:      f.Name,
			Content:   content,
			Outcome:   outcome.String(),
		})
	}
	if dg1, ok := files[1]; ok && r.Authentic {
		if zone, err := mrtd.RawMRZ(dg1); err == nil {
			r.MRZ = zone
		}
	}
	return r
}

// DG returns the content of data group n, nil when not retrieved.
func (r *Result) DG(n int) []byte {
	for _, f := range r.Files {
		if f.DataGroup == n {
			return f.Content
		}
	}
	return nil
}

// Encode serializes the result for downstream consumers.
func (r *Result) Encode() ([]byte, error) {
	return cbor.Marshal(r)
}

// Decode deserializes a result produced by Encode.
func Decode(data []byte) (*Result, error) {
	var r Result
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("document: decode result: %w", err)
	}
	return &r, nil
}

// MRZOf parses the TD3 zone carried in the result, if any.
func (r *Result) MRZOf() (*mrz.TD3, error) {
	if len(r.MRZ) != 88 {
		return nil, fmt.Errorf("document: no machine readable zone in result")
	}
	return mrz.ParseTD3(r.MRZ[:44], r.MRZ[44:])
}
