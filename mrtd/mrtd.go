// Package mrtd models the logical data structure of an ICAO 9303 machine
// readable travel document: elementary files, data groups, the Document
// Security Object, and the passive authentication procedure that verifies
// retrieved files against it.
package mrtd

import "fmt"

// FileID identifies a retrievable elementary file: its file identifier, the
// outer tag its content must carry, and the data group number the security
// object lists it under (0 for files outside the digest table).
type FileID struct {
	Name string
	ID   uint16
	Tag  uint16
	DG   int
}

func (f FileID) String() string { return f.Name }

// Elementary files of the eMRTD LDS application.
var (
	EFCOM = FileID{Name: "EF.COM", ID: 0x011E, Tag: 0x60}
	EFSOD = FileID{Name: "EF.SOD", ID: 0x011D, Tag: 0x77}

	DG1  = FileID{Name: "DG1", ID: 0x0101, Tag: 0x61, DG: 1}
	DG2  = FileID{Name: "DG2", ID: 0x0102, Tag: 0x75, DG: 2}
	DG3  = FileID{Name: "DG3", ID: 0x0103, Tag: 0x63, DG: 3}
	DG4  = FileID{Name: "DG4", ID: 0x0104, Tag: 0x76, DG: 4}
	DG5  = FileID{Name: "DG5", ID: 0x0105, Tag: 0x65, DG: 5}
	DG6  = FileID{Name: "DG6", ID: 0x0106, Tag: 0x66, DG: 6}
	DG7  = FileID{Name: "DG7", ID: 0x0107, Tag: 0x67, DG: 7}
	DG8  = FileID{Name: "DG8", ID: 0x0108, Tag: 0x68, DG: 8}
	DG9  = FileID{Name: "DG9", ID: 0x0109, Tag: 0x69, DG: 9}
	DG10 = FileID{Name: "DG10", ID: 0x010A, Tag: 0x6A, DG: 10}
	DG11 = FileID{Name: "DG11", ID: 0x010B, Tag: 0x6B, DG: 11}
	DG12 = FileID{Name: "DG12", ID: 0x010C, Tag: 0x6C, DG: 12}
	DG13 = FileID{Name: "DG13", ID: 0x010D, Tag: 0x6D, DG: 13}
	DG14 = FileID{Name: "DG14", ID: 0x010E, Tag: 0x6E, DG: 14}
	DG15 = FileID{Name: "DG15", ID: 0x010F, Tag: 0x6F, DG: 15}
	DG16 = FileID{Name: "DG16", ID: 0x0110, Tag: 0x70, DG: 16}
)

var dataGroups = [...]FileID{DG1, DG2, DG3, DG4, DG5, DG6, DG7, DG8, DG9, DG10, DG11, DG12, DG13, DG14, DG15, DG16}

// DataGroup returns the FileID of data group n (1..16).
func DataGroup(n int) (FileID, error) {
	if n < 1 || n > len(dataGroups) {
		return FileID{}, fmt.Errorf("mrtd: no data group %d", n)
	}
	return dataGroups[n-1], nil
}

// FileByTag resolves an outer content tag to its file.
func FileByTag(tag uint16) (FileID, bool) {
	if tag == EFCOM.Tag {
		return EFCOM, true
	}
	if tag == EFSOD.Tag {
		return EFSOD, true
	}
	for _, f := range dataGroups {
		if f.Tag == tag {
			return f, true
		}
	}
	return FileID{}, false
}
