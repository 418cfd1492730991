package mrtd

import (
	"fmt"

	"github.com/juncaffe/android-epassport-reader-sub001/iso7816"
)

// Common is the parsed EF.COM: LDS and unicode version strings plus the list
// of data groups the chip declares present. The declaration is informational
// only; passive authentication trusts the security object, not EF.COM.
type Common struct {
	LDSVersion     string
	UnicodeVersion string
	DataGroups     []FileID
}

// ParseCommon parses the EF.COM file content.
func ParseCommon(raw []byte) (*Common, error) {
	outer, _, err := iso7816.ParseTLV(raw)
	if err != nil {
		return nil, &ParseError{File: "EF.COM", Err: err}
	}
	if outer.Tag != EFCOM.Tag {
		return nil, &ParseError{File: "EF.COM", Err: fmt.Errorf("unexpected outer tag %02X", outer.Tag)}
	}

	c := &Common{}
	rest := outer.Value
	for len(rest) > 0 {
		tlv, n, err := iso7816.ParseTLV(rest)
		if err != nil {
			return nil, &ParseError{File: "EF.COM", Err: err}
		}
		switch tlv.Tag {
		case 0x5F01:
			c.LDSVersion = string(tlv.Value)
		case 0x5F36:
			c.UnicodeVersion = string(tlv.Value)
		case 0x5C:
			for _, tag := range tlv.Value {
				if f, ok := FileByTag(uint16(tag)); ok && f.DG != 0 {
					c.DataGroups = append(c.DataGroups, f)
				}
			}
		}
		rest = rest[n:]
	}
	return c, nil
}
