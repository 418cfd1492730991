package iso7816

import "fmt"

// ParseTLVLength decodes a BER-TLV length starting at data[offset] and
// returns the length value and the number of bytes it occupied.
func ParseTLVLength(data []byte, offset int) (length, consumed int, err error) {
	if offset >= len(data) {
		return 0, 0, fmt.Errorf("tlv: length truncated")
	}
	b := data[offset]
	if b < 0x80 {
		return int(b), 1, nil
	}
	n := int(b & 0x7F)
	if n == 0 || n > 3 {
		return 0, 0, fmt.Errorf("tlv: unsupported length-of-length %d", n)
	}
	if offset+1+n > len(data) {
		return 0, 0, fmt.Errorf("tlv: length truncated")
	}
	v := 0
	for i := 0; i < n; i++ {
		v = v<<8 | int(data[offset+1+i])
	}
	return v, 1 + n, nil
}

// EncodeTLVLength encodes a BER-TLV length in definite form.
func EncodeTLVLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	case n <= 0xFFFF:
		return []byte{0x82, byte(n >> 8), byte(n)}
	default:
		return []byte{0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	}
}

// TLV is a single BER-TLV data object with a one- or two-byte tag.
type TLV struct {
	Tag   uint16
	Value []byte
}

// Encode serializes the data object.
func (t TLV) Encode() []byte {
	out := make([]byte, 0, 4+len(t.Value))
	if t.Tag > 0xFF {
		out = append(out, byte(t.Tag>>8), byte(t.Tag))
	} else {
		out = append(out, byte(t.Tag))
	}
	out = append(out, EncodeTLVLength(len(t.Value))...)
	out = append(out, t.Value...)
	return out
}

// ParseTLV decodes the data object starting at data[0] and returns it with
// the total number of bytes consumed. Two-byte tags (first byte with all
// tag-number bits set) are handled.
func ParseTLV(data []byte) (TLV, int, error) {
	if len(data) == 0 {
		return TLV{}, 0, fmt.Errorf("tlv: empty input")
	}
	tagLen := 1
	tag := uint16(data[0])
	if data[0]&0x1F == 0x1F {
		if len(data) < 2 {
			return TLV{}, 0, fmt.Errorf("tlv: tag truncated")
		}
		tag = tag<<8 | uint16(data[1])
		tagLen = 2
	}
	length, consumed, err := ParseTLVLength(data, tagLen)
	if err != nil {
		return TLV{}, 0, err
	}
	start := tagLen + consumed
	if start+length > len(data) {
		return TLV{}, 0, fmt.Errorf("tlv: value truncated (want %d bytes, have %d)", length, len(data)-start)
	}
	return TLV{Tag: tag, Value: data[start : start+length]}, start + length, nil
}
