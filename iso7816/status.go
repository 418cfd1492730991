package iso7816

import "fmt"

// Status words returned by eMRTD chips.
const (
	SWSuccess              = 0x9000
	SWSecurityNotSatisfied = 0x6982
	SWAuthMethodBlocked    = 0x6983
	SWConditionsNotMet     = 0x6985
	SWIncorrectData        = 0x6A80
	SWFileNotFound         = 0x6A82
	SWWrongP1P2            = 0x6A86
	SWWrongLength          = 0x6700
	SWWrongOffset          = 0x6B00
	SWWrongLe              = 0x6C00 // mask, correct Le in SW2
	SWEndOfFile            = 0x6282 // warning: end of file reached before Le bytes
	SWUnknown              = 0x6F00
)

// SwOK reports whether a status word indicates success, including the
// end-of-file warning a short final read produces.
func SwOK(sw uint16) bool {
	return sw == SWSuccess || sw == SWEndOfFile
}

// StatusError is a non-success status word returned by the chip.
type StatusError struct {
	INS byte
	SW  uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("command 0x%02X failed with SW=0x%04X (%s)", e.INS, e.SW, swDescription(e.SW))
}

func swDescription(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWSecurityNotSatisfied:
		return "security status not satisfied"
	case SWAuthMethodBlocked:
		return "authentication method blocked"
	case SWConditionsNotMet:
		return "conditions of use not satisfied"
	case SWIncorrectData:
		return "incorrect data"
	case SWFileNotFound:
		return "file not found"
	case SWWrongP1P2:
		return "wrong P1/P2"
	case SWWrongLength:
		return "wrong length"
	case SWEndOfFile:
		return "end of file before Le"
	default:
		if (sw & 0xFF00) == SWWrongLe {
			return fmt.Sprintf("wrong Le (correct Le=%d)", sw&0xFF)
		}
		return "unknown error"
	}
}

// IsFileNotFound reports whether err is a file-not-found status word.
func IsFileNotFound(err error) bool {
	if se, ok := err.(*StatusError); ok {
		return se.SW == SWFileNotFound
	}
	return false
}

// IsAuthBlocked reports whether err indicates a chip-side lockout.
func IsAuthBlocked(err error) bool {
	if se, ok := err.(*StatusError); ok {
		return se.SW == SWAuthMethodBlocked
	}
	return false
}
