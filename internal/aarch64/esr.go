package aarch64

import "fmt"

// Exception class values, as found in ESR_EL1[31:26]. The model raises
// only a subset of these; the rest exist so a decoder can name every
// class the architecture defines.
const (
	ECUnknown       = 0x00
	ECWFx           = 0x01
	ECSIMDFP        = 0x07
	ECIllegalState  = 0x0E
	ECSVC64         = 0x15
	ECHVC64         = 0x16
	ECSMC64         = 0x17
	ECSysReg        = 0x18
	ECIAbortLow     = 0x20
	ECIAbortCur     = 0x21
	ECPCAlign       = 0x22
	ECDAbortLow     = 0x24
	ECDAbortCur     = 0x25
	ECSPAlign       = 0x26
	ECFP64          = 0x2C
	ECSError        = 0x2F
	ECBreakpointLow = 0x30
	ECBreakpointCur = 0x31
	ECStepLow       = 0x32
	ECStepCur       = 0x33
	ECWatchpointLow = 0x34
	ECWatchpointCur = 0x35
	ECBRK64         = 0x3C
)

// Fault status codes in the low six ISS bits of an abort syndrome. The
// translation, access flag, and permission codes carry the failing table
// level in their low two bits.
const (
	FSCTranslation = 0x04
	FSCAccessFlag  = 0x08
	FSCPermission  = 0x0C
	FSCExternal    = 0x10
)

const (
	esrIL  = 1 << 25
	ISSWnR = 1 << 6 // data abort caused by a write
)

// ESR assembles a syndrome value from an exception class and ISS. The
// instruction length bit is always set; the model has no 16-bit
// instructions.
func ESR(ec uint8, iss uint32) uint64 {
	return uint64(ec)<<26 | esrIL | uint64(iss&0x1FFFFFF)
}

// ESRClass extracts the exception class field from a syndrome value.
func ESRClass(esr uint64) uint8 { return uint8(esr >> 26 & 0x3F) }

// ESRISS extracts the instruction-specific syndrome field.
func ESRISS(esr uint64) uint32 { return uint32(esr & 0x1FFFFFF) }

// SyndromeSVC builds the syndrome for an SVC from AArch64 state.
func SyndromeSVC(imm uint16) uint64 { return ESR(ECSVC64, uint32(imm)) }

// SyndromeBRK builds the syndrome for a BRK instruction.
func SyndromeBRK(imm uint16) uint64 { return ESR(ECBRK64, uint32(imm)) }

// SyndromeSError builds the syndrome for an SError interrupt.
func SyndromeSError() uint64 { return ESR(ECSError, 0) }

// SyndromeDataAbort builds a data abort syndrome. lower selects the
// lower-EL exception class, write sets the WnR bit, and fsc is the fault
// status code.
func SyndromeDataAbort(lower, write bool, fsc uint8) uint64 {
	ec := uint8(ECDAbortCur)
	if lower {
		ec = ECDAbortLow
	}
	iss := uint32(fsc & 0x3F)
	if write {
		iss |= ISSWnR
	}
	return ESR(ec, iss)
}

// SyndromeInsnAbort builds an instruction abort syndrome.
func SyndromeInsnAbort(lower bool, fsc uint8) uint64 {
	ec := uint8(ECIAbortCur)
	if lower {
		ec = ECIAbortLow
	}
	return ESR(ec, uint32(fsc&0x3F))
}

// TrapError is a synchronous exception raised while interpreting guest
// code. ESR is the full syndrome; FAR is the faulting address for aborts.
type TrapError struct {
	ESR uint64
	FAR uint64
}

func (e TrapError) Error() string {
	return fmt.Sprintf("trap: ec=0x%02x esr=0x%x far=0x%x", ESRClass(e.ESR), e.ESR, e.FAR)
}

// Trap builds a TrapError from a syndrome and faulting address.
func Trap(esr, far uint64) error {
	return TrapError{ESR: esr, FAR: far}
}
