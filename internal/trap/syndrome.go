package trap

import (
	"fmt"

	"github.com/tinyrange/el1/internal/aarch64"
)

// Kind classifies a decoded syndrome.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindWFx
	KindSIMDFP
	KindIllegalState
	KindSVC
	KindHVC
	KindSMC
	KindMsrMrs
	KindInstructionAbort
	KindPCAlignment
	KindDataAbort
	KindSPAlignment
	KindFPException
	KindSError
	KindBreakpoint
	KindStep
	KindWatchpoint
	KindBRK
	KindOther
)

var kindNames = [...]string{
	KindUnknown:          "unknown",
	KindWFx:              "wfx",
	KindSIMDFP:           "simd/fp access",
	KindIllegalState:     "illegal state",
	KindSVC:              "svc",
	KindHVC:              "hvc",
	KindSMC:              "smc",
	KindMsrMrs:           "msr/mrs",
	KindInstructionAbort: "instruction abort",
	KindPCAlignment:      "pc alignment",
	KindDataAbort:        "data abort",
	KindSPAlignment:      "sp alignment",
	KindFPException:      "fp exception",
	KindSError:           "serror",
	KindBreakpoint:       "breakpoint",
	KindStep:             "step",
	KindWatchpoint:       "watchpoint",
	KindBRK:              "brk",
	KindOther:            "other",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "other"
}

// Fault names the cause of an instruction or data abort.
type Fault uint8

const (
	FaultAddressSize Fault = iota
	FaultTranslation
	FaultAccessFlag
	FaultPermission
	FaultAlignment
	FaultTLBConflict
	FaultOther
)

var faultNames = [...]string{
	FaultAddressSize: "address size",
	FaultTranslation: "translation",
	FaultAccessFlag:  "access flag",
	FaultPermission:  "permission",
	FaultAlignment:   "alignment",
	FaultTLBConflict: "tlb conflict",
	FaultOther:       "other",
}

func (f Fault) String() string {
	if int(f) < len(faultNames) {
		return faultNames[f]
	}
	return "other"
}

// decodeFault splits an abort's fault status code into a cause and the
// translation table level it occurred at. The level is only meaningful
// for the first four causes.
func decodeFault(fsc uint8) (Fault, uint8) {
	switch {
	case fsc <= 0x03:
		return FaultAddressSize, fsc & 3
	case fsc <= 0x07:
		return FaultTranslation, fsc & 3
	case fsc >= 0x08 && fsc <= 0x0B:
		return FaultAccessFlag, fsc & 3
	case fsc >= 0x0C && fsc <= 0x0F:
		return FaultPermission, fsc & 3
	case fsc == 0x21:
		return FaultAlignment, 0
	case fsc == 0x30:
		return FaultTLBConflict, 0
	}
	return FaultOther, 0
}

// Syndrome is ESR_EL1 pulled apart. Which fields are meaningful depends
// on Kind: Imm for the exception-generating instructions, Fault, Level,
// Lower, and Write for aborts, Lower alone for the debug kinds.
type Syndrome struct {
	Kind  Kind
	EC    uint8
	Imm   uint16 // svc/hvc/smc/brk immediate
	Fault Fault
	Level uint8
	Lower bool // taken from a lower exception level
	Write bool // data abort caused by a write
}

// DecodeSyndrome pulls an ESR_EL1 value apart. Interrupt classes do not
// write the register, so a dispatcher should only decode for the
// synchronous and SError classes.
func DecodeSyndrome(esr uint64) Syndrome {
	ec := aarch64.ESRClass(esr)
	iss := aarch64.ESRISS(esr)
	s := Syndrome{EC: ec}
	switch ec {
	case aarch64.ECUnknown:
		s.Kind = KindUnknown
	case aarch64.ECWFx:
		s.Kind = KindWFx
	case aarch64.ECSIMDFP:
		s.Kind = KindSIMDFP
	case aarch64.ECIllegalState:
		s.Kind = KindIllegalState
	case aarch64.ECSVC64:
		s.Kind = KindSVC
		s.Imm = uint16(iss)
	case aarch64.ECHVC64:
		s.Kind = KindHVC
		s.Imm = uint16(iss)
	case aarch64.ECSMC64:
		s.Kind = KindSMC
		s.Imm = uint16(iss)
	case aarch64.ECSysReg:
		s.Kind = KindMsrMrs
	case aarch64.ECIAbortLow, aarch64.ECIAbortCur:
		s.Kind = KindInstructionAbort
		s.Lower = ec == aarch64.ECIAbortLow
		s.Fault, s.Level = decodeFault(uint8(iss & 0x3F))
	case aarch64.ECPCAlign:
		s.Kind = KindPCAlignment
	case aarch64.ECDAbortLow, aarch64.ECDAbortCur:
		s.Kind = KindDataAbort
		s.Lower = ec == aarch64.ECDAbortLow
		s.Write = iss&aarch64.ISSWnR != 0
		s.Fault, s.Level = decodeFault(uint8(iss & 0x3F))
	case aarch64.ECSPAlign:
		s.Kind = KindSPAlignment
	case aarch64.ECFP64:
		s.Kind = KindFPException
	case aarch64.ECSError:
		s.Kind = KindSError
	case aarch64.ECBreakpointLow, aarch64.ECBreakpointCur:
		s.Kind = KindBreakpoint
		s.Lower = ec == aarch64.ECBreakpointLow
	case aarch64.ECStepLow, aarch64.ECStepCur:
		s.Kind = KindStep
		s.Lower = ec == aarch64.ECStepLow
	case aarch64.ECWatchpointLow, aarch64.ECWatchpointCur:
		s.Kind = KindWatchpoint
		s.Lower = ec == aarch64.ECWatchpointLow
	case aarch64.ECBRK64:
		s.Kind = KindBRK
		s.Imm = uint16(iss)
	default:
		s.Kind = KindOther
	}
	return s
}

func (s Syndrome) String() string {
	switch s.Kind {
	case KindSVC, KindHVC, KindSMC, KindBRK:
		return fmt.Sprintf("%s #%d", s.Kind, s.Imm)
	case KindInstructionAbort:
		return fmt.Sprintf("%s: %s fault, level %d", s.Kind, s.Fault, s.Level)
	case KindDataAbort:
		access := "read"
		if s.Write {
			access = "write"
		}
		return fmt.Sprintf("%s: %s fault, level %d (%s)", s.Kind, s.Fault, s.Level, access)
	case KindOther:
		return fmt.Sprintf("other (ec=0x%02x)", s.EC)
	}
	return s.Kind.String()
}
