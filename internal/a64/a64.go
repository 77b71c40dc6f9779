// Package a64 implements a small assembler and decoder for the A64
// instruction subset used by the exception entry/exit path: register pair
// load/store (integer and SIMD), wide moves, system register access,
// branches, exception generation, and the barrier/TLB maintenance group.
package a64

import "fmt"

// Reg is a general-purpose register number. Register 31 is the zero
// register or the stack pointer depending on the instruction; the SP and
// XZR constants name the two readings.
type Reg uint8

const (
	X0 Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	XZR
)

const SP Reg = 31

// LR is the conventional name for the link register.
const LR = X30

func (r Reg) validate() error {
	if r > 31 {
		return fmt.Errorf("a64: invalid register x%d", r)
	}
	return nil
}

func (r Reg) String() string {
	if r == 31 {
		return "sp"
	}
	return fmt.Sprintf("x%d", r)
}

// QReg is a 128-bit SIMD/FP register number.
type QReg uint8

const (
	Q0 QReg = iota
	Q1
	Q2
	Q3
	Q4
	Q5
	Q6
	Q7
	Q8
	Q9
	Q10
	Q11
	Q12
	Q13
	Q14
	Q15
	Q16
	Q17
	Q18
	Q19
	Q20
	Q21
	Q22
	Q23
	Q24
	Q25
	Q26
	Q27
	Q28
	Q29
	Q30
	Q31
)

func (q QReg) validate() error {
	if q > 31 {
		return fmt.Errorf("a64: invalid SIMD register q%d", q)
	}
	return nil
}

func (q QReg) String() string { return fmt.Sprintf("q%d", q) }

// SysReg is the 15-bit system register encoding (o0:op1:CRn:CRm:op2) used
// by MRS and MSR.
type SysReg uint16

func sysReg(op0, op1, crn, crm, op2 uint16) SysReg {
	return SysReg((op0-2)<<14 | op1<<11 | crn<<7 | crm<<3 | op2)
}

var (
	SysTPIDREL0    = sysReg(3, 3, 13, 0, 2)
	SysTPIDREL1    = sysReg(3, 0, 13, 0, 4)
	SysSPEL0       = sysReg(3, 0, 4, 1, 0)
	SysSPSREL1     = sysReg(3, 0, 4, 0, 0)
	SysELREL1      = sysReg(3, 0, 4, 0, 1)
	SysTTBR0EL1    = sysReg(3, 0, 2, 0, 0)
	SysTTBR1EL1    = sysReg(3, 0, 2, 0, 1)
	SysESREL1      = sysReg(3, 0, 5, 2, 0)
	SysFAREL1      = sysReg(3, 0, 6, 0, 0)
	SysVBAREL1     = sysReg(3, 0, 12, 0, 0)
	SysSCTLREL1    = sysReg(3, 0, 1, 0, 0)
	SysTCREL1      = sysReg(3, 0, 2, 0, 2)
	SysMAIREL1     = sysReg(3, 0, 10, 2, 0)
	SysCurrentEL   = sysReg(3, 0, 4, 2, 2)
	SysDAIF        = sysReg(3, 3, 4, 2, 1)
	SysCNTPCTEL0   = sysReg(3, 3, 14, 0, 1)
	SysCNTPTVALEL0 = sysReg(3, 3, 14, 2, 0)
	SysCNTPCTLEL0  = sysReg(3, 3, 14, 2, 1)
	SysCNTPCVALEL0 = sysReg(3, 3, 14, 2, 2)
)

var sysRegNames = map[SysReg]string{
	SysTPIDREL0:    "tpidr_el0",
	SysTPIDREL1:    "tpidr_el1",
	SysSPEL0:       "sp_el0",
	SysSPSREL1:     "spsr_el1",
	SysELREL1:      "elr_el1",
	SysTTBR0EL1:    "ttbr0_el1",
	SysTTBR1EL1:    "ttbr1_el1",
	SysESREL1:      "esr_el1",
	SysFAREL1:      "far_el1",
	SysVBAREL1:     "vbar_el1",
	SysSCTLREL1:    "sctlr_el1",
	SysTCREL1:      "tcr_el1",
	SysMAIREL1:     "mair_el1",
	SysCurrentEL:   "currentel",
	SysDAIF:        "daif",
	SysCNTPCTEL0:   "cntpct_el0",
	SysCNTPTVALEL0: "cntp_tval_el0",
	SysCNTPCTLEL0:  "cntp_ctl_el0",
	SysCNTPCVALEL0: "cntp_cval_el0",
}

func (s SysReg) String() string {
	if name, ok := sysRegNames[s]; ok {
		return name
	}
	return fmt.Sprintf("s%d_%d_c%d_c%d_%d",
		2+(s>>14)&1, (s>>11)&7, (s>>7)&0xF, (s>>3)&0xF, s&7)
}

// Barrier domain/type options (the CRm field of DSB).
const (
	BarrierOSH   = 0x3
	BarrierNSH   = 0x7
	BarrierISHST = 0xA
	BarrierISH   = 0xB
	BarrierST    = 0xE
	BarrierSY    = 0xF
)

var barrierNames = map[uint8]string{
	BarrierOSH:   "osh",
	BarrierNSH:   "nsh",
	BarrierISHST: "ishst",
	BarrierISH:   "ish",
	BarrierST:    "st",
	BarrierSY:    "sy",
}

// BarrierName returns the assembler spelling of a DSB option.
func BarrierName(opt uint8) string {
	if name, ok := barrierNames[opt]; ok {
		return name
	}
	return fmt.Sprintf("#%d", opt)
}

// Pair load/store addressing modes.
type IndexMode uint8

const (
	IndexSigned IndexMode = iota // [base, #imm]
	IndexPre                     // [base, #imm]!
	IndexPost                    // [base], #imm
)
