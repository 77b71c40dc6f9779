// Package aarch64 implements a compact AArch64 machine model covering EL1
// and EL0: a CPU with banked stack pointers, a stage 1 MMU with a software
// TLB, an interrupt controller, a counter-timer, and the four-by-four
// vector table exception model. It interprets the A64 subset emitted by
// internal/a64, which is enough to run exception entry/exit paths and the
// small guest programs the tests use.
package aarch64

// PSR mode and mask bits as they appear in SPSR_EL1 and DAIF.
const (
	PSRModeEL0t = 0x0
	PSRModeEL1t = 0x4
	PSRModeEL1h = 0x5
	PSRModeMask = 0xF
	PSRMode32   = 0x10

	PSRF = 1 << 6
	PSRI = 1 << 7
	PSRA = 1 << 8
	PSRD = 1 << 9

	PSRV = 1 << 28
	PSRC = 1 << 29
	PSRZ = 1 << 30
	PSRN = 1 << 31
)

// DAIFAll masks every asynchronous exception.
const DAIFAll = PSRD | PSRA | PSRI | PSRF

// SCTLR_EL1 bits the model honors.
const (
	SCTLRM   = 1 << 0 // stage 1 address translation enable
	SCTLRSA  = 1 << 3 // SP alignment check at EL1
	SCTLRSA0 = 1 << 4 // SP alignment check at EL0
)

// Vector table geometry: sixteen slots of 128 bytes, one per origin and
// class pair, based at a 2048-byte aligned VBAR_EL1.
const (
	SlotBytes  = 128
	TableBytes = 16 * SlotBytes
	TableAlign = 2048
)

// Origin classifies the state an exception is taken from. It selects the
// vector table row.
type Origin uint8

const (
	OriginEL1SP0 Origin = 0 // EL1 on the shared stack pointer
	OriginEL1SPx Origin = 1 // EL1 on its own stack pointer
	OriginEL0A64 Origin = 2 // EL0, 64-bit
	OriginEL0A32 Origin = 3 // EL0, 32-bit
)

var originNames = [4]string{"el1t", "el1h", "el0", "el0_32"}

func (o Origin) String() string {
	if o < 4 {
		return originNames[o]
	}
	return "origin?"
}

// Class is the vector table column: the architectural exception class.
type Class uint8

const (
	ClassSync   Class = 0
	ClassIRQ    Class = 1
	ClassFIQ    Class = 2
	ClassSError Class = 3
)

var classNames = [4]string{"sync", "irq", "fiq", "serror"}

func (c Class) String() string {
	if c < 4 {
		return classNames[c]
	}
	return "class?"
}

// CPU is the architectural register state. PSTATE is held as discrete
// fields; PSTATE and SetPSTATE convert to and from the SPSR_EL1 format.
type CPU struct {
	X  [31]uint64
	Q  [32][2]uint64
	PC uint64

	// Banked stack pointers. EL0 always runs on SPEL0; EL1 selects with
	// SPSel.
	SPEL0 uint64
	SPEL1 uint64

	// PSTATE
	EL    uint8 // current exception level, 0 or 1
	SPSel bool
	A32   bool   // AArch32 execution state
	DAIF  uint64 // PSRD..PSRF bits, in register positions
	NZCV  uint64 // PSRN..PSRV bits, in register positions

	// EL1 system registers
	VBAR     uint64
	SPSR     uint64
	ELR      uint64
	ESR      uint64
	FAR      uint64
	TTBR0    uint64
	TTBR1    uint64
	SCTLR    uint64
	TCR      uint64
	MAIR     uint64
	TPIDREL0 uint64
	TPIDREL1 uint64

	// Retired instruction count. Also the timebase.
	Instret uint64
}

// NewCPU creates a CPU in its reset state.
func NewCPU() *CPU {
	c := &CPU{}
	c.Reset()
	return c
}

// Reset puts the CPU at EL1 on its own stack with everything masked and
// translation off, the state a core wakes up in.
func (c *CPU) Reset() {
	*c = CPU{EL: 1, SPSel: true, DAIF: DAIFAll}
}

// SP returns the stack pointer the current state selects.
func (c *CPU) SP() uint64 {
	if c.EL == 1 && c.SPSel {
		return c.SPEL1
	}
	return c.SPEL0
}

// SetSP writes the stack pointer the current state selects.
func (c *CPU) SetSP(v uint64) {
	if c.EL == 1 && c.SPSel {
		c.SPEL1 = v
	} else {
		c.SPEL0 = v
	}
}

// PSTATE packs the live processor state into SPSR_EL1 format.
func (c *CPU) PSTATE() uint64 {
	v := c.NZCV | c.DAIF
	if c.A32 {
		return v | PSRMode32
	}
	switch {
	case c.EL == 1 && c.SPSel:
		v |= PSRModeEL1h
	case c.EL == 1:
		v |= PSRModeEL1t
	}
	return v
}

// SetPSTATE loads processor state from an SPSR_EL1 value, as ERET does.
func (c *CPU) SetPSTATE(v uint64) {
	c.NZCV = v & (PSRN | PSRZ | PSRC | PSRV)
	c.DAIF = v & DAIFAll
	c.A32 = v&PSRMode32 != 0
	if c.A32 {
		c.EL = 0
		c.SPSel = false
		return
	}
	switch v & PSRModeMask {
	case PSRModeEL1h:
		c.EL, c.SPSel = 1, true
	case PSRModeEL1t:
		c.EL, c.SPSel = 1, false
	default:
		c.EL, c.SPSel = 0, false
	}
}

// Origin returns the vector table row the current state traps through.
func (c *CPU) Origin() Origin {
	switch {
	case c.EL == 1 && c.SPSel:
		return OriginEL1SPx
	case c.EL == 1:
		return OriginEL1SP0
	case c.A32:
		return OriginEL0A32
	default:
		return OriginEL0A64
	}
}
