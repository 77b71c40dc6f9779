package aarch64

import (
	"github.com/tinyrange/el1/internal/a64"
)

// Register 31 reads as the zero register in operand position and as the
// stack pointer in base or add/sub immediate position. The OrSP helpers
// implement the second reading.

func (m *Machine) readX(r a64.Reg) uint64 {
	if r == 31 {
		return 0
	}
	return m.CPU.X[r]
}

func (m *Machine) writeX(r a64.Reg, v uint64) {
	if r == 31 {
		return
	}
	m.CPU.X[r] = v
}

func (m *Machine) readXOrSP(r a64.Reg) uint64 {
	if r == 31 {
		return m.CPU.SP()
	}
	return m.CPU.X[r]
}

func (m *Machine) writeXOrSP(r a64.Reg, v uint64) {
	if r == 31 {
		m.CPU.SetSP(v)
		return
	}
	m.CPU.X[r] = v
}

// checkSPAlign enforces the SCTLR_EL1 stack alignment checks: an SP used
// as a base must be 16-byte aligned.
func (m *Machine) checkSPAlign(sp uint64) error {
	bit := uint64(SCTLRSA)
	if m.CPU.EL == 0 {
		bit = SCTLRSA0
	}
	if m.CPU.SCTLR&bit != 0 && sp&15 != 0 {
		return Trap(ESR(ECSPAlign, 0), 0)
	}
	return nil
}

// memRead translates and reads size bytes. Bus failures surface as
// synchronous external aborts.
func (m *Machine) memRead(vaddr uint64, size int) (uint64, error) {
	paddr, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		return 0, err
	}
	val, err := m.Bus.Read(paddr, size)
	if err != nil {
		return 0, Trap(SyndromeDataAbort(m.CPU.EL == 0, false, FSCExternal), vaddr)
	}
	return val, nil
}

// memWrite translates and writes size bytes.
func (m *Machine) memWrite(vaddr uint64, size int, val uint64) error {
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		return err
	}
	if m.stopOnZero && paddr == 0 {
		m.halted.Store(true)
		return ErrHalt
	}
	if err := m.Bus.Write(paddr, size, val); err != nil {
		return Trap(SyndromeDataAbort(m.CPU.EL == 0, true, FSCExternal), vaddr)
	}
	return nil
}

// resolvePair computes the access address of a pair instruction and the
// writeback value, which is applied only after the accesses succeed.
func (m *Machine) resolvePair(inst a64.Inst) (uint64, bool, uint64, error) {
	base := m.readXOrSP(inst.Rn)
	if inst.Rn == 31 {
		if err := m.checkSPAlign(base); err != nil {
			return 0, false, 0, err
		}
	}
	switch inst.Index {
	case a64.IndexPre:
		addr := base + uint64(inst.Imm)
		return addr, true, addr, nil
	case a64.IndexPost:
		return base, true, base + uint64(inst.Imm), nil
	default:
		return base + uint64(inst.Imm), false, 0, nil
	}
}

func (m *Machine) execStpX(inst a64.Inst) error {
	addr, wb, wbVal, err := m.resolvePair(inst)
	if err != nil {
		return err
	}
	if err := m.memWrite(addr, 8, m.readX(inst.Rd)); err != nil {
		return err
	}
	if err := m.memWrite(addr+8, 8, m.readX(inst.Rt2)); err != nil {
		return err
	}
	if wb {
		m.writeXOrSP(inst.Rn, wbVal)
	}
	return nil
}

func (m *Machine) execLdpX(inst a64.Inst) error {
	addr, wb, wbVal, err := m.resolvePair(inst)
	if err != nil {
		return err
	}
	v1, err := m.memRead(addr, 8)
	if err != nil {
		return err
	}
	v2, err := m.memRead(addr+8, 8)
	if err != nil {
		return err
	}
	m.writeX(inst.Rd, v1)
	m.writeX(inst.Rt2, v2)
	if wb {
		m.writeXOrSP(inst.Rn, wbVal)
	}
	return nil
}

func (m *Machine) execStpQ(inst a64.Inst) error {
	addr, wb, wbVal, err := m.resolvePair(inst)
	if err != nil {
		return err
	}
	for i, q := range [2]a64.Reg{inst.Rd, inst.Rt2} {
		v := m.CPU.Q[q]
		base := addr + uint64(i)*16
		if err := m.memWrite(base, 8, v[0]); err != nil {
			return err
		}
		if err := m.memWrite(base+8, 8, v[1]); err != nil {
			return err
		}
	}
	if wb {
		m.writeXOrSP(inst.Rn, wbVal)
	}
	return nil
}

func (m *Machine) execLdpQ(inst a64.Inst) error {
	addr, wb, wbVal, err := m.resolvePair(inst)
	if err != nil {
		return err
	}
	var vals [2][2]uint64
	for i := range vals {
		base := addr + uint64(i)*16
		lo, err := m.memRead(base, 8)
		if err != nil {
			return err
		}
		hi, err := m.memRead(base+8, 8)
		if err != nil {
			return err
		}
		vals[i] = [2]uint64{lo, hi}
	}
	m.CPU.Q[inst.Rd] = vals[0]
	m.CPU.Q[inst.Rt2] = vals[1]
	if wb {
		m.writeXOrSP(inst.Rn, wbVal)
	}
	return nil
}

// sysRegEL0OK lists the system registers EL0 may touch; everything else
// traps with the system register exception class.
func sysRegEL0OK(sr a64.SysReg) bool {
	switch sr {
	case a64.SysTPIDREL0, a64.SysCNTPCTEL0, a64.SysCNTPTVALEL0, a64.SysCNTPCTLEL0, a64.SysCNTPCVALEL0:
		return true
	}
	return false
}

func (m *Machine) readSysReg(sr a64.SysReg) (uint64, error) {
	c := m.CPU
	switch sr {
	case a64.SysTPIDREL0:
		return c.TPIDREL0, nil
	case a64.SysTPIDREL1:
		return c.TPIDREL1, nil
	case a64.SysSPEL0:
		return c.SPEL0, nil
	case a64.SysSPSREL1:
		return c.SPSR, nil
	case a64.SysELREL1:
		return c.ELR, nil
	case a64.SysTTBR0EL1:
		return c.TTBR0, nil
	case a64.SysTTBR1EL1:
		return c.TTBR1, nil
	case a64.SysESREL1:
		return c.ESR, nil
	case a64.SysFAREL1:
		return c.FAR, nil
	case a64.SysVBAREL1:
		return c.VBAR, nil
	case a64.SysSCTLREL1:
		return c.SCTLR, nil
	case a64.SysTCREL1:
		return c.TCR, nil
	case a64.SysMAIREL1:
		return c.MAIR, nil
	case a64.SysCurrentEL:
		return uint64(c.EL) << 2, nil
	case a64.SysDAIF:
		return c.DAIF, nil
	case a64.SysCNTPCTEL0:
		return m.Timer.Count(), nil
	case a64.SysCNTPTVALEL0:
		return m.Timer.ReadTVAL(), nil
	case a64.SysCNTPCTLEL0:
		return m.Timer.ReadCTL(), nil
	case a64.SysCNTPCVALEL0:
		return m.Timer.ReadCVAL(), nil
	}
	return 0, Trap(ESR(ECSysReg, 0), 0)
}

func (m *Machine) writeSysReg(sr a64.SysReg, v uint64) error {
	c := m.CPU
	switch sr {
	case a64.SysTPIDREL0:
		c.TPIDREL0 = v
	case a64.SysTPIDREL1:
		c.TPIDREL1 = v
	case a64.SysSPEL0:
		c.SPEL0 = v
	case a64.SysSPSREL1:
		c.SPSR = v
	case a64.SysELREL1:
		c.ELR = v
	case a64.SysTTBR0EL1:
		c.TTBR0 = v
		m.MMU.NoteTTBRWrite(0, v)
	case a64.SysTTBR1EL1:
		c.TTBR1 = v
		m.MMU.NoteTTBRWrite(1, v)
	case a64.SysESREL1:
		c.ESR = v
	case a64.SysFAREL1:
		c.FAR = v
	case a64.SysVBAREL1:
		// The low bits are RES0: vector bases are 2KiB aligned.
		c.VBAR = v &^ (TableAlign - 1)
	case a64.SysSCTLREL1:
		c.SCTLR = v
	case a64.SysTCREL1:
		c.TCR = v
	case a64.SysMAIREL1:
		c.MAIR = v
	case a64.SysDAIF:
		c.DAIF = v & DAIFAll
	case a64.SysCNTPTVALEL0:
		m.Timer.WriteTVAL(v)
	case a64.SysCNTPCTLEL0:
		m.Timer.WriteCTL(v)
	case a64.SysCNTPCVALEL0:
		m.Timer.WriteCVAL(v)
	default:
		// CurrentEL and CNTPCT_EL0 are read-only.
		return Trap(ESR(ECSysReg, 0), 0)
	}
	return nil
}

// executeInst runs one decoded instruction. Branches and ERET claim the
// PC through branchTo; Step advances it for everything else.
func (m *Machine) executeInst(inst a64.Inst) error {
	c := m.CPU
	switch inst.Op {
	case a64.OpNop:

	case a64.OpStpX:
		return m.execStpX(inst)
	case a64.OpLdpX:
		return m.execLdpX(inst)
	case a64.OpStpQ:
		return m.execStpQ(inst)
	case a64.OpLdpQ:
		return m.execLdpQ(inst)

	case a64.OpStr:
		base := m.readXOrSP(inst.Rn)
		if inst.Rn == 31 {
			if err := m.checkSPAlign(base); err != nil {
				return err
			}
		}
		return m.memWrite(base+uint64(inst.Imm), int(inst.Size), m.readX(inst.Rd))
	case a64.OpLdr:
		base := m.readXOrSP(inst.Rn)
		if inst.Rn == 31 {
			if err := m.checkSPAlign(base); err != nil {
				return err
			}
		}
		v, err := m.memRead(base+uint64(inst.Imm), int(inst.Size))
		if err != nil {
			return err
		}
		m.writeX(inst.Rd, v)

	case a64.OpMovZ:
		m.writeX(inst.Rd, uint64(inst.Imm)<<inst.Shift)
	case a64.OpMovK:
		v := m.readX(inst.Rd)&^(uint64(0xFFFF)<<inst.Shift) | uint64(inst.Imm)<<inst.Shift
		m.writeX(inst.Rd, v)
	case a64.OpMovN:
		m.writeX(inst.Rd, ^(uint64(inst.Imm) << inst.Shift))

	case a64.OpAddImm:
		m.writeXOrSP(inst.Rd, m.readXOrSP(inst.Rn)+uint64(inst.Imm))
	case a64.OpSubImm:
		m.writeXOrSP(inst.Rd, m.readXOrSP(inst.Rn)-uint64(inst.Imm))

	case a64.OpOrr:
		m.writeX(inst.Rd, m.readX(inst.Rn)|m.readX(inst.Rm)<<inst.Shift)
	case a64.OpEor:
		m.writeX(inst.Rd, m.readX(inst.Rn)^m.readX(inst.Rm)<<inst.Shift)
	case a64.OpAnd:
		m.writeX(inst.Rd, m.readX(inst.Rn)&m.readX(inst.Rm)<<inst.Shift)
	case a64.OpAddReg:
		m.writeX(inst.Rd, m.readX(inst.Rn)+m.readX(inst.Rm)<<inst.Shift)
	case a64.OpSubReg:
		m.writeX(inst.Rd, m.readX(inst.Rn)-m.readX(inst.Rm)<<inst.Shift)

	case a64.OpMrs:
		if c.EL == 0 && !sysRegEL0OK(inst.Sys) {
			return Trap(ESR(ECSysReg, 0), 0)
		}
		v, err := m.readSysReg(inst.Sys)
		if err != nil {
			return err
		}
		m.writeX(inst.Rd, v)
	case a64.OpMsr:
		if c.EL == 0 && !sysRegEL0OK(inst.Sys) {
			return Trap(ESR(ECSysReg, 0), 0)
		}
		return m.writeSysReg(inst.Sys, m.readX(inst.Rd))

	case a64.OpB:
		m.branchTo(uint64(int64(c.PC) + inst.Imm))
	case a64.OpBL:
		c.X[30] = c.PC + 4
		m.branchTo(uint64(int64(c.PC) + inst.Imm))
	case a64.OpBr:
		m.branchTo(m.readX(inst.Rn))
	case a64.OpBlr:
		target := m.readX(inst.Rn)
		c.X[30] = c.PC + 4
		m.branchTo(target)
	case a64.OpRet:
		m.branchTo(m.readX(inst.Rn))
	case a64.OpEret:
		return m.execEret()

	case a64.OpCbz:
		if m.readX(inst.Rd) == 0 {
			m.branchTo(uint64(int64(c.PC) + inst.Imm))
		}
	case a64.OpCbnz:
		if m.readX(inst.Rd) != 0 {
			m.branchTo(uint64(int64(c.PC) + inst.Imm))
		}

	case a64.OpSvc:
		return Trap(SyndromeSVC(uint16(inst.Imm)), 0)
	case a64.OpHvc:
		return Trap(ESR(ECHVC64, uint32(inst.Imm)), 0)
	case a64.OpBrk:
		return Trap(SyndromeBRK(uint16(inst.Imm)), 0)

	case a64.OpWfi:
		return m.idle()

	case a64.OpDsb:
		m.MMU.NoteBarrier(inst.Opt)
	case a64.OpIsb:
		m.MMU.NoteISB()
	case a64.OpTlbiVmalle1:
		if c.EL == 0 {
			return Trap(ESR(ECSysReg, 0), 0)
		}
		m.MMU.Invalidate()

	default:
		return Trap(ESR(ECUnknown, 0), 0)
	}
	return nil
}
