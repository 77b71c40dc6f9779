package a64

import "fmt"

// Pair load/store, 64-bit integer registers. imm is the byte offset and
// must be a multiple of 8 in [-512, 504].
func encodePairX(rt, rt2, rn Reg, imm int, mode IndexMode, load bool) (uint32, error) {
	if err := rt.validate(); err != nil {
		return 0, err
	}
	if err := rt2.validate(); err != nil {
		return 0, err
	}
	if err := rn.validate(); err != nil {
		return 0, err
	}
	if imm%8 != 0 || imm < -512 || imm > 504 {
		return 0, fmt.Errorf("a64: pair offset out of range (%d)", imm)
	}
	word := uint32(0xA8000000)
	switch mode {
	case IndexSigned:
		word |= 2 << 23
	case IndexPre:
		word |= 3 << 23
	case IndexPost:
		word |= 1 << 23
	default:
		return 0, fmt.Errorf("a64: invalid pair index mode %d", mode)
	}
	if load {
		word |= 1 << 22
	}
	imm7 := uint32(imm/8) & 0x7F
	return word | imm7<<15 | uint32(rt2)<<10 | uint32(rn)<<5 | uint32(rt), nil
}

// Pair load/store, 128-bit SIMD registers. imm must be a multiple of 16 in
// [-1024, 1008].
func encodePairQ(qt, qt2 QReg, rn Reg, imm int, mode IndexMode, load bool) (uint32, error) {
	if err := qt.validate(); err != nil {
		return 0, err
	}
	if err := qt2.validate(); err != nil {
		return 0, err
	}
	if err := rn.validate(); err != nil {
		return 0, err
	}
	if imm%16 != 0 || imm < -1024 || imm > 1008 {
		return 0, fmt.Errorf("a64: SIMD pair offset out of range (%d)", imm)
	}
	word := uint32(0xAC000000)
	switch mode {
	case IndexSigned:
		word |= 2 << 23
	case IndexPre:
		word |= 3 << 23
	case IndexPost:
		word |= 1 << 23
	default:
		return 0, fmt.Errorf("a64: invalid pair index mode %d", mode)
	}
	if load {
		word |= 1 << 22
	}
	imm7 := uint32(imm/16) & 0x7F
	return word | imm7<<15 | uint32(qt2)<<10 | uint32(rn)<<5 | uint32(qt), nil
}

// Unsigned-offset load/store. size is the access width in bytes (1, 4 or 8)
// and the offset must be size-aligned.
func encodeLoadStore(rt, rn Reg, off int, size int, load bool) (uint32, error) {
	if err := rt.validate(); err != nil {
		return 0, err
	}
	if err := rn.validate(); err != nil {
		return 0, err
	}
	var base uint32
	switch size {
	case 8:
		base = 0xF9000000
	case 4:
		base = 0xB9000000
	case 1:
		base = 0x39000000
	default:
		return 0, fmt.Errorf("a64: unsupported load/store width %d", size)
	}
	if load {
		base |= 1 << 22
	}
	if off < 0 || off%size != 0 || off/size > 0xFFF {
		return 0, fmt.Errorf("a64: load/store offset out of range (%d)", off)
	}
	return base | uint32(off/size)<<10 | uint32(rn)<<5 | uint32(rt), nil
}

func encodeMovWide(base uint32, rd Reg, imm uint16, shift uint) (uint32, error) {
	if err := rd.validate(); err != nil {
		return 0, err
	}
	if shift%16 != 0 || shift > 48 {
		return 0, fmt.Errorf("a64: invalid wide move shift %d", shift)
	}
	return base | uint32(shift/16)<<21 | uint32(imm)<<5 | uint32(rd), nil
}

func encodeMovz(rd Reg, imm uint16, shift uint) (uint32, error) {
	return encodeMovWide(0xD2800000, rd, imm, shift)
}

func encodeMovk(rd Reg, imm uint16, shift uint) (uint32, error) {
	return encodeMovWide(0xF2800000, rd, imm, shift)
}

func encodeMovn(rd Reg, imm uint16, shift uint) (uint32, error) {
	return encodeMovWide(0x92800000, rd, imm, shift)
}

func encodeAddSubImm(rd, rn Reg, imm int, sub bool) (uint32, error) {
	if err := rd.validate(); err != nil {
		return 0, err
	}
	if err := rn.validate(); err != nil {
		return 0, err
	}
	if imm < 0 || imm > 0xFFF {
		return 0, fmt.Errorf("a64: immediate out of range for ADD/SUB (%d)", imm)
	}
	base := uint32(0x91000000)
	if sub {
		base = 0xD1000000
	}
	return base | uint32(imm)<<10 | uint32(rn)<<5 | uint32(rd), nil
}

func encodeLogicalReg(base uint32, rd, rn, rm Reg) (uint32, error) {
	if err := rd.validate(); err != nil {
		return 0, err
	}
	if err := rn.validate(); err != nil {
		return 0, err
	}
	if err := rm.validate(); err != nil {
		return 0, err
	}
	return base | uint32(rm)<<16 | uint32(rn)<<5 | uint32(rd), nil
}

func encodeSystemReg(sr SysReg, rt Reg, load bool) (uint32, error) {
	if err := rt.validate(); err != nil {
		return 0, err
	}
	base := uint32(0xD5100000) // MSR
	if load {
		base = 0xD5300000 // MRS
	}
	return base | uint32(sr)<<5 | uint32(rt), nil
}

func encodeExceptionGen(base uint32, imm uint16) uint32 {
	return base | uint32(imm)<<5
}

func encodeBranchReg(base uint32, rn Reg) (uint32, error) {
	if err := rn.validate(); err != nil {
		return 0, err
	}
	return base | uint32(rn)<<5, nil
}

const (
	wordNOP         = 0xD503201F
	wordWFI         = 0xD503207F
	wordISB         = 0xD5033FDF
	wordERET        = 0xD69F03E0
	wordTLBIVMALLE1 = 0xD508871F
	wordDSBBase     = 0xD503309F

	baseSVC = 0xD4000001
	baseHVC = 0xD4000002
	baseBRK = 0xD4200000

	baseBR  = 0xD61F0000
	baseBLR = 0xD63F0000
	baseRET = 0xD65F0000

	baseORR = 0xAA000000
	baseEOR = 0xCA000000
	baseAND = 0x8A000000
	baseADD = 0x8B000000
	baseSUB = 0xCB000000
)
