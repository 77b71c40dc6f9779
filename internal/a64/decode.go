package a64

import "fmt"

// Op identifies a decoded instruction class.
type Op uint8

const (
	OpUnknown Op = iota
	OpStpX       // store pair, 64-bit
	OpLdpX       // load pair, 64-bit
	OpStpQ       // store pair, 128-bit SIMD
	OpLdpQ       // load pair, 128-bit SIMD
	OpStr        // store register, unsigned offset
	OpLdr        // load register, unsigned offset
	OpMovZ
	OpMovK
	OpMovN
	OpAddImm
	OpSubImm
	OpOrr
	OpEor
	OpAnd
	OpAddReg
	OpSubReg
	OpMrs
	OpMsr
	OpB
	OpBL
	OpBr
	OpBlr
	OpRet
	OpEret
	OpCbz
	OpCbnz
	OpSvc
	OpHvc
	OpBrk
	OpNop
	OpWfi
	OpDsb
	OpIsb
	OpTlbiVmalle1
)

var opNames = map[Op]string{
	OpUnknown:     "unknown",
	OpStpX:        "stp",
	OpLdpX:        "ldp",
	OpStpQ:        "stp.q",
	OpLdpQ:        "ldp.q",
	OpStr:         "str",
	OpLdr:         "ldr",
	OpMovZ:        "movz",
	OpMovK:        "movk",
	OpMovN:        "movn",
	OpAddImm:      "add",
	OpSubImm:      "sub",
	OpOrr:         "orr",
	OpEor:         "eor",
	OpAnd:         "and",
	OpAddReg:      "add",
	OpSubReg:      "sub",
	OpMrs:         "mrs",
	OpMsr:         "msr",
	OpB:           "b",
	OpBL:          "bl",
	OpBr:          "br",
	OpBlr:         "blr",
	OpRet:         "ret",
	OpEret:        "eret",
	OpCbz:         "cbz",
	OpCbnz:        "cbnz",
	OpSvc:         "svc",
	OpHvc:         "hvc",
	OpBrk:         "brk",
	OpNop:         "nop",
	OpWfi:         "wfi",
	OpDsb:         "dsb",
	OpIsb:         "isb",
	OpTlbiVmalle1: "tlbi vmalle1",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", op)
}

// Inst is a decoded instruction. Only the fields relevant to the Op are
// populated.
type Inst struct {
	Op    Op
	Rd    Reg // destination / transfer register
	Rn    Reg // base / source register
	Rm    Reg // second source register
	Rt2   Reg // second transfer register of a pair
	Imm   int64
	Shift uint8     // wide-move hw field *16, or register shift amount
	Index IndexMode // pair addressing mode
	Size  uint8     // load/store width in bytes
	Sys   SysReg
	Opt   uint8 // barrier option
}

func signExtend(value uint32, bits uint) int64 {
	shift := 64 - bits
	return int64(uint64(value)<<shift) >> shift
}

// Decode classifies one instruction word. Words outside the supported
// subset decode to OpUnknown; the machine turns those into an undefined
// instruction trap.
func Decode(word uint32) Inst {
	switch {
	case word == wordNOP:
		return Inst{Op: OpNop}
	case word == wordISB:
		return Inst{Op: OpIsb}
	case word == wordERET:
		return Inst{Op: OpEret}
	case word == wordTLBIVMALLE1:
		return Inst{Op: OpTlbiVmalle1}
	}

	switch word & 0xFFFFF0FF {
	case wordDSBBase:
		return Inst{Op: OpDsb, Opt: uint8(word >> 8 & 0xF)}
	}

	// Hint space: WFI is significant, other hints execute as NOP, the
	// architected behavior for unallocated hints.
	if word&0xFFFFF01F == 0xD503201F {
		if word>>5&0x7F == 3 {
			return Inst{Op: OpWfi}
		}
		return Inst{Op: OpNop}
	}

	switch word & 0xFFE0001F {
	case baseSVC:
		return Inst{Op: OpSvc, Imm: int64(word >> 5 & 0xFFFF)}
	case baseHVC:
		return Inst{Op: OpHvc, Imm: int64(word >> 5 & 0xFFFF)}
	case baseBRK:
		return Inst{Op: OpBrk, Imm: int64(word >> 5 & 0xFFFF)}
	}

	switch word & 0xFFFFFC1F {
	case baseBR:
		return Inst{Op: OpBr, Rn: Reg(word >> 5 & 0x1F)}
	case baseBLR:
		return Inst{Op: OpBlr, Rn: Reg(word >> 5 & 0x1F)}
	case baseRET:
		return Inst{Op: OpRet, Rn: Reg(word >> 5 & 0x1F)}
	}

	switch word & 0xFFF00000 {
	case 0xD5300000:
		return Inst{Op: OpMrs, Rd: Reg(word & 0x1F), Sys: SysReg(word >> 5 & 0x7FFF)}
	case 0xD5100000:
		return Inst{Op: OpMsr, Rd: Reg(word & 0x1F), Sys: SysReg(word >> 5 & 0x7FFF)}
	}

	switch word & 0xFC000000 {
	case 0x14000000:
		return Inst{Op: OpB, Imm: signExtend(word&0x03FFFFFF, 26) * 4}
	case 0x94000000:
		return Inst{Op: OpBL, Imm: signExtend(word&0x03FFFFFF, 26) * 4}
	}

	switch word & 0xFF000000 {
	case 0xB4000000:
		return Inst{Op: OpCbz, Rd: Reg(word & 0x1F), Imm: signExtend(word>>5&0x7FFFF, 19) * 4}
	case 0xB5000000:
		return Inst{Op: OpCbnz, Rd: Reg(word & 0x1F), Imm: signExtend(word>>5&0x7FFFF, 19) * 4}
	}

	// Wide moves, 64-bit.
	switch word & 0xFF800000 {
	case 0xD2800000, 0xF2800000, 0x92800000:
		inst := Inst{
			Rd:    Reg(word & 0x1F),
			Imm:   int64(word >> 5 & 0xFFFF),
			Shift: uint8(word>>21&3) * 16,
		}
		switch word & 0xFF800000 {
		case 0xD2800000:
			inst.Op = OpMovZ
		case 0xF2800000:
			inst.Op = OpMovK
		default:
			inst.Op = OpMovN
		}
		return inst
	}

	// Add/subtract immediate, 64-bit.
	if word>>23 == 0x122 || word>>23 == 0x1A2 {
		inst := Inst{
			Op:  OpAddImm,
			Rd:  Reg(word & 0x1F),
			Rn:  Reg(word >> 5 & 0x1F),
			Imm: int64(word >> 10 & 0xFFF),
		}
		if word>>22&1 == 1 {
			inst.Imm <<= 12
		}
		if word>>23 == 0x1A2 {
			inst.Op = OpSubImm
		}
		return inst
	}

	// Logical/arithmetic shifted register, 64-bit, LSL shift only.
	switch word & 0xFF200000 {
	case baseORR, baseEOR, baseAND, baseADD, baseSUB:
		if word>>22&3 != 0 {
			return Inst{Op: OpUnknown}
		}
		inst := Inst{
			Rd:    Reg(word & 0x1F),
			Rn:    Reg(word >> 5 & 0x1F),
			Rm:    Reg(word >> 16 & 0x1F),
			Shift: uint8(word >> 10 & 0x3F),
		}
		switch word & 0xFF200000 {
		case baseORR:
			inst.Op = OpOrr
		case baseEOR:
			inst.Op = OpEor
		case baseAND:
			inst.Op = OpAnd
		case baseADD:
			inst.Op = OpAddReg
		default:
			inst.Op = OpSubReg
		}
		return inst
	}

	// Register pair load/store.
	if word>>30 == 2 && word>>27&7 == 5 {
		mode := IndexMode(0xFF)
		switch word >> 23 & 7 {
		case 1:
			mode = IndexPost
		case 2:
			mode = IndexSigned
		case 3:
			mode = IndexPre
		}
		if mode != IndexMode(0xFF) {
			simd := word>>26&1 == 1
			scale := int64(8)
			if simd {
				scale = 16
			}
			inst := Inst{
				Rd:    Reg(word & 0x1F),
				Rt2:   Reg(word >> 10 & 0x1F),
				Rn:    Reg(word >> 5 & 0x1F),
				Imm:   signExtend(word>>15&0x7F, 7) * scale,
				Index: mode,
			}
			load := word>>22&1 == 1
			switch {
			case simd && load:
				inst.Op = OpLdpQ
			case simd:
				inst.Op = OpStpQ
			case load:
				inst.Op = OpLdpX
			default:
				inst.Op = OpStpX
			}
			return inst
		}
	}

	// Unsigned-offset load/store, 64/32/8-bit.
	switch word & 0xFFC00000 {
	case 0xF9000000, 0xF9400000, 0xB9000000, 0xB9400000, 0x39000000, 0x39400000:
		var size uint8
		switch word >> 30 {
		case 3:
			size = 8
		case 2:
			size = 4
		default:
			size = 1
		}
		inst := Inst{
			Op:   OpStr,
			Rd:   Reg(word & 0x1F),
			Rn:   Reg(word >> 5 & 0x1F),
			Imm:  int64(word>>10&0xFFF) * int64(size),
			Size: size,
		}
		if word>>22&1 == 1 {
			inst.Op = OpLdr
		}
		return inst
	}

	return Inst{Op: OpUnknown}
}
