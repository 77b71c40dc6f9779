package a64

import (
	"encoding/binary"
	"fmt"
)

type branchKind uint8

const (
	branchB branchKind = iota
	branchBL
	branchCBZ
	branchCBNZ
)

type branchRef struct {
	label string
	pos   int // word index
	kind  branchKind
	rt    Reg
}

// Fragment assembles a sequence of instructions positioned at a fixed base
// address. Labels may be referenced before they are defined; branches are
// patched when Finalize runs. The first encoding error sticks and is
// reported by Finalize.
type Fragment struct {
	base     uint64
	words    []uint32
	labels   map[string]int
	branches []branchRef
	err      error
}

func NewFragment(base uint64) *Fragment {
	return &Fragment{base: base, labels: make(map[string]int)}
}

func (f *Fragment) emit(word uint32, err error) {
	if f.err == nil && err != nil {
		f.err = fmt.Errorf("a64: at +0x%x: %w", len(f.words)*4, err)
	}
	f.words = append(f.words, word)
}

// Base returns the address the fragment assembles at.
func (f *Fragment) Base() uint64 { return f.base }

// Len returns the current size of the fragment in bytes.
func (f *Fragment) Len() int { return len(f.words) * 4 }

// Label defines name at the current position.
func (f *Fragment) Label(name string) {
	if _, ok := f.labels[name]; ok && f.err == nil {
		f.err = fmt.Errorf("a64: label %q defined twice", name)
		return
	}
	f.labels[name] = len(f.words)
}

// Addr returns the absolute address of a defined label.
func (f *Fragment) Addr(name string) (uint64, error) {
	pos, ok := f.labels[name]
	if !ok {
		return 0, fmt.Errorf("a64: label %q not defined", name)
	}
	return f.base + uint64(pos)*4, nil
}

// PadTo appends fill words until the fragment is off bytes long.
func (f *Fragment) PadTo(off int, fill uint32) {
	if off%4 != 0 || off < f.Len() {
		if f.err == nil {
			f.err = fmt.Errorf("a64: cannot pad to offset 0x%x from 0x%x", off, f.Len())
		}
		return
	}
	for f.Len() < off {
		f.words = append(f.words, fill)
	}
}

// Finalize patches label branches and returns the encoded instruction
// stream, little-endian.
func (f *Fragment) Finalize() ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, br := range f.branches {
		target, ok := f.labels[br.label]
		if !ok {
			return nil, fmt.Errorf("a64: undefined label %q", br.label)
		}
		delta := target - br.pos
		switch br.kind {
		case branchB, branchBL:
			if delta < -(1<<25) || delta >= 1<<25 {
				return nil, fmt.Errorf("a64: branch to %q out of range", br.label)
			}
			f.words[br.pos] |= uint32(delta) & 0x03FFFFFF
		case branchCBZ, branchCBNZ:
			if delta < -(1<<18) || delta >= 1<<18 {
				return nil, fmt.Errorf("a64: branch to %q out of range", br.label)
			}
			f.words[br.pos] |= (uint32(delta) & 0x7FFFF) << 5
		}
	}
	out := make([]byte, len(f.words)*4)
	for i, word := range f.words {
		binary.LittleEndian.PutUint32(out[i*4:], word)
	}
	return out, nil
}

func (f *Fragment) StpPre(rt, rt2, rn Reg, imm int) {
	f.emit(encodePairX(rt, rt2, rn, imm, IndexPre, false))
}

func (f *Fragment) LdpPost(rt, rt2, rn Reg, imm int) {
	f.emit(encodePairX(rt, rt2, rn, imm, IndexPost, true))
}

func (f *Fragment) Stp(rt, rt2, rn Reg, imm int) {
	f.emit(encodePairX(rt, rt2, rn, imm, IndexSigned, false))
}

func (f *Fragment) Ldp(rt, rt2, rn Reg, imm int) {
	f.emit(encodePairX(rt, rt2, rn, imm, IndexSigned, true))
}

func (f *Fragment) StpQPre(qt, qt2 QReg, rn Reg, imm int) {
	f.emit(encodePairQ(qt, qt2, rn, imm, IndexPre, false))
}

func (f *Fragment) LdpQPost(qt, qt2 QReg, rn Reg, imm int) {
	f.emit(encodePairQ(qt, qt2, rn, imm, IndexPost, true))
}

func (f *Fragment) Str(rt, rn Reg, off int) { f.emit(encodeLoadStore(rt, rn, off, 8, false)) }
func (f *Fragment) Ldr(rt, rn Reg, off int) { f.emit(encodeLoadStore(rt, rn, off, 8, true)) }

func (f *Fragment) Str32(rt, rn Reg, off int) { f.emit(encodeLoadStore(rt, rn, off, 4, false)) }
func (f *Fragment) Ldr32(rt, rn Reg, off int) { f.emit(encodeLoadStore(rt, rn, off, 4, true)) }

func (f *Fragment) Strb(rt, rn Reg, off int) { f.emit(encodeLoadStore(rt, rn, off, 1, false)) }
func (f *Fragment) Ldrb(rt, rn Reg, off int) { f.emit(encodeLoadStore(rt, rn, off, 1, true)) }

func (f *Fragment) MovZ(rd Reg, imm uint16, shift uint) { f.emit(encodeMovz(rd, imm, shift)) }
func (f *Fragment) MovK(rd Reg, imm uint16, shift uint) { f.emit(encodeMovk(rd, imm, shift)) }
func (f *Fragment) MovN(rd Reg, imm uint16, shift uint) { f.emit(encodeMovn(rd, imm, shift)) }

// MovImm materializes a full 64-bit constant with MOVZ plus up to three
// MOVK instructions, skipping zero chunks.
func (f *Fragment) MovImm(rd Reg, value uint64) {
	first := true
	for shift := uint(0); shift < 64; shift += 16 {
		chunk := uint16(value >> shift)
		if first {
			f.MovZ(rd, chunk, shift)
			first = false
			continue
		}
		if chunk == 0 {
			continue
		}
		f.MovK(rd, chunk, shift)
	}
}

// MovReg copies between general registers. Register 31 reads as zero; use
// MovFromSP/MovToSP for the stack pointer.
func (f *Fragment) MovReg(rd, rm Reg) { f.emit(encodeLogicalReg(baseORR, rd, XZR, rm)) }

// MovFromSP copies the stack pointer into rd (ADD rd, sp, #0).
func (f *Fragment) MovFromSP(rd Reg) { f.emit(encodeAddSubImm(rd, SP, 0, false)) }

// MovToSP sets the stack pointer from rn (ADD sp, rn, #0).
func (f *Fragment) MovToSP(rn Reg) { f.emit(encodeAddSubImm(SP, rn, 0, false)) }

func (f *Fragment) AddImm(rd, rn Reg, imm int) { f.emit(encodeAddSubImm(rd, rn, imm, false)) }
func (f *Fragment) SubImm(rd, rn Reg, imm int) { f.emit(encodeAddSubImm(rd, rn, imm, true)) }

func (f *Fragment) OrrReg(rd, rn, rm Reg) { f.emit(encodeLogicalReg(baseORR, rd, rn, rm)) }
func (f *Fragment) EorReg(rd, rn, rm Reg) { f.emit(encodeLogicalReg(baseEOR, rd, rn, rm)) }
func (f *Fragment) AndReg(rd, rn, rm Reg) { f.emit(encodeLogicalReg(baseAND, rd, rn, rm)) }
func (f *Fragment) AddReg(rd, rn, rm Reg) { f.emit(encodeLogicalReg(baseADD, rd, rn, rm)) }
func (f *Fragment) SubReg(rd, rn, rm Reg) { f.emit(encodeLogicalReg(baseSUB, rd, rn, rm)) }

func (f *Fragment) Mrs(rt Reg, sr SysReg) { f.emit(encodeSystemReg(sr, rt, true)) }
func (f *Fragment) Msr(sr SysReg, rt Reg) { f.emit(encodeSystemReg(sr, rt, false)) }

func (f *Fragment) branchTo(label string, kind branchKind, word uint32) {
	f.branches = append(f.branches, branchRef{label: label, pos: len(f.words), kind: kind})
	f.words = append(f.words, word)
}

func (f *Fragment) B(label string) { f.branchTo(label, branchB, 0x14000000) }

func (f *Fragment) BL(label string) { f.branchTo(label, branchBL, 0x94000000) }

func (f *Fragment) Cbz(rt Reg, label string) {
	if err := rt.validate(); err != nil && f.err == nil {
		f.err = err
	}
	f.branchTo(label, branchCBZ, 0xB4000000|uint32(rt))
}

func (f *Fragment) Cbnz(rt Reg, label string) {
	if err := rt.validate(); err != nil && f.err == nil {
		f.err = err
	}
	f.branchTo(label, branchCBNZ, 0xB5000000|uint32(rt))
}

func (f *Fragment) Br(rn Reg) { f.emit(encodeBranchReg(baseBR, rn)) }

func (f *Fragment) Blr(rn Reg) { f.emit(encodeBranchReg(baseBLR, rn)) }

func (f *Fragment) Ret() { f.words = append(f.words, baseRET|uint32(LR)<<5) }

func (f *Fragment) Eret() { f.words = append(f.words, wordERET) }

func (f *Fragment) Svc(imm uint16) { f.words = append(f.words, encodeExceptionGen(baseSVC, imm)) }

func (f *Fragment) Hvc(imm uint16) { f.words = append(f.words, encodeExceptionGen(baseHVC, imm)) }

func (f *Fragment) Brk(imm uint16) { f.words = append(f.words, encodeExceptionGen(baseBRK, imm)) }

// BrkWord returns the encoded brk instruction, for use as pad fill.
func BrkWord(imm uint16) uint32 { return encodeExceptionGen(baseBRK, imm) }

func (f *Fragment) Nop() { f.words = append(f.words, wordNOP) }

// Wfi emits a wait-for-interrupt hint.
func (f *Fragment) Wfi() { f.words = append(f.words, wordWFI) }

func (f *Fragment) Dsb(opt uint8) { f.words = append(f.words, wordDSBBase|uint32(opt&0xF)<<8) }

func (f *Fragment) Isb() { f.words = append(f.words, wordISB) }

func (f *Fragment) TlbiVmalle1() { f.words = append(f.words, wordTLBIVMALLE1) }
