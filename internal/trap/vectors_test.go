package trap

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/tinyrange/el1/internal/a64"
	"github.com/tinyrange/el1/internal/aarch64"
)

func decodeAt(lay *Layout, off int) a64.Inst {
	return a64.Decode(binary.LittleEndian.Uint32(lay.Code[off:]))
}

func TestBuildRejectsMisalignedBase(t *testing.T) {
	for _, base := range []uint64{aarch64.RAMBase + 4, aarch64.RAMBase + 1024} {
		if _, err := Build(base); err == nil {
			t.Errorf("build at 0x%x succeeded, want an alignment error", base)
		}
	}
}

func TestSlotGeometry(t *testing.T) {
	base := uint64(aarch64.RAMBase)
	lay, err := Build(base)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if lay.Save != base+aarch64.TableBytes {
		t.Fatalf("save at 0x%x, want directly after the table at 0x%x", lay.Save, base+aarch64.TableBytes)
	}
	if lay.Epilogue != base+16 {
		t.Fatalf("epilogue at 0x%x, want the first stub's pop at 0x%x", lay.Epilogue, base+16)
	}
	if lay.Restore <= lay.Save || lay.Gate <= lay.Restore {
		t.Fatalf("routine order save=0x%x restore=0x%x gate=0x%x", lay.Save, lay.Restore, lay.Gate)
	}

	saveOff := int(lay.Save - base)
	for origin := 0; origin < 4; origin++ {
		for class := 0; class < 4; class++ {
			off := (origin*4 + class) * aarch64.SlotBytes

			push := decodeAt(lay, off)
			if push.Op != a64.OpStpX || push.Index != a64.IndexPre ||
				push.Rd != a64.X29 || push.Rt2 != a64.X30 || push.Rn != a64.SP || push.Imm != -16 {
				t.Fatalf("slot %d/%d word 0 = %+v, want stp x29, x30, [sp, #-16]!", origin, class, push)
			}
			lo := decodeAt(lay, off+4)
			if lo.Op != a64.OpMovZ || lo.Rd != a64.X29 || lo.Imm != int64(class) || lo.Shift != 0 {
				t.Fatalf("slot %d/%d word 1 = %+v, want movz x29, #%d", origin, class, lo, class)
			}
			hi := decodeAt(lay, off+8)
			if hi.Op != a64.OpMovK || hi.Rd != a64.X29 || hi.Imm != int64(origin) || hi.Shift != 16 {
				t.Fatalf("slot %d/%d word 2 = %+v, want movk x29, #%d, lsl #16", origin, class, hi, origin)
			}
			call := decodeAt(lay, off+12)
			if call.Op != a64.OpBL || call.Imm != int64(saveOff-(off+12)) {
				t.Fatalf("slot %d/%d word 3 = %+v, want bl to the save routine", origin, class, call)
			}
			pop := decodeAt(lay, off+16)
			if pop.Op != a64.OpLdpX || pop.Index != a64.IndexPost || pop.Imm != 16 {
				t.Fatalf("slot %d/%d word 4 = %+v, want ldp x29, x30, [sp], #16", origin, class, pop)
			}
			if ret := decodeAt(lay, off+20); ret.Op != a64.OpEret {
				t.Fatalf("slot %d/%d word 5 = %+v, want eret", origin, class, ret)
			}

			// The rest of the slot traps rather than sliding onward.
			for pad := off + 24; pad < off+aarch64.SlotBytes; pad += 4 {
				guard := decodeAt(lay, pad)
				if guard.Op != a64.OpBrk || guard.Imm != padBRK {
					t.Fatalf("slot %d/%d padding at +0x%x = %+v, want brk", origin, class, pad-off, guard)
				}
			}
		}
	}

	// Restore begins by popping a pair; the gate is an hvc with a brk
	// guard, and nothing follows it.
	first := decodeAt(lay, int(lay.Restore-base))
	if first.Op != a64.OpLdpX || first.Index != a64.IndexPost {
		t.Fatalf("restore begins with %+v, want ldp post-index", first)
	}
	gateOff := int(lay.Gate - base)
	if inst := decodeAt(lay, gateOff); inst.Op != a64.OpHvc || inst.Imm != 0 {
		t.Fatalf("gate word = %+v, want hvc #0", inst)
	}
	if inst := decodeAt(lay, gateOff+4); inst.Op != a64.OpBrk || inst.Imm != guardBRK {
		t.Fatalf("gate guard = %+v, want brk", inst)
	}
	if gateOff+8 != len(lay.Code) {
		t.Fatalf("code continues %d bytes past the gate guard", len(lay.Code)-gateOff-8)
	}
}

func TestSlotAddr(t *testing.T) {
	lay, err := Build(aarch64.RAMBase)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got := lay.SlotAddr(aarch64.OriginEL0A64, aarch64.ClassIRQ)
	want := uint64(aarch64.RAMBase) + (2*4+1)*aarch64.SlotBytes
	if got != want {
		t.Fatalf("slot address 0x%x, want 0x%x", got, want)
	}
}

func TestInstall(t *testing.T) {
	m := aarch64.NewMachine(64*1024*1024, nil)
	base := uint64(aarch64.RAMBase + 0x10000)

	lay, err := Install(m, base)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if m.CPU.VBAR != base {
		t.Fatalf("vbar 0x%x, want 0x%x", m.CPU.VBAR, base)
	}

	loaded := make([]byte, len(lay.Code))
	if _, err := m.ReadAt(loaded, int64(base)); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(loaded, lay.Code) {
		t.Fatal("loaded vectors differ from the built code")
	}

	if _, err := Install(m, base+8); err == nil {
		t.Fatal("misaligned install succeeded")
	}
}
