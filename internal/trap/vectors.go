package trap

import (
	"fmt"

	"github.com/tinyrange/el1/internal/a64"
	"github.com/tinyrange/el1/internal/aarch64"
)

// Immediates of the brk instructions the builder plants. padBRK fills
// the unused tail of each vector slot, so a stray branch into a slot
// traps instead of sliding into the next one. guardBRK sits directly
// behind the dispatch gate and is reached only if the dispatcher fails
// to redirect control.
const (
	padBRK   = 0xDEAD
	guardBRK = 0xF001
)

// Layout describes an emitted vector table: where it sits and the entry
// points a dispatcher needs. The shared routines follow the sixteen
// slots, so everything lives in one contiguous chunk of Code.
type Layout struct {
	Base     uint64 // table base, TableAlign aligned
	Save     uint64 // context save entry
	Restore  uint64 // context restore entry, the resume target
	Gate     uint64 // dispatch gate the host intercepts
	Epilogue uint64 // a stub epilogue, for fabricated frames
	Code     []byte
}

// SlotAddr returns the address of the vector slot for an origin and
// class pair.
func (l *Layout) SlotAddr(o aarch64.Origin, c aarch64.Class) uint64 {
	return l.Base + (uint64(o)*4+uint64(c))*aarch64.SlotBytes
}

// Build assembles the vector table and its shared routines at base,
// which must be aligned the way VBAR_EL1 requires.
//
// Each slot holds the same six-instruction stub, differing only in the
// origin and class it encodes:
//
//	stp  x29, x30, [sp, #-16]!
//	movz x29, #class
//	movk x29, #origin, lsl #16
//	bl   context_save
//	ldp  x29, x30, [sp], #16
//	eret
//
// The stub touches nothing beyond the pair it pushes and the scratch
// register that pair covers, and it never branches conditionally. All
// heavy lifting happens once, in the shared save and restore routines.
func Build(base uint64) (*Layout, error) {
	if base%aarch64.TableAlign != 0 {
		return nil, fmt.Errorf("trap: vector base 0x%x not aligned to %d", base, aarch64.TableAlign)
	}

	f := a64.NewFragment(base)
	for origin := 0; origin < 4; origin++ {
		for class := 0; class < 4; class++ {
			f.PadTo((origin*4+class)*aarch64.SlotBytes, a64.BrkWord(padBRK))
			f.StpPre(a64.X29, a64.X30, a64.SP, -16)
			f.MovZ(a64.X29, uint16(class), 0)
			f.MovK(a64.X29, uint16(origin), 16)
			f.BL("context_save")
			if origin == 0 && class == 0 {
				f.Label("epilogue")
			}
			f.LdpPost(a64.X29, a64.X30, a64.SP, 16)
			f.Eret()
		}
	}
	f.PadTo(aarch64.TableBytes, a64.BrkWord(padBRK))

	// Context save. On entry the stub has already pushed x29/x30, x29
	// holds the origin and class code, and x30 points back into the
	// stub. Registers are pushed from the top of the record down, so
	// the final stack pointer is the frame base. x28 pairs with the
	// stub return address; that slot is what lets restore's final
	// return find the stub that created the frame.
	f.Label("context_save")
	f.StpPre(a64.X28, a64.X30, a64.SP, -16)
	for r := 26; r >= 0; r -= 2 {
		f.StpPre(a64.Reg(r), a64.Reg(r+1), a64.SP, -16)
	}
	for q := 30; q >= 0; q -= 2 {
		f.StpQPre(a64.QReg(q), a64.QReg(q+1), a64.SP, -32)
	}
	// System state goes through x8/x9, which the pairs above captured.
	f.Mrs(a64.X8, a64.SysTTBR0EL1)
	f.Mrs(a64.X9, a64.SysTTBR1EL1)
	f.StpPre(a64.X8, a64.X9, a64.SP, -16)
	f.Mrs(a64.X8, a64.SysSPSREL1)
	f.Mrs(a64.X9, a64.SysELREL1)
	f.StpPre(a64.X8, a64.X9, a64.SP, -16)
	f.Mrs(a64.X8, a64.SysTPIDREL0)
	f.Mrs(a64.X9, a64.SysSPEL0)
	f.StpPre(a64.X8, a64.X9, a64.SP, -16)

	// Hand off: code, syndrome, frame base.
	f.MovReg(a64.X0, a64.X29)
	f.Mrs(a64.X1, a64.SysESREL1)
	f.MovFromSP(a64.X2)
	f.BL("el1_dispatch")

	// Context restore. Entered with the stack pointer on a frame base,
	// either by falling out of the dispatch call above or by a
	// dispatcher that moved the stack to a different frame first.
	f.Label("context_restore")
	f.LdpPost(a64.X8, a64.X9, a64.SP, 16)
	f.Msr(a64.SysTPIDREL0, a64.X8)
	f.Msr(a64.SysSPEL0, a64.X9)
	f.LdpPost(a64.X8, a64.X9, a64.SP, 16)
	f.Msr(a64.SysSPSREL1, a64.X8)
	f.Msr(a64.SysELREL1, a64.X9)

	// Translation bases. TLB maintenance costs more than the compare,
	// so it runs only when the incoming frame actually changes them:
	// complete outstanding table writes, drop stale entries, wait for
	// completion, then resynchronize the fetch side.
	f.LdpPost(a64.X8, a64.X9, a64.SP, 16)
	f.Mrs(a64.X10, a64.SysTTBR0EL1)
	f.Mrs(a64.X11, a64.SysTTBR1EL1)
	f.EorReg(a64.X10, a64.X10, a64.X8)
	f.EorReg(a64.X11, a64.X11, a64.X9)
	f.OrrReg(a64.X10, a64.X10, a64.X11)
	f.Msr(a64.SysTTBR0EL1, a64.X8)
	f.Msr(a64.SysTTBR1EL1, a64.X9)
	f.Cbz(a64.X10, "same_tables")
	f.Dsb(a64.BarrierISHST)
	f.TlbiVmalle1()
	f.Dsb(a64.BarrierISH)
	f.Isb()
	f.Label("same_tables")

	for q := 0; q <= 30; q += 2 {
		f.LdpQPost(a64.QReg(q), a64.QReg(q+1), a64.SP, 32)
	}
	for r := 0; r <= 26; r += 2 {
		f.LdpPost(a64.Reg(r), a64.Reg(r+1), a64.SP, 16)
	}
	// The last pair re-arms x30 with the save-time return address, so
	// this return lands in the epilogue of whichever stub created the
	// frame, not back at the dispatch call.
	f.LdpPost(a64.X28, a64.X30, a64.SP, 16)
	f.Ret()

	// The dispatch gate. The host intercepts the hvc; the brk behind it
	// catches a dispatcher that returns without moving control.
	f.Label("el1_dispatch")
	f.Hvc(0)
	f.Brk(guardBRK)

	code, err := f.Finalize()
	if err != nil {
		return nil, err
	}
	lay := &Layout{Base: base, Code: code}
	for _, part := range []struct {
		label string
		addr  *uint64
	}{
		{"context_save", &lay.Save},
		{"context_restore", &lay.Restore},
		{"el1_dispatch", &lay.Gate},
		{"epilogue", &lay.Epilogue},
	} {
		if *part.addr, err = f.Addr(part.label); err != nil {
			return nil, err
		}
	}
	return lay, nil
}

// Install builds the table at base, loads it into guest memory, and
// points VBAR_EL1 at it.
func Install(m *aarch64.Machine, base uint64) (*Layout, error) {
	lay, err := Build(base)
	if err != nil {
		return nil, err
	}
	if err := m.LoadBytes(base, lay.Code); err != nil {
		return nil, fmt.Errorf("trap: load vectors: %w", err)
	}
	m.CPU.VBAR = base
	return lay, nil
}

// Enter points the CPU at a frame and begins restoring it, exactly as a
// dispatcher resume does. It is the boot path: fabricate a first frame,
// store it at the top of the kernel stack, and enter it.
func (l *Layout) Enter(m *aarch64.Machine, ref FrameRef) {
	m.CPU.SetSP(uint64(ref))
	m.CPU.PC = l.Restore
}
