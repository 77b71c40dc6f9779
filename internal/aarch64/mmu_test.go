package aarch64

import (
	"errors"
	"testing"

	"github.com/tinyrange/el1/internal/a64"
)

func wr64(t *testing.T, m *Machine, addr, val uint64) {
	t.Helper()
	if err := m.Bus.Write64(addr, val); err != nil {
		t.Fatalf("write 0x%x: %v", addr, err)
	}
}

func wantTrap(t *testing.T, err error, ec uint8, fsc uint8) TrapError {
	t.Helper()
	var trap TrapError
	if !errors.As(err, &trap) {
		t.Fatalf("expected a trap, got %v", err)
	}
	if got := ESRClass(trap.ESR); got != ec {
		t.Fatalf("exception class 0x%x, want 0x%x", got, ec)
	}
	if got := uint8(ESRISS(trap.ESR) & 0x3F); got != fsc {
		t.Fatalf("fault status 0x%x, want 0x%x", got, fsc)
	}
	return trap
}

func TestTranslateDisabled(t *testing.T) {
	m := NewMachine(4*1024*1024, nil)
	pa, err := m.MMU.TranslateRead(RAMBase + 0x500)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if pa != RAMBase+0x500 {
		t.Fatalf("disabled translation moved address to 0x%x", pa)
	}
}

func TestWalkThreeLevels(t *testing.T) {
	m := NewMachine(64*1024*1024, nil)
	l1 := uint64(RAMBase + 0x10000)
	l2 := uint64(RAMBase + 0x11000)
	l3 := uint64(RAMBase + 0x12000)
	page := uint64(RAMBase + 0x20000)

	wr64(t, m, l1, l2|DescValid|DescTable)
	wr64(t, m, l2, l3|DescValid|DescTable)
	wr64(t, m, l3+1*8, page|DescValid|DescTable|DescAF)

	m.CPU.TTBR0 = l1
	m.CPU.SCTLR |= SCTLRM

	pa, err := m.MMU.TranslateRead(0x1234)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if pa != page+0x234 {
		t.Fatalf("translated to 0x%x, want 0x%x", pa, page+0x234)
	}
}

func TestBlockMapping(t *testing.T) {
	m := NewMachine(64*1024*1024, nil)
	l1 := uint64(RAMBase + 0x10000)

	// 1GiB identity block over RAM: VA bits [63:39] zero, L1 index 1.
	wr64(t, m, l1+1*8, RAMBase|DescValid|DescAF)

	m.CPU.TTBR0 = l1
	m.CPU.SCTLR |= SCTLRM

	pa, err := m.MMU.TranslateFetch(RAMBase + 0x4abc)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if pa != RAMBase+0x4abc {
		t.Fatalf("block mapping translated to 0x%x", pa)
	}
}

func TestTranslationFaults(t *testing.T) {
	m := NewMachine(64*1024*1024, nil)
	l1 := uint64(RAMBase + 0x10000)
	l2 := uint64(RAMBase + 0x11000)
	l3 := uint64(RAMBase + 0x12000)
	page := uint64(RAMBase + 0x20000)

	wr64(t, m, l1, l2|DescValid|DescTable)
	wr64(t, m, l2, l3|DescValid|DescTable)
	wr64(t, m, l3+1*8, page|DescValid|DescTable|DescAF)                   // kernel rw
	wr64(t, m, l3+2*8, page|DescValid|DescTable|DescAF|DescAPRO)          // kernel ro
	wr64(t, m, l3+4*8, page|DescValid|DescTable)                          // AF clear
	wr64(t, m, l3+5*8, page|DescValid|DescTable|DescAF|DescAPEL0|DescUXN) // user data, no exec

	m.CPU.TTBR0 = l1
	m.CPU.SCTLR |= SCTLRM

	// Unmapped L3 entry.
	_, err := m.MMU.TranslateRead(0x3000)
	wantTrap(t, err, ECDAbortCur, FSCTranslation+3)

	// Address in neither half.
	_, err = m.MMU.TranslateRead(0x0000800000000000)
	wantTrap(t, err, ECDAbortCur, FSCTranslation)

	// Write to a read-only page.
	_, err = m.MMU.TranslateWrite(0x2000)
	trap := wantTrap(t, err, ECDAbortCur, FSCPermission+3)
	if ESRISS(trap.ESR)&ISSWnR == 0 {
		t.Fatalf("write fault missing WnR bit: esr=0x%x", trap.ESR)
	}
	if trap.FAR != 0x2000 {
		t.Fatalf("FAR=0x%x, want 0x2000", trap.FAR)
	}

	// Access flag fault.
	_, err = m.MMU.TranslateRead(0x4000)
	wantTrap(t, err, ECDAbortCur, FSCAccessFlag+3)

	// EL0 reading a kernel page uses the lower-EL class. The page was
	// translated above, so this also checks permissions on the TLB hit
	// path.
	m.CPU.EL = 0
	_, err = m.MMU.TranslateRead(0x1000)
	wantTrap(t, err, ECDAbortLow, FSCPermission+3)

	// EL0 executing a UXN page.
	_, err = m.MMU.TranslateFetch(0x5000)
	wantTrap(t, err, ECIAbortLow, FSCPermission+3)
}

func TestTLBStaleAcrossTTBRSwitch(t *testing.T) {
	m := NewMachine(64*1024*1024, nil)

	build := func(l1, l2, l3, page uint64) {
		wr64(t, m, l1, l2|DescValid|DescTable)
		wr64(t, m, l2, l3|DescValid|DescTable)
		wr64(t, m, l3+2*8, page|DescValid|DescTable|DescAF)
	}
	root1 := uint64(RAMBase + 0x10000)
	root2 := uint64(RAMBase + 0x14000)
	pageA := uint64(RAMBase + 0x20000)
	pageB := uint64(RAMBase + 0x21000)
	build(root1, RAMBase+0x11000, RAMBase+0x12000, pageA)
	build(root2, RAMBase+0x15000, RAMBase+0x16000, pageB)

	m.CPU.TTBR0 = root1
	m.CPU.SCTLR |= SCTLRM

	pa, err := m.MMU.TranslateRead(0x2000)
	if err != nil {
		t.Fatalf("first translate: %v", err)
	}
	if pa != pageA {
		t.Fatalf("first translate to 0x%x, want 0x%x", pa, pageA)
	}

	// Switch roots without maintenance: the old translation must keep
	// hitting.
	m.CPU.TTBR0 = root2
	pa, err = m.MMU.TranslateRead(0x2000)
	if err != nil {
		t.Fatalf("stale translate: %v", err)
	}
	if pa != pageA {
		t.Fatalf("translation refreshed without a TLBI: got 0x%x", pa)
	}

	m.MMU.Invalidate()
	pa, err = m.MMU.TranslateRead(0x2000)
	if err != nil {
		t.Fatalf("fresh translate: %v", err)
	}
	if pa != pageB {
		t.Fatalf("post-TLBI translate to 0x%x, want 0x%x", pa, pageB)
	}
}

// TestAddressSpaceSwitchOrdering runs the full switch sequence as guest
// code and checks the recorded maintenance events: the new base is
// written, the stale entry is still served, then dsb ishst, tlbi, dsb
// ish, isb, and only then a fresh walk.
func TestAddressSpaceSwitchOrdering(t *testing.T) {
	m := NewMachine(64*1024*1024, nil)
	m.SetStopOnZero(true)
	m.MMU.SetTrace(true)

	build := func(l1, l2, l3, page uint64) {
		// Identity block for the code region plus one 4KiB data page at
		// VA 0x2000.
		wr64(t, m, l1+1*8, RAMBase|DescValid|DescAF)
		wr64(t, m, l1, l2|DescValid|DescTable)
		wr64(t, m, l2, l3|DescValid|DescTable)
		wr64(t, m, l3+2*8, page|DescValid|DescTable|DescAF)
	}
	root1 := uint64(RAMBase + 0x10000)
	root2 := uint64(RAMBase + 0x14000)
	pageA := uint64(RAMBase + 0x20000)
	pageB := uint64(RAMBase + 0x21000)
	build(root1, RAMBase+0x11000, RAMBase+0x12000, pageA)
	build(root2, RAMBase+0x15000, RAMBase+0x16000, pageB)
	wr64(t, m, pageA, 0x11)
	wr64(t, m, pageB, 0x22)

	f := a64.NewFragment(RAMBase)
	f.MovImm(a64.X0, root1)
	f.Msr(a64.SysTTBR0EL1, a64.X0)
	f.MovZ(a64.X1, SCTLRM, 0)
	f.Msr(a64.SysSCTLREL1, a64.X1)
	f.MovImm(a64.X2, 0x2000)
	f.Ldr(a64.X3, a64.X2, 0) // fills the TLB
	f.MovImm(a64.X4, root2)
	f.Msr(a64.SysTTBR0EL1, a64.X4)
	f.Ldr(a64.X5, a64.X2, 0) // stale
	f.Dsb(a64.BarrierISHST)
	f.TlbiVmalle1()
	f.Dsb(a64.BarrierISH)
	f.Isb()
	f.Ldr(a64.X6, a64.X2, 0) // fresh
	f.Msr(a64.SysSCTLREL1, a64.XZR)
	f.MovZ(a64.X9, 0, 0)
	f.Str(a64.X9, a64.X9, 0)

	loadFragment(t, m, f)
	m.SetPC(RAMBase)
	runToHalt(t, m)

	if m.CPU.X[3] != 0x11 {
		t.Fatalf("first read got 0x%x, want 0x11", m.CPU.X[3])
	}
	if m.CPU.X[5] != 0x11 {
		t.Fatalf("stale read got 0x%x: TLB refreshed without maintenance", m.CPU.X[5])
	}
	if m.CPU.X[6] != 0x22 {
		t.Fatalf("post-maintenance read got 0x%x, want 0x22", m.CPU.X[6])
	}

	ev := m.MMU.Trace()
	i := scanTrace(t, ev, 0, "ttbr0 switch", func(e TraceEvent) bool {
		return e.Kind == TraceTTBR0Write && e.Value == root2
	})
	i = scanTrace(t, ev, i, "stale hit", func(e TraceEvent) bool {
		return e.Kind == TraceTLBHit && e.Value == 0x2000
	})
	i = scanTrace(t, ev, i, "dsb ishst", func(e TraceEvent) bool {
		return e.Kind == TraceBarrier && e.Value == a64.BarrierISHST
	})
	i = scanTrace(t, ev, i, "tlbi", func(e TraceEvent) bool {
		return e.Kind == TraceTLBI
	})
	i = scanTrace(t, ev, i, "dsb ish", func(e TraceEvent) bool {
		return e.Kind == TraceBarrier && e.Value == a64.BarrierISH
	})
	i = scanTrace(t, ev, i, "isb", func(e TraceEvent) bool {
		return e.Kind == TraceISB
	})
	scanTrace(t, ev, i, "fresh walk", func(e TraceEvent) bool {
		return e.Kind == TraceWalk && e.Value == 0x2000
	})
}

func scanTrace(t *testing.T, events []TraceEvent, from int, what string, match func(TraceEvent) bool) int {
	t.Helper()
	for i := from; i < len(events); i++ {
		if match(events[i]) {
			return i
		}
	}
	t.Fatalf("trace missing %s after index %d", what, from)
	return -1
}
