package aarch64

// Stage 1 translation: 4KiB granule, 39-bit virtual addresses, three table
// levels starting at L1. TTBR0_EL1 maps the low half of the address space
// (VA[63:39] all zero) and TTBR1_EL1 the high half (all ones).

const (
	pageShift = 12
	pageSize  = 1 << pageShift
	vaBits    = 39

	tlbSize = 512
)

// Translation descriptor bits.
const (
	DescValid = 1 << 0
	DescTable = 1 << 1 // table at L1/L2, page at L3
	DescAPEL0 = 1 << 6 // AP[1]: accessible from EL0
	DescAPRO  = 1 << 7 // AP[2]: read-only
	DescAF    = 1 << 10
	DescPXN   = 1 << 53
	DescUXN   = 1 << 54
)

// DescAddrMask selects the output address bits of a descriptor.
const DescAddrMask = 0x0000FFFFFFFFF000

type access uint8

const (
	accessRead access = iota
	accessWrite
	accessFetch
)

// tlbEntry caches a completed 4KiB translation along with its leaf
// descriptor, so permission checks on a hit see the attributes that were
// walked, not the ones currently in memory.
type tlbEntry struct {
	valid bool
	high  bool
	vpn   uint64
	ppn   uint64
	desc  uint64
}

// MMU performs stage 1 translation with a direct-mapped software TLB.
//
// The TLB is deliberately not tagged by translation base: entries filled
// under one TTBR value keep hitting after the register is rewritten, until
// a TLBI drops them. The required break-before-make sequence around an
// address space switch is therefore observable, and skipping it produces
// stale translations just as it would on hardware.
type MMU struct {
	cpu *CPU
	bus *Bus

	tlb [tlbSize]tlbEntry

	trace   []TraceEvent
	traceOn bool
}

// NewMMU creates an MMU for the given CPU and bus.
func NewMMU(cpu *CPU, bus *Bus) *MMU {
	return &MMU{cpu: cpu, bus: bus}
}

// Enabled reports whether stage 1 translation is on.
func (mmu *MMU) Enabled() bool {
	return mmu.cpu.SCTLR&SCTLRM != 0
}

// SetTrace enables or disables maintenance event recording.
func (mmu *MMU) SetTrace(on bool) { mmu.traceOn = on }

// Trace returns the recorded maintenance events.
func (mmu *MMU) Trace() []TraceEvent { return mmu.trace }

// ResetTrace discards recorded events.
func (mmu *MMU) ResetTrace() { mmu.trace = nil }

func (mmu *MMU) note(kind TraceKind, value uint64) {
	if mmu.traceOn {
		mmu.trace = append(mmu.trace, TraceEvent{Kind: kind, Value: value})
	}
}

// NoteTTBRWrite records a write to a translation base register. The TLB is
// left untouched; stale entries persist until a TLBI.
func (mmu *MMU) NoteTTBRWrite(which int, value uint64) {
	if which == 0 {
		mmu.note(TraceTTBR0Write, value)
	} else {
		mmu.note(TraceTTBR1Write, value)
	}
}

// NoteBarrier records a DSB with the given option.
func (mmu *MMU) NoteBarrier(opt uint8) { mmu.note(TraceBarrier, uint64(opt)) }

// NoteISB records an instruction synchronization barrier.
func (mmu *MMU) NoteISB() { mmu.note(TraceISB, 0) }

// Invalidate implements TLBI VMALLE1: every cached translation is dropped.
func (mmu *MMU) Invalidate() {
	mmu.FlushTLB()
	mmu.note(TraceTLBI, 0)
}

// FlushTLB drops all cached translations without recording an event.
func (mmu *MMU) FlushTLB() {
	for i := range mmu.tlb {
		mmu.tlb[i] = tlbEntry{}
	}
}

// TranslateFetch translates an instruction fetch address.
func (mmu *MMU) TranslateFetch(vaddr uint64) (uint64, error) {
	return mmu.translate(vaddr, accessFetch)
}

// TranslateRead translates a data read address.
func (mmu *MMU) TranslateRead(vaddr uint64) (uint64, error) {
	return mmu.translate(vaddr, accessRead)
}

// TranslateWrite translates a data write address.
func (mmu *MMU) TranslateWrite(vaddr uint64) (uint64, error) {
	return mmu.translate(vaddr, accessWrite)
}

func (mmu *MMU) translate(vaddr uint64, acc access) (uint64, error) {
	if !mmu.Enabled() {
		return vaddr, nil
	}

	// Half selection from the top bits.
	var high bool
	switch vaddr >> vaBits {
	case 0:
		high = false
	case 1<<(64-vaBits) - 1:
		high = true
	default:
		return 0, mmu.fault(acc, FSCTranslation, vaddr)
	}

	vpn := vaddr >> pageShift & (1<<(vaBits-pageShift) - 1)
	e := &mmu.tlb[vpn%tlbSize]
	if e.valid && e.high == high && e.vpn == vpn {
		if err := mmu.checkLeaf(e.desc, acc, 3, vaddr); err != nil {
			return 0, err
		}
		mmu.note(TraceTLBHit, vaddr)
		return e.ppn<<pageShift | vaddr&(pageSize-1), nil
	}

	paddr, desc, level, err := mmu.walk(vaddr, high, acc)
	if err != nil {
		return 0, err
	}
	if err := mmu.checkLeaf(desc, acc, level, vaddr); err != nil {
		return 0, err
	}
	// Only 4KiB pages are cached; block mappings walk every time.
	if level == 3 {
		*e = tlbEntry{valid: true, high: high, vpn: vpn, ppn: paddr >> pageShift, desc: desc}
	}
	return paddr, nil
}

// walk runs the three-level table walk and returns the physical address,
// the leaf descriptor, and the level it was found at.
func (mmu *MMU) walk(vaddr uint64, high bool, acc access) (uint64, uint64, int, error) {
	mmu.note(TraceWalk, vaddr)

	root := mmu.cpu.TTBR0
	if high {
		root = mmu.cpu.TTBR1
	}
	table := root & DescAddrMask

	for level := 1; ; level++ {
		shift := uint(pageShift + 9*(3-level))
		idx := vaddr >> shift & 0x1FF
		desc, err := mmu.bus.Read64(table + idx*8)
		if err != nil {
			return 0, 0, 0, mmu.fault(acc, FSCExternal, vaddr)
		}
		if desc&DescValid == 0 {
			return 0, 0, 0, mmu.fault(acc, FSCTranslation+uint8(level), vaddr)
		}
		if level == 3 {
			if desc&DescTable == 0 {
				// Reserved encoding at L3.
				return 0, 0, 0, mmu.fault(acc, FSCTranslation+3, vaddr)
			}
			return desc&DescAddrMask | vaddr&(pageSize-1), desc, 3, nil
		}
		if desc&DescTable != 0 {
			table = desc & DescAddrMask
			continue
		}
		// Block descriptor: 1GiB at L1, 2MiB at L2.
		span := uint64(1)<<shift - 1
		return desc & DescAddrMask &^ span | vaddr&span, desc, level, nil
	}
}

// checkLeaf enforces access flag and permission bits of a leaf descriptor.
func (mmu *MMU) checkLeaf(desc uint64, acc access, level int, vaddr uint64) error {
	if desc&DescAF == 0 {
		return mmu.fault(acc, FSCAccessFlag+uint8(level), vaddr)
	}
	el0 := mmu.cpu.EL == 0
	switch acc {
	case accessFetch:
		if el0 {
			if desc&DescUXN != 0 || desc&DescAPEL0 == 0 {
				return mmu.fault(acc, FSCPermission+uint8(level), vaddr)
			}
		} else if desc&DescPXN != 0 {
			return mmu.fault(acc, FSCPermission+uint8(level), vaddr)
		}
	case accessWrite:
		if desc&DescAPRO != 0 || (el0 && desc&DescAPEL0 == 0) {
			return mmu.fault(acc, FSCPermission+uint8(level), vaddr)
		}
	default:
		if el0 && desc&DescAPEL0 == 0 {
			return mmu.fault(acc, FSCPermission+uint8(level), vaddr)
		}
	}
	return nil
}

func (mmu *MMU) fault(acc access, fsc uint8, vaddr uint64) error {
	lower := mmu.cpu.EL == 0
	if acc == accessFetch {
		return Trap(SyndromeInsnAbort(lower, fsc), vaddr)
	}
	return Trap(SyndromeDataAbort(lower, acc == accessWrite, fsc), vaddr)
}
