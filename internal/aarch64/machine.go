package aarch64

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tinyrange/el1/internal/a64"
)

// ErrHalt is returned when the machine is halted.
var ErrHalt = errors.New("machine halted")

// MaxTrapDepth bounds exception nesting. A guest that keeps trapping from
// its own vector slots would otherwise recurse forever.
const MaxTrapDepth = 64

// FatalError reports a state the model cannot continue from: the dispatch
// gate guard was reached, the nesting limit was exceeded, or the guest
// idled with no wakeup source.
type FatalError struct {
	PC     uint64
	Reason string
}

func (e FatalError) Error() string {
	return fmt.Sprintf("fatal at pc=0x%x: %s", e.PC, e.Reason)
}

// Machine is a complete EL1/EL0 system: CPU, bus, MMU, interrupt
// controller, counter-timer, and console.
type Machine struct {
	CPU     *CPU
	Bus     *Bus
	MMU     *MMU
	Intc    *Intc
	Timer   *Timer
	Console *Console

	// Halt flag
	halted atomic.Bool

	// Pending SError latch
	serror atomic.Bool

	// Stop on write to physical address 0
	stopOnZero bool

	// Host call gate (see SetHostCall)
	hostCallPC uint64
	hostCall   func() error

	// Outstanding exception count: raised on every vectoring, lowered on
	// every ERET. Deliver uses it to find its matching return.
	trapDepth int

	// Set when an instruction writes the PC; Step advances it otherwise.
	branched bool
}

// NewMachine creates a machine with the given amount of RAM. Console
// output goes to output, which may be nil.
func NewMachine(ramSize uint64, output io.Writer) *Machine {
	bus := NewBus(ramSize)
	cpu := NewCPU()
	mmu := NewMMU(cpu, bus)
	intc := NewIntc()
	timer := NewTimer(cpu, intc, IRQLineTimer)
	console := NewConsole(output, intc, IRQLineConsole)

	bus.AddDevice(IntcBase, intc)
	bus.AddDevice(ConsoleBase, console)

	return &Machine{
		CPU:     cpu,
		Bus:     bus,
		MMU:     mmu,
		Intc:    intc,
		Timer:   timer,
		Console: console,
	}
}

// Reset returns the machine to its power-on state.
func (m *Machine) Reset() {
	m.CPU.Reset()
	m.MMU.FlushTLB()
	m.MMU.ResetTrace()
	m.Intc.Reset()
	m.Timer.Reset()
	m.halted.Store(false)
	m.serror.Store(false)
	m.trapDepth = 0
}

// SetPC sets the program counter.
func (m *Machine) SetPC(pc uint64) {
	m.CPU.PC = pc
}

// GetPC gets the program counter.
func (m *Machine) GetPC() uint64 {
	return m.CPU.PC
}

// branchTo redirects execution to target, claiming the PC for this
// step. A branch landing on its own address holds there.
func (m *Machine) branchTo(target uint64) {
	m.CPU.PC = target
	m.branched = true
}

// SetStopOnZero enables halting when the guest writes to physical
// address 0.
func (m *Machine) SetStopOnZero(enable bool) {
	m.stopOnZero = enable
}

// SetHostCall registers fn as the handler for an HVC executed at pc. The
// HVC completes with the PC on the following instruction before fn runs,
// so a handler that neither redirects the guest nor fails lands on the
// guard slot there. An HVC anywhere else vectors as an undefined
// instruction.
func (m *Machine) SetHostCall(pc uint64, fn func() error) {
	m.hostCallPC = pc
	m.hostCall = fn
}

// PostSError latches an SError. It is delivered before the next
// instruction once PSTATE.A is clear, and may be called from another
// goroutine.
func (m *Machine) PostSError() {
	m.serror.Store(true)
}

// LoadBytes loads data into memory at the given physical address.
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// MemoryBase returns the base address of RAM.
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM.
func (m *Machine) MemorySize() uint64 {
	return m.Bus.RAM.Size()
}

// TrapDepth returns the number of outstanding exceptions.
func (m *Machine) TrapDepth() int {
	return m.trapDepth
}

// pendingInterrupt selects the highest priority unmasked asynchronous
// exception: SError, then FIQ, then IRQ. A reported SError is consumed.
func (m *Machine) pendingInterrupt() (Class, uint64, bool) {
	c := m.CPU
	if m.serror.Load() && c.DAIF&PSRA == 0 {
		m.serror.Store(false)
		return ClassSError, SyndromeSError(), true
	}
	if m.Intc.FIQPending() && c.DAIF&PSRF == 0 {
		return ClassFIQ, 0, true
	}
	if m.Intc.IRQPending() && c.DAIF&PSRI == 0 {
		return ClassIRQ, 0, true
	}
	return 0, 0, false
}

// take vectors an exception: current state to SPSR_EL1, return address to
// ELR_EL1, then EL1h with everything masked and the PC on the slot the
// origin and class select. ESR and FAR are only written for synchronous
// and SError classes; interrupts leave them untouched.
func (m *Machine) take(class Class, esr, far, elr uint64) error {
	if m.trapDepth >= MaxTrapDepth {
		return FatalError{PC: m.CPU.PC, Reason: fmt.Sprintf("exception nesting deeper than %d", MaxTrapDepth)}
	}
	c := m.CPU
	origin := c.Origin()
	c.SPSR = c.PSTATE()
	c.ELR = elr
	if class == ClassSync || class == ClassSError {
		c.ESR = esr
		c.FAR = far
	}
	c.EL = 1
	c.SPSel = true
	c.A32 = false
	c.DAIF = DAIFAll
	c.PC = c.VBAR + (uint64(origin)*4+uint64(class))*SlotBytes
	m.trapDepth++
	return nil
}

// handleTrapErr vectors a synchronous exception raised by the instruction
// at pc. An HVC at the registered gate becomes a host call instead; the
// guard slot behind the gate is fatal to reach.
func (m *Machine) handleTrapErr(err error, pc uint64) error {
	var trap TrapError
	if !errors.As(err, &trap) {
		return err
	}
	switch ec := ESRClass(trap.ESR); ec {
	case ECHVC64:
		if m.hostCall != nil && pc == m.hostCallPC {
			m.CPU.PC = pc + 4
			return m.hostCall()
		}
		// There is no EL2 to call; away from the gate the word is
		// undefined.
		return m.take(ClassSync, ESR(ECUnknown, 0), 0, pc)
	case ECBRK64:
		if m.hostCall != nil && pc == m.hostCallPC+4 {
			return FatalError{PC: pc, Reason: "dispatch gate guard reached: handler returned without resuming"}
		}
	case ECSVC64:
		// The preferred return for SVC is the following instruction.
		return m.take(ClassSync, trap.ESR, trap.FAR, pc+4)
	}
	return m.take(ClassSync, trap.ESR, trap.FAR, pc)
}

// execEret restores PSTATE from SPSR_EL1 and the PC from ELR_EL1, closing
// the innermost outstanding exception.
func (m *Machine) execEret() error {
	if m.CPU.EL == 0 {
		return Trap(ESR(ECUnknown, 0), 0)
	}
	if m.trapDepth > 0 {
		m.trapDepth--
	}
	m.CPU.SetPSTATE(m.CPU.SPSR)
	m.branchTo(m.CPU.ELR)
	return nil
}

// idle implements WFI. A pending enabled interrupt completes it
// immediately, masked or not. Otherwise the counter is warped to the
// timer deadline, since the instruction count is the only clock. A guest
// idling with nothing to wake it is stuck, which is fatal.
func (m *Machine) idle() error {
	if m.serror.Load() || m.Intc.IRQPending() || m.Intc.FIQPending() {
		return nil
	}
	if deadline, ok := m.Timer.Deadline(); ok {
		m.CPU.Instret = deadline
		m.Timer.Tick()
		return nil
	}
	return FatalError{PC: m.CPU.PC, Reason: "wfi with no wakeup source"}
}

// Step executes a single instruction, delivering any pending interrupt
// first.
func (m *Machine) Step() error {
	if m.halted.Load() {
		return ErrHalt
	}

	if class, esr, ok := m.pendingInterrupt(); ok {
		return m.take(class, esr, 0, m.CPU.PC)
	}

	pc := m.CPU.PC
	if m.CPU.A32 {
		// The core only interprets A64. A 32-bit task traps on its first
		// instruction, which is enough to model AArch32 user code taking
		// the lower-EL AArch32 vectors.
		return m.take(ClassSync, ESR(ECUnknown, 0), 0, pc)
	}
	if pc&3 != 0 {
		return m.take(ClassSync, ESR(ECPCAlign, 0), pc, pc)
	}

	paddr, err := m.MMU.TranslateFetch(pc)
	if err != nil {
		return m.handleTrapErr(err, pc)
	}
	word, err := m.Bus.Fetch(paddr)
	if err != nil {
		return m.take(ClassSync, SyndromeInsnAbort(m.CPU.EL == 0, FSCExternal), pc, pc)
	}

	m.branched = false
	if err := m.executeInst(a64.Decode(word)); err != nil {
		m.CPU.PC = pc
		return m.handleTrapErr(err, pc)
	}
	if !m.branched {
		m.CPU.PC += 4
	}
	m.CPU.Instret++
	m.Timer.Tick()
	return nil
}

// Deliver injects an exception of the given class as if it arrived now
// and runs the guest until the matching ERET, so nested injections from a
// host handler unwind in order. A runaway guest can be stopped with Halt
// from another goroutine.
func (m *Machine) Deliver(class Class, esr, far uint64) error {
	entry := m.trapDepth
	if err := m.take(class, esr, far, m.CPU.PC); err != nil {
		return err
	}
	for m.trapDepth > entry {
		if err := m.Step(); err != nil {
			return err
		}
	}
	return nil
}

// PollInterrupt delivers one pending unmasked asynchronous exception, if
// any, and runs the guest until its handling completes. It reports
// whether one was delivered.
func (m *Machine) PollInterrupt() (bool, error) {
	class, esr, ok := m.pendingInterrupt()
	if !ok {
		return false, nil
	}
	return true, m.Deliver(class, esr, 0)
}

// Run steps the machine until it halts or the context is cancelled,
// checking the context every yieldAfter instructions.
func (m *Machine) Run(ctx context.Context, yieldAfter int64) error {
	if yieldAfter <= 0 {
		yieldAfter = 100000
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for i := int64(0); i < yieldAfter; i++ {
			if err := m.Step(); err != nil {
				if errors.Is(err, ErrHalt) {
					return ErrHalt
				}
				return fmt.Errorf("step at pc=0x%x: %w", m.CPU.PC, err)
			}
		}
	}
}

// Halt stops the machine.
func (m *Machine) Halt() {
	m.halted.Store(true)
}

// IsHalted returns true if the machine is halted.
func (m *Machine) IsHalted() bool {
	return m.halted.Load()
}

// AddDevice adds a device to the bus.
func (m *Machine) AddDevice(base uint64, dev Device) {
	m.Bus.AddDevice(base, dev)
}

// ReadAt reads from guest physical memory.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	if err := m.Bus.ReadBytes(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	if err := m.Bus.LoadBytes(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}
