// Package el1 runs AArch64 exception-level-1 entry and exit on a small
// modeled machine. A Machine owns an emulated core with a vector table
// installed; every exception the guest takes is saved into a trap frame
// and handed to a Go Handler, which picks the frame that runs next.
// The Scheduler builds preemptive multitasking on top of that contract,
// or callers can bind a Handler of their own.
package el1

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/el1/internal/aarch64"
	"github.com/tinyrange/el1/internal/trap"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/trap and internal/aarch64
// -----------------------------------------------------------------------------

// Frame is the host view of one saved context record.
type Frame = trap.Frame

// FrameRef is the guest address of a frame base.
type FrameRef = trap.FrameRef

// Context is one delivered exception. A Handler must finish each Context
// with exactly one Resume or Halt.
type Context = trap.Context

// Handler receives every delivered exception.
type Handler = trap.Handler

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc = trap.HandlerFunc

// Layout describes an installed vector table and its entry points.
type Layout = trap.Layout

// IRQ routes claimed interrupt lines to registered handlers.
type IRQ = trap.IRQ

// IRQHandler services one claimed interrupt line.
type IRQHandler = trap.IRQHandler

// Syndrome is a decoded ESR_EL1 value.
type Syndrome = trap.Syndrome

// Kind classifies a decoded syndrome.
type Kind = trap.Kind

// Fault names the cause of an instruction or data abort.
type Fault = trap.Fault

// Origin classifies the state an exception is taken from: the vector
// table row.
type Origin = aarch64.Origin

// Class is the architectural exception class: the vector table column.
type Class = aarch64.Class

// TraceEvent records one ordering-relevant translation event.
type TraceEvent = aarch64.TraceEvent

// TraceKind labels an entry in the translation maintenance trace.
type TraceKind = aarch64.TraceKind

// FrameBytes is the size of one saved context record.
const FrameBytes = trap.FrameBytes

// Exception origins.
const (
	OriginEL1SP0 = aarch64.OriginEL1SP0
	OriginEL1SPx = aarch64.OriginEL1SPx
	OriginEL0A64 = aarch64.OriginEL0A64
	OriginEL0A32 = aarch64.OriginEL0A32
)

// Exception classes.
const (
	ClassSync   = aarch64.ClassSync
	ClassIRQ    = aarch64.ClassIRQ
	ClassFIQ    = aarch64.ClassFIQ
	ClassSError = aarch64.ClassSError
)

// Syndrome kinds.
const (
	KindUnknown          = trap.KindUnknown
	KindWFx              = trap.KindWFx
	KindSIMDFP           = trap.KindSIMDFP
	KindIllegalState     = trap.KindIllegalState
	KindSVC              = trap.KindSVC
	KindHVC              = trap.KindHVC
	KindSMC              = trap.KindSMC
	KindMsrMrs           = trap.KindMsrMrs
	KindInstructionAbort = trap.KindInstructionAbort
	KindPCAlignment      = trap.KindPCAlignment
	KindDataAbort        = trap.KindDataAbort
	KindSPAlignment      = trap.KindSPAlignment
	KindFPException      = trap.KindFPException
	KindSError           = trap.KindSError
	KindBreakpoint       = trap.KindBreakpoint
	KindStep             = trap.KindStep
	KindWatchpoint       = trap.KindWatchpoint
	KindBRK              = trap.KindBRK
	KindOther            = trap.KindOther
)

// Abort fault causes.
const (
	FaultAddressSize = trap.FaultAddressSize
	FaultTranslation = trap.FaultTranslation
	FaultAccessFlag  = trap.FaultAccessFlag
	FaultPermission  = trap.FaultPermission
	FaultAlignment   = trap.FaultAlignment
	FaultTLBConflict = trap.FaultTLBConflict
	FaultOther       = trap.FaultOther
)

// Fixed interrupt line assignments.
const (
	IRQLineTimer   = aarch64.IRQLineTimer
	IRQLineConsole = aarch64.IRQLineConsole
)

// PSTATE fields, for fabricating frame SPSR values by hand.
const (
	PSRModeEL0t = aarch64.PSRModeEL0t
	PSRModeEL1t = aarch64.PSRModeEL1t
	PSRModeEL1h = aarch64.PSRModeEL1h

	PSRF = aarch64.PSRF
	PSRI = aarch64.PSRI
	PSRA = aarch64.PSRA
	PSRD = aarch64.PSRD

	PSRV = aarch64.PSRV
	PSRC = aarch64.PSRC
	PSRZ = aarch64.PSRZ
	PSRN = aarch64.PSRN

	// DAIFAll masks every asynchronous exception.
	DAIFAll = aarch64.DAIFAll
)

// Common sentinel errors.
var (
	// ErrNoVectors is returned when a machine is used before a vector
	// table has been installed, which New always does.
	ErrNoVectors = trap.ErrNoVectors

	// ErrNoResume is returned when a handler finishes a delivery
	// without calling Resume or Halt.
	ErrNoResume = trap.ErrNoResume

	// ErrDoubleResume is returned when a handler resolves the same
	// delivery twice.
	ErrDoubleResume = trap.ErrDoubleResume

	// ErrNoHandler is returned by Run when no handler has been bound.
	ErrNoHandler = errors.New("no trap handler bound")
)

// NewIRQ returns an empty interrupt line registry.
func NewIRQ() *IRQ {
	return trap.NewIRQ()
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Unmask policies for Config.
const (
	UnmaskAtEret     = "eret"
	UnmaskInDispatch = "dispatch"
)

// Config describes a Machine. The zero value is usable; defaults fill in
// wherever a field is zero.
type Config struct {
	// MemoryMB is the RAM size in megabytes. Defaults to 64.
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`

	// VectorBase is the guest address the vector table is installed at.
	// It must be 2 KiB aligned. Defaults to 64 KiB past the start of
	// RAM.
	VectorBase uint64 `yaml:"vectorBase,omitempty"`

	// Unmask picks when interrupts are accepted again during a
	// delivery: UnmaskAtEret holds everything off until the exception
	// return, UnmaskInDispatch re-enables IRQ and FIQ while a
	// synchronous delivery is being handled.
	Unmask string `yaml:"unmask,omitempty"`

	// TimerInterval arms the generic timer to fire every this many
	// instructions. Zero leaves the timer off, which under the
	// Scheduler also disables preemption and sleep wakeups.
	TimerInterval uint64 `yaml:"timerInterval,omitempty"`

	// Trace records translation maintenance events for inspection
	// through Machine.Trace.
	Trace bool `yaml:"trace,omitempty"`
}

func (c *Config) normalize() {
	if c.MemoryMB == 0 {
		c.MemoryMB = 64
	}
	if c.VectorBase == 0 {
		c.VectorBase = aarch64.RAMBase + 0x10000
	}
	if c.Unmask == "" {
		c.Unmask = UnmaskAtEret
	}
}

// LoadConfig reads a Config from a YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// -----------------------------------------------------------------------------
// Machine
// -----------------------------------------------------------------------------

// Machine couples the modeled core with an installed vector table and
// the dispatch plumbing behind it.
type Machine struct {
	cfg Config
	sys *aarch64.Machine
	lay *trap.Layout
	d   *trap.Dispatcher
}

// New builds a machine from cfg and installs the vector table. Console
// output goes to out, which may be nil.
func New(cfg Config, out io.Writer) (*Machine, error) {
	cfg.normalize()
	switch cfg.Unmask {
	case UnmaskAtEret, UnmaskInDispatch:
	default:
		return nil, fmt.Errorf("unknown unmask policy %q", cfg.Unmask)
	}

	sys := aarch64.NewMachine(cfg.MemoryMB<<20, out)
	lay, err := trap.Install(sys, cfg.VectorBase)
	if err != nil {
		return nil, err
	}
	sys.MMU.SetTrace(cfg.Trace)

	return &Machine{cfg: cfg, sys: sys, lay: lay}, nil
}

// Handle binds h as the machine's trap handler. Exactly one handler may
// be bound over the machine's life; NewScheduler binds its own.
func (m *Machine) Handle(h Handler) error {
	if m.lay == nil {
		return ErrNoVectors
	}
	if m.d != nil {
		return errors.New("handler already bound")
	}
	m.d = trap.NewDispatcher(m.sys, m.lay, h, trap.Config{
		UnmaskDuringDispatch: m.cfg.Unmask == UnmaskInDispatch,
	})
	return nil
}

// Observe registers fn to run on every delivery before the bound
// handler sees it. Observers inspect the context and must not resolve
// it. A handler has to be bound first.
func (m *Machine) Observe(fn func(*Context)) error {
	if m.d == nil {
		return ErrNoHandler
	}
	m.d.Observe(fn)
	return nil
}

// Run executes the machine until it halts or ctx is cancelled. A clean
// halt returns nil; the code passed to Halt is available from ExitCode.
func (m *Machine) Run(ctx context.Context) error {
	if m.lay == nil {
		return ErrNoVectors
	}
	if m.d == nil {
		return ErrNoHandler
	}
	err := m.sys.Run(ctx, 10000)
	if errors.Is(err, aarch64.ErrHalt) {
		return nil
	}
	return err
}

// Config returns the normalized configuration the machine was built
// with.
func (m *Machine) Config() Config { return m.cfg }

// Layout returns the installed vector table layout.
func (m *Machine) Layout() *Layout { return m.lay }

// ExitCode returns the code passed to the Halt that stopped the machine.
func (m *Machine) ExitCode() uint64 {
	if m.d == nil {
		return 0
	}
	return m.d.ExitCode()
}

// MemoryBase returns the guest address where RAM starts.
func (m *Machine) MemoryBase() uint64 { return m.sys.MemoryBase() }

// MemorySize returns the RAM size in bytes.
func (m *Machine) MemorySize() uint64 { return m.sys.MemorySize() }

// Load copies data into guest memory at addr.
func (m *Machine) Load(addr uint64, data []byte) error {
	return m.sys.LoadBytes(addr, data)
}

// NewTaskFrame fabricates a frame that, when restored, enters a fresh
// 64-bit EL0 context at entry with the given user stack.
func (m *Machine) NewTaskFrame(entry, sp uint64) *Frame {
	return m.lay.NewTaskFrame(entry, sp)
}

// Enter points the core at the frame stored at ref and begins restoring
// it, the same path a handler resume takes. It is the boot entry: store
// a fabricated frame, Enter it, then Run.
func (m *Machine) Enter(ref FrameRef) {
	m.lay.Enter(m.sys, ref)
}

// PostSError latches a pending system error, delivered on the SError
// vector at the next instruction boundary that unmasks it.
func (m *Machine) PostSError() {
	m.sys.PostSError()
}

// ReadAt implements io.ReaderAt over guest physical memory, so frames
// can be loaded straight off the machine with ReadFrame.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	return m.sys.ReadAt(p, off)
}

// WriteAt implements io.WriterAt over guest physical memory.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	return m.sys.WriteAt(p, off)
}

// ReadFrame decodes the frame stored at ref.
func (m *Machine) ReadFrame(ref FrameRef) (*Frame, error) {
	return trap.ReadFrame(m, ref)
}

// Trace returns the translation maintenance events recorded since the
// machine was built, when Config.Trace is set.
func (m *Machine) Trace() []TraceEvent {
	return m.sys.MMU.Trace()
}
