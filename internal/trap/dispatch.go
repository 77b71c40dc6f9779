package trap

import (
	"errors"
	"log/slog"

	"github.com/tinyrange/el1/internal/aarch64"
)

var (
	// ErrNoVectors is returned when delivery is attempted before a
	// vector table has been installed.
	ErrNoVectors = errors.New("no vector table installed")

	// ErrNoResume is returned when a handler finishes a delivery
	// without calling Resume or Halt.
	ErrNoResume = errors.New("dispatch returned without resume or halt")

	// ErrDoubleResume is returned when a handler resolves the same
	// delivery twice. Exactly one Resume or Halt is allowed.
	ErrDoubleResume = errors.New("dispatch resolved twice")
)

// Handler receives every delivered exception. It must finish each
// Context with exactly one Resume or Halt; the frame it resumes decides
// what runs next.
type Handler interface {
	Handle(*Context)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(*Context)

func (fn HandlerFunc) Handle(c *Context) { fn(c) }

// Config adjusts dispatcher behavior.
type Config struct {
	// UnmaskDuringDispatch re-enables IRQ and FIQ while a synchronous
	// delivery is being handled instead of leaving everything masked
	// until the exception return. A pending interrupt then preempts the
	// dispatcher and nests a frame below the live one. Interrupt-class
	// deliveries stay masked regardless: the controller is flat, so
	// there is no higher priority to admit, and the line being handled
	// is still high. The restore sequence itself always runs masked; an
	// interrupt landing between the SPSR write and the exception return
	// would tear the frame.
	UnmaskDuringDispatch bool
}

// Context is one delivered exception. Combined carries the origin and
// class the entry stub encoded; Syndrome is only meaningful for the
// synchronous and SError classes, since interrupts do not write ESR_EL1.
type Context struct {
	Combined uint64
	Origin   aarch64.Origin
	Class    aarch64.Class
	ESR      uint64
	Syndrome Syndrome
	Frame    FrameRef

	d       *Dispatcher
	done    bool
	resumed bool
	halted  bool
	err     error
}

// Machine returns the machine the exception was delivered on.
func (c *Context) Machine() *aarch64.Machine { return c.d.m }

// Layout returns the installed vector table layout.
func (c *Context) Layout() *Layout { return c.d.lay }

// ReadFrame decodes the delivery's own frame.
func (c *Context) ReadFrame() (*Frame, error) {
	return ReadFrame(c.d.m, c.Frame)
}

// WriteFrame overwrites the delivery's own frame, typically after
// editing a few fields of what ReadFrame returned.
func (c *Context) WriteFrame(f *Frame) error {
	return f.Store(c.d.m, c.Frame)
}

// Resume finishes the delivery by restoring the given frame: the stack
// moves to ref and control re-enters the restore routine. Passing
// c.Frame continues the interrupted context; any other frame boundary
// switches to whatever that frame holds.
func (c *Context) Resume(ref FrameRef) {
	if c.done {
		c.err = ErrDoubleResume
		return
	}
	c.done = true
	c.resumed = true
	cpu := c.d.m.CPU
	cpu.SetSP(uint64(ref))
	cpu.PC = c.d.lay.Restore
}

// Halt finishes the delivery by stopping the machine with an exit code.
func (c *Context) Halt(code uint64) {
	if c.done {
		c.err = ErrDoubleResume
		return
	}
	c.done = true
	c.halted = true
	c.d.exitCode = code
	c.d.m.Halt()
}

// Deliver injects a nested exception as if it were raised here and runs
// it to completion. The nested frame lands directly below this one.
func (c *Context) Deliver(class aarch64.Class, esr, far uint64) error {
	return c.d.m.Deliver(class, esr, far)
}

// Dispatcher owns the host side of the dispatch gate: it turns each gate
// crossing into a Context and hands it to the handler.
type Dispatcher struct {
	m        *aarch64.Machine
	lay      *Layout
	handler  Handler
	cfg      Config
	observer func(*Context)
	exitCode uint64
}

// NewDispatcher binds a handler to an installed vector table.
func NewDispatcher(m *aarch64.Machine, lay *Layout, h Handler, cfg Config) *Dispatcher {
	d := &Dispatcher{m: m, lay: lay, handler: h, cfg: cfg}
	m.SetHostCall(lay.Gate, d.dispatch)
	return d
}

// ExitCode returns the code of the Halt that stopped the machine.
func (d *Dispatcher) ExitCode() uint64 { return d.exitCode }

// Observe registers fn to run on every delivery before the handler sees
// it. Observers inspect the context; resolving it stays with the
// handler.
func (d *Dispatcher) Observe(fn func(*Context)) { d.observer = fn }

// dispatch runs once per gate crossing. The save routine left the
// combined code, the syndrome, and the frame base in the first three
// argument registers.
func (d *Dispatcher) dispatch() error {
	cpu := d.m.CPU
	code := cpu.X[0]
	ctx := &Context{
		Combined: code,
		Origin:   aarch64.Origin(code >> 16 & 0xFFFF),
		Class:    aarch64.Class(code & 0xFFFF),
		ESR:      cpu.X[1],
		Syndrome: DecodeSyndrome(cpu.X[1]),
		Frame:    FrameRef(cpu.X[2]),
		d:        d,
	}
	slog.Debug("trap: deliver",
		"origin", ctx.Origin, "class", ctx.Class,
		"syndrome", ctx.Syndrome, "frame", uint64(ctx.Frame), "depth", d.m.TrapDepth())
	if d.observer != nil {
		d.observer(ctx)
	}

	unmask := d.cfg.UnmaskDuringDispatch && ctx.Class == aarch64.ClassSync
	if unmask {
		cpu.DAIF &^= aarch64.PSRI | aarch64.PSRF
		for {
			delivered, err := d.m.PollInterrupt()
			if err != nil {
				return err
			}
			if !delivered {
				break
			}
		}
	}

	d.handler.Handle(ctx)

	if unmask {
		cpu.DAIF |= aarch64.PSRI | aarch64.PSRF
	}
	switch {
	case ctx.err != nil:
		return ctx.err
	case ctx.halted:
		return aarch64.ErrHalt
	case !ctx.resumed:
		return ErrNoResume
	}
	return nil
}
