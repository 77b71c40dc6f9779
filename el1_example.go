//go:build ignore

// This file demonstrates every public API in the el1 package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	el1 "github.com/tinyrange/el1"
)

// A tiny EL0 program, assembled by hand. It prints a letter derived
// from its task id a few times, then exits.
var program = []uint32{
	0xD2800073, // movz x19, #3
	0xD40000A1, // svc  #5            ; getpid -> x0
	0x91010000, // add  x0, x0, #64   ; task id to letter
	0xD4000081, // svc  #4            ; write x0 to the console
	0xD1000673, // sub  x19, x19, #1
	0xB5FFFF93, // cbnz x19, back to the getpid
	0xD2800000, // movz x0, #0
	0xD4000061, // svc  #3            ; exit 0
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// =========================================================================
	// Config - machine description, also loadable from YAML with LoadConfig
	// =========================================================================
	cfg := el1.Config{
		MemoryMB:      64,
		TimerInterval: 500,              // preemption tick, in instructions
		Unmask:        el1.UnmaskAtEret, // or el1.UnmaskInDispatch
		Trace:         true,
	}

	// =========================================================================
	// Machine + Scheduler - preemptive multitasking over the trap path
	// =========================================================================
	var console bytes.Buffer
	m, err := el1.New(cfg, &console)
	if err != nil {
		return fmt.Errorf("new machine: %w", err)
	}

	sched, err := el1.NewScheduler(m)
	if err != nil {
		return fmt.Errorf("new scheduler: %w", err)
	}

	// Device lines beyond the timer can be routed through the
	// scheduler's registry.
	sched.IRQ().Register(el1.IRQLineConsole, func(ctx *el1.Context, line int) {
		fmt.Printf("console interrupt on line %d\n", line)
	})

	// Observers see every delivery before the handler does.
	deliveries := 0
	if err := m.Observe(func(*el1.Context) { deliveries++ }); err != nil {
		return fmt.Errorf("observe: %w", err)
	}

	// Load the program and spawn two tasks sharing its code.
	code := make([]byte, 0, len(program)*4)
	for _, w := range program {
		code = binary.LittleEndian.AppendUint32(code, w)
	}
	entry := m.MemoryBase() + 0x40000
	if err := m.Load(entry, code); err != nil {
		return fmt.Errorf("load program: %w", err)
	}

	ta := sched.Spawn(entry)
	tb := sched.Spawn(entry)

	if err := sched.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	fmt.Printf("console output: %q\n", console.String())
	fmt.Printf("exit code: %d\n", m.ExitCode())
	fmt.Printf("task states: %v %v\n", ta.State(), tb.State())
	fmt.Printf("deliveries: %d\n", deliveries)

	// Translation maintenance events recorded because cfg.Trace is set.
	for _, ev := range m.Trace() {
		fmt.Println("trace:", ev)
	}

	// =========================================================================
	// Hand-rolled dispatch - bring your own Handler instead of the Scheduler
	// =========================================================================
	m2, err := el1.New(el1.Config{}, nil)
	if err != nil {
		return fmt.Errorf("new machine: %w", err)
	}

	err = m2.Handle(el1.HandlerFunc(func(c *el1.Context) {
		// Every delivery carries its origin, class, and decoded
		// syndrome; the frame is read and written explicitly.
		fmt.Printf("delivery: origin=%v class=%v syndrome=%v\n",
			c.Origin, c.Class, c.Syndrome)

		switch {
		case c.Class == el1.ClassSync && c.Syndrome.Kind == el1.KindSVC:
			f, err := c.ReadFrame()
			if err != nil {
				c.Halt(1)
				return
			}
			f.X[0] = 42 // syscall result
			if err := c.WriteFrame(f); err != nil {
				c.Halt(1)
				return
			}
			// A system error posted from the host arrives on the
			// SError vector once the guest unmasks it again.
			m2.PostSError()
			c.Resume(c.Frame) // continue the interrupted context
		case c.Class == el1.ClassSError:
			c.Halt(0)
		default:
			c.Halt(1)
		}
	}))
	if err != nil {
		return fmt.Errorf("bind handler: %w", err)
	}

	// Fabricate a first frame and enter it: svc #0 then an infinite
	// loop the SError cuts short.
	boot := []uint32{
		0xD4000001, // svc #0
		0x14000000, // b .
	}
	code = code[:0]
	for _, w := range boot {
		code = binary.LittleEndian.AppendUint32(code, w)
	}
	entry2 := m2.MemoryBase() + 0x40000
	if err := m2.Load(entry2, code); err != nil {
		return fmt.Errorf("load program: %w", err)
	}

	ref := el1.FrameRef(m2.MemoryBase() + 0x20000 - el1.FrameBytes)
	frame := m2.NewTaskFrame(entry2, m2.MemoryBase()+0x30000)
	frame.SPSR &^= el1.PSRA // let the posted SError through
	if err := frame.Store(m2, ref); err != nil {
		return fmt.Errorf("store frame: %w", err)
	}
	m2.Enter(ref)

	if err := m2.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	// Frames can be inspected at any address with ReadFrame.
	parked, err := m2.ReadFrame(ref)
	if err != nil {
		return fmt.Errorf("read frame: %w", err)
	}
	fmt.Printf("parked frame: elr=%#x spsr=%#x\n", parked.ELR, parked.SPSR)

	return nil
}
