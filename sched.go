package el1

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/el1/internal/a64"
	"github.com/tinyrange/el1/internal/aarch64"
)

// Syscall numbers, carried in the svc immediate. Arguments and results
// travel in x0.
const (
	SysSleep  = 1 // x0 holds a duration in instructions; returns the time actually slept
	SysTime   = 2 // returns the instruction counter
	SysExit   = 3 // x0 holds the exit status
	SysWrite  = 4 // x0 holds a byte for the console; returns 1
	SysGetpid = 5 // returns the task id
)

// Scheduler-owned guest layout, relative to the base of RAM. The first
// 128 KiB belong to the kernel: the vector table at its default base,
// the idle loop, and the kernel stack whose top holds the live frame
// slot. User stacks are carved downward from the end of RAM.
const (
	idleOff      = 0x11000
	kstackTopOff = 0x20000
	taskStack    = 0x4000
)

// TaskState is the scheduling state of a Task.
type TaskState uint8

const (
	TaskReady TaskState = iota
	TaskRunning
	TaskWaiting
	TaskDead
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskWaiting:
		return "waiting"
	case TaskDead:
		return "dead"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Task is one schedulable EL0 context.
type Task struct {
	ID uint64

	// Frame is the parked register state. It is stale while the task
	// runs and nil once it is dead.
	Frame *Frame

	state TaskState
	wake  func(now uint64) bool
}

// State returns the task's scheduling state.
func (t *Task) State() TaskState { return t.state }

// Scheduler multiplexes EL0 tasks over one machine, rotating them
// round-robin on the timer tick. Every delivery is resolved by copying
// frames through the single live slot at the top of the kernel stack:
// the interrupted context is parked on its Task and the next runnable
// task's frame is written over the same slot before resume, so the
// kernel stack never grows with the task count.
type Scheduler struct {
	m   *Machine
	irq *IRQ

	tasks  []*Task
	cur    *Task
	rr     int
	nextID uint64

	stackTop  uint64
	liveRef   FrameRef
	idleFrame *Frame
	exitCode  uint64
}

// NewScheduler binds a scheduler to m as its trap handler.
func NewScheduler(m *Machine) (*Scheduler, error) {
	base := m.MemoryBase()
	s := &Scheduler{
		m:        m,
		irq:      NewIRQ(),
		nextID:   1,
		stackTop: base + m.MemorySize(),
		liveRef:  FrameRef(base + kstackTopOff - FrameBytes),
	}

	// The idle loop parks the core until the next interrupt. It runs at
	// EL1 with only IRQ open, so the timer can take it the moment a
	// sleeper comes due.
	idle := a64.NewFragment(base + idleOff)
	idle.Label("idle")
	idle.Wfi()
	idle.B("idle")
	code, err := idle.Finalize()
	if err != nil {
		return nil, fmt.Errorf("assemble idle loop: %w", err)
	}
	if err := m.Load(base+idleOff, code); err != nil {
		return nil, err
	}
	s.idleFrame = &Frame{
		SPSR: aarch64.PSRModeEL1h | aarch64.PSRD | aarch64.PSRA | aarch64.PSRF,
		ELR:  base + idleOff,
		Link: m.lay.Epilogue,
	}

	s.irq.Register(IRQLineTimer, s.onTick)
	if err := m.Handle(HandlerFunc(s.handle)); err != nil {
		return nil, err
	}
	return s, nil
}

// IRQ returns the scheduler's interrupt line registry, so callers can
// attach handlers for device lines beyond the timer.
func (s *Scheduler) IRQ() *IRQ { return s.irq }

// Spawn queues a task entering entry in 64-bit EL0 with a fresh user
// stack. The task id lands in tpidr_el0 and is what getpid returns.
func (s *Scheduler) Spawn(entry uint64) *Task {
	s.stackTop -= taskStack
	f := s.m.NewTaskFrame(entry, s.stackTop)
	t := &Task{ID: s.nextID, Frame: f, state: TaskReady}
	f.TPIDR = t.ID
	s.nextID++
	s.tasks = append(s.tasks, t)
	return t
}

// Run arms the timer, enters the first task, and drives the machine
// until every task is gone or ctx is cancelled. The status of the last
// exit is available from the machine's ExitCode afterwards.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.tasks) == 0 {
		return errors.New("no tasks spawned")
	}
	if iv := s.m.cfg.TimerInterval; iv > 0 {
		s.m.sys.Intc.EnableLine(aarch64.IRQLineTimer, true)
		s.m.sys.Timer.WriteTVAL(iv)
		s.m.sys.Timer.WriteCTL(aarch64.TimerEnable)
	}

	first := s.tasks[0]
	first.state = TaskRunning
	s.cur = first
	if err := first.Frame.Store(s.m, s.liveRef); err != nil {
		return err
	}
	s.m.Enter(s.liveRef)
	return s.m.Run(ctx)
}

func (s *Scheduler) handle(ctx *Context) {
	switch ctx.Class {
	case ClassSync:
		s.onSync(ctx)
	case ClassIRQ, ClassFIQ:
		s.onInterrupt(ctx)
	case ClassSError:
		slog.Error("sched: system error", "syndrome", ctx.Syndrome, "origin", ctx.Origin)
		ctx.Halt(1)
	}
}

func (s *Scheduler) onSync(ctx *Context) {
	f, err := ctx.ReadFrame()
	if err != nil {
		slog.Error("sched: read frame", "error", err)
		ctx.Halt(1)
		return
	}

	if ctx.Origin != OriginEL0A64 && ctx.Origin != OriginEL0A32 {
		// The only EL1 code that runs outside the save and restore
		// paths is the idle loop, and it does not fault. Anything
		// synchronous from EL1 is the kernel tripping over itself.
		slog.Error("sched: exception from EL1",
			"syndrome", ctx.Syndrome, "elr", f.ELR, "far", s.m.sys.CPU.FAR)
		ctx.Halt(1)
		return
	}

	switch ctx.Syndrome.Kind {
	case KindSVC:
		s.syscall(ctx, f)
	case KindBRK:
		// A debug break in user code is skipped, not fatal.
		slog.Debug("sched: brk", "task", f.TPIDR, "imm", ctx.Syndrome.Imm, "elr", f.ELR)
		f.ELR += 4
		s.resume(ctx, f)
	default:
		s.kill(ctx, f)
	}
}

func (s *Scheduler) syscall(ctx *Context, f *Frame) {
	now := s.m.sys.Timer.Count()
	switch ctx.Syndrome.Imm {
	case SysSleep:
		t := s.cur
		dur := f.X[0]
		deadline := now + dur
		t.wake = func(woke uint64) bool {
			if woke < deadline {
				return false
			}
			t.Frame.X[0] = woke - now
			return true
		}
		t.state = TaskWaiting
		cp := *f
		t.Frame = &cp
		s.cur = nil
		s.schedule(ctx, f)
	case SysTime:
		f.X[0] = now
		s.resume(ctx, f)
	case SysExit:
		t := s.cur
		s.exitCode = f.X[0]
		t.state = TaskDead
		t.Frame = nil
		s.cur = nil
		slog.Debug("sched: task exit", "task", t.ID, "status", f.X[0])
		s.schedule(ctx, f)
	case SysWrite:
		s.m.sys.Console.Write(aarch64.ConsoleData, 1, f.X[0]&0xFF)
		f.X[0] = 1
		s.resume(ctx, f)
	case SysGetpid:
		f.X[0] = f.TPIDR
		s.resume(ctx, f)
	default:
		slog.Debug("sched: unknown syscall", "task", f.TPIDR, "nr", ctx.Syndrome.Imm)
		f.X[0] = ^uint64(0)
		s.resume(ctx, f)
	}
}

func (s *Scheduler) onInterrupt(ctx *Context) {
	s.irq.Service(ctx)

	f, err := ctx.ReadFrame()
	if err != nil {
		slog.Error("sched: read frame", "error", err)
		ctx.Halt(1)
		return
	}

	// An interrupt from EL1 hit either the idle loop or a nested
	// delivery inside an unmasked dispatch. Idle is fair game to rotate
	// out; a nested frame must unwind back into the paused dispatch, so
	// it resumes in place and the outer delivery's schedule pass picks
	// up whatever woke.
	if ctx.Origin != OriginEL0A64 && f.TPIDR != 0 {
		ctx.Resume(ctx.Frame)
		return
	}
	s.schedule(ctx, f)
}

// onTick re-arms the periodic timer, which quiesces its line. Waking and
// rotation happen in the owning delivery's schedule pass.
func (s *Scheduler) onTick(ctx *Context, line int) {
	s.m.sys.Timer.WriteTVAL(s.m.cfg.TimerInterval)
}

func (s *Scheduler) kill(ctx *Context, f *Frame) {
	slog.Warn("sched: killing task",
		"task", f.TPIDR, "syndrome", ctx.Syndrome, "elr", f.ELR, "far", s.m.sys.CPU.FAR)
	if t := s.cur; t != nil {
		t.state = TaskDead
		t.Frame = nil
		s.cur = nil
	}
	s.exitCode = 1
	s.schedule(ctx, f)
}

// schedule parks the interrupted context and resumes the next runnable
// task, the idle loop when only sleepers remain, or halts the machine
// once nothing is left.
func (s *Scheduler) schedule(ctx *Context, live *Frame) {
	now := s.m.sys.Timer.Count()
	for _, t := range s.tasks {
		if t.state == TaskWaiting && t.wake(now) {
			t.wake = nil
			t.state = TaskReady
		}
	}

	if s.cur != nil {
		cp := *live
		s.cur.Frame = &cp
		s.cur.state = TaskReady
		s.cur = nil
	}

	next := s.nextReady()
	if next == nil {
		for _, t := range s.tasks {
			if t.state == TaskWaiting {
				s.resume(ctx, s.idleFrame)
				return
			}
		}
		ctx.Halt(s.exitCode)
		return
	}

	next.state = TaskRunning
	s.cur = next
	s.resume(ctx, next.Frame)
}

func (s *Scheduler) nextReady() *Task {
	n := len(s.tasks)
	for i := 1; i <= n; i++ {
		t := s.tasks[(s.rr+i)%n]
		if t.state == TaskReady {
			s.rr = (s.rr + i) % n
			return t
		}
	}
	return nil
}

// resume writes f over the delivery's frame slot and restores it.
func (s *Scheduler) resume(ctx *Context, f *Frame) {
	if err := ctx.WriteFrame(f); err != nil {
		slog.Error("sched: write frame", "error", err)
		ctx.Halt(1)
		return
	}
	ctx.Resume(ctx.Frame)
}
