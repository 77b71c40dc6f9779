package el1_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	el1 "github.com/tinyrange/el1"
	"github.com/tinyrange/el1/internal/a64"
)

func newSched(t *testing.T, cfg el1.Config) (*el1.Machine, *el1.Scheduler, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	m, err := el1.New(cfg, &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := el1.NewScheduler(m)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return m, s, &out
}

func load(t *testing.T, m *el1.Machine, base uint64, build func(f *a64.Fragment)) uint64 {
	t.Helper()
	f := a64.NewFragment(base)
	build(f)
	code, err := f.Finalize()
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if err := m.Load(base, code); err != nil {
		t.Fatalf("load program: %v", err)
	}
	return base
}

func run(t *testing.T, s *el1.Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

// Two tasks share one program that prints a letter derived from getpid.
// The timer tick has to rotate them, so the output must switch back and
// forth between the letters, whichever unmask policy is configured.
func TestTasksInterleaveOnTimerTick(t *testing.T) {
	for _, policy := range []string{el1.UnmaskAtEret, el1.UnmaskInDispatch} {
		t.Run(policy, func(t *testing.T) {
			m, s, out := newSched(t, el1.Config{TimerInterval: 500, Unmask: policy})

			entry := load(t, m, m.MemoryBase()+0x40000, func(f *a64.Fragment) {
				f.MovZ(a64.X19, 40, 0)
				f.Label("loop")
				f.Svc(el1.SysGetpid)
				f.AddImm(a64.X0, a64.X0, 'A'-1)
				f.Svc(el1.SysWrite)
				f.SubImm(a64.X19, a64.X19, 1)
				f.Cbnz(a64.X19, "loop")
				f.MovZ(a64.X0, 0, 0)
				f.Svc(el1.SysExit)
				f.Brk(0)
			})
			s.Spawn(entry)
			s.Spawn(entry)
			run(t, s)

			got := out.String()
			if a, b := strings.Count(got, "A"), strings.Count(got, "B"); a != 40 || b != 40 {
				t.Fatalf("got %d A and %d B, want 40 each: %q", a, b, got)
			}
			if !strings.Contains(got, "AB") || !strings.Contains(got, "BA") {
				t.Fatalf("no rotation in either direction: %q", got)
			}
			if code := m.ExitCode(); code != 0 {
				t.Errorf("exit code = %d, want 0", code)
			}
		})
	}
}

// Both tasks sleep immediately, so the machine idles in wfi and the
// tasks wake in deadline order, not spawn order.
func TestSleepWakesInDeadlineOrder(t *testing.T) {
	m, s, out := newSched(t, el1.Config{TimerInterval: 1000})

	sleeper := func(ch uint16, dur uint16) func(f *a64.Fragment) {
		return func(f *a64.Fragment) {
			f.MovZ(a64.X19, ch, 0)
			f.MovZ(a64.X0, dur, 0)
			f.Svc(el1.SysSleep)
			f.MovReg(a64.X0, a64.X19)
			f.Svc(el1.SysWrite)
			f.MovZ(a64.X0, 0, 0)
			f.Svc(el1.SysExit)
			f.Brk(0)
		}
	}
	long := load(t, m, m.MemoryBase()+0x40000, sleeper('L', 8000))
	short := load(t, m, m.MemoryBase()+0x40100, sleeper('S', 2000))

	// The long sleeper is spawned first and runs first.
	tl := s.Spawn(long)
	ts := s.Spawn(short)
	run(t, s)

	if got := out.String(); got != "SL" {
		t.Fatalf("output = %q, want %q", got, "SL")
	}
	if tl.State() != el1.TaskDead || ts.State() != el1.TaskDead {
		t.Errorf("task states = %v, %v, want both dead", tl.State(), ts.State())
	}
}

func TestBreakpointStepsOver(t *testing.T) {
	m, s, out := newSched(t, el1.Config{})

	entry := load(t, m, m.MemoryBase()+0x40000, func(f *a64.Fragment) {
		f.MovZ(a64.X19, 'x', 0)
		f.Brk(1)
		f.MovReg(a64.X0, a64.X19)
		f.Svc(el1.SysWrite)
		f.MovZ(a64.X0, 7, 0)
		f.Svc(el1.SysExit)
	})
	s.Spawn(entry)
	run(t, s)

	if got := out.String(); got != "x" {
		t.Fatalf("output = %q, want %q", got, "x")
	}
	if code := m.ExitCode(); code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
}

// A task that faults is killed; the rest keep running and decide the
// exit code.
func TestFaultKillsTask(t *testing.T) {
	m, s, out := newSched(t, el1.Config{})

	bad := load(t, m, m.MemoryBase()+0x40000, func(f *a64.Fragment) {
		f.MovZ(a64.X1, 0, 0)
		f.Ldr(a64.X0, a64.X1, 0)
		f.Brk(0)
	})
	good := load(t, m, m.MemoryBase()+0x40100, func(f *a64.Fragment) {
		f.MovZ(a64.X0, 'o', 0)
		f.Svc(el1.SysWrite)
		f.MovZ(a64.X0, 'k', 0)
		f.Svc(el1.SysWrite)
		f.MovZ(a64.X0, 0, 0)
		f.Svc(el1.SysExit)
	})
	tb := s.Spawn(bad)
	s.Spawn(good)
	run(t, s)

	if got := out.String(); got != "ok" {
		t.Fatalf("output = %q, want %q", got, "ok")
	}
	if tb.State() != el1.TaskDead {
		t.Errorf("faulting task state = %v, want dead", tb.State())
	}
	if code := m.ExitCode(); code != 0 {
		t.Errorf("exit code = %d, want 0 from the surviving task", code)
	}
}

func TestFaultAloneExitsNonzero(t *testing.T) {
	m, s, _ := newSched(t, el1.Config{})

	bad := load(t, m, m.MemoryBase()+0x40000, func(f *a64.Fragment) {
		f.MovZ(a64.X1, 0, 0)
		f.Ldr(a64.X0, a64.X1, 0)
	})
	s.Spawn(bad)
	run(t, s)

	if code := m.ExitCode(); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

// An unknown syscall returns all ones, which the task folds into a
// printable byte to prove it saw the value.
func TestUnknownSyscallReturnsAllOnes(t *testing.T) {
	m, s, out := newSched(t, el1.Config{})

	entry := load(t, m, m.MemoryBase()+0x40000, func(f *a64.Fragment) {
		f.Svc(99)
		f.AddImm(a64.X0, a64.X0, 'E'+1)
		f.Svc(el1.SysWrite)
		f.MovZ(a64.X0, 0, 0)
		f.Svc(el1.SysExit)
	})
	s.Spawn(entry)
	run(t, s)

	if got := out.String(); got != "E" {
		t.Fatalf("output = %q, want %q", got, "E")
	}
	if code := m.ExitCode(); code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

// A posted system error reaches the scheduler once the task unmasks it,
// and the scheduler treats it as fatal.
func TestPostedSErrorHaltsMachine(t *testing.T) {
	m, s, _ := newSched(t, el1.Config{})

	entry := load(t, m, m.MemoryBase()+0x40000, func(f *a64.Fragment) {
		f.Label("spin")
		f.B("spin")
	})
	task := s.Spawn(entry)
	task.Frame.SPSR &^= el1.PSRA
	m.PostSError()

	var classes []el1.Class
	if err := m.Observe(func(ctx *el1.Context) {
		classes = append(classes, ctx.Class)
	}); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	run(t, s)

	if len(classes) != 1 || classes[0] != el1.ClassSError {
		t.Fatalf("delivered classes = %v, want exactly one system error", classes)
	}
	if code := m.ExitCode(); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

// Driving the machine with a hand-rolled handler instead of the
// Scheduler: fabricate a frame, enter it, and resolve each delivery.
func TestCustomHandler(t *testing.T) {
	var out bytes.Buffer
	m, err := el1.New(el1.Config{}, &out)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entry := load(t, m, m.MemoryBase()+0x40000, func(f *a64.Fragment) {
		f.Svc(7)
		f.Svc(8)
		f.Brk(0)
	})

	var kinds []el1.Kind
	var imms []uint16
	err = m.Handle(el1.HandlerFunc(func(ctx *el1.Context) {
		kinds = append(kinds, ctx.Syndrome.Kind)
		imms = append(imms, ctx.Syndrome.Imm)
		if ctx.Syndrome.Imm == 8 {
			ctx.Halt(9)
			return
		}
		ctx.Resume(ctx.Frame)
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	stackTop := m.MemoryBase() + 0x30000
	ref := el1.FrameRef(m.MemoryBase() + 0x20000 - el1.FrameBytes)
	frame := m.NewTaskFrame(entry, stackTop)
	if err := frame.Store(m, ref); err != nil {
		t.Fatalf("store frame: %v", err)
	}
	m.Enter(ref)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(kinds) != 2 || kinds[0] != el1.KindSVC || kinds[1] != el1.KindSVC {
		t.Fatalf("delivered kinds = %v, want two svc", kinds)
	}
	if imms[0] != 7 || imms[1] != 8 {
		t.Fatalf("svc immediates = %v, want [7 8]", imms)
	}
	if code := m.ExitCode(); code != 9 {
		t.Errorf("exit code = %d, want 9", code)
	}
}

// Observers ride along on every delivery without resolving it.
func TestObserveSeesEveryDelivery(t *testing.T) {
	m, err := el1.New(el1.Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Observe(func(*el1.Context) {}); !errors.Is(err, el1.ErrNoHandler) {
		t.Fatalf("Observe before Handle = %v, want ErrNoHandler", err)
	}

	if err := m.Handle(el1.HandlerFunc(func(ctx *el1.Context) {
		if ctx.Syndrome.Imm == 1 {
			ctx.Halt(0)
			return
		}
		ctx.Resume(ctx.Frame)
	})); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var seen []el1.Kind
	if err := m.Observe(func(ctx *el1.Context) { seen = append(seen, ctx.Syndrome.Kind) }); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	entry := load(t, m, m.MemoryBase()+0x40000, func(f *a64.Fragment) {
		f.Svc(0)
		f.Svc(1)
	})
	ref := el1.FrameRef(m.MemoryBase() + 0x20000 - el1.FrameBytes)
	frame := m.NewTaskFrame(entry, m.MemoryBase()+0x30000)
	if err := frame.Store(m, ref); err != nil {
		t.Fatalf("store frame: %v", err)
	}
	m.Enter(ref)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(seen) != 2 || seen[0] != el1.KindSVC || seen[1] != el1.KindSVC {
		t.Fatalf("observed kinds = %v, want two svc deliveries", seen)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yaml")
	data := "memoryMB: 16\ntimerInterval: 250\nunmask: dispatch\ntrace: true\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := el1.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.MemoryMB != 16 || cfg.TimerInterval != 250 || !cfg.Trace {
		t.Errorf("loaded config = %+v", cfg)
	}
	if cfg.Unmask != el1.UnmaskInDispatch {
		t.Errorf("unmask = %q, want %q", cfg.Unmask, el1.UnmaskInDispatch)
	}
	if cfg.VectorBase == 0 {
		t.Error("vector base not defaulted")
	}

	if _, err := el1.LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file did not error")
	}
	if _, err := el1.New(el1.Config{Unmask: "sometimes"}, nil); err == nil {
		t.Error("bad unmask policy did not error")
	}
}

func TestRunRequiresHandler(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m, err := el1.New(el1.Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Run(ctx); !errors.Is(err, el1.ErrNoHandler) {
		t.Errorf("Run without handler = %v, want ErrNoHandler", err)
	}

	var zero el1.Machine
	if err := zero.Run(ctx); !errors.Is(err, el1.ErrNoVectors) {
		t.Errorf("Run on zero machine = %v, want ErrNoVectors", err)
	}
	if err := zero.Handle(el1.HandlerFunc(func(*el1.Context) {})); !errors.Is(err, el1.ErrNoVectors) {
		t.Errorf("Handle on zero machine = %v, want ErrNoVectors", err)
	}

	h := el1.HandlerFunc(func(ctx *el1.Context) { ctx.Halt(0) })
	if err := m.Handle(h); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := m.Handle(h); err == nil {
		t.Error("second Handle did not error")
	}
}
