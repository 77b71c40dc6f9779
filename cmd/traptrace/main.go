// Command traptrace runs guest tasks on a modeled AArch64 machine and
// traces the exception deliveries they cause. With -soak it instead
// hammers the save and restore paths with randomized context switches
// and verifies every frame round-trips bit for bit.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/el1"
	"github.com/tinyrange/el1/internal/a64"
	"github.com/tinyrange/el1/internal/aarch64"
	"github.com/tinyrange/el1/internal/debug"
	"github.com/tinyrange/el1/internal/trap"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "traptrace: %v\n", err)
		os.Exit(1)
	}
}

// exitError carries a guest exit status through to the process exit
// code.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("guest exited with status %d", e.code) }

// Guest layout: the first 256 KiB of RAM hold the vector table, the
// idle loop, and the kernel stack. Programs load above them, one page
// per task.
const (
	progOffset = 0x40000
	progStride = 0x1000
)

func run() error {
	configPath := flag.String("config", "", "Scenario file (YAML)")
	traceFlag := flag.Bool("trace", false, "Print every delivery and the translation maintenance between them")
	soakN := flag.Int("soak", 0, "Run N randomized save/restore cycles instead of a scenario")
	seedFlag := flag.Int64("seed", 0, "Soak RNG seed (0 picks one from the clock)")
	logLevel := flag.String("log", "warn", "Log level (debug, info, warn, error)")
	noColor := flag.Bool("no-color", false, "Disable colored output")
	timeout := flag.Duration("timeout", 0, "Stop the machine after this long")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run guest tasks on a modeled AArch64 machine and trace their exception deliveries.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -trace\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config scenario.yaml -log debug\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -soak 10000\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() > 0 {
		flag.Usage()
		return fmt.Errorf("unexpected argument %q", flag.Arg(0))
	}
	if err := debug.Setup(os.Stderr, *logLevel); err != nil {
		return err
	}

	colors := colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Reset:   true,
		Disable: *noColor || os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stderr.Fd())),
	}

	ctx := context.Background()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if *soakN > 0 {
		return soak(ctx, *soakN, *seedFlag, colors)
	}

	cfg, progs, err := loadScenario(*configPath)
	if err != nil {
		return err
	}
	if *traceFlag {
		cfg.Trace = true
	}
	return play(ctx, cfg, progs, *traceFlag, colors)
}

// -----------------------------------------------------------------------------
// Scenarios
// -----------------------------------------------------------------------------

// scenario is a machine configuration plus the guest programs to run on
// it. Each task is a list of A64 instruction words in hex, entered as a
// fresh EL0 task at a page-aligned load address.
type scenario struct {
	el1.Config `yaml:",inline"`

	Tasks []taskSpec `yaml:"tasks"`
}

type taskSpec struct {
	Name    string   `yaml:"name,omitempty"`
	Program []string `yaml:"program"`
}

type program struct {
	name string
	code []byte
}

func loadScenario(path string) (el1.Config, []program, error) {
	if path == "" {
		progs, err := demoPrograms()
		return el1.Config{TimerInterval: 500}, progs, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return el1.Config{}, nil, fmt.Errorf("read %s: %w", path, err)
	}
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return el1.Config{}, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(sc.Tasks) == 0 {
		return el1.Config{}, nil, fmt.Errorf("%s: no tasks", path)
	}

	progs := make([]program, 0, len(sc.Tasks))
	for i, task := range sc.Tasks {
		name := task.Name
		if name == "" {
			name = "task" + strconv.Itoa(i)
		}
		code, err := parseWords(task.Program)
		if err != nil {
			return el1.Config{}, nil, fmt.Errorf("%s: task %s: %w", path, name, err)
		}
		progs = append(progs, program{name: name, code: code})
	}
	return sc.Config, progs, nil
}

func parseWords(words []string) ([]byte, error) {
	if len(words) == 0 {
		return nil, errors.New("empty program")
	}
	out := make([]byte, 0, len(words)*4)
	for i, w := range words {
		s := strings.TrimPrefix(strings.TrimPrefix(w, "0x"), "0X")
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("word %d %q: %w", i, w, err)
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(v))
	}
	return out, nil
}

// demoPrograms is the default scenario: two tasks that each print their
// letter a few dozen times and exit, so timer preemption is visible in
// the interleaved output.
func demoPrograms() ([]program, error) {
	f := a64.NewFragment(0)
	f.MovZ(a64.X19, 40, 0)
	f.Label("loop")
	f.Svc(el1.SysGetpid)
	f.AddImm(a64.X0, a64.X0, 'A'-1)
	f.Svc(el1.SysWrite)
	f.SubImm(a64.X19, a64.X19, 1)
	f.Cbnz(a64.X19, "loop")
	f.MovZ(a64.X0, 0, 0)
	f.Svc(el1.SysExit)
	code, err := f.Finalize()
	if err != nil {
		return nil, fmt.Errorf("assemble demo: %w", err)
	}
	return []program{{name: "a", code: code}, {name: "b", code: code}}, nil
}

// -----------------------------------------------------------------------------
// Scenario runs
// -----------------------------------------------------------------------------

func play(ctx context.Context, cfg el1.Config, progs []program, traceOn bool, colors colorstring.Colorize) error {
	m, err := el1.New(cfg, os.Stdout)
	if err != nil {
		return err
	}
	sched, err := el1.NewScheduler(m)
	if err != nil {
		return err
	}

	seen := 0
	deliveries := 0
	if traceOn {
		err := m.Observe(func(c *el1.Context) {
			// Maintenance recorded since the last delivery belongs to
			// the restore that resumed the previous one.
			evs := m.Trace()
			for _, e := range evs[seen:] {
				fmt.Fprintln(os.Stderr, colors.Color("[dark_gray]           "+e.String()))
			}
			seen = len(evs)
			deliveries++
			fmt.Fprintln(os.Stderr, deliveryLine(colors, deliveries, c))
		})
		if err != nil {
			return err
		}
	}

	base := m.MemoryBase() + progOffset
	for i, p := range progs {
		entry := base + uint64(i)*progStride
		if err := m.Load(entry, p.code); err != nil {
			return fmt.Errorf("load %s: %w", p.name, err)
		}
		task := sched.Spawn(entry)
		slog.Info("traptrace: spawned", "task", task.ID, "name", p.name, "entry", entry)
	}

	if err := sched.Run(ctx); err != nil {
		return err
	}
	if traceOn {
		for _, e := range m.Trace()[seen:] {
			fmt.Fprintln(os.Stderr, colors.Color("[dark_gray]           "+e.String()))
		}
		fmt.Fprintf(os.Stderr, "%d deliveries\n", deliveries)
	}
	if code := m.ExitCode(); code != 0 {
		return &exitError{code: int(code)}
	}
	return nil
}

var classColors = [4]string{"green", "yellow", "magenta", "red"}

// deliveryLine renders one observed delivery. The class cell is padded
// by display width, so columns line up whether or not color is on.
func deliveryLine(colors colorstring.Colorize, n int, c *el1.Context) string {
	cell := colors.Color("[" + classColors[c.Class&3] + "]" + c.Class.String())
	if pad := 7 - ansi.StringWidth(cell); pad > 0 {
		cell += strings.Repeat(" ", pad)
	}
	syn := "-"
	if c.Class == el1.ClassSync || c.Class == el1.ClassSError {
		syn = c.Syndrome.String()
	}
	return fmt.Sprintf("%5d  %s %-7s %-36s frame 0x%x depth %d",
		n, cell, c.Origin, syn, uint64(c.Frame), c.Machine().TrapDepth())
}

// -----------------------------------------------------------------------------
// Soak
// -----------------------------------------------------------------------------

// soak fabricates pairs of frames with randomized register state, runs
// each pair through a full deliver-switch-deliver cycle, and compares
// what the save path captured against what the frames held. The
// translation bases change every frame, so the restore path's
// maintenance branch gets exercised too.
func soak(ctx context.Context, n int, seed int64, colors colorstring.Colorize) error {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	fmt.Printf("soak: %d cycles, seed %d\n", n, seed)

	m := aarch64.NewMachine(64<<20, io.Discard)
	lay, err := trap.Install(m, aarch64.RAMBase+0x10000)
	if err != nil {
		return err
	}

	// One svc is the whole guest program: every entered frame traps
	// straight back into the dispatcher.
	progBase := uint64(aarch64.RAMBase + progOffset)
	f := a64.NewFragment(progBase)
	f.Svc(0)
	code, err := f.Finalize()
	if err != nil {
		return err
	}
	if err := m.LoadBytes(progBase, code); err != nil {
		return err
	}

	ref1 := trap.FrameRef(aarch64.RAMBase + 0x20000 - trap.FrameBytes)
	ref2 := ref1 - trap.FrameBytes

	var (
		caps []trap.Frame
		next *trap.Frame
	)
	trap.NewDispatcher(m, lay, trap.HandlerFunc(func(c *trap.Context) {
		got, err := c.ReadFrame()
		if err != nil {
			c.Halt(2)
			return
		}
		caps = append(caps, *got)
		if next != nil {
			sw := next
			next = nil
			if err := sw.Store(m, ref2); err != nil {
				c.Halt(2)
				return
			}
			c.Resume(ref2)
			return
		}
		c.Halt(0)
	}), trap.Config{})

	slot := lay.SlotAddr(aarch64.OriginEL0A64, aarch64.ClassSync)
	refs := [2]trap.FrameRef{ref1, ref2}

	pb := progressbar.Default(int64(n))
	defer pb.Close()

	mismatches := 0
	for i := range n {
		f1 := randomFrame(rng, lay, progBase)
		f2 := randomFrame(rng, lay, progBase)
		caps = caps[:0]
		next = f2

		if err := f1.Store(m, ref1); err != nil {
			return err
		}
		lay.Enter(m, ref1)
		if err := m.Run(ctx, 1000); !errors.Is(err, aarch64.ErrHalt) {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
		if len(caps) != 2 {
			mismatches++
			fmt.Println(colors.Color(fmt.Sprintf("[red]cycle %d: %d deliveries, want 2", i, len(caps))))
		} else {
			for j, src := range [2]*trap.Frame{f1, f2} {
				want := *src
				want.ELR += 4
				want.Link = slot + 16
				if caps[j] != want {
					mismatches++
					fmt.Println(colors.Color(fmt.Sprintf("[red]cycle %d: frame at 0x%x did not round-trip", i, uint64(refs[j]))))
					for _, d := range frameDiff(&want, &caps[j]) {
						fmt.Println("  " + d)
					}
					break
				}
			}
		}

		m.Reset()
		m.CPU.VBAR = lay.Base
		pb.Add(1)
	}

	if mismatches > 0 {
		return fmt.Errorf("%d of %d cycles mismatched", mismatches, n)
	}
	fmt.Println(colors.Color(fmt.Sprintf("[green]ok:[reset] %d cycles, every frame round-tripped intact", n)))
	return nil
}

const nzcvMask = aarch64.PSRN | aarch64.PSRZ | aarch64.PSRC | aarch64.PSRV

// randomFrame fabricates an EL0 frame with randomized register state.
// Only architectural PSTATE bits go into SPSR; anything else would not
// survive the exception return.
func randomFrame(rng *rand.Rand, lay *trap.Layout, entry uint64) *trap.Frame {
	f := &trap.Frame{
		TPIDR: rng.Uint64(),
		SP:    aarch64.RAMBase + 0x100000 + (rng.Uint64()%0x100000)&^15,
		SPSR:  aarch64.PSRModeEL0t | aarch64.DAIFAll | rng.Uint64()&nzcvMask,
		ELR:   entry,
		TTBR0: rng.Uint64(),
		TTBR1: rng.Uint64(),
		Link:  lay.Epilogue,
		X29:   rng.Uint64(),
		X30:   rng.Uint64(),
	}
	for i := range f.X {
		f.X[i] = rng.Uint64()
	}
	for i := range f.Q {
		f.Q[i] = [2]uint64{rng.Uint64(), rng.Uint64()}
	}
	return f
}

func frameDiff(want, got *trap.Frame) []string {
	var out []string
	add := func(name string, w, g uint64) {
		if w != g {
			out = append(out, fmt.Sprintf("%-6s want 0x%016x got 0x%016x", name, w, g))
		}
	}
	add("tpidr", want.TPIDR, got.TPIDR)
	add("sp", want.SP, got.SP)
	add("spsr", want.SPSR, got.SPSR)
	add("elr", want.ELR, got.ELR)
	add("ttbr0", want.TTBR0, got.TTBR0)
	add("ttbr1", want.TTBR1, got.TTBR1)
	for i := range want.X {
		add("x"+strconv.Itoa(i), want.X[i], got.X[i])
	}
	add("link", want.Link, got.Link)
	add("x29", want.X29, got.X29)
	add("x30", want.X30, got.X30)
	for i := range want.Q {
		add("q"+strconv.Itoa(i)+".lo", want.Q[i][0], got.Q[i][0])
		add("q"+strconv.Itoa(i)+".hi", want.Q[i][1], got.Q[i][1])
	}
	if len(out) > 8 {
		out = append(out[:8], fmt.Sprintf("(%d more)", len(out)-8))
	}
	return out
}
