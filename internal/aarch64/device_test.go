package aarch64

import (
	"bytes"
	"testing"
)

func TestTimerDeadline(t *testing.T) {
	m := NewMachine(1024*1024, nil)
	m.Intc.EnableLine(IRQLineTimer, true)

	m.Timer.WriteTVAL(100)
	if _, ok := m.Timer.Deadline(); ok {
		t.Fatal("disabled timer reported a deadline")
	}
	m.Timer.WriteCTL(TimerEnable)
	deadline, ok := m.Timer.Deadline()
	if !ok || deadline != 100 {
		t.Fatalf("deadline (%d, %v), want (100, true)", deadline, ok)
	}
	if m.Intc.IRQPending() {
		t.Fatal("line high before the deadline")
	}

	m.CPU.Instret = 100
	m.Timer.Tick()
	if !m.Intc.IRQPending() {
		t.Fatal("line low at the deadline")
	}
	if m.Timer.ReadCTL()&TimerIStatus == 0 {
		t.Fatal("status bit clear while the condition holds")
	}

	// Masking drops the line but leaves the condition visible.
	m.Timer.WriteCTL(TimerEnable | TimerIMask)
	if m.Intc.IRQPending() {
		t.Fatal("masked timer still drives its line")
	}
	if m.Timer.ReadCTL()&TimerIStatus == 0 {
		t.Fatal("masking hid the raw condition")
	}

	// Re-arming relative to the warped count clears the condition.
	m.Timer.WriteCTL(TimerEnable)
	m.Timer.WriteTVAL(50)
	if m.Intc.IRQPending() {
		t.Fatal("line high after re-arming into the future")
	}
}

func TestConsoleOutput(t *testing.T) {
	var out bytes.Buffer
	m := NewMachine(1024*1024, &out)

	for _, b := range []byte("ok") {
		if err := m.Bus.Write(ConsoleBase+ConsoleData, 1, uint64(b)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if got := out.String(); got != "ok" {
		t.Fatalf("output %q, want %q", got, "ok")
	}
}

func TestConsoleInputInterrupt(t *testing.T) {
	m := NewMachine(1024*1024, nil)
	m.Intc.EnableLine(IRQLineConsole, true)

	stat, _ := m.Bus.Read(ConsoleBase+ConsoleStat, 4)
	if stat&ConsoleStatRxAvail != 0 {
		t.Fatal("rx available with no input queued")
	}

	m.Console.EnqueueInput([]byte("ab"))
	if m.Intc.IRQPending() {
		t.Fatal("line high before the guest enabled rx interrupts")
	}

	if err := m.Bus.Write(ConsoleBase+ConsoleCtl, 4, ConsoleCtlRxIRQ); err != nil {
		t.Fatalf("ctl write: %v", err)
	}
	if !m.Intc.IRQPending() {
		t.Fatal("line low with input queued and rx interrupts on")
	}

	var got []byte
	for i := 0; i < 2; i++ {
		b, err := m.Bus.Read(ConsoleBase+ConsoleData, 1)
		if err != nil {
			t.Fatalf("data read: %v", err)
		}
		got = append(got, byte(b))
	}
	if string(got) != "ab" {
		t.Fatalf("input %q, want %q", got, "ab")
	}
	if m.Intc.IRQPending() {
		t.Fatal("line still high after the queue drained")
	}
}

func TestIntcClaimAndRouting(t *testing.T) {
	ic := NewIntc()
	ic.EnableLine(5, true)
	ic.EnableLine(12, true)

	if got := ic.Claim(); got != IntcSpurious {
		t.Fatalf("claim with no lines high returned %d", got)
	}

	ic.SetLine(5, true)
	ic.SetLine(12, true)
	if got := ic.Claim(); got != 5 {
		t.Fatalf("claim returned %d, want the lowest line 5", got)
	}

	// Claiming does not clear a level-triggered line.
	if got := ic.Claim(); got != 5 {
		t.Fatalf("second claim returned %d, want 5 again", got)
	}

	ic.SetLine(5, false)
	if got := ic.Claim(); got != 12 {
		t.Fatalf("claim returned %d, want 12", got)
	}

	// A disabled line neither claims nor interrupts.
	ic.EnableLine(12, false)
	if got := ic.Claim(); got != IntcSpurious {
		t.Fatalf("claim of a disabled line returned %d", got)
	}
	if ic.IRQPending() {
		t.Fatal("disabled line still pending")
	}

	// FIQ routing moves a line out of the IRQ set.
	ic.EnableLine(12, true)
	if err := ic.Write(IntcFIQSel, 8, 1<<12); err != nil {
		t.Fatal(err)
	}
	if ic.IRQPending() {
		t.Fatal("fiq-routed line still reported as irq")
	}
	if !ic.FIQPending() {
		t.Fatal("fiq-routed line not reported as fiq")
	}
}
