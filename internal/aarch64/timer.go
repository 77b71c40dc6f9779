package aarch64

// CNTP_CTL_EL0 bits.
const (
	TimerEnable  = 1 << 0
	TimerIMask   = 1 << 1
	TimerIStatus = 1 << 2 // read-only
)

// Timer models the EL1 physical counter-timer. The counter is the retired
// instruction count, so time is deterministic and tests can hit exact
// deadlines. The output is level triggered: the interrupt line stays high
// while the timer condition holds and the mask bit is clear.
type Timer struct {
	cpu  *CPU
	intc *Intc
	line int

	ctl  uint64
	cval uint64
}

// NewTimer creates a timer wired to the given interrupt line.
func NewTimer(cpu *CPU, intc *Intc, line int) *Timer {
	return &Timer{cpu: cpu, intc: intc, line: line, cval: ^uint64(0)}
}

// Count returns the counter value.
func (t *Timer) Count() uint64 { return t.cpu.Instret }

func (t *Timer) condition() bool {
	return t.ctl&TimerEnable != 0 && t.Count() >= t.cval
}

// ReadCTL returns CNTP_CTL_EL0 with the status bit reflecting the live
// condition.
func (t *Timer) ReadCTL() uint64 {
	v := t.ctl
	if t.condition() {
		v |= TimerIStatus
	}
	return v
}

// WriteCTL writes CNTP_CTL_EL0.
func (t *Timer) WriteCTL(v uint64) {
	t.ctl = v & (TimerEnable | TimerIMask)
	t.Tick()
}

// ReadTVAL returns the signed 32-bit distance to the deadline.
func (t *Timer) ReadTVAL() uint64 {
	return uint64(uint32(t.cval - t.Count()))
}

// WriteTVAL sets the deadline relative to the current count.
func (t *Timer) WriteTVAL(v uint64) {
	t.cval = t.Count() + uint64(int64(int32(uint32(v))))
	t.Tick()
}

// ReadCVAL returns the absolute deadline.
func (t *Timer) ReadCVAL() uint64 { return t.cval }

// WriteCVAL sets the absolute deadline.
func (t *Timer) WriteCVAL(v uint64) {
	t.cval = v
	t.Tick()
}

// Deadline returns the counter value at which the timer will next assert
// its line, if it will.
func (t *Timer) Deadline() (uint64, bool) {
	if t.ctl&TimerEnable == 0 || t.ctl&TimerIMask != 0 || t.cval <= t.Count() {
		return 0, false
	}
	return t.cval, true
}

// Tick recomputes the interrupt line level.
func (t *Timer) Tick() {
	t.intc.SetLine(t.line, t.condition() && t.ctl&TimerIMask == 0)
}

// Reset disables the timer and clears its line.
func (t *Timer) Reset() {
	t.ctl = 0
	t.cval = ^uint64(0)
	t.Tick()
}
