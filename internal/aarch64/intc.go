package aarch64

import (
	"math/bits"
	"sync"
)

// Fixed interrupt line assignments.
const (
	IRQLineTimer   = 30
	IRQLineConsole = 33
)

// Intc register offsets. Every register is 64 bits wide with one bit per
// line.
const (
	IntcPending = 0x00 // raw line levels, read-only
	IntcEnable  = 0x08
	IntcFIQSel  = 0x10 // enabled lines routed to FIQ instead of IRQ
	IntcClaim   = 0x18 // lowest active line, read-only
)

// IntcSpurious is read from the claim register when no line is active.
const IntcSpurious = ^uint64(0)

// Intc is a level-triggered interrupt controller with 64 lines. Devices
// drive lines with SetLine; a line interrupts while it is high, enabled,
// and unmasked in PSTATE. There is no edge latch, so claiming does not
// clear a line; the device does.
type Intc struct {
	mu     sync.Mutex
	lines  uint64
	enable uint64
	fiqSel uint64
}

// NewIntc creates an interrupt controller with all lines low and disabled.
func NewIntc() *Intc {
	return &Intc{}
}

// SetLine drives interrupt line n to the given level.
func (ic *Intc) SetLine(n int, level bool) {
	if n < 0 || n > 63 {
		return
	}
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if level {
		ic.lines |= 1 << n
	} else {
		ic.lines &^= 1 << n
	}
}

// IRQPending reports whether an enabled IRQ-routed line is high.
func (ic *Intc) IRQPending() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lines&ic.enable&^ic.fiqSel != 0
}

// FIQPending reports whether an enabled FIQ-routed line is high.
func (ic *Intc) FIQPending() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lines&ic.enable&ic.fiqSel != 0
}

// EnableLine enables or disables line n from the host side, the same
// bit a guest flips through the enable register.
func (ic *Intc) EnableLine(n int, on bool) {
	if n < 0 || n > 63 {
		return
	}
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if on {
		ic.enable |= 1 << n
	} else {
		ic.enable &^= 1 << n
	}
}

// Claim returns the lowest enabled active line, or IntcSpurious.
func (ic *Intc) Claim() uint64 {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	active := ic.lines & ic.enable
	if active == 0 {
		return IntcSpurious
	}
	return uint64(bits.TrailingZeros64(active))
}

// Reset drops all line state and routing.
func (ic *Intc) Reset() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lines, ic.enable, ic.fiqSel = 0, 0, 0
}

// Read implements Device
func (ic *Intc) Read(offset uint64, size int) (uint64, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	switch offset {
	case IntcPending:
		return ic.lines, nil
	case IntcEnable:
		return ic.enable, nil
	case IntcFIQSel:
		return ic.fiqSel, nil
	case IntcClaim:
		active := ic.lines & ic.enable
		if active == 0 {
			return IntcSpurious, nil
		}
		return uint64(bits.TrailingZeros64(active)), nil
	}
	return 0, nil
}

// Write implements Device
func (ic *Intc) Write(offset uint64, size int, value uint64) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	switch offset {
	case IntcEnable:
		ic.enable = value
	case IntcFIQSel:
		ic.fiqSel = value
	}
	return nil
}

// Size implements Device
func (ic *Intc) Size() uint64 {
	return 0x1000
}

var _ Device = (*Intc)(nil)
