package aarch64

import (
	"fmt"

	"github.com/tinyrange/el1/internal/a64"
)

// TraceKind labels an entry in the translation maintenance trace.
type TraceKind uint8

const (
	TraceTTBR0Write TraceKind = iota
	TraceTTBR1Write
	TraceBarrier
	TraceISB
	TraceTLBI
	TraceWalk
	TraceTLBHit
)

// TraceEvent records one ordering-relevant translation event. Value holds
// the register value for TTBR writes, the barrier option for TraceBarrier,
// and the virtual address for walks and TLB hits.
type TraceEvent struct {
	Kind  TraceKind
	Value uint64
}

func (e TraceEvent) String() string {
	switch e.Kind {
	case TraceTTBR0Write:
		return fmt.Sprintf("ttbr0_el1 <- 0x%x", e.Value)
	case TraceTTBR1Write:
		return fmt.Sprintf("ttbr1_el1 <- 0x%x", e.Value)
	case TraceBarrier:
		return "dsb " + a64.BarrierName(uint8(e.Value))
	case TraceISB:
		return "isb"
	case TraceTLBI:
		return "tlbi vmalle1"
	case TraceWalk:
		return fmt.Sprintf("walk 0x%x", e.Value)
	case TraceTLBHit:
		return fmt.Sprintf("tlb hit 0x%x", e.Value)
	}
	return fmt.Sprintf("event(%d)", e.Kind)
}
