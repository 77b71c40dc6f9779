package trap

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/el1/internal/aarch64"
)

// IRQHandler services one claimed interrupt line. It runs inside a
// dispatch, so it may read and edit frames, but finishing the delivery
// stays with the owning Handler.
type IRQHandler func(*Context, int)

// IRQ routes claimed interrupt lines to registered handlers.
type IRQ struct {
	mu       sync.Mutex
	handlers [64]IRQHandler
}

// NewIRQ returns an empty registry.
func NewIRQ() *IRQ {
	return &IRQ{}
}

// Register installs the handler for a line, replacing any previous one.
// A nil handler unregisters.
func (q *IRQ) Register(line int, h IRQHandler) {
	if line < 0 || line >= len(q.handlers) {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[line] = h
}

func (q *IRQ) handler(line int) IRQHandler {
	if line < 0 || line >= len(q.handlers) {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handlers[line]
}

// Service claims active lines until none remain, invoking the handler
// registered for each. The controller is level triggered, so a handler
// must quiesce its device; a line claimed twice in one pass means that
// did not happen and the line is disabled rather than claimed forever.
// A line with no handler is disabled the same way.
func (q *IRQ) Service(ctx *Context) int {
	ic := ctx.Machine().Intc
	served := 0
	last := -1
	for {
		claimed := ic.Claim()
		if claimed == aarch64.IntcSpurious {
			return served
		}
		line := int(claimed)
		if line == last {
			slog.Warn("trap: interrupt line not quiesced by its handler, disabling", "line", line)
			ic.EnableLine(line, false)
			continue
		}
		h := q.handler(line)
		if h == nil {
			slog.Warn("trap: no handler for interrupt line, disabling", "line", line)
			ic.EnableLine(line, false)
			continue
		}
		h(ctx, line)
		served++
		last = line
	}
}
