package aarch64

import (
	"io"
	"sync"
)

// Console register offsets.
const (
	ConsoleData = 0x00 // write transmits a byte, read pops input
	ConsoleStat = 0x04
	ConsoleCtl  = 0x08
)

// Console status and control bits.
const (
	ConsoleStatRxAvail = 1 << 0
	ConsoleStatTxReady = 1 << 1
	ConsoleCtlRxIRQ    = 1 << 0
)

// Console is a byte-at-a-time MMIO console. Output goes to an io.Writer;
// input is queued with EnqueueInput and holds an interrupt line high while
// bytes are waiting, if the guest enabled that.
type Console struct {
	mu sync.Mutex

	output io.Writer
	input  []byte
	ctl    uint64

	intc *Intc
	line int
}

// NewConsole creates a console writing to output, which may be nil.
func NewConsole(output io.Writer, intc *Intc, line int) *Console {
	return &Console{output: output, intc: intc, line: line}
}

// EnqueueInput queues bytes for the guest to read.
func (con *Console) EnqueueInput(data []byte) {
	con.mu.Lock()
	defer con.mu.Unlock()
	con.input = append(con.input, data...)
	con.updateLine()
}

// updateLine recomputes the receive interrupt level. Call with mu held.
func (con *Console) updateLine() {
	con.intc.SetLine(con.line, con.ctl&ConsoleCtlRxIRQ != 0 && len(con.input) > 0)
}

// Read implements Device
func (con *Console) Read(offset uint64, size int) (uint64, error) {
	con.mu.Lock()
	defer con.mu.Unlock()
	switch offset {
	case ConsoleData:
		if len(con.input) == 0 {
			return 0, nil
		}
		b := con.input[0]
		con.input = con.input[1:]
		con.updateLine()
		return uint64(b), nil
	case ConsoleStat:
		v := uint64(ConsoleStatTxReady)
		if len(con.input) > 0 {
			v |= ConsoleStatRxAvail
		}
		return v, nil
	case ConsoleCtl:
		return con.ctl, nil
	}
	return 0, nil
}

// Write implements Device
func (con *Console) Write(offset uint64, size int, value uint64) error {
	con.mu.Lock()
	defer con.mu.Unlock()
	switch offset {
	case ConsoleData:
		if con.output != nil {
			con.output.Write([]byte{byte(value)})
		}
	case ConsoleCtl:
		con.ctl = value & ConsoleCtlRxIRQ
		con.updateLine()
	}
	return nil
}

// Size implements Device
func (con *Console) Size() uint64 {
	return 0x1000
}

var _ Device = (*Console)(nil)
