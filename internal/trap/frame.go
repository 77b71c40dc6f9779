// Package trap builds the EL1 exception entry and exit path: the
// sixteen-slot vector table, the shared context save and restore
// routines, the frame record they exchange, and the dispatcher that
// receives every delivered exception on the host side of the gate.
//
// The mechanism follows the usual kernel shape. Each vector slot runs a
// short stub that pushes the frame and link registers, encodes where the
// exception came from, and calls the shared save routine. Save lays a
// full Frame onto the interrupted stack and hands (code, syndrome, frame
// base) to the dispatcher. The dispatcher resumes some frame, the same
// one or another, by pointing the stack at it and branching to restore,
// which unwinds the record and returns through the stub that created it.
package trap

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/el1/internal/aarch64"
)

// FrameBytes is the size of one saved context record. The restore
// routine pops exactly this much, so every frame boundary is a multiple
// of it below the stack top that was live at entry.
const FrameBytes = 0x330

// Frame field offsets from the frame base (the lowest address, which is
// also the stack pointer value passed to the dispatcher).
const (
	offTPIDR = 0x000
	offSP    = 0x008
	offSPSR  = 0x010
	offELR   = 0x018
	offTTBR0 = 0x020
	offTTBR1 = 0x028
	offQ     = 0x030 // 32 SIMD registers, 16 bytes each
	offX     = 0x230 // x0..x28, contiguous
	offLink  = 0x318
	offX29   = 0x320
	offX30   = 0x328
)

// FrameRef is the guest address of a frame base. The dispatcher receives
// one per delivery and must hand one back to Resume; the core never
// tracks frames itself.
type FrameRef uint64

// Frame is the host view of one saved context record.
//
// X holds x0 through x28. X29 and X30 sit apart because they travel
// differently: the entry stub pushes them before the save routine runs,
// so they hold the interrupted values, while Link is the save routine's
// own return address into that stub. Restore pops Link into the link
// register and returns through it, which is how control re-enters the
// stub that created the frame, and from there the exception return.
type Frame struct {
	TPIDR uint64
	SP    uint64 // SP_EL0, the untaken stack of the interrupted context
	SPSR  uint64
	ELR   uint64
	TTBR0 uint64
	TTBR1 uint64
	Q     [32][2]uint64 // low, high halves
	X     [29]uint64
	Link  uint64
	X29   uint64
	X30   uint64
}

// ReadFrame decodes the frame at ref from guest memory.
func ReadFrame(r io.ReaderAt, ref FrameRef) (*Frame, error) {
	buf := make([]byte, FrameBytes)
	if _, err := r.ReadAt(buf, int64(ref)); err != nil {
		return nil, fmt.Errorf("read frame at 0x%x: %w", uint64(ref), err)
	}
	f := &Frame{
		TPIDR: binary.LittleEndian.Uint64(buf[offTPIDR:]),
		SP:    binary.LittleEndian.Uint64(buf[offSP:]),
		SPSR:  binary.LittleEndian.Uint64(buf[offSPSR:]),
		ELR:   binary.LittleEndian.Uint64(buf[offELR:]),
		TTBR0: binary.LittleEndian.Uint64(buf[offTTBR0:]),
		TTBR1: binary.LittleEndian.Uint64(buf[offTTBR1:]),
		Link:  binary.LittleEndian.Uint64(buf[offLink:]),
		X29:   binary.LittleEndian.Uint64(buf[offX29:]),
		X30:   binary.LittleEndian.Uint64(buf[offX30:]),
	}
	for i := range f.Q {
		f.Q[i][0] = binary.LittleEndian.Uint64(buf[offQ+16*i:])
		f.Q[i][1] = binary.LittleEndian.Uint64(buf[offQ+16*i+8:])
	}
	for i := range f.X {
		f.X[i] = binary.LittleEndian.Uint64(buf[offX+8*i:])
	}
	return f, nil
}

// Store encodes the frame into guest memory at ref, overwriting what the
// save routine laid down there.
func (f *Frame) Store(w io.WriterAt, ref FrameRef) error {
	buf := make([]byte, FrameBytes)
	binary.LittleEndian.PutUint64(buf[offTPIDR:], f.TPIDR)
	binary.LittleEndian.PutUint64(buf[offSP:], f.SP)
	binary.LittleEndian.PutUint64(buf[offSPSR:], f.SPSR)
	binary.LittleEndian.PutUint64(buf[offELR:], f.ELR)
	binary.LittleEndian.PutUint64(buf[offTTBR0:], f.TTBR0)
	binary.LittleEndian.PutUint64(buf[offTTBR1:], f.TTBR1)
	binary.LittleEndian.PutUint64(buf[offLink:], f.Link)
	binary.LittleEndian.PutUint64(buf[offX29:], f.X29)
	binary.LittleEndian.PutUint64(buf[offX30:], f.X30)
	for i := range f.Q {
		binary.LittleEndian.PutUint64(buf[offQ+16*i:], f.Q[i][0])
		binary.LittleEndian.PutUint64(buf[offQ+16*i+8:], f.Q[i][1])
	}
	for i := range f.X {
		binary.LittleEndian.PutUint64(buf[offX+8*i:], f.X[i])
	}
	if _, err := w.WriteAt(buf, int64(ref)); err != nil {
		return fmt.Errorf("store frame at 0x%x: %w", uint64(ref), err)
	}
	return nil
}

// NewTaskFrame fabricates a frame that, when restored, enters a fresh
// context at entry with the given user stack. The context starts in
// 64-bit EL0 with IRQs unmasked and everything else held off, the same
// state a kernel gives a new user task. The caller owns TPIDR (typically
// a task id) and the translation bases.
func (l *Layout) NewTaskFrame(entry, sp uint64) *Frame {
	return &Frame{
		SP:   sp,
		SPSR: aarch64.PSRModeEL0t | aarch64.PSRD | aarch64.PSRA | aarch64.PSRF,
		ELR:  entry,
		Link: l.Epilogue,
	}
}
