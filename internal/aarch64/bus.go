package aarch64

import (
	"encoding/binary"
	"fmt"
)

// Physical memory layout.
const (
	IntcBase    = 0x08000000
	ConsoleBase = 0x09000000
	RAMBase     = 0x40000000
)

// Device is a memory-mapped peripheral. Offsets are relative to the
// mapping base; size is the access width in bytes.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// RAM backs guest memory. Accesses are little-endian like the modeled
// CPU.
type RAM struct {
	data []byte
}

func NewRAM(size uint64) *RAM { return &RAM{data: make([]byte, size)} }

func (r *RAM) Size() uint64 { return uint64(len(r.data)) }

// span bounds-checks one access and returns its backing bytes.
func (r *RAM) span(offset uint64, size int) ([]byte, error) {
	end := offset + uint64(size)
	if end < offset || end > uint64(len(r.data)) {
		return nil, fmt.Errorf("ram access out of bounds: offset 0x%x size %d", offset, size)
	}
	return r.data[offset:end], nil
}

// Read implements Device.
func (r *RAM) Read(offset uint64, size int) (uint64, error) {
	b, err := r.span(offset, size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	}
	return 0, fmt.Errorf("bad access size %d", size)
}

// Write implements Device.
func (r *RAM) Write(offset uint64, size int, value uint64) error {
	b, err := r.span(offset, size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		b[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(b, value)
	default:
		return fmt.Errorf("bad access size %d", size)
	}
	return nil
}

// mapping ties a device to its slot in the physical address space.
type mapping struct {
	base uint64
	size uint64
	dev  Device
}

// Bus routes physical accesses to RAM or to a mapped device. RAM is
// checked first since nearly every access lands there.
type Bus struct {
	RAM     *RAM
	RAMBase uint64

	devs []mapping
}

func NewBus(ramSize uint64) *Bus {
	return &Bus{RAM: NewRAM(ramSize), RAMBase: RAMBase}
}

// AddDevice maps dev at base. Mappings must not overlap; the bus does
// not check.
func (bus *Bus) AddDevice(base uint64, dev Device) {
	bus.devs = append(bus.devs, mapping{base: base, size: dev.Size(), dev: dev})
}

// route resolves a physical address to its backing device and offset.
func (bus *Bus) route(addr uint64) (Device, uint64, error) {
	if off := addr - bus.RAMBase; off < bus.RAM.Size() {
		return bus.RAM, off, nil
	}
	for _, m := range bus.devs {
		if off := addr - m.base; off < m.size {
			return m.dev, off, nil
		}
	}
	return nil, 0, fmt.Errorf("no device at address 0x%x", addr)
}

func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, off, err := bus.route(addr)
	if err != nil {
		return 0, err
	}
	return dev.Read(off, size)
}

func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	dev, off, err := bus.route(addr)
	if err != nil {
		return err
	}
	return dev.Write(off, size, value)
}

func (bus *Bus) Read8(addr uint64) (uint8, error) {
	val, err := bus.Read(addr, 1)
	return uint8(val), err
}

func (bus *Bus) Read32(addr uint64) (uint32, error) {
	val, err := bus.Read(addr, 4)
	return uint32(val), err
}

func (bus *Bus) Read64(addr uint64) (uint64, error) {
	return bus.Read(addr, 8)
}

func (bus *Bus) Write8(addr uint64, value uint8) error {
	return bus.Write(addr, 1, uint64(value))
}

func (bus *Bus) Write32(addr uint64, value uint32) error {
	return bus.Write(addr, 4, uint64(value))
}

func (bus *Bus) Write64(addr uint64, value uint64) error {
	return bus.Write(addr, 8, value)
}

// ramSpan reports whether [addr, addr+n) lies wholly inside RAM and,
// if so, its offset from the start of RAM.
func (bus *Bus) ramSpan(addr, n uint64) (uint64, bool) {
	off := addr - bus.RAMBase
	if addr < bus.RAMBase || off+n < off || off+n > bus.RAM.Size() {
		return 0, false
	}
	return off, true
}

// LoadBytes copies data into guest memory at addr. RAM takes the block
// path; anything touching a device region goes byte by byte.
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	if off, ok := bus.ramSpan(addr, uint64(len(data))); ok {
		copy(bus.RAM.data[off:], data)
		return nil
	}
	for i, b := range data {
		if err := bus.Write8(addr+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

// ReadBytes copies guest memory at addr into p, mirroring LoadBytes.
func (bus *Bus) ReadBytes(addr uint64, p []byte) error {
	if off, ok := bus.ramSpan(addr, uint64(len(p))); ok {
		copy(p, bus.RAM.data[off:])
		return nil
	}
	for i := range p {
		b, err := bus.Read8(addr + uint64(i))
		if err != nil {
			return err
		}
		p[i] = b
	}
	return nil
}

// Fetch reads an instruction word. Fetches are served from RAM only;
// fetching from a device region fails.
func (bus *Bus) Fetch(addr uint64) (uint32, error) {
	off, ok := bus.ramSpan(addr, 4)
	if !ok {
		return 0, fmt.Errorf("instruction fetch outside RAM at 0x%x", addr)
	}
	return binary.LittleEndian.Uint32(bus.RAM.data[off:]), nil
}
