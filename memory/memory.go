package memory

import (
	"encoding/binary"
	"math"

	"github.com/wippyai/watt"
	"github.com/wippyai/watt/errors"
)

// PageSize is the size of one page of linear memory.
const PageSize = 65536

// MaxPages is the largest page count a 32-bit memory can address.
const MaxPages = 65536

var (
	_ watt.Memory       = (*Memory)(nil)
	_ watt.MemorySizer  = (*Memory)(nil)
	_ watt.MemoryGrower = (*Memory)(nil)
)

// Memory is a linear memory.
type Memory struct {
	buf      []byte
	maxPages uint32
}

// New creates a zeroed memory of minPages pages that may grow to maxPages.
// maxPages is clamped to MaxPages and raised to minPages if smaller.
func New(minPages, maxPages uint32) *Memory {
	if maxPages > MaxPages {
		maxPages = MaxPages
	}
	if minPages > maxPages {
		maxPages = minPages
	}
	return &Memory{
		buf:      make([]byte, uint64(minPages)*PageSize),
		maxPages: maxPages,
	}
}

// Bytes returns the memory contents. The slice is invalidated by Grow and
// Reset.
func (m *Memory) Bytes() []byte {
	return m.buf
}

// Len returns the size in bytes.
func (m *Memory) Len() uint64 {
	return uint64(len(m.buf))
}

// Size returns the size in bytes, saturated at math.MaxUint32 for a full
// 4 GiB memory.
func (m *Memory) Size() uint32 {
	if uint64(len(m.buf)) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(len(m.buf))
}

// Pages returns the size in pages.
func (m *Memory) Pages() uint32 {
	return uint32(len(m.buf) / PageSize)
}

// MaxPages returns the page count the memory may grow to.
func (m *Memory) MaxPages() uint32 {
	return m.maxPages
}

// Grow adds delta zeroed pages. It returns the previous page count, or
// false without changing the memory when the result would exceed the
// maximum.
func (m *Memory) Grow(delta uint32) (uint32, bool) {
	prev := m.Pages()
	if delta == 0 {
		return prev, true
	}
	next := uint64(prev) + uint64(delta)
	if next > uint64(m.maxPages) {
		return prev, false
	}
	size := next * PageSize
	if uint64(cap(m.buf)) >= size {
		old := len(m.buf)
		m.buf = m.buf[:size]
		clear(m.buf[old:])
		return prev, true
	}
	buf := make([]byte, size)
	copy(buf, m.buf)
	m.buf = buf
	return prev, true
}

// Reset restores the memory to pages pages holding image, zeroing the rest.
// The backing array is kept when it is large enough.
func (m *Memory) Reset(image []byte, pages uint32) {
	size := uint64(pages) * PageSize
	if uint64(cap(m.buf)) >= size {
		m.buf = m.buf[:size]
	} else {
		m.buf = make([]byte, size)
	}
	n := copy(m.buf, image)
	clear(m.buf[n:])
}

func (m *Memory) inBounds(addr, n uint64) bool {
	return addr+n >= addr && addr+n <= uint64(len(m.buf))
}

// Load8 reads a byte at addr.
func (m *Memory) Load8(addr uint64) (byte, bool) {
	if addr >= uint64(len(m.buf)) {
		return 0, false
	}
	return m.buf[addr], true
}

// Load16 reads a little-endian uint16 at addr.
func (m *Memory) Load16(addr uint64) (uint16, bool) {
	if !m.inBounds(addr, 2) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(m.buf[addr:]), true
}

// Load32 reads a little-endian uint32 at addr.
func (m *Memory) Load32(addr uint64) (uint32, bool) {
	if !m.inBounds(addr, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.buf[addr:]), true
}

// Load64 reads a little-endian uint64 at addr.
func (m *Memory) Load64(addr uint64) (uint64, bool) {
	if !m.inBounds(addr, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.buf[addr:]), true
}

// Store8 writes a byte at addr.
func (m *Memory) Store8(addr uint64, v byte) bool {
	if addr >= uint64(len(m.buf)) {
		return false
	}
	m.buf[addr] = v
	return true
}

// Store16 writes a little-endian uint16 at addr.
func (m *Memory) Store16(addr uint64, v uint16) bool {
	if !m.inBounds(addr, 2) {
		return false
	}
	binary.LittleEndian.PutUint16(m.buf[addr:], v)
	return true
}

// Store32 writes a little-endian uint32 at addr.
func (m *Memory) Store32(addr uint64, v uint32) bool {
	if !m.inBounds(addr, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.buf[addr:], v)
	return true
}

// Store64 writes a little-endian uint64 at addr.
func (m *Memory) Store64(addr uint64, v uint64) bool {
	if !m.inBounds(addr, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.buf[addr:], v)
	return true
}

// LoadF32 reads the bit pattern of an f32 at addr.
func (m *Memory) LoadF32(addr uint64) (float32, bool) {
	v, ok := m.Load32(addr)
	return math.Float32frombits(v), ok
}

// LoadF64 reads the bit pattern of an f64 at addr.
func (m *Memory) LoadF64(addr uint64) (float64, bool) {
	v, ok := m.Load64(addr)
	return math.Float64frombits(v), ok
}

// Fill sets n bytes starting at dst to val.
func (m *Memory) Fill(dst uint64, val byte, n uint64) bool {
	if !m.inBounds(dst, n) {
		return false
	}
	region := m.buf[dst : dst+n]
	for i := range region {
		region[i] = val
	}
	return true
}

// Copy moves n bytes from src to dst. The regions may overlap.
func (m *Memory) Copy(dst, src, n uint64) bool {
	if !m.inBounds(dst, n) || !m.inBounds(src, n) {
		return false
	}
	copy(m.buf[dst:dst+n], m.buf[src:src+n])
	return true
}

// CopyIn copies data into memory at dst.
func (m *Memory) CopyIn(dst uint64, data []byte) bool {
	if !m.inBounds(dst, uint64(len(data))) {
		return false
	}
	copy(m.buf[dst:], data)
	return true
}

func (m *Memory) outOfBounds(offset uint32, length uint64) error {
	return errors.MemoryOutOfBounds(uint64(offset), length, m.Len())
}

// Read returns length bytes at offset. The result aliases the memory.
func (m *Memory) Read(offset uint32, length uint32) ([]byte, error) {
	if !m.inBounds(uint64(offset), uint64(length)) {
		return nil, m.outOfBounds(offset, uint64(length))
	}
	return m.buf[offset : uint64(offset)+uint64(length) : uint64(offset)+uint64(length)], nil
}

// Write copies data into memory at offset.
func (m *Memory) Write(offset uint32, data []byte) error {
	if !m.CopyIn(uint64(offset), data) {
		return m.outOfBounds(offset, uint64(len(data)))
	}
	return nil
}

// ReadU8 reads an unsigned 8-bit value.
func (m *Memory) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.Load8(uint64(offset))
	if !ok {
		return 0, m.outOfBounds(offset, 1)
	}
	return v, nil
}

// ReadU16 reads an unsigned 16-bit little-endian value.
func (m *Memory) ReadU16(offset uint32) (uint16, error) {
	v, ok := m.Load16(uint64(offset))
	if !ok {
		return 0, m.outOfBounds(offset, 2)
	}
	return v, nil
}

// ReadU32 reads an unsigned 32-bit little-endian value.
func (m *Memory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.Load32(uint64(offset))
	if !ok {
		return 0, m.outOfBounds(offset, 4)
	}
	return v, nil
}

// ReadU64 reads an unsigned 64-bit little-endian value.
func (m *Memory) ReadU64(offset uint32) (uint64, error) {
	v, ok := m.Load64(uint64(offset))
	if !ok {
		return 0, m.outOfBounds(offset, 8)
	}
	return v, nil
}

// WriteU8 writes an unsigned 8-bit value.
func (m *Memory) WriteU8(offset uint32, value uint8) error {
	if !m.Store8(uint64(offset), value) {
		return m.outOfBounds(offset, 1)
	}
	return nil
}

// WriteU16 writes an unsigned 16-bit little-endian value.
func (m *Memory) WriteU16(offset uint32, value uint16) error {
	if !m.Store16(uint64(offset), value) {
		return m.outOfBounds(offset, 2)
	}
	return nil
}

// WriteU32 writes an unsigned 32-bit little-endian value.
func (m *Memory) WriteU32(offset uint32, value uint32) error {
	if !m.Store32(uint64(offset), value) {
		return m.outOfBounds(offset, 4)
	}
	return nil
}

// WriteU64 writes an unsigned 64-bit little-endian value.
func (m *Memory) WriteU64(offset uint32, value uint64) error {
	if !m.Store64(uint64(offset), value) {
		return m.outOfBounds(offset, 8)
	}
	return nil
}
