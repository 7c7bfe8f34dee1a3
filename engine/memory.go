package engine

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/host"
)

// WrapMemory adapts a wazero memory to host.Memory. It returns nil for a
// nil memory.
func WrapMemory(mem api.Memory) host.Memory {
	if mem == nil {
		return nil
	}
	return &MemoryWrapper{Mem: mem}
}

// MemoryWrapper adapts wazero api.Memory to the watt.Memory contract.
// Failed accesses return memory_out_of_bounds errors.
type MemoryWrapper struct {
	Mem api.Memory
}

func (m *MemoryWrapper) oob(offset uint32, length uint64) error {
	return errors.MemoryOutOfBounds(uint64(offset), length, uint64(m.Mem.Size()))
}

// Size returns the memory size in bytes.
func (m *MemoryWrapper) Size() uint32 {
	return m.Mem.Size()
}

// Grow adds deltaPages pages and reports the previous page count.
func (m *MemoryWrapper) Grow(deltaPages uint32) (uint32, bool) {
	return m.Mem.Grow(deltaPages)
}

// Read returns length bytes at offset. The result aliases the memory.
func (m *MemoryWrapper) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.Mem.Read(offset, length)
	if !ok {
		return nil, m.oob(offset, uint64(length))
	}
	return data, nil
}

func (m *MemoryWrapper) Write(offset uint32, data []byte) error {
	if !m.Mem.Write(offset, data) {
		return m.oob(offset, uint64(len(data)))
	}
	return nil
}

func (m *MemoryWrapper) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.Mem.ReadByte(offset)
	if !ok {
		return 0, m.oob(offset, 1)
	}
	return v, nil
}

func (m *MemoryWrapper) ReadU16(offset uint32) (uint16, error) {
	v, ok := m.Mem.ReadUint16Le(offset)
	if !ok {
		return 0, m.oob(offset, 2)
	}
	return v, nil
}

func (m *MemoryWrapper) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.Mem.ReadUint32Le(offset)
	if !ok {
		return 0, m.oob(offset, 4)
	}
	return v, nil
}

func (m *MemoryWrapper) ReadU64(offset uint32) (uint64, error) {
	v, ok := m.Mem.ReadUint64Le(offset)
	if !ok {
		return 0, m.oob(offset, 8)
	}
	return v, nil
}

func (m *MemoryWrapper) WriteU8(offset uint32, value uint8) error {
	if !m.Mem.WriteByte(offset, value) {
		return m.oob(offset, 1)
	}
	return nil
}

func (m *MemoryWrapper) WriteU16(offset uint32, value uint16) error {
	if !m.Mem.WriteUint16Le(offset, value) {
		return m.oob(offset, 2)
	}
	return nil
}

func (m *MemoryWrapper) WriteU32(offset uint32, value uint32) error {
	if !m.Mem.WriteUint32Le(offset, value) {
		return m.oob(offset, 4)
	}
	return nil
}

func (m *MemoryWrapper) WriteU64(offset uint32, value uint64) error {
	if !m.Mem.WriteUint64Le(offset, value) {
		return m.oob(offset, 8)
	}
	return nil
}
