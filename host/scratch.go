package host

import (
	"github.com/wippyai/watt"
	"github.com/wippyai/watt/errors"
)

const pageSize = 65536

var _ watt.Allocator = (*Scratch)(nil)

// Scratch is a bump allocator over pages it grows itself. It never hands
// out memory the guest already owns: every region lies in pages added by
// the allocator's own Grow calls.
type Scratch struct {
	mem  Memory
	next uint64
	end  uint64
}

// NewScratch creates a scratch allocator over mem.
func NewScratch(mem Memory) *Scratch {
	return &Scratch{mem: mem}
}

// Alloc returns size zeroed bytes aligned to align, growing memory when
// the current region is exhausted.
func (s *Scratch) Alloc(size, align uint32) (uint32, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, errors.InvalidInput(errors.PhaseHost, "alignment must be a power of two")
	}
	a := uint64(align)
	ptr := (s.next + a - 1) &^ (a - 1)
	if s.end == 0 || ptr+uint64(size) > s.end {
		pages := (uint64(size) + a + pageSize - 1) / pageSize
		if pages == 0 {
			pages = 1
		}
		if pages > 1<<16 {
			return 0, errors.AllocationFailed(errors.PhaseHost, size, align)
		}
		prev, ok := s.mem.Grow(uint32(pages))
		if !ok {
			return 0, errors.AllocationFailed(errors.PhaseHost, size, align)
		}
		start := uint64(prev) * pageSize
		s.end = start + pages*pageSize
		ptr = (start + a - 1) &^ (a - 1)
	}
	s.next = ptr + uint64(size)
	return uint32(ptr), nil
}

// Free is a no-op; scratch memory lives as long as the instance.
func (s *Scratch) Free(ptr, size, align uint32) {}
