package wasm

import (
	"sort"

	"github.com/wippyai/watt/wasm/internal/binary"
)

// FuncNames returns the function names recorded in the "name" custom
// section, keyed by function index. A missing or malformed name section
// yields an empty map.
func (m *Module) FuncNames() map[uint32]string {
	names := make(map[uint32]string)
	for _, cs := range m.CustomSections {
		if cs.Name != "name" {
			continue
		}
		r := binary.NewReader(cs.Data, 0)
		for r.Len() > 0 {
			id, err := r.ReadByte()
			if err != nil {
				return names
			}
			size, err := r.ReadU32()
			if err != nil {
				return names
			}
			sub, err := r.Sub(int(size))
			if err != nil {
				return names
			}
			if id != 1 {
				continue
			}
			n, err := sub.ReadU32()
			if err != nil {
				return names
			}
			for i := uint32(0); i < n; i++ {
				idx, err := sub.ReadU32()
				if err != nil {
					return names
				}
				name, err := sub.ReadName()
				if err != nil {
					return names
				}
				names[idx] = name
			}
		}
	}
	return names
}

// SetFuncNames replaces the module's name section with one holding the
// given function names.
func (m *Module) SetFuncNames(names map[uint32]string) {
	kept := m.CustomSections[:0:0]
	for _, cs := range m.CustomSections {
		if cs.Name != "name" {
			kept = append(kept, cs)
		}
	}
	m.CustomSections = kept
	if len(names) == 0 {
		return
	}
	idxs := make([]uint32, 0, len(names))
	for idx := range names {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	sub := binary.NewWriter()
	sub.WriteU32(uint32(len(idxs)))
	for _, idx := range idxs {
		sub.WriteU32(idx)
		sub.WriteName(names[idx])
	}
	w := binary.NewWriter()
	w.Byte(1)
	w.WriteU32(uint32(sub.Len()))
	w.WriteBytes(sub.Bytes())
	m.CustomSections = append(m.CustomSections, CustomSection{Name: "name", Data: w.Bytes()})
}
