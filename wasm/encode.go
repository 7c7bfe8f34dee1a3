package wasm

import (
	"github.com/wippyai/watt/wasm/internal/binary"
)

// Encode encodes the module to the binary format. Custom sections are
// written after all known sections.
func (m *Module) Encode() []byte {
	w := binary.NewWriter()

	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	if len(m.Types) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Types)))
		for _, ft := range m.Types {
			sec.Byte(FuncTypeByte)
			writeValTypes(sec, ft.Params)
			writeValTypes(sec, ft.Results)
		}
		writeSection(w, SectionType, sec.Bytes())
	}

	if len(m.Imports) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			sec.WriteName(imp.Module)
			sec.WriteName(imp.Name)
			sec.Byte(imp.Desc.Kind)
			switch imp.Desc.Kind {
			case KindFunc:
				sec.WriteU32(imp.Desc.TypeIdx)
			case KindTable:
				if imp.Desc.Table != nil {
					writeTableType(sec, *imp.Desc.Table)
				}
			case KindMemory:
				if imp.Desc.Memory != nil {
					writeLimits(sec, imp.Desc.Memory.Limits)
				}
			case KindGlobal:
				if imp.Desc.Global != nil {
					writeGlobalType(sec, *imp.Desc.Global)
				}
			}
		}
		writeSection(w, SectionImport, sec.Bytes())
	}

	if len(m.Funcs) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Funcs)))
		for _, typeIdx := range m.Funcs {
			sec.WriteU32(typeIdx)
		}
		writeSection(w, SectionFunction, sec.Bytes())
	}

	if len(m.Tables) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Tables)))
		for _, t := range m.Tables {
			writeTableType(sec, t)
		}
		writeSection(w, SectionTable, sec.Bytes())
	}

	if len(m.Memories) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Memories)))
		for _, mem := range m.Memories {
			writeLimits(sec, mem.Limits)
		}
		writeSection(w, SectionMemory, sec.Bytes())
	}

	if len(m.Globals) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Globals)))
		for _, g := range m.Globals {
			writeGlobalType(sec, g.Type)
			writeConstExpr(sec, g.Init)
		}
		writeSection(w, SectionGlobal, sec.Bytes())
	}

	if len(m.Exports) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Exports)))
		for _, exp := range m.Exports {
			sec.WriteName(exp.Name)
			sec.Byte(exp.Kind)
			sec.WriteU32(exp.Idx)
		}
		writeSection(w, SectionExport, sec.Bytes())
	}

	if m.Start != nil {
		sec := binary.NewWriter()
		sec.WriteU32(*m.Start)
		writeSection(w, SectionStart, sec.Bytes())
	}

	if len(m.Elements) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Elements)))
		for _, el := range m.Elements {
			writeElement(sec, el)
		}
		writeSection(w, SectionElement, sec.Bytes())
	}

	if m.DataCount != nil {
		sec := binary.NewWriter()
		sec.WriteU32(*m.DataCount)
		writeSection(w, SectionDataCount, sec.Bytes())
	}

	if len(m.Code) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Code)))
		for _, body := range m.Code {
			bw := binary.NewWriter()
			bw.WriteU32(uint32(len(body.Locals)))
			for _, l := range body.Locals {
				bw.WriteU32(l.Count)
				bw.Byte(byte(l.ValType))
			}
			bw.WriteBytes(body.Code)
			sec.WriteU32(uint32(bw.Len()))
			sec.WriteBytes(bw.Bytes())
		}
		writeSection(w, SectionCode, sec.Bytes())
	}

	if len(m.Data) > 0 {
		sec := binary.NewWriter()
		sec.WriteU32(uint32(len(m.Data)))
		for _, seg := range m.Data {
			switch {
			case seg.Mode == SegmentPassive:
				sec.WriteU32(1)
			case seg.MemIdx != 0:
				sec.WriteU32(2)
				sec.WriteU32(seg.MemIdx)
				writeConstExpr(sec, seg.Offset)
			default:
				sec.WriteU32(0)
				writeConstExpr(sec, seg.Offset)
			}
			sec.WriteU32(uint32(len(seg.Init)))
			sec.WriteBytes(seg.Init)
		}
		writeSection(w, SectionData, sec.Bytes())
	}

	for _, cs := range m.CustomSections {
		sec := binary.NewWriter()
		sec.WriteName(cs.Name)
		sec.WriteBytes(cs.Data)
		writeSection(w, SectionCustom, sec.Bytes())
	}

	return w.Bytes()
}

func writeSection(w *binary.Writer, id byte, data []byte) {
	w.Byte(id)
	w.WriteU32(uint32(len(data)))
	w.WriteBytes(data)
}

func writeValTypes(w *binary.Writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func writeLimits(w *binary.Writer, l Limits) {
	if l.Max != nil {
		w.Byte(LimitsHasMax)
		w.WriteU32(l.Min)
		w.WriteU32(*l.Max)
		return
	}
	w.Byte(LimitsNoMax)
	w.WriteU32(l.Min)
}

func writeTableType(w *binary.Writer, t TableType) {
	w.Byte(byte(ValFuncRef))
	writeLimits(w, t.Limits)
}

func writeGlobalType(w *binary.Writer, g GlobalType) {
	w.Byte(byte(g.ValType))
	if g.Mutable {
		w.Byte(GlobalMutable)
	} else {
		w.Byte(GlobalConst)
	}
}

func writeConstExpr(w *binary.Writer, e ConstExpr) {
	w.Byte(e.Opcode)
	switch e.Opcode {
	case OpI32Const:
		w.WriteS32(int32(uint32(e.Value)))
	case OpI64Const:
		w.WriteS64(int64(e.Value))
	case OpF32Const:
		w.WriteU32LE(uint32(e.Value))
	case OpF64Const:
		w.WriteU64LE(e.Value)
	case OpGlobalGet, OpRefFunc:
		w.WriteU32(uint32(e.Value))
	case OpRefNull:
		w.Byte(byte(ValFuncRef))
	}
	w.Byte(OpEnd)
}

// writeElement uses the index-list encodings (flags 0, 1, 2, 3) unless a
// segment holds null entries, which need the expression encodings.
func writeElement(w *binary.Writer, el Element) {
	hasNull := false
	for _, idx := range el.FuncIdxs {
		if idx == NullFunc {
			hasNull = true
			break
		}
	}
	var flags uint32
	switch el.Mode {
	case SegmentPassive:
		flags = 1
	case SegmentDeclarative:
		flags = 3
	default:
		if el.TableIdx != 0 {
			flags = 2
		}
	}
	if hasNull {
		flags |= 4
	}
	w.WriteU32(flags)
	if el.Mode == SegmentActive {
		if flags&2 != 0 {
			w.WriteU32(el.TableIdx)
		}
		writeConstExpr(w, el.Offset)
	}
	if flags&3 != 0 {
		if hasNull {
			w.Byte(byte(ValFuncRef))
		} else {
			w.Byte(0x00)
		}
	}
	w.WriteU32(uint32(len(el.FuncIdxs)))
	for _, idx := range el.FuncIdxs {
		if !hasNull {
			w.WriteU32(idx)
			continue
		}
		if idx == NullFunc {
			writeConstExpr(w, ConstExpr{Opcode: OpRefNull})
		} else {
			writeConstExpr(w, ConstExpr{Opcode: OpRefFunc, Value: uint64(idx)})
		}
	}
}
