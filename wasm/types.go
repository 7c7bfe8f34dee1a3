package wasm

import "strings"

// Module is the parsed form of a binary module. It is never mutated by
// the parser once returned and may be shared between goroutines.
type Module struct {
	Start          *uint32
	DataCount      *uint32
	Types          []FuncType
	Imports        []Import
	Funcs          []uint32 // type index of each defined function
	Tables         []TableType
	Memories       []MemoryType
	Globals        []Global
	Exports        []Export
	Elements       []Element
	Code           []FuncBody
	Data           []DataSegment
	CustomSections []CustomSection
	sections       []SectionInfo
}

// Sections returns the layout of the binary the module was parsed from.
// It is empty for modules built in memory.
func (m *Module) Sections() []SectionInfo {
	return m.sections
}

func (m *Module) sectionOffset(id byte) int {
	for _, s := range m.sections {
		if s.ID == id {
			return s.Offset
		}
	}
	return 0
}

// FuncType represents a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are structurally identical.
func (f FuncType) Equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

func (f FuncType) String() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, p := range f.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.String())
	}
	b.WriteString(") -> (")
	for i, r := range f.Results {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(r.String())
	}
	b.WriteByte(')')
	return b.String()
}

// ValType represents a value type.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValFuncRef:
		return "funcref"
	default:
		return "unknown"
	}
}

// IsNumeric reports whether v is one of the four number types.
func (v ValType) IsNumeric() bool {
	return v == ValI32 || v == ValI64 || v == ValF32 || v == ValF64
}

// Import represents an imported function, table, memory, or global.
type Import struct {
	Desc   ImportDesc
	Module string
	Name   string
}

// ImportDesc describes an imported item.
// Kind uses KindFunc, KindTable, KindMemory or KindGlobal.
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32
	Kind    byte
}

// TableType describes a funcref table with size limits.
type TableType struct {
	Limits   Limits
	ElemType ValType
}

// MemoryType describes a linear memory with size limits in pages.
type MemoryType struct {
	Limits Limits
}

// Limits describes size constraints for tables and memories.
type Limits struct {
	Max *uint32
	Min uint32
}

// GlobalType describes a global variable's type and mutability.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global represents a global variable with type and initialization.
type Global struct {
	Init ConstExpr
	Type GlobalType
}

// ConstExpr is a single-instruction constant expression as used by
// global initializers and segment offsets.
type ConstExpr struct {
	// Value holds the constant's bit pattern for *.const, or the index
	// for global.get and ref.func.
	Value  uint64
	Opcode byte
}

// I32 returns a constant expression for an i32 value.
func I32(v int32) ConstExpr {
	return ConstExpr{Opcode: OpI32Const, Value: uint64(uint32(v))}
}

// Export describes an exported item.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// Segment modes for element and data segments.
const (
	SegmentActive      byte = 0
	SegmentPassive     byte = 1
	SegmentDeclarative byte = 2
)

// NullFunc marks an empty slot in an element segment.
const NullFunc = ^uint32(0)

// Element represents an element segment of function references.
type Element struct {
	Offset   ConstExpr
	FuncIdxs []uint32
	TableIdx uint32
	Mode     byte
}

// FuncBody represents a function's local declarations and bytecode.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte // instructions including the final end opcode
	Offset int    // position of Code within the module binary
}

// NumLocals returns the number of declared locals, excluding parameters.
func (b *FuncBody) NumLocals() uint64 {
	var n uint64
	for _, l := range b.Locals {
		n += uint64(l.Count)
	}
	return n
}

// LocalEntry represents a group of local variables with the same type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// DataSegment represents a data segment.
type DataSegment struct {
	Offset ConstExpr
	Init   []byte
	MemIdx uint32
	Mode   byte
}

// CustomSection holds a named custom section's data.
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs returns the number of imported functions.
func (m *Module) NumImportedFuncs() int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc {
			n++
		}
	}
	return n
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() int {
	return m.NumImportedFuncs() + len(m.Funcs)
}

// NumImportedGlobals returns the number of imported globals.
func (m *Module) NumImportedGlobals() int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindGlobal {
			n++
		}
	}
	return n
}

// GetFuncType returns the signature of the function at funcIdx in the
// function index space, or nil if the index is out of range.
func (m *Module) GetFuncType(funcIdx uint32) *FuncType {
	var typeIdx uint32
	imported := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if uint32(imported) == funcIdx {
			return m.typeAt(imp.Desc.TypeIdx)
		}
		imported++
	}
	local := uint64(funcIdx) - uint64(imported)
	if local >= uint64(len(m.Funcs)) {
		return nil
	}
	typeIdx = m.Funcs[local]
	return m.typeAt(typeIdx)
}

func (m *Module) typeAt(idx uint32) *FuncType {
	if int(idx) >= len(m.Types) {
		return nil
	}
	return &m.Types[idx]
}

// ExportedFunc looks up a function export by name.
func (m *Module) ExportedFunc(name string) (uint32, *FuncType, bool) {
	for _, exp := range m.Exports {
		if exp.Name == name && exp.Kind == KindFunc {
			return exp.Idx, m.GetFuncType(exp.Idx), true
		}
	}
	return 0, nil, false
}

// FindExport returns the export with the given name regardless of kind.
func (m *Module) FindExport(name string) (Export, bool) {
	for _, exp := range m.Exports {
		if exp.Name == name {
			return exp, true
		}
	}
	return Export{}, false
}

// Memory returns the module's only memory, defined or imported.
func (m *Module) Memory() *MemoryType {
	if len(m.Memories) > 0 {
		return &m.Memories[0]
	}
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindMemory {
			return imp.Desc.Memory
		}
	}
	return nil
}

// AddType appends a function type if no identical type exists.
// Returns the type index.
func (m *Module) AddType(ft FuncType) uint32 {
	for i, existing := range m.Types {
		if existing.Equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}

// BlockType resolves a block type immediate to its parameter and result
// types. It returns false for an out-of-range type index.
func (m *Module) BlockType(bt int32) (params, results []ValType, ok bool) {
	switch bt {
	case BlockTypeVoid:
		return nil, nil, true
	case BlockTypeI32:
		return nil, []ValType{ValI32}, true
	case BlockTypeI64:
		return nil, []ValType{ValI64}, true
	case BlockTypeF32:
		return nil, []ValType{ValF32}, true
	case BlockTypeF64:
		return nil, []ValType{ValF64}, true
	}
	if bt < 0 || int(bt) >= len(m.Types) {
		return nil, nil, false
	}
	ft := m.Types[bt]
	return ft.Params, ft.Results, true
}
