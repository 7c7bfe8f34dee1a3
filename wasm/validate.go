package wasm

import (
	"fmt"

	"github.com/wippyai/watt/errors"
)

// DefaultMemoryCeiling is the default upper bound on declared memory
// maximums, in pages (4 GiB).
const DefaultMemoryCeiling = MemoryMaxPages

type validateConfig struct {
	memoryCeiling uint32
}

// ValidateOption configures Validate.
type ValidateOption func(*validateConfig)

// WithMemoryCeiling rejects modules whose memory may grow beyond pages.
// A memory without a declared maximum is capped at the ceiling.
func WithMemoryCeiling(pages uint32) ValidateOption {
	return func(c *validateConfig) {
		if pages > 0 && pages <= MemoryMaxPages {
			c.memoryCeiling = pages
		}
	}
}

// Validate checks the module for structural validity. It does not look at
// function bodies; the interpreter checks instructions when it compiles
// them.
func (m *Module) Validate(opts ...ValidateOption) error {
	cfg := validateConfig{memoryCeiling: DefaultMemoryCeiling}
	for _, opt := range opts {
		opt(&cfg)
	}
	checks := []struct {
		fn      func() error
		section byte
	}{
		{m.validateTypeIndices, SectionFunction},
		{m.validateImports, SectionImport},
		{m.validateTables, SectionTable},
		{func() error { return m.validateMemory(cfg.memoryCeiling) }, SectionMemory},
		{m.validateGlobals, SectionGlobal},
		{m.validateExports, SectionExport},
		{m.validateStart, SectionStart},
		{m.validateElements, SectionElement},
		{m.validateDataCount, SectionDataCount},
		{m.validateData, SectionData},
	}
	for _, c := range checks {
		if err := c.fn(); err != nil {
			return errors.MalformedModule(errors.PhaseValidate, sectionName(c.section), m.sectionOffset(c.section), err)
		}
	}
	return nil
}

// ParseModuleValidate parses a module binary and validates it.
func ParseModuleValidate(data []byte, opts ...ValidateOption) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(opts...); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) validateTypeIndices() error {
	numTypes := uint32(len(m.Types))
	for i, typeIdx := range m.Funcs {
		if typeIdx >= numTypes {
			return fmt.Errorf("function %d references invalid type index %d (have %d types)", i, typeIdx, numTypes)
		}
	}
	return nil
}

func (m *Module) validateImports() error {
	for i, imp := range m.Imports {
		switch imp.Desc.Kind {
		case KindFunc:
			if imp.Desc.TypeIdx >= uint32(len(m.Types)) {
				return fmt.Errorf("import %d (%s.%s) references invalid type index %d", i, imp.Module, imp.Name, imp.Desc.TypeIdx)
			}
		case KindGlobal:
			if imp.Desc.Global != nil && imp.Desc.Global.Mutable {
				return fmt.Errorf("import %d (%s.%s): %w: mutable global import", i, imp.Module, imp.Name, ErrUnsupported)
			}
		}
	}
	return nil
}

func (m *Module) numTables() int {
	n := len(m.Tables)
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindTable {
			n++
		}
	}
	return n
}

func (m *Module) numMemories() int {
	n := len(m.Memories)
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindMemory {
			n++
		}
	}
	return n
}

func (m *Module) validateTables() error {
	if n := m.numTables(); n > 1 {
		return fmt.Errorf("%w: %d tables", ErrUnsupported, n)
	}
	for i, t := range m.Tables {
		if t.Limits.Max != nil && t.Limits.Min > *t.Limits.Max {
			return fmt.Errorf("table %d: min %d exceeds max %d", i, t.Limits.Min, *t.Limits.Max)
		}
	}
	return nil
}

func (m *Module) validateMemory(ceiling uint32) error {
	if n := m.numMemories(); n > 1 {
		return fmt.Errorf("%w: %d memories", ErrUnsupported, n)
	}
	mem := m.Memory()
	if mem == nil {
		return nil
	}
	lim := mem.Limits
	if lim.Min > ceiling {
		return fmt.Errorf("initial size %d pages exceeds ceiling %d", lim.Min, ceiling)
	}
	if lim.Max != nil {
		if lim.Min > *lim.Max {
			return fmt.Errorf("initial size %d pages exceeds maximum %d", lim.Min, *lim.Max)
		}
		if *lim.Max > ceiling {
			return fmt.Errorf("maximum %d pages exceeds ceiling %d", *lim.Max, ceiling)
		}
	}
	return nil
}

func (m *Module) validateGlobals() error {
	imported := uint32(m.NumImportedGlobals())
	for i, g := range m.Globals {
		if err := m.validateConstExpr(g.Init, g.Type.ValType, imported); err != nil {
			return fmt.Errorf("global %d: %w", i, err)
		}
	}
	return nil
}

// validateConstExpr checks that e produces a value of type want. Only
// imported globals may be read, and only immutable ones exist.
func (m *Module) validateConstExpr(e ConstExpr, want ValType, visibleGlobals uint32) error {
	var got ValType
	switch e.Opcode {
	case OpI32Const:
		got = ValI32
	case OpI64Const:
		got = ValI64
	case OpF32Const:
		got = ValF32
	case OpF64Const:
		got = ValF64
	case OpGlobalGet:
		idx := uint32(e.Value)
		if idx >= visibleGlobals {
			return fmt.Errorf("constant expression reads global %d, only %d imported globals are visible", idx, visibleGlobals)
		}
		got = m.importedGlobalType(idx)
	default:
		return fmt.Errorf("constant expression opcode 0x%02x cannot produce %s", e.Opcode, want)
	}
	if got != want {
		return fmt.Errorf("constant expression has type %s, expected %s", got, want)
	}
	return nil
}

func (m *Module) importedGlobalType(idx uint32) ValType {
	var n uint32
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindGlobal || imp.Desc.Global == nil {
			continue
		}
		if n == idx {
			return imp.Desc.Global.ValType
		}
		n++
	}
	return 0
}

func (m *Module) validateExports() error {
	seen := make(map[string]struct{}, len(m.Exports))
	numFuncs := uint32(m.NumFuncs())
	numGlobals := uint32(m.NumImportedGlobals() + len(m.Globals))
	for i, exp := range m.Exports {
		if _, dup := seen[exp.Name]; dup {
			return fmt.Errorf("duplicate export name %q at index %d", exp.Name, i)
		}
		seen[exp.Name] = struct{}{}

		var limit uint32
		switch exp.Kind {
		case KindFunc:
			limit = numFuncs
		case KindTable:
			limit = uint32(m.numTables())
		case KindMemory:
			limit = uint32(m.numMemories())
		case KindGlobal:
			limit = numGlobals
		}
		if exp.Idx >= limit {
			return fmt.Errorf("export %q references invalid index %d", exp.Name, exp.Idx)
		}
	}
	return nil
}

func (m *Module) validateStart() error {
	if m.Start == nil {
		return nil
	}
	ft := m.GetFuncType(*m.Start)
	if ft == nil {
		return fmt.Errorf("start function index %d out of range", *m.Start)
	}
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return fmt.Errorf("start function must have signature () -> (), got %s", ft)
	}
	return nil
}

func (m *Module) validateElements() error {
	numFuncs := uint32(m.NumFuncs())
	imported := uint32(m.NumImportedGlobals())
	for i, el := range m.Elements {
		if el.Mode == SegmentActive {
			if el.TableIdx >= uint32(m.numTables()) {
				return fmt.Errorf("element %d references missing table %d", i, el.TableIdx)
			}
			if err := m.validateConstExpr(el.Offset, ValI32, imported); err != nil {
				return fmt.Errorf("element %d offset: %w", i, err)
			}
		}
		for j, f := range el.FuncIdxs {
			if f != NullFunc && f >= numFuncs {
				return fmt.Errorf("element %d entry %d references invalid function %d", i, j, f)
			}
		}
	}
	return nil
}

func (m *Module) validateDataCount() error {
	if m.DataCount != nil && *m.DataCount != uint32(len(m.Data)) {
		return fmt.Errorf("data count section declares %d segments, data section has %d",
			*m.DataCount, len(m.Data))
	}
	return nil
}

func (m *Module) validateData() error {
	imported := uint32(m.NumImportedGlobals())
	for i, seg := range m.Data {
		if seg.Mode != SegmentActive {
			continue
		}
		if seg.MemIdx != 0 || m.Memory() == nil {
			return fmt.Errorf("data segment %d references missing memory %d", i, seg.MemIdx)
		}
		if err := m.validateConstExpr(seg.Offset, ValI32, imported); err != nil {
			return fmt.Errorf("data segment %d offset: %w", i, err)
		}
	}
	return nil
}
