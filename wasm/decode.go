package wasm

import (
	stderrors "errors"
	"fmt"

	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/wasm/internal/binary"
)

// Parsing errors wrapped into malformed_module errors by ParseModule.
var (
	ErrInvalidMagic   = stderrors.New("invalid magic number")
	ErrInvalidVersion = stderrors.New("unsupported binary version")
	ErrUnsupported    = stderrors.New("unsupported feature")
)

// maxLocals bounds the number of locals a single function may declare.
const maxLocals = 50000

// SectionInfo records where a section was found in the binary.
type SectionInfo struct {
	Name   string
	Offset int // position of the section payload
	Size   int
	ID     byte
}

// ParseModule parses a module binary. Every failure is a malformed_module
// *errors.Error naming the offending section and byte offset. ParseModule
// never panics. The returned module aliases data, which must not be
// modified afterwards.
func ParseModule(data []byte) (m *Module, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			m = nil
			err = errors.MalformedModule(errors.PhaseParse, "", 0, fmt.Errorf("parser fault: %v", rec))
		}
	}()
	m, _, err = parseModule(data)
	return m, err
}

func parseModule(data []byte) (*Module, []SectionInfo, error) {
	r := binary.NewReader(data, 0)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, nil, errors.MalformedModule(errors.PhaseParse, "header", r.Position(), err)
	}
	if magic != Magic {
		return nil, nil, errors.MalformedModule(errors.PhaseParse, "header", 0, ErrInvalidMagic)
	}
	version, err := r.ReadU32LE()
	if err != nil {
		return nil, nil, errors.MalformedModule(errors.PhaseParse, "header", r.Position(), err)
	}
	if version != Version {
		return nil, nil, errors.MalformedModule(errors.PhaseParse, "header", 4,
			fmt.Errorf("%w: %d", ErrInvalidVersion, version))
	}

	m := &Module{}
	var sections []SectionInfo
	lastOrder := 0

	for r.Len() > 0 {
		start := r.Position()
		id, _ := r.ReadByte()
		name := sectionName(id)

		if id != SectionCustom {
			order := sectionOrder(id)
			if order == 0 {
				return nil, nil, errors.MalformedModule(errors.PhaseParse, name, start,
					fmt.Errorf("unknown section id 0x%02x", id))
			}
			if order <= lastOrder {
				return nil, nil, errors.MalformedModule(errors.PhaseParse, name, start,
					stderrors.New("section out of order or duplicated"))
			}
			lastOrder = order
		}

		size, err := r.ReadU32()
		if err != nil {
			return nil, nil, errors.MalformedModule(errors.PhaseParse, name, r.Position(), err)
		}
		sr, err := r.Sub(int(size))
		if err != nil {
			return nil, nil, errors.MalformedModule(errors.PhaseParse, name, r.Position(),
				fmt.Errorf("section size %d exceeds remaining %d bytes", size, r.Len()))
		}
		sections = append(sections, SectionInfo{ID: id, Name: name, Offset: sr.Position(), Size: int(size)})

		if err := parseSection(id, sr, m); err != nil {
			return nil, nil, errors.MalformedModule(errors.PhaseParse, name, sr.Position(), err)
		}
		if sr.Len() != 0 {
			return nil, nil, errors.MalformedModule(errors.PhaseParse, name, sr.Position(),
				fmt.Errorf("%d trailing bytes in section", sr.Len()))
		}
	}

	if len(m.Funcs) != len(m.Code) {
		off := len(data)
		for _, s := range sections {
			if s.ID == SectionCode {
				off = s.Offset
			}
		}
		return nil, nil, errors.MalformedModule(errors.PhaseParse, "code", off,
			fmt.Errorf("function section declares %d functions, code section has %d bodies", len(m.Funcs), len(m.Code)))
	}
	m.sections = sections
	return m, sections, nil
}

func parseSection(id byte, r *binary.Reader, m *Module) error {
	switch id {
	case SectionCustom:
		return parseCustomSection(r, m)
	case SectionType:
		return parseTypeSection(r, m)
	case SectionImport:
		return parseImportSection(r, m)
	case SectionFunction:
		return parseFunctionSection(r, m)
	case SectionTable:
		return parseTableSection(r, m)
	case SectionMemory:
		return parseMemorySection(r, m)
	case SectionGlobal:
		return parseGlobalSection(r, m)
	case SectionExport:
		return parseExportSection(r, m)
	case SectionStart:
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Start = &idx
		return nil
	case SectionElement:
		return parseElementSection(r, m)
	case SectionCode:
		return parseCodeSection(r, m)
	case SectionData:
		return parseDataSection(r, m)
	case SectionDataCount:
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.DataCount = &n
		return nil
	}
	return fmt.Errorf("unknown section id 0x%02x", id)
}

// sectionOrder returns the position a section must take in the binary, or
// 0 for unknown sections. Tag sections (exception handling) are rejected.
func sectionOrder(id byte) int {
	switch id {
	case SectionType:
		return 1
	case SectionImport:
		return 2
	case SectionFunction:
		return 3
	case SectionTable:
		return 4
	case SectionMemory:
		return 5
	case SectionGlobal:
		return 6
	case SectionExport:
		return 7
	case SectionStart:
		return 8
	case SectionElement:
		return 9
	case SectionDataCount:
		return 10
	case SectionCode:
		return 11
	case SectionData:
		return 12
	default:
		return 0
	}
}

func sectionName(id byte) string {
	switch id {
	case SectionCustom:
		return "custom"
	case SectionType:
		return "type"
	case SectionImport:
		return "import"
	case SectionFunction:
		return "function"
	case SectionTable:
		return "table"
	case SectionMemory:
		return "memory"
	case SectionGlobal:
		return "global"
	case SectionExport:
		return "export"
	case SectionStart:
		return "start"
	case SectionElement:
		return "element"
	case SectionCode:
		return "code"
	case SectionData:
		return "data"
	case SectionDataCount:
		return "data count"
	default:
		return fmt.Sprintf("section 0x%02x", id)
	}
}

// readCount reads a vector length and rejects lengths that cannot fit in
// the remaining bytes, given the minimum encoded size of one element.
func readCount(r *binary.Reader, minElemSize int) (uint32, error) {
	n, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	if uint64(n)*uint64(minElemSize) > uint64(r.Len()) {
		return 0, fmt.Errorf("vector length %d exceeds remaining %d bytes", n, r.Len())
	}
	return n, nil
}

func parseCustomSection(r *binary.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	m.CustomSections = append(m.CustomSections, CustomSection{
		Name: name,
		Data: r.ReadRemaining(),
	})
	return nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r, 3)
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != FuncTypeByte {
			return fmt.Errorf("%w: type form 0x%02x at type %d", ErrUnsupported, form, i)
		}
		params, err := readValTypes(r)
		if err != nil {
			return fmt.Errorf("type %d params: %w", i, err)
		}
		results, err := readValTypes(r)
		if err != nil {
			return fmt.Errorf("type %d results: %w", i, err)
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	n, err := readCount(r, 1)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	types := make([]ValType, n)
	for i := range types {
		if types[i], err = readValType(r); err != nil {
			return nil, err
		}
	}
	return types, nil
}

func readValType(r *binary.Reader) (ValType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch v := ValType(b); v {
	case ValI32, ValI64, ValF32, ValF64:
		return v, nil
	case 0x7B:
		return 0, fmt.Errorf("%w: v128 values", ErrUnsupported)
	case ValFuncRef, 0x6F:
		return 0, fmt.Errorf("%w: reference typed values", ErrUnsupported)
	default:
		return 0, fmt.Errorf("invalid value type 0x%02x", b)
	}
}

func parseImportSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r, 4)
	if err != nil {
		return err
	}
	m.Imports = make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		var imp Import
		if imp.Module, err = r.ReadName(); err != nil {
			return err
		}
		if imp.Name, err = r.ReadName(); err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		imp.Desc.Kind = kind
		switch kind {
		case KindFunc:
			if imp.Desc.TypeIdx, err = r.ReadU32(); err != nil {
				return err
			}
		case KindTable:
			tt, err := readTableType(r)
			if err != nil {
				return err
			}
			imp.Desc.Table = &tt
		case KindMemory:
			lim, err := readLimits(r)
			if err != nil {
				return err
			}
			imp.Desc.Memory = &MemoryType{Limits: lim}
		case KindGlobal:
			gt, err := readGlobalType(r)
			if err != nil {
				return err
			}
			imp.Desc.Global = &gt
		default:
			return fmt.Errorf("import %d (%s.%s): invalid kind 0x%02x", i, imp.Module, imp.Name, kind)
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r, 1)
	if err != nil {
		return err
	}
	m.Funcs = make([]uint32, count)
	for i := range m.Funcs {
		if m.Funcs[i], err = r.ReadU32(); err != nil {
			return err
		}
	}
	return nil
}

func parseTableSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r, 3)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		tt, err := readTableType(r)
		if err != nil {
			return err
		}
		m.Tables = append(m.Tables, tt)
	}
	return nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	et, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	if ValType(et) != ValFuncRef {
		return TableType{}, fmt.Errorf("%w: table element type 0x%02x", ErrUnsupported, et)
	}
	lim, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: ValFuncRef, Limits: lim}, nil
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	switch flags {
	case LimitsNoMax, LimitsHasMax:
	case 0x02, 0x03:
		return Limits{}, fmt.Errorf("%w: shared memory", ErrUnsupported)
	case 0x04, 0x05, 0x06, 0x07:
		return Limits{}, fmt.Errorf("%w: 64-bit memory", ErrUnsupported)
	default:
		return Limits{}, fmt.Errorf("invalid limits flags 0x%02x", flags)
	}
	var lim Limits
	if lim.Min, err = r.ReadU32(); err != nil {
		return Limits{}, err
	}
	if flags == LimitsHasMax {
		max, err := r.ReadU32()
		if err != nil {
			return Limits{}, err
		}
		lim.Max = &max
	}
	return lim, nil
}

func parseMemorySection(r *binary.Reader, m *Module) error {
	count, err := readCount(r, 2)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		lim, err := readLimits(r)
		if err != nil {
			return fmt.Errorf("memory %d: %w", i, err)
		}
		m.Memories = append(m.Memories, MemoryType{Limits: lim})
	}
	return nil
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	vt, err := readValType(r)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut != GlobalConst && mut != GlobalMutable {
		return GlobalType{}, fmt.Errorf("invalid global mutability 0x%02x", mut)
	}
	return GlobalType{ValType: vt, Mutable: mut == GlobalMutable}, nil
}

func parseGlobalSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r, 4)
	if err != nil {
		return err
	}
	m.Globals = make([]Global, 0, count)
	for i := uint32(0); i < count; i++ {
		gt, err := readGlobalType(r)
		if err != nil {
			return fmt.Errorf("global %d: %w", i, err)
		}
		init, err := readConstExpr(r)
		if err != nil {
			return fmt.Errorf("global %d init: %w", i, err)
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init})
	}
	return nil
}

func parseExportSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r, 3)
	if err != nil {
		return err
	}
	m.Exports = make([]Export, 0, count)
	for i := uint32(0); i < count; i++ {
		var exp Export
		if exp.Name, err = r.ReadName(); err != nil {
			return err
		}
		if exp.Kind, err = r.ReadByte(); err != nil {
			return err
		}
		if exp.Kind > KindGlobal {
			return fmt.Errorf("export %q: invalid kind 0x%02x", exp.Name, exp.Kind)
		}
		if exp.Idx, err = r.ReadU32(); err != nil {
			return err
		}
		m.Exports = append(m.Exports, exp)
	}
	return nil
}

// readConstExpr reads a single constant instruction followed by end.
func readConstExpr(r *binary.Reader) (ConstExpr, error) {
	op, err := r.ReadByte()
	if err != nil {
		return ConstExpr{}, err
	}
	e := ConstExpr{Opcode: op}
	switch op {
	case OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return ConstExpr{}, err
		}
		e.Value = uint64(uint32(v))
	case OpI64Const:
		v, err := r.ReadS64()
		if err != nil {
			return ConstExpr{}, err
		}
		e.Value = uint64(v)
	case OpF32Const:
		v, err := r.ReadU32LE()
		if err != nil {
			return ConstExpr{}, err
		}
		e.Value = uint64(v)
	case OpF64Const:
		if e.Value, err = r.ReadU64LE(); err != nil {
			return ConstExpr{}, err
		}
	case OpGlobalGet, OpRefFunc:
		v, err := r.ReadU32()
		if err != nil {
			return ConstExpr{}, err
		}
		e.Value = uint64(v)
	case OpRefNull:
		if _, err := r.ReadByte(); err != nil {
			return ConstExpr{}, err
		}
	default:
		return ConstExpr{}, fmt.Errorf("%w: constant expression opcode 0x%02x", ErrUnsupported, op)
	}
	end, err := r.ReadByte()
	if err != nil {
		return ConstExpr{}, err
	}
	if end != OpEnd {
		return ConstExpr{}, fmt.Errorf("%w: extended constant expression", ErrUnsupported)
	}
	return e, nil
}

func parseElementSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r, 1)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		if flags > 7 {
			return fmt.Errorf("element %d: invalid flags %d", i, flags)
		}
		var el Element
		switch {
		case flags&0x01 == 0:
			el.Mode = SegmentActive
		case flags&0x02 == 0:
			el.Mode = SegmentPassive
		default:
			el.Mode = SegmentDeclarative
		}
		if el.Mode == SegmentActive {
			if flags&0x02 != 0 {
				if el.TableIdx, err = r.ReadU32(); err != nil {
					return err
				}
			}
			if el.Offset, err = readConstExpr(r); err != nil {
				return fmt.Errorf("element %d offset: %w", i, err)
			}
		}
		usesExprs := flags&0x04 != 0
		if flags&0x03 != 0 {
			// explicit elemkind (0x00) or reftype (0x70)
			k, err := r.ReadByte()
			if err != nil {
				return err
			}
			if (!usesExprs && k != 0x00) || (usesExprs && ValType(k) != ValFuncRef) {
				return fmt.Errorf("%w: element kind 0x%02x", ErrUnsupported, k)
			}
		}
		n, err := readCount(r, 1)
		if err != nil {
			return err
		}
		el.FuncIdxs = make([]uint32, n)
		for j := range el.FuncIdxs {
			if !usesExprs {
				if el.FuncIdxs[j], err = r.ReadU32(); err != nil {
					return err
				}
				continue
			}
			e, err := readConstExpr(r)
			if err != nil {
				return fmt.Errorf("element %d entry %d: %w", i, j, err)
			}
			switch e.Opcode {
			case OpRefFunc:
				el.FuncIdxs[j] = uint32(e.Value)
			case OpRefNull:
				el.FuncIdxs[j] = NullFunc
			default:
				return fmt.Errorf("element %d entry %d: opcode 0x%02x is not a function reference", i, j, e.Opcode)
			}
		}
		m.Elements = append(m.Elements, el)
	}
	return nil
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r, 2)
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, 0, count)
	for i := uint32(0); i < count; i++ {
		size, err := r.ReadU32()
		if err != nil {
			return err
		}
		br, err := r.Sub(int(size))
		if err != nil {
			return fmt.Errorf("function body %d: size %d exceeds section", i, size)
		}
		body, err := readFuncBody(br)
		if err != nil {
			return fmt.Errorf("function body %d: %w", i, err)
		}
		m.Code = append(m.Code, body)
	}
	return nil
}

func readFuncBody(r *binary.Reader) (FuncBody, error) {
	groups, err := readCount(r, 2)
	if err != nil {
		return FuncBody{}, err
	}
	var body FuncBody
	var total uint64
	for j := uint32(0); j < groups; j++ {
		n, err := r.ReadU32()
		if err != nil {
			return FuncBody{}, err
		}
		total += uint64(n)
		if total > maxLocals {
			return FuncBody{}, fmt.Errorf("too many locals (%d)", total)
		}
		vt, err := readValType(r)
		if err != nil {
			return FuncBody{}, err
		}
		body.Locals = append(body.Locals, LocalEntry{Count: n, ValType: vt})
	}
	body.Offset = r.Position()
	body.Code = r.ReadRemaining()
	if len(body.Code) == 0 || body.Code[len(body.Code)-1] != OpEnd {
		return FuncBody{}, stderrors.New("body does not end with end opcode")
	}
	return body, nil
}

func parseDataSection(r *binary.Reader, m *Module) error {
	count, err := readCount(r, 2)
	if err != nil {
		return err
	}
	m.Data = make([]DataSegment, 0, count)
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		var seg DataSegment
		switch flags {
		case 0:
			seg.Mode = SegmentActive
		case 1:
			seg.Mode = SegmentPassive
		case 2:
			seg.Mode = SegmentActive
			if seg.MemIdx, err = r.ReadU32(); err != nil {
				return err
			}
		default:
			return fmt.Errorf("data segment %d: invalid flags %d", i, flags)
		}
		if seg.Mode == SegmentActive {
			if seg.Offset, err = readConstExpr(r); err != nil {
				return fmt.Errorf("data segment %d offset: %w", i, err)
			}
		}
		n, err := r.ReadU32()
		if err != nil {
			return err
		}
		if seg.Init, err = r.ReadBytes(int(n)); err != nil {
			return fmt.Errorf("data segment %d: %d bytes exceed section", i, n)
		}
		m.Data = append(m.Data, seg)
	}
	return nil
}
