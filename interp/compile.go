package interp

import (
	"context"
	"fmt"
	"sync"

	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/memory"
	"github.com/wippyai/watt/wasm"
)

// HostFunc implements an imported function. mem is nil when the module
// has no memory.
type HostFunc func(ctx context.Context, mem *memory.Memory, args []uint64) ([]uint64, error)

// Resolver supplies imported functions.
type Resolver interface {
	Resolve(module, name string, typ wasm.FuncType) (HostFunc, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(module, name string, typ wasm.FuncType) (HostFunc, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(module, name string, typ wasm.FuncType) (HostFunc, error) {
	return f(module, name, typ)
}

// instr is a decoded instruction with resolved immediates.
//
//	block, loop   a=param count, b=result count, c=end pc
//	if            a, b as block; c=else-or-end pc<<32 | end pc
//	else          c=end pc
//	br, br_if     a=label depth
//	br_table      a=index into function.tables
//	loads/stores  c=static offset
//	consts        c=value bits
//	misc          sub=sub-opcode, a=segment index
//	others        a=index immediate
type instr struct {
	c   uint64
	a   uint32
	b   uint32
	op  byte
	sub byte
}

type function struct {
	typ       *wasm.FuncType
	host      HostFunc
	name      string
	code      []instr
	offsets   []int // binary offset of each instruction
	tables    [][]uint32
	numLocals int // parameters plus declared locals
	idx       uint32
}

// Module is a compiled module. It is immutable and safe for concurrent use.
type Module struct {
	source     *wasm.Module
	types      []wasm.FuncType
	funcs      []*function
	exports    map[string]uint32
	globalInit []uint64
	globalMut  []bool
	table      []uint32
	image      []byte
	data       [][]byte
	start      *uint32
	pool       sync.Pool
	cfg        Config
	memMin     uint32
	memMax     uint32
	hasMemory  bool
}

// Compile prepares m for execution. imports may be nil for modules
// without imports. Every failure is an *errors.Error; structural problems
// are malformed_module, unresolvable imports missing_import.
func Compile(m *wasm.Module, imports Resolver, cfg Config) (cm *Module, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			cm = nil
			err = errors.MalformedModule(errors.PhaseCompile, "", errors.NoOffset, fmt.Errorf("compiler fault: %v", rec))
		}
	}()

	cfg = cfg.withDefaults()
	cm = &Module{
		source:  m,
		types:   m.Types,
		exports: make(map[string]uint32),
		start:   m.Start,
		cfg:     cfg,
	}
	names := m.FuncNames()

	for _, imp := range m.Imports {
		if imp.Desc.Kind != wasm.KindFunc {
			return nil, errors.MissingImport(imp.Module, imp.Name)
		}
		if int(imp.Desc.TypeIdx) >= len(m.Types) {
			return nil, errors.MalformedModule(errors.PhaseCompile, "import", errors.NoOffset,
				fmt.Errorf("import %s.%s: type index %d out of range", imp.Module, imp.Name, imp.Desc.TypeIdx))
		}
		typ := &m.Types[imp.Desc.TypeIdx]
		if imports == nil {
			return nil, errors.MissingImport(imp.Module, imp.Name)
		}
		hf, err := imports.Resolve(imp.Module, imp.Name, *typ)
		if err != nil {
			return nil, err
		}
		idx := uint32(len(cm.funcs))
		cm.funcs = append(cm.funcs, &function{
			idx:  idx,
			typ:  typ,
			host: hf,
			name: imp.Module + "." + imp.Name,
		})
	}
	for i, typeIdx := range m.Funcs {
		if int(typeIdx) >= len(m.Types) {
			return nil, errors.MalformedModule(errors.PhaseCompile, "function", errors.NoOffset,
				fmt.Errorf("function %d: type index %d out of range", i, typeIdx))
		}
		idx := uint32(len(cm.funcs))
		name := names[idx]
		if name == "" {
			name = fmt.Sprintf("func[%d]", idx)
		}
		cm.funcs = append(cm.funcs, &function{idx: idx, typ: &m.Types[typeIdx], name: name})
	}
	if len(m.Code) != len(m.Funcs) {
		return nil, errors.MalformedModule(errors.PhaseCompile, "code", errors.NoOffset,
			fmt.Errorf("%d functions, %d bodies", len(m.Funcs), len(m.Code)))
	}

	if err := cm.compileGlobals(m); err != nil {
		return nil, err
	}
	if err := cm.compileMemory(m); err != nil {
		return nil, err
	}
	if err := cm.compileTable(m); err != nil {
		return nil, err
	}

	imported := len(m.Imports)
	for i := range m.Code {
		if err := cm.compileBody(cm.funcs[imported+i], &m.Code[i]); err != nil {
			return nil, err
		}
	}

	for _, exp := range m.Exports {
		if exp.Kind == wasm.KindFunc {
			if int(exp.Idx) >= len(cm.funcs) {
				return nil, errors.MalformedModule(errors.PhaseCompile, "export", errors.NoOffset,
					fmt.Errorf("export %q: function %d out of range", exp.Name, exp.Idx))
			}
			cm.exports[exp.Name] = exp.Idx
		}
	}
	if cm.start != nil && int(*cm.start) >= len(cm.funcs) {
		return nil, errors.MalformedModule(errors.PhaseCompile, "start", errors.NoOffset,
			fmt.Errorf("start function %d out of range", *cm.start))
	}
	return cm, nil
}

func (cm *Module) compileGlobals(m *wasm.Module) error {
	for i, g := range m.Globals {
		switch g.Init.Opcode {
		case wasm.OpI32Const, wasm.OpI64Const, wasm.OpF32Const, wasm.OpF64Const:
		default:
			return errors.MalformedModule(errors.PhaseCompile, "global", errors.NoOffset,
				fmt.Errorf("global %d: initializer opcode 0x%02x", i, g.Init.Opcode))
		}
		cm.globalInit = append(cm.globalInit, g.Init.Value)
		cm.globalMut = append(cm.globalMut, g.Type.Mutable)
	}
	return nil
}

func (cm *Module) compileMemory(m *wasm.Module) error {
	if len(m.Memories) > 1 {
		return errors.MalformedModule(errors.PhaseCompile, "memory", errors.NoOffset,
			fmt.Errorf("%w: %d memories", wasm.ErrUnsupported, len(m.Memories)))
	}
	if len(m.Memories) == 1 {
		lim := m.Memories[0].Limits
		ceiling := cm.cfg.MemoryCeilingPages
		if lim.Min > ceiling {
			return errors.MalformedModule(errors.PhaseCompile, "memory", errors.NoOffset,
				fmt.Errorf("initial size %d pages exceeds ceiling %d", lim.Min, ceiling))
		}
		cm.hasMemory = true
		cm.memMin = lim.Min
		cm.memMax = ceiling
		if lim.Max != nil && *lim.Max < ceiling {
			cm.memMax = *lim.Max
		}
	}

	size := uint64(cm.memMin) * memory.PageSize
	var end uint64
	for i, seg := range m.Data {
		cm.data = append(cm.data, seg.Init)
		if seg.Mode != wasm.SegmentActive {
			continue
		}
		if !cm.hasMemory || seg.Offset.Opcode != wasm.OpI32Const {
			return errors.MalformedModule(errors.PhaseCompile, "data", errors.NoOffset,
				fmt.Errorf("data segment %d has no memory or a non-constant offset", i))
		}
		off := uint64(uint32(seg.Offset.Value))
		if off+uint64(len(seg.Init)) > size {
			return errors.MalformedModule(errors.PhaseCompile, "data", errors.NoOffset,
				fmt.Errorf("data segment %d (%d bytes at 0x%x) exceeds initial memory of %d bytes", i, len(seg.Init), off, size))
		}
		if e := off + uint64(len(seg.Init)); e > end {
			end = e
		}
	}
	if end > 0 {
		cm.image = make([]byte, end)
		for _, seg := range m.Data {
			if seg.Mode == wasm.SegmentActive {
				copy(cm.image[uint32(seg.Offset.Value):], seg.Init)
			}
		}
	}
	return nil
}

func (cm *Module) compileTable(m *wasm.Module) error {
	if len(m.Tables) > 1 {
		return errors.MalformedModule(errors.PhaseCompile, "table", errors.NoOffset,
			fmt.Errorf("%w: %d tables", wasm.ErrUnsupported, len(m.Tables)))
	}
	if len(m.Tables) == 1 {
		n := m.Tables[0].Limits.Min
		if n > 1<<20 {
			return errors.MalformedModule(errors.PhaseCompile, "table", errors.NoOffset,
				fmt.Errorf("table of %d elements is too large", n))
		}
		cm.table = make([]uint32, n)
		for i := range cm.table {
			cm.table[i] = wasm.NullFunc
		}
	}
	for i, el := range m.Elements {
		if el.Mode != wasm.SegmentActive {
			continue
		}
		if len(m.Tables) == 0 || el.Offset.Opcode != wasm.OpI32Const {
			return errors.MalformedModule(errors.PhaseCompile, "element", errors.NoOffset,
				fmt.Errorf("element segment %d has no table or a non-constant offset", i))
		}
		off := uint64(uint32(el.Offset.Value))
		if off+uint64(len(el.FuncIdxs)) > uint64(len(cm.table)) {
			return errors.MalformedModule(errors.PhaseCompile, "element", errors.NoOffset,
				fmt.Errorf("element segment %d exceeds table size %d", i, len(cm.table)))
		}
		for j, f := range el.FuncIdxs {
			if f != wasm.NullFunc && int(f) >= len(cm.funcs) {
				return errors.MalformedModule(errors.PhaseCompile, "element", errors.NoOffset,
					fmt.Errorf("element segment %d entry %d: function %d out of range", i, j, f))
			}
			cm.table[off+uint64(j)] = f
		}
	}
	return nil
}

type ctrlFrame struct {
	pc     int
	elsePC int
	op     byte
}

// naturalAlign is log2 of the access width of each load and store.
func naturalAlign(op byte) uint32 {
	switch op {
	case wasm.OpI32Load8S, wasm.OpI32Load8U, wasm.OpI64Load8S, wasm.OpI64Load8U,
		wasm.OpI32Store8, wasm.OpI64Store8:
		return 0
	case wasm.OpI32Load16S, wasm.OpI32Load16U, wasm.OpI64Load16S, wasm.OpI64Load16U,
		wasm.OpI32Store16, wasm.OpI64Store16:
		return 1
	case wasm.OpI32Load, wasm.OpF32Load, wasm.OpI64Load32S, wasm.OpI64Load32U,
		wasm.OpI32Store, wasm.OpF32Store, wasm.OpI64Store32:
		return 2
	default:
		return 3
	}
}

func (cm *Module) compileBody(fn *function, body *wasm.FuncBody) error {
	fail := func(off int, format string, args ...any) error {
		return errors.MalformedModule(errors.PhaseCompile, "code", off,
			fmt.Errorf("%s: %s", fn.name, fmt.Sprintf(format, args...)))
	}

	decoded, err := wasm.DecodeInstructions(body.Code)
	if err != nil {
		return errors.MalformedModule(errors.PhaseCompile, "code", body.Offset, fmt.Errorf("%s: %w", fn.name, err))
	}

	fn.numLocals = len(fn.typ.Params) + int(body.NumLocals())
	fn.code = make([]instr, len(decoded))
	fn.offsets = make([]int, len(decoded))
	var ctrl []ctrlFrame
	done := false

	for pc, d := range decoded {
		off := body.Offset + d.Offset
		fn.offsets[pc] = off
		if done {
			return fail(off, "instructions after the end of the function")
		}
		in := instr{op: d.Opcode}

		switch imm := d.Imm.(type) {
		case wasm.BlockImm:
			params, results, ok := cm.source.BlockType(imm.Type)
			if !ok {
				return fail(off, "block type %d out of range", imm.Type)
			}
			in.a, in.b = uint32(len(params)), uint32(len(results))
			ctrl = append(ctrl, ctrlFrame{op: d.Opcode, pc: pc, elsePC: -1})

		case wasm.BranchImm:
			if int(imm.LabelIdx) > len(ctrl) {
				return fail(off, "branch depth %d exceeds nesting %d", imm.LabelIdx, len(ctrl))
			}
			in.a = imm.LabelIdx

		case wasm.BrTableImm:
			targets := make([]uint32, 0, len(imm.Labels)+1)
			targets = append(targets, imm.Labels...)
			targets = append(targets, imm.Default)
			for _, l := range targets {
				if int(l) > len(ctrl) {
					return fail(off, "branch depth %d exceeds nesting %d", l, len(ctrl))
				}
			}
			in.a = uint32(len(fn.tables))
			fn.tables = append(fn.tables, targets)

		case wasm.CallImm:
			if int(imm.FuncIdx) >= len(cm.funcs) {
				return fail(off, "call to undefined function %d", imm.FuncIdx)
			}
			in.a = imm.FuncIdx

		case wasm.CallIndirectImm:
			if int(imm.TypeIdx) >= len(cm.types) {
				return fail(off, "call_indirect type %d out of range", imm.TypeIdx)
			}
			if imm.TableIdx != 0 || cm.table == nil {
				return fail(off, "call_indirect without a table")
			}
			in.a = imm.TypeIdx

		case wasm.LocalImm:
			if int(imm.LocalIdx) >= fn.numLocals {
				return fail(off, "local %d out of range", imm.LocalIdx)
			}
			in.a = imm.LocalIdx

		case wasm.GlobalImm:
			if int(imm.GlobalIdx) >= len(cm.globalInit) {
				return fail(off, "global %d out of range", imm.GlobalIdx)
			}
			if d.Opcode == wasm.OpGlobalSet && !cm.globalMut[imm.GlobalIdx] {
				return fail(off, "global %d is immutable", imm.GlobalIdx)
			}
			in.a = imm.GlobalIdx

		case wasm.MemoryImm:
			if !cm.hasMemory {
				return fail(off, "%s without a memory", wasm.OpcodeName(d.Opcode))
			}
			if imm.Align > naturalAlign(d.Opcode) {
				return fail(off, "alignment 2^%d exceeds the access width", imm.Align)
			}
			in.c = uint64(imm.Offset)

		case wasm.MemoryIdxImm:
			if !cm.hasMemory {
				return fail(off, "%s without a memory", wasm.OpcodeName(d.Opcode))
			}

		case wasm.I32Imm:
			in.c = uint64(uint32(imm.Value))
		case wasm.I64Imm:
			in.c = uint64(imm.Value)
		case wasm.F32Imm:
			in.c = uint64(imm.Bits)
		case wasm.F64Imm:
			in.c = imm.Bits

		case wasm.SelectTypeImm:
			in.op = wasm.OpSelect

		case wasm.MiscImm:
			in.sub = byte(imm.SubOpcode)
			switch imm.SubOpcode {
			case wasm.MiscMemoryInit, wasm.MiscDataDrop:
				if int(imm.Operands[0]) >= len(cm.data) {
					return fail(off, "data segment %d out of range", imm.Operands[0])
				}
				in.a = imm.Operands[0]
			}
			switch imm.SubOpcode {
			case wasm.MiscMemoryInit, wasm.MiscMemoryCopy, wasm.MiscMemoryFill:
				if !cm.hasMemory {
					return fail(off, "%s without a memory", wasm.MiscName(imm.SubOpcode))
				}
			}
		}

		switch d.Opcode {
		case wasm.OpElse:
			if len(ctrl) == 0 || ctrl[len(ctrl)-1].op != wasm.OpIf || ctrl[len(ctrl)-1].elsePC >= 0 {
				return fail(off, "else without matching if")
			}
			ctrl[len(ctrl)-1].elsePC = pc

		case wasm.OpEnd:
			if len(ctrl) == 0 {
				// end of the function body
				in.op = wasm.OpReturn
				done = true
				break
			}
			top := ctrl[len(ctrl)-1]
			ctrl = ctrl[:len(ctrl)-1]
			end := uint64(pc)
			switch top.op {
			case wasm.OpBlock, wasm.OpLoop:
				fn.code[top.pc].c = end
			case wasm.OpIf:
				falseTarget := end
				if top.elsePC >= 0 {
					falseTarget = uint64(top.elsePC) + 1
					fn.code[top.elsePC].c = end
				}
				fn.code[top.pc].c = falseTarget<<32 | end
			}
		}
		fn.code[pc] = in
	}
	if !done {
		return fail(body.Offset+len(body.Code), "function body is not terminated")
	}
	return nil
}

// Source returns the module the compiled module was built from.
func (cm *Module) Source() *wasm.Module {
	return cm.source
}

// ExportedFunc returns the index and signature of an exported function.
func (cm *Module) ExportedFunc(name string) (uint32, wasm.FuncType, bool) {
	idx, ok := cm.exports[name]
	if !ok {
		return 0, wasm.FuncType{}, false
	}
	return idx, *cm.funcs[idx].typ, true
}

// FuncName returns the debug name of a function.
func (cm *Module) FuncName(idx uint32) string {
	if int(idx) >= len(cm.funcs) {
		return ""
	}
	return cm.funcs[idx].name
}
