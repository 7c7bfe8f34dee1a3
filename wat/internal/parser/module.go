package parser

import (
	"github.com/wippyai/watt/wasm"
)

// cursor walks the children of a list.
type cursor struct {
	items []*node
	pos   int
}

func (c *cursor) peek() *node {
	if c.pos < len(c.items) {
		return c.items[c.pos]
	}
	return nil
}

func (c *cursor) next() *node {
	n := c.peek()
	if n != nil {
		c.pos++
	}
	return n
}

func (c *cursor) done() bool { return c.pos >= len(c.items) }

func (c *cursor) name() string {
	if n := c.peek(); n != nil && n.isName() {
		c.pos++
		return n.tok.Value
	}
	return ""
}

func (c *cursor) peekHead(h string) bool {
	n := c.peek()
	return n != nil && n.head() == h
}

func fieldCursor(f *node) *cursor {
	return &cursor{items: f.items, pos: 1}
}

// inlineImport reports the (import "m" "n") abbreviation of a field,
// skipping any name and inline exports before it.
func inlineImport(f *node) (mod, name string, ok bool) {
	c := fieldCursor(f)
	c.name()
	for c.peekHead("export") {
		c.next()
	}
	n := c.peek()
	if n == nil || n.head() != "import" || len(n.items) != 3 || !n.items[1].isString() || !n.items[2].isString() {
		return "", "", false
	}
	return n.items[1].tok.Value, n.items[2].tok.Value, true
}

func (p *Parser) declare(fields []*node) error {
	for _, f := range fields {
		if f.head() != "type" {
			continue
		}
		c := fieldCursor(f)
		name := c.name()
		fn := c.next()
		if fn == nil || fn.head() != "func" || !c.done() {
			return f.errorf("expected (func ...) in type definition")
		}
		fc := fieldCursor(fn)
		ft, _, err := p.signature(fc)
		if err != nil {
			return err
		}
		if !fc.done() {
			return fc.peek().errorf("unexpected %s in type definition", describe(fc.peek()))
		}
		if name != "" {
			p.typeMap[name] = uint32(len(p.mod.Types))
		}
		p.mod.Types = append(p.mod.Types, ft)
	}

	for _, f := range fields {
		switch f.head() {
		case "import":
			if err := p.importField(f); err != nil {
				return err
			}
		case "func", "global", "memory", "table":
			if mod, name, ok := inlineImport(f); ok {
				if err := p.inlineImportField(f, mod, name); err != nil {
					return err
				}
			}
		}
	}

	for _, f := range fields {
		if _, _, ok := inlineImport(f); ok {
			continue
		}
		switch f.head() {
		case "func":
			if err := p.declareFunc(f); err != nil {
				return err
			}
		case "global":
			c := fieldCursor(f)
			if name := c.name(); name != "" {
				p.globalMap[name] = p.nGlobal
			}
			p.nGlobal++
			p.globals = append(p.globals, f)
		case "memory":
			c := fieldCursor(f)
			if name := c.name(); name != "" {
				p.memMap[name] = p.nMems
			}
			p.nMems++
		case "table":
			c := fieldCursor(f)
			if name := c.name(); name != "" {
				p.tableMap[name] = p.nTables
			}
			p.nTables++
		case "data":
			c := fieldCursor(f)
			if name := c.name(); name != "" {
				p.dataMap[name] = p.nData
			}
			p.nData++
		case "elem":
			c := fieldCursor(f)
			if name := c.name(); name != "" {
				p.elemMap[name] = p.nElems
			}
			p.nElems++
		}
	}
	return nil
}

func (p *Parser) importField(f *node) error {
	if len(f.items) != 4 || !f.items[1].isString() || !f.items[2].isString() || !f.items[3].list {
		return f.errorf("malformed import")
	}
	desc := f.items[3]
	imp := wasm.Import{Module: f.items[1].tok.Value, Name: f.items[2].tok.Value}
	c := fieldCursor(desc)
	name := c.name()
	var err error
	switch desc.head() {
	case "func":
		imp.Desc, err = p.importFunc(c, name)
	case "global":
		imp.Desc, err = p.importGlobal(c, name)
	case "memory":
		imp.Desc, err = p.importMemory(c, name)
	case "table":
		imp.Desc, err = p.importTable(c, name)
	default:
		return desc.errorf("unknown import kind %q", desc.head())
	}
	if err != nil {
		return err
	}
	if !c.done() {
		return c.peek().errorf("unexpected %s in import", describe(c.peek()))
	}
	p.mod.Imports = append(p.mod.Imports, imp)
	return nil
}

func (p *Parser) inlineImportField(f *node, mod, field string) error {
	c := fieldCursor(f)
	name := c.name()
	var exports []*node
	for c.peekHead("export") {
		exports = append(exports, c.next())
	}
	c.next() // (import ...)
	imp := wasm.Import{Module: mod, Name: field}
	var (
		kind byte
		idx  uint32
		err  error
	)
	switch f.head() {
	case "func":
		kind, idx = wasm.KindFunc, p.nFuncs
		imp.Desc, err = p.importFunc(c, name)
	case "global":
		kind, idx = wasm.KindGlobal, p.nGlobal
		imp.Desc, err = p.importGlobal(c, name)
	case "memory":
		kind, idx = wasm.KindMemory, p.nMems
		imp.Desc, err = p.importMemory(c, name)
	case "table":
		kind, idx = wasm.KindTable, p.nTables
		imp.Desc, err = p.importTable(c, name)
	}
	if err != nil {
		return err
	}
	if !c.done() {
		return c.peek().errorf("unexpected %s in import", describe(c.peek()))
	}
	p.mod.Imports = append(p.mod.Imports, imp)
	return p.inlineExports(exports, kind, idx)
}

func (p *Parser) importFunc(c *cursor, name string) (wasm.ImportDesc, error) {
	typeIdx, _, err := p.typeUse(c)
	if err != nil {
		return wasm.ImportDesc{}, err
	}
	if name != "" {
		p.funcMap[name] = p.nFuncs
		p.names[p.nFuncs] = name[1:]
	}
	p.nFuncs++
	return wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: typeIdx}, nil
}

func (p *Parser) importGlobal(c *cursor, name string) (wasm.ImportDesc, error) {
	gt, err := p.globalType(c)
	if err != nil {
		return wasm.ImportDesc{}, err
	}
	if name != "" {
		p.globalMap[name] = p.nGlobal
	}
	p.nGlobal++
	return wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &gt}, nil
}

func (p *Parser) importMemory(c *cursor, name string) (wasm.ImportDesc, error) {
	lim, err := limits(c)
	if err != nil {
		return wasm.ImportDesc{}, err
	}
	if name != "" {
		p.memMap[name] = p.nMems
	}
	p.nMems++
	return wasm.ImportDesc{Kind: wasm.KindMemory, Memory: &wasm.MemoryType{Limits: lim}}, nil
}

func (p *Parser) importTable(c *cursor, name string) (wasm.ImportDesc, error) {
	lim, err := limits(c)
	if err != nil {
		return wasm.ImportDesc{}, err
	}
	et, err := p.refType(c)
	if err != nil {
		return wasm.ImportDesc{}, err
	}
	if name != "" {
		p.tableMap[name] = p.nTables
	}
	p.nTables++
	return wasm.ImportDesc{Kind: wasm.KindTable, Table: &wasm.TableType{Limits: lim, ElemType: et}}, nil
}

func (p *Parser) declareFunc(f *node) error {
	c := fieldCursor(f)
	name := c.name()
	idx := p.nFuncs
	if name != "" {
		if _, dup := p.funcMap[name]; dup {
			return f.errorf("duplicate function %s", name)
		}
		p.funcMap[name] = idx
		p.names[idx] = name[1:]
	}
	p.nFuncs++
	for c.peekHead("export") {
		c.next()
	}
	typeIdx, params, err := p.typeUse(c)
	if err != nil {
		return err
	}
	p.mod.Funcs = append(p.mod.Funcs, typeIdx)
	p.funcs = append(p.funcs, &funcDef{n: f, body: c.items[c.pos:], typeIdx: typeIdx, params: params})
	return nil
}

// signature parses (param ...)* (result ...)* lists. Parameter names are
// returned positionally, empty for anonymous parameters.
func (p *Parser) signature(c *cursor) (wasm.FuncType, []string, error) {
	var ft wasm.FuncType
	var names []string
	for c.peekHead("param") {
		n := c.next()
		pc := fieldCursor(n)
		if name := pc.name(); name != "" {
			vt := pc.next()
			if vt == nil || !pc.done() {
				return ft, nil, n.errorf("named param takes exactly one type")
			}
			t, err := parseValType(vt)
			if err != nil {
				return ft, nil, err
			}
			ft.Params = append(ft.Params, t)
			names = append(names, name)
			continue
		}
		for !pc.done() {
			t, err := parseValType(pc.next())
			if err != nil {
				return ft, nil, err
			}
			ft.Params = append(ft.Params, t)
			names = append(names, "")
		}
	}
	for c.peekHead("result") {
		rc := fieldCursor(c.next())
		for !rc.done() {
			t, err := parseValType(rc.next())
			if err != nil {
				return ft, nil, err
			}
			ft.Results = append(ft.Results, t)
		}
	}
	return ft, names, nil
}

// typeUse parses an optional (type idx) followed by an inline signature.
func (p *Parser) typeUse(c *cursor) (uint32, []string, error) {
	if c.peekHead("type") {
		n := c.next()
		if len(n.items) != 2 {
			return 0, nil, n.errorf("malformed type use")
		}
		idx, err := p.resolve(n.items[1], p.typeMap, "type")
		if err != nil {
			return 0, nil, err
		}
		if int(idx) >= len(p.mod.Types) {
			return 0, nil, n.errorf("type index %d out of range", idx)
		}
		ft, names, err := p.signature(c)
		if err != nil {
			return 0, nil, err
		}
		if (len(ft.Params) > 0 || len(ft.Results) > 0) && !ft.Equal(p.mod.Types[idx]) {
			return 0, nil, n.errorf("inline signature does not match type %d", idx)
		}
		if names == nil {
			names = make([]string, len(p.mod.Types[idx].Params))
		}
		return idx, names, nil
	}
	ft, names, err := p.signature(c)
	if err != nil {
		return 0, nil, err
	}
	return p.mod.AddType(ft), names, nil
}

func (p *Parser) globalType(c *cursor) (wasm.GlobalType, error) {
	n := c.next()
	if n == nil {
		return wasm.GlobalType{}, errEOF("global type")
	}
	if n.head() == "mut" {
		if len(n.items) != 2 {
			return wasm.GlobalType{}, n.errorf("malformed mut")
		}
		vt, err := parseValType(n.items[1])
		return wasm.GlobalType{ValType: vt, Mutable: true}, err
	}
	vt, err := parseValType(n)
	return wasm.GlobalType{ValType: vt}, err
}

func (p *Parser) refType(c *cursor) (wasm.ValType, error) {
	n := c.next()
	if n == nil || !n.isAtom() || n.tok.Value != "funcref" {
		if n == nil {
			return 0, errEOF("funcref")
		}
		return 0, n.errorf("only funcref tables are supported")
	}
	return wasm.ValFuncRef, nil
}

func limits(c *cursor) (wasm.Limits, error) {
	n := c.next()
	if n == nil || !n.isAtom() {
		if n == nil {
			return wasm.Limits{}, errEOF("limits")
		}
		return wasm.Limits{}, n.errorf("expected limits")
	}
	min, err := parseU32(n.tok.Value)
	if err != nil {
		return wasm.Limits{}, n.errorf("invalid limit %q", n.tok.Value)
	}
	lim := wasm.Limits{Min: min}
	if m := c.peek(); m != nil && m.isAtom() && isDigit(m.tok.Value) {
		c.next()
		max, err := parseU32(m.tok.Value)
		if err != nil {
			return lim, m.errorf("invalid limit %q", m.tok.Value)
		}
		lim.Max = &max
	}
	return lim, nil
}

func (p *Parser) inlineExports(exports []*node, kind byte, idx uint32) error {
	for _, e := range exports {
		if len(e.items) != 2 || !e.items[1].isString() {
			return e.errorf("malformed inline export")
		}
		p.mod.Exports = append(p.mod.Exports, wasm.Export{Name: e.items[1].tok.Value, Kind: kind, Idx: idx})
	}
	return nil
}

// define emits every non-import field in text order.
func (p *Parser) define(fields []*node) error {
	var funcIdx uint32 = uint32(p.mod.NumImportedFuncs())
	var globalIdx uint32 = uint32(p.mod.NumImportedGlobals())
	var memIdx, tableIdx uint32
	for _, imp := range p.mod.Imports {
		switch imp.Desc.Kind {
		case wasm.KindMemory:
			memIdx++
		case wasm.KindTable:
			tableIdx++
		}
	}
	for _, f := range fields {
		if _, _, ok := inlineImport(f); ok {
			continue
		}
		var err error
		switch f.head() {
		case "type", "import":
		case "func":
			err = p.inlineExports(leadingExports(f), wasm.KindFunc, funcIdx)
			funcIdx++
		case "global":
			err = p.defineGlobal(f, globalIdx)
			globalIdx++
		case "memory":
			err = p.defineMemory(f, memIdx)
			memIdx++
		case "table":
			err = p.defineTable(f, tableIdx)
			tableIdx++
		case "export":
			err = p.defineExport(f)
		case "start":
			if len(f.items) != 2 {
				return f.errorf("malformed start")
			}
			if p.mod.Start != nil {
				return f.errorf("multiple start functions")
			}
			var idx uint32
			idx, err = p.resolve(f.items[1], p.funcMap, "function")
			p.mod.Start = &idx
		case "elem":
			err = p.defineElem(f)
		case "data":
			err = p.defineData(f)
		default:
			return f.errorf("unknown module field %q", f.head())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func leadingExports(f *node) []*node {
	c := fieldCursor(f)
	c.name()
	var out []*node
	for c.peekHead("export") {
		out = append(out, c.next())
	}
	return out
}

func (p *Parser) defineGlobal(f *node, idx uint32) error {
	c := fieldCursor(f)
	c.name()
	exports := leadingExports(f)
	c.pos += len(exports)
	gt, err := p.globalType(c)
	if err != nil {
		return err
	}
	init := c.next()
	if init == nil || !c.done() {
		return f.errorf("global needs exactly one initializer")
	}
	expr, err := p.constExpr(init)
	if err != nil {
		return err
	}
	p.mod.Globals = append(p.mod.Globals, wasm.Global{Type: gt, Init: expr})
	return p.inlineExports(exports, wasm.KindGlobal, idx)
}

func (p *Parser) defineMemory(f *node, idx uint32) error {
	c := fieldCursor(f)
	c.name()
	exports := leadingExports(f)
	c.pos += len(exports)
	if c.peekHead("data") {
		d := c.next()
		var init []byte
		for _, s := range d.items[1:] {
			if !s.isString() {
				return s.errorf("expected string in inline data")
			}
			init = append(init, s.tok.Value...)
		}
		pages := uint32((uint64(len(init)) + uint64(wasm.PageSize) - 1) / uint64(wasm.PageSize))
		p.mod.Memories = append(p.mod.Memories, wasm.MemoryType{Limits: wasm.Limits{Min: pages, Max: &pages}})
		p.mod.Data = append(p.mod.Data, wasm.DataSegment{MemIdx: idx, Offset: wasm.I32(0), Init: init})
		p.nData++
	} else {
		lim, err := limits(c)
		if err != nil {
			return err
		}
		p.mod.Memories = append(p.mod.Memories, wasm.MemoryType{Limits: lim})
	}
	if !c.done() {
		return c.peek().errorf("unexpected %s in memory", describe(c.peek()))
	}
	return p.inlineExports(exports, wasm.KindMemory, idx)
}

func (p *Parser) defineTable(f *node, idx uint32) error {
	c := fieldCursor(f)
	c.name()
	exports := leadingExports(f)
	c.pos += len(exports)
	if n := c.peek(); n != nil && n.isAtom() && n.tok.Value == "funcref" {
		c.next()
		e := c.next()
		if e == nil || e.head() != "elem" || !c.done() {
			return f.errorf("expected (elem ...) after funcref")
		}
		funcs, err := p.elemList(fieldCursor(e))
		if err != nil {
			return err
		}
		n := uint32(len(funcs))
		p.mod.Tables = append(p.mod.Tables, wasm.TableType{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: n, Max: &n}})
		p.mod.Elements = append(p.mod.Elements, wasm.Element{TableIdx: idx, Offset: wasm.I32(0), FuncIdxs: funcs})
		p.nElems++
	} else {
		lim, err := limits(c)
		if err != nil {
			return err
		}
		et, err := p.refType(c)
		if err != nil {
			return err
		}
		if !c.done() {
			return c.peek().errorf("unexpected %s in table", describe(c.peek()))
		}
		p.mod.Tables = append(p.mod.Tables, wasm.TableType{ElemType: et, Limits: lim})
	}
	return p.inlineExports(exports, wasm.KindTable, idx)
}

func (p *Parser) defineExport(f *node) error {
	if len(f.items) != 3 || !f.items[1].isString() || !f.items[2].list || len(f.items[2].items) != 2 {
		return f.errorf("malformed export")
	}
	desc := f.items[2]
	exp := wasm.Export{Name: f.items[1].tok.Value}
	var err error
	switch desc.head() {
	case "func":
		exp.Kind = wasm.KindFunc
		exp.Idx, err = p.resolve(desc.items[1], p.funcMap, "function")
	case "global":
		exp.Kind = wasm.KindGlobal
		exp.Idx, err = p.resolve(desc.items[1], p.globalMap, "global")
	case "memory":
		exp.Kind = wasm.KindMemory
		exp.Idx, err = p.resolve(desc.items[1], p.memMap, "memory")
	case "table":
		exp.Kind = wasm.KindTable
		exp.Idx, err = p.resolve(desc.items[1], p.tableMap, "table")
	default:
		return desc.errorf("unknown export kind %q", desc.head())
	}
	if err != nil {
		return err
	}
	p.mod.Exports = append(p.mod.Exports, exp)
	return nil
}

// offsetExpr accepts (offset expr) or a bare constant expression.
func (p *Parser) offsetExpr(c *cursor) (wasm.ConstExpr, bool, error) {
	n := c.peek()
	if n == nil || !n.list {
		return wasm.ConstExpr{}, false, nil
	}
	switch n.head() {
	case "offset":
		c.next()
		if len(n.items) != 2 {
			return wasm.ConstExpr{}, false, n.errorf("malformed offset")
		}
		e, err := p.constExpr(n.items[1])
		return e, true, err
	case "i32.const", "global.get":
		c.next()
		e, err := p.constExpr(n)
		return e, true, err
	}
	return wasm.ConstExpr{}, false, nil
}

func (p *Parser) defineElem(f *node) error {
	c := fieldCursor(f)
	c.name()
	elem := wasm.Element{Mode: wasm.SegmentPassive}
	if n := c.peek(); n != nil && n.isAtom() && n.tok.Value == "declare" {
		c.next()
		elem.Mode = wasm.SegmentDeclarative
	}
	if c.peekHead("table") {
		t := c.next()
		if len(t.items) != 2 {
			return t.errorf("malformed table use")
		}
		idx, err := p.resolve(t.items[1], p.tableMap, "table")
		if err != nil {
			return err
		}
		elem.TableIdx = idx
	}
	off, ok, err := p.offsetExpr(c)
	if err != nil {
		return err
	}
	if ok {
		elem.Mode = wasm.SegmentActive
		elem.Offset = off
	}
	elem.FuncIdxs, err = p.elemList(c)
	if err != nil {
		return err
	}
	p.mod.Elements = append(p.mod.Elements, elem)
	return nil
}

func (p *Parser) elemList(c *cursor) ([]uint32, error) {
	if n := c.peek(); n != nil && n.isAtom() && (n.tok.Value == "func" || n.tok.Value == "funcref") {
		c.next()
	}
	funcs := []uint32{}
	for !c.done() {
		n := c.next()
		if n.head() == "item" && len(n.items) == 2 {
			n = n.items[1]
		}
		switch {
		case n.isAtom():
			idx, err := p.resolve(n, p.funcMap, "function")
			if err != nil {
				return nil, err
			}
			funcs = append(funcs, idx)
		case n.head() == "ref.func" && len(n.items) == 2:
			idx, err := p.resolve(n.items[1], p.funcMap, "function")
			if err != nil {
				return nil, err
			}
			funcs = append(funcs, idx)
		case n.head() == "ref.null":
			funcs = append(funcs, wasm.NullFunc)
		default:
			return nil, n.errorf("unexpected %s in element list", describe(n))
		}
	}
	return funcs, nil
}

func (p *Parser) defineData(f *node) error {
	c := fieldCursor(f)
	c.name()
	seg := wasm.DataSegment{Mode: wasm.SegmentPassive}
	if c.peekHead("memory") {
		m := c.next()
		if len(m.items) != 2 {
			return m.errorf("malformed memory use")
		}
		idx, err := p.resolve(m.items[1], p.memMap, "memory")
		if err != nil {
			return err
		}
		seg.MemIdx = idx
	}
	off, ok, err := p.offsetExpr(c)
	if err != nil {
		return err
	}
	if ok {
		seg.Mode = wasm.SegmentActive
		seg.Offset = off
	}
	seg.Init = []byte{}
	for !c.done() {
		s := c.next()
		if !s.isString() {
			return s.errorf("expected string in data segment, got %s", describe(s))
		}
		seg.Init = append(seg.Init, s.tok.Value...)
	}
	p.mod.Data = append(p.mod.Data, seg)
	return nil
}

func (p *Parser) constExpr(n *node) (wasm.ConstExpr, error) {
	if !n.list || len(n.items) != 2 && n.head() != "ref.null" {
		return wasm.ConstExpr{}, n.errorf("expected constant expression")
	}
	arg := n.items[len(n.items)-1]
	switch n.head() {
	case "i32.const":
		v, err := parseI32(arg)
		return wasm.I32(v), err
	case "i64.const":
		v, err := parseI64(arg)
		return wasm.ConstExpr{Opcode: wasm.OpI64Const, Value: uint64(v)}, err
	case "f32.const":
		v, err := parseF32(arg)
		return wasm.ConstExpr{Opcode: wasm.OpF32Const, Value: uint64(v)}, err
	case "f64.const":
		v, err := parseF64(arg)
		return wasm.ConstExpr{Opcode: wasm.OpF64Const, Value: v}, err
	case "global.get":
		idx, err := p.resolve(arg, p.globalMap, "global")
		return wasm.ConstExpr{Opcode: wasm.OpGlobalGet, Value: uint64(idx)}, err
	case "ref.func":
		idx, err := p.resolve(arg, p.funcMap, "function")
		return wasm.ConstExpr{Opcode: wasm.OpRefFunc, Value: uint64(idx)}, err
	case "ref.null":
		return wasm.ConstExpr{Opcode: wasm.OpRefNull}, nil
	}
	return wasm.ConstExpr{}, n.errorf("unsupported constant expression %q", n.head())
}
