package parser

import (
	"fmt"
	"strings"

	"github.com/wippyai/watt/wasm"
)

type funcCtx struct {
	p      *Parser
	locals map[string]uint32
	labels []string
	out    []wasm.Instruction
}

func (p *Parser) compileFunc(fd *funcDef) (wasm.FuncBody, error) {
	f := &funcCtx{p: p, locals: make(map[string]uint32)}
	for i, name := range fd.params {
		if name != "" {
			f.locals[name] = uint32(i)
		}
	}
	next := uint32(len(p.mod.Types[fd.typeIdx].Params))
	var body wasm.FuncBody
	addLocal := func(t wasm.ValType) {
		if n := len(body.Locals); n > 0 && body.Locals[n-1].ValType == t {
			body.Locals[n-1].Count++
		} else {
			body.Locals = append(body.Locals, wasm.LocalEntry{Count: 1, ValType: t})
		}
		next++
	}
	c := &cursor{items: fd.body}
	for c.peekHead("local") {
		lc := fieldCursor(c.next())
		if name := lc.name(); name != "" {
			vt := lc.next()
			if vt == nil || !lc.done() {
				return body, fd.n.errorf("named local takes exactly one type")
			}
			t, err := parseValType(vt)
			if err != nil {
				return body, err
			}
			f.locals[name] = next
			addLocal(t)
			continue
		}
		for !lc.done() {
			t, err := parseValType(lc.next())
			if err != nil {
				return body, err
			}
			addLocal(t)
		}
	}
	if err := f.seq(c); err != nil {
		return body, err
	}
	if len(f.labels) != 0 {
		return body, fd.n.errorf("unclosed block in function")
	}
	f.emit(wasm.Instruction{Opcode: wasm.OpEnd})
	body.Code = wasm.EncodeInstructions(f.out)
	return body, nil
}

func (f *funcCtx) emit(in wasm.Instruction) {
	f.out = append(f.out, in)
}

func (f *funcCtx) seq(c *cursor) error {
	for !c.done() {
		n := c.next()
		var err error
		switch {
		case n.list:
			err = f.folded(n)
		case n.isAtom():
			err = f.plain(n, c)
		default:
			err = n.errorf("unexpected string in function body")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *funcCtx) plain(n *node, c *cursor) error {
	switch name := n.tok.Value; name {
	case "block", "loop", "if":
		label := c.name()
		bt, err := f.blockType(c)
		if err != nil {
			return err
		}
		f.labels = append(f.labels, label)
		f.emit(wasm.Instruction{Opcode: blockOp(name), Imm: wasm.BlockImm{Type: bt}})
	case "else":
		if len(f.labels) == 0 {
			return n.errorf("else outside of if")
		}
		c.name()
		f.emit(wasm.Instruction{Opcode: wasm.OpElse})
	case "end":
		if len(f.labels) == 0 {
			return n.errorf("unexpected end")
		}
		f.labels = f.labels[:len(f.labels)-1]
		c.name()
		f.emit(wasm.Instruction{Opcode: wasm.OpEnd})
	default:
		in, err := f.instr(n, c)
		if err != nil {
			return err
		}
		f.emit(in)
	}
	return nil
}

func (f *funcCtx) folded(n *node) error {
	head := n.head()
	if head == "" {
		return n.errorf("expected instruction")
	}
	c := fieldCursor(n)
	switch head {
	case "block", "loop":
		label := c.name()
		bt, err := f.blockType(c)
		if err != nil {
			return err
		}
		f.emit(wasm.Instruction{Opcode: blockOp(head), Imm: wasm.BlockImm{Type: bt}})
		f.labels = append(f.labels, label)
		if err := f.seq(c); err != nil {
			return err
		}
		f.labels = f.labels[:len(f.labels)-1]
		f.emit(wasm.Instruction{Opcode: wasm.OpEnd})
		return nil
	case "if":
		label := c.name()
		bt, err := f.blockType(c)
		if err != nil {
			return err
		}
		for !c.done() && !c.peekHead("then") {
			cond := c.next()
			if !cond.list {
				return cond.errorf("expected folded condition, got %s", describe(cond))
			}
			if err := f.folded(cond); err != nil {
				return err
			}
		}
		then := c.next()
		if then == nil {
			return n.errorf("if without then")
		}
		f.emit(wasm.Instruction{Opcode: wasm.OpIf, Imm: wasm.BlockImm{Type: bt}})
		f.labels = append(f.labels, label)
		if err := f.seq(fieldCursor(then)); err != nil {
			return err
		}
		if c.peekHead("else") {
			f.emit(wasm.Instruction{Opcode: wasm.OpElse})
			if err := f.seq(fieldCursor(c.next())); err != nil {
				return err
			}
		}
		if !c.done() {
			return c.peek().errorf("unexpected %s after else", describe(c.peek()))
		}
		f.labels = f.labels[:len(f.labels)-1]
		f.emit(wasm.Instruction{Opcode: wasm.OpEnd})
		return nil
	}
	in, err := f.instr(n.items[0], c)
	if err != nil {
		return err
	}
	for !c.done() {
		arg := c.next()
		if !arg.list {
			return arg.errorf("unexpected %s in folded %s", describe(arg), head)
		}
		if err := f.folded(arg); err != nil {
			return err
		}
	}
	f.emit(in)
	return nil
}

func blockOp(name string) byte {
	switch name {
	case "loop":
		return wasm.OpLoop
	case "if":
		return wasm.OpIf
	}
	return wasm.OpBlock
}

func (f *funcCtx) blockType(c *cursor) (int32, error) {
	if c.peekHead("type") {
		idx, _, err := f.p.typeUse(c)
		return int32(idx), err
	}
	ft, _, err := f.p.signature(c)
	if err != nil {
		return 0, err
	}
	if len(ft.Params) == 0 {
		switch len(ft.Results) {
		case 0:
			return wasm.BlockTypeVoid, nil
		case 1:
			return -int32(0x80 - int32(ft.Results[0])), nil
		}
	}
	return int32(f.p.mod.AddType(ft)), nil
}

func (f *funcCtx) label(n *node) (uint32, error) {
	if n == nil || !n.isAtom() {
		return 0, fmt.Errorf("expected label")
	}
	if n.isName() {
		for i := len(f.labels) - 1; i >= 0; i-- {
			if f.labels[i] == n.tok.Value {
				return uint32(len(f.labels) - 1 - i), nil
			}
		}
		return 0, n.errorf("unknown label %s", n.tok.Value)
	}
	v, err := parseU32(n.tok.Value)
	if err != nil {
		return 0, n.errorf("invalid label %q", n.tok.Value)
	}
	return v, nil
}

func isIndex(n *node) bool {
	return n != nil && n.isAtom() && (n.isName() || isDigit(n.tok.Value))
}

// instr parses the immediates of a non-structured instruction from c.
func (f *funcCtx) instr(n *node, c *cursor) (wasm.Instruction, error) {
	name := n.tok.Value
	op, sub, ok := wasm.LookupOpcode(name)
	if !ok || op == wasm.OpBlock || op == wasm.OpLoop || op == wasm.OpIf || op == wasm.OpElse || op == wasm.OpEnd {
		return wasm.Instruction{}, n.errorf("unknown instruction %q", name)
	}
	in := wasm.Instruction{Opcode: op}
	var err error
	switch {
	case op == wasm.OpBr || op == wasm.OpBrIf:
		var depth uint32
		depth, err = f.label(c.next())
		in.Imm = wasm.BranchImm{LabelIdx: depth}
	case op == wasm.OpBrTable:
		var labels []uint32
		for isIndex(c.peek()) {
			d, lerr := f.label(c.next())
			if lerr != nil {
				return in, lerr
			}
			labels = append(labels, d)
		}
		if len(labels) == 0 {
			return in, n.errorf("br_table needs at least one label")
		}
		in.Imm = wasm.BrTableImm{Labels: labels[:len(labels)-1], Default: labels[len(labels)-1]}
	case op == wasm.OpCall:
		var idx uint32
		idx, err = f.p.resolve(c.next(), f.p.funcMap, "function")
		in.Imm = wasm.CallImm{FuncIdx: idx}
	case op == wasm.OpCallIndirect:
		var table uint32
		if isIndex(c.peek()) {
			if table, err = f.p.resolve(c.next(), f.p.tableMap, "table"); err != nil {
				return in, err
			}
		}
		var typeIdx uint32
		typeIdx, _, err = f.p.typeUse(c)
		in.Imm = wasm.CallIndirectImm{TypeIdx: typeIdx, TableIdx: table}
	case op == wasm.OpLocalGet || op == wasm.OpLocalSet || op == wasm.OpLocalTee:
		var idx uint32
		idx, err = f.p.resolve(c.next(), f.locals, "local")
		in.Imm = wasm.LocalImm{LocalIdx: idx}
	case op == wasm.OpGlobalGet || op == wasm.OpGlobalSet:
		var idx uint32
		idx, err = f.p.resolve(c.next(), f.p.globalMap, "global")
		in.Imm = wasm.GlobalImm{GlobalIdx: idx}
	case op >= wasm.OpI32Load && op <= wasm.OpI64Store32:
		in.Imm, err = memArg(c, naturalAlign(op))
	case op == wasm.OpMemorySize || op == wasm.OpMemoryGrow:
		if isIndex(c.peek()) {
			if _, err = f.p.resolve(c.next(), f.p.memMap, "memory"); err != nil {
				return in, err
			}
		}
		in.Imm = wasm.MemoryIdxImm{}
	case op == wasm.OpI32Const:
		var v int32
		v, err = parseI32(orEOF(c.next()))
		in.Imm = wasm.I32Imm{Value: v}
	case op == wasm.OpI64Const:
		var v int64
		v, err = parseI64(orEOF(c.next()))
		in.Imm = wasm.I64Imm{Value: v}
	case op == wasm.OpF32Const:
		var v uint32
		v, err = parseF32(orEOF(c.next()))
		in.Imm = wasm.F32Imm{Bits: v}
	case op == wasm.OpF64Const:
		var v uint64
		v, err = parseF64(orEOF(c.next()))
		in.Imm = wasm.F64Imm{Bits: v}
	case op == wasm.OpSelect:
		if c.peekHead("result") {
			ft, _, serr := f.p.signature(c)
			if serr != nil {
				return in, serr
			}
			in.Opcode = wasm.OpSelectType
			in.Imm = wasm.SelectTypeImm{Types: ft.Results}
		}
	case op == wasm.OpPrefixMisc:
		imm := wasm.MiscImm{SubOpcode: sub}
		if sub == wasm.MiscMemoryInit || sub == wasm.MiscDataDrop {
			f.p.usesDataIdx = true
		}
		switch sub {
		case wasm.MiscMemoryInit:
			var idx uint32
			idx, err = f.p.resolve(c.next(), f.p.dataMap, "data segment")
			imm.Operands = []uint32{idx, 0}
		case wasm.MiscDataDrop:
			var idx uint32
			idx, err = f.p.resolve(c.next(), f.p.dataMap, "data segment")
			imm.Operands = []uint32{idx}
		case wasm.MiscMemoryCopy:
			imm.Operands = []uint32{0, 0}
		case wasm.MiscMemoryFill:
			imm.Operands = []uint32{0}
		}
		in.Imm = imm
	}
	if err != nil {
		return in, fmt.Errorf("%s: %s: %w", n.tok.Pos(), name, err)
	}
	return in, nil
}

// orEOF turns a missing operand into an atom that fails to parse.
func orEOF(n *node) *node {
	if n == nil {
		return &node{}
	}
	return n
}

func naturalAlign(op byte) uint32 {
	switch op {
	case wasm.OpI32Load8S, wasm.OpI32Load8U, wasm.OpI64Load8S, wasm.OpI64Load8U,
		wasm.OpI32Store8, wasm.OpI64Store8:
		return 0
	case wasm.OpI32Load16S, wasm.OpI32Load16U, wasm.OpI64Load16S, wasm.OpI64Load16U,
		wasm.OpI32Store16, wasm.OpI64Store16:
		return 1
	case wasm.OpI64Load, wasm.OpF64Load, wasm.OpI64Store, wasm.OpF64Store:
		return 3
	}
	return 2
}

func memArg(c *cursor, align uint32) (wasm.MemoryImm, error) {
	imm := wasm.MemoryImm{Align: align}
	if n := c.peek(); n != nil && n.isAtom() && strings.HasPrefix(n.tok.Value, "offset=") {
		c.next()
		v, err := parseU32(strings.TrimPrefix(n.tok.Value, "offset="))
		if err != nil {
			return imm, fmt.Errorf("invalid offset %q", n.tok.Value)
		}
		imm.Offset = v
	}
	if n := c.peek(); n != nil && n.isAtom() && strings.HasPrefix(n.tok.Value, "align=") {
		c.next()
		v, err := parseU32(strings.TrimPrefix(n.tok.Value, "align="))
		if err != nil || v == 0 || v&(v-1) != 0 {
			return imm, fmt.Errorf("alignment must be a power of two: %q", n.tok.Value)
		}
		log := uint32(0)
		for v > 1 {
			v >>= 1
			log++
		}
		if log > align {
			return imm, fmt.Errorf("alignment %q exceeds natural alignment", n.tok.Value)
		}
		imm.Align = log
	}
	return imm, nil
}
