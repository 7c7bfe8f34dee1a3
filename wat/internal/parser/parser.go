// Package parser turns WAT tokens into a wasm.Module.
package parser

import (
	"fmt"
	"strings"

	"github.com/wippyai/watt/wasm"
	"github.com/wippyai/watt/wat/internal/token"
)

const maxNesting = 1024

// node is one s-expression: either an atom/string token or a list.
type node struct {
	tok   token.Token
	items []*node
	list  bool
}

func (n *node) head() string {
	if !n.list || len(n.items) == 0 || n.items[0].list || n.items[0].tok.Type != token.Atom {
		return ""
	}
	return n.items[0].tok.Value
}

func (n *node) isAtom() bool {
	return !n.list && n.tok.Type == token.Atom
}

func (n *node) isName() bool {
	return n.isAtom() && strings.HasPrefix(n.tok.Value, "$")
}

func (n *node) isString() bool {
	return !n.list && n.tok.Type == token.String
}

func (n *node) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %s", n.tok.Pos(), fmt.Sprintf(format, args...))
}

func tree(toks []token.Token) (*node, error) {
	if len(toks) == 0 {
		return nil, fmt.Errorf("unexpected end of input")
	}
	pos := 0
	var read func(depth int) (*node, error)
	read = func(depth int) (*node, error) {
		if pos >= len(toks) {
			return nil, fmt.Errorf("unexpected end of input")
		}
		t := toks[pos]
		pos++
		switch t.Type {
		case token.RParen:
			return nil, fmt.Errorf("%s: unexpected ')'", t.Pos())
		case token.LParen:
			if depth > maxNesting {
				return nil, fmt.Errorf("%s: nesting too deep", t.Pos())
			}
			n := &node{tok: t, list: true}
			for {
				if pos >= len(toks) {
					return nil, fmt.Errorf("%s: unexpected end of input, unclosed '('", t.Pos())
				}
				if toks[pos].Type == token.RParen {
					pos++
					return n, nil
				}
				child, err := read(depth + 1)
				if err != nil {
					return nil, err
				}
				n.items = append(n.items, child)
			}
		}
		return &node{tok: t}, nil
	}
	root, err := read(0)
	if err != nil {
		return nil, err
	}
	if pos != len(toks) {
		return nil, fmt.Errorf("%s: unexpected tokens after module", toks[pos].Pos())
	}
	return root, nil
}

// Parser assembles a module from its textual fields. Names are resolved
// in a first pass so that functions and globals may be referenced before
// they are defined.
type Parser struct {
	toks []token.Token
	mod  *wasm.Module

	typeMap   map[string]uint32
	funcMap   map[string]uint32
	globalMap map[string]uint32
	dataMap   map[string]uint32
	elemMap   map[string]uint32
	memMap    map[string]uint32
	tableMap  map[string]uint32
	names     map[uint32]string

	funcs   []*funcDef
	globals []*node
	nFuncs  uint32
	nGlobal uint32
	nMems   uint32
	nTables uint32
	nData   uint32
	nElems  uint32

	usesDataIdx bool
}

type funcDef struct {
	n       *node
	body    []*node
	typeIdx uint32
	params  []string
}

func New(toks []token.Token) *Parser {
	return &Parser{
		toks:      toks,
		mod:       &wasm.Module{},
		typeMap:   make(map[string]uint32),
		funcMap:   make(map[string]uint32),
		globalMap: make(map[string]uint32),
		dataMap:   make(map[string]uint32),
		elemMap:   make(map[string]uint32),
		memMap:    make(map[string]uint32),
		tableMap:  make(map[string]uint32),
		names:     make(map[uint32]string),
	}
}

// Parse builds the module. The returned module has no section layout and
// is ready for Encode.
func (p *Parser) Parse() (*wasm.Module, error) {
	root, err := tree(p.toks)
	if err != nil {
		return nil, err
	}
	if root.head() != "module" {
		return nil, root.errorf("expected 'module'")
	}
	fields := root.items[1:]
	if len(fields) > 0 && fields[0].isName() {
		fields = fields[1:]
	}
	for _, f := range fields {
		if !f.list {
			return nil, f.errorf("expected module field, got %q", f.tok.Value)
		}
	}
	if err := p.declare(fields); err != nil {
		return nil, err
	}
	if err := p.define(fields); err != nil {
		return nil, err
	}
	for _, fd := range p.funcs {
		body, err := p.compileFunc(fd)
		if err != nil {
			return nil, err
		}
		p.mod.Code = append(p.mod.Code, body)
	}
	if p.usesDataIdx {
		n := uint32(len(p.mod.Data))
		p.mod.DataCount = &n
	}
	if len(p.names) > 0 {
		p.mod.SetFuncNames(p.names)
	}
	return p.mod, nil
}

func (p *Parser) resolve(n *node, space map[string]uint32, what string) (uint32, error) {
	if n == nil || !n.isAtom() {
		return 0, fmt.Errorf("expected %s index", what)
	}
	if n.isName() {
		idx, ok := space[n.tok.Value]
		if !ok {
			return 0, n.errorf("unknown %s %s", what, n.tok.Value)
		}
		return idx, nil
	}
	v, err := parseU32(n.tok.Value)
	if err != nil {
		return 0, n.errorf("invalid %s index %q", what, n.tok.Value)
	}
	return v, nil
}

func parseValType(n *node) (wasm.ValType, error) {
	if !n.isAtom() {
		return 0, n.errorf("expected value type")
	}
	switch n.tok.Value {
	case "i32":
		return wasm.ValI32, nil
	case "i64":
		return wasm.ValI64, nil
	case "f32":
		return wasm.ValF32, nil
	case "f64":
		return wasm.ValF64, nil
	case "funcref":
		return wasm.ValFuncRef, nil
	}
	return 0, n.errorf("unknown value type %q", n.tok.Value)
}
