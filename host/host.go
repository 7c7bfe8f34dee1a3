package host

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/wippyai/watt"
	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/wasm"
)

// ModuleName is the import module name of the host table.
const ModuleName = "watt"

// maxAbortMessage bounds the message read by abort.
const maxAbortMessage = 4096

// Memory is the view of guest memory host functions operate on.
type Memory interface {
	watt.Memory
	watt.MemorySizer
	watt.MemoryGrower
}

// Func is a host function. Call receives the raw argument values and
// returns raw results; a non-nil error traps the guest.
type Func struct {
	Call func(ctx context.Context, mem Memory, args []uint64) ([]uint64, error)
	Name string
	Type wasm.FuncType
}

var (
	i32 = wasm.ValI32

	table = map[string]Func{
		"grow": {
			Name: "grow",
			Type: wasm.FuncType{Params: []wasm.ValType{i32}, Results: []wasm.ValType{i32}},
			Call: grow,
		},
		"abort": {
			Name: "abort",
			Type: wasm.FuncType{Params: []wasm.ValType{i32, i32}},
			Call: abort,
		},
		"scratch": {
			Name: "scratch",
			Type: wasm.FuncType{Params: []wasm.ValType{i32}, Results: []wasm.ValType{i32}},
			Call: scratch,
		},
	}
)

// Funcs returns the host table sorted by name.
func Funcs() []Func {
	out := make([]Func, 0, len(table))
	for _, f := range table {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the host function imported as module.name.
func Lookup(module, name string) (Func, error) {
	if module == ModuleName {
		if f, ok := table[name]; ok {
			return f, nil
		}
	}
	return Func{}, errors.MissingImport(module, name)
}

// Resolve looks up an import and checks it against the signature the
// guest declared for it.
func Resolve(module, name string, declared wasm.FuncType) (Func, error) {
	f, err := Lookup(module, name)
	if err != nil {
		return Func{}, err
	}
	if !f.Type.Equal(declared) {
		return Func{}, errors.New(errors.PhaseLoad, errors.KindSignatureMismatch).
			Path(module, name).
			Detail("guest imports %s, host provides %s", declared, f.Type).
			Build()
	}
	return f, nil
}

func minusOne() []uint64 {
	return []uint64{uint64(uint32(0xFFFFFFFF))}
}

func grow(_ context.Context, mem Memory, args []uint64) ([]uint64, error) {
	if mem == nil {
		return minusOne(), nil
	}
	prev, ok := mem.Grow(uint32(args[0]))
	if !ok {
		return minusOne(), nil
	}
	return []uint64{uint64(prev)}, nil
}

func abort(ctx context.Context, mem Memory, args []uint64) ([]uint64, error) {
	ptr, n := uint32(args[0]), uint32(args[1])
	msg := "guest aborted"
	if mem != nil && n > 0 {
		if n > maxAbortMessage {
			n = maxAbortMessage
		}
		if b, err := mem.Read(ptr, n); err == nil {
			msg = decodeMessage(b)
		}
	}
	if s := SessionFrom(ctx); s != nil {
		s.recordAbort(msg)
	}
	return nil, errors.Trap(errors.KindExplicitAbort, "%s", msg)
}

func decodeMessage(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

func scratch(ctx context.Context, mem Memory, args []uint64) ([]uint64, error) {
	s := SessionFrom(ctx)
	if s == nil || mem == nil {
		return minusOne(), nil
	}
	ptr, err := s.Scratch(mem).Alloc(uint32(args[0]), 8)
	if err != nil {
		return minusOne(), nil
	}
	return []uint64{uint64(ptr)}, nil
}
