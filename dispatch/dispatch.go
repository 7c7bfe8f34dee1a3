package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/watt"
	"github.com/wippyai/watt/engine"
	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/tokens"
	"github.com/wippyai/watt/wasm"
)

// AllocExport is the optional guest allocator, called as
// watt_alloc(size, align) -> ptr to place input buffers.
const AllocExport = "watt_alloc"

var (
	i32       = wasm.ValI32
	allocType = wasm.FuncType{Params: []wasm.ValType{i32, i32}, Results: []wasm.ValType{i32}}
)

// Entry is a resolved entry point.
type Entry struct {
	Type    wasm.FuncType
	Name    string
	Kind    watt.Kind
	Buffers int  // input buffers the export takes
	Packed  bool // result is one i64, len<<32 | ptr
}

type entryKey struct {
	name string
	kind watt.Kind
}

type resolution struct {
	entry *Entry
	err   error
}

// Dispatcher invokes the entry points of one module. It is safe for
// concurrent use; every call runs on its own instance.
type Dispatcher struct {
	mod      *wasm.Module
	compiled engine.Compiled
	entries  sync.Map // entryKey -> resolution
	hasAlloc bool
}

// New creates a dispatcher for mod, executing on compiled. A nil
// compiled module is enough for Resolve.
func New(mod *wasm.Module, compiled engine.Compiled) *Dispatcher {
	d := &Dispatcher{mod: mod, compiled: compiled}
	if _, ft, ok := mod.ExportedFunc(AllocExport); ok && ft != nil && ft.Equal(allocType) {
		d.hasAlloc = true
	}
	return d
}

// Resolve finds the entry point of the given kind and name. The outcome,
// failures included, is computed once per (kind, name).
func (d *Dispatcher) Resolve(kind watt.Kind, name string) (*Entry, error) {
	key := entryKey{name: name, kind: kind}
	if v, ok := d.entries.Load(key); ok {
		r := v.(resolution)
		return r.entry, r.err
	}
	e, err := d.resolve(kind, name)
	v, _ := d.entries.LoadOrStore(key, resolution{entry: e, err: err})
	r := v.(resolution)
	return r.entry, r.err
}

func (d *Dispatcher) resolve(kind watt.Kind, name string) (*Entry, error) {
	minBuffers, maxBuffers := kind.Buffers()
	if maxBuffers == 0 {
		return nil, errors.InvalidInput(errors.PhaseDispatch, fmt.Sprintf("invalid entry kind %d", uint8(kind)))
	}
	exp, ok := d.mod.FindExport(name)
	if !ok {
		return nil, errors.UnknownEntryPoint(kind, name)
	}
	if exp.Kind != wasm.KindFunc {
		return nil, errors.SignatureMismatch(errors.PhaseDispatch, name, "export is not a function")
	}
	ft := d.mod.GetFuncType(exp.Idx)
	if ft == nil {
		return nil, errors.SignatureMismatch(errors.PhaseDispatch, name, "export has no signature")
	}
	mismatch := func(format string, args ...any) error {
		return errors.SignatureMismatch(errors.PhaseDispatch, name,
			fmt.Sprintf("%s entry has signature %s: ", kind, ft)+fmt.Sprintf(format, args...))
	}
	for _, p := range ft.Params {
		if p != wasm.ValI32 {
			return nil, mismatch("parameters must be i32 pointer/length pairs")
		}
	}
	if len(ft.Params)%2 != 0 {
		return nil, mismatch("odd parameter count")
	}
	n := len(ft.Params) / 2
	if n < minBuffers || n > maxBuffers {
		return nil, mismatch("takes %d buffers, want %d to %d", n, minBuffers, maxBuffers)
	}
	e := &Entry{Type: *ft, Name: name, Kind: kind, Buffers: n}
	switch {
	case len(ft.Results) == 2 && ft.Results[0] == wasm.ValI32 && ft.Results[1] == wasm.ValI32:
	case len(ft.Results) == 1 && ft.Results[0] == wasm.ValI64:
		e.Packed = true
	default:
		return nil, mismatch("results must be (i32, i32) or i64")
	}
	return e, nil
}

// fit matches the caller's buffers to the entry. Derive entries may
// ignore the helper attribute list or receive an empty one.
func (e *Entry) fit(inputs [][]byte) ([][]byte, error) {
	if e.Kind == watt.Derive {
		switch {
		case len(inputs) == 2 && e.Buffers == 1:
			return inputs[:1], nil
		case len(inputs) == 1 && e.Buffers == 2:
			return [][]byte{inputs[0], tokens.EncodeIdents(nil, tokens.Span{})}, nil
		}
	}
	if len(inputs) != e.Buffers {
		return nil, errors.InvalidInput(errors.PhaseDispatch,
			fmt.Sprintf("%s entry %q takes %d buffers, got %d", e.Kind, e.Name, e.Buffers, len(inputs)))
	}
	return inputs, nil
}

func (e *Entry) result(res []uint64) (ptr, n uint32) {
	if e.Packed {
		return uint32(res[0]), uint32(res[0] >> 32)
	}
	return uint32(res[0]), uint32(res[1])
}

// Dispatch runs the entry point on a fresh instance and returns the raw
// result buffer. Traps are returned as *tokens.Diagnostic values whose
// Cause is the trap; other failures are *errors.Error values.
func (d *Dispatcher) Dispatch(ctx context.Context, kind watt.Kind, name string, inputs ...[]byte) (out []byte, err error) {
	entry, err := d.Resolve(kind, name)
	if err != nil {
		return nil, err
	}
	if inputs, err = entry.fit(inputs); err != nil {
		return nil, err
	}

	start := time.Now()
	id := uuid.NewString()
	inBytes := 0
	for _, in := range inputs {
		inBytes += len(in)
	}
	defer func() {
		Logger().Debug("dispatch",
			zap.String("call", id),
			zap.String("entry", name),
			zap.Stringer("kind", kind),
			zap.Int("in_bytes", inBytes),
			zap.Int("out_bytes", len(out)),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
	}()

	inst, err := d.compiled.Acquire(ctx)
	if err != nil {
		return nil, trapDiagnostic(name, err)
	}
	defer d.compiled.Release(ctx, inst)

	args := make([]uint64, 0, 2*len(inputs))
	for _, in := range inputs {
		ptr, err := d.place(ctx, inst, in)
		if err != nil {
			return nil, trapDiagnostic(name, err)
		}
		args = append(args, uint64(ptr), uint64(len(in)))
	}

	res, err := inst.Call(ctx, name, args...)
	if err != nil {
		return nil, trapDiagnostic(name, err)
	}
	ptr, n := entry.result(res)
	mem := inst.Memory()
	if mem == nil {
		return nil, errors.MalformedOutput(errors.NoOffset, "guest has no memory to return a buffer in", nil)
	}
	b, err := mem.Read(ptr, n)
	if err != nil {
		return nil, errors.MalformedOutput(errors.NoOffset,
			fmt.Sprintf("result buffer of %d bytes at 0x%x is outside guest memory", n, ptr), err)
	}
	return append([]byte(nil), b...), nil
}

// place copies buf into guest memory, through watt_alloc when the guest
// exports it and through the host scratch allocator otherwise.
func (d *Dispatcher) place(ctx context.Context, inst engine.Instance, buf []byte) (uint32, error) {
	if uint64(len(buf)) > math.MaxUint32 {
		return 0, errors.InvalidInput(errors.PhaseDispatch, fmt.Sprintf("input of %d bytes exceeds guest address space", len(buf)))
	}
	mem := inst.Memory()
	if mem == nil {
		return 0, errors.New(errors.PhaseDispatch, errors.KindAllocation).Detail("guest has no memory").Build()
	}
	size := uint32(len(buf))
	var ptr uint32
	if d.hasAlloc {
		res, err := inst.Call(ctx, AllocExport, uint64(size), 1)
		if err != nil {
			return 0, err
		}
		ptr = uint32(res[0])
	} else {
		p, err := inst.Session().Scratch(mem).Alloc(size, 8)
		if err != nil {
			return 0, err
		}
		ptr = p
	}
	if err := mem.Write(ptr, buf); err != nil {
		return 0, errors.New(errors.PhaseDispatch, errors.KindAllocation).
			Detail("allocated buffer at 0x%x is outside guest memory", ptr).
			Cause(err).
			Build()
	}
	return ptr, nil
}

// trapDiagnostic converts a trap into the diagnostic reported for the
// macro call. Other errors are returned unchanged.
func trapDiagnostic(name string, err error) error {
	trap := trapOf(err)
	if trap == nil {
		return err
	}
	var msg string
	if trap.Kind == errors.KindExplicitAbort {
		msg = fmt.Sprintf("proc macro %s panicked: %s", name, trap.Detail)
	} else {
		msg = fmt.Sprintf("proc macro %s trapped (%s)", name, strings.ReplaceAll(string(trap.Kind), "_", " "))
		if trap.Detail != "" {
			msg += ": " + trap.Detail
		}
	}
	return &tokens.Diagnostic{Message: msg, Cause: err}
}

func trapOf(err error) *errors.Error {
	for err != nil {
		var e *errors.Error
		if !stderrors.As(err, &e) {
			return nil
		}
		if e.Phase == errors.PhaseTrap {
			return e
		}
		err = e.Cause
	}
	return nil
}
