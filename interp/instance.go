package interp

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/memory"
	"github.com/wippyai/watt/wasm"
)

const initialStack = 1024

type label struct {
	cont   int
	height int
	arity  int
	loop   bool
}

type frame struct {
	fn        *function
	pc        int
	base      int
	labelBase int
}

// Instance is one instantiation of a Module. It owns its memory, globals
// and stacks and must not be used from more than one goroutine at a time.
type Instance struct {
	mod     *Module
	mem     *memory.Memory
	globals []uint64
	dropped []bool
	stack   []uint64
	labels  []label
	frames  []frame

	// registers of the executing frame
	fn    *function
	pc    int
	sp    int
	base  int
	floor int

	trapped bool
}

// Instantiate creates a fresh instance and runs the start function.
func (cm *Module) Instantiate(ctx context.Context) (*Instance, error) {
	inst := &Instance{
		mod:     cm,
		globals: append([]uint64(nil), cm.globalInit...),
		dropped: make([]bool, len(cm.data)),
		stack:   make([]uint64, initialStack),
	}
	if cm.hasMemory {
		inst.mem = memory.New(cm.memMin, cm.memMax)
		inst.mem.CopyIn(0, cm.image)
	}
	inst.dropActive()
	if cm.start != nil {
		if _, err := inst.CallIndex(ctx, *cm.start); err != nil {
			return nil, err
		}
	}
	return inst, nil
}

func (inst *Instance) dropActive() {
	for i, seg := range inst.mod.source.Data {
		inst.dropped[i] = seg.Mode == wasm.SegmentActive
	}
}

// Acquire returns an instance in its initial state, recycled from the
// pool when Config.PoolInstances is set.
func (cm *Module) Acquire(ctx context.Context) (*Instance, error) {
	if cm.cfg.PoolInstances && cm.start == nil {
		if v := cm.pool.Get(); v != nil {
			return v.(*Instance), nil
		}
	}
	return cm.Instantiate(ctx)
}

// Release hands an instance back for reuse. Instances that trapped, and
// instances of modules with a start function, are discarded.
func (cm *Module) Release(inst *Instance) {
	if inst == nil || inst.mod != cm || !cm.cfg.PoolInstances || cm.start != nil || inst.trapped {
		return
	}
	inst.reset()
	cm.pool.Put(inst)
}

func (inst *Instance) reset() {
	cm := inst.mod
	copy(inst.globals, cm.globalInit)
	if inst.mem != nil {
		inst.mem.Reset(cm.image, cm.memMin)
	}
	inst.dropActive()
	inst.sp, inst.pc, inst.base, inst.floor = 0, 0, 0, 0
	inst.fn = nil
	inst.labels = inst.labels[:0]
	inst.frames = inst.frames[:0]
}

// Module returns the compiled module of the instance.
func (inst *Instance) Module() *Module {
	return inst.mod
}

// Memory returns the instance memory, or nil when the module has none.
func (inst *Instance) Memory() *memory.Memory {
	return inst.mem
}

// Trapped reports whether a call on this instance has trapped.
func (inst *Instance) Trapped() bool {
	return inst.trapped
}

// Global returns the raw value of a global.
func (inst *Instance) Global(idx uint32) (uint64, bool) {
	if int(idx) >= len(inst.globals) {
		return 0, false
	}
	return inst.globals[idx], true
}

// Call invokes an exported function by name.
func (inst *Instance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	idx, ok := inst.mod.exports[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseDispatch, "export", name)
	}
	return inst.CallIndex(ctx, idx, args...)
}

// CallIndex invokes the function at idx in the function index space.
func (inst *Instance) CallIndex(ctx context.Context, idx uint32, args ...uint64) (results []uint64, err error) {
	if int(idx) >= len(inst.mod.funcs) {
		return nil, errors.NotFound(errors.PhaseDispatch, "function", fmt.Sprint(idx))
	}
	fn := inst.mod.funcs[idx]
	if len(args) != len(fn.typ.Params) {
		return nil, errors.SignatureMismatch(errors.PhaseDispatch, fn.name,
			fmt.Sprintf("%d arguments for %s", len(args), fn.typ))
	}
	if len(inst.frames) != 0 {
		return nil, errors.New(errors.PhaseDispatch, errors.KindInvalidInput).
			Path(fn.name).
			Detail("instance is already executing").
			Build()
	}

	defer func() {
		if rec := recover(); rec != nil {
			results = nil
			err = inst.trapError(rec)
			inst.trapped = true
			inst.labels = inst.labels[:0]
			inst.frames = inst.frames[:0]
			inst.fn = nil
		}
	}()

	if fn.host != nil {
		return inst.invokeHost(ctx, fn, args)
	}

	inst.sp, inst.floor = 0, 0
	for _, a := range args {
		inst.push(a)
	}
	inst.enter(fn)
	inst.run(ctx)

	n := len(fn.typ.Results)
	results = make([]uint64, n)
	copy(results, inst.stack[:n])
	inst.sp = 0
	return results, nil
}

func (inst *Instance) invokeHost(ctx context.Context, fn *function, args []uint64) ([]uint64, error) {
	res, err := fn.host(ctx, inst.mem, args)
	if err != nil {
		panic(hostTrap(fn, err))
	}
	if len(res) != len(fn.typ.Results) {
		panic(errors.Trap(errors.KindInternal, "host function %s returned %d values, want %d",
			fn.name, len(res), len(fn.typ.Results)))
	}
	return res, nil
}

func hostTrap(fn *function, err error) error {
	var e *errors.Error
	if stderrors.As(err, &e) && e.Phase == errors.PhaseTrap {
		return e
	}
	return errors.New(errors.PhaseTrap, errors.KindInternal).
		Path(fn.name).
		Detail("host function failed").
		Cause(err).
		Build()
}

// trapError converts a recovered panic into a trap annotated with the
// faulting function and instruction offset.
func (inst *Instance) trapError(rec any) error {
	var e *errors.Error
	switch v := rec.(type) {
	case *errors.Error:
		cp := *v
		e = &cp
	case error:
		e = errors.New(errors.PhaseTrap, errors.KindInternal).Detail("interpreter fault").Cause(v).Build()
	default:
		e = errors.Trap(errors.KindInternal, "interpreter fault: %v", v)
	}
	if inst.fn != nil {
		if len(e.Path) == 0 {
			e.Path = []string{inst.fn.name}
		}
		if e.Offset == errors.NoOffset && inst.pc > 0 && inst.pc <= len(inst.fn.offsets) {
			e.Offset = inst.fn.offsets[inst.pc-1]
		}
	}
	return e
}
