package engine

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/host"
	"github.com/wippyai/watt/wasm"
)

// WazeroEngine runs guests on wazero's interpreter. It provides the same
// host table as the builtin interpreter and is used to cross-check it.
type WazeroEngine struct {
	runtime wazero.Runtime
	cfg     Config
}

// NewWazero creates a wazero runtime in interpreter mode with the host
// table instantiated under host.ModuleName.
func NewWazero(ctx context.Context, cfg Config) (*WazeroEngine, error) {
	cfg = cfg.withDefaults()
	runtimeCfg := wazero.NewRuntimeConfigInterpreter().
		WithMemoryLimitPages(cfg.MemoryCeilingPages).
		WithCoreFeatures(api.CoreFeaturesV2)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	builder := runtime.NewHostModuleBuilder(host.ModuleName)
	for _, f := range host.Funcs() {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(hostFunction(f), valueTypes(f.Type.Params), valueTypes(f.Type.Results)).
			WithName(f.Name).
			Export(f.Name)
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return &WazeroEngine{runtime: runtime, cfg: cfg}, nil
}

func valueTypes(vs []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(vs))
	for i, v := range vs {
		out[i] = api.ValueType(v)
	}
	return out
}

// hostFunction adapts a host table entry to wazero's stack calling
// convention. Errors panic so wazero unwinds the guest; they are
// recovered as trap errors by mapTrap.
func hostFunction(f host.Func) api.GoModuleFunc {
	nparams := len(f.Type.Params)
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		var mem host.Memory
		if m := mod.Memory(); m != nil {
			mem = WrapMemory(m)
		}
		args := append([]uint64(nil), stack[:nparams]...)
		res, err := f.Call(ctx, mem, args)
		if err != nil {
			panic(hostError(f.Name, err))
		}
		copy(stack, res)
	}
}

func hostError(name string, err error) error {
	var e *errors.Error
	if stderrors.As(err, &e) && e.Phase == errors.PhaseTrap {
		return e
	}
	return errors.New(errors.PhaseTrap, errors.KindInternal).
		Path(name).
		Detail("host function failed").
		Cause(err).
		Build()
}

func (e *WazeroEngine) Name() string { return BackendWazero }

func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Compile compiles the module binary with wazero. Imports are checked
// against the host table first so failures match the builtin backend.
func (e *WazeroEngine) Compile(ctx context.Context, m *wasm.Module, binary []byte) (Compiled, error) {
	if err := checkImports(m); err != nil {
		return nil, err
	}
	if binary == nil {
		binary = m.Encode()
	}
	compiled, err := e.runtime.CompileModule(ctx, binary)
	if err != nil {
		Logger().Debug("wazero compile failed", zap.Error(err))
		return nil, errors.MalformedModule(errors.PhaseCompile, "", errors.NoOffset, err)
	}
	return &WazeroModule{runtime: e.runtime, compiled: compiled, source: m}, nil
}

// WazeroModule is a module compiled by wazero.
type WazeroModule struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	source   *wasm.Module
}

// Acquire instantiates a fresh anonymous module. The start function runs
// with the instance's session in scope.
func (c *WazeroModule) Acquire(ctx context.Context) (Instance, error) {
	sess := host.NewSession()
	cfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	mod, err := c.runtime.InstantiateModule(host.WithSession(ctx, sess), c.compiled, cfg)
	if err != nil {
		return nil, mapTrap(err)
	}
	return &WazeroInstance{mod: mod, sess: sess, source: c.source}, nil
}

// Release closes the instance; wazero instances are never reused.
func (c *WazeroModule) Release(ctx context.Context, inst Instance) {
	if wi, ok := inst.(*WazeroInstance); ok {
		_ = wi.mod.Close(ctx)
	}
}

func (c *WazeroModule) Close(ctx context.Context) error {
	return c.compiled.Close(ctx)
}

// WazeroInstance is an instance running on wazero.
type WazeroInstance struct {
	mod    api.Module
	sess   *host.Session
	source *wasm.Module
}

func (i *WazeroInstance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseDispatch, "export", name)
	}
	if n := len(fn.Definition().ParamTypes()); n != len(args) {
		return nil, errors.SignatureMismatch(errors.PhaseDispatch, name,
			fmt.Sprintf("%d arguments for a function taking %d", len(args), n))
	}
	res, err := fn.Call(host.WithSession(ctx, i.sess), args...)
	if err != nil {
		e := mapTrap(err)
		if len(e.Path) == 0 {
			e.Path = []string{name}
		}
		return nil, e
	}
	return res, nil
}

func (i *WazeroInstance) Memory() host.Memory {
	return WrapMemory(i.mod.Memory())
}

func (i *WazeroInstance) Session() *host.Session { return i.sess }

// Runtime trap messages reported by wazero.
var wazeroTraps = map[string]errors.Kind{
	"stack overflow":                errors.KindStackViolation,
	"invalid conversion to integer": errors.KindArithmetic,
	"integer overflow":              errors.KindArithmetic,
	"integer divide by zero":        errors.KindArithmetic,
	"unreachable":                   errors.KindUnreachable,
	"out of bounds memory access":   errors.KindMemoryOutOfBounds,
	"invalid table access":          errors.KindUndefinedCall,
	"indirect call type mismatch":   errors.KindSignatureMismatch,
}

// mapTrap converts a wazero execution error into a trap error. Host
// traps pass through unchanged.
func mapTrap(err error) *errors.Error {
	var e *errors.Error
	if stderrors.As(err, &e) {
		cp := *e
		return &cp
	}
	kind, msg := errors.KindInternal, err.Error()
	for inner := err; inner != nil; inner = stderrors.Unwrap(inner) {
		if k, ok := wazeroTraps[inner.Error()]; ok {
			kind, msg = k, inner.Error()
			break
		}
	}
	return errors.New(errors.PhaseTrap, kind).Detail("%s", msg).Cause(err).Build()
}
