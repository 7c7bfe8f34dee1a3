package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/watt/host"
	"github.com/wippyai/watt/interp"
	"github.com/wippyai/watt/memory"
	"github.com/wippyai/watt/wasm"
)

// InterpEngine runs guests on the builtin interpreter.
type InterpEngine struct {
	cfg Config
}

// NewInterp creates an engine backed by the builtin interpreter.
func NewInterp(cfg Config) *InterpEngine {
	return &InterpEngine{cfg: cfg.withDefaults()}
}

func (e *InterpEngine) Name() string { return BackendInterp }

func (e *InterpEngine) Close(context.Context) error { return nil }

// Compile compiles m with the host table as its only import source.
func (e *InterpEngine) Compile(_ context.Context, m *wasm.Module, _ []byte) (Compiled, error) {
	cm, err := interp.Compile(m, interp.ResolverFunc(resolveHost), interp.Config{
		MaxStackHeight:     e.cfg.MaxStackHeight,
		MaxCallDepth:       e.cfg.MaxCallDepth,
		MemoryCeilingPages: e.cfg.MemoryCeilingPages,
		PoolInstances:      e.cfg.PoolInstances,
	})
	if err != nil {
		Logger().Debug("interp compile failed", zap.Error(err))
		return nil, err
	}
	return &InterpModule{mod: cm}, nil
}

func resolveHost(module, name string, typ wasm.FuncType) (interp.HostFunc, error) {
	f, err := host.Resolve(module, name, typ)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, mem *memory.Memory, args []uint64) ([]uint64, error) {
		if mem == nil {
			return f.Call(ctx, nil, args)
		}
		return f.Call(ctx, mem, args)
	}, nil
}

// InterpModule is a module compiled for the builtin interpreter.
type InterpModule struct {
	mod *interp.Module
}

// Module returns the underlying compiled module.
func (c *InterpModule) Module() *interp.Module { return c.mod }

func (c *InterpModule) Acquire(ctx context.Context) (Instance, error) {
	sess := host.NewSession()
	inst, err := c.mod.Acquire(host.WithSession(ctx, sess))
	if err != nil {
		return nil, err
	}
	return &InterpInstance{inst: inst, sess: sess}, nil
}

func (c *InterpModule) Release(_ context.Context, inst Instance) {
	if ii, ok := inst.(*InterpInstance); ok {
		c.mod.Release(ii.inst)
	}
}

func (c *InterpModule) Close(context.Context) error { return nil }

// InterpInstance is an instance of the builtin interpreter.
type InterpInstance struct {
	inst *interp.Instance
	sess *host.Session
}

func (i *InterpInstance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	return i.inst.Call(host.WithSession(ctx, i.sess), name, args...)
}

func (i *InterpInstance) Memory() host.Memory {
	if mem := i.inst.Memory(); mem != nil {
		return mem
	}
	return nil
}

func (i *InterpInstance) Session() *host.Session { return i.sess }

// Trapped reports whether a call on the instance has trapped.
func (i *InterpInstance) Trapped() bool { return i.inst.Trapped() }
