package engine

import (
	"context"
	"fmt"

	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/host"
	"github.com/wippyai/watt/interp"
	"github.com/wippyai/watt/wasm"
)

// Backend names accepted by New.
const (
	BackendInterp = "interp"
	BackendWazero = "wazero"
)

// DefaultMemoryCeilingPages caps guest memory when Config leaves it unset.
const DefaultMemoryCeilingPages = interp.DefaultMemoryCeilingPages

// Config holds configuration shared by all backends.
type Config struct {
	// MemoryCeilingPages caps each instance's linear memory in pages
	// (64KB each). 0 means DefaultMemoryCeilingPages.
	MemoryCeilingPages uint32

	// MaxStackHeight and MaxCallDepth bound the builtin interpreter.
	// 0 means the interpreter defaults.
	MaxStackHeight int
	MaxCallDepth   int

	// PoolInstances recycles instances released after a successful call.
	// Only the builtin interpreter pools; wazero instances are always
	// fresh.
	PoolInstances bool
}

func (c Config) withDefaults() Config {
	if c.MemoryCeilingPages == 0 {
		c.MemoryCeilingPages = DefaultMemoryCeilingPages
	}
	if c.MemoryCeilingPages > wasm.MemoryMaxPages {
		c.MemoryCeilingPages = wasm.MemoryMaxPages
	}
	return c
}

// Engine compiles guest modules for one execution backend.
type Engine interface {
	// Name returns the backend name.
	Name() string
	// Compile prepares a parsed, validated module for execution. binary is
	// the encoding m was parsed from; it may be nil.
	Compile(ctx context.Context, m *wasm.Module, binary []byte) (Compiled, error)
	Close(ctx context.Context) error
}

// Compiled is a module ready to be instantiated. It is safe for
// concurrent use.
type Compiled interface {
	// Acquire returns an instance in its initial state.
	Acquire(ctx context.Context) (Instance, error)
	// Release hands back an instance obtained from Acquire. The instance
	// must not be used afterwards.
	Release(ctx context.Context, inst Instance)
	Close(ctx context.Context) error
}

// Instance is one guest instance, owned by a single call at a time.
type Instance interface {
	// Call invokes an exported function. Traps are *errors.Error values in
	// the trap phase.
	Call(ctx context.Context, name string, args ...uint64) ([]uint64, error)
	// Memory returns the guest memory, or nil when the module has none.
	Memory() host.Memory
	// Session returns the host state bound to the instance.
	Session() *host.Session
}

// New creates an engine for the named backend.
func New(ctx context.Context, backend string, cfg Config) (Engine, error) {
	switch backend {
	case "", BackendInterp:
		return NewInterp(cfg), nil
	case BackendWazero:
		return NewWazero(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

// checkImports resolves every import against the host table, so both
// backends reject the same modules before instantiation.
func checkImports(m *wasm.Module) error {
	for _, imp := range m.Imports {
		if imp.Desc.Kind != wasm.KindFunc || int(imp.Desc.TypeIdx) >= len(m.Types) {
			return errors.MissingImport(imp.Module, imp.Name)
		}
		if _, err := host.Resolve(imp.Module, imp.Name, m.Types[imp.Desc.TypeIdx]); err != nil {
			return err
		}
	}
	return nil
}
