package macro

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/wippyai/watt/dispatch"
	"github.com/wippyai/watt/engine"
	"github.com/wippyai/watt/wasm"
)

// State is the load state of a registry slot.
type State int32

const (
	Unparsed State = iota
	Parsed
	Failed
)

func (s State) String() string {
	switch s {
	case Unparsed:
		return "unparsed"
	case Parsed:
		return "parsed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Registry caches one parsed and compiled module per distinct blob.
// Blobs are keyed by their SHA-256 digest.
type Registry struct {
	engine  engine.Engine
	slots   map[[sha256.Size]byte]*Slot
	mu      sync.Mutex
	ceiling uint32
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEngine selects the backend that compiles and runs modules.
func WithEngine(e engine.Engine) RegistryOption {
	return func(r *Registry) { r.engine = e }
}

// WithMemoryCeiling rejects modules whose memory may exceed pages. It also
// caps the default engine.
func WithMemoryCeiling(pages uint32) RegistryOption {
	return func(r *Registry) { r.ceiling = pages }
}

// NewRegistry creates an empty registry. Without WithEngine it runs
// modules on the builtin interpreter with pooled instances.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		slots:   make(map[[sha256.Size]byte]*Slot),
		ceiling: engine.DefaultMemoryCeilingPages,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.engine == nil {
		r.engine = engine.NewInterp(engine.Config{MemoryCeilingPages: r.ceiling, PoolInstances: true})
	}
	return r
}

var defaultRegistry = sync.OnceValue(func() *Registry { return NewRegistry() })

// DefaultRegistry returns the process-wide registry used by New.
func DefaultRegistry() *Registry {
	return defaultRegistry()
}

// Engine returns the registry's backend.
func (r *Registry) Engine() engine.Engine {
	return r.engine
}

// Slot returns the slot for blob, registering it on first sight. It does
// not parse the blob.
func (r *Registry) Slot(blob []byte) *Slot {
	key := sha256.Sum256(blob)
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[key]; ok {
		return s
	}
	s := &Slot{reg: r, key: key, blob: blob}
	r.slots[key] = s
	return s
}

// Len returns the number of registered blobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Preload parses and compiles every blob up front, returning all
// failures together.
func (r *Registry) Preload(ctx context.Context, blobs ...[]byte) error {
	var result *multierror.Error
	for _, b := range blobs {
		s := r.Slot(b)
		if _, err := s.Load(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Slot holds the compute-once state of one blob.
type Slot struct {
	reg        *Registry
	mod        *wasm.Module
	dispatcher *dispatch.Dispatcher
	err        error
	blob       []byte
	once       sync.Once
	parses     atomic.Int32
	state      atomic.Int32
	key        [sha256.Size]byte
}

// Key returns the hex SHA-256 of the blob.
func (s *Slot) Key() string {
	return hex.EncodeToString(s.key[:])
}

// State reports how far the slot has progressed.
func (s *Slot) State() State {
	return State(s.state.Load())
}

// Parses returns how many times the blob has been parsed: 0 or 1.
func (s *Slot) Parses() int {
	return int(s.parses.Load())
}

// Module returns the parsed module, or nil until a successful Load.
func (s *Slot) Module() *wasm.Module {
	if s.State() != Parsed {
		return nil
	}
	return s.mod
}

// Load parses, validates and compiles the blob on first use and returns
// the dispatcher for it. Later calls, concurrent ones included, return
// the first outcome, failures included.
func (s *Slot) Load(ctx context.Context) (*dispatch.Dispatcher, error) {
	s.once.Do(func() {
		s.load(context.WithoutCancel(ctx))
	})
	return s.dispatcher, s.err
}

func (s *Slot) load(ctx context.Context) {
	start := time.Now()
	s.parses.Add(1)
	defer func() {
		Logger().Debug("module loaded",
			zap.String("key", s.Key()[:16]),
			zap.Int("bytes", len(s.blob)),
			zap.Stringer("state", s.State()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(s.err))
	}()

	m, err := wasm.ParseModuleValidate(s.blob, wasm.WithMemoryCeiling(s.reg.ceiling))
	if err != nil {
		s.fail(err)
		return
	}
	compiled, err := s.reg.engine.Compile(ctx, m, s.blob)
	if err != nil {
		s.fail(err)
		return
	}
	s.mod = m
	s.dispatcher = dispatch.New(m, compiled)
	s.state.Store(int32(Parsed))
}

func (s *Slot) fail(err error) {
	s.err = err
	s.state.Store(int32(Failed))
}
