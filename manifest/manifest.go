// Package manifest loads macro library descriptions (watt.toml or
// watt.yaml) and opens them as macro libraries.
package manifest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/watt/engine"
	"github.com/wippyai/watt/macro"
	"github.com/wippyai/watt/wat"
)

// File names FindAndLoad looks for, in order.
var FileNames = []string{"watt.toml", "watt.yaml", "watt.yml"}

// Manifest describes one macro library.
//
//	[library]
//	name = "serde_derive"
//	module = "serde_derive.wasm"
//
//	[[macro]]
//	name = "Serialize"
//	entry = "derive_serialize"
//	kind = "derive"
//	attributes = ["serde"]
type Manifest struct {
	Library Library            `toml:"library" yaml:"library"`
	Macros  []macro.Descriptor `toml:"macro" yaml:"macros"`

	// Dir is the directory containing the manifest (set at load time).
	Dir string `toml:"-" yaml:"-"`
}

// Library holds library-wide settings.
type Library struct {
	Name string `toml:"name" yaml:"name"`
	// Module is the guest module path, relative to the manifest. Files
	// ending in .wat are compiled from the text format.
	Module  string `toml:"module" yaml:"module"`
	Backend string `toml:"backend" yaml:"backend"`
	// MemoryCeilingPages caps guest memory. Zero uses the engine default.
	MemoryCeilingPages uint32 `toml:"memory-ceiling-pages" yaml:"memory_ceiling_pages"`
	PoolInstances      *bool  `toml:"pool-instances" yaml:"pool_instances"`
}

// Load reads a manifest file. The format follows the extension: .toml,
// .yaml or .yml.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	m.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest in the format named by ext and validates it.
func Parse(data []byte, ext string) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.Decode(string(data), &m)
		if err != nil {
			return nil, err
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return nil, fmt.Errorf("unknown key %s", keys[0])
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported manifest format %q", ext)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Library.Name == "" {
		return fmt.Errorf("library name is required")
	}
	if m.Library.Module == "" {
		return fmt.Errorf("library %s: module path is required", m.Library.Name)
	}
	switch m.Library.Backend {
	case "", engine.BackendInterp, engine.BackendWazero:
	default:
		return fmt.Errorf("library %s: unknown backend %q", m.Library.Name, m.Library.Backend)
	}
	if len(m.Macros) == 0 {
		return fmt.Errorf("library %s declares no macros", m.Library.Name)
	}
	return nil
}

// FindAndLoad walks up from startDir to the first directory holding a
// manifest and loads it. It returns nil when none is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return Load(path)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// ModulePath returns the absolute path of the guest module.
func (m *Manifest) ModulePath() string {
	if filepath.IsAbs(m.Library.Module) {
		return m.Library.Module
	}
	return filepath.Join(m.Dir, m.Library.Module)
}

// ReadModule returns the guest module binary, compiling text-format
// sources.
func (m *Manifest) ReadModule() ([]byte, error) {
	path := m.ModulePath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read module %s: %w", path, err)
	}
	if filepath.Ext(path) != ".wat" {
		return data, nil
	}
	bin, err := wat.Compile(string(data))
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", path, err)
	}
	return bin, nil
}

// EngineConfig returns the engine settings the manifest asks for.
func (m *Manifest) EngineConfig() engine.Config {
	pool := true
	if m.Library.PoolInstances != nil {
		pool = *m.Library.PoolInstances
	}
	return engine.Config{
		MemoryCeilingPages: m.Library.MemoryCeilingPages,
		PoolInstances:      pool,
	}
}

// Bundle is an opened library together with the engine running it.
type Bundle struct {
	*macro.Library
	Registry *macro.Registry
	Blob     []byte
}

// Close releases the engine.
func (b *Bundle) Close(ctx context.Context) error {
	return b.Registry.Engine().Close(ctx)
}

// Open reads the module and builds the library on a private registry.
// A non-empty backend overrides the manifest's.
func (m *Manifest) Open(ctx context.Context, backend string) (*Bundle, error) {
	blob, err := m.ReadModule()
	if err != nil {
		return nil, err
	}
	if backend == "" {
		backend = m.Library.Backend
	}
	cfg := m.EngineConfig()
	eng, err := engine.New(ctx, backend, cfg)
	if err != nil {
		return nil, err
	}
	opts := []macro.RegistryOption{macro.WithEngine(eng)}
	if cfg.MemoryCeilingPages != 0 {
		opts = append(opts, macro.WithMemoryCeiling(cfg.MemoryCeilingPages))
	}
	reg := macro.NewRegistry(opts...)
	lib, err := macro.NewLibrary(m.Library.Name, macro.New(blob, macro.WithRegistry(reg)), m.Macros...)
	if err != nil {
		_ = eng.Close(ctx)
		return nil, err
	}
	return &Bundle{Library: lib, Registry: reg, Blob: blob}, nil
}
