package manifest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wippyai/watt"
	"github.com/wippyai/watt/engine"
	"github.com/wippyai/watt/tokens"
)

const guestWAT = `(module
  (memory (export "memory") 1)
  (func (export "ident") (param i32 i32) (result i32 i32)
    (local.get 0) (local.get 1))
  (func (export "derive_helpers") (param i32 i32 i32 i32) (result i32 i32)
    (local.get 2) (local.get 3))
)`

const tomlManifest = `
[library]
name = "demo"
module = "guest.wat"
memory-ceiling-pages = 4

[[macro]]
name = "echo"
entry = "ident"
kind = "function"

[[macro]]
name = "Helpers"
entry = "derive_helpers"
kind = "proc_macro_derive"
attributes = ["helper", "other"]
`

const yamlManifest = `
library:
  name: demo
  module: guest.wat
  backend: wazero
  pool_instances: false
macros:
  - name: echo
    entry: ident
    kind: function
  - name: Helpers
    entry: derive_helpers
    kind: derive
    attributes: [helper, other]
`

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		file    string
		content string
		backend string
		pool    bool
		ceiling uint32
	}{
		{"watt.toml", tomlManifest, "", true, 4},
		{"watt.yaml", yamlManifest, engine.BackendWazero, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			dir := t.TempDir()
			writeFiles(t, dir, map[string]string{tt.file: tt.content, "guest.wat": guestWAT})

			m, err := Load(filepath.Join(dir, tt.file))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if m.Library.Name != "demo" {
				t.Errorf("library name = %q, want demo", m.Library.Name)
			}
			if m.Library.Backend != tt.backend {
				t.Errorf("backend = %q, want %q", m.Library.Backend, tt.backend)
			}
			if len(m.Macros) != 2 {
				t.Fatalf("macro count = %d, want 2", len(m.Macros))
			}
			if m.Macros[0].Kind != watt.FunctionStyle || m.Macros[1].Kind != watt.Derive {
				t.Errorf("kinds = %s, %s", m.Macros[0].Kind, m.Macros[1].Kind)
			}
			if got := strings.Join(m.Macros[1].Attributes, ","); got != "helper,other" {
				t.Errorf("attributes = %q", got)
			}
			if m.ModulePath() != filepath.Join(dir, "guest.wat") {
				t.Errorf("module path = %q", m.ModulePath())
			}
			cfg := m.EngineConfig()
			if cfg.PoolInstances != tt.pool || cfg.MemoryCeilingPages != tt.ceiling {
				t.Errorf("engine config = %+v", cfg)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	for _, file := range []string{"watt.toml", "watt.yaml"} {
		t.Run(file, func(t *testing.T) {
			dir := t.TempDir()
			content := tomlManifest
			if file == "watt.yaml" {
				content = yamlManifest
			}
			writeFiles(t, dir, map[string]string{file: content, "guest.wat": guestWAT})
			m, err := Load(filepath.Join(dir, file))
			if err != nil {
				t.Fatal(err)
			}
			b, err := m.Open(ctx, "")
			if err != nil {
				t.Fatal(err)
			}
			defer b.Close(ctx)

			if err := b.Verify(ctx); err != nil {
				t.Fatalf("Verify: %v", err)
			}
			in, err := tokens.Parse("struct S;")
			if err != nil {
				t.Fatal(err)
			}
			out, err := b.Expand(ctx, "echo", in)
			if err != nil || !out.Equal(in) {
				t.Errorf("echo: %v, %v", out, err)
			}
			out, err = b.Expand(ctx, "Helpers", in)
			if err != nil || out.String() != "helper other" {
				t.Errorf("Helpers: %v, %v", out, err)
			}
		})
	}
}

func TestOpenBinaryModule(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"lib/watt.toml": `
[library]
name = "bin"
module = "../guest.wasm"

[[macro]]
name = "ident"
kind = "function"
`,
	})
	// an empty module has no exports, so Verify must report the entry
	if err := os.WriteFile(filepath.Join(dir, "guest.wasm"), []byte("\x00asm\x01\x00\x00\x00"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := FindAndLoad(filepath.Join(dir, "lib"))
	if err != nil || m == nil {
		t.Fatalf("FindAndLoad: %v, %v", m, err)
	}
	b, err := m.Open(ctx, engine.BackendInterp)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(ctx)
	err = b.Verify(ctx)
	if err == nil || !strings.Contains(err.Error(), "ident") {
		t.Errorf("Verify = %v, want unknown entry ident", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"watt.toml": tomlManifest, "a/b/c/.keep": ""})
	m, err := FindAndLoad(filepath.Join(dir, "a", "b", "c"))
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Dir != dir {
		t.Fatalf("found %+v, want manifest in %s", m, dir)
	}

}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
		want string
	}{
		{"bad_ext", ".json", `{}`, "unsupported manifest format"},
		{"no_name", ".toml", "[library]\nmodule = \"x.wasm\"\n", "name is required"},
		{"no_module", ".toml", "[library]\nname = \"x\"\n", "module path is required"},
		{"no_macros", ".toml", "[library]\nname = \"x\"\nmodule = \"x.wasm\"\n", "no macros"},
		{"bad_backend", ".toml", "[library]\nname = \"x\"\nmodule = \"x.wasm\"\nbackend = \"jit\"\n", "unknown backend"},
		{"bad_kind", ".toml", "[library]\nname = \"x\"\nmodule = \"m\"\n[[macro]]\nname = \"a\"\nkind = \"macro_rules\"\n", "macro_rules"},
		{"unknown_key_toml", ".toml", "[library]\nname = \"x\"\nmodule = \"m\"\nmodules = 1\n", "unknown key"},
		{"unknown_key_yaml", ".yml", "library:\n  name: x\n  module: m\n  extra: 1\n", "extra"},
		{"bad_yaml", ".yaml", "library: [", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.ext)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingModule(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"watt.toml": tomlManifest})
	m, err := Load(filepath.Join(dir, "watt.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Open(context.Background(), ""); err == nil {
		t.Error("Open succeeded without a module file")
	}
}
