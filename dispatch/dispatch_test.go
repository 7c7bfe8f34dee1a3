package dispatch_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/wippyai/watt"
	"github.com/wippyai/watt/dispatch"
	"github.com/wippyai/watt/engine"
	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/tokens"
	"github.com/wippyai/watt/wasm"
	"github.com/wippyai/watt/wat"
)

const guestWAT = `(module
  (import "watt" "abort" (func $abort (param i32 i32)))
  (memory (export "memory") 1)
  (data (i32.const 0) "boom")
  (func (export "ident") (param i32 i32) (result i32 i32)
    (local.get 0) (local.get 1))
  (func (export "ident_packed") (param i32 i32) (result i64)
    (i64.or
      (i64.shl (i64.extend_i32_u (local.get 1)) (i64.const 32))
      (i64.extend_i32_u (local.get 0))))
  (func (export "item") (param i32 i32 i32 i32) (result i32 i32)
    (local.get 2) (local.get 3))
  (func (export "derive_one") (param i32 i32) (result i32 i32)
    (local.get 0) (local.get 1))
  (func (export "derive_attrs") (param i32 i32 i32 i32) (result i32 i32)
    (local.get 2) (local.get 3))
  (func (export "oob") (param i32 i32) (result i32 i32)
    (i32.store (i32.const -4) (i32.const 1))
    (local.get 0) (local.get 1))
  (func (export "panic") (param i32 i32) (result i32 i32)
    (call $abort (i32.const 0) (i32.const 4))
    (local.get 0) (local.get 1))
  (func (export "bad_result") (param i32 i32) (result i32 i32)
    (i32.const -16) (i32.const 64))
  (func (export "one_param") (param i32) (result i32 i32)
    (local.get 0) (local.get 0))
  (func (export "i64_param") (param i64 i32) (result i32 i32)
    (local.get 1) (local.get 1))
  (func (export "no_result") (param i32 i32))
)`

type backend struct {
	name string
	eng  engine.Engine
}

func backends(t *testing.T) []backend {
	t.Helper()
	ctx := context.Background()
	wz, err := engine.NewWazero(ctx, engine.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = wz.Close(ctx) })
	return []backend{
		{"interp", engine.NewInterp(engine.Config{})},
		{"interp_pooled", engine.NewInterp(engine.Config{PoolInstances: true})},
		{"wazero", wz},
	}
}

func newDispatcher(t *testing.T, e engine.Engine, src string) *dispatch.Dispatcher {
	t.Helper()
	bin, err := wat.Compile(src)
	if err != nil {
		t.Fatal(err)
	}
	m, err := wasm.ParseModuleValidate(bin)
	if err != nil {
		t.Fatal(err)
	}
	c, err := e.Compile(context.Background(), m, bin)
	if err != nil {
		t.Fatal(err)
	}
	return dispatch.New(m, c)
}

func mustParse(t *testing.T, src string) tokens.Stream {
	t.Helper()
	s, err := tokens.Parse(src)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestIdentity(t *testing.T) {
	ctx := context.Background()
	inputs := map[string]string{
		"empty":  "",
		"nested": "fn main() { let v = vec![(1, 'a'), (2, 'b')]; { { x } } }",
	}
	for _, b := range backends(t) {
		d := newDispatcher(t, b.eng, guestWAT)
		for name, src := range inputs {
			for _, entry := range []string{"ident", "ident_packed"} {
				t.Run(b.name+"/"+entry+"/"+name, func(t *testing.T) {
					in := mustParse(t, src)
					out, err := d.Dispatch(ctx, watt.FunctionStyle, entry, tokens.Encode(in))
					if err != nil {
						t.Fatalf("Dispatch: %v", err)
					}
					got, err := tokens.DecodeResult(out)
					if err != nil {
						t.Fatalf("decode: %v", err)
					}
					if !got.Equal(in) {
						t.Errorf("got %v, want %v", got, in)
					}
				})
			}
		}
	}
}

func TestBufferCounts(t *testing.T) {
	ctx := context.Background()
	args := tokens.Encode(mustParse(t, "debug"))
	item := tokens.Encode(mustParse(t, "struct S;"))
	attrs := tokens.EncodeIdents([]string{"serde"}, tokens.Span{})

	for _, b := range backends(t) {
		d := newDispatcher(t, b.eng, guestWAT)
		tests := []struct {
			name   string
			kind   watt.Kind
			entry  string
			inputs [][]byte
			want   []byte
		}{
			{"attribute", watt.Attribute, "item", [][]byte{args, item}, item},
			{"derive_one_buffer", watt.Derive, "derive_one", [][]byte{item}, item},
			{"derive_attrs_dropped", watt.Derive, "derive_one", [][]byte{item, attrs}, item},
			{"derive_attrs", watt.Derive, "derive_attrs", [][]byte{item, attrs}, attrs},
			{"derive_empty_attrs", watt.Derive, "derive_attrs", [][]byte{item}, tokens.EncodeIdents(nil, tokens.Span{})},
		}
		for _, tt := range tests {
			t.Run(b.name+"/"+tt.name, func(t *testing.T) {
				out, err := d.Dispatch(ctx, tt.kind, tt.entry, tt.inputs...)
				if err != nil {
					t.Fatalf("Dispatch: %v", err)
				}
				if string(out) != string(tt.want) {
					t.Errorf("got %x, want %x", out, tt.want)
				}
			})
		}

		t.Run(b.name+"/wrong_count", func(t *testing.T) {
			_, err := d.Dispatch(ctx, watt.Attribute, "item", item)
			if !errors.IsKind(err, errors.KindInvalidInput) {
				t.Errorf("got %v", err)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	d := newDispatcher(t, engine.NewInterp(engine.Config{}), guestWAT)
	tests := []struct {
		name  string
		kind  watt.Kind
		entry string
		want  errors.Kind
	}{
		{"unknown", watt.FunctionStyle, "derive_serialize", errors.KindUnknownEntryPoint},
		{"memory_export", watt.FunctionStyle, "memory", errors.KindSignatureMismatch},
		{"odd_params", watt.FunctionStyle, "one_param", errors.KindSignatureMismatch},
		{"i64_param", watt.FunctionStyle, "i64_param", errors.KindSignatureMismatch},
		{"no_result", watt.FunctionStyle, "no_result", errors.KindSignatureMismatch},
		{"too_many_buffers", watt.FunctionStyle, "item", errors.KindSignatureMismatch},
		{"too_few_buffers", watt.Attribute, "ident", errors.KindSignatureMismatch},
		{"invalid_kind", watt.Kind(9), "ident", errors.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Resolve(tt.kind, tt.entry)
			if !errors.IsKind(err, tt.want) {
				t.Fatalf("got %v, want %s", err, tt.want)
			}
			_, again := d.Resolve(tt.kind, tt.entry)
			if again != err {
				t.Error("resolution failure not cached")
			}
		})
	}

	e, err := d.Resolve(watt.FunctionStyle, "ident_packed")
	if err != nil {
		t.Fatal(err)
	}
	if !e.Packed || e.Buffers != 1 {
		t.Errorf("entry = %+v", e)
	}
	if again, _ := d.Resolve(watt.FunctionStyle, "ident_packed"); again != e {
		t.Error("entry not cached")
	}
}

func TestTraps(t *testing.T) {
	ctx := context.Background()
	in := tokens.Encode(mustParse(t, "x"))
	for _, b := range backends(t) {
		d := newDispatcher(t, b.eng, guestWAT)
		t.Run(b.name+"/out_of_bounds", func(t *testing.T) {
			_, err := d.Dispatch(ctx, watt.FunctionStyle, "oob", in)
			diag, ok := tokens.AsDiagnostic(err)
			if !ok {
				t.Fatalf("expected diagnostic, got %v", err)
			}
			if !errors.IsKind(diag, errors.KindMemoryOutOfBounds) {
				t.Errorf("cause = %v", diag.Cause)
			}
			if !strings.Contains(diag.Message, "oob") {
				t.Errorf("message %q does not name the entry", diag.Message)
			}

			out, err := d.Dispatch(ctx, watt.FunctionStyle, "ident", in)
			if err != nil || string(out) != string(in) {
				t.Errorf("call after trap: %v", err)
			}
		})
		t.Run(b.name+"/abort", func(t *testing.T) {
			_, err := d.Dispatch(ctx, watt.FunctionStyle, "panic", in)
			diag, ok := tokens.AsDiagnostic(err)
			if !ok || !errors.IsKind(err, errors.KindExplicitAbort) {
				t.Fatalf("got %v", err)
			}
			if diag.Message != "proc macro panic panicked: boom" {
				t.Errorf("message = %q", diag.Message)
			}
		})
		t.Run(b.name+"/bad_result", func(t *testing.T) {
			_, err := d.Dispatch(ctx, watt.FunctionStyle, "bad_result", in)
			if !errors.IsKind(err, errors.KindMalformedOutput) {
				t.Errorf("got %v", err)
			}
		})
	}
}

const allocWAT = `(module
  (memory (export "memory") 1)
  (global $calls (mut i32) (i32.const 0))
  (func (export "watt_alloc") (param i32 i32) (result i32)
    (global.set $calls (i32.add (global.get $calls) (i32.const 1)))
    (i32.const 4096))
  (func (export "probe") (param i32 i32) (result i32 i32)
    (i32.const 4096) (local.get 1))
)`

func TestGuestAllocator(t *testing.T) {
	ctx := context.Background()
	in := tokens.Encode(mustParse(t, "placed by the guest"))
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			d := newDispatcher(t, b.eng, allocWAT)
			out, err := d.Dispatch(ctx, watt.FunctionStyle, "probe", in)
			if err != nil {
				t.Fatal(err)
			}
			if string(out) != string(in) {
				t.Errorf("input not placed at the guest allocator's pointer")
			}
		})
	}
}

func TestConcurrentDispatch(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			d := newDispatcher(t, b.eng, guestWAT)
			inputs := make([][]byte, 16)
			for i := range inputs {
				inputs[i] = tokens.Encode(mustParse(t, fmt.Sprintf("call_%d(%d)", i, i)))
			}
			var g errgroup.Group
			for i, in := range inputs {
				g.Go(func() error {
					entry := "ident"
					if i%4 == 0 {
						entry = "oob"
					}
					out, err := d.Dispatch(ctx, watt.FunctionStyle, entry, in)
					if entry == "oob" {
						if _, ok := tokens.AsDiagnostic(err); !ok {
							return fmt.Errorf("call %d: expected diagnostic, got %v", i, err)
						}
						return nil
					}
					if err != nil {
						return err
					}
					if string(out) != string(in) {
						return fmt.Errorf("call %d: output mismatch", i)
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
		})
	}
}
