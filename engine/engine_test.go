package engine_test

import (
	"context"
	"testing"

	"github.com/wippyai/watt/engine"
	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/wasm"
	"github.com/wippyai/watt/wat"
)

const guestWAT = `(module
  (import "watt" "abort" (func $abort (param i32 i32)))
  (import "watt" "grow" (func $grow (param i32) (result i32)))
  (import "watt" "scratch" (func $scratch (param i32) (result i32)))
  (memory 1)
  (data (i32.const 16) "boom")
  (table 2 funcref)
  (elem (i32.const 0) $add)
  (type $bin (func (param i32 i32) (result i32)))
  (func $add (export "add") (param i32 i32) (result i32)
    (i32.add (local.get 0) (local.get 1)))
  (func (export "div") (param i32 i32) (result i32)
    (i32.div_s (local.get 0) (local.get 1)))
  (func (export "trunc") (param f64) (result i32)
    (i32.trunc_f64_s (local.get 0)))
  (func (export "boom")
    (unreachable))
  (func (export "load") (param i32) (result i32)
    (i32.load (local.get 0)))
  (func (export "indirect") (param i32) (result i32)
    (call_indirect (type $bin) (i32.const 1) (i32.const 2) (local.get 0)))
  (func (export "abort")
    (call $abort (i32.const 16) (i32.const 4)))
  (func (export "grow") (param i32) (result i32)
    (call $grow (local.get 0)))
  (func (export "size") (result i32)
    (memory.size))
  (func (export "scratch") (param i32) (result i32)
    (call $scratch (local.get 0)))
  (func (export "packed") (result i64)
    (i64.or (i64.shl (i64.const 5) (i64.const 32)) (i64.const 1024)))
  (func $recurse (export "recurse")
    (call $recurse))
)`

func backends(t *testing.T, cfg engine.Config) []engine.Engine {
	t.Helper()
	ctx := context.Background()
	wz, err := engine.NewWazero(ctx, cfg)
	if err != nil {
		t.Fatalf("NewWazero: %v", err)
	}
	t.Cleanup(func() { _ = wz.Close(ctx) })
	return []engine.Engine{engine.NewInterp(cfg), wz}
}

func compile(t *testing.T, e engine.Engine, src string) engine.Compiled {
	t.Helper()
	bin, err := wat.Compile(src)
	if err != nil {
		t.Fatalf("wat: %v", err)
	}
	m, err := wasm.ParseModuleValidate(bin)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c, err := e.Compile(context.Background(), m, bin)
	if err != nil {
		t.Fatalf("%s compile: %v", e.Name(), err)
	}
	return c
}

func TestDifferential(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		args []uint64
		want []uint64
		trap errors.Kind
	}{
		{name: "add", fn: "add", args: []uint64{2, 3}, want: []uint64{5}},
		{name: "add_wraps", fn: "add", args: []uint64{0xFFFFFFFF, 2}, want: []uint64{1}},
		{name: "div", fn: "div", args: []uint64{uint64(uint32(0xFFFFFFF6)), 3}, want: []uint64{uint64(uint32(0xFFFFFFFD))}},
		{name: "div_by_zero", fn: "div", args: []uint64{1, 0}, trap: errors.KindArithmetic},
		{name: "div_overflow", fn: "div", args: []uint64{0x80000000, 0xFFFFFFFF}, trap: errors.KindArithmetic},
		{name: "trunc_nan", fn: "trunc", args: []uint64{0x7FF8000000000000}, trap: errors.KindArithmetic},
		{name: "unreachable", fn: "boom", trap: errors.KindUnreachable},
		{name: "load", fn: "load", args: []uint64{16}, want: []uint64{0x6d6f6f62}},
		{name: "load_oob", fn: "load", args: []uint64{65534}, trap: errors.KindMemoryOutOfBounds},
		{name: "indirect", fn: "indirect", args: []uint64{0}, want: []uint64{3}},
		{name: "indirect_null", fn: "indirect", args: []uint64{1}, trap: errors.KindUndefinedCall},
		{name: "indirect_oob", fn: "indirect", args: []uint64{7}, trap: errors.KindUndefinedCall},
		{name: "abort", fn: "abort", trap: errors.KindExplicitAbort},
		{name: "grow", fn: "grow", args: []uint64{1}, want: []uint64{1}},
		{name: "packed", fn: "packed", want: []uint64{5<<32 | 1024}},
		{name: "recurse", fn: "recurse", trap: errors.KindStackViolation},
	}

	for _, e := range backends(t, engine.Config{}) {
		c := compile(t, e, guestWAT)
		for _, tt := range tests {
			t.Run(e.Name()+"/"+tt.name, func(t *testing.T) {
				ctx := context.Background()
				inst, err := c.Acquire(ctx)
				if err != nil {
					t.Fatalf("Acquire: %v", err)
				}
				defer c.Release(ctx, inst)

				got, err := inst.Call(ctx, tt.fn, tt.args...)
				if tt.trap != "" {
					if !errors.IsKind(err, tt.trap) || !errors.IsTrap(err) {
						t.Fatalf("got %v, want %s trap", err, tt.trap)
					}
					return
				}
				if err != nil {
					t.Fatalf("Call: %v", err)
				}
				if len(got) != len(tt.want) {
					t.Fatalf("got %v, want %v", got, tt.want)
				}
				for i := range got {
					if got[i] != tt.want[i] {
						t.Errorf("result %d = %#x, want %#x", i, got[i], tt.want[i])
					}
				}
			})
		}
	}
}

func TestHostSession(t *testing.T) {
	ctx := context.Background()
	for _, e := range backends(t, engine.Config{}) {
		t.Run(e.Name(), func(t *testing.T) {
			c := compile(t, e, guestWAT)

			inst, err := c.Acquire(ctx)
			if err != nil {
				t.Fatal(err)
			}
			_, err = inst.Call(ctx, "abort")
			if !errors.IsKind(err, errors.KindExplicitAbort) {
				t.Fatalf("got %v", err)
			}
			if msg, ok := inst.Session().Aborted(); !ok || msg != "boom" {
				t.Errorf("Aborted() = %q, %v", msg, ok)
			}
			c.Release(ctx, inst)

			inst, err = c.Acquire(ctx)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Release(ctx, inst)
			res, err := inst.Call(ctx, "scratch", 100)
			if err != nil {
				t.Fatal(err)
			}
			ptr := uint32(res[0])
			if ptr < 65536 {
				t.Errorf("scratch returned %d inside guest-owned memory", ptr)
			}
			mem := inst.Memory()
			if mem == nil {
				t.Fatal("no memory")
			}
			if err := mem.Write(ptr, []byte("tokens")); err != nil {
				t.Fatalf("Write: %v", err)
			}
			b, err := mem.Read(ptr, 6)
			if err != nil || string(b) != "tokens" {
				t.Errorf("Read = %q, %v", b, err)
			}
			if _, err := mem.Read(mem.Size()-2, 4); !errors.IsKind(err, errors.KindMemoryOutOfBounds) {
				t.Errorf("out of bounds read: %v", err)
			}
			if _, aborted := inst.Session().Aborted(); aborted {
				t.Error("fresh instance reports an abort")
			}
		})
	}
}

func TestMemoryCeiling(t *testing.T) {
	ctx := context.Background()
	for _, e := range backends(t, engine.Config{MemoryCeilingPages: 2}) {
		t.Run(e.Name(), func(t *testing.T) {
			c := compile(t, e, guestWAT)
			inst, err := c.Acquire(ctx)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Release(ctx, inst)
			for i, want := range []uint64{1, 0xFFFFFFFF} {
				res, err := inst.Call(ctx, "grow", 1)
				if err != nil {
					t.Fatal(err)
				}
				if res[0] != want {
					t.Errorf("grow %d = %#x, want %#x", i, res[0], want)
				}
			}
			res, err := inst.Call(ctx, "size")
			if err != nil || res[0] != 2 {
				t.Errorf("size = %v, %v", res, err)
			}
		})
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind errors.Kind
	}{
		{
			name: "unknown_module",
			src:  `(module (import "env" "log" (func (param i32))))`,
			kind: errors.KindMissingImport,
		},
		{
			name: "unknown_name",
			src:  `(module (import "watt" "print" (func (param i32))))`,
			kind: errors.KindMissingImport,
		},
		{
			name: "wrong_signature",
			src:  `(module (import "watt" "grow" (func (param i64) (result i32))))`,
			kind: errors.KindSignatureMismatch,
		},
	}
	ctx := context.Background()
	for _, e := range backends(t, engine.Config{}) {
		for _, tt := range tests {
			t.Run(e.Name()+"/"+tt.name, func(t *testing.T) {
				bin := wat.MustCompile(tt.src)
				m, err := wasm.ParseModuleValidate(bin)
				if err != nil {
					t.Fatal(err)
				}
				_, err = e.Compile(ctx, m, bin)
				if !errors.IsKind(err, tt.kind) {
					t.Errorf("got %v, want %s", err, tt.kind)
				}
			})
		}
	}
}

func TestCallErrors(t *testing.T) {
	ctx := context.Background()
	for _, e := range backends(t, engine.Config{}) {
		t.Run(e.Name(), func(t *testing.T) {
			c := compile(t, e, guestWAT)
			inst, err := c.Acquire(ctx)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Release(ctx, inst)
			if _, err := inst.Call(ctx, "missing"); !errors.IsKind(err, errors.KindNotFound) {
				t.Errorf("unknown export: %v", err)
			}
			if _, err := inst.Call(ctx, "add", 1); !errors.IsKind(err, errors.KindSignatureMismatch) {
				t.Errorf("wrong arity: %v", err)
			}
			if res, err := inst.Call(ctx, "add", 1, 1); err != nil || res[0] != 2 {
				t.Errorf("call after arity error: %v, %v", res, err)
			}
		})
	}
}

func TestInterpPool(t *testing.T) {
	ctx := context.Background()
	e := engine.NewInterp(engine.Config{PoolInstances: true})
	c := compile(t, e, `(module
	  (global $n (mut i32) (i32.const 0))
	  (func (export "bump") (result i32)
	    (global.set $n (i32.add (global.get $n) (i32.const 1)))
	    (global.get $n)))`)

	for i := 0; i < 3; i++ {
		inst, err := c.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		res, err := inst.Call(ctx, "bump")
		if err != nil || res[0] != 1 {
			t.Errorf("iteration %d: bump = %v, %v", i, res, err)
		}
		c.Release(ctx, inst)
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"", engine.BackendInterp, engine.BackendWazero} {
		e, err := engine.New(ctx, name, engine.Config{})
		if err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
		_ = e.Close(ctx)
	}
	if _, err := engine.New(ctx, "jit", engine.Config{}); err == nil {
		t.Error("unknown backend accepted")
	}
}
