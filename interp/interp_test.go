package interp_test

import (
	"context"
	stderrors "errors"
	"math"
	"testing"

	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/interp"
	"github.com/wippyai/watt/memory"
	"github.com/wippyai/watt/wasm"
	"github.com/wippyai/watt/wat"
)

func compile(t *testing.T, src string, imports interp.Resolver, cfg interp.Config) (*interp.Module, []byte) {
	t.Helper()
	bin, err := wat.Compile(src)
	if err != nil {
		t.Fatalf("wat.Compile: %v", err)
	}
	m, err := wasm.ParseModuleValidate(bin)
	if err != nil {
		t.Fatalf("ParseModule: %v", err)
	}
	cm, err := interp.Compile(m, imports, cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return cm, bin
}

func instantiate(t *testing.T, src string) *interp.Instance {
	t.Helper()
	cm, _ := compile(t, src, nil, interp.Config{})
	inst, err := cm.Instantiate(context.Background())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	return inst
}

func f32(v float32) uint64 { return uint64(math.Float32bits(v)) }
func f64(v float64) uint64 { return math.Float64bits(v) }

func TestNumeric(t *testing.T) {
	bigU64 := uint64(math.MaxUint64)
	tenth := 0.1
	tests := []struct {
		name   string
		result string
		body   string
		want   uint64
	}{
		{"i32_add_wraps", "i32", "(i32.add (i32.const 0x7fffffff) (i32.const 1))", 0x80000000},
		{"i32_sub", "i32", "(i32.sub (i32.const 3) (i32.const 5))", 0xfffffffe},
		{"i32_div_s", "i32", "(i32.div_s (i32.const -7) (i32.const 2))", 0xfffffffd},
		{"i32_div_u", "i32", "(i32.div_u (i32.const -1) (i32.const 2))", 0x7fffffff},
		{"i32_rem_s", "i32", "(i32.rem_s (i32.const -7) (i32.const 2))", 0xffffffff},
		{"i32_rem_s_min", "i32", "(i32.rem_s (i32.const 0x80000000) (i32.const -1))", 0},
		{"i32_shl_masks", "i32", "(i32.shl (i32.const 1) (i32.const 33))", 2},
		{"i32_shr_s", "i32", "(i32.shr_s (i32.const -8) (i32.const 1))", 0xfffffffc},
		{"i32_shr_u", "i32", "(i32.shr_u (i32.const -8) (i32.const 1))", 0x7ffffffc},
		{"i32_rotl", "i32", "(i32.rotl (i32.const 0x80000001) (i32.const 1))", 3},
		{"i32_rotr", "i32", "(i32.rotr (i32.const 3) (i32.const 1))", 0x80000001},
		{"i32_clz_zero", "i32", "(i32.clz (i32.const 0))", 32},
		{"i32_ctz", "i32", "(i32.ctz (i32.const 8))", 3},
		{"i32_popcnt", "i32", "(i32.popcnt (i32.const 0xff00ff))", 16},
		{"i32_lt_s", "i32", "(i32.lt_s (i32.const -1) (i32.const 0))", 1},
		{"i32_lt_u", "i32", "(i32.lt_u (i32.const -1) (i32.const 0))", 0},
		{"i32_eqz", "i32", "(i32.eqz (i32.const 0))", 1},
		{"i64_mul", "i64", "(i64.mul (i64.const 0x100000000) (i64.const 0x100000000))", 0},
		{"i64_div_s", "i64", "(i64.div_s (i64.const -9) (i64.const 3))", uint64(0xfffffffffffffffd)},
		{"i64_rotl", "i64", "(i64.rotl (i64.const 0x8000000000000000) (i64.const 1))", 1},
		{"i64_extend_i32_s", "i64", "(i64.extend_i32_s (i32.const -1))", bigU64},
		{"i64_extend_i32_u", "i64", "(i64.extend_i32_u (i32.const -1))", 0xffffffff},
		{"i32_wrap_i64", "i32", "(i32.wrap_i64 (i64.const 0x1234567890))", 0x34567890},
		{"i32_extend8_s", "i32", "(i32.extend8_s (i32.const 0x80))", 0xffffff80},
		{"i64_extend32_s", "i64", "(i64.extend32_s (i64.const 0x80000000))", 0xffffffff80000000},
		{"f32_add", "f32", "(f32.add (f32.const 1.5) (f32.const 2.25))", f32(3.75)},
		{"f32_copysign", "f32", "(f32.copysign (f32.const 2) (f32.const -0))", f32(-2)},
		{"f32_neg_nan_keeps_payload", "f32", "(f32.neg (f32.const nan:0x1))", 0xff800001},
		{"f64_min_signed_zero", "f64", "(f64.min (f64.const 0) (f64.const -0))", 0x8000000000000000},
		{"f64_max_signed_zero", "f64", "(f64.max (f64.const -0) (f64.const 0))", 0},
		{"f64_nearest_even", "f64", "(f64.nearest (f64.const 2.5))", f64(2)},
		{"f64_nearest_odd", "f64", "(f64.nearest (f64.const 3.5))", f64(4)},
		{"f64_trunc", "f64", "(f64.trunc (f64.const -1.7))", f64(-1)},
		{"f64_sqrt", "f64", "(f64.sqrt (f64.const 16))", f64(4)},
		{"f32_lt_nan", "i32", "(f32.lt (f32.const nan) (f32.const 1))", 0},
		{"f64_ne_nan", "i32", "(f64.ne (f64.const nan) (f64.const nan))", 1},
		{"i32_trunc_f64_u", "i32", "(i32.trunc_f64_u (f64.const -0.9))", 0},
		{"i32_trunc_f32_s", "i32", "(i32.trunc_f32_s (f32.const -3.9))", 0xfffffffd},
		{"i32_trunc_sat_big", "i32", "(i32.trunc_sat_f64_s (f64.const 1e10))", math.MaxInt32},
		{"i32_trunc_sat_nan", "i32", "(i32.trunc_sat_f32_u (f32.const nan))", 0},
		{"i64_trunc_sat_neg", "i64", "(i64.trunc_sat_f64_u (f64.const -5))", 0},
		{"i64_trunc_sat_min", "i64", "(i64.trunc_sat_f64_s (f64.const -inf))", 0x8000000000000000},
		{"f32_convert_i64_u", "f32", "(f32.convert_i64_u (i64.const -1))", f32(float32(bigU64))},
		{"f64_convert_i32_s", "f64", "(f64.convert_i32_s (i32.const -2))", f64(-2)},
		{"f32_demote", "f32", "(f32.demote_f64 (f64.const 0.1))", f32(float32(tenth))},
		{"reinterpret", "i32", "(i32.reinterpret_f32 (f32.const -0))", 0x80000000},
		{"select_true", "i32", "(select (i32.const 10) (i32.const 20) (i32.const 1))", 10},
		{"select_false", "i32", "(select (result i32) (i32.const 10) (i32.const 20) (i32.const 0))", 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := instantiate(t, `(module (func (export "f") (result `+tt.result+`) `+tt.body+`))`)
			res, err := inst.Call(context.Background(), "f")
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			got := res[0]
			if tt.result == "i32" || tt.result == "f32" {
				got = uint64(uint32(got))
			}
			if got != tt.want {
				t.Errorf("got %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestControlFlow(t *testing.T) {
	inst := instantiate(t, `(module
		(func $fac (export "fac") (param $n i64) (result i64)
			(if (result i64) (i64.eqz (local.get $n))
				(then (i64.const 1))
				(else (i64.mul (local.get $n) (call $fac (i64.sub (local.get $n) (i64.const 1)))))))

		(func (export "sum") (param $n i32) (result i32) (local $acc i32)
			block $done
				loop $next
					local.get $n
					i32.eqz
					br_if $done
					local.get $acc
					local.get $n
					i32.add
					local.set $acc
					local.get $n
					i32.const 1
					i32.sub
					local.set $n
					br $next
				end
			end
			local.get $acc)

		(func (export "switch") (param i32) (result i32)
			(block $default
				(block $two
					(block $one
						(block $zero
							(br_table $zero $one $two $default (local.get 0)))
						(return (i32.const 100)))
					(return (i32.const 101)))
				(return (i32.const 102)))
			(i32.const 199))

		(func (export "pair") (result i32 i32)
			(i32.const 7)
			(block (param i32) (result i32 i32)
				(i32.const 8)))

		(func (export "early") (param i32) (result i32)
			(block
				(block
					(br_if 1 (local.get 0))
					(return (i32.const 1))))
			(i32.const 2))

		(func (export "swap") (param i32 i32) (result i32 i32)
			(local.get 1) (local.get 0)))`)

	ctx := context.Background()
	tests := []struct {
		name string
		fn   string
		args []uint64
		want []uint64
	}{
		{"factorial", "fac", []uint64{10}, []uint64{3628800}},
		{"loop_sum", "sum", []uint64{100}, []uint64{5050}},
		{"switch_0", "switch", []uint64{0}, []uint64{100}},
		{"switch_2", "switch", []uint64{2}, []uint64{102}},
		{"switch_default", "switch", []uint64{3}, []uint64{199}},
		{"switch_out_of_range", "switch", []uint64{1000}, []uint64{199}},
		{"block_params", "pair", nil, []uint64{7, 8}},
		{"br_if_taken", "early", []uint64{1}, []uint64{2}},
		{"br_if_not_taken", "early", []uint64{0}, []uint64{1}},
		{"multi_value", "swap", []uint64{1, 2}, []uint64{2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := inst.Call(ctx, tt.fn, tt.args...)
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if len(res) != len(tt.want) {
				t.Fatalf("got %v, want %v", res, tt.want)
			}
			for i := range res {
				if uint32(res[i]) != uint32(tt.want[i]) {
					t.Errorf("result %d = %d, want %d", i, res[i], tt.want[i])
				}
			}
		})
	}
}

func TestTraps(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind errors.Kind
	}{
		{"unreachable", "unreachable", errors.KindUnreachable},
		{"div_by_zero", "(drop (i32.div_u (i32.const 1) (i32.const 0)))", errors.KindArithmetic},
		{"rem_by_zero", "(drop (i64.rem_s (i64.const 1) (i64.const 0)))", errors.KindArithmetic},
		{"div_overflow", "(drop (i32.div_s (i32.const 0x80000000) (i32.const -1)))", errors.KindArithmetic},
		{"trunc_nan", "(drop (i32.trunc_f32_s (f32.const nan)))", errors.KindArithmetic},
		{"trunc_overflow", "(drop (i64.trunc_f64_u (f64.const 1e20)))", errors.KindArithmetic},
		{"load_oob", "(drop (i32.load (i32.const 65533)))", errors.KindMemoryOutOfBounds},
		{"load_offset_oob", "(drop (i64.load offset=65536 (i32.const 0)))", errors.KindMemoryOutOfBounds},
		{"store_oob", "(i32.store8 (i32.const 65536) (i32.const 1))", errors.KindMemoryOutOfBounds},
		{"fill_oob", "(memory.fill (i32.const 65000) (i32.const 0) (i32.const 1000))", errors.KindMemoryOutOfBounds},
		{"copy_oob", "(memory.copy (i32.const 0) (i32.const 65535) (i32.const 2))", errors.KindMemoryOutOfBounds},
		{"indirect_null", "(call_indirect (type $v) (i32.const 1))", errors.KindUndefinedCall},
		{"indirect_out_of_range", "(call_indirect (type $v) (i32.const 5))", errors.KindUndefinedCall},
		{"indirect_type_mismatch", "(drop (call_indirect (type $i) (i32.const 0)))", errors.KindSignatureMismatch},
		{"recursion", "(call $f)", errors.KindStackViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := instantiate(t, `(module
				(type $v (func))
				(type $i (func (result i32)))
				(memory 1)
				(table 2 funcref)
				(elem (i32.const 0) $nop)
				(func $nop)
				(func $f (export "f") `+tt.body+`))`)
			_, err := inst.Call(context.Background(), "f")
			if err == nil {
				t.Fatal("expected trap")
			}
			if !errors.IsKind(err, tt.kind) {
				t.Errorf("kind = %s, want %s (%v)", errors.KindOf(err), tt.kind, err)
			}
			if !errors.IsTrap(err) {
				t.Errorf("not a trap: %v", err)
			}
			if !inst.Trapped() {
				t.Error("instance not marked trapped")
			}
		})
	}
}

func TestTrapLocation(t *testing.T) {
	cm, bin := compile(t, `(module
		(func $helper (i32.const 1) (drop) (unreachable))
		(func (export "entry") (call $helper)))`, nil, interp.Config{})
	inst, err := cm.Instantiate(context.Background())
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	_, err = inst.Call(context.Background(), "entry")
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("expected *errors.Error, got %v", err)
	}
	if len(e.Path) == 0 || e.Path[0] != "helper" {
		t.Errorf("path = %v, want [helper]", e.Path)
	}
	if e.Offset <= 0 || e.Offset >= len(bin) || bin[e.Offset] != wasm.OpUnreachable {
		t.Errorf("offset %d does not point at unreachable", e.Offset)
	}
}

func TestCallDepthLimit(t *testing.T) {
	src := `(module (func $down (export "down") (param i32)
		(if (local.get 0) (then (call $down (i32.sub (local.get 0) (i32.const 1)))))))`
	cm, _ := compile(t, src, nil, interp.Config{MaxCallDepth: 50})
	inst, err := cm.Instantiate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Call(context.Background(), "down", 40); err != nil {
		t.Fatalf("depth 40: %v", err)
	}
	inst, _ = cm.Instantiate(context.Background())
	_, err = inst.Call(context.Background(), "down", 60)
	if !errors.IsKind(err, errors.KindStackViolation) {
		t.Errorf("depth 60: got %v, want stack_violation", err)
	}
}

func TestMemory(t *testing.T) {
	inst := instantiate(t, `(module
		(memory 1 3)
		(data (i32.const 16) "hi")
		(data $tail "tail")
		(func (export "grow") (param i32) (result i32) (memory.grow (local.get 0)))
		(func (export "size") (result i32) (memory.size))
		(func (export "roundtrip") (result i64)
			(i64.store offset=8 (i32.const 100) (i64.const 0x0102030405060708))
			(i64.load (i32.const 108)))
		(func (export "load16") (result i32) (i32.load16_u (i32.const 16)))
		(func (export "init") (memory.init $tail (i32.const 200) (i32.const 0) (i32.const 4)))
		(func (export "drop") (data.drop $tail))
		(func (export "init_active") (param i32) (memory.init 0 (i32.const 0) (i32.const 0) (local.get 0))))`)
	ctx := context.Background()
	call := func(name string, args ...uint64) ([]uint64, error) {
		return inst.Call(ctx, name, args...)
	}

	res, err := call("load16")
	if err != nil || res[0] != uint64('h')|uint64('i')<<8 {
		t.Errorf("load16 = %v, %v", res, err)
	}
	res, err = call("roundtrip")
	if err != nil || res[0] != 0x0102030405060708 {
		t.Errorf("roundtrip = %v, %v", res, err)
	}
	if res, _ := call("grow", 2); uint32(res[0]) != 1 {
		t.Errorf("grow(2) = %d, want 1", res[0])
	}
	if res, _ := call("grow", 1); uint32(res[0]) != math.MaxUint32 {
		t.Errorf("grow past max = %d, want -1", int32(res[0]))
	}
	if res, _ := call("size"); res[0] != 3 {
		t.Errorf("size = %d, want 3", res[0])
	}
	if _, err := call("init"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got, _ := inst.Memory().Read(200, 4); string(got) != "tail" {
		t.Errorf("memory.init wrote %q", got)
	}
	if _, err := call("init_active", 0); err != nil {
		t.Errorf("zero-length init of dropped active segment: %v", err)
	}
	if _, err := call("drop"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, err := call("init"); !errors.IsKind(err, errors.KindMemoryOutOfBounds) {
		t.Errorf("init after drop: got %v, want memory_out_of_bounds", err)
	}
}

func TestMemoryCeiling(t *testing.T) {
	cm, _ := compile(t, `(module (memory 1)
		(func (export "grow") (param i32) (result i32) (memory.grow (local.get 0))))`,
		nil, interp.Config{MemoryCeilingPages: 4})
	inst, err := cm.Instantiate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	res, _ := inst.Call(context.Background(), "grow", 4)
	if int32(res[0]) != -1 {
		t.Errorf("grow beyond ceiling = %d, want -1", int32(res[0]))
	}
	res, _ = inst.Call(context.Background(), "grow", 3)
	if res[0] != 1 {
		t.Errorf("grow to ceiling = %d, want 1", res[0])
	}
}

func TestHostImports(t *testing.T) {
	var seen []uint64
	resolver := interp.ResolverFunc(func(module, name string, typ wasm.FuncType) (interp.HostFunc, error) {
		if module != "env" || name != "record" {
			return nil, errors.MissingImport(module, name)
		}
		return func(_ context.Context, mem *memory.Memory, args []uint64) ([]uint64, error) {
			seen = append(seen, args[0])
			if args[0] == 13 {
				return nil, errors.Trap(errors.KindExplicitAbort, "unlucky")
			}
			return []uint64{args[0] * 2}, nil
		}, nil
	})
	src := `(module
		(import "env" "record" (func $record (param i32) (result i32)))
		(func (export "f") (param i32) (result i32) (i32.add (call $record (local.get 0)) (i32.const 1))))`
	cm, _ := compile(t, src, resolver, interp.Config{})
	inst, err := cm.Instantiate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	res, err := inst.Call(context.Background(), "f", 20)
	if err != nil || res[0] != 41 {
		t.Errorf("f(20) = %v, %v", res, err)
	}
	_, err = inst.Call(context.Background(), "f", 13)
	if !errors.IsKind(err, errors.KindExplicitAbort) {
		t.Errorf("host trap: got %v", err)
	}
	if len(seen) != 2 {
		t.Errorf("host called %d times", len(seen))
	}

	bin, _ := wat.Compile(`(module (import "env" "other" (func)))`)
	m, _ := wasm.ParseModule(bin)
	if _, err := interp.Compile(m, resolver, interp.Config{}); !errors.IsKind(err, errors.KindMissingImport) {
		t.Errorf("unknown import: got %v", err)
	}
	if _, err := interp.Compile(m, nil, interp.Config{}); !errors.IsKind(err, errors.KindMissingImport) {
		t.Errorf("nil resolver: got %v", err)
	}
}

func TestReentrantCall(t *testing.T) {
	var inst *interp.Instance
	var nested error
	resolver := interp.ResolverFunc(func(module, name string, typ wasm.FuncType) (interp.HostFunc, error) {
		return func(ctx context.Context, _ *memory.Memory, _ []uint64) ([]uint64, error) {
			_, nested = inst.Call(ctx, "leaf")
			return nil, nil
		}, nil
	})
	cm, _ := compile(t, `(module
		(import "env" "cb" (func $cb))
		(func (export "leaf"))
		(func (export "outer") (call $cb)))`, resolver, interp.Config{})
	var err error
	if inst, err = cm.Instantiate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := inst.Call(context.Background(), "outer"); err != nil {
		t.Fatalf("outer: %v", err)
	}
	if !errors.IsKind(nested, errors.KindInvalidInput) {
		t.Errorf("nested call: got %v, want invalid_input", nested)
	}
}

func TestCallErrors(t *testing.T) {
	inst := instantiate(t, `(module (func (export "f") (param i32)))`)
	ctx := context.Background()
	if _, err := inst.Call(ctx, "missing"); !errors.IsKind(err, errors.KindNotFound) {
		t.Errorf("missing export: %v", err)
	}
	if _, err := inst.Call(ctx, "f"); !errors.IsKind(err, errors.KindSignatureMismatch) {
		t.Errorf("wrong arity: %v", err)
	}
	if inst.Trapped() {
		t.Error("dispatch errors must not mark the instance trapped")
	}
}

func TestStartFunction(t *testing.T) {
	inst := instantiate(t, `(module
		(global $g (mut i32) (i32.const 1))
		(func $init (global.set $g (i32.const 42)))
		(start $init))`)
	if v, ok := inst.Global(0); !ok || v != 42 {
		t.Errorf("global = %d, %v, want 42", v, ok)
	}
}

func TestInstancePool(t *testing.T) {
	src := `(module
		(memory 1)
		(global $calls (mut i32) (i32.const 0))
		(data (i32.const 0) "\01")
		(func (export "bump") (result i32)
			(global.set $calls (i32.add (global.get $calls) (i32.const 1)))
			(i32.store8 (i32.const 0) (i32.add (i32.load8_u (i32.const 0)) (i32.const 1)))
			(i32.add (global.get $calls) (i32.load8_u (i32.const 0))))
		(func (export "trap") unreachable))`
	cm, _ := compile(t, src, nil, interp.Config{PoolInstances: true})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		inst, err := cm.Acquire(ctx)
		if err != nil {
			t.Fatal(err)
		}
		res, err := inst.Call(ctx, "bump")
		if err != nil {
			t.Fatal(err)
		}
		if res[0] != 3 {
			t.Fatalf("iteration %d: bump = %d, want 3 (state leaked between calls)", i, res[0])
		}
		cm.Release(inst)
	}

	inst, _ := cm.Acquire(ctx)
	if _, err := inst.Call(ctx, "trap"); err == nil {
		t.Fatal("expected trap")
	}
	cm.Release(inst)
	next, _ := cm.Acquire(ctx)
	if next == inst {
		t.Error("trapped instance was recycled")
	}
	if next.Trapped() {
		t.Error("acquired instance is marked trapped")
	}
}

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad_local", `(module (func (local.get 3)))`},
		{"bad_call", `(module (func (call 9)))`},
		{"no_memory", `(module (func (drop (i32.load (i32.const 0)))))`},
		{"bad_global", `(module (func (global.set 2 (i32.const 0))))`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin, err := wat.Compile(tt.src)
			if err != nil {
				t.Fatalf("wat.Compile: %v", err)
			}
			m, err := wasm.ParseModule(bin)
			if err != nil {
				t.Fatalf("ParseModule: %v", err)
			}
			if _, err := interp.Compile(m, nil, interp.Config{}); !errors.IsKind(err, errors.KindMalformedModule) {
				t.Errorf("got %v, want malformed_module", err)
			}
		})
	}
}
