package wat

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/wippyai/watt/wasm"
)

func TestCompile(t *testing.T) {
	t.Run("empty_module", func(t *testing.T) {
		bin, err := Compile("(module)")
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		if !bytes.Equal(bin, []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}) {
			t.Errorf("got %x, want bare header", bin)
		}
	})

	t.Run("identity", func(t *testing.T) {
		mod, err := CompileModule(`(module
			(memory (export "memory") 1)
			(func $identity (export "identity") (param $ptr i32) (param $len i32) (result i32 i32)
				local.get $ptr
				local.get $len))`)
		if err != nil {
			t.Fatalf("CompileModule failed: %v", err)
		}
		idx, ft, ok := mod.ExportedFunc("identity")
		if !ok || idx != 0 {
			t.Fatalf("identity export = %d, %v", idx, ok)
		}
		want := wasm.FuncType{
			Params:  []wasm.ValType{wasm.ValI32, wasm.ValI32},
			Results: []wasm.ValType{wasm.ValI32, wasm.ValI32},
		}
		if !ft.Equal(want) {
			t.Errorf("type = %s, want %s", ft, want)
		}
		if got := mod.FuncNames()[0]; got != "identity" {
			t.Errorf("name = %q, want identity", got)
		}
		wantCode := []byte{wasm.OpLocalGet, 0, wasm.OpLocalGet, 1, wasm.OpEnd}
		if !bytes.Equal(mod.Code[0].Code, wantCode) {
			t.Errorf("code = %x, want %x", mod.Code[0].Code, wantCode)
		}
	})
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name, wat, wantErr string
	}{
		{"missing_module", "(func)", "expected 'module'"},
		{"unclosed", "(module", "unexpected end"},
		{"stray_paren", "(module))", "unexpected tokens"},
		{"unknown_instr", "(module (func (bogus)))", "unknown instruction"},
		{"unknown_type", "(module (func (param bogus)))", "unknown value type"},
		{"unknown_label", "(module (func (block (br $x))))", "unknown label"},
		{"unknown_func", "(module (func (call $nope)))", "unknown function $nope"},
		{"unknown_local", "(module (func (local.get $x)))", "unknown local $x"},
		{"unterminated_string", "(module (data \"abc))", "unterminated string"},
		{"bad_escape", `(module (data "\q"))`, "unknown escape"},
		{"i32_overflow", "(module (func (drop (i32.const 4294967296))))", "invalid i32 literal"},
		{"i32_underflow", "(module (func (drop (i32.const -2147483649))))", "out of range"},
		{"unclosed_flat_block", "(module (func block nop))", "unclosed block"},
		{"stray_end", "(module (func end))", "unexpected end"},
		{"bad_align", "(module (memory 1) (func (drop (i32.load align=3 (i32.const 0)))))", "power of two"},
		{"over_align", "(module (memory 1) (func (drop (i32.load8_u align=2 (i32.const 0)))))", "exceeds natural"},
		{"duplicate_func", "(module (func $f) (func $f))", "duplicate function"},
		{"type_mismatch", "(module (type $t (func (param i32))) (func (type $t) (param i64)))", "does not match"},
		{"if_without_then", "(module (func (if (i32.const 1))))", "without then"},
		{"block_comment", "(module (; never closed", "unterminated block comment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.wat)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q missing %q", err, tt.wantErr)
			}
		})
	}
}

// TestWasmValidation validates compiled output by parsing it back.
func TestWasmValidation(t *testing.T) {
	tests := []struct {
		name string
		wat  string
	}{
		// Module structure
		{"memory", "(module (memory 1 10))"},
		{"table", "(module (table 10 funcref))"},
		{"global", "(module (global (mut i32) (i32.const 0)))"},
		{"start", "(module (func $main) (start $main))"},
		{"named_module", "(module $m (func))"},

		// Functions
		{"func_params", "(module (func (param i32 i64 f32 f64)))"},
		{"func_results", "(module (func (result i32 i32) (i32.const 1) (i32.const 2)))"},
		{"func_locals", "(module (func (local i32) (local.set 0 (i32.const 1))))"},
		{"func_named_locals", "(module (func (param $a i32) (local $b i64) (local.set $b (i64.extend_i32_u (local.get $a)))))"},
		{"forward_call", "(module (func (call $later)) (func $later))"},

		// Imports/exports
		{"import_func", `(module (import "watt" "grow" (func (param i32) (result i32))))`},
		{"import_memory", `(module (import "m" "m" (memory 1)))`},
		{"import_global", `(module (import "m" "g" (global i32)))`},
		{"inline_import", `(module (func $abort (import "watt" "abort") (param i32 i32)) (func (call $abort (i32.const 0) (i32.const 0))))`},
		{"export_func", `(module (func $f) (export "f" (func $f)))`},
		{"export_global", `(module (global $g (mut i32) (i32.const 0)) (export "g" (global $g)))`},
		{"inline_export", `(module (func (export "f")))`},

		// Control flow
		{"block", "(module (func (result i32) (block (result i32) (i32.const 1))))"},
		{"loop", "(module (func (loop $l (br $l))))"},
		{"if_else", "(module (func (result i32) (if (result i32) (i32.const 1) (then (i32.const 2)) (else (i32.const 3)))))"},
		{"br_table", "(module (func (param i32) (block $a (block $b (br_table $a $b (local.get 0))))))"},
		{"nested_blocks", "(module (func (block (block (block (nop))))))"},
		{"block_params", "(module (func (result i32) (i32.const 1) (block (param i32) (result i32) (i32.const 2) (i32.add))))"},

		// Flat form
		{"flat_block", "(module (func block nop end))"},
		{"flat_if_else", "(module (func i32.const 1 if nop else nop end))"},
		{"flat_loop", "(module (func loop $l br $l end $l))"},

		// Calls
		{"call", "(module (func $f) (func (call $f)))"},
		{"call_indirect", "(module (type $t (func)) (table 1 funcref) (func (call_indirect (type $t) (i32.const 0))))"},
		{"call_indirect_inline", "(module (table 1 funcref) (func (result i32) (call_indirect (param i32) (result i32) (i32.const 7) (i32.const 0))))"},

		// Memory ops
		{"load_store", "(module (memory 1) (func (i32.store (i32.const 0) (i32.const 42))))"},
		{"memory_grow", "(module (memory 1) (func (result i32) (memory.grow (i32.const 1))))"},
		{"memory_fill", "(module (memory 1) (func (memory.fill (i32.const 0) (i32.const 0) (i32.const 10))))"},
		{"memory_copy", "(module (memory 1) (func (memory.copy (i32.const 0) (i32.const 10) (i32.const 5))))"},
		{"memory_init", `(module (memory 1) (data $d "hello") (func (memory.init $d (i32.const 0) (i32.const 0) (i32.const 5))))`},
		{"data_drop", `(module (memory 1) (data $d "hello") (func (data.drop $d)))`},
		{"load_offset_align", "(module (memory 1) (func (result i32) (i32.load offset=4 align=4 (i32.const 0))))"},

		// Select
		{"select", "(module (func (result i32) (select (i32.const 1) (i32.const 2) (i32.const 1))))"},
		{"select_typed", "(module (func (result i32) (select (result i32) (i32.const 1) (i32.const 2) (i32.const 1))))"},

		// Data/elem
		{"data_active", `(module (memory 1) (data (i32.const 0) "hello"))`},
		{"data_offset", `(module (memory 1) (data (offset (i32.const 8)) "a" "b"))`},
		{"data_passive", `(module (memory 1) (data "hello"))`},
		{"elem_active", "(module (table 1 funcref) (func $f) (elem (i32.const 0) $f))"},
		{"elem_null", "(module (table 2 funcref) (func $f) (elem (i32.const 0) funcref (ref.func $f) (ref.null func)))"},
		{"elem_declare", "(module (func $f) (elem declare func $f))"},

		// Inline syntax
		{"inline_memory", `(module (memory (data "test")))`},
		{"inline_table", "(module (func $f) (table funcref (elem $f)))"},

		// Conversions
		{"trunc_sat_f32_s", "(module (func (result i32) (i32.trunc_sat_f32_s (f32.const 1.5))))"},
		{"trunc_sat_f64_u", "(module (func (result i64) (i64.trunc_sat_f64_u (f64.const 1.5))))"},
		{"extend8_s", "(module (func (result i32) (i32.extend8_s (i32.const 255))))"},
		{"i64_extend32_s", "(module (func (result i64) (i64.extend32_s (i64.const 0xFFFFFFFF))))"},

		// Numeric edge cases
		{"i32_max", "(module (func (drop (i32.const 2147483647))))"},
		{"i32_min", "(module (func (drop (i32.const -2147483648))))"},
		{"i64_min", "(module (func (drop (i64.const -9223372036854775808))))"},
		{"hex_numbers", "(module (func (drop (i32.const 0xFFFF_FFFF))))"},
		{"f32_nan", "(module (func (drop (f32.const nan))))"},
		{"f64_inf", "(module (func (drop (f64.const -inf))))"},
		{"hex_float", "(module (func (drop (f32.const 0x1.8p1))))"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bin, err := Compile(tt.wat)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			m, err := wasm.ParseModule(bin)
			if err != nil {
				t.Fatalf("ParseModule: %v", err)
			}
			if err := m.Validate(); err != nil {
				t.Errorf("Validate: %v", err)
			}
		})
	}
}

func TestLiterals(t *testing.T) {
	tests := []struct {
		expr string
		want wasm.Instruction
	}{
		{"i32.const -1", wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: -1}}},
		{"i32.const 0xffffffff", wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: -1}}},
		{"i32.const 1_000", wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: 1000}}},
		{"i64.const 0x8000000000000000", wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: math.MinInt64}}},
		{"f32.const 1.5", wasm.Instruction{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{Bits: math.Float32bits(1.5)}}},
		{"f32.const -0x1p-1", wasm.Instruction{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{Bits: math.Float32bits(-0.5)}}},
		{"f32.const -0", wasm.Instruction{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{Bits: 0x80000000}}},
		{"f32.const nan:0x200000", wasm.Instruction{Opcode: wasm.OpF32Const, Imm: wasm.F32Imm{Bits: 0x7fa00000}}},
		{"f64.const -nan", wasm.Instruction{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{Bits: 0xfff8000000000000}}},
		{"f64.const 0x10", wasm.Instruction{Opcode: wasm.OpF64Const, Imm: wasm.F64Imm{Bits: math.Float64bits(16)}}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			mod, err := CompileModule("(module (func " + tt.expr + " drop))")
			if err != nil {
				t.Fatalf("CompileModule: %v", err)
			}
			instrs, err := wasm.DecodeInstructions(mod.Code[0].Code)
			if err != nil {
				t.Fatalf("DecodeInstructions: %v", err)
			}
			got := instrs[0]
			got.Offset = 0
			if got.Opcode != tt.want.Opcode || got.Imm != tt.want.Imm {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLabels(t *testing.T) {
	mod, err := CompileModule(`(module (func (param i32)
		(block $outer
			(loop $inner
				(br_if $outer (local.get 0))
				(br $inner)))))`)
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}
	instrs, err := wasm.DecodeInstructions(mod.Code[0].Code)
	if err != nil {
		t.Fatalf("DecodeInstructions: %v", err)
	}
	var depths []uint32
	for _, in := range instrs {
		if b, ok := in.Imm.(wasm.BranchImm); ok {
			depths = append(depths, b.LabelIdx)
		}
	}
	if len(depths) != 2 || depths[0] != 1 || depths[1] != 0 {
		t.Errorf("branch depths = %v, want [1 0]", depths)
	}
}

func TestIndexSpaces(t *testing.T) {
	mod, err := CompileModule(`(module
		(func $local (export "local"))
		(import "watt" "grow" (func $grow (param i32) (result i32)))
		(global $g (export "g") i32 (i32.const 7))
		(import "env" "h" (global $h i32))
		(export "grow" (func $grow)))`)
	if err != nil {
		t.Fatalf("CompileModule: %v", err)
	}
	want := map[string]uint32{"local": 1, "g": 1, "grow": 0}
	for _, exp := range mod.Exports {
		if exp.Idx != want[exp.Name] {
			t.Errorf("export %s idx = %d, want %d", exp.Name, exp.Idx, want[exp.Name])
		}
	}
}

func TestMustCompilePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustCompile("(module (func (bogus)))")
}
