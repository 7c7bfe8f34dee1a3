package wasm

import (
	"fmt"

	"github.com/wippyai/watt/wasm/internal/binary"
)

// Instruction represents a decoded instruction.
type Instruction struct {
	Imm    interface{}
	Offset int // byte offset within the function body's code
	Opcode byte
}

// BlockImm holds the block type for block, loop and if.
type BlockImm struct {
	Type int32 // -64=void, -1=i32, -2=i64, -3=f32, -4=f64, >=0=type index
}

// BranchImm holds the label index for br and br_if.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm holds the label table for br_table.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm holds the function index for call.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm holds type and table indices for call_indirect.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm holds the local index for local.get, local.set, local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm holds the global index for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// MemoryImm holds the static offset and alignment hint of a load or store.
type MemoryImm struct {
	Offset uint32
	Align  uint32
}

// MemoryIdxImm holds the memory index of memory.size and memory.grow.
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm holds the constant value for i32.const.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant value for i64.const.
type I64Imm struct {
	Value int64
}

// F32Imm holds the bit pattern of an f32.const.
type F32Imm struct {
	Bits uint32
}

// F64Imm holds the bit pattern of an f64.const.
type F64Imm struct {
	Bits uint64
}

// MiscImm holds the sub-opcode and immediates of a 0xFC instruction.
type MiscImm struct {
	Operands  []uint32
	SubOpcode uint32
}

// SelectTypeImm holds the result types of a typed select.
type SelectTypeImm struct {
	Types []ValType
}

// DecodeInstructions decodes a function body's instruction sequence.
// Instructions outside the supported set fail with an error wrapping
// ErrUnsupported.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	r := binary.NewReader(code, 0)
	instrs := make([]Instruction, 0, len(code)/2)
	for r.Len() > 0 {
		in, err := decodeInstruction(r)
		if err != nil {
			return nil, fmt.Errorf("offset %d: %w", r.Position(), err)
		}
		instrs = append(instrs, in)
	}
	return instrs, nil
}

func decodeInstruction(r *binary.Reader) (Instruction, error) {
	off := r.Position()
	op, err := r.ReadByte()
	if err != nil {
		return Instruction{}, err
	}
	in := Instruction{Opcode: op, Offset: off}

	switch {
	case op == OpBlock || op == OpLoop || op == OpIf:
		bt, err := r.ReadS33()
		if err != nil {
			return in, err
		}
		if bt < 0 && bt != int64(BlockTypeVoid) && (bt < int64(BlockTypeF64) || bt > int64(BlockTypeI32)) {
			return in, fmt.Errorf("%w: block type %d", ErrUnsupported, bt)
		}
		if bt > int64(^uint32(0)>>1) {
			return in, fmt.Errorf("block type index %d out of range", bt)
		}
		in.Imm = BlockImm{Type: int32(bt)}

	case op == OpBr || op == OpBrIf:
		idx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = BranchImm{LabelIdx: idx}

	case op == OpBrTable:
		n, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		if int(n) > r.Len() {
			return in, fmt.Errorf("br_table length %d exceeds body", n)
		}
		labels := make([]uint32, n)
		for i := range labels {
			if labels[i], err = r.ReadU32(); err != nil {
				return in, err
			}
		}
		def, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = BrTableImm{Labels: labels, Default: def}

	case op == OpCall:
		idx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = CallImm{FuncIdx: idx}

	case op == OpCallIndirect:
		typeIdx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		tableIdx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = CallIndirectImm{TypeIdx: typeIdx, TableIdx: tableIdx}

	case op == OpSelectType:
		n, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		if n != 1 {
			return in, fmt.Errorf("typed select with %d types", n)
		}
		vt, err := readValType(r)
		if err != nil {
			return in, err
		}
		in.Imm = SelectTypeImm{Types: []ValType{vt}}

	case op >= OpLocalGet && op <= OpLocalTee:
		idx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = LocalImm{LocalIdx: idx}

	case op == OpGlobalGet || op == OpGlobalSet:
		idx, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = GlobalImm{GlobalIdx: idx}

	case op >= OpI32Load && op <= OpI64Store32:
		align, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		if align&0x40 != 0 {
			return in, fmt.Errorf("%w: multi-memory access", ErrUnsupported)
		}
		offset, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		in.Imm = MemoryImm{Align: align, Offset: offset}

	case op == OpMemorySize || op == OpMemoryGrow:
		idx, err := r.ReadByte()
		if err != nil {
			return in, err
		}
		if idx != 0 {
			return in, fmt.Errorf("%w: memory index %d", ErrUnsupported, idx)
		}
		in.Imm = MemoryIdxImm{}

	case op == OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return in, err
		}
		in.Imm = I32Imm{Value: v}

	case op == OpI64Const:
		v, err := r.ReadS64()
		if err != nil {
			return in, err
		}
		in.Imm = I64Imm{Value: v}

	case op == OpF32Const:
		v, err := r.ReadU32LE()
		if err != nil {
			return in, err
		}
		in.Imm = F32Imm{Bits: v}

	case op == OpF64Const:
		v, err := r.ReadU64LE()
		if err != nil {
			return in, err
		}
		in.Imm = F64Imm{Bits: v}

	case op == OpPrefixMisc:
		sub, err := r.ReadU32()
		if err != nil {
			return in, err
		}
		imm := MiscImm{SubOpcode: sub}
		var operands int
		switch sub {
		case MiscI32TruncSatF32S, MiscI32TruncSatF32U, MiscI32TruncSatF64S, MiscI32TruncSatF64U,
			MiscI64TruncSatF32S, MiscI64TruncSatF32U, MiscI64TruncSatF64S, MiscI64TruncSatF64U:
		case MiscMemoryInit, MiscMemoryCopy:
			operands = 2
		case MiscDataDrop, MiscMemoryFill:
			operands = 1
		default:
			return in, fmt.Errorf("%w: instruction 0xfc %d", ErrUnsupported, sub)
		}
		for i := 0; i < operands; i++ {
			v, err := r.ReadU32()
			if err != nil {
				return in, err
			}
			imm.Operands = append(imm.Operands, v)
		}
		in.Imm = imm

	case op == OpPrefixSIMD:
		return in, fmt.Errorf("%w: SIMD instruction", ErrUnsupported)
	case op == OpPrefixAtomic:
		return in, fmt.Errorf("%w: atomic instruction", ErrUnsupported)
	case op == OpPrefixGC:
		return in, fmt.Errorf("%w: GC instruction", ErrUnsupported)

	case opcodeNames[op] != "":
		// no immediates
	default:
		return in, fmt.Errorf("%w: opcode 0x%02x", ErrUnsupported, op)
	}
	return in, nil
}

// EncodeInstructions encodes instructions into their binary form.
func EncodeInstructions(instrs []Instruction) []byte {
	w := binary.NewWriter()
	for _, in := range instrs {
		encodeInstruction(w, in)
	}
	return w.Bytes()
}

func encodeInstruction(w *binary.Writer, in Instruction) {
	w.Byte(in.Opcode)
	switch imm := in.Imm.(type) {
	case BlockImm:
		w.WriteS64(int64(imm.Type))
	case BranchImm:
		w.WriteU32(imm.LabelIdx)
	case BrTableImm:
		w.WriteU32(uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			w.WriteU32(l)
		}
		w.WriteU32(imm.Default)
	case CallImm:
		w.WriteU32(imm.FuncIdx)
	case CallIndirectImm:
		w.WriteU32(imm.TypeIdx)
		w.WriteU32(imm.TableIdx)
	case SelectTypeImm:
		w.WriteU32(uint32(len(imm.Types)))
		for _, t := range imm.Types {
			w.Byte(byte(t))
		}
	case LocalImm:
		w.WriteU32(imm.LocalIdx)
	case GlobalImm:
		w.WriteU32(imm.GlobalIdx)
	case MemoryImm:
		w.WriteU32(imm.Align)
		w.WriteU32(imm.Offset)
	case MemoryIdxImm:
		w.Byte(byte(imm.MemIdx))
	case I32Imm:
		w.WriteS32(imm.Value)
	case I64Imm:
		w.WriteS64(imm.Value)
	case F32Imm:
		w.WriteU32LE(imm.Bits)
	case F64Imm:
		w.WriteU64LE(imm.Bits)
	case MiscImm:
		w.WriteU32(imm.SubOpcode)
		for _, v := range imm.Operands {
			w.WriteU32(v)
		}
	}
}
