package interp

import (
	"math"
	"math/bits"

	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/wasm"
)

var (
	errDivByZero     = errors.Trap(errors.KindArithmetic, "integer divide by zero")
	errIntOverflow   = errors.Trap(errors.KindArithmetic, "integer overflow")
	errBadConversion = errors.Trap(errors.KindArithmetic, "invalid conversion to integer")
)

func (inst *Instance) popF32() float32 {
	return math.Float32frombits(inst.popU32())
}

func (inst *Instance) pushF32(f float32) {
	inst.pushU32(math.Float32bits(f))
}

func (inst *Instance) popF64() float64 {
	return math.Float64frombits(inst.pop())
}

func (inst *Instance) pushF64(f float64) {
	inst.push(math.Float64bits(f))
}

func (inst *Instance) binU32() (uint32, uint32) {
	b := inst.popU32()
	return inst.popU32(), b
}

func (inst *Instance) binU64() (uint64, uint64) {
	b := inst.pop()
	return inst.pop(), b
}

func (inst *Instance) binF32() (float32, float32) {
	b := inst.popF32()
	return inst.popF32(), b
}

func (inst *Instance) binF64() (float64, float64) {
	b := inst.popF64()
	return inst.popF64(), b
}

// numeric executes comparison, arithmetic and conversion instructions.
func (inst *Instance) numeric(op byte) {
	switch op {
	case wasm.OpI32Eqz:
		inst.pushBool(inst.popU32() == 0)
	case wasm.OpI32Eq:
		a, b := inst.binU32()
		inst.pushBool(a == b)
	case wasm.OpI32Ne:
		a, b := inst.binU32()
		inst.pushBool(a != b)
	case wasm.OpI32LtS:
		a, b := inst.binU32()
		inst.pushBool(int32(a) < int32(b))
	case wasm.OpI32LtU:
		a, b := inst.binU32()
		inst.pushBool(a < b)
	case wasm.OpI32GtS:
		a, b := inst.binU32()
		inst.pushBool(int32(a) > int32(b))
	case wasm.OpI32GtU:
		a, b := inst.binU32()
		inst.pushBool(a > b)
	case wasm.OpI32LeS:
		a, b := inst.binU32()
		inst.pushBool(int32(a) <= int32(b))
	case wasm.OpI32LeU:
		a, b := inst.binU32()
		inst.pushBool(a <= b)
	case wasm.OpI32GeS:
		a, b := inst.binU32()
		inst.pushBool(int32(a) >= int32(b))
	case wasm.OpI32GeU:
		a, b := inst.binU32()
		inst.pushBool(a >= b)

	case wasm.OpI64Eqz:
		inst.pushBool(inst.pop() == 0)
	case wasm.OpI64Eq:
		a, b := inst.binU64()
		inst.pushBool(a == b)
	case wasm.OpI64Ne:
		a, b := inst.binU64()
		inst.pushBool(a != b)
	case wasm.OpI64LtS:
		a, b := inst.binU64()
		inst.pushBool(int64(a) < int64(b))
	case wasm.OpI64LtU:
		a, b := inst.binU64()
		inst.pushBool(a < b)
	case wasm.OpI64GtS:
		a, b := inst.binU64()
		inst.pushBool(int64(a) > int64(b))
	case wasm.OpI64GtU:
		a, b := inst.binU64()
		inst.pushBool(a > b)
	case wasm.OpI64LeS:
		a, b := inst.binU64()
		inst.pushBool(int64(a) <= int64(b))
	case wasm.OpI64LeU:
		a, b := inst.binU64()
		inst.pushBool(a <= b)
	case wasm.OpI64GeS:
		a, b := inst.binU64()
		inst.pushBool(int64(a) >= int64(b))
	case wasm.OpI64GeU:
		a, b := inst.binU64()
		inst.pushBool(a >= b)

	case wasm.OpF32Eq:
		a, b := inst.binF32()
		inst.pushBool(a == b)
	case wasm.OpF32Ne:
		a, b := inst.binF32()
		inst.pushBool(a != b)
	case wasm.OpF32Lt:
		a, b := inst.binF32()
		inst.pushBool(a < b)
	case wasm.OpF32Gt:
		a, b := inst.binF32()
		inst.pushBool(a > b)
	case wasm.OpF32Le:
		a, b := inst.binF32()
		inst.pushBool(a <= b)
	case wasm.OpF32Ge:
		a, b := inst.binF32()
		inst.pushBool(a >= b)
	case wasm.OpF64Eq:
		a, b := inst.binF64()
		inst.pushBool(a == b)
	case wasm.OpF64Ne:
		a, b := inst.binF64()
		inst.pushBool(a != b)
	case wasm.OpF64Lt:
		a, b := inst.binF64()
		inst.pushBool(a < b)
	case wasm.OpF64Gt:
		a, b := inst.binF64()
		inst.pushBool(a > b)
	case wasm.OpF64Le:
		a, b := inst.binF64()
		inst.pushBool(a <= b)
	case wasm.OpF64Ge:
		a, b := inst.binF64()
		inst.pushBool(a >= b)

	case wasm.OpI32Clz:
		inst.pushU32(uint32(bits.LeadingZeros32(inst.popU32())))
	case wasm.OpI32Ctz:
		inst.pushU32(uint32(bits.TrailingZeros32(inst.popU32())))
	case wasm.OpI32Popcnt:
		inst.pushU32(uint32(bits.OnesCount32(inst.popU32())))
	case wasm.OpI32Add:
		a, b := inst.binU32()
		inst.pushU32(a + b)
	case wasm.OpI32Sub:
		a, b := inst.binU32()
		inst.pushU32(a - b)
	case wasm.OpI32Mul:
		a, b := inst.binU32()
		inst.pushU32(a * b)
	case wasm.OpI32DivS:
		a, b := inst.binU32()
		if b == 0 {
			panic(errDivByZero)
		}
		if int32(a) == math.MinInt32 && int32(b) == -1 {
			panic(errIntOverflow)
		}
		inst.pushU32(uint32(int32(a) / int32(b)))
	case wasm.OpI32DivU:
		a, b := inst.binU32()
		if b == 0 {
			panic(errDivByZero)
		}
		inst.pushU32(a / b)
	case wasm.OpI32RemS:
		a, b := inst.binU32()
		if b == 0 {
			panic(errDivByZero)
		}
		if int32(b) == -1 {
			inst.pushU32(0)
		} else {
			inst.pushU32(uint32(int32(a) % int32(b)))
		}
	case wasm.OpI32RemU:
		a, b := inst.binU32()
		if b == 0 {
			panic(errDivByZero)
		}
		inst.pushU32(a % b)
	case wasm.OpI32And:
		a, b := inst.binU32()
		inst.pushU32(a & b)
	case wasm.OpI32Or:
		a, b := inst.binU32()
		inst.pushU32(a | b)
	case wasm.OpI32Xor:
		a, b := inst.binU32()
		inst.pushU32(a ^ b)
	case wasm.OpI32Shl:
		a, b := inst.binU32()
		inst.pushU32(a << (b & 31))
	case wasm.OpI32ShrS:
		a, b := inst.binU32()
		inst.pushU32(uint32(int32(a) >> (b & 31)))
	case wasm.OpI32ShrU:
		a, b := inst.binU32()
		inst.pushU32(a >> (b & 31))
	case wasm.OpI32Rotl:
		a, b := inst.binU32()
		inst.pushU32(bits.RotateLeft32(a, int(b&31)))
	case wasm.OpI32Rotr:
		a, b := inst.binU32()
		inst.pushU32(bits.RotateLeft32(a, -int(b&31)))

	case wasm.OpI64Clz:
		inst.push(uint64(bits.LeadingZeros64(inst.pop())))
	case wasm.OpI64Ctz:
		inst.push(uint64(bits.TrailingZeros64(inst.pop())))
	case wasm.OpI64Popcnt:
		inst.push(uint64(bits.OnesCount64(inst.pop())))
	case wasm.OpI64Add:
		a, b := inst.binU64()
		inst.push(a + b)
	case wasm.OpI64Sub:
		a, b := inst.binU64()
		inst.push(a - b)
	case wasm.OpI64Mul:
		a, b := inst.binU64()
		inst.push(a * b)
	case wasm.OpI64DivS:
		a, b := inst.binU64()
		if b == 0 {
			panic(errDivByZero)
		}
		if int64(a) == math.MinInt64 && int64(b) == -1 {
			panic(errIntOverflow)
		}
		inst.push(uint64(int64(a) / int64(b)))
	case wasm.OpI64DivU:
		a, b := inst.binU64()
		if b == 0 {
			panic(errDivByZero)
		}
		inst.push(a / b)
	case wasm.OpI64RemS:
		a, b := inst.binU64()
		if b == 0 {
			panic(errDivByZero)
		}
		if int64(b) == -1 {
			inst.push(0)
		} else {
			inst.push(uint64(int64(a) % int64(b)))
		}
	case wasm.OpI64RemU:
		a, b := inst.binU64()
		if b == 0 {
			panic(errDivByZero)
		}
		inst.push(a % b)
	case wasm.OpI64And:
		a, b := inst.binU64()
		inst.push(a & b)
	case wasm.OpI64Or:
		a, b := inst.binU64()
		inst.push(a | b)
	case wasm.OpI64Xor:
		a, b := inst.binU64()
		inst.push(a ^ b)
	case wasm.OpI64Shl:
		a, b := inst.binU64()
		inst.push(a << (b & 63))
	case wasm.OpI64ShrS:
		a, b := inst.binU64()
		inst.push(uint64(int64(a) >> (b & 63)))
	case wasm.OpI64ShrU:
		a, b := inst.binU64()
		inst.push(a >> (b & 63))
	case wasm.OpI64Rotl:
		a, b := inst.binU64()
		inst.push(bits.RotateLeft64(a, int(b&63)))
	case wasm.OpI64Rotr:
		a, b := inst.binU64()
		inst.push(bits.RotateLeft64(a, -int(b&63)))

	case wasm.OpF32Abs:
		inst.pushU32(inst.popU32() &^ (1 << 31))
	case wasm.OpF32Neg:
		inst.pushU32(inst.popU32() ^ (1 << 31))
	case wasm.OpF32Ceil:
		inst.pushF32(float32(math.Ceil(float64(inst.popF32()))))
	case wasm.OpF32Floor:
		inst.pushF32(float32(math.Floor(float64(inst.popF32()))))
	case wasm.OpF32Trunc:
		inst.pushF32(float32(math.Trunc(float64(inst.popF32()))))
	case wasm.OpF32Nearest:
		inst.pushF32(float32(math.RoundToEven(float64(inst.popF32()))))
	case wasm.OpF32Sqrt:
		inst.pushF32(float32(math.Sqrt(float64(inst.popF32()))))
	case wasm.OpF32Add:
		a, b := inst.binF32()
		inst.pushF32(a + b)
	case wasm.OpF32Sub:
		a, b := inst.binF32()
		inst.pushF32(a - b)
	case wasm.OpF32Mul:
		a, b := inst.binF32()
		inst.pushF32(a * b)
	case wasm.OpF32Div:
		a, b := inst.binF32()
		inst.pushF32(a / b)
	case wasm.OpF32Min:
		a, b := inst.binF32()
		inst.pushF32(float32(fmin(float64(a), float64(b))))
	case wasm.OpF32Max:
		a, b := inst.binF32()
		inst.pushF32(float32(fmax(float64(a), float64(b))))
	case wasm.OpF32Copysign:
		a, b := inst.binU32()
		inst.pushU32(a&^(1<<31) | b&(1<<31))

	case wasm.OpF64Abs:
		inst.push(inst.pop() &^ (1 << 63))
	case wasm.OpF64Neg:
		inst.push(inst.pop() ^ (1 << 63))
	case wasm.OpF64Ceil:
		inst.pushF64(math.Ceil(inst.popF64()))
	case wasm.OpF64Floor:
		inst.pushF64(math.Floor(inst.popF64()))
	case wasm.OpF64Trunc:
		inst.pushF64(math.Trunc(inst.popF64()))
	case wasm.OpF64Nearest:
		inst.pushF64(math.RoundToEven(inst.popF64()))
	case wasm.OpF64Sqrt:
		inst.pushF64(math.Sqrt(inst.popF64()))
	case wasm.OpF64Add:
		a, b := inst.binF64()
		inst.pushF64(a + b)
	case wasm.OpF64Sub:
		a, b := inst.binF64()
		inst.pushF64(a - b)
	case wasm.OpF64Mul:
		a, b := inst.binF64()
		inst.pushF64(a * b)
	case wasm.OpF64Div:
		a, b := inst.binF64()
		inst.pushF64(a / b)
	case wasm.OpF64Min:
		a, b := inst.binF64()
		inst.pushF64(fmin(a, b))
	case wasm.OpF64Max:
		a, b := inst.binF64()
		inst.pushF64(fmax(a, b))
	case wasm.OpF64Copysign:
		a, b := inst.binU64()
		inst.push(a&^(1<<63) | b&(1<<63))

	case wasm.OpI32WrapI64:
		inst.pushU32(uint32(inst.pop()))
	case wasm.OpI32TruncF32S:
		inst.pushU32(uint32(truncS32(float64(inst.popF32()))))
	case wasm.OpI32TruncF32U:
		inst.pushU32(truncU32(float64(inst.popF32())))
	case wasm.OpI32TruncF64S:
		inst.pushU32(uint32(truncS32(inst.popF64())))
	case wasm.OpI32TruncF64U:
		inst.pushU32(truncU32(inst.popF64()))
	case wasm.OpI64ExtendI32S:
		inst.push(uint64(int64(int32(inst.popU32()))))
	case wasm.OpI64ExtendI32U:
		inst.push(uint64(inst.popU32()))
	case wasm.OpI64TruncF32S:
		inst.push(uint64(truncS64(float64(inst.popF32()))))
	case wasm.OpI64TruncF32U:
		inst.push(truncU64(float64(inst.popF32())))
	case wasm.OpI64TruncF64S:
		inst.push(uint64(truncS64(inst.popF64())))
	case wasm.OpI64TruncF64U:
		inst.push(truncU64(inst.popF64()))
	case wasm.OpF32ConvertI32S:
		inst.pushF32(float32(int32(inst.popU32())))
	case wasm.OpF32ConvertI32U:
		inst.pushF32(float32(inst.popU32()))
	case wasm.OpF32ConvertI64S:
		inst.pushF32(float32(int64(inst.pop())))
	case wasm.OpF32ConvertI64U:
		inst.pushF32(u64ToF32(inst.pop()))
	case wasm.OpF32DemoteF64:
		inst.pushF32(float32(inst.popF64()))
	case wasm.OpF64ConvertI32S:
		inst.pushF64(float64(int32(inst.popU32())))
	case wasm.OpF64ConvertI32U:
		inst.pushF64(float64(inst.popU32()))
	case wasm.OpF64ConvertI64S:
		inst.pushF64(float64(int64(inst.pop())))
	case wasm.OpF64ConvertI64U:
		inst.pushF64(float64(inst.pop()))
	case wasm.OpF64PromoteF32:
		inst.pushF64(float64(inst.popF32()))
	case wasm.OpI32ReinterpretF32, wasm.OpF32ReinterpretI32,
		wasm.OpI64ReinterpretF64, wasm.OpF64ReinterpretI64:
		// values are stored as bits

	case wasm.OpI32Extend8S:
		inst.pushU32(uint32(int32(int8(inst.popU32()))))
	case wasm.OpI32Extend16S:
		inst.pushU32(uint32(int32(int16(inst.popU32()))))
	case wasm.OpI64Extend8S:
		inst.push(uint64(int64(int8(inst.pop()))))
	case wasm.OpI64Extend16S:
		inst.push(uint64(int64(int16(inst.pop()))))
	case wasm.OpI64Extend32S:
		inst.push(uint64(int64(int32(inst.pop()))))

	default:
		panic(errors.Trap(errors.KindInternal, "opcode 0x%02x is not executable", op))
	}
}

// fmin returns the IEEE minimum: NaN if either operand is NaN, and -0
// for min(-0, +0).
func fmin(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	return math.Min(a, b)
}

func fmax(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	return math.Max(a, b)
}

// u64ToF32 converts with a single rounding step. Converting through
// float64 would round twice for values above 2^53.
func u64ToF32(v uint64) float32 {
	if v <= 1<<53 {
		return float32(float64(v))
	}
	// keep a sticky bit so the final rounding sees the discarded bits
	shift := uint(64 - bits.LeadingZeros64(v) - 53)
	sticky := uint64(0)
	if v&(1<<shift-1) != 0 {
		sticky = 1
	}
	return float32(math.Ldexp(float64(v>>shift|sticky), int(shift)))
}

func truncS32(f float64) int32 {
	if math.IsNaN(f) {
		panic(errBadConversion)
	}
	t := math.Trunc(f)
	if t < math.MinInt32 || t > math.MaxInt32 {
		panic(errIntOverflow)
	}
	return int32(t)
}

func truncU32(f float64) uint32 {
	if math.IsNaN(f) {
		panic(errBadConversion)
	}
	t := math.Trunc(f)
	if t <= -1 || t > math.MaxUint32 {
		panic(errIntOverflow)
	}
	return uint32(t)
}

func truncS64(f float64) int64 {
	if math.IsNaN(f) {
		panic(errBadConversion)
	}
	t := math.Trunc(f)
	if t < -(1<<63) || t >= 1<<63 {
		panic(errIntOverflow)
	}
	return int64(t)
}

func truncU64(f float64) uint64 {
	if math.IsNaN(f) {
		panic(errBadConversion)
	}
	t := math.Trunc(f)
	if t <= -1 || t >= 1<<64 {
		panic(errIntOverflow)
	}
	return uint64(t)
}

func satS32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f <= math.MinInt32:
		return math.MinInt32
	case f >= math.MaxInt32:
		return math.MaxInt32
	}
	return int32(f)
}

func satU32(f float64) uint32 {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(f)
}

func satS64(f float64) int64 {
	switch {
	case math.IsNaN(f):
		return 0
	case f <= -(1 << 63):
		return math.MinInt64
	case f >= 1<<63:
		return math.MaxInt64
	}
	return int64(f)
}

func satU64(f float64) uint64 {
	switch {
	case math.IsNaN(f) || f <= 0:
		return 0
	case f >= 1<<64:
		return math.MaxUint64
	}
	return uint64(f)
}

// truncSat executes the saturating float-to-int conversions.
func (inst *Instance) truncSat(sub uint32) {
	switch sub {
	case wasm.MiscI32TruncSatF32S:
		inst.pushU32(uint32(satS32(float64(inst.popF32()))))
	case wasm.MiscI32TruncSatF32U:
		inst.pushU32(satU32(float64(inst.popF32())))
	case wasm.MiscI32TruncSatF64S:
		inst.pushU32(uint32(satS32(inst.popF64())))
	case wasm.MiscI32TruncSatF64U:
		inst.pushU32(satU32(inst.popF64()))
	case wasm.MiscI64TruncSatF32S:
		inst.push(uint64(satS64(float64(inst.popF32()))))
	case wasm.MiscI64TruncSatF32U:
		inst.push(satU64(float64(inst.popF32())))
	case wasm.MiscI64TruncSatF64S:
		inst.push(uint64(satS64(inst.popF64())))
	case wasm.MiscI64TruncSatF64U:
		inst.push(satU64(inst.popF64()))
	default:
		panic(errors.Trap(errors.KindInternal, "misc opcode %d is not executable", sub))
	}
}
