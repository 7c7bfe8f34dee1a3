package interp

import (
	"context"

	"github.com/wippyai/watt/errors"
	"github.com/wippyai/watt/wasm"
)

func stackViolation(detail string) *errors.Error {
	return errors.Trap(errors.KindStackViolation, "%s", detail)
}

func (inst *Instance) push(v uint64) {
	if inst.sp == len(inst.stack) {
		inst.growStack(inst.sp + 1)
	}
	inst.stack[inst.sp] = v
	inst.sp++
}

func (inst *Instance) pop() uint64 {
	if inst.sp <= inst.floor {
		panic(stackViolation("value stack underflow"))
	}
	inst.sp--
	return inst.stack[inst.sp]
}

func (inst *Instance) popU32() uint32 {
	return uint32(inst.pop())
}

func (inst *Instance) pushU32(v uint32) {
	inst.push(uint64(v))
}

func (inst *Instance) pushBool(b bool) {
	if b {
		inst.push(1)
	} else {
		inst.push(0)
	}
}

// growStack makes room for at least need values.
func (inst *Instance) growStack(need int) {
	limit := inst.mod.cfg.MaxStackHeight
	if need > limit {
		panic(stackViolation("value stack overflow"))
	}
	n := len(inst.stack) * 2
	for n < need {
		n *= 2
	}
	if n > limit {
		n = limit
	}
	grown := make([]uint64, n)
	copy(grown, inst.stack[:inst.sp])
	inst.stack = grown
}

func (inst *Instance) pushLabel(l label) {
	if l.height < inst.floor {
		panic(stackViolation("block parameters missing from the stack"))
	}
	inst.labels = append(inst.labels, l)
}

// enter pushes a frame for fn, whose arguments are on top of the stack.
func (inst *Instance) enter(fn *function) {
	if len(inst.frames) >= inst.mod.cfg.MaxCallDepth {
		panic(stackViolation("call stack exhausted"))
	}
	base := inst.sp - len(fn.typ.Params)
	if base < inst.floor {
		panic(stackViolation("value stack underflow"))
	}
	top := base + fn.numLocals
	if top > len(inst.stack) {
		inst.growStack(top)
	}
	clear(inst.stack[inst.sp:top])
	if n := len(inst.frames); n > 0 {
		inst.frames[n-1].pc = inst.pc
	}
	inst.frames = append(inst.frames, frame{fn: fn, base: base, labelBase: len(inst.labels)})
	inst.fn, inst.pc, inst.sp, inst.base, inst.floor = fn, 0, top, base, top
}

// leave returns from the current frame, moving its results into place.
// It reports whether the outermost frame was left.
func (inst *Instance) leave() bool {
	n := len(inst.frames) - 1
	f := inst.frames[n]
	arity := len(inst.fn.typ.Results)
	if inst.sp-arity < inst.floor {
		panic(stackViolation("missing function results"))
	}
	copy(inst.stack[f.base:], inst.stack[inst.sp-arity:inst.sp])
	inst.sp = f.base + arity
	inst.labels = inst.labels[:f.labelBase]
	inst.frames = inst.frames[:n]
	if n == 0 {
		inst.fn = nil
		inst.floor = 0
		return true
	}
	caller := inst.frames[n-1]
	inst.fn, inst.pc, inst.base = caller.fn, caller.pc, caller.base
	inst.floor = caller.base + caller.fn.numLocals
	return false
}

// branch unwinds to the label at depth. It reports whether the target is
// the function itself, in which case the caller must return.
func (inst *Instance) branch(depth uint32) bool {
	idx := len(inst.labels) - 1 - int(depth)
	if idx < inst.frames[len(inst.frames)-1].labelBase {
		return true
	}
	l := inst.labels[idx]
	from := inst.sp - l.arity
	if from < l.height {
		panic(stackViolation("branch operands missing from the stack"))
	}
	if from != l.height {
		copy(inst.stack[l.height:], inst.stack[from:inst.sp])
	}
	inst.sp = l.height + l.arity
	if l.loop {
		inst.labels = inst.labels[:idx+1]
	} else {
		inst.labels = inst.labels[:idx]
	}
	inst.pc = l.cont
	return false
}

func (inst *Instance) callHost(ctx context.Context, fn *function) {
	n := len(fn.typ.Params)
	if inst.sp-n < inst.floor {
		panic(stackViolation("value stack underflow"))
	}
	args := make([]uint64, n)
	copy(args, inst.stack[inst.sp-n:inst.sp])
	inst.sp -= n
	res, _ := inst.invokeHost(ctx, fn, args)
	for _, v := range res {
		inst.push(v)
	}
}

func (inst *Instance) resolveIndirect(typeIdx uint32) *function {
	i := inst.popU32()
	table := inst.mod.table
	if int(i) >= len(table) {
		panic(errors.Trap(errors.KindUndefinedCall, "table index %d out of range (table size %d)", i, len(table)))
	}
	fidx := table[i]
	if fidx == wasm.NullFunc {
		panic(errors.Trap(errors.KindUndefinedCall, "uninitialized table element %d", i))
	}
	callee := inst.mod.funcs[fidx]
	want := &inst.mod.types[typeIdx]
	if !callee.typ.Equal(*want) {
		panic(errors.Trap(errors.KindSignatureMismatch, "indirect call type mismatch: expected %s, got %s", want, callee.typ))
	}
	return callee
}

func (inst *Instance) outOfBounds(addr uint64, n uint64) {
	panic(errors.MemoryOutOfBounds(addr, n, inst.mem.Len()))
}

// run executes until the outermost frame returns.
func (inst *Instance) run(ctx context.Context) {
	code := inst.fn.code
	mem := inst.mem
	for {
		in := &code[inst.pc]
		inst.pc++

		switch in.op {
		case wasm.OpUnreachable:
			panic(errors.Trap(errors.KindUnreachable, "unreachable executed"))
		case wasm.OpNop:

		case wasm.OpBlock:
			inst.pushLabel(label{cont: int(in.c) + 1, height: inst.sp - int(in.a), arity: int(in.b)})
		case wasm.OpLoop:
			inst.pushLabel(label{cont: inst.pc, height: inst.sp - int(in.a), arity: int(in.a), loop: true})
		case wasm.OpIf:
			cond := inst.popU32()
			inst.pushLabel(label{cont: int(uint32(in.c)) + 1, height: inst.sp - int(in.a), arity: int(in.b)})
			if cond == 0 {
				inst.pc = int(in.c >> 32)
			}
		case wasm.OpElse:
			inst.pc = int(in.c)
		case wasm.OpEnd:
			inst.labels = inst.labels[:len(inst.labels)-1]

		case wasm.OpBr:
			if inst.branch(in.a) {
				if inst.leave() {
					return
				}
				code = inst.fn.code
			}
		case wasm.OpBrIf:
			if inst.popU32() != 0 && inst.branch(in.a) {
				if inst.leave() {
					return
				}
				code = inst.fn.code
			}
		case wasm.OpBrTable:
			i := inst.popU32()
			targets := inst.fn.tables[in.a]
			depth := targets[len(targets)-1]
			if int(i) < len(targets)-1 {
				depth = targets[i]
			}
			if inst.branch(depth) {
				if inst.leave() {
					return
				}
				code = inst.fn.code
			}
		case wasm.OpReturn:
			if inst.leave() {
				return
			}
			code = inst.fn.code

		case wasm.OpCall:
			callee := inst.mod.funcs[in.a]
			if callee.host != nil {
				inst.callHost(ctx, callee)
				continue
			}
			inst.enter(callee)
			code = callee.code
		case wasm.OpCallIndirect:
			callee := inst.resolveIndirect(in.a)
			if callee.host != nil {
				inst.callHost(ctx, callee)
				continue
			}
			inst.enter(callee)
			code = callee.code

		case wasm.OpDrop:
			inst.pop()
		case wasm.OpSelect:
			c := inst.popU32()
			b := inst.pop()
			a := inst.pop()
			if c != 0 {
				inst.push(a)
			} else {
				inst.push(b)
			}

		case wasm.OpLocalGet:
			inst.push(inst.stack[inst.base+int(in.a)])
		case wasm.OpLocalSet:
			inst.stack[inst.base+int(in.a)] = inst.pop()
		case wasm.OpLocalTee:
			v := inst.pop()
			inst.stack[inst.base+int(in.a)] = v
			inst.sp++
		case wasm.OpGlobalGet:
			inst.push(inst.globals[in.a])
		case wasm.OpGlobalSet:
			inst.globals[in.a] = inst.pop()

		case wasm.OpI32Load:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load32(ea)
			if !ok {
				inst.outOfBounds(ea, 4)
			}
			inst.pushU32(v)
		case wasm.OpI64Load:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load64(ea)
			if !ok {
				inst.outOfBounds(ea, 8)
			}
			inst.push(v)
		case wasm.OpF32Load:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load32(ea)
			if !ok {
				inst.outOfBounds(ea, 4)
			}
			inst.pushU32(v)
		case wasm.OpF64Load:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load64(ea)
			if !ok {
				inst.outOfBounds(ea, 8)
			}
			inst.push(v)
		case wasm.OpI32Load8S:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load8(ea)
			if !ok {
				inst.outOfBounds(ea, 1)
			}
			inst.pushU32(uint32(int32(int8(v))))
		case wasm.OpI32Load8U:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load8(ea)
			if !ok {
				inst.outOfBounds(ea, 1)
			}
			inst.pushU32(uint32(v))
		case wasm.OpI32Load16S:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load16(ea)
			if !ok {
				inst.outOfBounds(ea, 2)
			}
			inst.pushU32(uint32(int32(int16(v))))
		case wasm.OpI32Load16U:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load16(ea)
			if !ok {
				inst.outOfBounds(ea, 2)
			}
			inst.pushU32(uint32(v))
		case wasm.OpI64Load8S:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load8(ea)
			if !ok {
				inst.outOfBounds(ea, 1)
			}
			inst.push(uint64(int64(int8(v))))
		case wasm.OpI64Load8U:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load8(ea)
			if !ok {
				inst.outOfBounds(ea, 1)
			}
			inst.push(uint64(v))
		case wasm.OpI64Load16S:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load16(ea)
			if !ok {
				inst.outOfBounds(ea, 2)
			}
			inst.push(uint64(int64(int16(v))))
		case wasm.OpI64Load16U:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load16(ea)
			if !ok {
				inst.outOfBounds(ea, 2)
			}
			inst.push(uint64(v))
		case wasm.OpI64Load32S:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load32(ea)
			if !ok {
				inst.outOfBounds(ea, 4)
			}
			inst.push(uint64(int64(int32(v))))
		case wasm.OpI64Load32U:
			ea := uint64(inst.popU32()) + in.c
			v, ok := mem.Load32(ea)
			if !ok {
				inst.outOfBounds(ea, 4)
			}
			inst.push(uint64(v))

		case wasm.OpI32Store, wasm.OpF32Store:
			v := inst.popU32()
			ea := uint64(inst.popU32()) + in.c
			if !mem.Store32(ea, v) {
				inst.outOfBounds(ea, 4)
			}
		case wasm.OpI64Store, wasm.OpF64Store:
			v := inst.pop()
			ea := uint64(inst.popU32()) + in.c
			if !mem.Store64(ea, v) {
				inst.outOfBounds(ea, 8)
			}
		case wasm.OpI32Store8, wasm.OpI64Store8:
			v := inst.pop()
			ea := uint64(inst.popU32()) + in.c
			if !mem.Store8(ea, byte(v)) {
				inst.outOfBounds(ea, 1)
			}
		case wasm.OpI32Store16, wasm.OpI64Store16:
			v := inst.pop()
			ea := uint64(inst.popU32()) + in.c
			if !mem.Store16(ea, uint16(v)) {
				inst.outOfBounds(ea, 2)
			}
		case wasm.OpI64Store32:
			v := inst.pop()
			ea := uint64(inst.popU32()) + in.c
			if !mem.Store32(ea, uint32(v)) {
				inst.outOfBounds(ea, 4)
			}

		case wasm.OpMemorySize:
			inst.pushU32(mem.Pages())
		case wasm.OpMemoryGrow:
			prev, ok := mem.Grow(inst.popU32())
			if !ok {
				prev = 0xFFFFFFFF
			}
			inst.pushU32(prev)

		case wasm.OpI32Const, wasm.OpI64Const, wasm.OpF32Const, wasm.OpF64Const:
			inst.push(in.c)

		case wasm.OpPrefixMisc:
			inst.misc(in)

		default:
			inst.numeric(in.op)
		}
	}
}

func (inst *Instance) misc(in *instr) {
	mem := inst.mem
	switch uint32(in.sub) {
	case wasm.MiscMemoryInit:
		n := uint64(inst.popU32())
		src := uint64(inst.popU32())
		dst := uint64(inst.popU32())
		var seg []byte
		if !inst.dropped[in.a] {
			seg = inst.mod.data[in.a]
		}
		if src+n > uint64(len(seg)) {
			panic(errors.MemoryOutOfBounds(src, n, uint64(len(seg))))
		}
		if !mem.CopyIn(dst, seg[src:src+n]) {
			inst.outOfBounds(dst, n)
		}
	case wasm.MiscDataDrop:
		inst.dropped[in.a] = true
	case wasm.MiscMemoryCopy:
		n := uint64(inst.popU32())
		src := uint64(inst.popU32())
		dst := uint64(inst.popU32())
		if !mem.Copy(dst, src, n) {
			if dst+n > mem.Len() {
				inst.outOfBounds(dst, n)
			}
			inst.outOfBounds(src, n)
		}
	case wasm.MiscMemoryFill:
		n := uint64(inst.popU32())
		v := byte(inst.popU32())
		dst := uint64(inst.popU32())
		if !mem.Fill(dst, v, n) {
			inst.outOfBounds(dst, n)
		}
	default:
		inst.truncSat(uint32(in.sub))
	}
}
