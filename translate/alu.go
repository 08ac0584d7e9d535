package translate

import (
	"github.com/rv2wasm/corejit/riscv"
	"github.com/rv2wasm/corejit/wasmgen"
)

// lowerALUR lowers RV64I/M register-register arithmetic: rd = rs1 OP
// rs2. W-suffixed ops compute in the 32-bit domain and sign-extend the
// result, per the ISA.
func (b *builder) lowerALUR(inst *riscv.Inst, pc uint64) {
	w32 := isW32(inst.Op)

	switch inst.Op {
	case riscv.OpAdd, riscv.OpAddw:
		b.binALU(inst, opPair{wasmgen.OpI32Add, wasmgen.OpI64Add}, w32)
	case riscv.OpSub, riscv.OpSubw:
		b.binALU(inst, opPair{wasmgen.OpI32Sub, wasmgen.OpI64Sub}, w32)
	case riscv.OpSll, riscv.OpSllw:
		b.binALU(inst, opPair{wasmgen.OpI32Shl, wasmgen.OpI64Shl}, w32)
	case riscv.OpSrl, riscv.OpSrlw:
		b.binALU(inst, opPair{wasmgen.OpI32ShrU, wasmgen.OpI64ShrU}, w32)
	case riscv.OpSra, riscv.OpSraw:
		b.binALU(inst, opPair{wasmgen.OpI32ShrS, wasmgen.OpI64ShrS}, w32)
	case riscv.OpXor:
		b.binALU(inst, opPair{0, wasmgen.OpI64Xor}, false)
	case riscv.OpOr:
		b.binALU(inst, opPair{0, wasmgen.OpI64Or}, false)
	case riscv.OpAnd:
		b.binALU(inst, opPair{0, wasmgen.OpI64And}, false)
	case riscv.OpSlt:
		b.compareSet(inst, wasmgen.OpI64LtS)
	case riscv.OpSltu:
		b.compareSet(inst, wasmgen.OpI64LtU)
	case riscv.OpMul, riscv.OpMulw:
		b.binALU(inst, opPair{wasmgen.OpI32Mul, wasmgen.OpI64Mul}, w32)
	case riscv.OpMulh:
		b.mulh(inst, true, true)
	case riscv.OpMulhu:
		b.mulh(inst, false, false)
	case riscv.OpMulhsu:
		b.mulh(inst, true, false)
	case riscv.OpDiv, riscv.OpDivw:
		b.divRem(inst, true, true, w32)
	case riscv.OpDivu, riscv.OpDivuw:
		b.divRem(inst, true, false, w32)
	case riscv.OpRem, riscv.OpRemw:
		b.divRem(inst, false, true, w32)
	case riscv.OpRemu, riscv.OpRemuw:
		b.divRem(inst, false, false, w32)
	default:
		b.finishConst(ReasonIllegal, pc)
	}
}

// lowerALUI lowers RV64I register-immediate arithmetic: rd = rs1 OP imm.
func (b *builder) lowerALUI(inst *riscv.Inst, pc uint64) {
	w32 := isW32(inst.Op)

	switch inst.Op {
	case riscv.OpAddi, riscv.OpAddiw:
		b.binALUImm(inst, opPair{wasmgen.OpI32Add, wasmgen.OpI64Add}, w32)
	case riscv.OpXori:
		b.binALUImm(inst, opPair{0, wasmgen.OpI64Xor}, false)
	case riscv.OpOri:
		b.binALUImm(inst, opPair{0, wasmgen.OpI64Or}, false)
	case riscv.OpAndi:
		b.binALUImm(inst, opPair{0, wasmgen.OpI64And}, false)
	case riscv.OpSlli, riscv.OpSlliw:
		b.binALUImm(inst, opPair{wasmgen.OpI32Shl, wasmgen.OpI64Shl}, w32)
	case riscv.OpSrli, riscv.OpSrliw:
		b.binALUImm(inst, opPair{wasmgen.OpI32ShrU, wasmgen.OpI64ShrU}, w32)
	case riscv.OpSrai, riscv.OpSraiw:
		b.binALUImm(inst, opPair{wasmgen.OpI32ShrS, wasmgen.OpI64ShrS}, w32)
	case riscv.OpSlti:
		b.pushX(inst.Rs1)
		b.fn.EmitI64Const(inst.Imm)
		b.fn.Emit(wasmgen.OpI64LtS)
		b.fn.Emit(wasmgen.OpI64ExtendI32U)
		b.popX(inst.Rd)
	case riscv.OpSltiu:
		b.pushX(inst.Rs1)
		b.fn.EmitI64Const(inst.Imm)
		b.fn.Emit(wasmgen.OpI64LtU)
		b.fn.Emit(wasmgen.OpI64ExtendI32U)
		b.popX(inst.Rd)
	case riscv.OpLui:
		b.fn.EmitI64Const(inst.Imm)
		b.popX(inst.Rd)
	case riscv.OpAuipc:
		b.fn.EmitI64Const(int64(pc) + inst.Imm)
		b.popX(inst.Rd)
	default:
		b.finishConst(ReasonIllegal, pc)
	}
}

// opPair names the 32-bit and 64-bit wasm opcodes implementing one
// arithmetic operation. A zero op32 marks bitwise ops that don't need a
// 32-bit form: AND/OR/XOR produce identical low bits regardless of
// whether the computation happens at 32 or 64 bits, so RV64 has no W
// variant of them and this translator never asks for one.
type opPair struct {
	op32, op64 byte
}

func isW32(op riscv.Op) bool {
	switch op {
	case riscv.OpAddw, riscv.OpSubw, riscv.OpSllw, riscv.OpSrlw, riscv.OpSraw,
		riscv.OpAddiw, riscv.OpSlliw, riscv.OpSrliw, riscv.OpSraiw,
		riscv.OpMulw, riscv.OpDivw, riscv.OpDivuw, riscv.OpRemw, riscv.OpRemuw:
		return true
	default:
		return false
	}
}

func (b *builder) binALU(inst *riscv.Inst, ops opPair, w32 bool) {
	b.pushX(inst.Rs1)
	b.pushX(inst.Rs2)
	b.applyBin(ops, w32)
	b.popX(inst.Rd)
}

func (b *builder) binALUImm(inst *riscv.Inst, ops opPair, w32 bool) {
	b.pushX(inst.Rs1)
	b.fn.EmitI64Const(inst.Imm)
	b.applyBin(ops, w32)
	b.popX(inst.Rd)
}

// applyBin consumes two i64 operands already on the stack and leaves
// one i64 result, computing at 32 bits (and sign-extending) when w32.
func (b *builder) applyBin(ops opPair, w32 bool) {
	if !w32 {
		b.fn.Emit(ops.op64)
		return
	}
	// Operands are on the stack as [a, b]; wrap both to i32 in place by
	// rebuilding the sequence through scratch locals, since wasm has no
	// "wrap the operand two slots down" instruction.
	bLocal := b.scratch(wasmgen.I64)
	aLocal := b.scratch(wasmgen.I64)
	b.fn.EmitLocalSet(bLocal)
	b.fn.EmitLocalSet(aLocal)
	b.fn.EmitLocalGet(aLocal)
	b.fn.Emit(wasmgen.OpI32WrapI64)
	b.fn.EmitLocalGet(bLocal)
	b.fn.Emit(wasmgen.OpI32WrapI64)
	b.fn.Emit(ops.op32)
	b.fn.Emit(wasmgen.OpI64ExtendI32S)
}

func (b *builder) compareSet(inst *riscv.Inst, cmp byte) {
	b.pushX(inst.Rs1)
	b.pushX(inst.Rs2)
	b.fn.Emit(cmp)
	b.fn.Emit(wasmgen.OpI64ExtendI32U)
	b.popX(inst.Rd)
}

// mulh computes the high 64 bits of a 128-bit product. Wasm has no
// 128-bit multiply, so this widens by splitting each operand into two
// 32-bit halves and combining the four partial products — the standard
// software 64x64->128 multiply, specialized to only the high half.
func (b *builder) mulh(inst *riscv.Inst, rs1Signed, rs2Signed bool) {
	a := b.scratch(wasmgen.I64)
	bb := b.scratch(wasmgen.I64)
	b.pushX(inst.Rs1)
	b.fn.EmitLocalSet(a)
	b.pushX(inst.Rs2)
	b.fn.EmitLocalSet(bb)

	// Sign-extend negative operands to a 128-bit-equivalent by computing
	// the high word with correction terms: for signed operands, if the
	// operand is negative the cross term needs the other operand
	// subtracted once, scaled by 2^64. Implemented with explicit
	// unsigned 64x64 partial products on the 32-bit halves.
	aLo, aHi := b.scratch(wasmgen.I64), b.scratch(wasmgen.I64)
	bLo, bHi := b.scratch(wasmgen.I64), b.scratch(wasmgen.I64)
	b.splitHalves(a, aLo, aHi)
	b.splitHalves(bb, bLo, bHi)

	// lo*lo carries into the result only through its own high 32 bits.
	loLo := b.scratch(wasmgen.I64)
	b.fn.EmitLocalGet(aLo)
	b.fn.EmitLocalGet(bLo)
	b.fn.Emit(wasmgen.OpI64Mul)
	b.fn.EmitLocalSet(loLo)

	mid := b.scratch(wasmgen.I64)
	// mid = aLo*bHi + aHi*bLo + (loLo >> 32)
	b.fn.EmitLocalGet(aLo)
	b.fn.EmitLocalGet(bHi)
	b.fn.Emit(wasmgen.OpI64Mul)
	b.fn.EmitLocalGet(aHi)
	b.fn.EmitLocalGet(bLo)
	b.fn.Emit(wasmgen.OpI64Mul)
	b.fn.Emit(wasmgen.OpI64Add)
	b.fn.EmitLocalGet(loLo)
	b.fn.EmitI64Const(32)
	b.fn.Emit(wasmgen.OpI64ShrU)
	b.fn.Emit(wasmgen.OpI64Add)
	b.fn.EmitLocalSet(mid)

	// high = aHi*bHi + (mid >> 32)
	b.fn.EmitLocalGet(aHi)
	b.fn.EmitLocalGet(bHi)
	b.fn.Emit(wasmgen.OpI64Mul)
	b.fn.EmitLocalGet(mid)
	b.fn.EmitI64Const(32)
	b.fn.Emit(wasmgen.OpI64ShrU)
	b.fn.Emit(wasmgen.OpI64Add)

	high := b.scratch(wasmgen.I64)
	b.fn.EmitLocalSet(high)

	// Signed correction: MULH/MULHSU treat their signed operand(s) as
	// two's complement, so subtract the other operand once for each
	// negative signed operand (a*b computed unsigned over-counts by
	// 2^64*other when the signed operand is actually negative).
	if rs1Signed {
		b.correctMulhSign(a, bb, high)
	}
	if rs2Signed {
		b.correctMulhSign(bb, a, high)
	}

	b.fn.EmitLocalGet(high)
	b.popX(inst.Rd)
}

func (b *builder) splitHalves(src, lo, hi wasmgen.Local) {
	b.fn.EmitLocalGet(src)
	b.fn.EmitI64Const(0xFFFFFFFF)
	b.fn.Emit(wasmgen.OpI64And)
	b.fn.EmitLocalSet(lo)
	b.fn.EmitLocalGet(src)
	b.fn.EmitI64Const(32)
	b.fn.Emit(wasmgen.OpI64ShrU)
	b.fn.EmitLocalSet(hi)
}

// correctMulhSign subtracts other from high (in place) when signed is
// negative, implementing the signed-operand correction mulh needs.
func (b *builder) correctMulhSign(signed, other, high wasmgen.Local) {
	b.fn.EmitLocalGet(signed)
	b.fn.EmitI64Const(0)
	b.fn.Emit(wasmgen.OpI64LtS)
	b.fn.EmitIf()
	b.fn.EmitLocalGet(high)
	b.fn.EmitLocalGet(other)
	b.fn.Emit(wasmgen.OpI64Sub)
	b.fn.EmitLocalSet(high)
	b.fn.EmitEnd()
}

// divRem lowers DIV/DIVU/REM/REMU (and their W forms). RISC-V defines a
// total result for division by zero and for signed overflow rather than
// trapping, so this never relies on wasm's div/rem traps — it tests for
// both edge cases first and selects the ISA-mandated result instead of
// letting the host instruction run on operands that would trap it.
func (b *builder) divRem(inst *riscv.Inst, isDiv, signed, w32 bool) {
	dividend := b.scratch(wasmgen.I64)
	divisor := b.scratch(wasmgen.I64)
	b.pushX(inst.Rs1)
	if w32 {
		b.fn.Emit(wasmgen.OpI32WrapI64)
		b.fn.Emit(boolPick(signed, wasmgen.OpI64ExtendI32S, wasmgen.OpI64ExtendI32U))
	}
	b.fn.EmitLocalSet(dividend)
	b.pushX(inst.Rs2)
	if w32 {
		b.fn.Emit(wasmgen.OpI32WrapI64)
		b.fn.Emit(boolPick(signed, wasmgen.OpI64ExtendI32S, wasmgen.OpI64ExtendI32U))
	}
	b.fn.EmitLocalSet(divisor)

	// Divide-by-zero: DIV/DIVU return all-ones, REM/REMU return the
	// dividend unchanged.
	b.fn.EmitLocalGet(divisor)
	b.fn.EmitI64Const(0)
	b.fn.Emit(wasmgen.OpI64Eq)
	b.fn.EmitIf()
	if isDiv {
		b.fn.EmitI64Const(-1)
	} else {
		b.fn.EmitLocalGet(dividend)
	}
	b.fn.EmitElse()

	minOverflow := signed && isDiv
	if minOverflow {
		// Signed overflow: MinInt64 / -1 (or the 32-bit MinInt32 form,
		// already sign-extended into dividend/divisor above) is defined
		// to return the dividend; REM in the same situation returns 0,
		// handled in the !isDiv signed arm below instead.
		b.fn.EmitLocalGet(dividend)
		b.fn.EmitI64Const(minInt(w32))
		b.fn.Emit(wasmgen.OpI64Eq)
		b.fn.EmitLocalGet(divisor)
		b.fn.EmitI64Const(-1)
		b.fn.Emit(wasmgen.OpI64Eq)
		b.fn.Emit(wasmgen.OpI32And)
		b.fn.EmitIf()
		b.fn.EmitLocalGet(dividend)
		b.fn.EmitElse()
		b.emitDivRem(dividend, divisor, isDiv, signed)
		b.fn.EmitEnd()
	} else if signed && !isDiv {
		b.fn.EmitLocalGet(dividend)
		b.fn.EmitI64Const(minInt(w32))
		b.fn.Emit(wasmgen.OpI64Eq)
		b.fn.EmitLocalGet(divisor)
		b.fn.EmitI64Const(-1)
		b.fn.Emit(wasmgen.OpI64Eq)
		b.fn.Emit(wasmgen.OpI32And)
		b.fn.EmitIf()
		b.fn.EmitI64Const(0)
		b.fn.EmitElse()
		b.emitDivRem(dividend, divisor, isDiv, signed)
		b.fn.EmitEnd()
	} else {
		b.emitDivRem(dividend, divisor, isDiv, signed)
	}

	b.fn.EmitEnd() // divisor==0 if/else

	if w32 {
		b.fn.Emit(wasmgen.OpI32WrapI64)
		b.fn.Emit(wasmgen.OpI64ExtendI32S)
	}
	b.popX(inst.Rd)
}

func (b *builder) emitDivRem(dividend, divisor wasmgen.Local, isDiv, signed bool) {
	b.fn.EmitLocalGet(dividend)
	b.fn.EmitLocalGet(divisor)
	switch {
	case isDiv && signed:
		b.fn.Emit(wasmgen.OpI64DivS)
	case isDiv && !signed:
		b.fn.Emit(wasmgen.OpI64DivU)
	case !isDiv && signed:
		b.fn.Emit(wasmgen.OpI64RemS)
	default:
		b.fn.Emit(wasmgen.OpI64RemU)
	}
}

func minInt(w32 bool) int64 {
	if w32 {
		return int64(int32(-1 << 31))
	}
	return int64(-1 << 63)
}

func boolPick(cond bool, a, c byte) byte {
	if cond {
		return a
	}
	return c
}
