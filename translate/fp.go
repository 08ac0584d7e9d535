package translate

import (
	"github.com/rv2wasm/corejit/riscv"
	"github.com/rv2wasm/corejit/wasmgen"
)

// lowerFP lowers RV64F/D: memory access through the same host-imported
// accessors as lowerLoad/lowerStore, arithmetic directly in wasm's
// native f32/f64 instruction set, and the handful of integer/float
// bit-move and compare instructions the ISA defines between the two
// register files.
func (b *builder) lowerFP(inst *riscv.Inst, pc uint64) {
	switch inst.Op {
	case riscv.OpFlw:
		b.lowerFLoad(inst, pc, 4)
	case riscv.OpFld:
		b.lowerFLoad(inst, pc, 8)
	case riscv.OpFsw:
		b.lowerFStore(inst, pc, 4)
	case riscv.OpFsd:
		b.lowerFStore(inst, pc, 8)

	case riscv.OpFaddS:
		b.binF32(inst, wasmgen.OpF32Add)
	case riscv.OpFsubS:
		b.binF32(inst, wasmgen.OpF32Sub)
	case riscv.OpFmulS:
		b.binF32(inst, wasmgen.OpF32Mul)
	case riscv.OpFdivS:
		b.binF32(inst, wasmgen.OpF32Div)
	case riscv.OpFsqrtS:
		b.pushF32(inst.Rs1)
		b.fn.Emit(wasmgen.OpF32Sqrt)
		b.popF32(inst.Rd)

	case riscv.OpFaddD:
		b.binF64(inst, wasmgen.OpF64Add)
	case riscv.OpFsubD:
		b.binF64(inst, wasmgen.OpF64Sub)
	case riscv.OpFmulD:
		b.binF64(inst, wasmgen.OpF64Mul)
	case riscv.OpFdivD:
		b.binF64(inst, wasmgen.OpF64Div)
	case riscv.OpFsqrtD:
		b.pushF64(inst.Rs1)
		b.fn.Emit(wasmgen.OpF64Sqrt)
		b.popF64(inst.Rd)

	case riscv.OpFmvXW:
		b.fn.EmitLocalGet(b.fLocalFor(inst.Rs1))
		b.fn.Emit(wasmgen.OpI32WrapI64)
		b.fn.Emit(wasmgen.OpI64ExtendI32S)
		b.popX(inst.Rd)
	case riscv.OpFmvWX:
		b.pushX(inst.Rs1)
		b.fn.Emit(wasmgen.OpI32WrapI64)
		b.fn.Emit(wasmgen.OpI64ExtendI32U)
		b.popFRaw(inst.Rd)

	// FCVT.* conversions use wasm's trunc instructions directly. RISC-V
	// defines out-of-range and NaN conversions to saturate to the
	// representable extreme rather than trap; this translator does not
	// implement that saturation and instead inherits wasm's trap on an
	// invalid truncation, a gap accepted for now.
	case riscv.OpFcvtWS:
		b.pushF32(inst.Rs1)
		b.fn.Emit(wasmgen.OpI32TruncF32S)
		b.fn.Emit(wasmgen.OpI64ExtendI32S)
		b.popX(inst.Rd)
	case riscv.OpFcvtSW:
		b.pushX(inst.Rs1)
		b.fn.Emit(wasmgen.OpI32WrapI64)
		b.fn.Emit(wasmgen.OpF32ConvertI32S)
		b.popF32(inst.Rd)
	case riscv.OpFcvtLD:
		b.pushF64(inst.Rs1)
		b.fn.Emit(wasmgen.OpI64TruncF64S)
		b.popX(inst.Rd)
	case riscv.OpFcvtDL:
		b.pushX(inst.Rs1)
		b.fn.Emit(wasmgen.OpF64ConvertI64S)
		b.popF64(inst.Rd)

	case riscv.OpFeqS:
		b.cmpF32(inst, wasmgen.OpF32Eq)
	case riscv.OpFltS:
		b.cmpF32(inst, wasmgen.OpF32Lt)
	case riscv.OpFleS:
		b.cmpF32(inst, wasmgen.OpF32Le)
	case riscv.OpFeqD:
		b.cmpF64(inst, wasmgen.OpF64Eq)
	case riscv.OpFltD:
		b.cmpF64(inst, wasmgen.OpF64Lt)
	case riscv.OpFleD:
		b.cmpF64(inst, wasmgen.OpF64Le)

	default:
		b.finishConst(ReasonIllegal, pc)
	}
}

func (b *builder) lowerFLoad(inst *riscv.Inst, pc uint64, width int32) {
	b.pushX(inst.Rs1)
	b.fn.EmitI64Const(inst.Imm)
	b.fn.Emit(wasmgen.OpI64Add)
	b.fn.EmitI32Const(width)
	b.fn.EmitI32Const(0)
	b.fn.EmitCall(b.imports.LoadGuest)

	val := b.scratch(wasmgen.I64)
	b.fn.EmitLocalSet(val)

	b.fn.EmitCall(b.imports.Faulted)
	b.fn.EmitIf()
	b.finishConst(ReasonTrap, pc)
	b.fn.EmitElse()
	b.fn.EmitLocalGet(val)
	b.popFRaw(inst.Rd)
	b.fn.EmitEnd()
}

func (b *builder) lowerFStore(inst *riscv.Inst, pc uint64, width int32) {
	b.pushX(inst.Rs1)
	b.fn.EmitI64Const(inst.Imm)
	b.fn.Emit(wasmgen.OpI64Add)
	b.fn.EmitI32Const(width)
	b.fn.EmitLocalGet(b.fLocalFor(inst.Rs2))
	b.fn.EmitCall(b.imports.StoreGuest)

	b.fn.EmitCall(b.imports.Faulted)
	b.fn.EmitIf()
	b.finishConst(ReasonTrap, pc)
	b.fn.EmitEnd()
}

func (b *builder) binF32(inst *riscv.Inst, op byte) {
	b.pushF32(inst.Rs1)
	b.pushF32(inst.Rs2)
	b.fn.Emit(op)
	b.popF32(inst.Rd)
}

func (b *builder) binF64(inst *riscv.Inst, op byte) {
	b.pushF64(inst.Rs1)
	b.pushF64(inst.Rs2)
	b.fn.Emit(op)
	b.popF64(inst.Rd)
}

func (b *builder) cmpF32(inst *riscv.Inst, op byte) {
	b.pushF32(inst.Rs1)
	b.pushF32(inst.Rs2)
	b.fn.Emit(op)
	b.fn.Emit(wasmgen.OpI64ExtendI32U)
	b.popX(inst.Rd)
}

func (b *builder) cmpF64(inst *riscv.Inst, op byte) {
	b.pushF64(inst.Rs1)
	b.pushF64(inst.Rs2)
	b.fn.Emit(op)
	b.fn.Emit(wasmgen.OpI64ExtendI32U)
	b.popX(inst.Rd)
}
