package translate

import (
	"github.com/rv2wasm/corejit/riscv"
	"github.com/rv2wasm/corejit/wasmgen"
)

// loadWidthSign returns the access width in bytes and whether the loaded
// value should be sign-extended, for a Load-class op.
func loadWidthSign(op riscv.Op) (width int32, signed int32) {
	switch op {
	case riscv.OpLb:
		return 1, 1
	case riscv.OpLh:
		return 2, 1
	case riscv.OpLw:
		return 4, 1
	case riscv.OpLd:
		return 8, 1
	case riscv.OpLbu:
		return 1, 0
	case riscv.OpLhu:
		return 2, 0
	case riscv.OpLwu:
		return 4, 0
	default:
		return 8, 1
	}
}

func storeWidth(op riscv.Op) int32 {
	switch op {
	case riscv.OpSb:
		return 1
	case riscv.OpSh:
		return 2
	case riscv.OpSw:
		return 4
	default:
		return 8
	}
}

// lowerLoad lowers a guest memory load through the host-imported
// load_guest accessor (split into two calls if the access straddles a
// page, via emitSplitLoad), checking faulted() immediately after each
// call since wasm has no synchronous exception to carry a page fault back.
func (b *builder) lowerLoad(inst *riscv.Inst, pc uint64) {
	width, signed := loadWidthSign(inst.Op)

	addr := b.scratch(wasmgen.I64)
	b.pushX(inst.Rs1)
	b.fn.EmitI64Const(inst.Imm)
	b.fn.Emit(wasmgen.OpI64Add)
	b.fn.EmitLocalSet(addr)

	val := b.emitSplitLoad(addr, width, signed, pc)
	b.fn.EmitLocalGet(val)
	b.popX(inst.Rd)
}

// lowerStore lowers a guest memory store through store_guest, splitting
// into two calls if the access straddles a page (emitSplitStore).
func (b *builder) lowerStore(inst *riscv.Inst, pc uint64) {
	width := storeWidth(inst.Op)

	addr := b.scratch(wasmgen.I64)
	b.pushX(inst.Rs1)
	b.fn.EmitI64Const(inst.Imm)
	b.fn.Emit(wasmgen.OpI64Add)
	b.fn.EmitLocalSet(addr)

	value := b.scratch(wasmgen.I64)
	b.pushX(inst.Rs2)
	b.fn.EmitLocalSet(value)

	b.emitSplitStore(addr, value, width, pc)
}

// lowerAMO lowers RV64A: LR/SC via lr_mark/sc_check, and the generic
// read-modify-write AMOs via a load, an in-wasm compute, and a store.
// The load and the store each check faulted() through emitSplitLoad/
// emitSplitStore, so a faulting load traps before the store half ever
// runs.
func (b *builder) lowerAMO(inst *riscv.Inst, pc uint64) {
	switch inst.Op {
	case riscv.OpLrW, riscv.OpLrD:
		b.lowerLR(inst, pc)
	case riscv.OpScW, riscv.OpScD:
		b.lowerSC(inst, pc)
	default:
		b.lowerGenericAMO(inst, pc)
	}
}

func (b *builder) lowerLR(inst *riscv.Inst, pc uint64) {
	width := int32(8)
	if inst.Op == riscv.OpLrW {
		width = 4
	}

	addr := b.scratch(wasmgen.I64)
	b.pushX(inst.Rs1)
	b.fn.EmitLocalSet(addr)

	b.fn.EmitLocalGet(addr)
	b.fn.EmitCall(b.imports.LrMark)

	val := b.emitSplitLoad(addr, width, 1, pc)
	b.fn.EmitLocalGet(val)
	b.popX(inst.Rd)
}

func (b *builder) lowerSC(inst *riscv.Inst, pc uint64) {
	width := int32(8)
	if inst.Op == riscv.OpScW {
		width = 4
	}

	addr := b.scratch(wasmgen.I64)
	b.pushX(inst.Rs1)
	b.fn.EmitLocalSet(addr)

	ok := b.scratch(wasmgen.I32)
	b.fn.EmitLocalGet(addr)
	b.fn.EmitCall(b.imports.ScCheck)
	b.fn.EmitLocalSet(ok)

	b.fn.EmitLocalGet(ok)
	b.fn.EmitIf()
	value := b.scratch(wasmgen.I64)
	b.pushX(inst.Rs2)
	b.fn.EmitLocalSet(value)
	b.emitSplitStore(addr, value, width, pc)
	b.fn.EmitI64Const(0) // success
	b.popX(inst.Rd)
	b.fn.EmitElse()
	b.fn.EmitI64Const(1) // reservation missed
	b.popX(inst.Rd)
	b.fn.EmitEnd()
}

type amoOp struct {
	width      int32
	w32        bool
	loadSigned int32
	apply      func(b *builder, oldV, rs2 wasmgen.Local)
}

// lowerGenericAMO loads the old value, computes the new one in wasm,
// and stores it back. For W-form ops, rs2 is re-wrapped to 32 bits and
// re-extended with the same signedness as the load: harmless for
// ADD/SUB/AND/OR/XOR/swap, whose low 32 result bits depend only on
// each operand's low 32 bits regardless of what's above them, but
// required for MIN/MAX, whose comparison must see the same 32-bit
// value the ISA defines rather than whatever garbage rs2's upper bits
// hold.
func (b *builder) lowerGenericAMO(inst *riscv.Inst, pc uint64) {
	a := amoTable(inst.Op)

	addr := b.scratch(wasmgen.I64)
	b.pushX(inst.Rs1)
	b.fn.EmitLocalSet(addr)

	rs2 := b.scratch(wasmgen.I64)
	b.pushX(inst.Rs2)
	if a.w32 {
		b.fn.Emit(wasmgen.OpI32WrapI64)
		b.fn.Emit(boolPick(a.loadSigned != 0, wasmgen.OpI64ExtendI32S, wasmgen.OpI64ExtendI32U))
	}
	b.fn.EmitLocalSet(rs2)

	oldV := b.emitSplitLoad(addr, a.width, a.loadSigned, pc)

	newV := b.scratch(wasmgen.I64)
	a.apply(b, oldV, rs2)
	b.fn.EmitLocalSet(newV)

	b.emitSplitStore(addr, newV, a.width, pc)

	b.fn.EmitLocalGet(oldV)
	b.popX(inst.Rd)
}

func amoTable(op riscv.Op) amoOp {
	switch op {
	case riscv.OpAmoswapW:
		return amoOp{4, true, 1, amoSwap}
	case riscv.OpAmoswapD:
		return amoOp{8, false, 1, amoSwap}
	case riscv.OpAmoaddW:
		return amoOp{4, true, 1, amoBin(wasmgen.OpI64Add)}
	case riscv.OpAmoaddD:
		return amoOp{8, false, 1, amoBin(wasmgen.OpI64Add)}
	case riscv.OpAmoandW:
		return amoOp{4, true, 1, amoBin(wasmgen.OpI64And)}
	case riscv.OpAmoandD:
		return amoOp{8, false, 1, amoBin(wasmgen.OpI64And)}
	case riscv.OpAmoorW:
		return amoOp{4, true, 1, amoBin(wasmgen.OpI64Or)}
	case riscv.OpAmoorD:
		return amoOp{8, false, 1, amoBin(wasmgen.OpI64Or)}
	case riscv.OpAmoxorW:
		return amoOp{4, true, 1, amoBin(wasmgen.OpI64Xor)}
	case riscv.OpAmoxorD:
		return amoOp{8, false, 1, amoBin(wasmgen.OpI64Xor)}
	case riscv.OpAmominW:
		return amoOp{4, true, 1, amoMinMax(wasmgen.OpI64LtS)}
	case riscv.OpAmominD:
		return amoOp{8, false, 1, amoMinMax(wasmgen.OpI64LtS)}
	case riscv.OpAmomaxW:
		return amoOp{4, true, 1, amoMinMax(wasmgen.OpI64GtS)}
	case riscv.OpAmomaxD:
		return amoOp{8, false, 1, amoMinMax(wasmgen.OpI64GtS)}
	case riscv.OpAmominuW:
		return amoOp{4, true, 0, amoMinMax(wasmgen.OpI64LtU)}
	case riscv.OpAmominuD:
		return amoOp{8, false, 0, amoMinMax(wasmgen.OpI64LtU)}
	case riscv.OpAmomaxuW:
		return amoOp{4, true, 0, amoMinMax(wasmgen.OpI64GtU)}
	case riscv.OpAmomaxuD:
		return amoOp{8, false, 0, amoMinMax(wasmgen.OpI64GtU)}
	default:
		return amoOp{8, false, 1, amoSwap}
	}
}

func amoSwap(b *builder, oldV, rs2 wasmgen.Local) {
	b.fn.EmitLocalGet(rs2)
}

func amoBin(op byte) func(b *builder, oldV, rs2 wasmgen.Local) {
	return func(b *builder, oldV, rs2 wasmgen.Local) {
		b.fn.EmitLocalGet(oldV)
		b.fn.EmitLocalGet(rs2)
		b.fn.Emit(op)
	}
}

func amoMinMax(cmp byte) func(b *builder, oldV, rs2 wasmgen.Local) {
	return func(b *builder, oldV, rs2 wasmgen.Local) {
		b.fn.EmitLocalGet(oldV)
		b.fn.EmitLocalGet(rs2)
		b.fn.EmitLocalGet(oldV)
		b.fn.EmitLocalGet(rs2)
		b.fn.Emit(cmp)
		b.fn.EmitSelect()
	}
}
