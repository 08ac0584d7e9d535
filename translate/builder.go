package translate

import (
	"github.com/rv2wasm/corejit/riscv"
	"github.com/rv2wasm/corejit/state"
	"github.com/rv2wasm/corejit/wasmgen"
)

// builder lowers one basic block's decoded instructions into a single
// wasm Function. GPRs and FPRs touched during the block are lazily
// mapped to wasm locals on first read or write; every dirty local is
// written back to the register-file memory at each of the block's exit
// points (there is no single exit point once a block contains a
// conditional branch, so writeback is emitted once per finish* call
// rather than once at the end of the function).
type builder struct {
	fn       *wasmgen.Function
	layout   Layout
	imports  Imports
	vt       riscv.Vtype
	pageSize uint32

	xLocal map[uint8]wasmgen.Local
	xDirty map[uint8]bool
	fLocal map[uint8]wasmgen.Local
	fDirty map[uint8]bool
}

func newBuilder(fn *wasmgen.Function, layout Layout, imports Imports, vt riscv.Vtype, pageSize uint32) *builder {
	return &builder{
		fn:       fn,
		layout:   layout,
		imports:  imports,
		vt:       vt,
		pageSize: pageSize,
		xLocal:   make(map[uint8]wasmgen.Local),
		xDirty:   make(map[uint8]bool),
		fLocal:   make(map[uint8]wasmgen.Local),
		fDirty:   make(map[uint8]bool),
	}
}

// lower appends the wasm instructions implementing inst, which started
// at guest PC pc, to the function body.
func (b *builder) lower(inst *riscv.Inst, pc uint64) {
	switch inst.Class {
	case riscv.ClassALUR:
		b.lowerALUR(inst, pc)
	case riscv.ClassALUI:
		b.lowerALUI(inst, pc)
	case riscv.ClassBranch:
		b.lowerBranch(inst, pc)
	case riscv.ClassJump:
		b.lowerJump(inst, pc)
	case riscv.ClassLoad:
		b.lowerLoad(inst, pc)
	case riscv.ClassStore:
		b.lowerStore(inst, pc)
	case riscv.ClassSystem:
		b.lowerSystem(inst, pc)
	case riscv.ClassAMO:
		b.lowerAMO(inst, pc)
	case riscv.ClassFP:
		b.lowerFP(inst, pc)
	case riscv.ClassVectorConfig:
		b.lowerVectorConfig(inst, pc)
	case riscv.ClassVectorALU:
		b.lowerVectorALU(inst)
	case riscv.ClassVectorLoadStore:
		b.lowerVectorLoadStore(inst, pc)
	default:
		b.finishConst(ReasonIllegal, pc)
	}
}

// scratch allocates a fresh, uncached local for transient use within the
// lowering of a single instruction (e.g. a JALR target, an AMO's old
// value). Unlike xLocal/fLocal it is never written back.
func (b *builder) scratch(t wasmgen.ValType) wasmgen.Local {
	return b.fn.AddLocal(t)
}

// pushX emits code that leaves GPR reg's current value on the stack.
func (b *builder) pushX(reg uint8) {
	if reg == 0 {
		b.fn.EmitI64Const(0)
		return
	}
	b.fn.EmitLocalGet(b.xLocalFor(reg))
}

func (b *builder) xLocalFor(reg uint8) wasmgen.Local {
	if l, ok := b.xLocal[reg]; ok {
		return l
	}
	l := b.fn.AddLocal(wasmgen.I64)
	b.xLocal[reg] = l
	b.fn.EmitI32Const(0)
	b.fn.EmitLoad(wasmgen.OpI64Load, 3, b.layout.XOffset(reg))
	b.fn.EmitLocalSet(l)
	return l
}

// popX consumes the i64 on top of the stack and stores it as GPR reg's
// new value, marking it dirty for writeback. Writes to x0 are discarded.
func (b *builder) popX(reg uint8) {
	if reg == 0 {
		b.fn.EmitDrop()
		return
	}
	l, ok := b.xLocal[reg]
	if !ok {
		l = b.fn.AddLocal(wasmgen.I64)
		b.xLocal[reg] = l
	}
	b.fn.EmitLocalSet(l)
	b.xDirty[reg] = true
}

func (b *builder) fLocalFor(reg uint8) wasmgen.Local {
	if l, ok := b.fLocal[reg]; ok {
		return l
	}
	l := b.fn.AddLocal(wasmgen.I64)
	b.fLocal[reg] = l
	b.fn.EmitI32Const(0)
	b.fn.EmitLoad(wasmgen.OpI64Load, 3, b.layout.FOffset(reg))
	b.fn.EmitLocalSet(l)
	return l
}

// popFRaw consumes the i64 bit pattern on top of the stack into FPR reg.
func (b *builder) popFRaw(reg uint8) {
	l, ok := b.fLocal[reg]
	if !ok {
		l = b.fn.AddLocal(wasmgen.I64)
		b.fLocal[reg] = l
	}
	b.fn.EmitLocalSet(l)
	b.fDirty[reg] = true
}

// pushF64/popF64 convert FPR reg's raw bit pattern to/from an f64 value
// on the stack. Single-precision values are carried in the low 32 bits
// of the same 64-bit slot; the upper bits are zeroed rather than
// NaN-boxed, a simplification this translator accepts since it never
// needs to distinguish a NaN-boxed single from a double by inspecting
// those bits.
func (b *builder) pushF64(reg uint8) {
	b.fn.EmitLocalGet(b.fLocalFor(reg))
	b.fn.Emit(wasmgen.OpF64ReinterpretI64)
}

func (b *builder) popF64(reg uint8) {
	b.fn.Emit(wasmgen.OpI64ReinterpretF64)
	b.popFRaw(reg)
}

func (b *builder) pushF32(reg uint8) {
	b.fn.EmitLocalGet(b.fLocalFor(reg))
	b.fn.Emit(wasmgen.OpI32WrapI64)
	b.fn.Emit(wasmgen.OpF32ReinterpretI32)
}

func (b *builder) popF32(reg uint8) {
	b.fn.Emit(wasmgen.OpI32ReinterpretF32)
	b.fn.Emit(wasmgen.OpI64ExtendI32U)
	b.popFRaw(reg)
}

// emitWriteback stores every local currently marked dirty back to the
// register-file memory. Called by finishConst/finishDynamic immediately
// before every return, never once globally, since a block with a
// conditional branch has more than one exit point.
func (b *builder) emitWriteback() {
	for reg, l := range b.xLocal {
		if !b.xDirty[reg] {
			continue
		}
		b.fn.EmitI32Const(0)
		b.fn.EmitLocalGet(l)
		b.fn.EmitStore(wasmgen.OpI64Store, 3, b.layout.XOffset(reg))
	}
	for reg, l := range b.fLocal {
		if !b.fDirty[reg] {
			continue
		}
		b.fn.EmitI32Const(0)
		b.fn.EmitLocalGet(l)
		b.fn.EmitStore(wasmgen.OpI64Store, 3, b.layout.FOffset(reg))
	}
}

// finishConst writes back dirty locals and returns with a successor PC
// known at translation time.
func (b *builder) finishConst(reason Reason, pc uint64) {
	b.emitWriteback()
	b.fn.EmitI64Const(PackResult(reason, pc))
	b.fn.EmitReturn()
}

// finishDynamic writes back dirty locals and returns with a successor
// PC computed at runtime, already on top of the stack as an i64.
func (b *builder) finishDynamic(reason Reason) {
	target := b.scratch(wasmgen.I64)
	b.fn.EmitLocalSet(target)
	b.emitWriteback()
	b.fn.EmitLocalGet(target)
	b.fn.EmitI64Const(1<<reasonShift - 1)
	b.fn.Emit(wasmgen.OpI64And)
	b.fn.EmitI64Const(int64(uint64(reason) << reasonShift))
	b.fn.Emit(wasmgen.OpI64Or)
	b.fn.EmitReturn()
}

// forEachElement emits a counted loop over the active vector length
// currently recorded in the CSR region (vl), invoking body once per
// iteration with an i32 local holding the element index. Per-element
// masking (vm=0) is not applied — every element in range is visited
// regardless of the v0 mask register's bits, a scalar-fallback
// simplification shared with the rest of this translator's RVV support.
func (b *builder) forEachElement(body func(idx wasmgen.Local)) {
	vlBits := b.scratch(wasmgen.I64)
	b.fn.EmitI32Const(0)
	b.fn.EmitLoad(wasmgen.OpI64Load, 3, b.layout.CsrOffset(state.CsrVl))
	b.fn.EmitLocalSet(vlBits)

	vl32 := b.scratch(wasmgen.I32)
	b.fn.EmitLocalGet(vlBits)
	b.fn.Emit(wasmgen.OpI32WrapI64)
	b.fn.EmitLocalSet(vl32)

	idx := b.scratch(wasmgen.I32)
	b.fn.EmitI32Const(0)
	b.fn.EmitLocalSet(idx)

	b.fn.EmitBlock()
	b.fn.EmitLoop()

	b.fn.EmitLocalGet(idx)
	b.fn.EmitLocalGet(vl32)
	b.fn.Emit(wasmgen.OpI32GeS)
	b.fn.EmitBrIf(1)

	body(idx)

	b.fn.EmitLocalGet(idx)
	b.fn.EmitI32Const(1)
	b.fn.Emit(wasmgen.OpI32Add)
	b.fn.EmitLocalSet(idx)
	b.fn.EmitBr(0)

	b.fn.EmitEnd() // loop
	b.fn.EmitEnd() // block
}

// emitSplitLoad loads width bytes (zero- or sign-extended per signed)
// from the guest address held in addrLocal, returning a fresh local
// holding the result. An access that crosses a page boundary is split
// into two load_guest calls -- one per page, sized the way mmu.SplitAccess
// would size them -- combined here into the single result a straight-line
// access would have produced; the bytes below the split land unsigned in
// the low half and the bytes above it carry the load's own sign into the
// high half, so shifting the high half up and ORing it with the low one
// reproduces the full-width value either way. Either call faulting ends
// the block with ReasonTrap, the same as a non-straddling load's fault.
func (b *builder) emitSplitLoad(addrLocal wasmgen.Local, width, signed int32, pc uint64) wasmgen.Local {
	val := b.scratch(wasmgen.I64)
	remaining := b.scratch(wasmgen.I64)

	b.fn.EmitI64Const(int64(b.pageSize))
	b.fn.EmitLocalGet(addrLocal)
	b.fn.EmitI64Const(int64(b.pageSize - 1))
	b.fn.Emit(wasmgen.OpI64And)
	b.fn.Emit(wasmgen.OpI64Sub)
	b.fn.EmitLocalSet(remaining)

	b.fn.EmitLocalGet(remaining)
	b.fn.EmitI64Const(int64(width))
	b.fn.Emit(wasmgen.OpI64LtU)
	b.fn.EmitIf()

	lo := b.scratch(wasmgen.I64)
	b.fn.EmitLocalGet(addrLocal)
	b.fn.EmitLocalGet(remaining)
	b.fn.Emit(wasmgen.OpI32WrapI64)
	b.fn.EmitI32Const(0)
	b.fn.EmitCall(b.imports.LoadGuest)
	b.fn.EmitLocalSet(lo)

	b.fn.EmitCall(b.imports.Faulted)
	b.fn.EmitIf()
	b.finishConst(ReasonTrap, pc)
	b.fn.EmitElse()

	secondLen := b.scratch(wasmgen.I64)
	b.fn.EmitI64Const(int64(width))
	b.fn.EmitLocalGet(remaining)
	b.fn.Emit(wasmgen.OpI64Sub)
	b.fn.EmitLocalSet(secondLen)

	hi := b.scratch(wasmgen.I64)
	b.fn.EmitLocalGet(addrLocal)
	b.fn.EmitLocalGet(remaining)
	b.fn.Emit(wasmgen.OpI64Add)
	b.fn.EmitLocalGet(secondLen)
	b.fn.Emit(wasmgen.OpI32WrapI64)
	b.fn.EmitI32Const(signed)
	b.fn.EmitCall(b.imports.LoadGuest)
	b.fn.EmitLocalSet(hi)

	b.fn.EmitCall(b.imports.Faulted)
	b.fn.EmitIf()
	b.finishConst(ReasonTrap, pc)
	b.fn.EmitElse()

	b.fn.EmitLocalGet(hi)
	b.fn.EmitLocalGet(remaining)
	b.fn.EmitI64Const(8)
	b.fn.Emit(wasmgen.OpI64Mul)
	b.fn.Emit(wasmgen.OpI64Shl)
	b.fn.EmitLocalGet(lo)
	b.fn.Emit(wasmgen.OpI64Or)
	b.fn.EmitLocalSet(val)
	b.fn.EmitEnd()
	b.fn.EmitEnd()

	b.fn.EmitElse()

	b.fn.EmitLocalGet(addrLocal)
	b.fn.EmitI32Const(width)
	b.fn.EmitI32Const(signed)
	b.fn.EmitCall(b.imports.LoadGuest)
	b.fn.EmitLocalSet(val)

	b.fn.EmitCall(b.imports.Faulted)
	b.fn.EmitIf()
	b.finishConst(ReasonTrap, pc)
	b.fn.EmitElse()
	b.fn.EmitEnd()

	b.fn.EmitEnd()

	return val
}

// emitSplitStore stores the low width bytes of valueLocal to the guest
// address in addrLocal, splitting across two store_guest calls the same
// way emitSplitLoad splits a load when the access straddles a page.
// store_guest only ever consults the low size bytes of the value it's
// given, so the high half's call can pass the shifted-down value
// unmasked -- the bytes it doesn't need are simply never read.
func (b *builder) emitSplitStore(addrLocal, valueLocal wasmgen.Local, width int32, pc uint64) {
	remaining := b.scratch(wasmgen.I64)
	b.fn.EmitI64Const(int64(b.pageSize))
	b.fn.EmitLocalGet(addrLocal)
	b.fn.EmitI64Const(int64(b.pageSize - 1))
	b.fn.Emit(wasmgen.OpI64And)
	b.fn.Emit(wasmgen.OpI64Sub)
	b.fn.EmitLocalSet(remaining)

	b.fn.EmitLocalGet(remaining)
	b.fn.EmitI64Const(int64(width))
	b.fn.Emit(wasmgen.OpI64LtU)
	b.fn.EmitIf()

	b.fn.EmitLocalGet(addrLocal)
	b.fn.EmitLocalGet(remaining)
	b.fn.Emit(wasmgen.OpI32WrapI64)
	b.fn.EmitLocalGet(valueLocal)
	b.fn.EmitCall(b.imports.StoreGuest)

	b.fn.EmitCall(b.imports.Faulted)
	b.fn.EmitIf()
	b.finishConst(ReasonTrap, pc)
	b.fn.EmitElse()

	secondLen := b.scratch(wasmgen.I64)
	b.fn.EmitI64Const(int64(width))
	b.fn.EmitLocalGet(remaining)
	b.fn.Emit(wasmgen.OpI64Sub)
	b.fn.EmitLocalSet(secondLen)

	b.fn.EmitLocalGet(addrLocal)
	b.fn.EmitLocalGet(remaining)
	b.fn.Emit(wasmgen.OpI64Add)
	b.fn.EmitLocalGet(secondLen)
	b.fn.Emit(wasmgen.OpI32WrapI64)
	b.fn.EmitLocalGet(valueLocal)
	b.fn.EmitLocalGet(remaining)
	b.fn.EmitI64Const(8)
	b.fn.Emit(wasmgen.OpI64Mul)
	b.fn.Emit(wasmgen.OpI64ShrU)
	b.fn.EmitCall(b.imports.StoreGuest)

	b.fn.EmitCall(b.imports.Faulted)
	b.fn.EmitIf()
	b.finishConst(ReasonTrap, pc)
	b.fn.EmitElse()
	b.fn.EmitEnd()

	b.fn.EmitEnd()

	b.fn.EmitElse()

	b.fn.EmitLocalGet(addrLocal)
	b.fn.EmitI32Const(width)
	b.fn.EmitLocalGet(valueLocal)
	b.fn.EmitCall(b.imports.StoreGuest)

	b.fn.EmitCall(b.imports.Faulted)
	b.fn.EmitIf()
	b.finishConst(ReasonTrap, pc)
	b.fn.EmitElse()
	b.fn.EmitEnd()

	b.fn.EmitEnd()
}

// elemAddr emits the dynamic (runtime-computed) part of a vector
// element's address: idx * elemBytes. Callers pass the register's base
// offset as the static offset immediate of the load/store instruction
// that follows.
func (b *builder) elemAddr(idx wasmgen.Local, elemBytes int) {
	b.fn.EmitLocalGet(idx)
	b.fn.EmitI32Const(int32(elemBytes))
	b.fn.Emit(wasmgen.OpI32Mul)
}
