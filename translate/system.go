package translate

import (
	"github.com/rv2wasm/corejit/riscv"
	"github.com/rv2wasm/corejit/state"
	"github.com/rv2wasm/corejit/wasmgen"
)

// csrFor maps a real RISC-V CSR address to this translator's logical
// Csr enum. Unmapped addresses decode as illegal: this translator only
// tracks the CSR subset its lowerings actually read or write.
func csrFor(raw uint16) (state.Csr, bool) {
	switch raw {
	case 0x003:
		return state.CsrFcsr, true
	case 0x008:
		return state.CsrVstart, true
	case 0x300:
		return state.CsrMstatus, true
	case 0x341:
		return state.CsrMepc, true
	case 0x342:
		return state.CsrMcause, true
	case 0x343:
		return state.CsrMtval, true
	case 0xC20:
		return state.CsrVl, true
	case 0xC21:
		return state.CsrVtype, true
	default:
		return 0, false
	}
}

// lowerSystem lowers fences, ecall/ebreak, and the CSR instructions.
// Fences and ecall/ebreak terminate the block since dispatch must act
// (service a syscall, apply a fence, consult a debug hook) before guest
// execution can continue; CSR instructions do not, since the register
// file memory already holds the CSR region and can be read/written
// in-line.
func (b *builder) lowerSystem(inst *riscv.Inst, pc uint64) {
	next := pc + uint64(inst.EncodedLength)

	switch inst.Op {
	case riscv.OpEcall:
		b.finishConst(ReasonSyscall, next)
	case riscv.OpEbreak:
		b.finishConst(ReasonDebug, next)
	case riscv.OpFence, riscv.OpFenceI, riscv.OpSfenceVMA:
		b.finishConst(ReasonFence, next)
	case riscv.OpCsrrw, riscv.OpCsrrs, riscv.OpCsrrc,
		riscv.OpCsrrwi, riscv.OpCsrrsi, riscv.OpCsrrci:
		b.lowerCsr(inst, pc)
	default:
		b.finishConst(ReasonIllegal, pc)
	}
}

func (b *builder) lowerCsr(inst *riscv.Inst, pc uint64) {
	csr, ok := csrFor(inst.Csr)
	if !ok {
		b.finishConst(ReasonIllegal, pc)
		return
	}
	off := b.layout.CsrOffset(csr)

	old := b.scratch(wasmgen.I64)
	b.fn.EmitI32Const(0)
	b.fn.EmitLoad(wasmgen.OpI64Load, 3, off)
	b.fn.EmitLocalSet(old)

	// The rs1/immediate operand: CSRR{W,S,C} read it from a GPR,
	// CSRR{W,S,C}I take it as the 5-bit zero-extended Rs1 field itself.
	immForm := inst.Op == riscv.OpCsrrwi || inst.Op == riscv.OpCsrrsi || inst.Op == riscv.OpCsrrci
	operand := b.scratch(wasmgen.I64)
	if immForm {
		b.fn.EmitI64Const(int64(inst.Rs1))
	} else {
		b.pushX(inst.Rs1)
	}
	b.fn.EmitLocalSet(operand)

	var newVal wasmgen.Local
	switch inst.Op {
	case riscv.OpCsrrw, riscv.OpCsrrwi:
		newVal = operand
	case riscv.OpCsrrs, riscv.OpCsrrsi:
		newVal = b.scratch(wasmgen.I64)
		b.fn.EmitLocalGet(old)
		b.fn.EmitLocalGet(operand)
		b.fn.Emit(wasmgen.OpI64Or)
		b.fn.EmitLocalSet(newVal)
	case riscv.OpCsrrc, riscv.OpCsrrci:
		newVal = b.scratch(wasmgen.I64)
		b.fn.EmitLocalGet(operand)
		b.fn.EmitI64Const(-1)
		b.fn.Emit(wasmgen.OpI64Xor)
		b.fn.EmitLocalGet(old)
		b.fn.Emit(wasmgen.OpI64And)
		b.fn.EmitLocalSet(newVal)
	}

	// CSRRS/CSRRC with rs1==x0 (or the *I forms with a zero immediate)
	// read without writing, per the ISA. This always performs the store
	// anyway: newVal reduces to old in that case (OR with zero and AND
	// with all-ones are no-ops), so the unconditional write is harmless.
	b.fn.EmitI32Const(0)
	b.fn.EmitLocalGet(newVal)
	b.fn.EmitStore(wasmgen.OpI64Store, 3, off)

	b.fn.EmitLocalGet(old)
	b.popX(inst.Rd)
}
