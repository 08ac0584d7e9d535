package translate

import (
	"github.com/rv2wasm/corejit/riscv"
	"github.com/rv2wasm/corejit/wasmgen"
)

// lowerBranch lowers a conditional branch. Both arms end the block, so
// the compare result drives a wasm if/else whose two bodies each call
// finishConst with their own target — there is no fallthrough-and-merge
// inside the translated function itself.
func (b *builder) lowerBranch(inst *riscv.Inst, pc uint64) {
	taken := pc + uint64(inst.Imm)
	fallthrough_ := pc + uint64(inst.EncodedLength)

	b.pushX(inst.Rs1)
	b.pushX(inst.Rs2)
	b.fn.Emit(branchCompare(inst.Op))
	b.fn.EmitIf()
	b.finishConst(ReasonContinue, taken)
	b.fn.EmitElse()
	b.finishConst(ReasonContinue, fallthrough_)
	b.fn.EmitEnd()
}

func branchCompare(op riscv.Op) byte {
	switch op {
	case riscv.OpBeq:
		return wasmgen.OpI64Eq
	case riscv.OpBne:
		return wasmgen.OpI64Ne
	case riscv.OpBlt:
		return wasmgen.OpI64LtS
	case riscv.OpBge:
		return wasmgen.OpI64GeS
	case riscv.OpBltu:
		return wasmgen.OpI64LtU
	case riscv.OpBgeu:
		return wasmgen.OpI64GeU
	default:
		return wasmgen.OpI64Eq
	}
}

// lowerJump lowers JAL and JALR. JAL's target is known at translate
// time; JALR's is not, since it depends on rs1's runtime value, so it
// goes through finishDynamic. JALR computes its target before writing
// rd, since rd may alias rs1.
func (b *builder) lowerJump(inst *riscv.Inst, pc uint64) {
	linkPC := pc + uint64(inst.EncodedLength)

	switch inst.Op {
	case riscv.OpJal:
		if inst.Rd != 0 {
			b.fn.EmitI64Const(int64(linkPC))
			b.popX(inst.Rd)
		}
		b.finishConst(ReasonContinue, pc+uint64(inst.Imm))

	case riscv.OpJalr:
		target := b.scratch(wasmgen.I64)
		b.pushX(inst.Rs1)
		b.fn.EmitI64Const(inst.Imm)
		b.fn.Emit(wasmgen.OpI64Add)
		b.fn.EmitI64Const(-2) // clears bit 0 per the ISA
		b.fn.Emit(wasmgen.OpI64And)
		b.fn.EmitLocalSet(target)

		if inst.Rd != 0 {
			b.fn.EmitI64Const(int64(linkPC))
			b.popX(inst.Rd)
		}

		b.fn.EmitLocalGet(target)
		b.finishDynamic(ReasonContinue)

	default:
		b.finishConst(ReasonIllegal, pc)
	}
}
