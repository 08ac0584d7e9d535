// Package translate implements the basic-block translator: it decodes
// guest RV64 instructions starting at a program counter until a
// block-terminating instruction (or a soft instruction-count cap) and
// emits one wasm function lowering that block's semantics.
//
// Every translated function has signature (i64) -> i64: the parameter is
// the guest PC the block starts at (unused by the body itself, since the
// entry PC is baked into the translation, but kept so the export has a
// uniform, documented signature) and the result packs a reason code and a
// successor PC, per the dispatcher's reason-code contract. Register state
// is communicated through an imported linear memory laid out by Layout;
// guest (as opposed to register-file) memory accesses are lowered to
// calls into host-imported accessor functions, since the MMU's paging,
// permissions, and faults have no meaning inside the module's own flat
// memory.
package translate

import (
	"encoding/binary"
	"fmt"

	"github.com/rv2wasm/corejit/config"
	"github.com/rv2wasm/corejit/mmu"
	"github.com/rv2wasm/corejit/riscv"
	"github.com/rv2wasm/corejit/wasmgen"
)

// Reason is the block-exit reason code packed into a translated
// function's result.
type Reason uint8

// Exit reasons.
const (
	ReasonContinue Reason = iota // branch, jump, soft-cap cutoff or a vset instruction; resume translation at the successor PC
	ReasonSyscall                // ecall; dispatch services the syscall named by a7 and resumes at pc+4
	ReasonDebug                  // ebreak; dispatch's debug hook decides whether to resume
	ReasonFence                  // fence/fence.i/sfence.vma; dispatch applies the fence and resumes
	ReasonTrap                   // a load_guest/store_guest call faulted
	ReasonAborted                // host engine aborted the call (trap, out of fuel); dispatch decides
	ReasonIllegal                // an illegal or unrecognized encoding
)

func (r Reason) String() string {
	switch r {
	case ReasonContinue:
		return "continue"
	case ReasonSyscall:
		return "syscall"
	case ReasonDebug:
		return "debug"
	case ReasonFence:
		return "fence"
	case ReasonTrap:
		return "trap"
	case ReasonAborted:
		return "aborted"
	case ReasonIllegal:
		return "illegal"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// reasonShift places the reason code in the top byte of the packed i64
// result, leaving 56 bits for the successor PC — ample for any guest
// virtual address this system targets.
const reasonShift = 56

// PackResult packs a reason and successor PC into the i64 a translated
// function returns. Exported so dispatch can decode it without
// duplicating the bit layout.
func PackResult(reason Reason, pc uint64) int64 {
	return int64(uint64(reason)<<reasonShift | (pc & (1<<reasonShift - 1)))
}

// UnpackResult is PackResult's inverse.
func UnpackResult(v int64) (Reason, uint64) {
	u := uint64(v)
	return Reason(u >> reasonShift), u & (1<<reasonShift - 1)
}

// CoveredRange is the half-open byte range [Start, End) of guest code a
// translated block decoded. The translation cache uses it to invalidate
// entries when a store touches an executable page.
type CoveredRange struct {
	Start, End uint64
}

// Imports bundles the combined-function-index-space indices of the host
// functions every translated module imports, so lowering code can emit
// calls without re-deriving them.
type Imports struct {
	LoadGuest  uint32
	StoreGuest uint32
	Faulted    uint32
	LrMark     uint32
	ScCheck    uint32
}

// Host import names, shared with the dispatch package, which must
// register Go functions under exactly these (module, name) pairs with
// the wasm engine.
const (
	ImportModule = "env"

	FuncLoadGuest  = "load_guest"
	FuncStoreGuest = "store_guest"
	FuncFaulted    = "faulted"
	FuncLrMark     = "lr_mark"
	FuncScCheck    = "sc_check"

	MemoryName = "regs"
)

// Result is one completed translation.
type Result struct {
	Module           *wasmgen.Module
	EntryName        string
	Covered          CoveredRange
	VtypeFingerprint uint32
}

// Translator decodes and lowers basic blocks.
type Translator struct {
	dec    *riscv.Decoder
	cfg    config.Config
	layout Layout
}

// New builds a Translator sized per cfg.
func New(cfg config.Config) *Translator {
	return &Translator{dec: riscv.NewDecoder(), cfg: cfg, layout: NewLayout(cfg)}
}

// Layout exposes the translator's register-file memory layout, so
// dispatch can marshal/unmarshal State using the same offsets the
// emitted code was compiled against.
func (t *Translator) Layout() Layout { return t.layout }

// Translate decodes and lowers the basic block starting at pc, using m
// to fetch guest instruction bytes (translation happens in the host, at
// JIT time — it never executes translated code itself) and vt as the
// vtype in effect at entry. Since every vset{vli,ivli,vl} instruction
// terminates its block, vt is constant for the whole translation, which
// is what lets vector-ALU element width and count be sized as compile-
// time constants in the lowered code rather than re-read from a CSR on
// every element.
func (t *Translator) Translate(pc uint64, m *mmu.MMU, vt riscv.Vtype) (*Result, error) {
	mod := wasmgen.NewModule()
	mod.ImportMemory(ImportModule, MemoryName)

	imports := Imports{
		LoadGuest: mod.ImportFunction(ImportModule, FuncLoadGuest,
			[]wasmgen.ValType{wasmgen.I64, wasmgen.I32, wasmgen.I32}, []wasmgen.ValType{wasmgen.I64}),
		StoreGuest: mod.ImportFunction(ImportModule, FuncStoreGuest,
			[]wasmgen.ValType{wasmgen.I64, wasmgen.I32, wasmgen.I64}, nil),
		Faulted: mod.ImportFunction(ImportModule, FuncFaulted,
			nil, []wasmgen.ValType{wasmgen.I32}),
		LrMark: mod.ImportFunction(ImportModule, FuncLrMark,
			[]wasmgen.ValType{wasmgen.I64}, nil),
		ScCheck: mod.ImportFunction(ImportModule, FuncScCheck,
			[]wasmgen.ValType{wasmgen.I64}, []wasmgen.ValType{wasmgen.I32}),
	}

	fn := wasmgen.NewFunction([]wasmgen.ValType{wasmgen.I64}, []wasmgen.ValType{wasmgen.I64})
	b := newBuilder(fn, t.layout, imports, vt, t.cfg.PageSize)

	cur := pc
	count := 0
	for {
		word, length, err := t.fetch(m, cur)
		if err != nil {
			b.finishConst(ReasonTrap, cur)
			break
		}

		inst := t.dec.Decode(word, length)
		b.lower(inst, cur)

		next := cur + uint64(inst.EncodedLength)
		count++

		if inst.TerminatesBlock {
			cur = next
			break
		}
		if count >= t.cfg.BlockSoftCap {
			b.finishConst(ReasonContinue, next)
			cur = next
			break
		}
		cur = next
	}

	idx := mod.AddFunction(fn)
	name := wasmgen.FunctionName(pc)
	mod.ExportFunction(idx, name)

	return &Result{
		Module:           mod,
		EntryName:        name,
		Covered:          CoveredRange{Start: pc, End: cur},
		VtypeFingerprint: vt.Fingerprint(),
	}, nil
}

// fetch reads one instruction word (and its length) from guest memory,
// handling the case where a 4-byte instruction straddles two pages.
func (t *Translator) fetch(m *mmu.MMU, addr uint64) (uint32, uint8, error) {
	first, err := t.fetchHalfword(m, addr)
	if err != nil {
		return 0, 0, err
	}

	length := riscv.Length(first)
	if length == 2 {
		return uint32(first), 2, nil
	}

	second, err := t.fetchHalfword(m, addr+2)
	if err != nil {
		return 0, 0, err
	}
	return uint32(first) | uint32(second)<<16, 4, nil
}

func (t *Translator) fetchHalfword(m *mmu.MMU, addr uint64) (uint16, error) {
	page, off, err := m.TranslateExec(addr)
	if err != nil {
		return 0, err
	}
	if off+1 < uint64(len(page.Data)) {
		return binary.LittleEndian.Uint16(page.Data[off:]), nil
	}

	// Straddles a page boundary: the low byte is the last byte of this
	// page, the high byte is the first byte of the next.
	lo := page.Data[off]
	page2, off2, err := m.TranslateExec(addr + 1)
	if err != nil {
		return 0, err
	}
	hi := page2.Data[off2]
	return uint16(lo) | uint16(hi)<<8, nil
}
