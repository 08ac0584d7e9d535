package translate_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rv2wasm/corejit/config"
	"github.com/rv2wasm/corejit/mmu"
	"github.com/rv2wasm/corejit/riscv"
	"github.com/rv2wasm/corejit/translate"
	"github.com/rv2wasm/corejit/wasmgen"
)

// mapProgram encodes each instruction, concatenates the bytes, pads to a
// full page, and maps it into m at addr as executable.
func mapProgram(m *mmu.MMU, addr uint64, insts ...*riscv.Inst) {
	cfg := config.Default()
	page := make([]byte, cfg.PageSize)
	off := 0
	for _, in := range insts {
		binary.LittleEndian.PutUint32(page[off:], riscv.Encode(in))
		off += 4
	}
	m.MapPage(addr, page, mmu.PermExec|mmu.PermRead)
}

var scalarVtype = riscv.Vtype{SEW: riscv.Width64, LMULNum: 1}

var _ = Describe("Translator", func() {
	var (
		cfg config.Config
		m   *mmu.MMU
		tr  *translate.Translator
	)

	BeforeEach(func() {
		cfg = config.Default()
		m = mmu.New(cfg)
		tr = translate.New(cfg)
	})

	It("translates a straight-line ALU block into an encodable wasm module", func() {
		mapProgram(m, 0x1000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 5, Rs1: 0, Imm: 1},
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 5, Rs1: 5, Imm: 1},
			&riscv.Inst{Class: riscv.ClassALUR, Op: riscv.OpAdd, Rd: 6, Rs1: 5, Rs2: 5},
		)

		res, err := tr.Translate(0x1000, m, scalarVtype)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Module).NotTo(BeNil())
		Expect(res.EntryName).To(Equal(wasmgen.FunctionName(0x1000)))
		Expect(res.Covered.Start).To(Equal(uint64(0x1000)))
		Expect(res.Covered.End).To(BeNumerically(">", res.Covered.Start))

		bin := res.Module.Encode()
		Expect(bin[:4]).To(Equal([]byte{0x00, 0x61, 0x73, 0x6D}))
		Expect(len(bin)).To(BeNumerically(">", 8))
	})

	It("stops a block at an unconditional jump and covers exactly that range", func() {
		mapProgram(m, 0x2000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 0, Imm: 4},
			&riscv.Inst{Class: riscv.ClassJump, Op: riscv.OpJal, Rd: 0, Imm: 0x100, TerminatesBlock: true},
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 2, Rs1: 0, Imm: 9},
		)

		res, err := tr.Translate(0x2000, m, scalarVtype)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Covered.Start).To(Equal(uint64(0x2000)))
		Expect(res.Covered.End).To(Equal(uint64(0x2008)))
	})

	It("stops a block at a branch without decoding past it", func() {
		mapProgram(m, 0x3000,
			&riscv.Inst{Class: riscv.ClassBranch, Op: riscv.OpBeq, Rs1: 1, Rs2: 2, Imm: 0x20, TerminatesBlock: true},
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 3, Rs1: 0, Imm: 1},
		)

		res, err := tr.Translate(0x3000, m, scalarVtype)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Covered.End).To(Equal(uint64(0x3004)))
	})

	It("records the entry vtype's fingerprint on the result", func() {
		mapProgram(m, 0x4000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 0, Imm: 1},
		)

		vt := riscv.Vtype{SEW: riscv.Width32, LMULNum: 2, TailAgnostic: true}
		res, err := tr.Translate(0x4000, m, vt)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.VtypeFingerprint).To(Equal(vt.Fingerprint()))
	})

	It("covers the illegal instruction's own bytes so a store to them invalidates the block", func() {
		mapProgram(m, 0x5000,
			&riscv.Inst{Class: riscv.ClassIllegal},
		)

		res, err := tr.Translate(0x5000, m, scalarVtype)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Covered.End).To(Equal(uint64(0x5002)))
	})

	It("honors a low BlockSoftCap by cutting the block short", func() {
		cfg.BlockSoftCap = 2
		m = mmu.New(cfg)
		tr = translate.New(cfg)

		mapProgram(m, 0x6000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 0, Imm: 1},
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 1, Imm: 1},
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 1, Imm: 1},
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 1, Imm: 1},
		)

		res, err := tr.Translate(0x6000, m, scalarVtype)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Covered.End).To(Equal(uint64(0x6008)))
	})

	It("reports a trap when a block starts on an unmapped page", func() {
		res, err := tr.Translate(0x7000, m, scalarVtype)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Covered.Start).To(Equal(uint64(0x7000)))
		Expect(res.Covered.End).To(Equal(uint64(0x7000)))
	})

	It("stops a block at ecall", func() {
		mapProgram(m, 0x8000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 17, Rs1: 0, Imm: 93},
			&riscv.Inst{Class: riscv.ClassSystem, Op: riscv.OpEcall, TerminatesBlock: true},
		)

		res, err := tr.Translate(0x8000, m, scalarVtype)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Covered.End).To(Equal(uint64(0x8008)))
	})

	It("translates a CSR read-write without ending the block", func() {
		mapProgram(m, 0x9000,
			&riscv.Inst{Class: riscv.ClassSystem, Op: riscv.OpCsrrw, Rd: 1, Rs1: 2, Csr: 0x300},
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 1, Imm: 1},
		)

		res, err := tr.Translate(0x9000, m, scalarVtype)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Covered.End).To(BeNumerically(">", 0x9004))
	})

	It("translates an atomic read-modify-write without ending the block at it", func() {
		mapProgram(m, 0xA000,
			&riscv.Inst{Class: riscv.ClassAMO, Op: riscv.OpAmoaddW, Rd: 1, Rs1: 2, Rs2: 3},
		)

		// The block runs on past the AMO to the zero halfword at 0xA004,
		// which decodes as a 2-byte illegal encoding and ends the block.
		res, err := tr.Translate(0xA000, m, scalarVtype)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Covered.End).To(Equal(uint64(0xA006)))
	})

	It("translates a floating-point load and arithmetic op", func() {
		mapProgram(m, 0xB000,
			&riscv.Inst{Class: riscv.ClassFP, Op: riscv.OpFlw, Rd: 1, Rs1: 2, Imm: 0},
			&riscv.Inst{Class: riscv.ClassFP, Op: riscv.OpFaddS, Rd: 2, Rs1: 1, Rs2: 1},
		)

		res, err := tr.Translate(0xB000, m, scalarVtype)
		Expect(err).NotTo(HaveOccurred())
		bin := res.Module.Encode()
		Expect(len(bin)).To(BeNumerically(">", 8))
	})

	It("translates vsetvli followed by a vector add and vector store", func() {
		vtypeImm := uint16(2) << 3 // vsew=010 (32-bit), vlmul=000 (LMUL=1)
		mapProgram(m, 0xC000,
			&riscv.Inst{Class: riscv.ClassVectorConfig, Op: riscv.OpVsetvli, Rd: 1, Rs1: 0, VtypeImm: vtypeImm, TerminatesBlock: true},
		)

		res, err := tr.Translate(0xC000, m, scalarVtype)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Covered.End).To(Equal(uint64(0xC004)))

		vt := riscv.DecodeVtype(vtypeImm)
		m2 := mmu.New(cfg)
		mapProgram(m2, 0xC000,
			&riscv.Inst{Class: riscv.ClassVectorALU, Op: riscv.OpVaddVV, Vd: 1, Vs1: 2, Vs2: 3, VM: true},
			&riscv.Inst{Class: riscv.ClassVectorLoadStore, Op: riscv.OpVseV, Vs2: 1, Rs1: 4, SEW: vt.SEW, TerminatesBlock: false},
		)

		res2, err := tr.Translate(0xC000, m2, vt)
		Expect(err).NotTo(HaveOccurred())
		bin := res2.Module.Encode()
		Expect(len(bin)).To(BeNumerically(">", 8))
	})
})
