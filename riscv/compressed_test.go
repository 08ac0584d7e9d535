package riscv_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rv2wasm/corejit/riscv"
)

// ciWord builds a CI-format compressed word: funct3 | imm[5] | rd/rs1 | imm[4:0] | quadrant.
func ciWord(funct3 uint16, imm5 uint16, rd uint16, imm4_0 uint16, quadrant uint16) uint16 {
	return funct3<<13 | (imm5&1)<<12 | (rd&0x1F)<<7 | (imm4_0&0x1F)<<2 | quadrant
}

// crWord builds a CR-format compressed word: funct4 | rd/rs1 | rs2 | quadrant.
func crWord(funct4 uint16, rdRs1 uint16, rs2 uint16, quadrant uint16) uint16 {
	return funct4<<12 | (rdRs1&0x1F)<<7 | (rs2&0x1F)<<2 | quadrant
}

var _ = Describe("Compressed decoding", func() {
	var decoder *riscv.Decoder

	BeforeEach(func() {
		decoder = riscv.NewDecoder()
	})

	decode16 := func(word uint16) *riscv.Inst {
		return decoder.Decode(uint32(word), riscv.Length(word))
	}

	It("should expand C.ADDI to the same shape as ADDI", func() {
		word := ciWord(0b000, 0, 5, 3, 0b01)
		out := decode16(word)

		Expect(out.Class).To(Equal(riscv.ClassALUI))
		Expect(out.Op).To(Equal(riscv.OpAddi))
		Expect(out.Rd).To(Equal(uint8(5)))
		Expect(out.Rs1).To(Equal(uint8(5)))
		Expect(out.Imm).To(Equal(int64(3)))
		Expect(out.EncodedLength).To(Equal(uint8(2)))
	})

	It("should expand C.LI to ADDI with rs1=x0", func() {
		word := ciWord(0b010, 1, 6, 0x1F, 0b01) // imm = -1
		out := decode16(word)

		Expect(out.Op).To(Equal(riscv.OpAddi))
		Expect(out.Rs1).To(Equal(uint8(0)))
		Expect(out.Rd).To(Equal(uint8(6)))
		Expect(out.Imm).To(Equal(int64(-1)))
	})

	It("should expand C.MV to ADD with rs1=x0", func() {
		word := crWord(0b1000, 10, 11, 0b10) // bit12=0 selects C.MV/C.JR family
		out := decode16(word)

		Expect(out.Class).To(Equal(riscv.ClassALUR))
		Expect(out.Op).To(Equal(riscv.OpAdd))
		Expect(out.Rd).To(Equal(uint8(10)))
		Expect(out.Rs1).To(Equal(uint8(0)))
		Expect(out.Rs2).To(Equal(uint8(11)))
	})

	It("should expand C.JR to JALR x0, 0(rs1) and terminate the block", func() {
		word := crWord(0b1000, 1, 0, 0b10)
		out := decode16(word)

		Expect(out.Class).To(Equal(riscv.ClassJump))
		Expect(out.Op).To(Equal(riscv.OpJalr))
		Expect(out.Rd).To(Equal(uint8(0)))
		Expect(out.Rs1).To(Equal(uint8(1)))
		Expect(out.TerminatesBlock).To(BeTrue())
	})

	It("should expand C.EBREAK to EBREAK and terminate the block", func() {
		word := crWord(0b1001, 0, 0, 0b10)
		out := decode16(word)

		Expect(out.Op).To(Equal(riscv.OpEbreak))
		Expect(out.TerminatesBlock).To(BeTrue())
	})

	It("should expand C.LW to LW with the scrambled offset unpacked", func() {
		// CL-format: funct3(3) | imm[5:3](3) | rs1'(3) | imm[2],imm[6](2) | rd'(3) | quadrant(2).
		// Use an all-zero offset for a simple, unambiguous case.
		rs1p := uint16(1) // x9
		rdp := uint16(0)  // x8
		word := uint16(0b010) << 13
		word |= (rs1p & 0x7) << 7
		word |= (rdp & 0x7) << 2
		out := decode16(word)

		Expect(out.Class).To(Equal(riscv.ClassLoad))
		Expect(out.Op).To(Equal(riscv.OpLw))
		Expect(out.Rd).To(Equal(uint8(8)))
		Expect(out.Rs1).To(Equal(uint8(9)))
		Expect(out.Imm).To(Equal(int64(0)))
	})

	It("should treat an all-zero halfword as an illegal instruction (C.ADDI4SPN with nzuimm=0)", func() {
		out := decode16(0x0000)
		Expect(out.Class).To(Equal(riscv.ClassIllegal))
	})

	It("should never panic across a sweep of compressed quadrants and funct3 values", func() {
		for q := uint16(0); q < 3; q++ {
			for f3 := uint16(0); f3 < 8; f3++ {
				word := f3<<13 | q
				Expect(func() { decode16(word) }).NotTo(Panic())
			}
		}
	})
})
