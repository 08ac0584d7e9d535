package translate

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rv2wasm/corejit/riscv"
)

var _ = Describe("ALU helpers", func() {
	Describe("isW32", func() {
		It("recognizes every W-suffixed op", func() {
			Expect(isW32(riscv.OpAddw)).To(BeTrue())
			Expect(isW32(riscv.OpSubw)).To(BeTrue())
			Expect(isW32(riscv.OpDivuw)).To(BeTrue())
			Expect(isW32(riscv.OpRemuw)).To(BeTrue())
		})

		It("reports false for the 64-bit forms", func() {
			Expect(isW32(riscv.OpAdd)).To(BeFalse())
			Expect(isW32(riscv.OpXor)).To(BeFalse())
			Expect(isW32(riscv.OpMul)).To(BeFalse())
		})
	})

	Describe("minInt", func() {
		It("returns MinInt32 sign-extended to 64 bits for the W forms", func() {
			Expect(minInt(true)).To(Equal(int64(int32(-1 << 31))))
		})

		It("returns MinInt64 for the 64-bit forms", func() {
			Expect(minInt(false)).To(Equal(int64(-1 << 63)))
		})
	})

	Describe("boolPick", func() {
		It("picks the first opcode when true", func() {
			Expect(boolPick(true, 0xAA, 0xBB)).To(Equal(byte(0xAA)))
		})

		It("picks the second opcode when false", func() {
			Expect(boolPick(false, 0xAA, 0xBB)).To(Equal(byte(0xBB)))
		})
	})
})
