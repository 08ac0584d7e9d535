package translate_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rv2wasm/corejit/config"
	"github.com/rv2wasm/corejit/state"
	"github.com/rv2wasm/corejit/translate"
)

var _ = Describe("Layout", func() {
	var (
		cfg config.Config
		l   translate.Layout
	)

	BeforeEach(func() {
		cfg = config.Default()
		l = translate.NewLayout(cfg)
	})

	It("lays out GPRs, FPRs, vector registers, and CSRs at non-overlapping offsets", func() {
		Expect(l.XOffset(0)).To(Equal(uint32(0)))
		Expect(l.XOffset(31)).To(Equal(uint32(31 * 8)))
		Expect(l.FOffset(0)).To(Equal(uint32(32 * 8)))
		Expect(l.VOffset(0)).To(Equal(uint32(32*8 + 32*8)))
		Expect(l.VOffset(1)).To(Equal(l.VOffset(0) + uint32(l.VLENBytes())))
		Expect(l.CsrOffset(0)).To(Equal(l.VOffset(0) + uint32(32*l.VLENBytes())))
	})

	It("sizes the whole region to hold every GPR, FPR, vector register, and CSR", func() {
		want := l.CsrOffset(0) + uint32(state.NumCSRs())*8
		Expect(l.Size()).To(Equal(want))
	})

	It("scales vector register spacing with VLEN", func() {
		wide := config.Default()
		wide.VLEN = 256
		lw := translate.NewLayout(wide)
		Expect(lw.VOffset(1) - lw.VOffset(0)).To(Equal(uint32(32)))
	})

	It("round-trips architectural state through Marshal/Unmarshal", func() {
		s := state.New(cfg)
		s.WriteX(5, 0xdeadbeef)
		s.WriteF(3, 0x3ff0000000000000) // 1.0 as f64 bits
		s.WriteCsr(state.CsrVl, 4)
		copy(s.VReg(2), []byte{1, 2, 3, 4})

		buf := l.Marshal(s)
		Expect(len(buf)).To(Equal(int(l.Size())))

		out := state.New(cfg)
		l.Unmarshal(buf, out)

		Expect(out.ReadX(5)).To(Equal(uint64(0xdeadbeef)))
		Expect(out.ReadF(3)).To(Equal(uint64(0x3ff0000000000000)))
		Expect(out.ReadCsr(state.CsrVl)).To(Equal(uint64(4)))
		Expect(out.VReg(2)[:4]).To(Equal([]byte{1, 2, 3, 4}))
	})

	It("always reads x0 as zero regardless of what Marshal wrote there", func() {
		s := state.New(cfg)
		buf := l.Marshal(s)
		out := state.New(cfg)
		l.Unmarshal(buf, out)
		Expect(out.ReadX(0)).To(Equal(uint64(0)))
	})
})
