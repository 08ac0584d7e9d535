package translate

import (
	"encoding/binary"

	"github.com/rv2wasm/corejit/config"
	"github.com/rv2wasm/corejit/state"
)

// Layout describes the register-file memory imported by every translated
// module as "env.regs": a small, fixed-size flat buffer holding the GPRs,
// FPRs, vector registers, and the CSR subset the translator touches,
// laid out so every field sits at a statically known offset. Guest
// memory itself is not part of this buffer — it is far larger than a
// single block needs resident and is guarded by the MMU's page
// permissions, so it is reached through the imported load_guest/
// store_guest host functions instead (see Translator).
type Layout struct {
	xBase, fBase, vBase, csrBase uint32
	vlenBytes                   int
}

// NewLayout computes a Layout for the given configuration.
func NewLayout(cfg config.Config) Layout {
	vlenBytes := cfg.VLENBytes()
	xBase := uint32(0)
	fBase := xBase + 32*8
	vBase := fBase + 32*8
	csrBase := vBase + uint32(32*vlenBytes)
	return Layout{xBase: xBase, fBase: fBase, vBase: vBase, csrBase: csrBase, vlenBytes: vlenBytes}
}

// Size returns the total byte size of the register-file region; callers
// size the imported memory's minimum page count from this.
func (l Layout) Size() uint32 {
	return l.csrBase + uint32(state.NumCSRs())*8
}

// XOffset returns the byte offset of GPR reg. x0 has an offset like any
// other register; the translator never materializes x0 as a local
// precisely because the ISA requires writes to it be discarded, not
// because this layout special-cases it.
func (l Layout) XOffset(reg uint8) uint32 { return l.xBase + uint32(reg)*8 }

// FOffset returns the byte offset of FPR reg.
func (l Layout) FOffset(reg uint8) uint32 { return l.fBase + uint32(reg)*8 }

// VOffset returns the byte offset of vector register reg.
func (l Layout) VOffset(reg uint8) uint32 { return l.vBase + uint32(reg)*uint32(l.vlenBytes) }

// CsrOffset returns the byte offset of CSR c.
func (l Layout) CsrOffset(c state.Csr) uint32 { return l.csrBase + uint32(c)*8 }

// VLENBytes returns the configured vector register width in bytes.
func (l Layout) VLENBytes() int { return l.vlenBytes }

// Marshal copies a hart's architectural state into a freshly allocated
// register-file buffer, ready to back a wasm module instance's imported
// memory before calling a translated block.
func (l Layout) Marshal(s *state.State) []byte {
	buf := make([]byte, l.Size())
	for i := 0; i < 32; i++ {
		binary.LittleEndian.PutUint64(buf[l.XOffset(uint8(i)):], s.ReadX(uint8(i)))
		binary.LittleEndian.PutUint64(buf[l.FOffset(uint8(i)):], s.ReadF(uint8(i)))
		copy(buf[l.VOffset(uint8(i)):], s.VReg(uint8(i)))
	}
	for c := 0; c < state.NumCSRs(); c++ {
		binary.LittleEndian.PutUint64(buf[l.CsrOffset(state.Csr(c)):], s.ReadCsr(state.Csr(c)))
	}
	return buf
}

// Unmarshal copies a register-file buffer back into a hart's
// architectural state after a translated block returns control to the
// dispatcher.
func (l Layout) Unmarshal(buf []byte, s *state.State) {
	for i := 0; i < 32; i++ {
		s.WriteX(uint8(i), binary.LittleEndian.Uint64(buf[l.XOffset(uint8(i)):]))
		s.WriteF(uint8(i), binary.LittleEndian.Uint64(buf[l.FOffset(uint8(i)):]))
		copy(s.VReg(uint8(i)), buf[l.VOffset(uint8(i)):l.VOffset(uint8(i))+uint32(l.vlenBytes)])
	}
	for c := 0; c < state.NumCSRs(); c++ {
		s.WriteCsr(state.Csr(c), binary.LittleEndian.Uint64(buf[l.CsrOffset(state.Csr(c)):]))
	}
}
