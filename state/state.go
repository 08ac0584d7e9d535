// Package state holds the architectural state of a single RV64 guest hart:
// general-purpose registers, floating-point registers, vector registers,
// and the CSR subset the translator cares about.
package state

import (
	"github.com/rv2wasm/corejit/config"
	"github.com/rv2wasm/corejit/riscv"
)

// Csr identifies one of the control/status registers the translator
// observes or mutates.
type Csr int

const (
	CsrVtype Csr = iota
	CsrVl
	CsrVstart
	CsrFcsr
	CsrMstatus
	CsrMepc
	CsrMcause
	CsrMtval
	csrCount
)

// Reservation models the single (addr, valid) pair backing LR/SC. Per the
// resolved lifetime rule, a reservation does not survive any TLB shootdown.
type Reservation struct {
	Addr  uint64
	Valid bool
}

// State is the full architectural register file of one guest hart. X[0] is
// hardwired to zero via the accessor methods below, never via the storage
// array itself.
type State struct {
	X [32]uint64 // general-purpose registers; X[0] discarded on write
	F [32]uint64 // FPR bit patterns; F and D share a register per the ISA
	V [32][]byte // vector registers, each config.VLENBytes() long

	PC uint64

	csr [csrCount]uint64

	Reservation Reservation

	vlen int // captured once at construction, never mutated
}

// New constructs a State sized for the given configuration. VLEN is
// captured once and held for the lifetime of the State.
func New(cfg config.Config) *State {
	s := &State{vlen: cfg.VLENBytes()}
	for i := range s.V {
		s.V[i] = make([]byte, s.vlen)
	}
	return s
}

// ReadX reads a general-purpose register. x0 always reads as 0.
func (s *State) ReadX(reg uint8) uint64 {
	if reg == 0 {
		return 0
	}
	return s.X[reg&0x1F]
}

// WriteX writes a general-purpose register. Writes to x0 are discarded.
func (s *State) WriteX(reg uint8, value uint64) {
	if reg == 0 {
		return
	}
	s.X[reg&0x1F] = value
}

// ReadF reads the bit pattern of a floating-point register.
func (s *State) ReadF(reg uint8) uint64 {
	return s.F[reg&0x1F]
}

// WriteF writes the bit pattern of a floating-point register.
func (s *State) WriteF(reg uint8, value uint64) {
	s.F[reg&0x1F] = value
}

// VReg returns the backing bytes of a vector register. The slice is owned
// by State; callers must not retain it past the current block.
func (s *State) VReg(reg uint8) []byte {
	return s.V[reg&0x1F]
}

// VLENBytes returns the byte width of a single vector register.
func (s *State) VLENBytes() int {
	return s.vlen
}

// NumCSRs returns the number of CSR slots a State holds, for callers that
// need to lay out a CSR region of known size (the translator's register
// file memory layout).
func NumCSRs() int { return int(csrCount) }

// ReadCsr reads a CSR by its logical identifier.
func (s *State) ReadCsr(c Csr) uint64 {
	return s.csr[c]
}

// WriteCsr writes a CSR. It only stores the value: State has no MMU
// reference, and no CSR write (mstatus included) invalidates any TLB
// entry in this module.
func (s *State) WriteCsr(c Csr, value uint64) {
	s.csr[c] = value
}

// Vtype unpacks the current vtype CSR.
func (s *State) Vtype() riscv.Vtype {
	return riscv.DecodeVtype(uint16(s.csr[CsrVtype]))
}

// VectorFingerprint returns the translation-cache fingerprint of the
// current vtype, per the cache key definition (entry-PC, vtype-fingerprint).
func (s *State) VectorFingerprint() uint32 {
	return s.Vtype().Fingerprint()
}
