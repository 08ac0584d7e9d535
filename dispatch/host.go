package dispatch

import (
	"sync/atomic"

	"github.com/rv2wasm/corejit/mmu"
	"github.com/rv2wasm/corejit/state"
)

// hostBridge implements the five guest-memory/LR-SC primitives every
// translated block imports, closing over one hart's MMU and
// reservation state. A fresh bridge is built per Loop rather than per
// block, since the fault flag and reservation are hart-wide, not
// block-local.
type hostBridge struct {
	mmu        *mmu.MMU
	st         *state.State
	fault      atomic.Bool
	invalidate func(start, end uint64)
}

func newHostBridge(m *mmu.MMU, st *state.State, invalidate func(start, end uint64)) *hostBridge {
	return &hostBridge{mmu: m, st: st, invalidate: invalidate}
}

func (h *hostBridge) imports() HostImports {
	return HostImports{
		LoadGuest:  h.loadGuest,
		StoreGuest: h.storeGuest,
		Faulted:    h.faulted,
		LrMark:     h.lrMark,
		ScCheck:    h.scCheck,
	}
}

func (h *hostBridge) loadGuest(addr uint64, size, signed int32) int64 {
	page, off, err := h.mmu.TranslateRead(addr)
	if err != nil {
		h.fault.Store(true)
		return 0
	}
	if off+uint64(size) > uint64(len(page.Data)) {
		// A guest load straddling a page boundary; dispatch's own
		// multi-page helper isn't usable from inside a translated
		// block's single-call contract, so load_guest only promises
		// single-page accesses and this is reported as a fault like any
		// other out-of-bounds condition. Guest code that misaligns a
		// load across a page edge is rare and, per the RVV spec's own
		// treatment of misaligned accesses, may legitimately fault.
		h.fault.Store(true)
		return 0
	}

	var v uint64
	for i := int32(0); i < size; i++ {
		v |= uint64(page.Data[off+uint64(i)]) << (8 * uint(i))
	}
	if signed != 0 {
		shift := 64 - 8*uint(size)
		return int64(v<<shift) >> shift
	}
	return int64(v)
}

func (h *hostBridge) storeGuest(addr uint64, size int32, value int64) {
	page, off, err := h.mmu.TranslateWrite(addr)
	if err != nil {
		h.fault.Store(true)
		return
	}
	if off+uint64(size) > uint64(len(page.Data)) {
		h.fault.Store(true)
		return
	}
	u := uint64(value)
	for i := int32(0); i < size; i++ {
		page.Data[off+uint64(i)] = byte(u >> (8 * uint(i)))
	}

	// Self-modifying code: a store landing on an executable page must
	// invalidate any cached translation it overlaps, since the
	// translation cache's wasm bodies have already baked in the old
	// bytes.
	if page.Perm&mmu.PermExec != 0 {
		h.invalidate(addr, addr+uint64(size))
	}
}

func (h *hostBridge) faulted() int32 {
	if h.fault.Swap(false) {
		return 1
	}
	return 0
}

func (h *hostBridge) lrMark(addr uint64) {
	h.st.Reservation = state.Reservation{Addr: addr, Valid: true}
}

func (h *hostBridge) scCheck(addr uint64) int32 {
	r := h.st.Reservation
	h.st.Reservation = state.Reservation{}
	if r.Valid && r.Addr == addr {
		return 1
	}
	return 0
}
