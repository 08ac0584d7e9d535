// Package mmu implements the software memory-management unit: a guest page
// table plus two translation-lookaside buffers (instruction and data), each
// a fixed-capacity, fully-associative, LRU-replaced structure built on the
// Akita cache-directory component.
package mmu

import (
	"errors"
	"fmt"

	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/rv2wasm/corejit/config"
)

// Perm is a bitmask of page permissions.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// FaultKind distinguishes why a translation failed.
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultNotMapped
	FaultPermission
	FaultMisaligned
)

// Fault is returned by translation when guest memory access cannot
// proceed; the dispatcher turns it into a guest trap, never a Go panic.
type Fault struct {
	Kind    FaultKind
	Addr    uint64
	Wanted  Perm
}

func (f *Fault) Error() string {
	return fmt.Sprintf("mmu fault %v at 0x%x (wanted %v)", f.Kind, f.Addr, f.Wanted)
}

// ErrStraddlesUnmapped is returned by the straddling-access helper when an
// access spans a page boundary and the second page is not mapped with
// compatible permissions.
var ErrStraddlesUnmapped = errors.New("mmu: access straddles an unmapped or incompatible page")

// Page is one guest page: host-backed storage plus its permission bits.
type Page struct {
	Data  []byte
	Perm  Perm
}

// MMU owns the guest page table and the I-TLB/D-TLB pair.
type MMU struct {
	pageSize uint64
	pages    map[uint64]*Page // keyed by page number (addr / pageSize)

	itlb *tlb
	dtlb *tlb
}

// New builds an MMU sized per cfg.
func New(cfg config.Config) *MMU {
	return &MMU{
		pageSize: uint64(cfg.PageSize),
		pages:    make(map[uint64]*Page),
		itlb:     newTLB(cfg.TLBCapacity),
		dtlb:     newTLB(cfg.TLBCapacity),
	}
}

// PageSize returns the configured guest page size.
func (m *MMU) PageSize() uint64 { return m.pageSize }

func (m *MMU) pageNumber(addr uint64) uint64 { return addr / m.pageSize }

// MapPage installs or replaces a page at the given page-aligned address.
// Used by the loader (for ELF segments) and by brk/mmap-equivalent guest
// syscalls.
func (m *MMU) MapPage(addr uint64, data []byte, perm Perm) {
	pn := m.pageNumber(addr)
	m.pages[pn] = &Page{Data: data, Perm: perm}
	m.itlb.invalidatePage(pn)
	m.dtlb.invalidatePage(pn)
}

// TranslateExec resolves a guest virtual address for instruction fetch,
// consulting (and refilling) the I-TLB.
func (m *MMU) TranslateExec(addr uint64) (*Page, uint64, error) {
	return m.translate(m.itlb, addr, PermExec)
}

// TranslateRead resolves a guest virtual address for a data load.
func (m *MMU) TranslateRead(addr uint64) (*Page, uint64, error) {
	return m.translate(m.dtlb, addr, PermRead)
}

// TranslateWrite resolves a guest virtual address for a data store.
func (m *MMU) TranslateWrite(addr uint64) (*Page, uint64, error) {
	return m.translate(m.dtlb, addr, PermWrite)
}

func (m *MMU) translate(t *tlb, addr uint64, want Perm) (*Page, uint64, error) {
	pn := m.pageNumber(addr)
	offset := addr % m.pageSize

	if entry, ok := t.lookup(pn); ok {
		if entry.perm&want == 0 {
			return nil, 0, &Fault{Kind: FaultPermission, Addr: addr, Wanted: want}
		}
		return entry.page, offset, nil
	}

	page, ok := m.pages[pn]
	if !ok {
		return nil, 0, &Fault{Kind: FaultNotMapped, Addr: addr, Wanted: want}
	}
	if page.Perm&want == 0 {
		return nil, 0, &Fault{Kind: FaultPermission, Addr: addr, Wanted: want}
	}

	t.fill(pn, page)
	return page, offset, nil
}

// SplitAccess reports whether an access of size bytes starting at addr
// crosses a page boundary, and if so returns the byte count that falls in
// the first page (the remainder falls in the next page). Callers use this
// to split a load/store into two single-page accesses.
func (m *MMU) SplitAccess(addr uint64, size uint64) (firstPartLen uint64, straddles bool) {
	offset := addr % m.pageSize
	remaining := m.pageSize - offset
	if remaining >= size {
		return size, false
	}
	return remaining, true
}

// Invalidate clears any TLB entries caching the page containing addr. CSR
// writes that change page permissions, and any mapping/unmapping of a
// page, must call this.
func (m *MMU) Invalidate(addr uint64) {
	pn := m.pageNumber(addr)
	m.itlb.invalidatePage(pn)
	m.dtlb.invalidatePage(pn)
}

// Sfence implements sfence.vma semantics: a full shootdown of both TLBs.
// Per the resolved Open Question, this also invalidates any outstanding
// LR/SC reservation — the caller (dispatch) is responsible for clearing
// state.Reservation since MMU holds no hart-state reference.
func (m *MMU) Sfence() {
	m.itlb.reset()
	m.dtlb.reset()
}

// tlb is a fully-associative, LRU-replaced cache of page-number -> *Page
// translations, built on an Akita cache directory configured as one set
// with `capacity` ways and a block size of one page.
type tlb struct {
	capacity  int
	directory *akitacache.DirectoryImpl
	payload   []tlbEntry
}

type tlbEntry struct {
	page *Page
	perm Perm
}

func newTLB(capacity int) *tlb {
	return &tlb{
		capacity:  capacity,
		directory: akitacache.NewDirectory(1, capacity, 1, akitacache.NewLRUVictimFinder()),
		payload:   make([]tlbEntry, capacity),
	}
}

func (t *tlb) index(block *akitacache.Block) int {
	return block.SetID*t.capacity + block.WayID
}

func (t *tlb) lookup(pageNumber uint64) (tlbEntry, bool) {
	block := t.directory.Lookup(0, pageNumber)
	if block == nil || !block.IsValid {
		return tlbEntry{}, false
	}
	t.directory.Visit(block)
	return t.payload[t.index(block)], true
}

func (t *tlb) fill(pageNumber uint64, page *Page) {
	victim := t.directory.FindVictim(pageNumber)
	if victim == nil {
		return
	}
	victim.Tag = pageNumber
	victim.IsValid = true
	t.payload[t.index(victim)] = tlbEntry{page: page, perm: page.Perm}
}

func (t *tlb) invalidatePage(pageNumber uint64) {
	block := t.directory.Lookup(0, pageNumber)
	if block != nil {
		block.IsValid = false
	}
}

func (t *tlb) reset() {
	t.directory.Reset()
}
