// Package loader provides ELF binary loading for RV64 guest executables.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rv2wasm/corejit/config"
	"github.com/rv2wasm/corejit/mmu"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

func (f SegmentFlags) perm() mmu.Perm {
	var p mmu.Perm
	if f&SegmentFlagRead != 0 {
		p |= mmu.PermRead
	}
	if f&SegmentFlagWrite != 0 {
		p |= mmu.PermWrite
	}
	if f&SegmentFlagExecute != 0 {
		p |= mmu.PermExec
	}
	return p
}

// DefaultStackTop is the default stack top address for RV64 Linux user
// space: a conventional high address below the canonical-address ceiling.
const DefaultStackTop = 0x7ffffffff000

// DefaultStackSize is the default stack size (8MB).
const DefaultStackSize = 8 * 1024 * 1024

// ErrBadImage is the sentinel every ELF validation failure wraps, so
// callers can distinguish "this isn't a loadable guest image" from I/O
// errors with errors.Is.
var ErrBadImage = errors.New("loader: bad image")

// Segment represents a loadable segment from an ELF binary.
type Segment struct {
	// VirtAddr is the virtual address where this segment should be loaded.
	VirtAddr uint64
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint64
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// Program represents a loaded ELF program ready for execution. Its
// segments have already been mapped into the MMU passed to Load; Segments
// is kept for introspection and tests.
type Program struct {
	// EntryPoint is the virtual address where execution should begin.
	EntryPoint uint64
	// Segments contains all loadable segments from the ELF file.
	Segments []Segment
	// InitialSP is the initial stack pointer value.
	InitialSP uint64
}

// LoadFile reads path and loads it as described by Load.
func LoadFile(path string, m *mmu.MMU, cfg config.Config) (*Program, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: failed to open ELF file: %w", err)
	}
	defer func() { _ = file.Close() }()

	f, err := elf.NewFile(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	defer func() { _ = f.Close() }()
	return load(f, m, cfg)
}

// Load parses an RV64 ELF image from data and maps its LOAD segments into
// m. Returns the entry point and initial stack pointer; see Segment for
// what is mapped and with what permissions.
func Load(data []byte, m *mmu.MMU, cfg config.Config) (*Program, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	defer func() { _ = f.Close() }()
	return load(f, m, cfg)
}

func load(f *elf.File, m *mmu.MMU, cfg config.Config) (*Program, error) {
	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%w: not a 64-bit ELF file", ErrBadImage)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: not a little-endian ELF file", ErrBadImage)
	}
	if f.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("%w: not an RV64 ELF file (machine type: %v)", ErrBadImage, f.Machine)
	}

	for _, phdr := range f.Progs {
		if phdr.Type == elf.PT_DYNAMIC || phdr.Type == elf.PT_INTERP {
			return nil, fmt.Errorf("%w: dynamically linked images are not supported", ErrBadImage)
		}
	}

	prog := &Program{
		EntryPoint: f.Entry,
		InitialSP:  DefaultStackTop,
	}

	var loads []*elf.Prog
	for _, phdr := range f.Progs {
		if phdr.Type == elf.PT_LOAD {
			loads = append(loads, phdr)
		}
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].Vaddr < loads[j].Vaddr })

	pages := make(map[uint64][]byte)
	perms := make(map[uint64]mmu.Perm)
	pageSize := uint64(cfg.PageSize)

	for i, phdr := range loads {
		if phdr.Memsz > 0 && phdr.Vaddr > ^uint64(0)-phdr.Memsz {
			return nil, fmt.Errorf("%w: segment at 0x%x wraps the address space", ErrBadImage, phdr.Vaddr)
		}
		end := phdr.Vaddr + phdr.Memsz
		if i > 0 {
			prev := loads[i-1]
			if phdr.Vaddr < prev.Vaddr+prev.Memsz {
				return nil, fmt.Errorf("%w: LOAD segments at 0x%x and 0x%x overlap", ErrBadImage, prev.Vaddr, phdr.Vaddr)
			}
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("loader: failed to read segment at 0x%x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("loader: short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		var flags SegmentFlags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= SegmentFlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= SegmentFlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= SegmentFlagRead
		}

		prog.Segments = append(prog.Segments, Segment{
			VirtAddr: phdr.Vaddr,
			Data:     data,
			MemSize:  phdr.Memsz,
			Flags:    flags,
		})

		fillPages(pages, perms, pageSize, phdr.Vaddr, end, data, flags.perm())
	}

	for pageAddr, buf := range pages {
		m.MapPage(pageAddr, buf, perms[pageAddr])
	}

	return prog, nil
}

// fillPages rounds [start, end) down/up to page boundaries and accumulates
// one page-sized buffer per page the segment touches into pages, copying
// segment bytes at their correct intra-page offset and leaving the rest
// (including the p_memsz - p_filesz BSS tail) zeroed. Two adjacent,
// non-overlapping segments can still round onto the same physical page;
// since both write into the same pages map entry, the page carries the
// union of their permissions and each segment's own bytes, rather than one
// clobbering the other.
func fillPages(pages map[uint64][]byte, perms map[uint64]mmu.Perm, pageSize, start, end uint64, data []byte, perm mmu.Perm) {
	firstPage := (start / pageSize) * pageSize

	for pageAddr := firstPage; pageAddr < end; pageAddr += pageSize {
		buf, ok := pages[pageAddr]
		if !ok {
			buf = make([]byte, pageSize)
			pages[pageAddr] = buf
		}
		perms[pageAddr] |= perm

		pageEnd := pageAddr + pageSize
		copyStart := start
		if copyStart < pageAddr {
			copyStart = pageAddr
		}
		copyEnd := start + uint64(len(data))
		if copyEnd > pageEnd {
			copyEnd = pageEnd
		}
		if copyEnd > copyStart {
			srcOff := copyStart - start
			dstOff := copyStart - pageAddr
			copy(buf[dstOff:], data[srcOff:srcOff+(copyEnd-copyStart)])
		}
	}
}
