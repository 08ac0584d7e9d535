package dispatch

import (
	"errors"
	"fmt"

	"github.com/rv2wasm/corejit/mmu"
)

// readGuestBytes reads n bytes of guest memory starting at addr, crossing
// page boundaries as needed. Used by syscall handling to pull in path
// strings and iovec buffers -- a dispatcher-side concern distinct from
// the load_guest/store_guest calls lowered code issues for ordinary
// loads and stores.
func readGuestBytes(m *mmu.MMU, addr uint64, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		page, off, err := m.TranslateRead(addr)
		if err != nil {
			return nil, fmt.Errorf("dispatch: reading guest memory at 0x%x: %w", addr, err)
		}
		avail := len(page.Data) - int(off)
		take := n - len(out)
		if take > avail {
			take = avail
		}
		out = append(out, page.Data[off:off+uint64(take)]...)
		addr += uint64(take)
	}
	return out, nil
}

// writeGuestBytes writes data into guest memory starting at addr,
// crossing page boundaries as needed.
func writeGuestBytes(m *mmu.MMU, addr uint64, data []byte) error {
	for len(data) > 0 {
		page, off, err := m.TranslateWrite(addr)
		if err != nil {
			return fmt.Errorf("dispatch: writing guest memory at 0x%x: %w", addr, err)
		}
		avail := len(page.Data) - int(off)
		take := len(data)
		if take > avail {
			take = avail
		}
		copy(page.Data[off:off+uint64(take)], data[:take])
		data = data[take:]
		addr += uint64(take)
	}
	return nil
}

// readGuestCString reads a NUL-terminated string from guest memory,
// failing rather than looping forever if no terminator is found within
// maxLen bytes.
func readGuestCString(m *mmu.MMU, addr uint64, maxLen int) (string, error) {
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		b, err := readGuestBytes(m, addr+uint64(i), 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", errors.New("dispatch: guest string exceeds maximum length")
}
