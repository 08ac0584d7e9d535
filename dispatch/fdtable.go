package dispatch

import (
	"os"
	"sync"
	"time"
)

// fd is one open guest file descriptor.
type fd struct {
	host   *os.File
	path   string
	isOpen bool
}

// FDTable manages guest file descriptors for the openat/read/write/close/
// lseek/fstat syscalls, generalized from a fixed ARM64 stdio-only table
// into one backing any guest-opened file.
type FDTable struct {
	mu     sync.Mutex
	fds    map[int64]*fd
	nextFD int64
}

// NewFDTable builds a table with stdin/stdout/stderr pre-opened.
func NewFDTable() *FDTable {
	t := &FDTable{fds: make(map[int64]*fd), nextFD: 3}
	t.fds[0] = &fd{path: "stdin", isOpen: true}
	t.fds[1] = &fd{path: "stdout", isOpen: true}
	t.fds[2] = &fd{path: "stderr", isOpen: true}
	return t
}

// Open opens path on the host and returns the guest FD it is assigned.
func (t *FDTable) Open(path string, flags int, mode os.FileMode) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(path, flags, mode)
	if err != nil {
		return 0, err
	}

	n := t.nextFD
	t.nextFD++
	t.fds[n] = &fd{host: f, path: path, isOpen: true}
	return n, nil
}

// Close closes a guest FD. Closing one of the standard streams just
// marks it closed; nothing is actually released on the host.
func (t *FDTable) Close(guestFD int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.fds[guestFD]
	if !ok || !e.isOpen {
		return os.ErrInvalid
	}
	if guestFD <= 2 {
		e.isOpen = false
		return nil
	}
	e.isOpen = false
	host := e.host
	e.host = nil
	if host != nil {
		return host.Close()
	}
	return nil
}

func (t *FDTable) get(guestFD int64) (*fd, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.fds[guestFD]
	if !ok || !e.isOpen {
		return nil, false
	}
	return e, true
}

// Read reads into buf from a guest FD's host file. Reading stdin is the
// caller's job (dispatch wires it through its own configured reader)
// since FDTable has no reference to one.
func (t *FDTable) Read(guestFD int64, buf []byte) (int, error) {
	e, ok := t.get(guestFD)
	if !ok || guestFD == 0 || e.host == nil {
		return 0, os.ErrInvalid
	}
	return e.host.Read(buf)
}

// Write writes buf to a guest FD's host file. Writing stdout/stderr is
// the caller's job, same reasoning as Read.
func (t *FDTable) Write(guestFD int64, buf []byte) (int, error) {
	e, ok := t.get(guestFD)
	if !ok || guestFD <= 2 || e.host == nil {
		return 0, os.ErrInvalid
	}
	return e.host.Write(buf)
}

// Seek repositions a guest FD's host file.
func (t *FDTable) Seek(guestFD int64, offset int64, whence int) (int64, error) {
	e, ok := t.get(guestFD)
	if !ok || guestFD <= 2 || e.host == nil {
		return 0, os.ErrInvalid
	}
	return e.host.Seek(offset, whence)
}

// Stat returns host file info for a guest FD, or a character-device stub
// for the standard streams.
func (t *FDTable) Stat(guestFD int64) (os.FileInfo, error) {
	e, ok := t.get(guestFD)
	if !ok {
		return nil, os.ErrInvalid
	}
	if guestFD <= 2 {
		return &stdioInfo{name: e.path}, nil
	}
	if e.host == nil {
		return nil, os.ErrInvalid
	}
	return e.host.Stat()
}

type stdioInfo struct{ name string }

func (s *stdioInfo) Name() string       { return s.name }
func (s *stdioInfo) Size() int64        { return 0 }
func (s *stdioInfo) Mode() os.FileMode  { return os.ModeCharDevice | 0o666 }
func (s *stdioInfo) ModTime() time.Time { return time.Time{} }
func (s *stdioInfo) IsDir() bool        { return false }
func (s *stdioInfo) Sys() any           { return nil }
