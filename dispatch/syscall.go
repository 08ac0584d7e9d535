package dispatch

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/rv2wasm/corejit/mmu"
)

// RV64 Linux syscall numbers. Argument registers are a0-a5 (x10-x15),
// the syscall number is in a7 (x17), and the return value (or -errno) is
// written back to a0.
const (
	sysRead      uint64 = 63
	sysWrite     uint64 = 64
	sysOpenat    uint64 = 56
	sysClose     uint64 = 57
	sysBrk       uint64 = 214
	sysFstat     uint64 = 80
	sysLseek     uint64 = 62
	sysWritev    uint64 = 66
	sysExit      uint64 = 93
	sysExitGroup uint64 = 94
)

// Linux errno values used by the syscalls above.
const (
	errEIO    = 5
	errEBADF  = 9
	errENOMEM = 12
	errEFAULT = 14
	errENOSYS = 38
)

const atFDCWD = -100

// syscallOutcome reports what Loop.Step should do after servicing one
// ecall: either resume at pc+4 (the common case) or terminate the
// program, per translate.ReasonSyscall's contract.
type syscallOutcome struct {
	exited   bool
	exitCode int64
}

// syscall services the ecall the hart just trapped into, reading the
// number and arguments out of the register file and writing the result
// (or -errno) back to a0. Covers the RV64 starting set this system
// targets; anything else returns -ENOSYS.
func (l *Loop) syscall() syscallOutcome {
	num := l.state.ReadX(17)
	a0 := l.state.ReadX(10)
	a1 := l.state.ReadX(11)
	a2 := l.state.ReadX(12)
	a3 := l.state.ReadX(13)

	switch num {
	case sysExit, sysExitGroup:
		return syscallOutcome{exited: true, exitCode: int64(a0)}
	case sysRead:
		l.sysRead(a0, a1, a2)
	case sysWrite:
		l.sysWrite(a0, a1, a2)
	case sysOpenat:
		l.sysOpenat(int64(a0), a1, uint32(a2), os.FileMode(a3&0o777))
	case sysClose:
		l.sysClose(a0)
	case sysBrk:
		l.sysBrk(a0)
	case sysFstat:
		l.sysFstat(a0, a1)
	case sysLseek:
		l.sysLseek(a0, int64(a1), int(a2))
	case sysWritev:
		l.sysWritev(a0, a1, a2)
	default:
		l.setErrno(errENOSYS)
	}
	return syscallOutcome{}
}

func (l *Loop) setErrno(errno int) {
	l.state.WriteX(10, uint64(-int64(errno)))
}

func (l *Loop) sysRead(guestFD, bufPtr, count uint64) {
	if guestFD == 0 {
		if l.stdin == nil {
			l.state.WriteX(10, 0)
			return
		}
		buf := make([]byte, count)
		n, err := l.stdin.Read(buf)
		if err != nil && n == 0 {
			l.state.WriteX(10, 0)
			return
		}
		if err := writeGuestBytes(l.mmu, bufPtr, buf[:n]); err != nil {
			l.setErrno(errEFAULT)
			return
		}
		l.state.WriteX(10, uint64(n))
		return
	}

	buf := make([]byte, count)
	n, err := l.fds.Read(int64(guestFD), buf)
	if err != nil && n == 0 {
		l.setErrno(errEBADF)
		return
	}
	if err := writeGuestBytes(l.mmu, bufPtr, buf[:n]); err != nil {
		l.setErrno(errEFAULT)
		return
	}
	l.state.WriteX(10, uint64(n))
}

func (l *Loop) sysWrite(guestFD, bufPtr, count uint64) {
	buf, err := readGuestBytes(l.mmu, bufPtr, int(count))
	if err != nil {
		l.setErrno(errEFAULT)
		return
	}

	var w io.Writer
	switch guestFD {
	case 1:
		w = l.stdout
	case 2:
		w = l.stderr
	default:
		n, err := l.fds.Write(int64(guestFD), buf)
		if err != nil {
			l.setErrno(errEBADF)
			return
		}
		l.state.WriteX(10, uint64(n))
		return
	}

	n, err := w.Write(buf)
	if err != nil {
		l.setErrno(errEIO)
		return
	}
	l.state.WriteX(10, uint64(n))
}

func (l *Loop) sysOpenat(dirfd int64, pathPtr uint64, flags uint32, mode os.FileMode) {
	if dirfd != atFDCWD {
		l.setErrno(errEBADF)
		return
	}
	path, err := readGuestCString(l.mmu, pathPtr, 4096)
	if err != nil {
		l.setErrno(errEFAULT)
		return
	}
	fd, err := l.fds.Open(path, int(flags), mode)
	if err != nil {
		l.setErrno(errEIO)
		return
	}
	l.state.WriteX(10, uint64(fd))
}

func (l *Loop) sysClose(guestFD uint64) {
	if err := l.fds.Close(int64(guestFD)); err != nil {
		l.setErrno(errEBADF)
		return
	}
	l.state.WriteX(10, 0)
}

// sysBrk models the classic "query or grow a single-arena heap"
// contract: brk(0) returns the current break, and any other argument at
// or above the current break grows the heap by mapping fresh
// zero-filled, read-write pages up to the requested address and moves
// the break there. A request below the current break leaves the break
// unchanged and returns it; pages are never unmapped.
func (l *Loop) sysBrk(addr uint64) {
	if addr == 0 || addr < l.brk {
		l.state.WriteX(10, l.brk)
		return
	}

	pageSize := l.mmu.PageSize()
	for pn := l.brk / pageSize; pn*pageSize < addr; pn++ {
		l.mmu.MapPage(pn*pageSize, make([]byte, pageSize), mmu.PermRead|mmu.PermWrite)
	}
	l.brk = addr
	l.state.WriteX(10, l.brk)
}

func (l *Loop) sysFstat(guestFD, statPtr uint64) {
	info, err := l.fds.Stat(int64(guestFD))
	if err != nil {
		l.setErrno(errEBADF)
		return
	}
	if err := writeGuestBytes(l.mmu, statPtr, marshalStat(info)); err != nil {
		l.setErrno(errEFAULT)
		return
	}
	l.state.WriteX(10, 0)
}

func (l *Loop) sysLseek(guestFD uint64, offset int64, whence int) {
	pos, err := l.fds.Seek(int64(guestFD), offset, whence)
	if err != nil {
		l.setErrno(errEBADF)
		return
	}
	l.state.WriteX(10, uint64(pos))
}

// sysWritev gathers iovcnt (struct iovec){iov_base, iov_len} pairs (16
// bytes each on RV64) from guest memory and writes their concatenation
// in one shot, rather than issuing iovcnt separate write syscalls.
func (l *Loop) sysWritev(guestFD, iovPtr, iovcnt uint64) {
	var total []byte
	for i := uint64(0); i < iovcnt; i++ {
		entry, err := readGuestBytes(l.mmu, iovPtr+i*16, 16)
		if err != nil {
			l.setErrno(errEFAULT)
			return
		}
		base := binary.LittleEndian.Uint64(entry[0:8])
		length := binary.LittleEndian.Uint64(entry[8:16])
		buf, err := readGuestBytes(l.mmu, base, int(length))
		if err != nil {
			l.setErrno(errEFAULT)
			return
		}
		total = append(total, buf...)
	}

	var w io.Writer
	switch guestFD {
	case 1:
		w = l.stdout
	case 2:
		w = l.stderr
	default:
		n, err := l.fds.Write(int64(guestFD), total)
		if err != nil {
			l.setErrno(errEBADF)
			return
		}
		l.state.WriteX(10, uint64(n))
		return
	}
	n, err := w.Write(total)
	if err != nil {
		l.setErrno(errEIO)
		return
	}
	l.state.WriteX(10, uint64(n))
}

// marshalStat builds a minimal RV64 struct stat: the fields guest libc
// actually inspects (mode, size, block count) are populated accurately;
// device/inode/timestamp fields are zeroed, since no guest program this
// system targets depends on them.
func marshalStat(info os.FileInfo) []byte {
	buf := make([]byte, 128)
	mode := uint32(info.Mode().Perm())
	switch {
	case info.Mode()&os.ModeCharDevice != 0:
		mode |= 0o020000 // S_IFCHR
	case info.IsDir():
		mode |= 0o040000 // S_IFDIR
	case info.Mode().IsRegular():
		mode |= 0o100000 // S_IFREG
	}
	binary.LittleEndian.PutUint32(buf[16:], mode)
	binary.LittleEndian.PutUint64(buf[48:], uint64(info.Size()))
	binary.LittleEndian.PutUint32(buf[56:], 4096) // st_blksize
	binary.LittleEndian.PutUint64(buf[64:], uint64((info.Size()+511)/512))
	return buf
}
