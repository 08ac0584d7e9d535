package dispatch_test

import (
	"io"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rv2wasm/corejit/dispatch"
)

var _ = Describe("FDTable", func() {
	var t *dispatch.FDTable

	BeforeEach(func() {
		t = dispatch.NewFDTable()
	})

	It("closes the standard streams without touching the host filesystem", func() {
		Expect(t.Close(1)).To(Succeed())
		_, err := t.Write(1, []byte("x"))
		Expect(err).To(HaveOccurred())
	})

	It("refuses to read or write stdin/stdout/stderr through the table", func() {
		_, err := t.Read(0, make([]byte, 1))
		Expect(err).To(HaveOccurred())

		_, err = t.Write(0, []byte("x"))
		Expect(err).To(HaveOccurred())

		_, err = t.Write(2, []byte("x"))
		Expect(err).To(HaveOccurred())
	})

	It("opens, writes, seeks, reads back, and closes a real file", func() {
		f, err := os.CreateTemp("", "fdtable-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.Remove(f.Name())
		f.Close()

		guestFD, err := t.Open(f.Name(), os.O_RDWR, 0o644)
		Expect(err).NotTo(HaveOccurred())
		Expect(guestFD).To(Equal(int64(3)))

		n, err := t.Write(guestFD, []byte("hello"))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(5))

		off, err := t.Seek(guestFD, 0, io.SeekStart)
		Expect(err).NotTo(HaveOccurred())
		Expect(off).To(Equal(int64(0)))

		buf := make([]byte, 5)
		n, err = t.Read(guestFD, buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(5))
		Expect(string(buf)).To(Equal("hello"))

		info, err := t.Stat(guestFD)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Size()).To(Equal(int64(5)))

		Expect(t.Close(guestFD)).To(Succeed())
		_, err = t.Read(guestFD, buf)
		Expect(err).To(HaveOccurred())
	})

	It("assigns successive guest FDs starting at 3", func() {
		fA, err := os.CreateTemp("", "fdtable-a-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.Remove(fA.Name())
		fA.Close()

		fB, err := os.CreateTemp("", "fdtable-b-*")
		Expect(err).NotTo(HaveOccurred())
		defer os.Remove(fB.Name())
		fB.Close()

		first, err := t.Open(fA.Name(), os.O_RDONLY, 0)
		Expect(err).NotTo(HaveOccurred())
		second, err := t.Open(fB.Name(), os.O_RDONLY, 0)
		Expect(err).NotTo(HaveOccurred())

		Expect(second).To(Equal(first + 1))
	})

	It("reports a character-device stub for a standard stream's stat", func() {
		info, err := t.Stat(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Mode() & os.ModeCharDevice).NotTo(Equal(os.FileMode(0)))
	})

	It("errors on an unknown guest FD", func() {
		_, err := t.Read(99, make([]byte, 1))
		Expect(err).To(HaveOccurred())
		Expect(t.Close(99)).To(HaveOccurred())
	})
})
