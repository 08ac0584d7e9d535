package tcache_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rv2wasm/corejit/config"
	"github.com/rv2wasm/corejit/tcache"
	"github.com/rv2wasm/corejit/translate"
)

func entryAt(pc uint64, length uint64) *tcache.Entry {
	return &tcache.Entry{Result: &translate.Result{
		Covered: translate.CoveredRange{Start: pc, End: pc + length},
	}}
}

var _ = Describe("Cache", func() {
	var cfg config.Config

	BeforeEach(func() {
		cfg = config.Default()
	})

	It("reports a miss and zero length before anything is inserted", func() {
		c := tcache.New(cfg)
		_, ok := c.Lookup(tcache.Key{PC: 0x1000})
		Expect(ok).To(BeFalse())
		Expect(c.Len()).To(Equal(0))
		Expect(c.Stats().Misses).To(Equal(uint64(1)))
	})

	It("returns what was inserted on a subsequent lookup", func() {
		c := tcache.New(cfg)
		key := tcache.Key{PC: 0x1000, VtypeFingerprint: 7}
		e := entryAt(0x1000, 4)

		c.Insert(key, e)
		got, ok := c.Lookup(key)
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(e))
		Expect(c.Len()).To(Equal(1))
	})

	It("treats distinct vtype fingerprints at the same PC as distinct keys", func() {
		c := tcache.New(cfg)
		a := tcache.Key{PC: 0x2000, VtypeFingerprint: 1}
		b := tcache.Key{PC: 0x2000, VtypeFingerprint: 2}

		c.Insert(a, entryAt(0x2000, 4))
		c.Insert(b, entryAt(0x2000, 4))

		Expect(c.Len()).To(Equal(2))
		_, ok := c.Lookup(a)
		Expect(ok).To(BeTrue())
		_, ok = c.Lookup(b)
		Expect(ok).To(BeTrue())
	})

	It("keeps the first translation when the same key is inserted twice", func() {
		c := tcache.New(cfg)
		key := tcache.Key{PC: 0x3000}
		first := entryAt(0x3000, 4)
		second := entryAt(0x3000, 4)

		got := c.Insert(key, first)
		Expect(got).To(BeIdenticalTo(first))

		got = c.Insert(key, second)
		Expect(got).To(BeIdenticalTo(first))
		Expect(c.Len()).To(Equal(1))
	})

	It("evicts the sole resident entry once a single-slot cache takes a second key", func() {
		cfg.CacheCapacity = 1
		c := tcache.New(cfg)

		keyA := tcache.Key{PC: 0x4000}
		keyB := tcache.Key{PC: 0x4004}
		c.Insert(keyA, entryAt(0x4000, 4))
		c.Insert(keyB, entryAt(0x4004, 4))

		_, ok := c.Lookup(keyA)
		Expect(ok).To(BeFalse())
		_, ok = c.Lookup(keyB)
		Expect(ok).To(BeTrue())
		Expect(c.Stats().Evictions).To(Equal(uint64(1)))
	})

	It("protects a recently looked-up entry from the next CLOCK sweep", func() {
		cfg.CacheCapacity = 3
		c := tcache.New(cfg)

		keyA := tcache.Key{PC: 0x5000}
		keyB := tcache.Key{PC: 0x5004}
		keyC := tcache.Key{PC: 0x5008}
		keyD := tcache.Key{PC: 0x500C}
		keyE := tcache.Key{PC: 0x5010}

		c.Insert(keyA, entryAt(0x5000, 4))
		c.Insert(keyB, entryAt(0x5004, 4))
		c.Insert(keyC, entryAt(0x5008, 4))

		// Cache is full; this insertion's CLOCK sweep clears every
		// reference bit once around before it finds A's now-clear bit and
		// evicts it.
		c.Insert(keyD, entryAt(0x500C, 4))
		_, ok := c.Lookup(keyA)
		Expect(ok).To(BeFalse())

		// Touching B sets its reference bit again, so the very next sweep
		// (which starts by re-clearing B's bit) passes over B and evicts
		// C instead, whose bit was never re-set.
		_, ok = c.Lookup(keyB)
		Expect(ok).To(BeTrue())

		c.Insert(keyE, entryAt(0x5010, 4))

		_, ok = c.Lookup(keyB)
		Expect(ok).To(BeTrue(), "B was refreshed and should survive the sweep")
		_, ok = c.Lookup(keyC)
		Expect(ok).To(BeFalse(), "C was never refreshed and should be evicted")
		_, ok = c.Lookup(keyD)
		Expect(ok).To(BeTrue())
		_, ok = c.Lookup(keyE)
		Expect(ok).To(BeTrue())
	})

	Describe("InvalidateRange", func() {
		It("evicts only entries whose covered range overlaps the invalidated range", func() {
			c := tcache.New(cfg)

			overlapping := tcache.Key{PC: 0x6000}
			disjoint := tcache.Key{PC: 0x7000}
			c.Insert(overlapping, entryAt(0x6000, 16))
			c.Insert(disjoint, entryAt(0x7000, 16))

			c.InvalidateRange(0x6008, 0x600C)

			_, ok := c.Lookup(overlapping)
			Expect(ok).To(BeFalse())
			_, ok = c.Lookup(disjoint)
			Expect(ok).To(BeTrue())
		})

		It("does nothing when the range touches no cached block", func() {
			c := tcache.New(cfg)
			key := tcache.Key{PC: 0x8000}
			c.Insert(key, entryAt(0x8000, 4))

			c.InvalidateRange(0x9000, 0x9004)

			_, ok := c.Lookup(key)
			Expect(ok).To(BeTrue())
		})

		It("makes the slot available for reuse after invalidation", func() {
			cfg.CacheCapacity = 1
			c := tcache.New(cfg)

			key := tcache.Key{PC: 0xA000}
			c.Insert(key, entryAt(0xA000, 4))
			c.InvalidateRange(0xA000, 0xA004)
			Expect(c.Len()).To(Equal(0))

			next := tcache.Key{PC: 0xB000}
			c.Insert(next, entryAt(0xB000, 4))
			_, ok := c.Lookup(next)
			Expect(ok).To(BeTrue())
			Expect(c.Stats().Evictions).To(Equal(uint64(0)), "reusing a freed slot is not an eviction")
		})
	})
})
