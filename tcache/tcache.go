// Package tcache implements the translation cache: a fixed-capacity,
// CLOCK-approximated-LRU map from (entry PC, vtype fingerprint) to a
// completed block translation, plus an interval index so a store to an
// executable page can invalidate every cached block it overlaps.
//
// There is exactly one insertion path (Insert), guarded by a mutex, ahead
// of a single-hart dispatcher that otherwise never contends on the cache.
// The mutex is here so the shape is already right the day a second hart
// shows up.
package tcache

import (
	"sort"
	"sync"

	"github.com/rv2wasm/corejit/config"
	"github.com/rv2wasm/corejit/translate"
)

// Key identifies one cached translation. Two translations starting at the
// same PC under different vtypes are different blocks, since vector
// element width and count are baked into the lowered code as constants.
type Key struct {
	PC               uint64
	VtypeFingerprint uint32
}

// Entry is one resident translation.
type Entry struct {
	Result *translate.Result

	// Handle is an opaque slot for whatever the caller's host wasm engine
	// needs to re-invoke this translation (a compiled module instance, a
	// function index, etc). tcache never looks inside it; installing and
	// interpreting a Handle is dispatch's job, since the engine itself is
	// out of scope here.
	Handle any
}

// Stats tracks cache activity: hits, misses, insertions, and evictions.
type Stats struct {
	Lookups    uint64
	Hits       uint64
	Misses     uint64
	Insertions uint64
	Evictions  uint64
}

type slot struct {
	key   Key
	entry *Entry
	used  bool
	ref   bool
}

type coveredSpan struct {
	start, end uint64
	key        Key
}

// Cache is the translation cache. Zero value is not usable; construct
// with New.
type Cache struct {
	mu sync.Mutex

	capacity int
	slots    []slot
	index    map[Key]int
	hand     int
	covered  []coveredSpan
	stats    Stats
}

// New builds an empty Cache sized per cfg.CacheCapacity.
func New(cfg config.Config) *Cache {
	return &Cache{
		capacity: cfg.CacheCapacity,
		slots:    make([]slot, cfg.CacheCapacity),
		index:    make(map[Key]int, cfg.CacheCapacity),
	}
}

// Lookup returns the resident entry for key, if any, marking it recently
// used (setting its CLOCK reference bit) on a hit.
func (c *Cache) Lookup(key Key) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Lookups++
	idx, ok := c.index[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	c.slots[idx].ref = true
	return c.slots[idx].entry, true
}

// Insert installs entry under key, evicting a CLOCK victim if the cache is
// already at capacity. If key is already resident — a racing translation
// of the same block completed first — the existing entry is kept and
// returned instead, since a translation is pure with respect to its key
// and the first one in is as good as any other.
func (c *Cache) Insert(key Key, entry *Entry) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.index[key]; ok {
		return c.slots[idx].entry
	}

	idx := c.evict()
	c.slots[idx] = slot{key: key, entry: entry, used: true, ref: true}
	c.index[key] = idx
	c.insertCovered(key, entry)
	c.stats.Insertions++
	return entry
}

// InvalidateRange evicts every cached block whose covered byte range
// overlaps [start, end), used when a guest store touches an executable
// page. The interval index is a sorted-by-start slice scanned linearly —
// adequate here since invalidation is off the hot path that every
// translated block's dispatch loop runs through.
func (c *Cache) InvalidateRange(start, end uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []Key
	for _, span := range c.covered {
		if span.start < end && start < span.end {
			victims = append(victims, span.key)
		}
	}
	for _, key := range victims {
		c.evictKey(key)
	}
}

// Len reports how many translations are currently resident.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Stats returns a snapshot of the cache's activity counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// evict finds a slot for a new entry, running the CLOCK algorithm (sweep
// the ring, clearing reference bits, until one is already clear) once
// every slot is in use.
func (c *Cache) evict() int {
	for i := range c.slots {
		if !c.slots[i].used {
			return i
		}
	}

	for {
		s := &c.slots[c.hand]
		if !s.ref {
			victimKey := s.key
			idx := c.hand
			c.hand = (c.hand + 1) % c.capacity
			delete(c.index, victimKey)
			c.removeCovered(victimKey)
			c.stats.Evictions++
			return idx
		}
		s.ref = false
		c.hand = (c.hand + 1) % c.capacity
	}
}

// evictKey removes a specific resident key's slot outright, used by
// InvalidateRange rather than the CLOCK sweep evict runs for a fresh
// Insert.
func (c *Cache) evictKey(key Key) {
	idx, ok := c.index[key]
	if !ok {
		return
	}
	c.slots[idx] = slot{}
	delete(c.index, key)
	c.removeCovered(key)
}

func (c *Cache) insertCovered(key Key, entry *Entry) {
	span := coveredSpan{start: entry.Result.Covered.Start, end: entry.Result.Covered.End, key: key}
	i := sort.Search(len(c.covered), func(i int) bool { return c.covered[i].start >= span.start })
	c.covered = append(c.covered, coveredSpan{})
	copy(c.covered[i+1:], c.covered[i:])
	c.covered[i] = span
}

func (c *Cache) removeCovered(key Key) {
	for i, span := range c.covered {
		if span.key == key {
			c.covered = append(c.covered[:i], c.covered[i+1:]...)
			return
		}
	}
}
