// Package cache implements the buffer cache: a fixed 64-slot table between
// the on-disk sector array and everything above it (free-map, inode,
// directory). It provides read/write with correct read-modify-write
// semantics, clock eviction, LOADING hand-off so concurrent demand for the
// same sector coalesces into one disk read, a periodic flusher, and a
// best-effort prefetch queue (spec §4.1).
package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calvinalkan/kfs/internal/device"
)

// NumSlots is the fixed size of the cache table (spec §4.1).
const NumSlots = 64

// FlushInterval is how often the background flusher runs (spec §4.1).
const FlushInterval = 30 * time.Second

// PrefetchQueueLen is the size of the best-effort prefetch queue (spec
// §4.1): requests beyond this are dropped rather than blocking the caller.
const PrefetchQueueLen = 16

// State is a cache slot's lifecycle state (spec §3).
type State uint8

const (
	Invalid State = iota
	Loading
	Valid
)

// slot is one cache entry. Two locks apply to different parts of it: the
// cache's global_lock governs slot *selection* (the accessed bit, as read
// and cleared during clock scans, and the state/sector identity changes
// that happen at hand-off time), while entry_lock (mu) governs the slot's
// data and dirty bit and is held across the slot's own disk I/O. A slot's
// sector/state transition at eviction time is made under both locks at
// once — global_lock first, then entry_lock nested inside it, mirroring
// how a hit acquires entry_lock before releasing global_lock — so a reader
// who has already taken entry_lock for this slot's current identity always
// finishes before the slot can be repurposed.
type slot struct {
	mu   sync.Mutex
	cond *sync.Cond

	sector   uint32
	state    State
	dirty    bool
	accessed bool
	data     [device.SectorSize]byte
}

// Cache is the buffer cache (spec §4.1).
type Cache struct {
	globalLock sync.Mutex
	slots      [NumSlots]*slot
	hand       int

	dev device.Device
	log *slog.Logger

	stats Stats

	prefetchQueue chan uint32
	done          chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// New constructs a cache over dev and starts its flusher and prefetch
// consumer goroutines.
func New(dev device.Device, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}

	c := &Cache{
		dev:           dev,
		log:           log,
		prefetchQueue: make(chan uint32, PrefetchQueueLen),
		done:          make(chan struct{}),
	}

	for i := range c.slots {
		s := &slot{}
		s.cond = sync.NewCond(&s.mu)
		c.slots[i] = s
	}

	c.wg.Add(2)
	go c.flusherLoop()
	go c.prefetchLoop()

	return c
}

// Read copies the full sector into buf, which must be exactly
// [device.SectorSize] bytes.
func (c *Cache) Read(sector uint32, buf []byte) error {
	return c.ReadAt(sector, buf, 0, device.SectorSize)
}

// ReadAt copies length bytes starting at offset within sector into buf. On
// a miss, the sector is loaded synchronously; at most one load per sector
// is in flight at a time.
func (c *Cache) ReadAt(sector uint32, buf []byte, offset, length int) error {
	err := checkRange(offset, length)
	if err != nil {
		return err
	}

	s, err := c.fetch(sector, true, false)
	if err != nil {
		return err
	}

	copy(buf[:length], s.data[offset:offset+length])
	s.mu.Unlock()

	return nil
}

// Write installs data into the cache and marks the slot dirty; it does not
// flush to disk. A partial write to a sector not yet resident triggers a
// read-modify-write; a write covering the whole sector skips the read,
// since the incoming data fully overwrites whatever was there.
func (c *Cache) Write(sector uint32, data []byte, offset, length int) error {
	err := checkRange(offset, length)
	if err != nil {
		return err
	}

	fullSector := offset == 0 && length == device.SectorSize

	s, err := c.fetch(sector, true, fullSector)
	if err != nil {
		return err
	}

	copy(s.data[offset:offset+length], data[:length])
	s.dirty = true
	s.mu.Unlock()

	return nil
}

// WriteSector implements [wal.Backend] so the cache can serve as the WAL's
// abort/checkpoint target directly, without wal importing this package.
func (c *Cache) WriteSector(sector uint32, offset int, data []byte) error {
	return c.Write(sector, data, offset, len(data))
}

// Flush writes every dirty VALID slot to disk and clears its dirty bit.
func (c *Cache) Flush() error {
	var firstErr error

	for _, s := range c.slots {
		s.mu.Lock()

		if s.state == Valid && s.dirty {
			err := c.dev.Write(s.sector, s.data[:])
			if err == nil {
				s.dirty = false
				c.stats.writebacks.Add(1)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("cache flush: sector %d: %w", s.sector, err)
			}
		}

		s.mu.Unlock()
	}

	return firstErr
}

// Shutdown stops the flusher and prefetcher and performs a final flush.
func (c *Cache) Shutdown() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	c.wg.Wait()

	return c.Flush()
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() StatsSnapshot {
	return StatsSnapshot{
		Hits:       c.stats.hits.Load(),
		Misses:     c.stats.misses.Load(),
		Evictions:  c.stats.evictions.Load(),
		Writebacks: c.stats.writebacks.Load(),
	}
}

func checkRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > device.SectorSize {
		return fmt.Errorf("cache: range [%d,%d) exceeds sector bounds", offset, offset+length)
	}

	return nil
}
