package cache

import "sync/atomic"

// Stats holds the cache's read-only counters (spec §4.1), each updated
// atomically so they're safe to read from callers other than the one
// holding a slot's lock at the time.
type Stats struct {
	hits       atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	writebacks atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of [Stats] for tests and
// diagnostics.
type StatsSnapshot struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64
}
