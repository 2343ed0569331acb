package wal

// Backend is the subset of the buffer cache the WAL needs to roll back an
// aborted transaction (spec §4.5: "replay them... writing old_data back to
// the sector via the cache; flush the cache"). It is a narrow interface so
// this package never imports the cache package — the filesystem glue layer
// wires the concrete cache in with [Manager.AttachBackend].
type Backend interface {
	// WriteSector installs data at the given sector/offset, marking the
	// slot dirty. Semantically equivalent to the buffer cache's write.
	WriteSector(sector uint32, offset int, data []byte) error

	// Flush writes every dirty slot to the underlying device.
	Flush() error
}
