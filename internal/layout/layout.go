// Package layout centralizes the fixed sector assignments shared by the
// WAL, inode, and free-map layers, so the on-disk geometry lives in exactly
// one place.
package layout

// Fixed sector assignments (spec §3, §6).
const (
	// FreeMapSector holds the free-map inode.
	FreeMapSector uint32 = 0

	// RootDirSector holds the root directory inode.
	RootDirSector uint32 = 1

	// LogStartSector is the first sector of the 64-entry WAL ring.
	LogStartSector uint32 = 2

	// LogSectorCount is the number of sectors in the WAL ring.
	LogSectorCount uint32 = 64

	// LogEndSector is one past the last WAL ring sector (exclusive).
	LogEndSector uint32 = LogStartSector + LogSectorCount

	// WALMetaSector holds the WAL's persistent metadata record.
	WALMetaSector uint32 = LogEndSector

	// DataStartSector is the first sector available for user data and
	// inode-referenced metadata.
	DataStartSector uint32 = WALMetaSector + 1
)

// Reserved reports whether sector is part of the fixed layout (free-map
// inode, root directory inode, WAL ring, or WAL metadata) and therefore
// must always read as allocated in the free-map.
func Reserved(sector uint32) bool {
	return sector < DataStartSector
}
