// Package superblock exports a point-in-time JSON snapshot of the mounted
// filesystem's geometry and live counters, for `kfsctl dump-superblock`.
// Snapshot writes go through github.com/natefinch/atomic, the same
// temp-file-plus-rename helper the teacher uses for its own cache and
// ticket files, so a concurrent reader never observes a half-written
// snapshot.
package superblock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/natefinch/atomic"

	"github.com/calvinalkan/kfs/internal/cache"
	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/inode"
	"github.com/calvinalkan/kfs/internal/layout"
	"github.com/calvinalkan/kfs/internal/wal"
)

// Snapshot is the JSON-serializable shape written by [Dump] (for
// `kfsctl dump-superblock`) and read back by [Load].
type Snapshot struct {
	TakenAtUnix int64 `json:"taken_at_unix"`

	DeviceSectors uint32 `json:"device_sectors"`

	Layout struct {
		FreeMapSector   uint32 `json:"free_map_sector"`
		RootDirSector   uint32 `json:"root_dir_sector"`
		LogStartSector  uint32 `json:"log_start_sector"`
		LogSectorCount  uint32 `json:"log_sector_count"`
		WALMetaSector   uint32 `json:"wal_meta_sector"`
		DataStartSector uint32 `json:"data_start_sector"`
	} `json:"layout"`

	FreeMap struct {
		FreeSectors  uint32 `json:"free_sectors"`
		TotalSectors uint32 `json:"total_sectors"`
	} `json:"free_map"`

	Cache struct {
		Hits       uint64 `json:"hits"`
		Misses     uint64 `json:"misses"`
		Evictions  uint64 `json:"evictions"`
		Writebacks uint64 `json:"writebacks"`
	} `json:"cache"`

	WAL struct {
		MountID      string `json:"mount_id"`
		Appends      uint64 `json:"appends"`
		Flushes      uint64 `json:"flushes"`
		Commits      uint64 `json:"commits"`
		Aborts       uint64 `json:"aborts"`
		Checkpoints  uint64 `json:"checkpoints"`
		Recoveries   uint64 `json:"recoveries"`
		BytesFlushed uint64 `json:"bytes_flushed"`
		CheckpointPending bool `json:"checkpoint_pending"`
	} `json:"wal"`
}

// Build assembles a Snapshot from the live filesystem components. now is
// injected rather than taken from time.Now directly so callers in tests
// can pin it.
func Build(dev device.Device, fm *inode.FreeMap, c *cache.Cache, m *wal.Manager, now time.Time) Snapshot {
	var snap Snapshot

	snap.TakenAtUnix = now.Unix()
	snap.DeviceSectors = dev.Size()

	snap.Layout.FreeMapSector = layout.FreeMapSector
	snap.Layout.RootDirSector = layout.RootDirSector
	snap.Layout.LogStartSector = layout.LogStartSector
	snap.Layout.LogSectorCount = layout.LogSectorCount
	snap.Layout.WALMetaSector = layout.WALMetaSector
	snap.Layout.DataStartSector = layout.DataStartSector

	free, total := fm.Usage()
	snap.FreeMap.FreeSectors = free
	snap.FreeMap.TotalSectors = total

	cs := c.Stats()
	snap.Cache.Hits = cs.Hits
	snap.Cache.Misses = cs.Misses
	snap.Cache.Evictions = cs.Evictions
	snap.Cache.Writebacks = cs.Writebacks

	ws := m.Stats()
	snap.WAL.MountID = m.MountID().String()
	snap.WAL.Appends = ws.Appends
	snap.WAL.Flushes = ws.Flushes
	snap.WAL.Commits = ws.Commits
	snap.WAL.Aborts = ws.Aborts
	snap.WAL.Checkpoints = ws.Checkpoints
	snap.WAL.Recoveries = ws.Recoveries
	snap.WAL.BytesFlushed = ws.BytesFlushed
	snap.WAL.CheckpointPending = m.CheckpointPending()

	return snap
}

// Dump atomically writes snap as indented JSON to path.
func Dump(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("superblock: marshal: %w", err)
	}

	data = append(data, '\n')

	err = atomic.WriteFile(path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("superblock: write %s: %w", path, err)
	}

	return nil
}

// Load reads back a Snapshot previously written by [Dump].
func Load(path string) (Snapshot, error) {
	var snap Snapshot

	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("superblock: read %s: %w", path, err)
	}

	err = json.Unmarshal(data, &snap)
	if err != nil {
		return Snapshot{}, fmt.Errorf("superblock: unmarshal %s: %w", path, err)
	}

	return snap, nil
}
