package superblock

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/fsys"
)

func TestBuildThenDumpThenLoad_RoundTrips(t *testing.T) {
	dev := device.NewMem(4096)

	fs, err := fsys.Init(dev, true, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = fs.Done() })

	snap := Build(dev, fs.FreeMap(), fs.Cache(), fs.WAL(), time.Unix(1700000000, 0))
	require.Equal(t, uint32(4096), snap.DeviceSectors)
	require.Equal(t, uint32(1), snap.Layout.RootDirSector)
	require.Positive(t, snap.FreeMap.TotalSectors)

	path := filepath.Join(t.TempDir(), "superblock.json")
	require.NoError(t, Dump(path, snap))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, snap, got)
}
