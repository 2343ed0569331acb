package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kfs/internal/device"
)

const (
	testEventualTimeout = time.Second
	testEventualTick    = 5 * time.Millisecond
)

func newTestCache(t *testing.T, sectors uint32) (*Cache, *device.Mem) {
	t.Helper()

	dev := device.NewMem(sectors)
	c := New(dev, nil)

	t.Cleanup(func() {
		_ = c.Shutdown()
	})

	return c, dev
}

func TestReadMissThenHit(t *testing.T) {
	c, dev := newTestCache(t, 200)

	seed := make([]byte, device.SectorSize)
	for i := range seed {
		seed[i] = byte(i)
	}

	err := dev.Write(100, seed)
	require.NoError(t, err)

	buf1 := make([]byte, device.SectorSize)
	err = c.Read(100, buf1)
	require.NoError(t, err)
	require.Equal(t, seed, buf1)

	buf2 := make([]byte, device.SectorSize)
	err = c.Read(100, buf2)
	require.NoError(t, err)
	require.Equal(t, buf1, buf2)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, uint64(1), stats.Hits)
}

func TestConcurrentMissCoalesces(t *testing.T) {
	c, dev := newTestCache(t, 200)

	seed := make([]byte, device.SectorSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}

	err := dev.Write(200-1, seed)
	require.NoError(t, err)

	var wg sync.WaitGroup

	buf1 := make([]byte, device.SectorSize)
	buf2 := make([]byte, device.SectorSize)

	wg.Add(2)

	go func() {
		defer wg.Done()

		err := c.Read(199, buf1)
		require.NoError(t, err)
	}()

	go func() {
		defer wg.Done()

		err := c.Read(199, buf2)
		require.NoError(t, err)
	}()

	wg.Wait()

	require.Equal(t, seed, buf1)
	require.Equal(t, seed, buf2)

	// The second reader waits on the first one's load instead of issuing
	// its own disk read.
	require.Equal(t, uint64(1), c.Stats().Misses)
}

func TestWrite_PartialRequiresReadModifyWrite(t *testing.T) {
	c, dev := newTestCache(t, 10)

	seed := make([]byte, device.SectorSize)
	for i := range seed {
		seed[i] = 0xAA
	}

	err := dev.Write(5, seed)
	require.NoError(t, err)

	err = c.Write(5, []byte{0xFF, 0xFF}, 10, 2)
	require.NoError(t, err)

	buf := make([]byte, device.SectorSize)
	err = c.Read(5, buf)
	require.NoError(t, err)

	require.Equal(t, byte(0xAA), buf[9])
	require.Equal(t, byte(0xFF), buf[10])
	require.Equal(t, byte(0xFF), buf[11])
	require.Equal(t, byte(0xAA), buf[12])
}

func TestWrite_FullSectorSkipsRead(t *testing.T) {
	c, dev := newTestCache(t, 10)

	full := make([]byte, device.SectorSize)
	for i := range full {
		full[i] = 0x42
	}

	// Leave the underlying device uninitialized (zero) for sector 3: a
	// full-sector write must not need to read it first.
	err := c.Write(3, full, 0, device.SectorSize)
	require.NoError(t, err)

	buf := make([]byte, device.SectorSize)
	err = c.Read(3, buf)
	require.NoError(t, err)
	require.Equal(t, full, buf)

	err = c.Flush()
	require.NoError(t, err)

	onDisk := make([]byte, device.SectorSize)
	err = dev.Read(3, onDisk)
	require.NoError(t, err)
	require.Equal(t, full, onDisk)
}

func TestFlush_ClearsDirtyAndWritesBack(t *testing.T) {
	c, dev := newTestCache(t, 10)

	data := make([]byte, device.SectorSize)
	data[0] = 0x7A

	err := c.Write(2, data, 0, device.SectorSize)
	require.NoError(t, err)

	err = c.Flush()
	require.NoError(t, err)

	onDisk := make([]byte, device.SectorSize)
	err = dev.Read(2, onDisk)
	require.NoError(t, err)
	require.Equal(t, data, onDisk)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Writebacks)
}

func TestEviction_FlushesDirtyVictimFirst(t *testing.T) {
	c, dev := newTestCache(t, NumSlots+8)

	// Fill the entire cache with dirty sectors, forcing eviction on the
	// next distinct sector.
	for i := uint32(0); i < NumSlots; i++ {
		data := make([]byte, device.SectorSize)
		data[0] = byte(i + 1)

		err := c.Write(i, data, 0, device.SectorSize)
		require.NoError(t, err)
	}

	// One more distinct sector forces an eviction.
	err := c.Write(NumSlots, make([]byte, device.SectorSize), 0, device.SectorSize)
	require.NoError(t, err)

	stats := c.Stats()
	require.GreaterOrEqual(t, stats.Evictions, uint64(1))

	// Whichever sector got evicted must have reached disk dirty.
	var anyNonZero bool

	for i := uint32(0); i < NumSlots; i++ {
		buf := make([]byte, device.SectorSize)
		err := dev.Read(i, buf)
		require.NoError(t, err)

		if buf[0] == byte(i+1) {
			anyNonZero = true
		}
	}

	require.True(t, anyNonZero)
}

func TestRequestPrefetch_LoadsWithoutSettingAccessed(t *testing.T) {
	c, dev := newTestCache(t, 10)

	seed := make([]byte, device.SectorSize)
	seed[0] = 0x99

	err := dev.Write(4, seed)
	require.NoError(t, err)

	c.RequestPrefetch(4)

	require.Eventually(t, func() bool {
		buf := make([]byte, device.SectorSize)

		err := c.ReadAt(4, buf, 0, 1)

		return err == nil && buf[0] == 0x99
	}, testEventualTimeout, testEventualTick)
}

func TestWriteSector_SatisfiesBackendInterface(t *testing.T) {
	c, _ := newTestCache(t, 10)

	err := c.WriteSector(1, 0, []byte{1, 2, 3})
	require.NoError(t, err)

	buf := make([]byte, 3)
	err = c.ReadAt(1, buf, 0, 3)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, buf)
}
