package inode

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kfs/internal/cache"
	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/layout"
	"github.com/calvinalkan/kfs/internal/wal"
)

type fixture struct {
	dev *device.Mem
	c   *cache.Cache
	m   *wal.Manager
	fm  *FreeMap
}

func newFixture(t *testing.T, sectors uint32) *fixture {
	t.Helper()

	dev := device.NewMem(sectors)
	c := cache.New(dev, nil)

	m, err := wal.Format(dev, nil)
	require.NoError(t, err)

	m.AttachBackend(c)

	fm, err := FormatFreeMap(c, c, sectors)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Shutdown()
	})

	return &fixture{dev: dev, c: c, m: m, fm: fm}
}

func (f *fixture) beginTxn(t *testing.T) *wal.Txn {
	t.Helper()

	txn, err := f.m.Begin()
	require.NoError(t, err)

	return txn
}

func TestDiskInode_EncodeDecodeRoundTrip(t *testing.T) {
	d := Disk{
		Magic:  Magic,
		Type:   TypeFile,
		Length: 4096,
		NLink:  1,
		Direct: [DirectCount]uint32{1, 2, 3},
		Single: 99,
		Double: 100,
	}

	buf := EncodeDisk(d)
	got, err := DecodeDisk(buf)
	require.NoError(t, err)
	require.Equal(t, d, got)
}

func TestDecodeDisk_BadMagic(t *testing.T) {
	buf := make([]byte, device.SectorSize)

	_, err := DecodeDisk(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestLocate_Levels(t *testing.T) {
	loc, err := locate(0)
	require.NoError(t, err)
	require.Equal(t, 0, loc.level)

	loc, err = locate(DirectCount)
	require.NoError(t, err)
	require.Equal(t, 1, loc.level)
	require.Equal(t, 0, loc.singleIdx)

	loc, err = locate(DirectCount + SingleIndirectCapacity)
	require.NoError(t, err)
	require.Equal(t, 2, loc.level)
	require.Equal(t, 0, loc.doubleOuter)
	require.Equal(t, 0, loc.singleIdx)
}

func TestWriteAt_ExtendsPastEOF(t *testing.T) {
	f := newFixture(t, layout.DataStartSector+400)

	table := NewTable(f.c)
	createTxn := f.beginTxn(t)
	fileIno, err := table.Create(createTxn, f.fm, TypeFile)
	require.NoError(t, err)
	require.NoError(t, createTxn.Commit())

	txn := f.beginTxn(t)

	n, err := fileIno.WriteAt(txn, f.c, f.fm, []byte("x"), 513)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	err = txn.Commit()
	require.NoError(t, err)

	require.Equal(t, uint32(514), fileIno.Length())

	buf := make([]byte, 514)
	got, err := fileIno.ReadAt(f.c, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 514, got)

	for i := 0; i < 513; i++ {
		require.Equal(t, byte(0), buf[i], "byte %d should be zero-filled", i)
	}

	require.Equal(t, byte('x'), buf[513])
}

func TestWriteAt_DenyWriteReturnsZero(t *testing.T) {
	f := newFixture(t, layout.DataStartSector+100)

	table := NewTable(f.c)
	txn0 := f.beginTxn(t)
	ino, err := table.Create(txn0, f.fm, TypeFile)
	require.NoError(t, err)

	err = txn0.Commit()
	require.NoError(t, err)

	ino.DenyWrite()

	txn := f.beginTxn(t)
	n, err := ino.WriteAt(txn, f.c, f.fm, []byte("data"), 0)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestFreeMap_AllocateThenRelease(t *testing.T) {
	f := newFixture(t, layout.DataStartSector+100)

	sectors, ok := f.fm.Allocate(3)
	require.True(t, ok)
	require.Len(t, sectors, 3)

	for _, s := range sectors {
		require.True(t, testBit(f.fm.bits, int(s)))
	}

	f.fm.Release(sectors[0], 1)
	require.False(t, testBit(f.fm.bits, int(sectors[0])))
}

func TestFreeMap_ReservedSectorsAlwaysAllocated(t *testing.T) {
	f := newFixture(t, layout.DataStartSector+100)

	for s := uint32(0); s < layout.DataStartSector; s++ {
		require.True(t, testBit(f.fm.bits, int(s)), "reserved sector %d must be allocated", s)
	}
}

func TestFreeMap_DoubleReleasePanics(t *testing.T) {
	f := newFixture(t, layout.DataStartSector+100)

	sectors, ok := f.fm.Allocate(1)
	require.True(t, ok)

	f.fm.Release(sectors[0], 1)

	require.Panics(t, func() {
		f.fm.Release(sectors[0], 1)
	})
}

func TestTable_ReopenIncrementsOpenCnt(t *testing.T) {
	f := newFixture(t, layout.DataStartSector+100)

	table := NewTable(f.c)
	txn := f.beginTxn(t)
	ino, err := table.Create(txn, f.fm, TypeFile)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	require.Equal(t, 1, ino.OpenCount())

	again, err := table.Open(ino.Sector)
	require.NoError(t, err)
	require.Same(t, ino, again)
	require.Equal(t, 2, ino.OpenCount())

	err = table.Close(ino, f.fm)
	require.NoError(t, err)
	require.Equal(t, 1, ino.OpenCount())
}

func TestTable_CloseAtZeroReleasesRemovedInode(t *testing.T) {
	f := newFixture(t, layout.DataStartSector+400)

	table := NewTable(f.c)
	txn := f.beginTxn(t)
	ino, err := table.Create(txn, f.fm, TypeFile)
	require.NoError(t, err)

	n, err := ino.WriteAt(txn, f.c, f.fm, []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, txn.Commit())

	dataSector := ino.disk.Direct[0]
	require.True(t, testBit(f.fm.bits, int(dataSector)))

	ino.MarkRemoved()

	err = table.Close(ino, f.fm)
	require.NoError(t, err)

	require.False(t, testBit(f.fm.bits, int(dataSector)))
}
