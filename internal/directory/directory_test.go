package directory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kfs/internal/cache"
	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/inode"
	"github.com/calvinalkan/kfs/internal/layout"
	"github.com/calvinalkan/kfs/internal/wal"
)

type fixture struct {
	c     *cache.Cache
	m     *wal.Manager
	fm    *inode.FreeMap
	table *inode.Table
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dev := device.NewMem(layout.DataStartSector + 400)
	c := cache.New(dev, nil)

	m, err := wal.Format(dev, nil)
	require.NoError(t, err)

	m.AttachBackend(c)

	fm, err := inode.FormatFreeMap(c, c, layout.DataStartSector+400)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = c.Shutdown()
	})

	return &fixture{c: c, m: m, fm: fm, table: inode.NewTable(c)}
}

func (f *fixture) beginTxn(t *testing.T) *wal.Txn {
	t.Helper()

	txn, err := f.m.Begin()
	require.NoError(t, err)

	return txn
}

func (f *fixture) newDir(t *testing.T, parentSector uint32) *Directory {
	t.Helper()

	txn := f.beginTxn(t)

	ino, err := f.table.Create(txn, f.fm, inode.TypeDir)
	require.NoError(t, err)

	d := Open(ino)

	if parentSector == 0 {
		parentSector = ino.Sector
	}

	require.NoError(t, CreateWithParent(txn, f.c, f.fm, ino, parentSector))
	require.NoError(t, txn.Commit())

	return d
}

func TestCreateWithParent_RootPointsToItself(t *testing.T) {
	f := newFixture(t)
	d := f.newDir(t, 0)

	sector, ok, err := d.Lookup(f.c, ".")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d.Ino.Sector, sector)

	sector, ok, err = d.Lookup(f.c, "..")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d.Ino.Sector, sector)
}

func TestAdd_RejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	root := f.newDir(t, 0)

	txn := f.beginTxn(t)
	ok, err := root.Add(txn, f.c, f.fm, "foo", 123)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = root.Add(txn, f.c, f.fm, "foo", 456)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, txn.Commit())
}

func TestAdd_ReusesFreedSlot(t *testing.T) {
	f := newFixture(t)
	root := f.newDir(t, 0)

	txn := f.beginTxn(t)
	ok, err := root.Add(txn, f.c, f.fm, "a", 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, txn.Commit())

	lenBefore := root.Ino.Length()

	txn = f.beginTxn(t)
	_, ok, err = root.Remove(txn, f.c, f.fm, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, txn.Commit())

	txn = f.beginTxn(t)
	ok, err = root.Add(txn, f.c, f.fm, "b", 20)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, txn.Commit())

	require.Equal(t, lenBefore, root.Ino.Length(), "reused slot must not grow the directory")

	sector, ok, err := root.Lookup(f.c, "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(20), sector)

	_, ok, err = root.Lookup(f.c, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReaddir_SkipsDotEntries(t *testing.T) {
	f := newFixture(t)
	root := f.newDir(t, 0)

	txn := f.beginTxn(t)
	_, err := root.Add(txn, f.c, f.fm, "alpha", 10)
	require.NoError(t, err)
	_, err = root.Add(txn, f.c, f.fm, "beta", 20)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	var names []string

	for {
		name, ok, err := root.Readdir(f.c)
		require.NoError(t, err)

		if !ok {
			break
		}

		names = append(names, name)
	}

	require.ElementsMatch(t, []string{"alpha", "beta"}, names)
}

func TestIsEmpty_TrueOnlyWithDotEntries(t *testing.T) {
	f := newFixture(t)
	root := f.newDir(t, 0)

	empty, err := root.IsEmpty(f.c)
	require.NoError(t, err)
	require.True(t, empty)

	txn := f.beginTxn(t)
	_, err = root.Add(txn, f.c, f.fm, "child", 99)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	empty, err = root.IsEmpty(f.c)
	require.NoError(t, err)
	require.False(t, empty)
}

func TestRemove_NLinkReachesZeroMarksRemoved(t *testing.T) {
	f := newFixture(t)
	root := f.newDir(t, 0)

	txn := f.beginTxn(t)
	fileIno, err := f.table.Create(txn, f.fm, inode.TypeFile)
	require.NoError(t, err)

	ok, err := root.Add(txn, f.c, f.fm, "file.txt", fileIno.Sector)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, txn.Commit())

	txn = f.beginTxn(t)
	sector, ok, err := root.Remove(txn, f.c, f.fm, "file.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, fileIno.Sector, sector)

	remaining, err := fileIno.DecrementNLink(txn, f.c)
	require.NoError(t, err)
	require.Equal(t, uint32(0), remaining)

	if remaining == 0 {
		fileIno.MarkRemoved()
	}

	require.NoError(t, txn.Commit())

	err = f.table.Close(fileIno, f.fm)
	require.NoError(t, err)
}
