package fsys

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/layout"
)

func newFormatted(t *testing.T, sectors uint32) *Filesystem {
	t.Helper()

	dev := device.NewMem(sectors)

	fs, err := Init(dev, true, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = fs.Done()
	})

	return fs
}

func TestInit_FormatThenCreateFile(t *testing.T) {
	fs := newFormatted(t, layout.DataStartSector+200)

	f, err := fs.Create("hello.txt", 0)
	require.NoError(t, err)

	n, err := f.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	f.Seek(0)

	buf := make([]byte, 11)
	n, err = f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 11, n)
	require.Equal(t, "hello world", string(buf))

	require.NoError(t, f.Close())
}

func TestCreate_RejectsDuplicateName(t *testing.T) {
	fs := newFormatted(t, layout.DataStartSector+200)

	f, err := fs.Create("dup.txt", 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = fs.Create("dup.txt", 0)
	require.ErrorIs(t, err, ErrExists)
}

func TestRemove_ThenLookupFails(t *testing.T) {
	fs := newFormatted(t, layout.DataStartSector+200)

	f, err := fs.Create("gone.txt", 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = fs.Remove("gone.txt")
	require.NoError(t, err)

	root, err := fs.OpenRoot()
	require.NoError(t, err)
	defer func() { _ = root.Close() }()

	_, ok, err := root.Lookup("gone.txt")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateSubdir_InstallsDotDot(t *testing.T) {
	fs := newFormatted(t, layout.DataStartSector+200)

	root, err := fs.OpenRoot()
	require.NoError(t, err)
	defer func() { _ = root.Close() }()

	sub, err := root.CreateSubdir("subdir")
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	sector, ok, err := sub.Lookup("..")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, layout.RootDirSector, sector)

	empty, err := sub.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)
}

func TestRemount_DataSurvivesCleanShutdown(t *testing.T) {
	sectors := layout.DataStartSector + 200
	dev := device.NewMem(sectors)

	fs1, err := Init(dev, true, nil)
	require.NoError(t, err)

	f, err := fs1.Create("persist.txt", 0)
	require.NoError(t, err)

	_, err = f.Write([]byte("durable"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs1.Done())

	fs2, err := Init(dev, false, nil)
	require.NoError(t, err)
	defer func() { _ = fs2.Done() }()

	root, err := fs2.OpenRoot()
	require.NoError(t, err)
	defer func() { _ = root.Close() }()

	sector, ok, err := root.Lookup("persist.txt")
	require.NoError(t, err)
	require.True(t, ok)

	f2, err := fs2.Open(sector)
	require.NoError(t, err)
	defer func() { _ = f2.Close() }()

	buf := make([]byte, 7)
	n, err := f2.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, "durable", string(buf))
}

func TestDup_SharesSeekPosition(t *testing.T) {
	fs := newFormatted(t, layout.DataStartSector+200)

	f, err := fs.Create("dup.txt", 0)
	require.NoError(t, err)

	_, err = f.Write([]byte("0123456789"))
	require.NoError(t, err)

	f.Seek(0)

	dup := f.Dup()

	buf := make([]byte, 5)
	n, err := f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	require.Equal(t, 5, dup.Tell(), "dup shares the same seek position")

	require.NoError(t, dup.Close())
	require.NoError(t, f.Close())
}
