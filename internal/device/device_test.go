package device_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kfs/internal/device"
)

func TestMem_WriteThenRead_RoundTrips(t *testing.T) {
	d := device.NewMem(8)

	buf := make([]byte, device.SectorSize)
	buf[0] = 'A'

	require.NoError(t, d.Write(3, buf))

	out := make([]byte, device.SectorSize)
	require.NoError(t, d.Read(3, out))
	require.Equal(t, buf, out)
}

func TestMem_OutOfRangeSector_Errors(t *testing.T) {
	d := device.NewMem(2)
	buf := make([]byte, device.SectorSize)

	err := d.Write(2, buf)
	require.ErrorIs(t, err, device.ErrOutOfRange)
}

func TestMem_WrongLengthBuffer_Errors(t *testing.T) {
	d := device.NewMem(2)

	err := d.Read(0, make([]byte, 10))
	require.ErrorIs(t, err, device.ErrBadLength)
}

func TestMem_Snapshot_SurvivesAsNewDevice(t *testing.T) {
	d := device.NewMem(4)

	buf := make([]byte, device.SectorSize)
	buf[0] = 'X'
	require.NoError(t, d.Write(1, buf))

	snap := d.Snapshot()
	restarted := device.NewMemFromSnapshot(snap)

	out := make([]byte, device.SectorSize)
	require.NoError(t, restarted.Read(1, out))
	require.Equal(t, byte('X'), out[0])
}

func TestReal_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := device.OpenReal(path, 16)
	require.NoError(t, err)

	buf := make([]byte, device.SectorSize)
	buf[5] = 'Z'
	require.NoError(t, d.Write(9, buf))
	require.NoError(t, d.Close())

	reopened, err := device.OpenReal(path, 16)
	require.NoError(t, err)

	defer func() { _ = reopened.Close() }()

	out := make([]byte, device.SectorSize)
	require.NoError(t, reopened.Read(9, out))
	require.Equal(t, byte('Z'), out[5])
}

func TestChaos_WriteFailRate_One_AlwaysFails(t *testing.T) {
	inner := device.NewMem(4)
	c := device.NewChaos(inner, device.ChaosConfig{WriteFailRate: 1}, 1)

	err := c.Write(0, make([]byte, device.SectorSize))
	require.Error(t, err)
	require.True(t, errors.Is(err, device.ErrInjected))
}

func TestChaos_Inactive_PassesThrough(t *testing.T) {
	inner := device.NewMem(4)
	c := device.NewChaos(inner, device.ChaosConfig{WriteFailRate: 1}, 1)
	c.SetActive(false)

	err := c.Write(0, make([]byte, device.SectorSize))
	require.NoError(t, err)
}

func TestChaos_CorruptWriteRate_FlipsABit(t *testing.T) {
	inner := device.NewMem(4)
	c := device.NewChaos(inner, device.ChaosConfig{CorruptWriteRate: 1}, 42)

	buf := make([]byte, device.SectorSize)
	require.NoError(t, c.Write(0, buf))

	out := make([]byte, device.SectorSize)
	require.NoError(t, inner.Read(0, out))

	differs := false

	for i := range out {
		if out[i] != buf[i] {
			differs = true

			break
		}
	}

	require.True(t, differs, "corrupted write should differ from the original buffer")
}
