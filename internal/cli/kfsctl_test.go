package cli_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/kfs/internal/cli"
	"github.com/calvinalkan/kfs/internal/layout"
	"github.com/calvinalkan/kfs/internal/telemetry"
)

func TestFormat_CreatesDeviceImage(t *testing.T) {
	r := cli.NewCLI(t)

	out := r.MustRun("--filesys", r.DevicePath(), "format", "-sectors", "300")
	cli.AssertContains(t, out, "formatted")

	info, err := os.Stat(r.DevicePath())
	require.NoError(t, err)
	require.EqualValues(t, 300*512, info.Size())
}

func TestFormat_RequiresSectors(t *testing.T) {
	r := cli.NewCLI(t)

	stderr := r.MustFail("--filesys", r.DevicePath(), "format")
	cli.AssertContains(t, stderr, "sectors")
}

func TestFsck_CleanOnFreshlyFormattedImage(t *testing.T) {
	r := cli.NewCLI(t)

	r.MustRun("--filesys", r.DevicePath(), "format", "-sectors", "300")

	out := r.MustRun("--filesys", r.DevicePath(), "fsck")
	cli.AssertContains(t, out, "clean")
	cli.AssertContains(t, out, "missing sectors (reachable, unallocated): 0")
}

func TestFsck_FailsOnMissingDevice(t *testing.T) {
	r := cli.NewCLI(t)

	stderr := r.MustFail("--filesys", r.DevicePath(), "fsck")
	cli.AssertContains(t, stderr, "kfsctl fsck")
}

func TestDumpSuperblock_WritesReadableJSON(t *testing.T) {
	r := cli.NewCLI(t)

	r.MustRun("--filesys", r.DevicePath(), "format", "-sectors", strconv.Itoa(int(layout.DataStartSector)+200))

	outPath := filepath.Join(r.Dir, "superblock.json")
	out := r.MustRun("--filesys", r.DevicePath(), "dump-superblock", "-out", outPath)
	cli.AssertContains(t, out, "wrote superblock snapshot")

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))
	require.NotEmpty(t, parsed)
}

func TestDumpSuperblock_RequiresOutPath(t *testing.T) {
	r := cli.NewCLI(t)

	r.MustRun("--filesys", r.DevicePath(), "format", "-sectors", "300")

	stderr := r.MustFail("--filesys", r.DevicePath(), "dump-superblock")
	cli.AssertContains(t, stderr, "-out")
}

func TestStats_PrintsLatestRecordedSnapshot(t *testing.T) {
	r := cli.NewCLI(t)

	telemetryPath := filepath.Join(r.Dir, "telemetry.sqlite")

	ctx := context.Background()

	sink, err := telemetry.Open(ctx, telemetryPath)
	require.NoError(t, err)

	require.NoError(t, sink.Record(ctx, telemetry.Snapshot{
		TakenAtUnix:     1700000000,
		CacheHits:       42,
		CacheMisses:     7,
		CacheEvictions:  3,
		CacheWritebacks: 5,
		WALAppends:      10,
		WALFlushes:      2,
		WALCommits:      9,
		WALAborts:       1,
		WALCheckpoints:  1,
		WALRecoveries:   0,
		WALBytesFlushed: 4096,
	}))
	require.NoError(t, sink.Close())

	out := r.MustRun("--filesys", r.DevicePath(), "stats", "-telemetry", telemetryPath)
	cli.AssertContains(t, out, "taken_at_unix=1700000000")
	cli.AssertContains(t, out, "hits=42")
	cli.AssertContains(t, out, "bytes_flushed=4096")
}

func TestStats_RequiresTelemetryPath(t *testing.T) {
	r := cli.NewCLI(t)

	stderr := r.MustFail("--filesys", r.DevicePath(), "stats")
	cli.AssertContains(t, stderr, "-telemetry")
}

func TestStats_NoSnapshotsYet(t *testing.T) {
	r := cli.NewCLI(t)

	telemetryPath := filepath.Join(r.Dir, "telemetry.sqlite")

	out := r.MustRun("--filesys", r.DevicePath(), "stats", "-telemetry", telemetryPath)
	cli.AssertContains(t, out, "no snapshots recorded yet")
}

func TestRun_HelpListsAllCommands(t *testing.T) {
	r := cli.NewCLI(t)

	out := r.MustRun("--help")
	cli.AssertContains(t, out, "format")
	cli.AssertContains(t, out, "mount")
	cli.AssertContains(t, out, "fsck")
	cli.AssertContains(t, out, "stats")
	cli.AssertContains(t, out, "dump-superblock")
}

func TestRun_BareInvocationShowsHelpWithoutConfig(t *testing.T) {
	// The CLI harness always adds --cwd, so call Run directly with nothing
	// after the program name.
	var out, errOut strings.Builder

	code := cli.Run(nil, &out, &errOut, []string{"kfsctl"}, map[string]string{}, nil)
	require.Equal(t, 0, code)
	cli.AssertContains(t, out.String(), "kfsctl - durable storage stack control tool")
}
