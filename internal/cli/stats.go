package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/calvinalkan/kfs/internal/bootcfg"
	"github.com/calvinalkan/kfs/internal/telemetry"

	flag "github.com/spf13/pflag"
)

// ErrTelemetryPathRequired reports a `stats` invocation with no
// -telemetry given.
var ErrTelemetryPathRequired = errors.New("kfsctl: -telemetry=<path> is required")

// StatsCmd returns the stats command.
func StatsCmd(_ bootcfg.Config) *Command {
	flags := flag.NewFlagSet("stats", flag.ContinueOnError)
	telemetryPath := flags.String("telemetry", "", "sqlite database populated by `kfsctl mount -telemetry=<path>`")
	history := flags.Int("history", 1, "number of most-recent snapshots to print")

	return &Command{
		Flags: flags,
		Usage: "stats -telemetry=<path> [-history=<n>]",
		Short: "Print cache/WAL counters recorded by a running mount",
		Long:  "Reads snapshots previously recorded into a telemetry sqlite database by `kfsctl mount -telemetry=<path>`. This command never touches the filesystem's own device image.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execStats(ctx, o, *telemetryPath, *history)
		},
	}
}

func execStats(ctx context.Context, o *IO, telemetryPath string, history int) error {
	if telemetryPath == "" {
		return ErrTelemetryPathRequired
	}

	sink, err := telemetry.Open(ctx, telemetryPath)
	if err != nil {
		return fmt.Errorf("kfsctl stats: %w", err)
	}

	defer func() { _ = sink.Close() }()

	if history <= 1 {
		snap, ok, err := sink.Latest(ctx)
		if err != nil {
			return fmt.Errorf("kfsctl stats: %w", err)
		}

		if !ok {
			o.Println("no snapshots recorded yet")

			return nil
		}

		printSnapshot(o, snap)

		return nil
	}

	snaps, err := sink.History(ctx, history)
	if err != nil {
		return fmt.Errorf("kfsctl stats: %w", err)
	}

	for _, snap := range snaps {
		printSnapshot(o, snap)
		o.Println()
	}

	return nil
}

func printSnapshot(o *IO, snap telemetry.Snapshot) {
	o.Printf("taken_at_unix=%d\n", snap.TakenAtUnix)
	o.Printf("cache: hits=%d misses=%d evictions=%d writebacks=%d\n",
		snap.CacheHits, snap.CacheMisses, snap.CacheEvictions, snap.CacheWritebacks)
	o.Printf("wal: appends=%d flushes=%d commits=%d aborts=%d checkpoints=%d recoveries=%d bytes_flushed=%d\n",
		snap.WALAppends, snap.WALFlushes, snap.WALCommits, snap.WALAborts, snap.WALCheckpoints, snap.WALRecoveries, snap.WALBytesFlushed)
}
