package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/calvinalkan/kfs/internal/bootcfg"
	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/fsys"
	"github.com/calvinalkan/kfs/internal/telemetry"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/kfs/pkg/klog"
)

// telemetryPollInterval is how often a mount with -telemetry set snapshots
// cache/WAL counters into the sqlite sink.
const telemetryPollInterval = 5 * time.Second

// MountCmd returns the mount command.
func MountCmd(cfg bootcfg.Config) *Command {
	flags := flag.NewFlagSet("mount", flag.ContinueOnError)
	sectors := flags.Uint32("sectors", 0, "sector count when formatting fresh (requires -f/--format)")
	telemetryPath := flags.String("telemetry", "", "optional sqlite database to periodically record cache/WAL stats into")

	return &Command{
		Flags: flags,
		Usage: "mount [-sectors=<n>] [-telemetry=<path>]",
		Short: "Mount the filesystem and run until interrupted",
		Long:  "Opens the backing device (formatting it first if the global -f/--format flag is given before the command), runs the background checkpoint loop, and blocks until interrupted.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return execMount(ctx, o, cfg, *sectors, *telemetryPath)
		},
	}
}

func execMount(ctx context.Context, o *IO, cfg bootcfg.Config, sectors uint32, telemetryPath string) error {
	var (
		dev *device.Real
		err error
	)

	if cfg.Format {
		if sectors == 0 {
			return ErrSectorsRequired
		}

		dev, err = device.OpenReal(cfg.FilesysDevice, sectors)
	} else {
		dev, err = openExistingDevice(cfg.FilesysDevice)
	}

	if err != nil {
		return fmt.Errorf("kfsctl mount: %w", err)
	}

	log := klog.New(klog.Config{Level: klog.ParseLevel(cfg.LogLevel), FilePath: cfg.LogFile})

	fs, err := fsys.Init(dev, cfg.Format, log)
	if err != nil {
		_ = dev.Close()

		return fmt.Errorf("kfsctl mount: %w", err)
	}

	o.Printf("mounted %s (mount_id=%s)\n", cfg.FilesysDevice, fs.WAL().MountID())

	var sink *telemetry.Sink

	if telemetryPath != "" {
		sink, err = telemetry.Open(ctx, telemetryPath)
		if err != nil {
			_ = fs.Done()
			_ = dev.Close()

			return fmt.Errorf("kfsctl mount: telemetry: %w", err)
		}

		go telemetry.PollAndRecord(ctx, sink, fs.Cache(), fs.WAL(), telemetryPollInterval, func() int64 { return time.Now().Unix() })
	}

	<-ctx.Done()

	o.Println("unmounting...")

	if sink != nil {
		if err := sink.Close(); err != nil {
			o.Warn("telemetry sink close failed", err.Error())
		}
	}

	if err := fs.Done(); err != nil {
		_ = dev.Close()

		return fmt.Errorf("kfsctl mount: %w", err)
	}

	if err := dev.Close(); err != nil {
		return fmt.Errorf("kfsctl mount: %w", err)
	}

	return nil
}
