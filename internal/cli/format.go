package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/calvinalkan/kfs/internal/bootcfg"
	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/fsys"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/kfs/pkg/klog"
)

// ErrSectorsRequired reports a `format` invocation with no (or zero)
// -sectors given.
var ErrSectorsRequired = errors.New("kfsctl: -sectors must be a positive sector count")

// FormatCmd returns the format command.
func FormatCmd(cfg bootcfg.Config) *Command {
	flags := flag.NewFlagSet("format", flag.ContinueOnError)
	sectors := flags.Uint32("sectors", 0, "total sector count for the new device image")

	return &Command{
		Flags: flags,
		Usage: "format -sectors=<n>",
		Short: "Format a fresh filesystem image",
		Long:  "Creates (or truncates) the backing device file and formats a fresh cache, WAL, free-map, and root directory on it.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execFormat(o, cfg, *sectors)
		},
	}
}

func execFormat(o *IO, cfg bootcfg.Config, sectors uint32) error {
	if sectors == 0 {
		return ErrSectorsRequired
	}

	dev, err := device.OpenReal(cfg.FilesysDevice, sectors)
	if err != nil {
		return fmt.Errorf("kfsctl format: %w", err)
	}

	log := klog.New(klog.Config{Level: klog.ParseLevel(cfg.LogLevel), FilePath: cfg.LogFile})

	fs, err := fsys.Init(dev, true, log)
	if err != nil {
		_ = dev.Close()

		return fmt.Errorf("kfsctl format: %w", err)
	}

	if err := fs.Done(); err != nil {
		_ = dev.Close()

		return fmt.Errorf("kfsctl format: %w", err)
	}

	if err := dev.Close(); err != nil {
		return fmt.Errorf("kfsctl format: %w", err)
	}

	o.Printf("formatted %s: %d sectors\n", cfg.FilesysDevice, sectors)

	return nil
}
