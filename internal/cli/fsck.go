package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/calvinalkan/kfs/internal/bootcfg"
	"github.com/calvinalkan/kfs/internal/fsys"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/kfs/pkg/klog"
)

// ErrNotClean reports an fsck run that found reachable-but-unallocated
// sectors, so a scripted caller can key off a non-zero exit code.
var ErrNotClean = errors.New("kfsctl: fsck found a corrupt free-map")

// FsckCmd returns the fsck command.
func FsckCmd(cfg bootcfg.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("fsck", flag.ContinueOnError),
		Usage: "fsck",
		Short: "Check free-map/inode-tree consistency (read-only)",
		Long:  "Walks every inode reachable from the root directory, recomputes the sectors it should own, and reports any divergence from the free-map's allocated bits. Never writes to the device.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return execFsck(o, cfg)
		},
	}
}

func execFsck(o *IO, cfg bootcfg.Config) error {
	dev, err := openExistingDevice(cfg.FilesysDevice)
	if err != nil {
		return fmt.Errorf("kfsctl fsck: %w", err)
	}

	log := klog.New(klog.Config{Level: klog.ParseLevel(cfg.LogLevel), FilePath: cfg.LogFile})

	fs, err := fsys.Init(dev, false, log)
	if err != nil {
		_ = dev.Close()

		return fmt.Errorf("kfsctl fsck: %w", err)
	}

	report, err := fs.Fsck()

	doneErr := fs.Done()
	closeErr := dev.Close()

	if err != nil {
		return fmt.Errorf("kfsctl fsck: %w", err)
	}

	if doneErr != nil {
		return fmt.Errorf("kfsctl fsck: %w", doneErr)
	}

	if closeErr != nil {
		return fmt.Errorf("kfsctl fsck: %w", closeErr)
	}

	o.Printf("inodes visited: %d (directories: %d)\n", report.InodesVisited, report.DirsVisited)
	o.Printf("leaked sectors (allocated, unreachable): %d\n", len(report.LeakedSectors))
	o.Printf("missing sectors (reachable, unallocated): %d\n", len(report.MissingSectors))

	for _, s := range report.MissingSectors {
		o.Printf("  missing: sector %d\n", s)
	}

	if !report.Clean() {
		return ErrNotClean
	}

	o.Println("clean")

	return nil
}
