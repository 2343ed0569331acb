// Command kfsh is an interactive shell over a mounted filesystem image,
// for manual exploration during development (ls/cat/stat/write/
// crash-inject/checkpoint). It supplements the boot-options CLI surface
// named in spec §6; it is not part of the normative file-system API.
//
// Usage:
//
//	kfsh <device-file>              Mount an existing device image
//	kfsh -f -sectors=<n> <file>     Format a fresh device image, then mount it
//
// Commands (in REPL):
//
//	ls                    List root directory entries
//	cat <name>            Print a file's contents
//	stat <name>           Print an entry's type/length/sector
//	write <name> <text>   Create a file with text, or write text at the start of an existing one (no truncation)
//	rm <name>             Remove an entry
//	checkpoint            Force a WAL checkpoint now
//	crash-inject          Simulate an unclean shutdown, then recover
//	info                  Show cache/WAL counters
//	help                  Show this help
//	exit / quit / q       Exit
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/peterh/liner"

	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/fsys"
	"github.com/calvinalkan/kfs/internal/wal"
	"github.com/calvinalkan/kfs/pkg/klog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("kfsh", flag.ContinueOnError)
	format := fs.BoolP("format", "f", false, "format a fresh device image before mounting")
	sectors := fs.Uint32("sectors", 0, "sector count to format with (requires -f)")
	logLevel := fs.String("log-level", "warn", "slog level for this session (debug/info/warn/error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: kfsh [-f -sectors=<n>] <device-file>\n\n")
		fmt.Fprintf(os.Stderr, "Open an interactive shell over a mounted filesystem image.\n")
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()

		return errors.New("missing device file path")
	}

	devicePath := fs.Arg(0)

	log := klog.New(klog.Config{Level: klog.ParseLevel(*logLevel)})

	var dev *device.Real

	if *format {
		if *sectors == 0 {
			return errors.New("-sectors must be a positive sector count with -f")
		}

		var err error

		dev, err = device.OpenReal(devicePath, *sectors)
		if err != nil {
			return fmt.Errorf("open device: %w", err)
		}
	} else {
		info, err := os.Stat(devicePath)
		if err != nil {
			return fmt.Errorf("device file does not exist: %s (use -f -sectors=<n> to create it): %w", devicePath, err)
		}

		dev, err = device.OpenReal(devicePath, uint32(info.Size()/device.SectorSize))
		if err != nil {
			return fmt.Errorf("open device: %w", err)
		}
	}

	mounted, err := fsys.Init(dev, *format, log)
	if err != nil {
		_ = dev.Close()

		return fmt.Errorf("mount: %w", err)
	}

	r := &REPL{
		fs:         mounted,
		dev:        dev,
		devicePath: devicePath,
		log:        log,
	}

	err = r.Run()

	if doneErr := r.fs.Done(); doneErr != nil && err == nil {
		err = fmt.Errorf("unmount: %w", doneErr)
	}

	if closeErr := r.dev.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("close device: %w", closeErr)
	}

	return err
}

// REPL is the interactive shell's state: the live mount plus the raw
// device handle it was opened with, so crash-inject can discard one
// without the other.
type REPL struct {
	fs         *fsys.Filesystem
	dev        *device.Real
	devicePath string
	log        *slog.Logger
	liner      *liner.State
}

// historyFile returns the path to the shell's persistent command history.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".kfsh_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = r.liner.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Printf("kfsh - %s\n", r.devicePath)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("kfsh> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")

			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "ls":
			r.cmdLs()

		case "cat":
			r.cmdCat(args)

		case "stat":
			r.cmdStat(args)

		case "write":
			r.cmdWrite(args)

		case "rm":
			r.cmdRm(args)

		case "checkpoint":
			r.cmdCheckpoint()

		case "crash-inject":
			r.cmdCrashInject()

		case "info":
			r.cmdInfo()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			_, _ = r.liner.WriteHistory(f)
			_ = f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"ls", "cat", "stat", "write", "rm",
		"checkpoint", "crash-inject", "info",
		"clear", "cls", "help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  ls                    List root directory entries")
	fmt.Println("  cat <name>            Print a file's contents")
	fmt.Println("  stat <name>           Print an entry's type/length/sector")
	fmt.Println("  write <name> <text>   Create a file with text, or write it at offset 0 of an existing one (no truncation)")
	fmt.Println("  rm <name>             Remove an entry")
	fmt.Println("  checkpoint            Force a WAL checkpoint now")
	fmt.Println("  crash-inject          Simulate an unclean shutdown, then recover")
	fmt.Println("  info                  Show cache/WAL counters")
	fmt.Println("  clear / cls           Clear the screen")
	fmt.Println("  help                  Show this help")
	fmt.Println("  exit / quit / q       Exit")
}

func (r *REPL) cmdLs() {
	root, err := r.fs.OpenRoot()
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	defer func() { _ = root.Close() }()

	count := 0

	for {
		name, ok, err := root.Readdir()
		if err != nil {
			fmt.Println("error:", err)

			return
		}

		if !ok {
			break
		}

		fmt.Println(name)

		count++
	}

	if count == 0 {
		fmt.Println("(empty)")
	}
}

func (r *REPL) cmdStat(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: stat <name>")

		return
	}

	sector, ok, err := r.lookup(args[0])
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	if !ok {
		fmt.Printf("no such entry: %s\n", args[0])

		return
	}

	isDir, err := r.fs.IsDirAt(sector)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	f, err := r.fs.Open(sector)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	defer func() { _ = f.Close() }()

	kind := "file"
	if isDir {
		kind = "directory"
	}

	fmt.Printf("name:   %s\n", args[0])
	fmt.Printf("type:   %s\n", kind)
	fmt.Printf("sector: %d\n", sector)
	fmt.Printf("length: %d bytes\n", f.Length())
}

func (r *REPL) cmdCat(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: cat <name>")

		return
	}

	sector, ok, err := r.lookup(args[0])
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	if !ok {
		fmt.Printf("no such entry: %s\n", args[0])

		return
	}

	f, err := r.fs.Open(sector)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	defer func() { _ = f.Close() }()

	buf := make([]byte, f.Length())

	n, err := f.Read(buf)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	os.Stdout.Write(buf[:n])
	fmt.Println()
}

func (r *REPL) cmdWrite(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: write <name> <text...>")

		return
	}

	name := args[0]
	text := strings.Join(args[1:], " ")

	sector, ok, err := r.lookup(name)
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	var f *fsys.File

	if !ok {
		f, err = r.fs.Create(name, 0)
	} else {
		f, err = r.fs.Open(sector)
	}

	if err != nil {
		fmt.Println("error:", err)

		return
	}

	defer func() { _ = f.Close() }()

	n, err := f.Write([]byte(text))
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	fmt.Printf("wrote %d bytes to %s\n", n, name)
}

func (r *REPL) cmdRm(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: rm <name>")

		return
	}

	if err := r.fs.Remove(args[0]); err != nil {
		fmt.Println("error:", err)

		return
	}

	fmt.Printf("removed %s\n", args[0])
}

func (r *REPL) cmdCheckpoint() {
	err := r.fs.WAL().Checkpoint()
	if err != nil {
		if errors.Is(err, wal.ErrAlreadyCheckpointing) {
			fmt.Println("a checkpoint is already running")

			return
		}

		fmt.Println("error:", err)

		return
	}

	fmt.Println("checkpoint complete")
}

// cmdCrashInject simulates a machine crash: the current in-memory
// filesystem (its cached dirty sectors and buffered WAL state) is
// abandoned without a clean shutdown, and a brand new mount is opened
// over the same backing file, which forces recovery to run exactly as it
// would after power loss.
func (r *REPL) cmdCrashInject() {
	fmt.Println("abandoning in-memory cache/WAL state without flushing...")

	freshDev, err := device.OpenReal(r.devicePath, r.dev.Size())
	if err != nil {
		fmt.Println("error:", err)

		return
	}

	freshFS, err := fsys.Init(freshDev, false, r.log)
	if err != nil {
		fmt.Println("error:", err)
		_ = freshDev.Close()

		return
	}

	oldDev := r.dev

	r.fs = freshFS
	r.dev = freshDev

	// The old *Filesystem is simply dropped, never Done(); its dirty cache
	// slots and unflushed WAL buffering are gone, matching the crash being
	// simulated. The old raw file descriptor is closed purely so repeated
	// crash-inject calls don't leak one per call.
	_ = oldDev.Close()

	recoveries := freshFS.WAL().Stats().Recoveries
	if recoveries > 0 {
		fmt.Println("recovery ran on remount")
	} else {
		fmt.Println("remounted cleanly (no recovery needed)")
	}
}

func (r *REPL) cmdInfo() {
	cs := r.fs.Cache().Stats()
	ws := r.fs.WAL().Stats()

	fmt.Printf("mount_id: %s\n", r.fs.WAL().MountID())
	fmt.Printf("cache: hits=%d misses=%d evictions=%d writebacks=%d\n", cs.Hits, cs.Misses, cs.Evictions, cs.Writebacks)
	fmt.Printf("wal: appends=%d flushes=%d commits=%d aborts=%d checkpoints=%d recoveries=%d bytes_flushed=%d\n",
		ws.Appends, ws.Flushes, ws.Commits, ws.Aborts, ws.Checkpoints, ws.Recoveries, ws.BytesFlushed)

	free, total := r.fs.FreeMap().Usage()
	fmt.Printf("free_map: %d/%d sectors free\n", free, total)
}

func (r *REPL) lookup(name string) (sector uint32, ok bool, err error) {
	root, err := r.fs.OpenRoot()
	if err != nil {
		return 0, false, err
	}

	defer func() { _ = root.Close() }()

	return root.Lookup(name)
}
