// Package bootcfg loads the storage stack's boot configuration: a JSONC
// file plus CLI overrides, following the same defaults → global → project
// → CLI-flags merge pipeline the teacher's internal/ticket/config.go uses
// for its own ticket-directory config (spec §6's boot options `-f`,
// `-filesys=`, `-scratch=`).
package bootcfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// ErrConfigFileNotFound reports an explicitly named config file that does
// not exist.
var ErrConfigFileNotFound = errors.New("bootcfg: config file not found")

// ErrConfigInvalid reports a config file that failed to parse.
var ErrConfigInvalid = errors.New("bootcfg: invalid config")

// ErrFilesysDeviceEmpty reports a resolved config with no filesystem device
// path, which every boot mode needs.
var ErrFilesysDeviceEmpty = errors.New("bootcfg: filesys device path is empty")

// ConfigFileName is the default project-local boot config file name.
const ConfigFileName = "fskit.json"

// Config is the resolved boot configuration (spec §6's CLI surface,
// expressed as a file-backed config per SPEC_FULL.md's AMBIENT STACK).
type Config struct {
	// Format requests `init(true)`: format a fresh filesystem image
	// instead of mounting an existing one (spec §6: `-f`).
	Format bool `json:"format,omitempty"`

	// FilesysDevice is the path to the backing block device/file (spec
	// §6: `-filesys=<bdev>`).
	FilesysDevice string `json:"filesys_device"`

	// ScratchDevice is an optional secondary device path used by tooling
	// that needs scratch space outside the mounted filesystem (spec §6:
	// `-scratch=<bdev>`).
	ScratchDevice string `json:"scratch_device,omitempty"`

	// LogLevel names the minimum slog level ("debug", "info", "warn",
	// "error"); resolved by cmd/kfsctl into a slog.Level.
	LogLevel string `json:"log_level,omitempty"`

	// LogFile, if set, routes logging through a rotating file sink
	// instead of stderr (pkg/klog.Config.FilePath).
	LogFile string `json:"log_file,omitempty"`

	// Sources tracks which files were loaded, for diagnostics; never
	// serialized.
	Sources Sources `json:"-"`
}

// Sources records which config files contributed to a resolved Config.
type Sources struct {
	Global  string
	Project string
}

// DefaultConfig returns the zero-value starting point before any file or
// flag is merged in.
func DefaultConfig() Config {
	return Config{LogLevel: "info"}
}

// LoadInput holds the inputs to [Load].
type LoadInput struct {
	WorkDirOverride string // -C/--cwd; empty means os.Getwd()
	ConfigPath      string // -c/--config; empty means ConfigFileName in WorkDir
	Env             map[string]string

	// CLI overrides, applied last, highest precedence.
	Format        bool
	FormatSet     bool
	FilesysDevice string
	ScratchDevice string
}

// Load merges defaults, the global user config, the project config (or an
// explicit -config path), and CLI flags, in that precedence order
// (lowest to highest), mirroring internal/ticket/config.go's LoadConfig.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("bootcfg load: cannot get working directory: %w", err)
		}
	}

	cfg := DefaultConfig()

	globalCfg, globalPath, err := loadGlobalConfig(input.Env)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Global = globalPath
	cfg = merge(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectPath
	cfg = merge(cfg, projectCfg)

	if input.FormatSet {
		cfg.Format = input.Format
	}

	if input.FilesysDevice != "" {
		cfg.FilesysDevice = input.FilesysDevice
	}

	if input.ScratchDevice != "" {
		cfg.ScratchDevice = input.ScratchDevice
	}

	if cfg.FilesysDevice == "" {
		return Config{}, ErrFilesysDeviceEmpty
	}

	return cfg, nil
}

func getGlobalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "kfs", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "kfs", "config.json")
	}

	return ""
}

func loadGlobalConfig(env map[string]string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, explicitPath string) (Config, string, error) {
	path := explicitPath
	mustExist := explicitPath != ""

	if path == "" {
		path = filepath.Join(workDir, ConfigFileName)
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(workDir, path)
	}

	if mustExist {
		if _, err := os.Stat(path); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, explicitPath)
		}
	}

	cfg, loaded, err := loadConfigFile(path, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("bootcfg: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: invalid JSONC: %w", ErrConfigInvalid, path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func merge(base, overlay Config) Config {
	if overlay.FilesysDevice != "" {
		base.FilesysDevice = overlay.FilesysDevice
	}

	if overlay.ScratchDevice != "" {
		base.ScratchDevice = overlay.ScratchDevice
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.LogFile != "" {
		base.LogFile = overlay.LogFile
	}

	if overlay.Format {
		base.Format = true
	}

	return base
}
