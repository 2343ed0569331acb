package bootcfg

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenNoFilesPresent(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{},
		FilesysDevice:   "disk.img",
	})
	require.NoError(t, err)
	require.Equal(t, "disk.img", cfg.FilesysDevice)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_ProjectConfigOverridesGlobal(t *testing.T) {
	home := t.TempDir()
	globalDir := filepath.Join(home, ".config", "kfs")
	require.NoError(t, os.MkdirAll(globalDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "config.json"),
		[]byte(`{"log_level": "debug", "filesys_device": "/global/disk.img"}`), 0o644))

	projectDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, ConfigFileName),
		[]byte(`{
			// project overrides the global device path
			"filesys_device": "/project/disk.img",
		}`), 0o644))

	cfg, err := Load(LoadInput{
		WorkDirOverride: projectDir,
		Env:             map[string]string{"HOME": home},
	})
	require.NoError(t, err)
	require.Equal(t, "/project/disk.img", cfg.FilesysDevice)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_CLIFlagsOverrideFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName),
		[]byte(`{"filesys_device": "/from/file.img"}`), 0o644))

	cfg, err := Load(LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{},
		FilesysDevice:   "/from/cli.img",
		Format:          true,
		FormatSet:       true,
	})
	require.NoError(t, err)
	require.Equal(t, "/from/cli.img", cfg.FilesysDevice)
	require.True(t, cfg.Format)
}

func TestLoad_MissingFilesysDeviceFails(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(LoadInput{WorkDirOverride: dir, Env: map[string]string{}})
	require.ErrorIs(t, err, ErrFilesysDeviceEmpty)
}

func TestLoad_ExplicitConfigPathMustExist(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(LoadInput{
		WorkDirOverride: dir,
		ConfigPath:      "missing.json",
		Env:             map[string]string{},
		FilesysDevice:   "disk.img",
	})
	require.True(t, errors.Is(err, ErrConfigFileNotFound))
}

func TestLoad_InvalidJSONCFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName),
		[]byte(`{ not valid json `), 0o644))

	_, err := Load(LoadInput{
		WorkDirOverride: dir,
		Env:             map[string]string{},
		FilesysDevice:   "disk.img",
	})
	require.True(t, errors.Is(err, ErrConfigInvalid))
}
