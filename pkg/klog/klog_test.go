package klog

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_StderrSinkByDefault(t *testing.T) {
	log := New(Config{Level: slog.LevelInfo})
	require.NotNil(t, log)
}

func TestWithMountID_AddsAttribute(t *testing.T) {
	var buf bytes.Buffer

	log := slog.New(slog.NewJSONHandler(&buf, nil))
	log = WithMountID(log, "abc-123")

	log.Info("hello")

	require.Contains(t, buf.String(), "abc-123")
	require.Contains(t, buf.String(), `"mount_id"`)
}
