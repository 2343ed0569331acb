package telemetry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newSink(t *testing.T) *Sink {
	t.Helper()

	path := filepath.Join(t.TempDir(), "telemetry.sqlite")

	sink, err := Open(context.Background(), path)
	require.NoError(t, err)

	t.Cleanup(func() { _ = sink.Close() })

	return sink
}

func TestRecordThenLatest_RoundTrips(t *testing.T) {
	sink := newSink(t)
	ctx := context.Background()

	snap := Snapshot{TakenAtUnix: 100, CacheHits: 5, WALCommits: 2}
	require.NoError(t, sink.Record(ctx, snap))

	got, ok, err := sink.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap, got)
}

func TestLatest_NoRowsReturnsNotOK(t *testing.T) {
	sink := newSink(t)

	_, ok, err := sink.Latest(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHistory_OrdersMostRecentFirst(t *testing.T) {
	sink := newSink(t)
	ctx := context.Background()

	require.NoError(t, sink.Record(ctx, Snapshot{TakenAtUnix: 100}))
	require.NoError(t, sink.Record(ctx, Snapshot{TakenAtUnix: 200}))
	require.NoError(t, sink.Record(ctx, Snapshot{TakenAtUnix: 300}))

	history, err := sink.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, int64(300), history[0].TakenAtUnix)
	require.Equal(t, int64(200), history[1].TakenAtUnix)
}

func TestRecord_ReplacesSameTimestamp(t *testing.T) {
	sink := newSink(t)
	ctx := context.Background()

	require.NoError(t, sink.Record(ctx, Snapshot{TakenAtUnix: 100, CacheHits: 1}))
	require.NoError(t, sink.Record(ctx, Snapshot{TakenAtUnix: 100, CacheHits: 9}))

	history, err := sink.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, uint64(9), history[0].CacheHits)
}
