// Package telemetry snapshots the cache and WAL counters into a small
// SQLite database, the way the teacher's internal/store persists its own
// derived index: open with a fixed pragma batch, write inside one
// transaction, read back with plain queries. This is the storage backing
// `kfsctl stats` (a SPEC_FULL.md supplement; spec.md
// does not name a persistence format for the hit/miss/LSN counters it
// asks the cache and WAL to expose).
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/calvinalkan/kfs/internal/cache"
	"github.com/calvinalkan/kfs/internal/wal"
)

// sqliteBusyTimeout mirrors the teacher's own constant: how long a writer
// waits for a lock before giving up with SQLITE_BUSY.
const sqliteBusyTimeout = 10000 // milliseconds

// Snapshot is one point-in-time reading of the cache and WAL counters.
type Snapshot struct {
	TakenAtUnix int64

	CacheHits       uint64
	CacheMisses     uint64
	CacheEvictions  uint64
	CacheWritebacks uint64

	WALAppends      uint64
	WALFlushes      uint64
	WALCommits      uint64
	WALAborts       uint64
	WALCheckpoints  uint64
	WALRecoveries   uint64
	WALBytesFlushed uint64
}

// FromLive builds a Snapshot from a running cache and WAL manager.
func FromLive(c *cache.Cache, m *wal.Manager, takenAtUnix int64) Snapshot {
	cs := c.Stats()
	ws := m.Stats()

	return Snapshot{
		TakenAtUnix:     takenAtUnix,
		CacheHits:       cs.Hits,
		CacheMisses:     cs.Misses,
		CacheEvictions:  cs.Evictions,
		CacheWritebacks: cs.Writebacks,
		WALAppends:      ws.Appends,
		WALFlushes:      ws.Flushes,
		WALCommits:      ws.Commits,
		WALAborts:       ws.Aborts,
		WALCheckpoints:  ws.Checkpoints,
		WALRecoveries:   ws.Recoveries,
		WALBytesFlushed: ws.BytesFlushed,
	}
}

// Sink persists Snapshots to a SQLite database.
type Sink struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and ensures
// its schema exists.
func Open(ctx context.Context, path string) (*Sink, error) {
	db, err := openSqlite(ctx, path)
	if err != nil {
		return nil, err
	}

	err = createSchema(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Sink{db: db}, nil
}

func openSqlite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("telemetry: open: path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("telemetry: ping %s: %w", path, err)
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`
		PRAGMA busy_timeout = %d;
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
	`, sqliteBusyTimeout))
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("telemetry: apply pragmas %s: %w", path, err)
	}

	return db, nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			taken_at_unix     INTEGER PRIMARY KEY,
			cache_hits        INTEGER NOT NULL,
			cache_misses      INTEGER NOT NULL,
			cache_evictions   INTEGER NOT NULL,
			cache_writebacks  INTEGER NOT NULL,
			wal_appends       INTEGER NOT NULL,
			wal_flushes       INTEGER NOT NULL,
			wal_commits       INTEGER NOT NULL,
			wal_aborts        INTEGER NOT NULL,
			wal_checkpoints   INTEGER NOT NULL,
			wal_recoveries    INTEGER NOT NULL,
			wal_bytes_flushed INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("telemetry: create schema: %w", err)
	}

	return nil
}

// Record inserts one Snapshot, replacing any prior row for the same
// TakenAtUnix (callers that sample faster than one second should stamp
// sub-second precision themselves before calling Record).
func (s *Sink) Record(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO snapshots (
			taken_at_unix, cache_hits, cache_misses, cache_evictions, cache_writebacks,
			wal_appends, wal_flushes, wal_commits, wal_aborts, wal_checkpoints,
			wal_recoveries, wal_bytes_flushed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.TakenAtUnix,
		snap.CacheHits, snap.CacheMisses, snap.CacheEvictions, snap.CacheWritebacks,
		snap.WALAppends, snap.WALFlushes, snap.WALCommits, snap.WALAborts,
		snap.WALCheckpoints, snap.WALRecoveries, snap.WALBytesFlushed,
	)
	if err != nil {
		return fmt.Errorf("telemetry: record snapshot: %w", err)
	}

	return nil
}

// Latest returns the most recently recorded Snapshot, or ok=false if the
// sink has never recorded one.
func (s *Sink) Latest(ctx context.Context) (snap Snapshot, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT taken_at_unix, cache_hits, cache_misses, cache_evictions, cache_writebacks,
			wal_appends, wal_flushes, wal_commits, wal_aborts, wal_checkpoints,
			wal_recoveries, wal_bytes_flushed
		FROM snapshots ORDER BY taken_at_unix DESC LIMIT 1`)

	err = row.Scan(
		&snap.TakenAtUnix,
		&snap.CacheHits, &snap.CacheMisses, &snap.CacheEvictions, &snap.CacheWritebacks,
		&snap.WALAppends, &snap.WALFlushes, &snap.WALCommits, &snap.WALAborts,
		&snap.WALCheckpoints, &snap.WALRecoveries, &snap.WALBytesFlushed,
	)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}

	if err != nil {
		return Snapshot{}, false, fmt.Errorf("telemetry: latest snapshot: %w", err)
	}

	return snap, true, nil
}

// History returns up to limit snapshots, most recent first.
func (s *Sink) History(ctx context.Context, limit int) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT taken_at_unix, cache_hits, cache_misses, cache_evictions, cache_writebacks,
			wal_appends, wal_flushes, wal_commits, wal_aborts, wal_checkpoints,
			wal_recoveries, wal_bytes_flushed
		FROM snapshots ORDER BY taken_at_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("telemetry: history: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []Snapshot

	for rows.Next() {
		var snap Snapshot

		err = rows.Scan(
			&snap.TakenAtUnix,
			&snap.CacheHits, &snap.CacheMisses, &snap.CacheEvictions, &snap.CacheWritebacks,
			&snap.WALAppends, &snap.WALFlushes, &snap.WALCommits, &snap.WALAborts,
			&snap.WALCheckpoints, &snap.WALRecoveries, &snap.WALBytesFlushed,
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: history scan: %w", err)
		}

		out = append(out, snap)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("telemetry: history rows: %w", err)
	}

	return out, nil
}

// Close releases the underlying database handle.
func (s *Sink) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("telemetry: close: %w", err)
	}

	return nil
}

// PollAndRecord samples cache/WAL stats and records them every interval
// until ctx is cancelled. Intended to run as its own goroutine, started by
// `kfsctl mount` alongside fsys's own checkpoint-poll loop.
func PollAndRecord(ctx context.Context, sink *Sink, c *cache.Cache, m *wal.Manager, interval time.Duration, now func() int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := FromLive(c, m, now())

			_ = sink.Record(ctx, snap)
		}
	}
}
