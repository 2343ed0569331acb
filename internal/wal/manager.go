// Package wal implements the write-ahead log that gives the storage stack
// crash consistency: a steal + UNDO/REDO log over a 64-sector ring, with
// three-phase (analysis/REDO/UNDO) recovery and checkpointing (spec §4.5).
package wal

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/layout"
)

// bufferCapacity is the WAL's in-memory record buffer size (spec §4.5: an
// 8-sector buffer).
const bufferCapacity = 8

// checkpointThreshold is the fraction of the ring, measured from the last
// checkpoint, past which [Manager.CheckpointPending] reports true (spec
// §4.5: "≥ 75% full since the last checkpoint").
const checkpointThreshold = 0.75

// Stats holds read-only WAL counters, extending the buffer cache's
// (hits, misses, evictions, writebacks) accessor pattern (spec §4.1) to the
// WAL's own operations (a SPEC_FULL.md supplement; spec.md does not name
// this surface).
type Stats struct {
	Appends     uint64
	Flushes     uint64
	Commits     uint64
	Aborts      uint64
	Checkpoints uint64
	Recoveries  uint64
	BytesFlushed uint64
}

// RecoveryReport summarizes what [Open] found and did during startup
// recovery. Ran is false for a clean shutdown (no recovery needed) or a
// fresh format.
type RecoveryReport struct {
	Ran          bool
	Reinit       bool // metadata magic was invalid; counters were reinitialized
	MaxLSN       uint64
	RedoApplied  int
	UndoApplied  int
}

// Manager is the in-memory WAL state (spec §3's "WAL manager"), guarded by
// a single mutex. It owns the log ring and metadata sector directly on the
// device (bypassing any cache, per spec §4.5) and, once a cache exists,
// writes transaction-abort rollbacks through the attached [Backend].
type Manager struct {
	mu sync.Mutex

	dev     device.Device
	backend Backend
	log     *slog.Logger

	nextLSN    uint64
	flushedLSN uint64
	nextTxnID  uint64

	buffer     []Record // unflushed tail, LSN ascending
	activeTxns map[uint64]*Txn

	checkpointLSN     uint64
	checkpointing     bool
	checkpointPending bool

	stats Stats

	closed  bool
	mountID uuid.UUID
}

func sectorForLSN(lsn uint64) uint32 {
	return layout.LogStartSector + uint32((lsn-1)%uint64(layout.LogSectorCount))
}

// Format initializes a fresh WAL: counters reset to next_lsn=1,
// next_txn_id=1, and fresh metadata is written with clean_shutdown=0, as
// [Open] does, so a crash during the formatting session demands recovery on
// the next boot (spec §4.5 Startup, format path).
func Format(dev device.Device, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		dev:        dev,
		log:        log,
		nextLSN:    1,
		nextTxnID:  1,
		activeTxns: make(map[uint64]*Txn),
		mountID:    uuid.New(),
	}

	err := m.writeMetaLocked(false)
	if err != nil {
		return nil, fmt.Errorf("wal format: %w", err)
	}

	m.log.Info("wal formatted", "mount_id", m.mountID)

	return m, nil
}

// Open mounts the WAL from an existing device. If the metadata sector's
// magic is invalid, the WAL reinitializes (spec §7: "the caller must assume
// a fresh filesystem"). If clean_shutdown is false, three-phase recovery
// runs before the manager becomes usable. Either way, metadata is
// immediately rewritten with clean_shutdown=0, so a crash during this
// session demands recovery on the next boot (spec §4.5 Startup).
func Open(dev device.Device, log *slog.Logger) (*Manager, RecoveryReport, error) {
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		dev:        dev,
		log:        log,
		activeTxns: make(map[uint64]*Txn),
		mountID:    uuid.New(),
	}

	buf := make([]byte, device.SectorSize)

	err := dev.Read(layout.WALMetaSector, buf)
	if err != nil {
		return nil, RecoveryReport{}, fmt.Errorf("wal open: read metadata: %w", err)
	}

	decoded, ok, err := decodeMeta(buf)
	if err != nil {
		return nil, RecoveryReport{}, fmt.Errorf("wal open: decode metadata: %w", err)
	}

	var report RecoveryReport

	switch {
	case !ok:
		m.nextLSN = 1
		m.nextTxnID = 1
		report.Reinit = true
		m.log.Warn("wal metadata magic invalid, reinitializing", "mount_id", m.mountID)
	case !decoded.cleanShutdown:
		redone, undone, maxLSN, maxTxnID, err := recoverDevice(dev)
		if err != nil {
			return nil, RecoveryReport{}, fmt.Errorf("wal open: recover: %w", err)
		}

		m.nextLSN = maxLSN + 1
		m.nextTxnID = maxTxnID + 1
		m.flushedLSN = maxLSN
		m.stats.Recoveries++

		report.Ran = true
		report.MaxLSN = maxLSN
		report.RedoApplied = redone
		report.UndoApplied = undone

		m.log.Info("wal recovery complete",
			"mount_id", m.mountID,
			"max_lsn", maxLSN,
			"redo_applied", redone,
			"undo_applied", undone,
		)
	default:
		m.nextLSN = decoded.lastLSN + 1
		m.nextTxnID = decoded.lastTxnID + 1
		m.flushedLSN = decoded.lastLSN
	}

	err = m.writeMetaLocked(false)
	if err != nil {
		return nil, RecoveryReport{}, fmt.Errorf("wal open: write metadata: %w", err)
	}

	return m, report, nil
}

// AttachBackend wires the buffer cache (or any [Backend]) so transaction
// abort and checkpoint can write data sectors back and flush them. The WAL
// is usable for Begin/LogWrite/Commit before a backend is attached; only
// Abort and Checkpoint require one.
func (m *Manager) AttachBackend(b Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.backend = b
}

// Stats returns a snapshot of the WAL's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stats
}

// CheckpointPending reports whether the ring has filled past the
// checkpoint threshold since the last checkpoint (spec §4.5). The caller
// (the filesystem glue layer's background loop) decides when to actually
// run [Manager.Checkpoint]; the WAL never triggers one itself from inside
// an append, to avoid reentering the cache/WAL path from within a write.
func (m *Manager) CheckpointPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.checkpointPending
}

// MountID is the per-session identifier stamped into log lines for this
// mount, an ambient debug aid (not part of spec §3's data model).
func (m *Manager) MountID() uuid.UUID {
	return m.mountID
}

// Shutdown flushes the log, writes clean metadata, and frees in-memory
// state (spec §4.5 Shutdown).
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil
	}

	upTo := m.nextLSN - 1
	m.mu.Unlock()

	err := m.flush(upTo)
	if err != nil {
		return fmt.Errorf("wal shutdown: flush: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.writeMetaLocked(true)
	if err != nil {
		return fmt.Errorf("wal shutdown: write metadata: %w", err)
	}

	m.closed = true
	m.buffer = nil
	m.activeTxns = nil

	m.log.Info("wal shutdown", "mount_id", m.mountID, "last_lsn", upTo)

	return nil
}

// writeMetaLocked must be called with m.mu held, except during
// Format/Open/Shutdown where no concurrent access is possible yet.
func (m *Manager) writeMetaLocked(clean bool) error {
	lastLSN := m.nextLSN - 1
	if m.nextLSN == 0 {
		lastLSN = 0
	}

	lastTxnID := m.nextTxnID - 1
	if m.nextTxnID == 0 {
		lastTxnID = 0
	}

	md := meta{
		cleanShutdown: clean,
		lastLSN:       lastLSN,
		lastTxnID:     lastTxnID,
		mountID:       [16]byte(m.mountID),
	}

	buf := encodeMeta(md)

	err := m.dev.Write(layout.WALMetaSector, buf)
	if err != nil {
		return fmt.Errorf("write wal metadata: %w", err)
	}

	return nil
}

// append assigns the next LSN to rec, buffers it, and blocks (outside the
// lock) to flush and retry if the buffer is full (spec §4.5).
func (m *Manager) append(rec Record) (Record, error) {
	for {
		m.mu.Lock()

		if m.closed {
			m.mu.Unlock()

			return Record{}, ErrClosed
		}

		if len(m.buffer) >= bufferCapacity {
			oldest := m.buffer[0].LSN
			m.mu.Unlock()

			err := m.flush(oldest)
			if err != nil {
				return Record{}, err
			}

			continue
		}

		rec.LSN = m.nextLSN
		m.nextLSN++

		_, err := Encode(rec) // validates payload length before buffering
		if err != nil {
			m.mu.Unlock()

			return Record{}, err
		}

		m.buffer = append(m.buffer, rec)
		m.stats.Appends++

		if rec.Type == RecordCheckpoint {
			m.checkpointLSN = rec.LSN
			m.checkpointPending = false
		} else if float64(rec.LSN-m.checkpointLSN) >= checkpointThreshold*float64(layout.LogSectorCount) {
			m.checkpointPending = true
		}

		m.mu.Unlock()

		return rec, nil
	}
}

// flush writes every buffered record with LSN <= upToLSN to its ring
// sector, bypassing any cache (spec §4.5: "the cache must not cache log
// records"). Device I/O happens without the WAL mutex held.
func (m *Manager) flush(upToLSN uint64) error {
	m.mu.Lock()

	if upToLSN > m.nextLSN-1 {
		upToLSN = m.nextLSN - 1
	}

	if upToLSN <= m.flushedLSN {
		m.mu.Unlock()

		return nil
	}

	var toFlush []Record

	for _, r := range m.buffer {
		if r.LSN > m.flushedLSN && r.LSN <= upToLSN {
			toFlush = append(toFlush, r)
		}
	}

	m.mu.Unlock()

	for _, r := range toFlush {
		buf, err := Encode(r)
		if err != nil {
			return fmt.Errorf("flush lsn %d: %w", r.LSN, err)
		}

		err = m.dev.Write(sectorForLSN(r.LSN), buf)
		if err != nil {
			return fmt.Errorf("flush lsn %d: %w", r.LSN, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if upToLSN > m.flushedLSN {
		m.flushedLSN = upToLSN
	}

	remaining := m.buffer[:0]

	for _, r := range m.buffer {
		if r.LSN > m.flushedLSN {
			remaining = append(remaining, r)
		}
	}

	m.buffer = remaining
	m.stats.Flushes++
	m.stats.BytesFlushed += uint64(len(toFlush)) * device.SectorSize

	return nil
}

// sortRecordsByLSN is shared by recovery and abort; spec requires ascending
// order for REDO/abort-scan and descending for UNDO/abort-replay.
func sortRecordsByLSN(recs []Record, descending bool) {
	sort.Slice(recs, func(i, j int) bool {
		if descending {
			return recs[i].LSN > recs[j].LSN
		}

		return recs[i].LSN < recs[j].LSN
	})
}
