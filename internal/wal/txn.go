package wal

import (
	"fmt"
	"sync"
)

// txnState tracks the lifecycle of a single transaction (spec §3).
type txnState uint8

const (
	txnActive txnState = iota
	txnCommitted
	txnAborted
)

// Txn is a single in-flight transaction (spec §4.5). A thread holds at most
// one active Txn at a time; LogWrite/Commit/Abort are not meant to be
// called concurrently on the same Txn.
type Txn struct {
	mgr *Manager

	id       uint64
	firstLSN uint64

	mu       sync.Mutex
	lastLSN  uint64
	state    txnState
}

// ID returns the transaction's identifier, as stamped on every record it
// produces.
func (t *Txn) ID() uint64 {
	return t.id
}

// Begin starts a new transaction: appends a BEGIN record and registers the
// transaction as active (spec §4.5).
func (m *Manager) Begin() (*Txn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil, ErrClosed
	}

	id := m.nextTxnID
	m.nextTxnID++
	m.mu.Unlock()

	rec, err := m.append(Record{TxnID: id, Type: RecordBegin})
	if err != nil {
		return nil, fmt.Errorf("wal begin: %w", err)
	}

	t := &Txn{
		mgr:      m,
		id:       id,
		firstLSN: rec.LSN,
		lastLSN:  rec.LSN,
		state:    txnActive,
	}

	m.mu.Lock()
	m.activeTxns[id] = t
	m.mu.Unlock()

	return t, nil
}

// LogWrite records the old and new contents of a sector range before the
// caller installs new_data into the cache (spec §4.5: "before modifying any
// cached sector, the modifying code must call wal_log_write"). Payloads
// wider than [MaxPayload] are split across consecutive WRITE records that
// share the same LSN ordering, so REDO/UNDO replay them in the same
// sequence they were logged. The records are flushed to the ring before
// LogWrite returns, so a dirty sector the cache writes back before commit
// (steal) always has its old_data on disk for UNDO.
func (t *Txn) LogWrite(sector uint32, offset int, oldData, newData []byte) error {
	if len(oldData) != len(newData) {
		return fmt.Errorf("wal log_write: old/new length mismatch (%d vs %d)", len(oldData), len(newData))
	}

	if offset < 0 || offset+len(oldData) > 512 {
		return fmt.Errorf("wal log_write: range [%d,%d) exceeds sector bounds", offset, offset+len(oldData))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != txnActive {
		return ErrTxnNotActive
	}

	for pos := 0; pos < len(oldData); pos += MaxPayload {
		n := len(oldData) - pos
		if n > MaxPayload {
			n = MaxPayload
		}

		rec := Record{
			TxnID:  t.id,
			Type:   RecordWrite,
			Sector: sector,
			Offset: uint16(offset + pos),
			Length: uint16(n),
		}

		copy(rec.OldData[:n], oldData[pos:pos+n])
		copy(rec.NewData[:n], newData[pos:pos+n])

		appended, err := t.mgr.append(rec)
		if err != nil {
			return fmt.Errorf("wal log_write: %w", err)
		}

		t.lastLSN = appended.LSN
	}

	err := t.mgr.flush(t.lastLSN)
	if err != nil {
		return fmt.Errorf("wal log_write: flush: %w", err)
	}

	return nil
}

// Commit appends a COMMIT record and flushes the log up to and including
// it — the durability point past which the transaction survives a crash
// (spec §4.5, §6).
func (t *Txn) Commit() error {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()

		return ErrTxnNotActive
	}
	t.mu.Unlock()

	rec, err := t.mgr.append(Record{TxnID: t.id, Type: RecordCommit})
	if err != nil {
		return fmt.Errorf("wal commit: %w", err)
	}

	err = t.mgr.flush(rec.LSN)
	if err != nil {
		return fmt.Errorf("wal commit: flush: %w", err)
	}

	t.mu.Lock()
	t.lastLSN = rec.LSN
	t.state = txnCommitted
	t.mu.Unlock()

	t.mgr.mu.Lock()
	delete(t.mgr.activeTxns, t.id)
	t.mgr.stats.Commits++
	t.mgr.mu.Unlock()

	return nil
}

// Abort rolls the transaction back: flushes the log so its WRITE records
// are all on disk, scans them out in descending LSN order (so an
// earlier-logged old_data value wins when the same region was written
// twice), replays old_data through the attached [Backend], flushes the
// backend, then appends an ABORT record (spec §4.5).
func (t *Txn) Abort() error {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()

		return ErrTxnNotActive
	}
	t.mu.Unlock()

	t.mgr.mu.Lock()
	upTo := t.mgr.nextLSN - 1
	backend := t.mgr.backend
	t.mgr.mu.Unlock()

	if backend == nil {
		return fmt.Errorf("wal abort: %w", errNoBackend)
	}

	err := t.mgr.flush(upTo)
	if err != nil {
		return fmt.Errorf("wal abort: flush: %w", err)
	}

	writes, err := t.mgr.collectTxnWrites(t.id, t.firstLSN, upTo)
	if err != nil {
		return fmt.Errorf("wal abort: %w", err)
	}

	sortRecordsByLSN(writes, true)

	for _, rec := range writes {
		err = backend.WriteSector(rec.Sector, int(rec.Offset), rec.OldData[:rec.Length])
		if err != nil {
			return fmt.Errorf("wal abort: rollback sector %d: %w", rec.Sector, err)
		}
	}

	err = backend.Flush()
	if err != nil {
		return fmt.Errorf("wal abort: flush backend: %w", err)
	}

	_, err = t.mgr.append(Record{TxnID: t.id, Type: RecordAbort})
	if err != nil {
		return fmt.Errorf("wal abort: %w", err)
	}

	t.mu.Lock()
	t.state = txnAborted
	t.mu.Unlock()

	t.mgr.mu.Lock()
	delete(t.mgr.activeTxns, t.id)
	t.mgr.stats.Aborts++
	t.mgr.mu.Unlock()

	return nil
}

// collectTxnWrites reads every ring sector currently holding an LSN in
// [fromLSN, toLSN] and returns the WRITE records belonging to txnID. Only
// currently-present ring entries are considered: an entry superseded by a
// later LSN at the same ring position is, by the WAL's own invariant,
// already durable by other means and does not need to appear here.
func (m *Manager) collectTxnWrites(txnID, fromLSN, toLSN uint64) ([]Record, error) {
	seen := make(map[uint32]Record)
	buf := make([]byte, 512)

	for lsn := fromLSN; lsn <= toLSN; lsn++ {
		sector := sectorForLSN(lsn)
		if _, ok := seen[sector]; ok {
			continue
		}

		err := m.dev.Read(sector, buf)
		if err != nil {
			return nil, fmt.Errorf("collect txn writes: read sector %d: %w", sector, err)
		}

		rec, err := Decode(buf)
		if err != nil {
			continue
		}

		seen[sector] = rec
	}

	var out []Record

	for _, rec := range seen {
		if rec.Type == RecordWrite && rec.TxnID == txnID {
			out = append(out, rec)
		}
	}

	return out, nil
}
