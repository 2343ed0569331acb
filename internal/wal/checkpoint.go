package wal

import "fmt"

// Checkpoint flushes the attached backend and the log, then appends a
// CHECKPOINT record and flushes it too (spec §4.5). After a checkpoint, a
// future recovery's analysis sweep still covers the whole ring — the ring
// is only 64 sectors, so a full sweep is cheap — but no committed write
// older than the checkpoint can still be un-flushed in the cache, so there
// is nothing for REDO to do below it. Only one checkpoint runs at a time;
// a concurrent request gets [ErrAlreadyCheckpointing].
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	if m.checkpointing {
		m.mu.Unlock()

		return ErrAlreadyCheckpointing
	}

	if m.backend == nil {
		m.mu.Unlock()

		return fmt.Errorf("wal checkpoint: %w", errNoBackend)
	}

	m.checkpointing = true
	backend := m.backend
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.checkpointing = false
		m.mu.Unlock()
	}()

	err := backend.Flush()
	if err != nil {
		return fmt.Errorf("wal checkpoint: flush backend: %w", err)
	}

	m.mu.Lock()
	upTo := m.nextLSN - 1
	m.mu.Unlock()

	err = m.flush(upTo)
	if err != nil {
		return fmt.Errorf("wal checkpoint: flush log: %w", err)
	}

	rec, err := m.append(Record{Type: RecordCheckpoint})
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}

	err = m.flush(rec.LSN)
	if err != nil {
		return fmt.Errorf("wal checkpoint: flush checkpoint record: %w", err)
	}

	m.mu.Lock()
	m.stats.Checkpoints++
	m.mu.Unlock()

	return nil
}
