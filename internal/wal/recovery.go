package wal

import (
	"fmt"

	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/layout"
)

// txnOutcome records what, if anything, Analysis learned about a
// transaction's fate from the records still present in the ring.
type txnOutcome struct {
	committed bool
	aborted   bool
}

// recoverDevice runs the three-phase recovery described in spec §4.5
// directly against dev, before any cache or Manager exists:
//
//   - Analysis sweeps every ring sector once, decoding whatever records are
//     still present and readable, and classifies each transaction touched
//     as committed, aborted, or neither.
//   - REDO replays, in ascending LSN order, every WRITE record belonging to
//     a committed transaction, installing new_data.
//   - UNDO replays, in descending LSN order, every WRITE record belonging
//     to a transaction that is neither committed nor aborted, installing
//     old_data. Descending order matters: if the same transaction wrote the
//     same region twice, undoing the later write first and the earlier
//     write last leaves the sector at its pre-transaction value.
//
// A record that fails its checksum is treated as if it does not exist
// (spec §4.5/§7): this is how a torn write at the tail of the log, from a
// crash mid-append, resolves itself.
func recoverDevice(dev device.Device) (redoApplied, undoApplied int, maxLSN, maxTxnID uint64, err error) {
	outcomes := make(map[uint64]*txnOutcome)

	var records []Record

	buf := make([]byte, device.SectorSize)

	for sector := layout.LogStartSector; sector < layout.LogEndSector; sector++ {
		err := dev.Read(sector, buf)
		if err != nil {
			return 0, 0, 0, 0, fmt.Errorf("recovery: read sector %d: %w", sector, err)
		}

		rec, decodeErr := Decode(buf)
		if decodeErr != nil || rec.Type == RecordInvalid {
			continue
		}

		records = append(records, rec)

		if rec.LSN > maxLSN {
			maxLSN = rec.LSN
		}

		if rec.TxnID > maxTxnID {
			maxTxnID = rec.TxnID
		}

		o := outcomes[rec.TxnID]
		if o == nil {
			o = &txnOutcome{}
			outcomes[rec.TxnID] = o
		}

		switch rec.Type {
		case RecordCommit:
			o.committed = true
		case RecordAbort:
			o.aborted = true
		}
	}

	ascending := make([]Record, len(records))
	copy(ascending, records)
	sortRecordsByLSN(ascending, false)

	for _, rec := range ascending {
		if rec.Type != RecordWrite {
			continue
		}

		o := outcomes[rec.TxnID]
		if o == nil || !o.committed {
			continue
		}

		err := applyRecord(dev, rec.Sector, rec.Offset, rec.NewData[:rec.Length])
		if err != nil {
			return 0, 0, 0, 0, fmt.Errorf("recovery redo: %w", err)
		}

		redoApplied++
	}

	var toUndo []Record

	for _, rec := range records {
		if rec.Type != RecordWrite {
			continue
		}

		o := outcomes[rec.TxnID]
		if o != nil && (o.committed || o.aborted) {
			continue
		}

		toUndo = append(toUndo, rec)
	}

	sortRecordsByLSN(toUndo, true)

	for _, rec := range toUndo {
		err := applyRecord(dev, rec.Sector, rec.Offset, rec.OldData[:rec.Length])
		if err != nil {
			return 0, 0, 0, 0, fmt.Errorf("recovery undo: %w", err)
		}

		undoApplied++
	}

	return redoApplied, undoApplied, maxLSN, maxTxnID, nil
}

// applyRecord overlays data at offset within the target sector and writes
// the sector back. Recovery operates directly on the device: no cache
// exists yet at this point in startup.
func applyRecord(dev device.Device, sector uint32, offset uint16, data []byte) error {
	buf := make([]byte, device.SectorSize)

	err := dev.Read(sector, buf)
	if err != nil {
		return fmt.Errorf("read sector %d: %w", sector, err)
	}

	copy(buf[offset:int(offset)+len(data)], data)

	err = dev.Write(sector, buf)
	if err != nil {
		return fmt.Errorf("write sector %d: %w", sector, err)
	}

	return nil
}
