package inode

import (
	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/wal"
)

// NLink returns the inode's current link count.
func (ino *Inode) NLink() uint32 {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	return ino.disk.NLink
}

// DecrementNLink logs and persists nlink-1, returning the new value. The
// directory layer calls this on every Remove; a result of zero means the
// caller should MarkRemoved so the last Close releases the inode's blocks
// (spec §4.4).
func (ino *Inode) DecrementNLink(txn *wal.Txn, c Cache) (uint32, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	old := EncodeDisk(ino.disk)

	if ino.disk.NLink > 0 {
		ino.disk.NLink--
	}

	next := EncodeDisk(ino.disk)

	err := txn.LogWrite(ino.Sector, 0, old, next)
	if err != nil {
		return ino.disk.NLink, err
	}

	err = c.Write(ino.Sector, next, 0, device.SectorSize)
	if err != nil {
		return ino.disk.NLink, err
	}

	return ino.disk.NLink, nil
}

// IncrementNLink is the inverse of DecrementNLink, used for hard links.
func (ino *Inode) IncrementNLink(txn *wal.Txn, c Cache) (uint32, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	old := EncodeDisk(ino.disk)
	ino.disk.NLink++
	next := EncodeDisk(ino.disk)

	err := txn.LogWrite(ino.Sector, 0, old, next)
	if err != nil {
		return ino.disk.NLink, err
	}

	err = c.Write(ino.Sector, next, 0, device.SectorSize)
	if err != nil {
		return ino.disk.NLink, err
	}

	return ino.disk.NLink, nil
}
