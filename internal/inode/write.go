package inode

import (
	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/layout"
	"github.com/calvinalkan/kfs/internal/wal"
)

// WriteAt writes data at offset, extending the inode first if offset +
// len(data) exceeds its current length (spec §4.2). If the write-deny
// counter is positive, it writes nothing and returns 0. Extension happens
// under the inode's lock; the lock is released before the data itself is
// copied into the cache, since per-sector safety is the cache's job once
// the block map is resolved.
func (ino *Inode) WriteAt(txn *wal.Txn, c Cache, fm *FreeMap, data []byte, offset int) (int, error) {
	if ino.writeDenied() {
		return 0, nil
	}

	ino.mu.Lock()

	needed := offset + len(data)

	if needed > int(ino.disk.Length) {
		neededBlocks := (needed + device.SectorSize - 1) / device.SectorSize

		err := ino.extendTo(txn, c, fm, neededBlocks)
		if err != nil {
			ino.mu.Unlock()

			return 0, err
		}

		oldMeta := EncodeDisk(ino.disk)
		ino.disk.Length = uint32(needed)
		newMeta := EncodeDisk(ino.disk)

		err = txn.LogWrite(ino.Sector, 0, oldMeta, newMeta)
		if err != nil {
			ino.mu.Unlock()

			return 0, err
		}

		err = c.Write(ino.Sector, newMeta, 0, device.SectorSize)
		if err != nil {
			ino.mu.Unlock()

			return 0, err
		}
	}

	ino.mu.Unlock()

	written := 0

	for written < len(data) {
		pos := offset + written
		block := pos / device.SectorSize
		sectorOffset := pos % device.SectorSize

		chunk := len(data) - written
		if chunk > device.SectorSize-sectorOffset {
			chunk = device.SectorSize - sectorOffset
		}

		sector, err := ino.sectorForBlock(c, block)
		if err != nil {
			return written, err
		}

		old := make([]byte, chunk)

		err = c.ReadAt(sector, old, sectorOffset, chunk)
		if err != nil {
			return written, err
		}

		newChunk := data[written : written+chunk]

		err = txn.LogWrite(sector, sectorOffset, old, newChunk)
		if err != nil {
			return written, err
		}

		err = c.Write(sector, newChunk, sectorOffset, chunk)
		if err != nil {
			return written, err
		}

		written += chunk
	}

	return written, nil
}

// Release frees every sector reachable from the inode (direct, then each
// indirect slot, then each double-indirect slot), called when the last
// reference to a removed inode closes (spec §4.2).
func (ino *Inode) Release(c Cache, fm *FreeMap) {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	for _, sector := range ino.disk.Direct {
		if sector != 0 {
			fm.Release(sector, 1)
		}
	}

	if ino.disk.Single != 0 {
		releaseIndirect(c, fm, ino.disk.Single)
		fm.Release(ino.disk.Single, 1)
	}

	if ino.disk.Double != 0 {
		buf := make([]byte, device.SectorSize)

		err := c.ReadAt(ino.disk.Double, buf, 0, device.SectorSize)
		if err == nil {
			for i := 0; i < PointersPerBlock; i++ {
				outer, err := readPointer(c, ino.disk.Double, i)
				if err == nil && outer != 0 {
					releaseIndirect(c, fm, outer)
					fm.Release(outer, 1)
				}
			}
		}

		fm.Release(ino.disk.Double, 1)
	}
}

func releaseIndirect(c Cache, fm *FreeMap, indirectSector uint32) {
	for i := 0; i < PointersPerBlock; i++ {
		p, err := readPointer(c, indirectSector, i)
		if err == nil && p != 0 {
			fm.Release(p, 1)
		}
	}
}

// NewFileDisk builds a fresh, empty on-disk inode of the given type.
func NewFileDisk(t Type) Disk {
	return Disk{Magic: Magic, Type: t, NLink: 1}
}

// freeMapInodeSector is a package-local alias of [layout.FreeMapSector].
const freeMapInodeSector = layout.FreeMapSector
