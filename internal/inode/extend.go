package inode

import (
	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/wal"
)

// extendTo grows the inode's block map so block indices up to
// neededBlocks-1 are allocated, zero-filling each newly allocated sector
// and logging every cache write so the WAL can UNDO/REDO it (spec §4.2).
// On an allocation failure the already-allocated blocks are left reachable
// — the operation simply stops and returns the error; nothing is rolled
// back, matching spec §9's acknowledged leak-on-extension-failure
// behavior.
func (ino *Inode) extendTo(txn *wal.Txn, c Cache, fm *FreeMap, neededBlocks int) error {
	currentBlocks := (int(ino.disk.Length) + device.SectorSize - 1) / device.SectorSize

	for b := currentBlocks; b < neededBlocks; b++ {
		sector, err := ino.allocateBlock(txn, c, fm, b)
		if err != nil {
			return err
		}

		err = zeroFillAndLog(txn, c, sector)
		if err != nil {
			return err
		}
	}

	return nil
}

// allocateBlock allocates one fresh data sector from fm and installs it at
// block's position in the block map, lazily allocating any indirect or
// double-indirect structural block needed along the way.
func (ino *Inode) allocateBlock(txn *wal.Txn, c Cache, fm *FreeMap, block int) (uint32, error) {
	loc, err := locate(block)
	if err != nil {
		return 0, err
	}

	sectors, ok := fm.Allocate(1)
	if !ok {
		return 0, ErrNoSpace
	}

	dataSector := sectors[0]

	switch loc.level {
	case 0:
		ino.disk.Direct[loc.directIdx] = dataSector

		return dataSector, nil
	case 1:
		err := ino.ensureSingleIndirect(txn, c, fm)
		if err != nil {
			return 0, err
		}

		err = writePointer(txn, c, ino.disk.Single, loc.singleIdx, dataSector)
		if err != nil {
			return 0, err
		}

		return dataSector, nil
	default:
		err := ino.ensureDoubleIndirect(txn, c, fm)
		if err != nil {
			return 0, err
		}

		outer, err := readPointer(c, ino.disk.Double, loc.doubleOuter)
		if err != nil {
			return 0, err
		}

		if outer == 0 {
			inner, ok := fm.Allocate(1)
			if !ok {
				return 0, ErrNoSpace
			}

			outer = inner[0]

			err = zeroFillAndLog(txn, c, outer)
			if err != nil {
				return 0, err
			}

			err = writePointer(txn, c, ino.disk.Double, loc.doubleOuter, outer)
			if err != nil {
				return 0, err
			}
		}

		err = writePointer(txn, c, outer, loc.singleIdx, dataSector)
		if err != nil {
			return 0, err
		}

		return dataSector, nil
	}
}

func (ino *Inode) ensureSingleIndirect(txn *wal.Txn, c Cache, fm *FreeMap) error {
	if ino.disk.Single != 0 {
		return nil
	}

	sectors, ok := fm.Allocate(1)
	if !ok {
		return ErrNoSpace
	}

	err := zeroFillAndLog(txn, c, sectors[0])
	if err != nil {
		return err
	}

	ino.disk.Single = sectors[0]

	return nil
}

func (ino *Inode) ensureDoubleIndirect(txn *wal.Txn, c Cache, fm *FreeMap) error {
	if ino.disk.Double != 0 {
		return nil
	}

	sectors, ok := fm.Allocate(1)
	if !ok {
		return ErrNoSpace
	}

	err := zeroFillAndLog(txn, c, sectors[0])
	if err != nil {
		return err
	}

	ino.disk.Double = sectors[0]

	return nil
}

func zeroFillAndLog(txn *wal.Txn, c Cache, sector uint32) error {
	old := make([]byte, device.SectorSize)

	err := c.ReadAt(sector, old, 0, device.SectorSize)
	if err != nil {
		return err
	}

	zero := make([]byte, device.SectorSize)

	err = txn.LogWrite(sector, 0, old, zero)
	if err != nil {
		return err
	}

	return c.Write(sector, zero, 0, device.SectorSize)
}
