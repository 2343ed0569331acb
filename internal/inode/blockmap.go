package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/wal"
)

// Cache is the subset of the buffer cache the inode layer needs. It is
// defined here (rather than importing internal/cache directly) so this
// package stays decoupled the same way internal/wal's Backend does.
type Cache interface {
	ReadAt(sector uint32, buf []byte, offset, length int) error
	Write(sector uint32, data []byte, offset, length int) error
}

// blockLocation is where a zero-based block index's sector pointer lives,
// as computed by locate: which level of indirection, and the slot index
// within that level's pointer block (spec §4.2).
type blockLocation struct {
	level       int // 0 = direct, 1 = single-indirect, 2 = double-indirect
	directIdx   int
	singleIdx   int // index into the single-indirect block (level 1), or into the pointed-to indirect block (level 2)
	doubleOuter int // level 2 only: index into the double-indirect block
}

func locate(block int) (blockLocation, error) {
	if block < 0 {
		return blockLocation{}, fmt.Errorf("inode: negative block index %d", block)
	}

	if block < DirectCount {
		return blockLocation{level: 0, directIdx: block}, nil
	}

	b := block - DirectCount
	if b < SingleIndirectCapacity {
		return blockLocation{level: 1, singleIdx: b}, nil
	}

	b -= SingleIndirectCapacity
	if b < DoubleIndirectCapacity {
		return blockLocation{
			level:       2,
			doubleOuter: b / PointersPerBlock,
			singleIdx:   b % PointersPerBlock,
		}, nil
	}

	return blockLocation{}, fmt.Errorf("inode: block index %d exceeds max file size", block)
}

// sectorForBlock resolves block to its data sector, reading indirect
// blocks through the cache as needed. A zero pointer at any level means
// the block is unallocated (only meaningful during extension, where the
// caller is responsible for allocating it first).
func (ino *Inode) sectorForBlock(c Cache, block int) (uint32, error) {
	loc, err := locate(block)
	if err != nil {
		return 0, err
	}

	ino.mu.Lock()
	defer ino.mu.Unlock()

	switch loc.level {
	case 0:
		return ino.disk.Direct[loc.directIdx], nil
	case 1:
		if ino.disk.Single == 0 {
			return 0, nil
		}

		return readPointer(c, ino.disk.Single, loc.singleIdx)
	default:
		if ino.disk.Double == 0 {
			return 0, nil
		}

		outer, err := readPointer(c, ino.disk.Double, loc.doubleOuter)
		if err != nil || outer == 0 {
			return 0, err
		}

		return readPointer(c, outer, loc.singleIdx)
	}
}

func readPointer(c Cache, indirectSector uint32, idx int) (uint32, error) {
	buf := make([]byte, 4)

	err := c.ReadAt(indirectSector, buf, idx*4, 4)
	if err != nil {
		return 0, fmt.Errorf("inode: read indirect pointer: %w", err)
	}

	return binary.LittleEndian.Uint32(buf), nil
}

func writePointer(txn *wal.Txn, c Cache, indirectSector uint32, idx int, value uint32) error {
	old := make([]byte, 4)

	err := c.ReadAt(indirectSector, old, idx*4, 4)
	if err != nil {
		return fmt.Errorf("inode: read indirect pointer: %w", err)
	}

	newBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(newBuf, value)

	err = txn.LogWrite(indirectSector, idx*4, old, newBuf)
	if err != nil {
		return fmt.Errorf("inode: log indirect pointer write: %w", err)
	}

	err = c.Write(indirectSector, newBuf, idx*4, 4)
	if err != nil {
		return fmt.Errorf("inode: write indirect pointer: %w", err)
	}

	return nil
}

// ReadAt copies up to len(buf) bytes starting at offset, stopping at EOF,
// and returns the number of bytes actually copied (spec §4.2).
func (ino *Inode) ReadAt(c Cache, buf []byte, offset int) (int, error) {
	length := int(ino.Length())

	if offset >= length {
		return 0, nil
	}

	size := len(buf)
	if offset+size > length {
		size = length - offset
	}

	copied := 0

	for copied < size {
		pos := offset + copied
		block := pos / device.SectorSize
		sectorOffset := pos % device.SectorSize

		chunk := size - copied
		if chunk > device.SectorSize-sectorOffset {
			chunk = device.SectorSize - sectorOffset
		}

		sector, err := ino.sectorForBlock(c, block)
		if err != nil {
			return copied, err
		}

		if sector == 0 {
			// Sparse hole within a previously extended file: expose zeros.
			for i := 0; i < chunk; i++ {
				buf[copied+i] = 0
			}
		} else {
			err = c.ReadAt(sector, buf[copied:copied+chunk], sectorOffset, chunk)
			if err != nil {
				return copied, err
			}
		}

		copied += chunk
	}

	return copied, nil
}
