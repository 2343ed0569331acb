package inode

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/layout"
)

// Flusher is the cache capability the free-map needs beyond [Cache]: a
// synchronous flush after every allocate/release, since free-map
// persistence is synchronous at each call and does not go through the WAL
// (spec §4.3 — "consistent without the WAL participating in free-map
// updates").
type Flusher interface {
	Flush() error
}

// FreeMap is a bit-per-sector bitmap stored as a file on inode 0 (spec
// §3/§4.3). Sectors 0, 1, and the WAL ring + metadata (2..66) are
// permanently marked allocated.
//
// The bitmap's own backing sectors are bootstrapped directly (not through
// a generic inode-extension path, since the free-map must exist before
// anything can allocate through it) using only direct and single-indirect
// pointers. This bounds the free-map's own footprint to 140 sectors
// (71,680 bytes, 573,440 bits) — ample for any device size this
// implementation is exercised against — rather than chasing
// double-indirect support purely for the free-map's own bookkeeping data.
type FreeMap struct {
	mu sync.Mutex

	ino   *Inode
	cache Cache
	flush Flusher

	bits []byte
}

func bitmapSectorsNeeded(totalSectors uint32) int {
	bitmapBytes := (int(totalSectors) + 7) / 8

	return (bitmapBytes + device.SectorSize - 1) / device.SectorSize
}

// FormatFreeMap bootstraps a fresh free-map covering totalSectors and
// writes its inode and bitmap content to disk.
func FormatFreeMap(c Cache, f Flusher, totalSectors uint32) (*FreeMap, error) {
	need := bitmapSectorsNeeded(totalSectors)
	if need > DirectCount+SingleIndirectCapacity {
		return nil, fmt.Errorf("inode: free-map for %d sectors needs %d sectors, exceeds direct+single-indirect capacity", totalSectors, need)
	}

	var disk Disk

	disk.Magic = Magic
	disk.Type = TypeFile
	disk.NLink = 1

	next := layout.DataStartSector

	var singlePointers [PointersPerBlock]uint32

	singleIndirectSector := uint32(0)
	dataSectors := make([]uint32, 0, need)

	for i := 0; i < need; i++ {
		sector := next
		next++

		dataSectors = append(dataSectors, sector)

		if i < DirectCount {
			disk.Direct[i] = sector
		} else {
			if singleIndirectSector == 0 {
				singleIndirectSector = next
				next++
			}

			singlePointers[i-DirectCount] = sector
		}
	}

	if singleIndirectSector != 0 {
		disk.Single = singleIndirectSector

		buf := make([]byte, device.SectorSize)
		for i, p := range singlePointers {
			if p != 0 {
				binary.LittleEndian.PutUint32(buf[i*4:], p)
			}
		}

		err := c.Write(singleIndirectSector, buf, 0, device.SectorSize)
		if err != nil {
			return nil, fmt.Errorf("format free-map: write indirect block: %w", err)
		}
	}

	bitmapBytes := (int(totalSectors) + 7) / 8
	disk.Length = uint32(bitmapBytes)

	bits := make([]byte, need*device.SectorSize)

	for sector := uint32(0); sector < totalSectors; sector++ {
		if layout.Reserved(sector) || isBootstrapSector(sector, dataSectors, singleIndirectSector) {
			setBit(bits, int(sector))
		}
	}

	for i, sector := range dataSectors {
		chunk := bits[i*device.SectorSize : (i+1)*device.SectorSize]

		err := c.Write(sector, chunk, 0, device.SectorSize)
		if err != nil {
			return nil, fmt.Errorf("format free-map: write bitmap sector: %w", err)
		}
	}

	err := c.Write(layout.FreeMapSector, EncodeDisk(disk), 0, device.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("format free-map: write inode: %w", err)
	}

	err = f.Flush()
	if err != nil {
		return nil, fmt.Errorf("format free-map: flush: %w", err)
	}

	return &FreeMap{
		ino:   &Inode{Sector: layout.FreeMapSector, disk: disk, openCnt: 1},
		cache: c,
		flush: f,
		bits:  bits[:bitmapBytes],
	}, nil
}

func isBootstrapSector(sector uint32, dataSectors []uint32, singleIndirectSector uint32) bool {
	if sector == singleIndirectSector {
		return true
	}

	for _, s := range dataSectors {
		if s == sector {
			return true
		}
	}

	return false
}

// OpenFreeMap reads the free-map inode and its bitmap content back from
// disk.
func OpenFreeMap(c Cache, f Flusher) (*FreeMap, error) {
	buf := make([]byte, device.SectorSize)

	err := c.ReadAt(layout.FreeMapSector, buf, 0, device.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("open free-map: read inode: %w", err)
	}

	disk, err := DecodeDisk(buf)
	if err != nil {
		return nil, fmt.Errorf("open free-map: %w", err)
	}

	ino := &Inode{Sector: layout.FreeMapSector, disk: disk, openCnt: 1}

	bits := make([]byte, disk.Length)

	_, err = ino.ReadAt(c, bits, 0)
	if err != nil {
		return nil, fmt.Errorf("open free-map: read bitmap: %w", err)
	}

	return &FreeMap{ino: ino, cache: c, flush: f, bits: bits}, nil
}

// Allocate scans for n consecutive free sectors, marks them allocated, and
// persists the change synchronously. On failure, the in-memory bits are
// restored and ok is false (spec §4.3).
func (fm *FreeMap) Allocate(n int) (sectors []uint32, ok bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	start := fm.findRunLocked(n)
	if start < 0 {
		return nil, false
	}

	snapshot := make([]byte, len(fm.bits))
	copy(snapshot, fm.bits)

	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		setBit(fm.bits, start+i)
		out[i] = uint32(start + i)
	}

	err := fm.persistRangeLocked(start, n)
	if err != nil {
		copy(fm.bits, snapshot)

		return nil, false
	}

	return out, true
}

// Release clears n bits starting at sector, asserting they were all set
// (a double-release is a programming fault — it panics, per spec §7's
// error taxonomy for unrecoverable faults).
func (fm *FreeMap) Release(sector uint32, n int) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	for i := 0; i < n; i++ {
		if !testBit(fm.bits, int(sector)+i) {
			panic(fmt.Sprintf("inode: free-map double-release at sector %d", int(sector)+i))
		}
	}

	for i := 0; i < n; i++ {
		clearBit(fm.bits, int(sector)+i)
	}

	err := fm.persistRangeLocked(int(sector), n)
	if err != nil {
		panic(fmt.Sprintf("inode: free-map release could not persist: %v", err))
	}
}

func (fm *FreeMap) findRunLocked(n int) int {
	run := 0
	start := -1

	totalBits := len(fm.bits) * 8

	for i := 0; i < totalBits; i++ {
		if testBit(fm.bits, i) {
			run = 0
			start = -1

			continue
		}

		if start < 0 {
			start = i
		}

		run++
		if run == n {
			return start
		}
	}

	return -1
}

// persistRangeLocked writes every bitmap byte touched by the bit range
// [bitStart, bitStart+n) back through the free-map file, then flushes
// synchronously.
func (fm *FreeMap) persistRangeLocked(bitStart, n int) error {
	firstByte := bitStart / 8
	lastByte := (bitStart + n - 1) / 8

	for byteIdx := firstByte; byteIdx <= lastByte; byteIdx++ {
		block := byteIdx / device.SectorSize
		sectorOffset := byteIdx % device.SectorSize

		sector, err := fm.ino.sectorForBlock(fm.cache, block)
		if err != nil {
			return err
		}

		if sector == 0 {
			return fmt.Errorf("inode: free-map byte %d has no backing sector", byteIdx)
		}

		err = fm.cache.Write(sector, fm.bits[byteIdx:byteIdx+1], sectorOffset, 1)
		if err != nil {
			return err
		}
	}

	return fm.flush.Flush()
}

// Usage reports the number of free sectors and the total number of
// sectors the bitmap covers, for `kfsctl stats`/`dump-superblock`.
func (fm *FreeMap) Usage() (free, total uint32) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	total = uint32(len(fm.bits) * 8)

	for i := 0; i < len(fm.bits)*8; i++ {
		if !testBit(fm.bits, i) {
			free++
		}
	}

	return free, total
}

// OccupiedSectors returns every sector the free-map's own bitmap inode
// claims — its inode sector plus whatever indirect/data blocks hold the
// bitmap bytes. fsck adds these to a tree walk's reachable set, since the
// free-map's own storage is never referenced by any directory entry.
func (fm *FreeMap) OccupiedSectors() ([]uint32, error) {
	fm.mu.Lock()
	ino := fm.ino
	c := fm.cache
	fm.mu.Unlock()

	sectors, err := ino.OccupiedSectors(c)
	if err != nil {
		return nil, fmt.Errorf("inode: free-map occupied sectors: %w", err)
	}

	return sectors, nil
}

// AllocatedSectors returns every sector number the bitmap currently marks
// allocated (bit set), for fsck to compare against a tree-walk's reachable
// set.
func (fm *FreeMap) AllocatedSectors() []uint32 {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	var out []uint32

	for i := 0; i < len(fm.bits)*8; i++ {
		if testBit(fm.bits, i) {
			out = append(out, uint32(i))
		}
	}

	return out
}

func setBit(bits []byte, i int)   { bits[i/8] |= 1 << uint(i%8) }
func clearBit(bits []byte, i int) { bits[i/8] &^= 1 << uint(i%8) }
func testBit(bits []byte, i int) bool {
	return bits[i/8]&(1<<uint(i%8)) != 0
}
