// Package inode implements the multi-level inode layer: on-disk layout,
// the block-map translation (direct, single-indirect, double-indirect),
// write-past-EOF extension through the free-map, and the process-wide
// open-inode table with reference counting (spec §4.2).
package inode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/calvinalkan/kfs/internal/device"
)

// Magic validates an on-disk inode (spec §6: 0x494e4f44, "INOD" in ASCII).
const Magic uint32 = 0x494e4f44

// Layout constants for the block map (spec §4.2).
const (
	DirectCount   = 12
	PointersPerBlock = device.SectorSize / 4 // 128 uint32 pointers per indirect block
	SingleIndirectCapacity = PointersPerBlock
	DoubleIndirectCapacity = PointersPerBlock * PointersPerBlock
)

// Type identifies what an inode represents.
type Type uint8

const (
	TypeFile Type = iota
	TypeDir
	TypeSymlink
)

// ErrBadMagic reports an inode sector whose magic failed validation.
var ErrBadMagic = errors.New("inode: magic mismatch")

// ErrNoSpace reports an allocation failure during extension.
var ErrNoSpace = errors.New("inode: free-map has no space")

// Disk is the on-disk, 512-byte inode layout (spec §3).
type Disk struct {
	Magic     uint32
	Type      Type
	Length    uint32
	NLink     uint32
	Direct    [DirectCount]uint32
	Single    uint32
	Double    uint32
}

// Byte offsets within the 512-byte on-disk inode.
const (
	offMagic  = 0
	offType   = offMagic + 4
	offLength = offType + 1
	offNLink  = offLength + 4
	offDirect = offNLink + 4
	offSingle = offDirect + DirectCount*4
	offDouble = offSingle + 4
)

func init() {
	if int(offDouble+4) > device.SectorSize {
		panic("inode: on-disk layout exceeds sector size")
	}
}

// EncodeDisk serializes d into a sector-sized buffer.
func EncodeDisk(d Disk) []byte {
	buf := make([]byte, device.SectorSize)

	binary.LittleEndian.PutUint32(buf[offMagic:], d.Magic)
	buf[offType] = byte(d.Type)
	binary.LittleEndian.PutUint32(buf[offLength:], d.Length)
	binary.LittleEndian.PutUint32(buf[offNLink:], d.NLink)

	for i, p := range d.Direct {
		binary.LittleEndian.PutUint32(buf[offDirect+i*4:], p)
	}

	binary.LittleEndian.PutUint32(buf[offSingle:], d.Single)
	binary.LittleEndian.PutUint32(buf[offDouble:], d.Double)

	return buf
}

// DecodeDisk parses a sector-sized buffer into a Disk inode, validating its
// magic.
func DecodeDisk(buf []byte) (Disk, error) {
	if len(buf) != device.SectorSize {
		return Disk{}, fmt.Errorf("decode inode: buffer is not one sector (%d bytes)", len(buf))
	}

	var d Disk

	d.Magic = binary.LittleEndian.Uint32(buf[offMagic:])
	if d.Magic != Magic {
		return Disk{}, ErrBadMagic
	}

	d.Type = Type(buf[offType])
	d.Length = binary.LittleEndian.Uint32(buf[offLength:])
	d.NLink = binary.LittleEndian.Uint32(buf[offNLink:])

	for i := range d.Direct {
		d.Direct[i] = binary.LittleEndian.Uint32(buf[offDirect+i*4:])
	}

	d.Single = binary.LittleEndian.Uint32(buf[offSingle:])
	d.Double = binary.LittleEndian.Uint32(buf[offDouble:])

	return d, nil
}

// Inode is the in-memory handle for an open inode (spec §3): a cached copy
// of the on-disk struct plus open_cnt/removed/deny_write_cnt, guarded by
// its own lock.
type Inode struct {
	Sector uint32

	mu sync.Mutex

	disk Disk

	openCnt      int
	removed      bool
	denyWriteCnt int
}

// DiskCopy returns a copy of the cached on-disk fields, for callers (the
// directory layer, stat-like operations) that only need a snapshot.
func (ino *Inode) DiskCopy() Disk {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	return ino.disk
}

// Length returns the inode's current byte length.
func (ino *Inode) Length() uint32 {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	return ino.disk.Length
}

// IsDir reports whether the inode represents a directory.
func (ino *Inode) IsDir() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	return ino.disk.Type == TypeDir
}

// DenyWrite increments the write-deny counter (spec §4.2: protects running
// executables).
func (ino *Inode) DenyWrite() {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	ino.denyWriteCnt++
}

// AllowWrite decrements the write-deny counter.
func (ino *Inode) AllowWrite() {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	if ino.denyWriteCnt > 0 {
		ino.denyWriteCnt--
	}
}

func (ino *Inode) writeDenied() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	return ino.denyWriteCnt > 0
}

// OccupiedSectors returns every sector this inode's content currently
// claims: its own inode sector, any indirect pointer blocks, and the data
// blocks reachable within its current length — the set fsck compares
// against the free-map's allocated bits (spec §4.3's invariant that every
// reachable pointer's bit is 1).
func (ino *Inode) OccupiedSectors(c Cache) ([]uint32, error) {
	ino.mu.Lock()
	disk := ino.disk
	sector := ino.Sector
	ino.mu.Unlock()

	sectors := []uint32{sector}

	numBlocks := (int(disk.Length) + device.SectorSize - 1) / device.SectorSize

	if disk.Single != 0 && numBlocks > DirectCount {
		sectors = append(sectors, disk.Single)
	}

	if disk.Double != 0 && numBlocks > DirectCount+SingleIndirectCapacity {
		sectors = append(sectors, disk.Double)

		outerBlocks := numBlocks - DirectCount - SingleIndirectCapacity
		numOuter := (outerBlocks + PointersPerBlock - 1) / PointersPerBlock

		for outer := 0; outer < numOuter; outer++ {
			p, err := readPointer(c, disk.Double, outer)
			if err != nil {
				return nil, fmt.Errorf("inode: occupied sectors: read double-indirect outer %d: %w", outer, err)
			}

			if p != 0 {
				sectors = append(sectors, p)
			}
		}
	}

	for block := 0; block < numBlocks; block++ {
		s, err := ino.sectorForBlock(c, block)
		if err != nil {
			return nil, fmt.Errorf("inode: occupied sectors: block %d: %w", block, err)
		}

		if s != 0 {
			sectors = append(sectors, s)
		}
	}

	return sectors, nil
}
