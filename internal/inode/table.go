package inode

import (
	"fmt"
	"sync"

	"github.com/calvinalkan/kfs/internal/device"
	"github.com/calvinalkan/kfs/internal/wal"
)

// Table is the process-wide set of open in-memory inodes, keyed by sector
// number (spec §3/§9: "represent the open-inode set as a keyed map...
// rather than back-pointers"). Lock order: open_inodes_lock (Table's own
// lock) is always acquired before any individual inode's lock (spec §4.2).
type Table struct {
	mu    sync.Mutex
	open  map[uint32]*Inode
	cache Cache
}

// NewTable constructs an empty open-inode table.
func NewTable(c Cache) *Table {
	return &Table{open: make(map[uint32]*Inode), cache: c}
}

// Open returns the in-memory inode for sector, reading it from disk on
// first open and incrementing open_cnt on every call thereafter — reopening
// an already-open inode never allocates a second in-memory instance (spec
// §3).
func (t *Table) Open(sector uint32) (*Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ino, ok := t.open[sector]; ok {
		ino.mu.Lock()
		ino.openCnt++
		ino.mu.Unlock()

		return ino, nil
	}

	buf := make([]byte, device.SectorSize)

	err := t.cache.ReadAt(sector, buf, 0, device.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("inode table: open sector %d: %w", sector, err)
	}

	disk, err := DecodeDisk(buf)
	if err != nil {
		return nil, fmt.Errorf("inode table: open sector %d: %w", sector, err)
	}

	ino := &Inode{Sector: sector, disk: disk, openCnt: 1}
	t.open[sector] = ino

	return ino, nil
}

// Reopen increments open_cnt on an already-open inode (spec §3: "a
// process-wide set keyed by sector number"). It is equivalent to Open but
// named separately to match the exposed file API's reopen/dup operations.
func (t *Table) Reopen(ino *Inode) {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	ino.openCnt++
}

// Close decrements open_cnt. At zero, the inode is removed from the table;
// if it was marked removed, its data blocks are released to fm first
// (spec §3/§4.2).
func (t *Table) Close(ino *Inode, fm *FreeMap) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ino.mu.Lock()
	ino.openCnt--
	cnt := ino.openCnt
	removed := ino.removed
	ino.mu.Unlock()

	if cnt < 0 {
		panic(fmt.Sprintf("inode: open_cnt underflow on sector %d", ino.Sector))
	}

	if cnt > 0 {
		return nil
	}

	delete(t.open, ino.Sector)

	if removed {
		ino.Release(t.cache, fm)
		fm.Release(ino.Sector, 1)
	}

	return nil
}

// Create allocates a fresh sector from fm, writes a new empty on-disk
// inode of type typ there (logged, like any other cache write), and
// registers it in the table with open_cnt=1.
func (t *Table) Create(txn *wal.Txn, fm *FreeMap, typ Type) (*Inode, error) {
	sectors, ok := fm.Allocate(1)
	if !ok {
		return nil, ErrNoSpace
	}

	sector := sectors[0]
	disk := NewFileDisk(typ)

	old := make([]byte, device.SectorSize)

	err := t.cache.ReadAt(sector, old, 0, device.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("inode table: create: %w", err)
	}

	newBuf := EncodeDisk(disk)

	err = txn.LogWrite(sector, 0, old, newBuf)
	if err != nil {
		return nil, fmt.Errorf("inode table: create: %w", err)
	}

	err = t.cache.Write(sector, newBuf, 0, device.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("inode table: create: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ino := &Inode{Sector: sector, disk: disk, openCnt: 1}
	t.open[sector] = ino

	return ino, nil
}

// Bootstrap writes a fresh on-disk inode of type typ directly at sector,
// bypassing the free-map allocator, and registers it with open_cnt=1. This
// is only for the fixed-layout inodes (the root directory at sector 1; the
// free-map inode at sector 0 is bootstrapped separately, by
// FormatFreeMap/OpenFreeMap, since it has to exist before any allocator
// call can succeed) — their sector is part of the on-disk format, not
// something the free-map gets to choose (spec §3/§6).
func (t *Table) Bootstrap(txn *wal.Txn, sector uint32, typ Type) (*Inode, error) {
	disk := NewFileDisk(typ)

	old := make([]byte, device.SectorSize)

	err := t.cache.ReadAt(sector, old, 0, device.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("inode table: bootstrap sector %d: %w", sector, err)
	}

	newBuf := EncodeDisk(disk)

	err = txn.LogWrite(sector, 0, old, newBuf)
	if err != nil {
		return nil, fmt.Errorf("inode table: bootstrap sector %d: %w", sector, err)
	}

	err = t.cache.Write(sector, newBuf, 0, device.SectorSize)
	if err != nil {
		return nil, fmt.Errorf("inode table: bootstrap sector %d: %w", sector, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ino := &Inode{Sector: sector, disk: disk, openCnt: 1}
	t.open[sector] = ino

	return ino, nil
}

// MarkRemoved sets removed=true; actual deallocation happens when open_cnt
// reaches zero (spec §3).
func (ino *Inode) MarkRemoved() {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	ino.removed = true
}

// OpenCount returns the inode's current reference count, for tests and
// invariant checks (spec §8: "open_cnt ≥ 1 for every in-memory inode").
func (ino *Inode) OpenCount() int {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	return ino.openCnt
}
