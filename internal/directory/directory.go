// Package directory implements the directory layer: fixed-size entries
// over an inode's byte stream, mapping names to inode sector numbers (spec
// §4.4). A directory's data is just a file as far as the inode layer is
// concerned; this package is the only thing that interprets its bytes as
// entries.
package directory

import (
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/kfs/internal/inode"
	"github.com/calvinalkan/kfs/internal/wal"
)

// NameMax is the longest file name a directory entry can hold.
const NameMax = 63

// entrySize is the fixed on-disk size of one directory entry: a 4-byte
// inode sector, NameMax+1 bytes of name (NUL-padded), and one in_use byte.
const entrySize = 4 + NameMax + 1 + 1

const (
	offSector = 0
	offName   = offSector + 4
	offInUse  = offName + NameMax + 1
)

// Entry is the decoded form of one directory slot.
type Entry struct {
	Sector uint32
	Name   string
	InUse  bool
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, entrySize)

	binary.LittleEndian.PutUint32(buf[offSector:], e.Sector)
	copy(buf[offName:offName+NameMax], e.Name)

	if e.InUse {
		buf[offInUse] = 1
	}

	return buf
}

func decodeEntry(buf []byte) Entry {
	var e Entry

	e.Sector = binary.LittleEndian.Uint32(buf[offSector:])

	nameBuf := buf[offName : offName+NameMax+1]

	end := 0
	for end < len(nameBuf) && nameBuf[end] != 0 {
		end++
	}

	e.Name = string(nameBuf[:end])
	e.InUse = buf[offInUse] != 0

	return e
}

// Cache is the subset of the buffer cache the directory layer needs,
// matching internal/inode's own narrow Cache interface so this package
// stays decoupled from the concrete cache type too.
type Cache = inode.Cache

// Directory wraps an inode whose data is interpreted as a sequence of
// fixed-size entries.
type Directory struct {
	Ino *inode.Inode

	// cursor is this handle's per-handle readdir position (spec §4.4:
	// "advances a per-handle cursor"). Each opened Directory handle gets
	// its own, even if two handles wrap the same inode.
	cursor int
}

// Open wraps an already-open directory inode.
func Open(ino *inode.Inode) *Directory {
	return &Directory{Ino: ino}
}

func entryCount(ino *inode.Inode) int {
	return int(ino.Length()) / entrySize
}

func (d *Directory) readEntry(c Cache, idx int) (Entry, error) {
	buf := make([]byte, entrySize)

	n, err := d.Ino.ReadAt(c, buf, idx*entrySize)
	if err != nil {
		return Entry{}, err
	}

	if n != entrySize {
		return Entry{}, fmt.Errorf("directory: short read at entry %d", idx)
	}

	return decodeEntry(buf), nil
}

// Lookup linearly scans in-use entries for an exact name match (spec
// §4.4).
func (d *Directory) Lookup(c Cache, name string) (sector uint32, ok bool, err error) {
	n := entryCount(d.Ino)

	for i := 0; i < n; i++ {
		e, err := d.readEntry(c, i)
		if err != nil {
			return 0, false, err
		}

		if e.InUse && e.Name == name {
			return e.Sector, true, nil
		}
	}

	return 0, false, nil
}

// Add installs a new entry, rejecting duplicates. It places the entry at
// the first not-in-use slot, or appends at end-of-file (spec §4.4).
func (d *Directory) Add(txn *wal.Txn, c Cache, fm *inode.FreeMap, name string, sector uint32) (bool, error) {
	if len(name) > NameMax {
		return false, fmt.Errorf("directory: name %q exceeds %d bytes", name, NameMax)
	}

	n := entryCount(d.Ino)

	freeSlot := -1

	for i := 0; i < n; i++ {
		e, err := d.readEntry(c, i)
		if err != nil {
			return false, err
		}

		if e.InUse {
			if e.Name == name {
				return false, nil
			}

			continue
		}

		if freeSlot < 0 {
			freeSlot = i
		}
	}

	idx := freeSlot
	if idx < 0 {
		idx = n
	}

	buf := encodeEntry(Entry{Sector: sector, Name: name, InUse: true})

	written, err := d.Ino.WriteAt(txn, c, fm, buf, idx*entrySize)
	if err != nil {
		return false, err
	}

	if written != entrySize {
		return false, fmt.Errorf("directory: short write installing entry %q", name)
	}

	return true, nil
}

// Remove flips an entry's in_use bit to false. It only touches the
// directory's own entries; decrementing the target inode's nlink (and
// deciding whether it drops to zero) is the caller's job, since that
// requires the open-inode table rather than just this directory's bytes
// (spec §4.4).
func (d *Directory) Remove(txn *wal.Txn, c Cache, fm *inode.FreeMap, name string) (targetSector uint32, ok bool, err error) {
	n := entryCount(d.Ino)

	for i := 0; i < n; i++ {
		e, err := d.readEntry(c, i)
		if err != nil {
			return 0, false, err
		}

		if !e.InUse || e.Name != name {
			continue
		}

		cleared := e
		cleared.InUse = false

		buf := encodeEntry(cleared)

		_, err = d.Ino.WriteAt(txn, c, fm, buf, i*entrySize)
		if err != nil {
			return 0, false, err
		}

		return e.Sector, true, nil
	}

	return 0, false, nil
}

// Readdir advances this handle's cursor and returns the next in-use entry
// that is not "." or "..", or ok=false at end of directory (spec §4.4).
func (d *Directory) Readdir(c Cache) (name string, ok bool, err error) {
	n := entryCount(d.Ino)

	for d.cursor < n {
		idx := d.cursor
		d.cursor++

		e, err := d.readEntry(c, idx)
		if err != nil {
			return "", false, err
		}

		if !e.InUse || e.Name == "." || e.Name == ".." {
			continue
		}

		return e.Name, true, nil
	}

	return "", false, nil
}

// IsEmpty reports whether only "." and ".." remain (spec §4.4).
func (d *Directory) IsEmpty(c Cache) (bool, error) {
	n := entryCount(d.Ino)

	for i := 0; i < n; i++ {
		e, err := d.readEntry(c, i)
		if err != nil {
			return false, err
		}

		if e.InUse && e.Name != "." && e.Name != ".." {
			return false, nil
		}
	}

	return true, nil
}

// CreateWithParent installs "." (pointing at sector) and ".." (pointing at
// parent) as the first two entries of a freshly created directory inode —
// the root directory installs ".." pointing at itself (spec §4.4/§6).
func CreateWithParent(txn *wal.Txn, c Cache, fm *inode.FreeMap, dirIno *inode.Inode, parentSector uint32) error {
	d := Open(dirIno)

	ok, err := d.Add(txn, c, fm, ".", dirIno.Sector)
	if err != nil {
		return fmt.Errorf("directory: create_with_parent: %w", err)
	}

	if !ok {
		return fmt.Errorf("directory: create_with_parent: \".\" already present")
	}

	ok, err = d.Add(txn, c, fm, "..", parentSector)
	if err != nil {
		return fmt.Errorf("directory: create_with_parent: %w", err)
	}

	if !ok {
		return fmt.Errorf("directory: create_with_parent: \"..\" already present")
	}

	return nil
}
