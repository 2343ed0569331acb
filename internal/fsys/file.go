package fsys

import (
	"fmt"
	"sync"

	"github.com/calvinalkan/kfs/internal/inode"
)

// File is an open file handle (spec §6: open/close/read/write/seek/tell/
// length/deny_write/allow_write/reopen/dup).
//
// refCount is the file handle's own reference count, separate from the
// inode's open_cnt (spec §9's noted ambiguity: the source's file handle
// carries a ref_count for fork-style descriptor duplication, with an
// underspecified contract for a [File.Dup] racing a [File.Close]). This
// implementation mirrors the source by serializing both through the
// file's own lock rather than inventing new semantics.
type File struct {
	fs  *Filesystem
	ino *inode.Inode

	mu       sync.Mutex
	pos      int
	refCount int
}

// Open opens sector as a file, starting at offset 0 with one reference
// (spec §6: `open`).
func (fsys *Filesystem) Open(sector uint32) (*File, error) {
	ino, err := fsys.table.Open(sector)
	if err != nil {
		return nil, fmt.Errorf("fsys open: %w", err)
	}

	return &File{fs: fsys, ino: ino, refCount: 1}, nil
}

// Reopen opens the same underlying inode as a brand new, independent file
// description (its own seek position), incrementing the inode's open_cnt
// (spec §6: `reopen`). This differs from [File.Dup], which shares one file
// description (and its seek position) across handles.
func (fsys *Filesystem) Reopen(sector uint32) (*File, error) {
	return fsys.Open(sector)
}

// Dup shares this file description — including its current seek position —
// with a new reference, incrementing refCount under the file's own lock so
// a concurrent [File.Close] cannot drop the handle out from under it
// mid-duplication (spec §9).
func (f *File) Dup() *File {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refCount++

	return f
}

// Close decrements refCount; at zero, the underlying inode is closed
// through the table (releasing its blocks if it was the last reference to
// a removed inode).
func (f *File) Close() error {
	f.mu.Lock()
	f.refCount--
	cnt := f.refCount
	f.mu.Unlock()

	if cnt < 0 {
		panic("fsys: file handle ref_count underflow")
	}

	if cnt > 0 {
		return nil
	}

	return f.fs.table.Close(f.ino, f.fs.fm)
}

// Read copies up to len(buf) bytes starting at the handle's current
// position, stopping at EOF, and advances the position by the number of
// bytes actually read (spec §6: `read`).
func (f *File) Read(buf []byte) (int, error) {
	f.mu.Lock()
	pos := f.pos
	f.mu.Unlock()

	n, err := f.ino.ReadAt(f.fs.cache, buf, pos)
	if err != nil {
		return n, fmt.Errorf("fsys read: %w", err)
	}

	f.mu.Lock()
	f.pos += n
	f.mu.Unlock()

	return n, nil
}

// Write begins its own transaction, writes data at the handle's current
// position (extending the file if needed), commits, and advances the
// position. If the write fails partway, the transaction is aborted so any
// already-logged/cached chunk is rolled back (spec §6: `write`, §4.5's
// happy path of log_write before cache.write per transaction).
func (f *File) Write(data []byte) (int, error) {
	f.mu.Lock()
	pos := f.pos
	f.mu.Unlock()

	txn, err := f.fs.wal.Begin()
	if err != nil {
		return 0, fmt.Errorf("fsys write: %w", err)
	}

	n, err := f.ino.WriteAt(txn, f.fs.cache, f.fs.fm, data, pos)
	if err != nil {
		_ = txn.Abort()

		return n, fmt.Errorf("fsys write: %w", err)
	}

	err = txn.Commit()
	if err != nil {
		return n, fmt.Errorf("fsys write: %w", err)
	}

	f.mu.Lock()
	f.pos += n
	f.mu.Unlock()

	return n, nil
}

// Seek sets the handle's position (spec §6: `seek`).
func (f *File) Seek(offset int) {
	f.mu.Lock()
	f.pos = offset
	f.mu.Unlock()
}

// Tell returns the handle's current position (spec §6: `tell`).
func (f *File) Tell() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.pos
}

// Length returns the underlying inode's current byte length (spec §6:
// `length`).
func (f *File) Length() uint32 {
	return f.ino.Length()
}

// DenyWrite protects a running executable from modification (spec §6:
// `deny_write`).
func (f *File) DenyWrite() {
	f.ino.DenyWrite()
}

// AllowWrite reverses a prior [File.DenyWrite] (spec §6: `allow_write`).
func (f *File) AllowWrite() {
	f.ino.AllowWrite()
}

// Sector returns the underlying inode's sector number, for callers (the
// directory layer, CLI tooling) that need to reference this file by
// identity rather than handle.
func (f *File) Sector() uint32 {
	return f.ino.Sector
}

// OccupiedSectors returns every sector this file's content currently
// claims, for fsck's reachability walk.
func (f *File) OccupiedSectors() ([]uint32, error) {
	sectors, err := f.ino.OccupiedSectors(f.fs.cache)
	if err != nil {
		return nil, fmt.Errorf("fsys occupied_sectors: %w", err)
	}

	return sectors, nil
}
