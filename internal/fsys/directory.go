package fsys

import (
	"fmt"

	"github.com/calvinalkan/kfs/internal/directory"
	"github.com/calvinalkan/kfs/internal/inode"
	"github.com/calvinalkan/kfs/internal/layout"
	"github.com/calvinalkan/kfs/internal/wal"
)

// Dir is an open directory handle, binding [directory.Directory] to the
// filesystem's shared cache/free-map so callers don't thread those through
// every call (spec §6's Directory API: open_root, lookup, add, remove,
// readdir, is_empty, create_with_parent).
type Dir struct {
	fs  *Filesystem
	ino *inode.Inode
	d   *directory.Directory
}

// OpenRoot opens the root directory (spec §6: `open_root`).
func (fsys *Filesystem) OpenRoot() (*Dir, error) {
	ino, err := fsys.table.Open(layout.RootDirSector)
	if err != nil {
		return nil, fmt.Errorf("fsys open_root: %w", err)
	}

	return &Dir{fs: fsys, ino: ino, d: directory.Open(ino)}, nil
}

// OpenDir opens any directory inode by sector, for callers (fsck's tree
// walk) that need to descend into a subdirectory they discovered via
// Readdir rather than OpenRoot.
func (fsys *Filesystem) OpenDir(sector uint32) (*Dir, error) {
	ino, err := fsys.table.Open(sector)
	if err != nil {
		return nil, fmt.Errorf("fsys open_dir %d: %w", sector, err)
	}

	return &Dir{fs: fsys, ino: ino, d: directory.Open(ino)}, nil
}

// Close releases this directory handle.
func (d *Dir) Close() error {
	return d.fs.table.Close(d.ino, d.fs.fm)
}

// Sector returns the sector of the inode this handle wraps, for callers
// (fsck) that need to identify which sectors a directory inode itself
// occupies.
func (d *Dir) Sector() uint32 {
	return d.ino.Sector
}

// IsDirAt reports whether the entry at sector is itself a directory, for
// fsck's tree walk to decide whether to recurse.
func (fsys *Filesystem) IsDirAt(sector uint32) (bool, error) {
	ino, err := fsys.table.Open(sector)
	if err != nil {
		return false, fmt.Errorf("fsys is_dir %d: %w", sector, err)
	}

	isDir := ino.IsDir()

	if err := fsys.table.Close(ino, fsys.fm); err != nil {
		return false, fmt.Errorf("fsys is_dir %d: %w", sector, err)
	}

	return isDir, nil
}

// OccupiedSectors returns every sector this directory's own inode
// currently claims (spec §4.3's free-map invariant), for fsck.
func (d *Dir) OccupiedSectors() ([]uint32, error) {
	sectors, err := d.ino.OccupiedSectors(d.fs.cache)
	if err != nil {
		return nil, fmt.Errorf("fsys occupied_sectors: %w", err)
	}

	return sectors, nil
}

// Lookup resolves name to an inode sector (spec §6: `lookup`).
func (d *Dir) Lookup(name string) (sector uint32, ok bool, err error) {
	sector, ok, err = d.d.Lookup(d.fs.cache, name)
	if err != nil {
		return 0, false, fmt.Errorf("fsys lookup %q: %w", name, err)
	}

	return sector, ok, nil
}

// Add installs a new entry (spec §6: `add`).
func (d *Dir) Add(txn *wal.Txn, name string, sector uint32) (bool, error) {
	ok, err := d.d.Add(txn, d.fs.cache, d.fs.fm, name, sector)
	if err != nil {
		return false, fmt.Errorf("fsys add %q: %w", name, err)
	}

	return ok, nil
}

// Remove unlinks name, decrementing the target inode's nlink and marking
// it removed (and releasing it, if no one else holds it open) once nlink
// reaches zero (spec §6: `remove`, spec §4.2/§4.4's two-refcount model).
func (d *Dir) Remove(name string) error {
	txn, err := d.fs.wal.Begin()
	if err != nil {
		return fmt.Errorf("fsys remove %q: %w", name, err)
	}

	sector, ok, err := d.d.Remove(txn, d.fs.cache, d.fs.fm, name)
	if err != nil {
		_ = txn.Abort()

		return fmt.Errorf("fsys remove %q: %w", name, err)
	}

	if !ok {
		_ = txn.Abort()

		return fmt.Errorf("fsys remove %q: %w", name, ErrNotFound)
	}

	target, err := d.fs.table.Open(sector)
	if err != nil {
		_ = txn.Abort()

		return fmt.Errorf("fsys remove %q: open target: %w", name, err)
	}

	remaining, err := target.DecrementNLink(txn, d.fs.cache)
	if err != nil {
		_ = txn.Abort()
		_ = d.fs.table.Close(target, d.fs.fm)

		return fmt.Errorf("fsys remove %q: %w", name, err)
	}

	if remaining == 0 {
		target.MarkRemoved()
	}

	err = txn.Commit()
	if err != nil {
		_ = d.fs.table.Close(target, d.fs.fm)

		return fmt.Errorf("fsys remove %q: %w", name, err)
	}

	return d.fs.table.Close(target, d.fs.fm)
}

// Readdir advances this handle's cursor, skipping "." and ".." (spec §6:
// `readdir`).
func (d *Dir) Readdir() (name string, ok bool, err error) {
	name, ok, err = d.d.Readdir(d.fs.cache)
	if err != nil {
		return "", false, fmt.Errorf("fsys readdir: %w", err)
	}

	return name, ok, nil
}

// IsEmpty reports whether only "." and ".." remain (spec §6: `is_empty`).
func (d *Dir) IsEmpty() (bool, error) {
	empty, err := d.d.IsEmpty(d.fs.cache)
	if err != nil {
		return false, fmt.Errorf("fsys is_empty: %w", err)
	}

	return empty, nil
}

// CreateSubdir allocates a fresh directory inode, installs its "." and
// ".." entries (".." pointing at d), and links it into d under name (spec
// §6: `create_with_parent(sector, parent, entry_cnt)` as the primitive the
// directory layer exposes to whatever builds `mkdir`-like behavior on top;
// entry_cnt is this package's Dir, which tracks its own entry count via the
// underlying inode's length rather than a separate counter field).
func (d *Dir) CreateSubdir(name string) (*Dir, error) {
	txn, err := d.fs.wal.Begin()
	if err != nil {
		return nil, fmt.Errorf("fsys create_subdir %q: %w", name, err)
	}

	_, ok, err := d.d.Lookup(d.fs.cache, name)
	if err != nil {
		_ = txn.Abort()

		return nil, fmt.Errorf("fsys create_subdir %q: %w", name, err)
	}

	if ok {
		_ = txn.Abort()

		return nil, fmt.Errorf("fsys create_subdir %q: %w", name, ErrExists)
	}

	childIno, err := d.fs.table.Create(txn, d.fs.fm, inode.TypeDir)
	if err != nil {
		_ = txn.Abort()

		return nil, fmt.Errorf("fsys create_subdir %q: %w", name, err)
	}

	err = directory.CreateWithParent(txn, d.fs.cache, d.fs.fm, childIno, d.ino.Sector)
	if err != nil {
		_ = txn.Abort()

		return nil, fmt.Errorf("fsys create_subdir %q: %w", name, err)
	}

	added, err := d.d.Add(txn, d.fs.cache, d.fs.fm, name, childIno.Sector)
	if err != nil {
		_ = txn.Abort()

		return nil, fmt.Errorf("fsys create_subdir %q: %w", name, err)
	}

	if !added {
		_ = txn.Abort()

		return nil, fmt.Errorf("fsys create_subdir %q: %w", name, ErrExists)
	}

	err = txn.Commit()
	if err != nil {
		return nil, fmt.Errorf("fsys create_subdir %q: %w", name, err)
	}

	return &Dir{fs: d.fs, ino: childIno, d: directory.Open(childIno)}, nil
}
