package fsys

import (
	"fmt"
	"sort"

	"github.com/calvinalkan/kfs/internal/layout"
)

// FsckReport is the result of a read-only consistency walk (spec §4.3's
// invariant that the free-map's allocated bits exactly match the sectors
// reachable from the root directory, plus the free-map's own bootstrap
// storage and the fixed layout region).
type FsckReport struct {
	// InodesVisited counts every inode reached by walking the directory
	// tree from root, including root itself.
	InodesVisited int

	// DirsVisited counts the subset of InodesVisited that are directories.
	DirsVisited int

	// LeakedSectors are sectors the free-map marks allocated but that no
	// reachable inode claims — lost space that a real allocator would
	// want reclaimed, but never a correctness hazard on their own.
	LeakedSectors []uint32

	// MissingSectors are sectors a reachable inode claims but the
	// free-map does NOT mark allocated — a genuine corruption: the next
	// allocation could hand this sector to an unrelated inode while a
	// live one still points at it.
	MissingSectors []uint32
}

// Clean reports whether the walk found no missing-bit corruption. Leaked
// sectors alone do not make a filesystem unclean — they're wasted space,
// not a risk of aliasing two inodes onto the same sector.
func (r FsckReport) Clean() bool {
	return len(r.MissingSectors) == 0
}

// Fsck walks every inode reachable from the root directory, recomputes the
// sectors that walk should have claimed, and compares that set against the
// free-map's actual allocated bits. It never writes to dev; callers decide
// what, if anything, to do about a non-clean report (spec §4.3, cmd/kfsctl
// fsck).
func (fsys *Filesystem) Fsck() (FsckReport, error) {
	reachable := make(map[uint32]bool)

	for sector := uint32(0); sector < layout.DataStartSector; sector++ {
		reachable[sector] = true
	}

	fmSectors, err := fsys.fm.OccupiedSectors()
	if err != nil {
		return FsckReport{}, fmt.Errorf("fsck: free-map sectors: %w", err)
	}

	for _, s := range fmSectors {
		reachable[s] = true
	}

	var report FsckReport

	err = fsys.walk(layout.RootDirSector, reachable, &report)
	if err != nil {
		return FsckReport{}, fmt.Errorf("fsck: walk: %w", err)
	}

	allocated := make(map[uint32]bool)
	for _, s := range fsys.fm.AllocatedSectors() {
		allocated[s] = true
	}

	for s := range allocated {
		if !reachable[s] {
			report.LeakedSectors = append(report.LeakedSectors, s)
		}
	}

	for s := range reachable {
		if !allocated[s] {
			report.MissingSectors = append(report.MissingSectors, s)
		}
	}

	sort.Slice(report.LeakedSectors, func(i, j int) bool { return report.LeakedSectors[i] < report.LeakedSectors[j] })
	sort.Slice(report.MissingSectors, func(i, j int) bool { return report.MissingSectors[i] < report.MissingSectors[j] })

	return report, nil
}

// walk opens dirSector as a directory, records its own occupied sectors,
// and recurses into every non-"."/".." entry, descending into
// subdirectories and recording plain files' occupied sectors directly.
func (fsys *Filesystem) walk(dirSector uint32, reachable map[uint32]bool, report *FsckReport) error {
	dir, err := fsys.OpenDir(dirSector)
	if err != nil {
		return fmt.Errorf("open dir %d: %w", dirSector, err)
	}

	defer func() { _ = dir.Close() }()

	report.InodesVisited++
	report.DirsVisited++

	dirSectors, err := dir.OccupiedSectors()
	if err != nil {
		return fmt.Errorf("dir %d occupied sectors: %w", dirSector, err)
	}

	for _, s := range dirSectors {
		reachable[s] = true
	}

	for {
		name, ok, err := dir.Readdir()
		if err != nil {
			return fmt.Errorf("readdir %d: %w", dirSector, err)
		}

		if !ok {
			break
		}

		childSector, ok, err := dir.Lookup(name)
		if err != nil {
			return fmt.Errorf("lookup %q in %d: %w", name, dirSector, err)
		}

		if !ok {
			continue
		}

		if reachable[childSector] {
			// Hard-linked or already-walked; don't double-count or
			// recurse again (also guards against a corrupt "." / ".."
			// loop feeding back on itself).
			continue
		}

		isDir, err := fsys.IsDirAt(childSector)
		if err != nil {
			return fmt.Errorf("stat %q: %w", name, err)
		}

		if isDir {
			err = fsys.walk(childSector, reachable, report)
			if err != nil {
				return err
			}

			continue
		}

		report.InodesVisited++

		f, err := fsys.Open(childSector)
		if err != nil {
			return fmt.Errorf("open %q: %w", name, err)
		}

		sectors, err := f.OccupiedSectors()

		closeErr := f.Close()

		if err != nil {
			return fmt.Errorf("occupied sectors for %q: %w", name, err)
		}

		if closeErr != nil {
			return fmt.Errorf("close %q: %w", name, closeErr)
		}

		for _, s := range sectors {
			reachable[s] = true
		}
	}

	return nil
}
