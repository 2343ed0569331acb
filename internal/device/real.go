package device

import (
	"fmt"
	"os"
)

// Real implements [Device] backed by a single file, opened once at
// construction and addressed with offset-based reads/writes (no seek state
// is shared across callers, so concurrent access to distinct sectors never
// races on an implicit file cursor).
type Real struct {
	file *os.File
	size uint32
}

// OpenReal opens (or creates) path as a device of the given sector count.
// If the file is smaller than size*[SectorSize], it is extended with zero
// bytes; an existing larger file is left untouched beyond size (the extra
// bytes are simply never addressed).
func OpenReal(path string, sectors uint32) (*Real, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open device %q: %w", path, err)
	}

	want := int64(sectors) * SectorSize

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("stat device %q: %w", path, err)
	}

	if info.Size() < want {
		err = file.Truncate(want)
		if err != nil {
			_ = file.Close()

			return nil, fmt.Errorf("grow device %q: %w", path, err)
		}
	}

	return &Real{file: file, size: sectors}, nil
}

// Read implements [Device].
func (r *Real) Read(sector uint32, buf []byte) error {
	err := checkBounds(sector, buf, r.size)
	if err != nil {
		return err
	}

	_, err = r.file.ReadAt(buf, int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("read sector %d: %w", sector, err)
	}

	return nil
}

// Write implements [Device]. The write is synced before returning, matching
// the device contract that an accepted write is immediately durable.
func (r *Real) Write(sector uint32, buf []byte) error {
	err := checkBounds(sector, buf, r.size)
	if err != nil {
		return err
	}

	_, err = r.file.WriteAt(buf, int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("write sector %d: %w", sector, err)
	}

	err = r.file.Sync()
	if err != nil {
		return fmt.Errorf("sync sector %d: %w", sector, err)
	}

	return nil
}

// Size implements [Device].
func (r *Real) Size() uint32 {
	return r.size
}

// Close releases the underlying file handle. It does not erase the device's
// contents; a subsequent [OpenReal] against the same path reopens the same
// data, which is how crash-recovery tests simulate an unclean restart.
func (r *Real) Close() error {
	err := r.file.Close()
	if err != nil {
		return fmt.Errorf("close device: %w", err)
	}

	return nil
}

// Compile-time interface check.
var _ Device = (*Real)(nil)
