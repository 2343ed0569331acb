package cli

import (
	"fmt"
	"os"

	"github.com/calvinalkan/kfs/internal/device"
)

// openExistingDevice opens path as a [device.Real] sized to its current
// file length, for commands (`mount` without -f, `fsck`,
// `dump-superblock`) that mount an already-formatted image rather than
// creating one.
func openExistingDevice(path string) (*device.Real, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat device %q: %w", path, err)
	}

	sectors := uint32(info.Size() / device.SectorSize)

	dev, err := device.OpenReal(path, sectors)
	if err != nil {
		return nil, fmt.Errorf("open device %q: %w", path, err)
	}

	return dev, nil
}
