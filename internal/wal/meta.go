package wal

import (
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/kfs/internal/device"
)

// metaMagic validates the WAL metadata sector (spec §6).
const metaMagic uint32 = 0xDEADBEEF

const (
	metaOffMagic          = 0
	metaOffCleanShutdown  = metaOffMagic + 4
	metaOffLastLSN        = metaOffCleanShutdown + 1
	metaOffLastTxnID      = metaOffLastLSN + 8
	metaOffMountID       = metaOffLastTxnID + 8
	metaMountIDLen       = 16
)

// meta is the in-memory form of the WAL metadata sector (spec §3).
//
// mountID is an ambient debug-only addition (not named by spec §3): a
// per-mount-session UUID stamped at startup and carried through structured
// log lines, so concurrent test runs against the same device image can be
// told apart in logs. It plays no role in recovery or any invariant.
type meta struct {
	cleanShutdown bool
	lastLSN       uint64
	lastTxnID     uint64
	mountID       [metaMountIDLen]byte
}

func encodeMeta(m meta) []byte {
	buf := make([]byte, device.SectorSize)

	binary.LittleEndian.PutUint32(buf[metaOffMagic:], metaMagic)

	if m.cleanShutdown {
		buf[metaOffCleanShutdown] = 1
	}

	binary.LittleEndian.PutUint64(buf[metaOffLastLSN:], m.lastLSN)
	binary.LittleEndian.PutUint64(buf[metaOffLastTxnID:], m.lastTxnID)
	copy(buf[metaOffMountID:metaOffMountID+metaMountIDLen], m.mountID[:])

	return buf
}

// decodeMeta parses the metadata sector. ok is false when the magic does
// not validate; per spec §7 that demands the caller treat the metadata as
// fresh/corrupt and reinitialize.
func decodeMeta(buf []byte) (m meta, ok bool, err error) {
	if len(buf) != device.SectorSize {
		return meta{}, false, fmt.Errorf("decode meta: buffer is not one sector (%d bytes)", len(buf))
	}

	magic := binary.LittleEndian.Uint32(buf[metaOffMagic:])
	if magic != metaMagic {
		return meta{}, false, nil
	}

	m.cleanShutdown = buf[metaOffCleanShutdown] != 0
	m.lastLSN = binary.LittleEndian.Uint64(buf[metaOffLastLSN:])
	m.lastTxnID = binary.LittleEndian.Uint64(buf[metaOffLastTxnID:])
	copy(m.mountID[:], buf[metaOffMountID:metaOffMountID+metaMountIDLen])

	return m, true, nil
}
