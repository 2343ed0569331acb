package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/calvinalkan/kfs/internal/device"
)

// MaxPayload is the largest old/new data chunk a single WRITE record can
// carry (spec §3: length ≤ 232).
const MaxPayload = 232

// crcTable uses the reversed polynomial 0xEDB88320 named by spec §3/§6 —
// the standard CRC-32 (IEEE 802.3) polynomial, not Castagnoli.
var crcTable = crc32.MakeTable(0xEDB88320)

// RecordType identifies the kind of log record.
type RecordType uint8

// Record kinds (spec §3).
const (
	RecordInvalid RecordType = iota
	RecordBegin
	RecordCommit
	RecordAbort
	RecordWrite
	RecordCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "BEGIN"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordWrite:
		return "WRITE"
	case RecordCheckpoint:
		return "CHECKPOINT"
	default:
		return "INVALID"
	}
}

// ErrRecordCorrupt reports a record whose checksum does not match its
// contents. Per spec §4.5/§7 this is treated as "record does not exist".
var ErrRecordCorrupt = errors.New("wal: record checksum mismatch")

// ErrPayloadTooLarge reports a WRITE record whose length exceeds
// [MaxPayload].
var ErrPayloadTooLarge = errors.New("wal: payload exceeds max record length")

// Record is exactly one sector (spec §3). Only WRITE records use Sector,
// Offset, Length, OldData, and NewData; other kinds leave them zeroed.
type Record struct {
	LSN    uint64
	TxnID  uint64
	Type   RecordType
	Sector uint32
	Offset uint16
	Length uint16

	OldData [MaxPayload]byte
	NewData [MaxPayload]byte
}

// Field byte offsets within the encoded 512-byte record. Checksum is
// excluded from its own computation by zeroing the field before hashing,
// per spec §3 ("every byte... participates in checksum except the
// checksum field itself").
const (
	offLSN      = 0
	offTxnID    = offLSN + 8
	offType     = offTxnID + 8
	offChecksum = offType + 1
	offSector   = offChecksum + 4
	offOffset   = offSector + 4
	offLength   = offOffset + 2
	offOldData  = offLength + 2
	offNewData  = offOldData + MaxPayload
	recordEnd   = offNewData + MaxPayload
)

func init() {
	if recordEnd > device.SectorSize {
		panic("wal: record layout exceeds sector size")
	}
}

// Encode serializes r into a full sector-sized buffer and stamps the
// checksum.
func Encode(r Record) ([]byte, error) {
	if r.Length > MaxPayload {
		return nil, fmt.Errorf("encode lsn %d: %w", r.LSN, ErrPayloadTooLarge)
	}

	buf := make([]byte, device.SectorSize)

	binary.LittleEndian.PutUint64(buf[offLSN:], r.LSN)
	binary.LittleEndian.PutUint64(buf[offTxnID:], r.TxnID)
	buf[offType] = byte(r.Type)
	binary.LittleEndian.PutUint32(buf[offSector:], r.Sector)
	binary.LittleEndian.PutUint16(buf[offOffset:], r.Offset)
	binary.LittleEndian.PutUint16(buf[offLength:], r.Length)
	copy(buf[offOldData:offOldData+MaxPayload], r.OldData[:])
	copy(buf[offNewData:offNewData+MaxPayload], r.NewData[:])

	checksum := crc32.Checksum(buf, crcTable)
	binary.LittleEndian.PutUint32(buf[offChecksum:], checksum)

	return buf, nil
}

// Decode parses a sector-sized buffer into a Record, validating its
// checksum. A checksum mismatch returns [ErrRecordCorrupt] — the caller must
// treat the record as if it does not exist (spec §4.5/§7), which handles
// torn writes at the tail of the log.
func Decode(buf []byte) (Record, error) {
	if len(buf) != device.SectorSize {
		return Record{}, fmt.Errorf("decode: buffer is not one sector (%d bytes)", len(buf))
	}

	wantChecksum := binary.LittleEndian.Uint32(buf[offChecksum:])

	scratch := make([]byte, device.SectorSize)
	copy(scratch, buf)
	binary.LittleEndian.PutUint32(scratch[offChecksum:], 0)

	gotChecksum := crc32.Checksum(scratch, crcTable)
	if gotChecksum != wantChecksum {
		return Record{}, ErrRecordCorrupt
	}

	var r Record

	r.LSN = binary.LittleEndian.Uint64(buf[offLSN:])
	r.TxnID = binary.LittleEndian.Uint64(buf[offTxnID:])
	r.Type = RecordType(buf[offType])
	r.Sector = binary.LittleEndian.Uint32(buf[offSector:])
	r.Offset = binary.LittleEndian.Uint16(buf[offOffset:])
	r.Length = binary.LittleEndian.Uint16(buf[offLength:])
	copy(r.OldData[:], buf[offOldData:offOldData+MaxPayload])
	copy(r.NewData[:], buf[offNewData:offNewData+MaxPayload])

	return r, nil
}
