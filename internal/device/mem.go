package device

import "sync"

// Mem is an in-memory [Device] backed by a plain byte slice.
//
// Crash scenarios are simulated by reading [Mem.Snapshot] and constructing a
// fresh [Mem] over it with [NewMemFromSnapshot] (or simply continuing to
// share the same *Mem across a fresh cache/WAL/filesystem stack without
// calling a shutdown path) rather than by modeling torn or reordered writes;
// the device contract (spec §6) guarantees the underlying bytes of an
// accepted write survive a crash, so the test fixture only needs to not
// apply any writes the system under test never issued.
type Mem struct {
	mu   sync.Mutex
	data []byte
}

// NewMem allocates an all-zero in-memory device of the given sector count.
func NewMem(sectors uint32) *Mem {
	return &Mem{data: make([]byte, int(sectors)*SectorSize)}
}

// NewMemFromSnapshot wraps an existing byte slice (as returned by
// [Mem.Snapshot]) as a device. The slice is used directly, not copied.
func NewMemFromSnapshot(data []byte) *Mem {
	return &Mem{data: data}
}

// Read implements [Device].
func (m *Mem) Read(sector uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := checkBounds(sector, buf, m.sizeLocked())
	if err != nil {
		return err
	}

	copy(buf, m.data[int(sector)*SectorSize:])

	return nil
}

// Write implements [Device].
func (m *Mem) Write(sector uint32, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := checkBounds(sector, buf, m.sizeLocked())
	if err != nil {
		return err
	}

	copy(m.data[int(sector)*SectorSize:], buf)

	return nil
}

// Size implements [Device].
func (m *Mem) Size() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sizeLocked()
}

func (m *Mem) sizeLocked() uint32 {
	return uint32(len(m.data) / SectorSize)
}

// Snapshot returns a copy of the device's raw bytes, suitable for handing to
// [NewMemFromSnapshot] to simulate an unclean restart.
func (m *Mem) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, len(m.data))
	copy(out, m.data)

	return out
}

// Compile-time interface check.
var _ Device = (*Mem)(nil)
