package device

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// ErrInjected marks an error manufactured by [Chaos] rather than returned by
// the wrapped device. Use errors.Is(err, ErrInjected) to detect it in tests
// that want to distinguish real bugs from intentional fault injection.
var ErrInjected = errors.New("device: injected fault")

// ChaosConfig controls fault-injection probabilities. Each rate is a
// float64 from 0.0 (never) to 1.0 (always). The zero value disables all
// injection.
type ChaosConfig struct {
	// ReadFailRate is the probability a Read call fails outright.
	ReadFailRate float64

	// WriteFailRate is the probability a Write call fails outright. The
	// wrapped device's state is left unchanged by a failed write.
	WriteFailRate float64

	// CorruptWriteRate is the probability a Write succeeds against the
	// wrapped device but with some bytes flipped first, simulating silent
	// media corruption. Unlike WriteFailRate, the caller observes success.
	CorruptWriteRate float64
}

// Chaos wraps a [Device] and injects deterministic faults driven by a
// seeded PRNG, so a failing seed can be replayed exactly.
//
// Chaos is safe for concurrent use; the PRNG draw for each operation is
// serialized by an internal mutex so interleaved goroutines still see a
// reproducible fault sequence for a given seed and call order.
type Chaos struct {
	inner  Device
	cfg    ChaosConfig
	mu     sync.Mutex
	rng    *rand.Rand
	active atomic.Bool
}

// NewChaos wraps inner with the given fault-injection config and seed.
// Injection starts enabled; see [Chaos.SetActive].
func NewChaos(inner Device, cfg ChaosConfig, seed uint64) *Chaos {
	c := &Chaos{
		inner: inner,
		cfg:   cfg,
		rng:   rand.New(rand.NewPCG(seed, seed>>32|1)),
	}
	c.active.Store(true)

	return c
}

// SetActive toggles fault injection on or off without rebuilding the
// wrapper, so a test can disable chaos for setup and re-enable it for the
// operation under test.
func (c *Chaos) SetActive(active bool) {
	c.active.Store(active)
}

func (c *Chaos) roll(rate float64) bool {
	if !c.active.Load() || rate <= 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.rng.Float64() < rate
}

// Read implements [Device].
func (c *Chaos) Read(sector uint32, buf []byte) error {
	if c.roll(c.cfg.ReadFailRate) {
		return fmt.Errorf("read sector %d: %w: injected read failure", sector, ErrInjected)
	}

	return c.inner.Read(sector, buf)
}

// Write implements [Device].
func (c *Chaos) Write(sector uint32, buf []byte) error {
	if c.roll(c.cfg.WriteFailRate) {
		return fmt.Errorf("write sector %d: %w: injected write failure", sector, ErrInjected)
	}

	if c.roll(c.cfg.CorruptWriteRate) {
		corrupted := make([]byte, len(buf))
		copy(corrupted, buf)

		c.mu.Lock()
		idx := c.rng.IntN(len(corrupted))
		flip := byte(1 << c.rng.IntN(8))
		c.mu.Unlock()

		corrupted[idx] ^= flip

		return c.inner.Write(sector, corrupted)
	}

	return c.inner.Write(sector, buf)
}

// Size implements [Device].
func (c *Chaos) Size() uint32 {
	return c.inner.Size()
}

// Compile-time interface check.
var _ Device = (*Chaos)(nil)
