package cache

import "github.com/calvinalkan/kfs/internal/device"

// fetch resolves sector to a VALID, entry_lock-held slot, handling hit,
// hit-while-loading, and miss (spec §4.1's hand-over-hand protocol).
// setAccessed controls whether the slot's accessed bit is set once
// resolved (false for prefetch, so prefetched data is evicted before
// explicitly-read data). skipReadOnMiss is set only for full-sector writes,
// which fully overwrite the slot and so never need the disk read a miss
// would otherwise perform.
//
// The returned slot is locked (entry_lock held); the caller must unlock it
// after copying/patching.
func (c *Cache) fetch(sector uint32, setAccessed, skipReadOnMiss bool) (*slot, error) {
	for {
		c.globalLock.Lock()

		if s := c.findLocked(sector); s != nil {
			s.mu.Lock()
			c.stats.hits.Add(1)
			c.globalLock.Unlock()

			for s.state == Loading {
				s.cond.Wait()
			}

			// The load was abandoned, or the slot was repurposed while we
			// waited for its lock: look the sector up again.
			if s.state != Valid || s.sector != sector {
				s.mu.Unlock()

				continue
			}

			if setAccessed {
				s.accessed = true
			}

			return s, nil
		}

		victim, oldSector, oldDirty, oldData := c.pickVictimLocked(sector)
		c.stats.misses.Add(1)
		c.globalLock.Unlock()

		// victim.mu is held from pickVictimLocked; disk I/O happens
		// without the global lock.
		if oldDirty {
			err := c.dev.Write(oldSector, oldData[:])
			if err != nil {
				c.abandonLoad(victim)

				return nil, err
			}

			c.stats.writebacks.Add(1)
		}

		if !skipReadOnMiss {
			var buf [512]byte

			err := c.dev.Read(sector, buf[:])
			if err != nil {
				c.abandonLoad(victim)

				return nil, err
			}

			victim.data = buf
		}

		victim.state = Valid
		victim.dirty = false
		victim.accessed = setAccessed
		victim.cond.Broadcast()

		return victim, nil
	}
}

// findLocked scans for a non-INVALID slot already assigned to sector.
// Called with globalLock held.
func (c *Cache) findLocked(sector uint32) *slot {
	for _, s := range c.slots {
		if s.state != Invalid && s.sector == sector {
			return s
		}
	}

	return nil
}

// pickVictimLocked chooses a slot for target via clock/second-chance
// eviction, claims it by setting state=LOADING and sector=target, and
// returns it with entry_lock held plus whatever it displaced (for
// writeback). Called with globalLock held; returns with globalLock still
// held (the caller releases it) and the victim's entry_lock newly
// acquired.
func (c *Cache) pickVictimLocked(target uint32) (victim *slot, oldSector uint32, oldDirty bool, oldData [device.SectorSize]byte) {
	for {
		s := c.slots[c.hand]
		c.hand = (c.hand + 1) % len(c.slots)

		switch s.state {
		case Invalid:
			s.mu.Lock()

			return claimLocked(s, target)
		case Loading:
			continue
		default: // Valid
			if s.accessed {
				s.accessed = false

				continue
			}

			s.mu.Lock()
			c.stats.evictions.Add(1)

			return claimLocked(s, target)
		}
	}
}

// claimLocked captures a victim's outgoing identity and repurposes it for
// target. Called with both globalLock and s.mu held.
func claimLocked(s *slot, target uint32) (*slot, uint32, bool, [device.SectorSize]byte) {
	oldSector := s.sector
	oldDirty := s.state == Valid && s.dirty
	oldData := s.data

	s.state = Loading
	s.sector = target
	s.dirty = false

	return s, oldSector, oldDirty, oldData
}

// abandonLoad reverts a slot claimed by pickVictimLocked back to INVALID
// after a failed load, waking anyone waiting on it so they retry rather
// than block forever.
func (c *Cache) abandonLoad(s *slot) {
	s.state = Invalid
	s.cond.Broadcast()
	s.mu.Unlock()
}
