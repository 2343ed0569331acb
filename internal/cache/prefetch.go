package cache

// RequestPrefetch best-effort enqueues sector for background loading; if
// the queue is full the request is dropped (spec §4.1).
func (c *Cache) RequestPrefetch(sector uint32) {
	select {
	case c.prefetchQueue <- sector:
	default:
		c.log.Debug("prefetch queue full, dropping request", "sector", sector)
	}
}

func (c *Cache) prefetchLoop() {
	defer c.wg.Done()

	for {
		select {
		case sector := <-c.prefetchQueue:
			err := c.doPrefetch(sector)
			if err != nil {
				c.log.Warn("prefetch failed", "sector", sector, "error", err)
			}
		case <-c.done:
			return
		}
	}
}

// doPrefetch behaves like a cache read but leaves accessed=false, so
// prefetched data is the first thing evicted if nothing ever actually
// reads it (spec §4.1).
func (c *Cache) doPrefetch(sector uint32) error {
	s, err := c.fetch(sector, false, false)
	if err != nil {
		return err
	}

	s.mu.Unlock()

	return nil
}
