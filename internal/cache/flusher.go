package cache

import "time"

// flusherLoop calls Flush every [FlushInterval] until shut down;
// [Cache.Shutdown] performs the final flush itself once this loop exits
// (spec §4.1).
func (c *Cache) flusherLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := c.Flush()
			if err != nil {
				c.log.Warn("periodic flush failed", "error", err)
			}
		case <-c.done:
			return
		}
	}
}
