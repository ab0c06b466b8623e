package realtime

import (
	"log"
	"time"
)

// heartbeat pings cn every PingInterval and closes it once no frame has been
// read for PingInterval+PongTimeout. Closing the connection makes the read
// loop fail, which hands control to the reconnection policy. It returns when
// done is closed.
func (c *Channel) heartbeat(cn *conn, done <-chan struct{}) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	deadline := c.cfg.PingInterval + c.cfg.PongTimeout
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if idle := cn.idle(); idle > deadline {
				log.Printf("[realtime] heartbeat timeout last_activity=%s ago", idle.Round(time.Millisecond))
				cn.close()
				return
			}
			if err := cn.writePing(); err != nil {
				log.Printf("[realtime] heartbeat ping failed: %v", err)
				cn.close()
				return
			}
		}
	}
}
