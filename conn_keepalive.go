package ftpcluster

import (
	"context"
	"time"
)

// minKeepAliveInterval keeps tiny idle timeouts from spinning the ticker.
const minKeepAliveInterval = 10 * time.Millisecond

// keepAliveInterval is how often the idle check runs: half the idle timeout,
// to be safe.
func keepAliveInterval(idle time.Duration) time.Duration {
	return max(idle/2, minKeepAliveInterval)
}

// startKeepAlive starts a goroutine that sends NOOP commands
// if the connection has been idle for the configured idleTimeout.
func (c *Conn) startKeepAlive() {
	if c.idleTimeout == 0 {
		return
	}

	c.mu.Lock()
	c.quitChan = make(chan struct{})
	quit := c.quitChan
	c.mu.Unlock()

	ticker := time.NewTicker(keepAliveInterval(c.idleTimeout))

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				state, last := c.state, c.lastCommand
				c.mu.Unlock()

				// Skip while a command or transfer is running
				if state != StateReady {
					continue
				}

				if time.Since(last) >= c.idleTimeout {
					c.logger.Debug("sending keep-alive NOOP")
					ctx, cancel := context.WithTimeout(context.Background(), max(c.idleTimeout, c.timeout, minKeepAliveInterval))
					// Ignore errors (connection might be closed)
					_ = c.Noop(ctx)
					cancel()
				}
			case <-quit:
				return
			case <-c.lifetime.Done():
				return
			}
		}
	}()
}

// stopKeepAlive stops the keep-alive goroutine, if any.
func (c *Conn) stopKeepAlive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quitChan != nil {
		close(c.quitChan)
		c.quitChan = nil
	}
}
