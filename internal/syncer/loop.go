package syncer

import (
	"context"
	"errors"
	"time"
)

// Start runs lumped and check-in rounds on their intervals until Stop.
// Calling Start on a running or closed coordinator is a no-op.
func (c *Coordinator) Start() {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.running || c.closed {
		return
	}
	ctx, cancel := context.WithCancel(c.life)
	c.running = true
	c.cancel = cancel

	c.loopWG.Add(2)
	go c.every(ctx, c.cfg.LumpedInterval, func(ctx context.Context) {
		if _, err := c.RunLumped(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("lumped round failed", "error", err)
		}
	})
	go c.every(ctx, c.cfg.CheckInInterval, func(ctx context.Context) {
		if _, err := c.CheckIn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("check-in round failed", "error", err)
		}
	})
}

// Stop cancels running rounds and waits for them to finish. Calling Stop on
// a stopped coordinator is a no-op.
func (c *Coordinator) Stop() {
	c.loopMu.Lock()
	if !c.running {
		c.loopMu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.loopMu.Unlock()
	c.loopWG.Wait()
}

// Close stops the loops, cancels relays in flight and waits for them.
func (c *Coordinator) Close() {
	c.Stop()
	c.loopMu.Lock()
	c.closed = true
	c.loopMu.Unlock()
	c.lifeCancel()
	c.relayWG.Wait()
}

func (c *Coordinator) every(ctx context.Context, interval time.Duration, round func(context.Context)) {
	defer c.loopWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			round(ctx)
		case <-ctx.Done():
			return
		}
	}
}
