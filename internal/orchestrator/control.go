package orchestrator

import (
	"context"
	"sync"
	"time"
)

// controller carries the pause and cancel requests for one run. The run
// consults it at the loop head, every dispatch point and every sleep chunk.
type controller struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
	done      chan struct{} // closed on cancel
	resumed   chan struct{} // closed and replaced on resume
}

func newController() *controller {
	return &controller{done: make(chan struct{}), resumed: make(chan struct{})}
}

func (c *controller) pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled || c.paused {
		return false
	}
	c.paused = true
	return true
}

func (c *controller) resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return false
	}
	c.paused = false
	close(c.resumed)
	c.resumed = make(chan struct{})
	return true
}

func (c *controller) cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled {
		return false
	}
	c.cancelled = true
	c.paused = false
	close(c.done)
	return true
}

func (c *controller) state() (paused, cancelled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused, c.cancelled
}

func (c *controller) isCancelled() bool {
	_, cancelled := c.state()
	return cancelled
}

// wait blocks while the run is paused, polling every poll. It returns false
// once the run is cancelled or ctx ends.
func (c *controller) wait(ctx context.Context, poll time.Duration) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		c.mu.Lock()
		paused, cancelled, resumed := c.paused, c.cancelled, c.resumed
		c.mu.Unlock()
		if cancelled {
			return false
		}
		if !paused {
			return true
		}
		t := time.NewTimer(poll)
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-resumed:
		case <-t.C:
		}
		t.Stop()
	}
}

// sleep waits d in chunks of at most inc. Paused time does not count toward
// d. It returns false when cancelled or ctx ended.
func (c *controller) sleep(ctx context.Context, d, inc, poll time.Duration) bool {
	if inc <= 0 {
		inc = d
	}
	for d > 0 {
		if !c.wait(ctx, poll) {
			return false
		}
		step := min(d, inc)
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-c.done:
			t.Stop()
			return false
		case <-t.C:
		}
		d -= step
	}
	return c.wait(ctx, poll)
}
