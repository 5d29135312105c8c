// Package timer provides cancellable one-shot timers behind a Clock so the
// self-rescheduling loops (mention polling, good-morning posts, task ticks)
// can be stepped deterministically in tests instead of waiting on wall time.
package timer

import (
	"context"
	"sync"
	"time"
)

// Handle is a scheduled callback that can be cancelled.
type Handle interface {
	// Stop cancels the callback. Returns false if it already fired or was stopped.
	Stop() bool
}

// Clock is the time source used by every autonomous loop.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Handle
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Handle {
	return time.AfterFunc(d, f)
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Chain owns the pending timer of a self-rescheduling loop. Arming a new
// timer replaces the previous one; Cancel stops the chain for good.
type Chain struct {
	clock   Clock
	handle  Handle
	stopped bool
	mu      sync.Mutex
}

// NewChain creates an empty chain on the given clock.
func NewChain(clock Clock) *Chain {
	if clock == nil {
		clock = Real()
	}
	return &Chain{clock: clock}
}

// Arm schedules f after d, replacing any pending timer. Arming a cancelled
// chain is a no-op and returns false.
func (c *Chain) Arm(d time.Duration, f func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	if c.handle != nil {
		c.handle.Stop()
	}
	if d < 0 {
		d = 0
	}
	c.handle = c.clock.AfterFunc(d, f)
	return true
}

// Cancel stops the pending timer and prevents further arming.
func (c *Chain) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.handle != nil {
		c.handle.Stop()
		c.handle = nil
	}
}

// Cancelled reports whether Cancel was called.
func (c *Chain) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
