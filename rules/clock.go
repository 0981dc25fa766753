package rules

import (
	"sync"
	"time"
)

// TimerHandle identifies a periodic job registered with a Clock
type TimerHandle uint64

// Clock is the time capability the engine depends on. Schedule runs fn every
// period until the handle is cancelled.
type Clock interface {
	Now() time.Time
	Schedule(period time.Duration, fn func()) TimerHandle
	Cancel(h TimerHandle)
}

// SystemClock is the Clock backed by wall time and time.Ticker
type SystemClock struct {
	mu    sync.Mutex
	next  TimerHandle
	stops map[TimerHandle]chan struct{}
}

// NewSystemClock creates a wall-clock Clock
func NewSystemClock() *SystemClock {
	return &SystemClock{stops: make(map[TimerHandle]chan struct{})}
}

// Now returns the current wall time
func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// Schedule starts a ticker goroutine calling fn every period
func (c *SystemClock) Schedule(period time.Duration, fn func()) TimerHandle {
	c.mu.Lock()
	c.next++
	h := c.next
	stop := make(chan struct{})
	c.stops[h] = stop
	c.mu.Unlock()

	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				// A cancel racing with a tick wins
				select {
				case <-stop:
					return
				default:
				}
				fn()
			}
		}
	}()
	return h
}

// Cancel stops the job; unknown handles are ignored
func (c *SystemClock) Cancel(h TimerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.stops[h]; ok {
		close(stop)
		delete(c.stops, h)
	}
}
