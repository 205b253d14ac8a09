package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Clock is the session countdown. Each tick removes one step from the
// remaining time; reaching zero stops the clock and fires onExpire once.
type Clock struct {
	step     time.Duration
	onTick   func(remainingSeconds int)
	onExpire func()

	remaining atomic.Int64
	expired   atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewClock creates a countdown of duration ticking every step.
func NewClock(duration, step time.Duration, onTick func(int), onExpire func()) *Clock {
	if step <= 0 {
		step = time.Second
	}
	c := &Clock{
		step:     step,
		onTick:   onTick,
		onExpire: onExpire,
		stop:     make(chan struct{}),
	}
	c.remaining.Store(int64(duration))
	return c
}

// Start drives OnTick from a ticker until the clock stops.
func (c *Clock) Start() {
	c.startOnce.Do(func() {
		ticker := time.NewTicker(c.step)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-c.stop:
					return
				case <-ticker.C:
					c.OnTick()
				}
			}
		}()
	})
}

// OnTick advances the countdown by one step and returns the seconds left.
func (c *Clock) OnTick() int {
	if c.expired.Load() || c.stopped() {
		return c.RemainingSeconds()
	}
	left := c.remaining.Add(-int64(c.step))
	if left <= 0 {
		c.remaining.Store(0)
		if c.expired.CompareAndSwap(false, true) {
			c.Stop()
			if c.onTick != nil {
				c.onTick(0)
			}
			if c.onExpire != nil {
				c.onExpire()
			}
		}
		return 0
	}
	secs := c.RemainingSeconds()
	if c.onTick != nil {
		c.onTick(secs)
	}
	return secs
}

// RemainingSeconds returns the whole seconds left, rounded up.
func (c *Clock) RemainingSeconds() int {
	left := time.Duration(c.remaining.Load())
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

// SetRemaining overrides the time left. Non-positive values leave one step
// so the next tick expires the clock.
func (c *Clock) SetRemaining(d time.Duration) {
	if c.expired.Load() {
		return
	}
	if d <= 0 {
		d = c.step
	}
	c.remaining.Store(int64(d))
}

// Expired reports whether the countdown reached zero.
func (c *Clock) Expired() bool {
	return c.expired.Load()
}

// Stop halts the countdown. It is safe to call from onExpire.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Wait blocks until the ticker goroutine exits. Do not call it from
// onTick or onExpire.
func (c *Clock) Wait() {
	c.wg.Wait()
}

func (c *Clock) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// FormatRemaining renders seconds as M:SS.
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
