// Package timeutil lets the control loops run on a manual clock in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the time source of the robot loop, the idle loop, the info
// broadcast and the telemetry recorder.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers periodic ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTicker(d time.Duration) Ticker { return wallTicker{time.NewTicker(d)} }

type wallTicker struct{ t *time.Ticker }

func (w wallTicker) C() <-chan time.Time { return w.t.C }
func (w wallTicker) Stop()               { w.t.Stop() }

// MockClock only moves when Advance is called. Its tickers hold at most one
// pending tick, like time.Ticker, and drop the rest.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*MockTicker
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock by d and fires every ticker that came due.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now, due := c.now, c.tickers
	c.mu.Unlock()

	for _, tk := range due {
		tk.fire(now)
	}
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	tk := &MockTicker{ch: make(chan time.Time, 1), period: d, next: c.now.Add(d)}
	// Advance reads the slice without the lock, so never append in place.
	c.tickers = append(c.tickers[:len(c.tickers):len(c.tickers)], tk)
	return tk
}

// MockTicker is created by MockClock.NewTicker.
type MockTicker struct {
	mu      sync.Mutex
	ch      chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
}

func (tk *MockTicker) C() <-chan time.Time { return tk.ch }

func (tk *MockTicker) Stop() {
	tk.mu.Lock()
	tk.stopped = true
	tk.mu.Unlock()
}

func (tk *MockTicker) fire(now time.Time) {
	tk.mu.Lock()
	defer tk.mu.Unlock()
	if tk.stopped || now.Before(tk.next) {
		return
	}
	select {
	case tk.ch <- now:
	default:
	}
	tk.next = now.Add(tk.period)
}
