// File: internal/rewrite/idletimer.go
package rewrite

import (
	"sync"
	"time"
)

// IdleTimer forces a flush when no new origin bytes arrive for a
// configured interval. It measures idleness from the last Arm call, not
// absolute request age. A nil IdleTimer (interval <= 0) is a no-op on
// every method.
//
// Cancel and Arm invalidate any fire already in flight: a stale timer
// callback observes a bumped generation and returns without invoking the
// fire function.
type IdleTimer struct {
	interval time.Duration
	fire     func()

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// NewIdleTimer returns a timer invoking fire after interval of idleness.
// It returns nil when interval <= 0, which disables idle flushing.
func NewIdleTimer(interval time.Duration, fire func()) *IdleTimer {
	if interval <= 0 {
		return nil
	}
	return &IdleTimer{interval: interval, fire: fire}
}

// Arm starts or restarts the idle countdown.
func (t *IdleTimer) Arm() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.interval, func() { t.fired(gen) })
	t.mu.Unlock()
}

// Cancel stops any pending fire. Safe to call repeatedly.
func (t *IdleTimer) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}

func (t *IdleTimer) fired(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		// Cancelled or re-armed after this fire was scheduled.
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()
	t.fire()
}
