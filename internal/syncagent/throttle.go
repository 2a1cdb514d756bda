package syncagent

import (
	"sync"
	"time"
)

// DefaultFrameInterval is one display frame at roughly 60 Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// CursorThrottle admits at most one cursor send per interval. Positions offered
// inside a closed interval are dropped, not deferred.
type CursorThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	clock    func() time.Time
	last     time.Time
	sent     bool
}

// NewCursorThrottle constructs a throttle. A nil clock uses time.Now.
func NewCursorThrottle(interval time.Duration, clock func() time.Time) *CursorThrottle {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	if clock == nil {
		clock = time.Now
	}
	return &CursorThrottle{interval: interval, clock: clock}
}

// Allow reports whether a send may happen now and, if so, starts a new interval.
func (t *CursorThrottle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	if t.sent && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	t.sent = true
	return true
}
