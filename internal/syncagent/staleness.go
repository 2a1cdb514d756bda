package syncagent

import (
	"sync"
	"time"
)

// DefaultStaleWindow is how far behind the newest seen action an action may be
// before it is dropped.
const DefaultStaleWindow = 5 * time.Second

// StalenessFilter drops inbound actions that are older than the newest action
// seen so far by more than the window. Late actions are discarded rather than
// merged; last-write-wins is accepted.
type StalenessFilter struct {
	mu      sync.Mutex
	window  int64
	maxSeen int64
	seen    bool
}

// NewStalenessFilter constructs a filter; a non-positive window uses DefaultStaleWindow.
func NewStalenessFilter(window time.Duration) *StalenessFilter {
	if window <= 0 {
		window = DefaultStaleWindow
	}
	return &StalenessFilter{window: window.Milliseconds()}
}

// Accept reports whether an action stamped at timestampMillis should be
// applied, advancing the newest seen timestamp when it is.
func (f *StalenessFilter) Accept(timestampMillis int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen && f.maxSeen-timestampMillis > f.window {
		return false
	}
	if !f.seen || timestampMillis > f.maxSeen {
		f.maxSeen = timestampMillis
		f.seen = true
	}
	return true
}

// Reset forgets the newest seen timestamp.
func (f *StalenessFilter) Reset() {
	f.mu.Lock()
	f.maxSeen = 0
	f.seen = false
	f.mu.Unlock()
}
