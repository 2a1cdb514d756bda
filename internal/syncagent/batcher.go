package syncagent

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/protocol"
)

// FlushFunc delivers actions in submission order.
type FlushFunc func(actions []protocol.CanvasAction)

// Batcher queues add and update actions and delivers them once per window.
// Within a window a later add or update of the same object replaces the queued
// one in place; an add stays an add. Delete and clear flush the queue first and
// are then delivered on their own, so they are never lost or reordered.
type Batcher struct {
	mu      sync.Mutex
	window  time.Duration
	flush   FlushFunc
	pending []protocol.CanvasAction
	index   map[string]int
	timer   *time.Timer
	closed  bool
}

// NewBatcher constructs a batcher that hands batches to flush. flush runs with
// the batcher locked and must not call back into it.
func NewBatcher(window time.Duration, flush FlushFunc) *Batcher {
	if window <= 0 {
		window = DefaultFrameInterval
	}
	return &Batcher{
		window: window,
		flush:  flush,
		index:  make(map[string]int),
	}
}

// Submit queues or delivers one action.
func (b *Batcher) Submit(action protocol.CanvasAction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if !action.Type.CarriesSnapshot() {
		b.flushLocked()
		b.flush([]protocol.CanvasAction{action})
		return
	}

	if i, ok := b.index[action.ObjectID]; ok {
		if b.pending[i].Type == protocol.ActionAdd {
			action.Type = protocol.ActionAdd
		}
		b.pending[i] = action
	} else {
		b.index[action.ObjectID] = len(b.pending)
		b.pending = append(b.pending, action)
	}

	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.onTimer)
	}
}

// Flush delivers whatever is queued right away.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Pending reports the number of queued actions.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close delivers the queue and stops accepting actions.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
	b.closed = true
}

func (b *Batcher) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer = nil
	b.flushLocked()
}

func (b *Batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = nil
	clear(b.index)
	b.flush(batch)
}
