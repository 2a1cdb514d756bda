package syncagent

import (
	"sort"
	"sync"
	"time"
)

// DefaultCursorTTL is how long a remote cursor stays visible without updates.
const DefaultCursorTTL = 3 * time.Second

// CursorPosition is the last known pointer of a remote member.
type CursorPosition struct {
	UserID   string
	Username string
	Color    string
	X        float64
	Y        float64
}

// RemoteCursors keeps the latest cursor per remote user and expires each one
// after its TTL elapses without a refresh.
type RemoteCursors struct {
	mu       sync.Mutex
	ttl      time.Duration
	cursors  map[string]*cursorEntry
	onExpire func(userID string)
}

type cursorEntry struct {
	position   CursorPosition
	timer      *time.Timer
	generation uint64
}

// NewRemoteCursors constructs an empty set. onExpire, when set, is called
// outside the lock after a cursor times out.
func NewRemoteCursors(ttl time.Duration, onExpire func(userID string)) *RemoteCursors {
	if ttl <= 0 {
		ttl = DefaultCursorTTL
	}
	return &RemoteCursors{
		ttl:      ttl,
		cursors:  make(map[string]*cursorEntry),
		onExpire: onExpire,
	}
}

// Upsert records position and restarts its expiry timer.
func (c *RemoteCursors) Upsert(position CursorPosition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cursors[position.UserID]
	if !ok {
		entry = &cursorEntry{}
		c.cursors[position.UserID] = entry
	} else if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.position = position
	entry.generation++
	generation := entry.generation
	userID := position.UserID
	entry.timer = time.AfterFunc(c.ttl, func() { c.expire(userID, generation) })
}

// Remove drops the user's cursor immediately.
func (c *RemoteCursors) Remove(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(userID)
}

// Get returns the user's cursor if it is still live.
func (c *RemoteCursors) Get(userID string) (CursorPosition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cursors[userID]
	if !ok {
		return CursorPosition{}, false
	}
	return entry.position, true
}

// All returns the live cursors ordered by user id.
func (c *RemoteCursors) All() []CursorPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	positions := make([]CursorPosition, 0, len(c.cursors))
	for _, entry := range c.cursors {
		positions = append(positions, entry.position)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].UserID < positions[j].UserID })
	return positions
}

// Clear drops every cursor.
func (c *RemoteCursors) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for userID := range c.cursors {
		c.removeLocked(userID)
	}
}

// expire ignores timers that fired after a refresh or removal.
func (c *RemoteCursors) expire(userID string, generation uint64) {
	c.mu.Lock()
	entry, ok := c.cursors[userID]
	if !ok || entry.generation != generation {
		c.mu.Unlock()
		return
	}
	delete(c.cursors, userID)
	c.mu.Unlock()

	if c.onExpire != nil {
		c.onExpire(userID)
	}
}

func (c *RemoteCursors) removeLocked(userID string) {
	entry, ok := c.cursors[userID]
	if !ok {
		return
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(c.cursors, userID)
}
