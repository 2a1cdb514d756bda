package syncagent

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/protocol"
)

// LocalCanvas is the client-side view of a board: the snapshot received on
// join plus every accepted canvas action and completed stroke since. Objects
// stay opaque.
type LocalCanvas struct {
	mu      sync.RWMutex
	boardID string
	base    json.RawMessage
	version int64
	objects map[string]json.RawMessage
	strokes []json.RawMessage
}

// NewLocalCanvas constructs an empty canvas.
func NewLocalCanvas() *LocalCanvas {
	return &LocalCanvas{objects: make(map[string]json.RawMessage)}
}

// Seed replaces the canvas with a board:state snapshot.
func (c *LocalCanvas) Seed(state protocol.BoardState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boardID = state.BoardID
	c.version = state.Version
	c.base = nil
	if protocol.HasPayload(state.CanvasState) {
		c.base = append(json.RawMessage(nil), state.CanvasState...)
	}
	c.objects = make(map[string]json.RawMessage)
	c.strokes = nil
}

// Apply performs one canvas action.
func (c *LocalCanvas) Apply(action protocol.CanvasAction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch action.Type {
	case protocol.ActionAdd, protocol.ActionUpdate:
		c.objects[action.ObjectID] = append(json.RawMessage(nil), action.Object...)
	case protocol.ActionDelete:
		delete(c.objects, action.ObjectID)
	case protocol.ActionClear:
		c.base = nil
		c.objects = make(map[string]json.RawMessage)
		c.strokes = nil
	}
}

// ApplyStroke records the object of a completed draw:end. Strokes carry no
// object id, so they are kept in arrival order.
func (c *LocalCanvas) ApplyStroke(object json.RawMessage) {
	if !protocol.HasPayload(object) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strokes = append(c.strokes, append(json.RawMessage(nil), object...))
}

// Strokes returns the completed strokes recorded since the last seed or clear.
func (c *LocalCanvas) Strokes() []json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	strokes := make([]json.RawMessage, len(c.strokes))
	for i, stroke := range c.strokes {
		strokes[i] = append(json.RawMessage(nil), stroke...)
	}
	return strokes
}

// Object returns one object by id.
func (c *LocalCanvas) Object(objectID string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	object, ok := c.objects[objectID]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), object...), true
}

// ObjectIDs lists the objects on the canvas in lexical order.
func (c *LocalCanvas) ObjectIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.objects))
	for id := range c.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Base returns the snapshot the canvas was seeded with, if any.
func (c *LocalCanvas) Base() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.base == nil {
		return nil
	}
	return append(json.RawMessage(nil), c.base...)
}

// BoardID returns the board the canvas was seeded from.
func (c *LocalCanvas) BoardID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.boardID
}

// Version returns the room version reported by the last seed.
func (c *LocalCanvas) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}
