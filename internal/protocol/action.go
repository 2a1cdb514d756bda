package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ActionType enumerates canvas mutations.
type ActionType string

const (
	// ActionAdd places a new object on the canvas.
	ActionAdd ActionType = "add"
	// ActionUpdate replaces an existing object.
	ActionUpdate ActionType = "update"
	// ActionDelete removes one object.
	ActionDelete ActionType = "delete"
	// ActionClear wipes the canvas.
	ActionClear ActionType = "clear"
)

var (
	// ErrInvalidAction indicates a canvas action that cannot be relayed.
	ErrInvalidAction = errors.New("protocol: invalid canvas action")
)

// CanvasAction describes a mutation of one drawable object. Object is relayed
// verbatim and never inspected.
type CanvasAction struct {
	Type      ActionType      `json:"type"`
	ObjectID  string          `json:"objectId,omitempty"`
	Object    json.RawMessage `json:"object,omitempty"`
	BoardID   string          `json:"boardId"`
	UserID    string          `json:"userId"`
	Timestamp int64           `json:"timestamp"`
}

// CarriesSnapshot reports whether the action stores a canvas snapshot.
func (t ActionType) CarriesSnapshot() bool {
	return t == ActionAdd || t == ActionUpdate
}

// Validate checks the fields each action type requires.
func (a CanvasAction) Validate() error {
	if strings.TrimSpace(a.BoardID) == "" {
		return fmt.Errorf("%w: boardId required", ErrInvalidAction)
	}
	switch a.Type {
	case ActionAdd, ActionUpdate:
		if strings.TrimSpace(a.ObjectID) == "" {
			return fmt.Errorf("%w: objectId required for %s", ErrInvalidAction, a.Type)
		}
		if !HasPayload(a.Object) {
			return fmt.Errorf("%w: object required for %s", ErrInvalidAction, a.Type)
		}
	case ActionDelete:
		if strings.TrimSpace(a.ObjectID) == "" {
			return fmt.Errorf("%w: objectId required for delete", ErrInvalidAction)
		}
	case ActionClear:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidAction, a.Type)
	}
	return nil
}

// HasPayload reports whether raw holds a non-null JSON value.
func HasPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
