package rooms

import (
	"encoding/json"
	"time"
)

// Palette lists the presence colors handed out to members of a room, in assignment order.
var Palette = []string{
	"#FF6B6B",
	"#4ECDC4",
	"#45B7D1",
	"#96CEB4",
	"#FFEAA7",
	"#DDA0DD",
	"#98D8C8",
}

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoardUser is the presence record of one participant in one board.
type BoardUser struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email,omitempty"`
	Color    string    `json:"color"`
	Cursor   *Point    `json:"cursor,omitempty"`
	IsActive bool      `json:"isActive"`
	JoinedAt time.Time `json:"joinedAt"`
}

func (u BoardUser) clone() BoardUser {
	if u.Cursor != nil {
		cursor := *u.Cursor
		u.Cursor = &cursor
	}
	return u
}

// RoomState is a point-in-time copy of a board's in-memory room.
type RoomState struct {
	BoardID     string
	Users       map[string]BoardUser
	CanvasState json.RawMessage
	Version     int64
}

// SnapshotListener observes every accepted canvas snapshot. It runs inside the
// room's critical section and must not block.
type SnapshotListener func(boardID string, version int64, snapshot json.RawMessage)
