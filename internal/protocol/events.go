package protocol

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/rooms"
)

// Event names exchanged over a board connection.
const (
	EventBoardJoin       = "board:join"
	EventBoardLeave      = "board:leave"
	EventBoardState      = "board:state"
	EventUserJoined      = "user:joined"
	EventUserLeft        = "user:left"
	EventCanvasAction    = "canvas:action"
	EventDrawStart       = "draw:start"
	EventDrawMove        = "draw:move"
	EventDrawEnd         = "draw:end"
	EventCursorMove      = "cursor:move"
	EventTextStart       = "text:start"
	EventTextUpdate      = "text:update"
	EventTextEnd         = "text:end"
	EventSelectionChange = "selection:change"
	EventError           = "error"
	EventPing            = "ping"
	EventPong            = "pong"
)

// Error codes carried by EventError.
const (
	CodeInvalidPayload = "invalid_payload"
	CodeUnknownEvent   = "unknown_event"
	CodeInvalidAction  = "invalid_action"
	CodeNotJoined      = "not_joined"
)

// BoardRef is the payload of board:join and board:leave.
type BoardRef struct {
	BoardID string `json:"boardId"`
}

// BoardState is the full snapshot sent to a joining connection.
type BoardState struct {
	BoardID     string            `json:"boardId"`
	Users       []rooms.BoardUser `json:"users"`
	CanvasState json.RawMessage   `json:"canvasState,omitempty"`
	Version     int64             `json:"version"`
}

// UserJoined announces a new member to the rest of the room.
type UserJoined struct {
	User       rooms.BoardUser `json:"user"`
	TotalUsers int             `json:"totalUsers"`
}

// UserLeft announces a departed member to the rest of the room.
type UserLeft struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	TotalUsers int    `json:"totalUsers"`
}

// DrawPoint is the payload of draw:start and draw:move.
type DrawPoint struct {
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Color    string   `json:"color"`
	Width    float64  `json:"width"`
	Tool     string   `json:"tool"`
	Pressure *float64 `json:"pressure,omitempty"`
	BoardID  string   `json:"boardId"`
	UserID   string   `json:"userId,omitempty"`
	Username string   `json:"username,omitempty"`
}

// DrawEnd closes a stroke; Object carries the completed drawable when present.
type DrawEnd struct {
	BoardID  string          `json:"boardId"`
	Object   json.RawMessage `json:"object,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Username string          `json:"username,omitempty"`
}

// CursorMove is a cursor position. Inbound only x, y and boardId are read.
type CursorMove struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	BoardID  string  `json:"boardId"`
	UserID   string  `json:"userId,omitempty"`
	Username string  `json:"username,omitempty"`
	Color    string  `json:"color,omitempty"`
}

// TextEdit is the payload of text:start, text:update and text:end.
type TextEdit struct {
	ObjectID string  `json:"objectId"`
	BoardID  string  `json:"boardId"`
	Text     *string `json:"text,omitempty"`
	UserID   string  `json:"userId,omitempty"`
	Username string  `json:"username,omitempty"`
}

// SelectionChange lists the objects a member currently has selected.
type SelectionChange struct {
	Objects  []string `json:"objects"`
	BoardID  string   `json:"boardId"`
	UserID   string   `json:"userId,omitempty"`
	Username string   `json:"username,omitempty"`
}

// ErrorPayload is the body of a server-initiated error event.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}
