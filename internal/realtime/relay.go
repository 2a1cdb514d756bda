package realtime

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/rooms"
	"go.uber.org/zap"
)

func (h *Handler) relayCanvasAction(session *Session, envelope protocol.Envelope) {
	var action protocol.CanvasAction
	if err := envelope.DecodeData(&action); err != nil {
		h.reject(session, protocol.CodeInvalidPayload, err)
		return
	}
	if err := action.Validate(); err != nil {
		h.reject(session, protocol.CodeInvalidAction, err)
		return
	}
	boardID := strings.TrimSpace(action.BoardID)
	h.relay(session, boardID, envelope.Event, func() (any, error) {
		action.BoardID = boardID
		action.UserID = session.Identity().UserID
		action.Timestamp = h.clock().UnixMilli()
		if action.Type.CarriesSnapshot() {
			h.rooms.ApplyCanvasSnapshot(boardID, action.Object)
		} else {
			action.Object = nil
		}
		return action, nil
	})
}

func (h *Handler) relayDrawPoint(session *Session, envelope protocol.Envelope) {
	var point protocol.DrawPoint
	if err := envelope.DecodeData(&point); err != nil {
		h.reject(session, protocol.CodeInvalidPayload, err)
		return
	}
	boardID := strings.TrimSpace(point.BoardID)
	h.relay(session, boardID, envelope.Event, func() (any, error) {
		point.BoardID = boardID
		point.UserID, point.Username = h.author(session, boardID)
		return point, nil
	})
}

func (h *Handler) relayDrawEnd(session *Session, envelope protocol.Envelope) {
	var end protocol.DrawEnd
	if err := envelope.DecodeData(&end); err != nil {
		h.reject(session, protocol.CodeInvalidPayload, err)
		return
	}
	boardID := strings.TrimSpace(end.BoardID)
	h.relay(session, boardID, envelope.Event, func() (any, error) {
		end.BoardID = boardID
		end.UserID, end.Username = h.author(session, boardID)
		if protocol.HasPayload(end.Object) {
			h.rooms.ApplyCanvasSnapshot(boardID, end.Object)
		} else {
			end.Object = nil
		}
		return end, nil
	})
}

func (h *Handler) relayCursor(session *Session, envelope protocol.Envelope) {
	var cursor protocol.CursorMove
	if err := envelope.DecodeData(&cursor); err != nil {
		h.reject(session, protocol.CodeInvalidPayload, err)
		return
	}
	boardID := strings.TrimSpace(cursor.BoardID)
	h.relay(session, boardID, envelope.Event, func() (any, error) {
		identity := session.Identity()
		cursor.BoardID = boardID
		cursor.UserID = identity.UserID
		cursor.Username = identity.Username
		cursor.Color = ""
		if member, ok := h.rooms.UpdateCursor(boardID, identity.UserID, rooms.Point{X: cursor.X, Y: cursor.Y}); ok {
			cursor.Username = member.Username
			cursor.Color = member.Color
		}
		return cursor, nil
	})
}

func (h *Handler) relayText(session *Session, envelope protocol.Envelope) {
	var edit protocol.TextEdit
	if err := envelope.DecodeData(&edit); err != nil {
		h.reject(session, protocol.CodeInvalidPayload, err)
		return
	}
	if strings.TrimSpace(edit.ObjectID) == "" {
		h.reject(session, protocol.CodeInvalidPayload, fmt.Errorf("%s: objectId required", envelope.Event))
		return
	}
	boardID := strings.TrimSpace(edit.BoardID)
	h.relay(session, boardID, envelope.Event, func() (any, error) {
		edit.BoardID = boardID
		edit.UserID, edit.Username = h.author(session, boardID)
		return edit, nil
	})
}

func (h *Handler) relaySelection(session *Session, envelope protocol.Envelope) {
	var selection protocol.SelectionChange
	if err := envelope.DecodeData(&selection); err != nil {
		h.reject(session, protocol.CodeInvalidPayload, err)
		return
	}
	boardID := strings.TrimSpace(selection.BoardID)
	h.relay(session, boardID, envelope.Event, func() (any, error) {
		if selection.Objects == nil {
			selection.Objects = []string{}
		}
		selection.BoardID = boardID
		selection.UserID, selection.Username = h.author(session, boardID)
		return selection, nil
	})
}

// relay stamps and fans out one event to the board's other connections. The
// payload is built under the board's group lock so room mutations and delivery
// happen in the same order for every member.
func (h *Handler) relay(session *Session, boardID, event string, build func() (any, error)) {
	if boardID == "" {
		h.reject(session, protocol.CodeInvalidPayload, fmt.Errorf("%s: %w", event, errMissingBoardID))
		return
	}
	if !session.Joined(boardID) {
		h.reject(session, protocol.CodeNotJoined, fmt.Errorf("%s: %w: %s", event, errNotJoined, boardID))
		return
	}

	built := false
	delivered, err := h.groups.BroadcastFunc(boardID, session.ID(), func() ([]byte, error) {
		built = true
		payload, err := build()
		if err != nil {
			return nil, err
		}
		return protocol.Encode(event, payload)
	})
	if err != nil {
		h.reject(session, protocol.CodeInvalidPayload, err)
		return
	}
	if !built {
		h.reject(session, protocol.CodeNotJoined, fmt.Errorf("%s: %w: %s", event, errNotJoined, boardID))
		return
	}
	h.logger.Debug("event relayed",
		zap.String("event", event),
		zap.String("board_id", boardID),
		zap.String("connection_id", session.ID()),
		zap.Int("recipients", delivered),
	)
}

// author returns the sender's id and the name it carries in the board.
func (h *Handler) author(session *Session, boardID string) (string, string) {
	identity := session.Identity()
	if member, ok := h.rooms.Member(boardID, identity.UserID); ok && member.Username != "" {
		return identity.UserID, member.Username
	}
	return identity.UserID, identity.Username
}
