package realtime

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/users"
	"go.uber.org/zap"
)

var (
	errMissingRoomStore        = errors.New("room store dependency required")
	errMissingIdentityResolver = errors.New("identity resolver dependency required")
	errMissingBoardID          = errors.New("boardId required")
	errNotJoined               = errors.New("board not joined")
)

// IdentityResolver turns a connection credential into an identity. It must
// never fail; unverifiable credentials resolve to anonymous identities.
type IdentityResolver interface {
	Resolve(token string) users.Identity
}

// HandlerConfig describes the dependencies of a Handler.
type HandlerConfig struct {
	Rooms      *rooms.Store
	Groups     *Groups
	Identities IdentityResolver
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Handler owns the per-connection protocol: identity, board membership and
// relaying events between the members of a board.
type Handler struct {
	rooms      *rooms.Store
	groups     *Groups
	identities IdentityResolver
	clock      func() time.Time
	logger     *zap.Logger
	sessions   atomic.Int64
}

// Stats summarizes live realtime state.
type Stats struct {
	Rooms       int `json:"rooms"`
	Members     int `json:"members"`
	Connections int `json:"connections"`
}

// NewHandler validates dependencies and constructs a Handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Rooms == nil {
		return nil, errMissingRoomStore
	}
	if cfg.Identities == nil {
		return nil, errMissingIdentityResolver
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	groups := cfg.Groups
	if groups == nil {
		groups = NewGroups(logger)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Handler{
		rooms:      cfg.Rooms,
		groups:     groups,
		identities: cfg.Identities,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Connect resolves the identity of a new connection.
func (h *Handler) Connect(conn Connection, token string) *Session {
	identity := h.identities.Resolve(token)
	session := newSession(conn, identity)
	h.sessions.Add(1)
	h.logger.Info("connection opened",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", identity.UserID),
		zap.Bool("anonymous", identity.Anonymous),
	)
	return session
}

// Disconnect leaves every board the session joined. It is safe to call more than once.
func (h *Handler) Disconnect(session *Session) {
	boards := session.Boards()
	for _, boardID := range boards {
		if err := h.Leave(session, boardID); err != nil && !errors.Is(err, errNotJoined) {
			h.logger.Warn("leave during disconnect failed",
				zap.String("connection_id", session.ID()),
				zap.String("board_id", boardID),
				zap.Error(err),
			)
		}
	}
	if session.markClosed() {
		h.sessions.Add(-1)
		h.logger.Info("connection closed",
			zap.String("connection_id", session.ID()),
			zap.Strings("boards", boards),
		)
	}
}

// Join adds the session to the board, replies with the board snapshot and
// announces the new member to everyone else in the board.
func (h *Handler) Join(session *Session, boardID string) error {
	boardID = strings.TrimSpace(boardID)
	if boardID == "" {
		return errMissingBoardID
	}
	identity := session.Identity()

	err := h.groups.Enter(boardID, session.conn, identity.UserID, func() ([]byte, []byte, error) {
		username := identity.Username
		if identity.Anonymous {
			username = users.UniqueAnonymousName(username, h.nameTakenIn(boardID, identity.UserID))
		}
		user := h.rooms.AddMember(boardID, rooms.BoardUser{
			ID:       identity.UserID,
			Username: username,
			Email:    identity.Email,
		})
		state := h.rooms.Snapshot(boardID)

		reply, err := protocol.Encode(protocol.EventBoardState, protocol.BoardState{
			BoardID:     boardID,
			Users:       rooms.SortedMembers(state.Users),
			CanvasState: state.CanvasState,
			Version:     state.Version,
		})
		if err != nil {
			return nil, nil, err
		}
		announce, err := protocol.Encode(protocol.EventUserJoined, protocol.UserJoined{
			User:       user,
			TotalUsers: len(state.Users),
		})
		if err != nil {
			return nil, nil, err
		}
		return reply, announce, nil
	})
	if err != nil {
		return fmt.Errorf("join %s: %w", boardID, err)
	}

	session.markJoined(boardID)
	h.logger.Info("board joined",
		zap.String("board_id", boardID),
		zap.String("connection_id", session.ID()),
		zap.String("user_id", identity.UserID),
	)
	return nil
}

// Leave removes the session from the board. The member record is only dropped
// when no other connection of the same user remains in the board.
func (h *Handler) Leave(session *Session, boardID string) error {
	boardID = strings.TrimSpace(boardID)
	if boardID == "" {
		return errMissingBoardID
	}
	userID := session.Identity().UserID

	present, err := h.groups.Exit(boardID, session.ID(), func(userStillPresent bool) ([]byte, error) {
		if userStillPresent {
			return nil, nil
		}
		member, _ := h.rooms.Member(boardID, userID)
		remaining, removed := h.rooms.RemoveMember(boardID, userID)
		if !removed {
			return nil, nil
		}
		username := member.Username
		if username == "" {
			username = session.Identity().Username
		}
		return protocol.Encode(protocol.EventUserLeft, protocol.UserLeft{
			UserID:     userID,
			Username:   username,
			TotalUsers: remaining,
		})
	})
	session.markLeft(boardID)
	if !present {
		return errNotJoined
	}
	if err != nil {
		return fmt.Errorf("leave %s: %w", boardID, err)
	}
	h.logger.Info("board left",
		zap.String("board_id", boardID),
		zap.String("connection_id", session.ID()),
		zap.String("user_id", userID),
	)
	return nil
}

// Stats reports the live room, member and connection counts.
func (h *Handler) Stats() Stats {
	roomCount, members := h.rooms.Stats()
	return Stats{
		Rooms:       roomCount,
		Members:     members,
		Connections: int(h.sessions.Load()),
	}
}

// Handle decodes one inbound frame and dispatches it. Failures are reported to
// the originating connection only.
func (h *Handler) Handle(session *Session, frame []byte) {
	envelope, err := protocol.Decode(frame)
	if err != nil {
		h.reject(session, protocol.CodeInvalidPayload, err)
		return
	}

	switch envelope.Event {
	case protocol.EventPing:
		h.send(session, protocol.MustEncode(protocol.EventPong, nil))
	case protocol.EventBoardJoin:
		h.handleJoin(session, envelope)
	case protocol.EventBoardLeave:
		h.handleLeave(session, envelope)
	case protocol.EventCanvasAction:
		h.relayCanvasAction(session, envelope)
	case protocol.EventDrawStart, protocol.EventDrawMove:
		h.relayDrawPoint(session, envelope)
	case protocol.EventDrawEnd:
		h.relayDrawEnd(session, envelope)
	case protocol.EventCursorMove:
		h.relayCursor(session, envelope)
	case protocol.EventTextStart, protocol.EventTextUpdate, protocol.EventTextEnd:
		h.relayText(session, envelope)
	case protocol.EventSelectionChange:
		h.relaySelection(session, envelope)
	default:
		h.reject(session, protocol.CodeUnknownEvent, fmt.Errorf("unknown event %q", envelope.Event))
	}
}

func (h *Handler) handleJoin(session *Session, envelope protocol.Envelope) {
	var ref protocol.BoardRef
	if err := envelope.DecodeData(&ref); err != nil {
		h.reject(session, protocol.CodeInvalidPayload, err)
		return
	}
	if err := h.Join(session, ref.BoardID); err != nil {
		h.reject(session, protocol.CodeInvalidPayload, err)
	}
}

func (h *Handler) handleLeave(session *Session, envelope protocol.Envelope) {
	var ref protocol.BoardRef
	if err := envelope.DecodeData(&ref); err != nil {
		h.reject(session, protocol.CodeInvalidPayload, err)
		return
	}
	if err := h.Leave(session, ref.BoardID); err != nil {
		code := protocol.CodeInvalidPayload
		if errors.Is(err, errNotJoined) {
			code = protocol.CodeNotJoined
		}
		h.reject(session, code, err)
	}
}

func (h *Handler) nameTakenIn(boardID, selfID string) func(string) bool {
	members := h.rooms.Members(boardID)
	return func(name string) bool {
		for _, member := range members {
			if member.ID != selfID && member.Username == name {
				return true
			}
		}
		return false
	}
}

func (h *Handler) send(session *Session, frame []byte) {
	if err := session.conn.Send(frame); err != nil {
		h.logger.Warn("send to connection failed",
			zap.String("connection_id", session.ID()),
			zap.Error(err),
		)
	}
}

func (h *Handler) reject(session *Session, code string, err error) {
	h.logger.Debug("inbound event rejected",
		zap.String("connection_id", session.ID()),
		zap.String("code", code),
		zap.Error(err),
	)
	frame, encodeErr := protocol.Encode(protocol.EventError, protocol.ErrorPayload{
		Message: err.Error(),
		Code:    code,
	})
	if encodeErr != nil {
		return
	}
	h.send(session, frame)
}
