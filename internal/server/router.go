package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultSendBuffer = 256

var (
	errMissingRealtime  = errors.New("realtime handler dependency required")
	errMissingSnapshots = errors.New("snapshot loader dependency required")
)

// RealtimeHandler runs the board protocol for one connection at a time.
type RealtimeHandler interface {
	Connect(conn realtime.Connection, token string) *realtime.Session
	Handle(session *realtime.Session, frame []byte)
	Disconnect(session *realtime.Session)
	Stats() realtime.Stats
}

// TokenExtractor finds the session credential on an upgrade request.
type TokenExtractor interface {
	TokenFromRequest(r *http.Request) string
}

// SnapshotLoader reads persisted board snapshots.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, boardID boards.BoardID) (boards.BoardSnapshot, error)
}

// Dependencies wires the HTTP surface. A nil Tokens makes every connection anonymous.
type Dependencies struct {
	Realtime       RealtimeHandler
	Tokens         TokenExtractor
	Snapshots      SnapshotLoader
	AllowedOrigins []string
	SendBuffer     int
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}
	if deps.Snapshots == nil {
		return nil, errMissingSnapshots
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sendBuffer := deps.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	origins := newOriginPolicy(deps.AllowedOrigins)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		realtime:   deps.Realtime,
		tokens:     deps.Tokens,
		snapshots:  deps.Snapshots,
		upgrader:   newUpgrader(origins),
		sendBuffer: sendBuffer,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/stats", handler.handleStats)
	router.GET("/boards/:boardId/snapshot", handler.handleSnapshot)
	router.GET("/ws", handler.handleWebsocket)

	return router, nil
}

type httpHandler struct {
	realtime   RealtimeHandler
	tokens     TokenExtractor
	snapshots  SnapshotLoader
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *zap.Logger
}

type snapshotResponsePayload struct {
	BoardID     string          `json:"boardId"`
	Version     int64           `json:"version"`
	CanvasState json.RawMessage `json:"canvasState"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.realtime.Stats())
}

func (h *httpHandler) handleSnapshot(c *gin.Context) {
	boardID, err := boards.NewBoardID(c.Param("boardId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_board_id"})
		return
	}

	snapshot, err := h.snapshots.LoadSnapshot(c.Request.Context(), boardID)
	if errors.Is(err, boards.ErrSnapshotNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load board snapshot", zap.String("board_id", boardID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_load_failed"})
		return
	}

	c.JSON(http.StatusOK, snapshotResponsePayload{
		BoardID:     snapshot.BoardID,
		Version:     snapshot.Version,
		CanvasState: json.RawMessage(snapshot.PayloadJSON),
		UpdatedAt:   time.Unix(snapshot.UpdatedAtSeconds, 0).UTC(),
	})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	token := ""
	if h.tokens != nil {
		token = h.tokens.TokenFromRequest(c.Request)
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID, err := uuid.NewV7()
	if err != nil {
		h.logger.Error("connection id generation failed", zap.Error(err))
		_ = ws.Close()
		return
	}

	conn := newWSConnection(connID.String(), ws, h.sendBuffer, h.logger)
	session := h.realtime.Connect(conn, token)
	go conn.writePump()

	conn.readPump(func(frame []byte) {
		h.realtime.Handle(session, frame)
	})

	h.realtime.Disconnect(session)
	_ = conn.Close()
}

// originPolicy decides which browser origins may call the API and open sockets.
type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	policy := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			policy.any = true
		default:
			policy.allowed[strings.ToLower(origin)] = struct{}{}
		}
	}
	if len(origins) == 0 {
		policy.any = true
	}
	return policy
}

func (p originPolicy) allows(origin string) bool {
	if p.any {
		return true
	}
	_, ok := p.allowed[strings.ToLower(strings.TrimSpace(origin))]
	return ok
}

func corsMiddleware(origins originPolicy) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  origins.allows,
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}
