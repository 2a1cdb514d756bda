package syncagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/rooms"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultMinBackoff   = 500 * time.Millisecond
	defaultMaxBackoff   = 10 * time.Second
)

var (
	// ErrNotConnected indicates that no transport is attached right now.
	ErrNotConnected = errors.New("syncagent: not connected")
	// ErrNoActiveBoard indicates an operation that needs a joined board.
	ErrNoActiveBoard = errors.New("syncagent: no active board")

	errMissingURL = errors.New("syncagent: server url required")
)

// Transport is one live link to the server. *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial opens a websocket connection.
func (d WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// Handlers receive what the agent accepted. Any of them may be nil. They run on
// the read goroutine and must not block.
type Handlers struct {
	OnBoardState func(protocol.BoardState)
	OnAction     func(protocol.CanvasAction)
	OnEvent      func(protocol.Envelope)
	OnError      func(protocol.ErrorPayload)
}

// Config describes an Agent. Zero durations use the package defaults.
type Config struct {
	URL      string
	Token    string
	Dialer   Dialer
	Handlers Handlers
	Logger   *zap.Logger
	Clock    func() time.Time

	PingInterval   time.Duration
	BatchWindow    time.Duration
	CursorInterval time.Duration
	StaleWindow    time.Duration
	CursorTTL      time.Duration
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
}

// Agent is the client side of a board connection: it keeps a local canvas and
// the remote cursors in sync, batches outbound canvas actions, throttles the
// local cursor and reconnects with backoff, rejoining the active board.
type Agent struct {
	url          string
	header       http.Header
	dialer       Dialer
	handlers     Handlers
	logger       *zap.Logger
	pingInterval time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration

	staleness *StalenessFilter
	batcher   *Batcher
	throttle  *CursorThrottle
	cursors   *RemoteCursors
	canvas    *LocalCanvas

	mu          sync.Mutex
	transport   Transport
	activeBoard string
	members     map[string]rooms.BoardUser

	writeMu sync.Mutex
}

// New validates cfg and constructs an Agent. Call Run to connect.
func New(cfg Config) (*Agent, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errMissingURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	header := http.Header{}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	agent := &Agent{
		url:          cfg.URL,
		header:       header,
		dialer:       dialer,
		handlers:     cfg.Handlers,
		logger:       logger,
		pingInterval: durationOr(cfg.PingInterval, defaultPingInterval),
		minBackoff:   durationOr(cfg.MinBackoff, defaultMinBackoff),
		maxBackoff:   durationOr(cfg.MaxBackoff, defaultMaxBackoff),
		staleness:    NewStalenessFilter(cfg.StaleWindow),
		throttle:     NewCursorThrottle(cfg.CursorInterval, cfg.Clock),
		canvas:       NewLocalCanvas(),
		members:      make(map[string]rooms.BoardUser),
	}
	if agent.maxBackoff < agent.minBackoff {
		agent.maxBackoff = agent.minBackoff
	}
	agent.batcher = NewBatcher(cfg.BatchWindow, agent.sendBatch)
	agent.cursors = NewRemoteCursors(cfg.CursorTTL, func(userID string) {
		logger.Debug("remote cursor expired", zap.String("user_id", userID))
	})
	return agent, nil
}

// Run keeps a connection open until ctx is cancelled, redialing with
// exponential backoff whenever the connection fails.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.minBackoff
	for {
		transport, err := a.dialer.Dial(ctx, a.url, a.header.Clone())
		if err == nil {
			backoff = a.minBackoff
			err = a.serve(ctx, transport)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("connection lost, redialing",
			zap.String("url", a.url),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, a.maxBackoff)
	}
}

// Close delivers queued actions and forgets remote cursors.
func (a *Agent) Close() {
	a.batcher.Close()
	a.cursors.Clear()
}

// Join switches the agent to boardID. When disconnected the join is sent as
// soon as a connection is established.
func (a *Agent) Join(boardID string) error {
	boardID = strings.TrimSpace(boardID)
	if boardID == "" {
		return fmt.Errorf("syncagent: join: %w", ErrNoActiveBoard)
	}
	a.batcher.Flush()

	a.mu.Lock()
	previous := a.activeBoard
	a.activeBoard = boardID
	a.members = make(map[string]rooms.BoardUser)
	a.mu.Unlock()
	a.staleness.Reset()
	a.cursors.Clear()

	if previous != "" && previous != boardID {
		if err := a.SendEvent(protocol.EventBoardLeave, protocol.BoardRef{BoardID: previous}); err != nil && !errors.Is(err, ErrNotConnected) {
			return err
		}
	}
	if err := a.SendEvent(protocol.EventBoardJoin, protocol.BoardRef{BoardID: boardID}); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// Leave leaves the active board.
func (a *Agent) Leave() error {
	a.batcher.Flush()
	a.mu.Lock()
	boardID := a.activeBoard
	a.activeBoard = ""
	a.members = make(map[string]rooms.BoardUser)
	a.mu.Unlock()
	a.cursors.Clear()
	if boardID == "" {
		return ErrNoActiveBoard
	}
	return a.SendEvent(protocol.EventBoardLeave, protocol.BoardRef{BoardID: boardID})
}

// SubmitAction applies a local canvas action and queues it for the server.
func (a *Agent) SubmitAction(action protocol.CanvasAction) error {
	boardID := a.ActiveBoard()
	if boardID == "" {
		return ErrNoActiveBoard
	}
	action.BoardID = boardID
	if err := action.Validate(); err != nil {
		return err
	}
	a.canvas.Apply(action)
	a.batcher.Submit(action)
	return nil
}

// EndStroke records a completed stroke locally and sends it as draw:end.
func (a *Agent) EndStroke(object json.RawMessage) error {
	boardID := a.ActiveBoard()
	if boardID == "" {
		return ErrNoActiveBoard
	}
	a.canvas.ApplyStroke(object)
	return a.SendEvent(protocol.EventDrawEnd, protocol.DrawEnd{BoardID: boardID, Object: object})
}

// MoveCursor sends the local cursor unless the throttle interval is still
// open. It reports whether the position was sent.
func (a *Agent) MoveCursor(x, y float64) (bool, error) {
	boardID := a.ActiveBoard()
	if boardID == "" {
		return false, ErrNoActiveBoard
	}
	if !a.throttle.Allow() {
		return false, nil
	}
	if err := a.SendEvent(protocol.EventCursorMove, protocol.CursorMove{X: x, Y: y, BoardID: boardID}); err != nil {
		return false, err
	}
	return true, nil
}

// SendEvent encodes and writes one event.
func (a *Agent) SendEvent(event string, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return a.write(frame)
}

// ActiveBoard returns the board the agent is joined to.
func (a *Agent) ActiveBoard() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeBoard
}

// Members returns the active board's members ordered by join time.
func (a *Agent) Members() []rooms.BoardUser {
	a.mu.Lock()
	defer a.mu.Unlock()
	return rooms.SortedMembers(a.members)
}

// Canvas exposes the local canvas.
func (a *Agent) Canvas() *LocalCanvas {
	return a.canvas
}

// Cursors exposes the remote cursors.
func (a *Agent) Cursors() *RemoteCursors {
	return a.cursors
}

// Connected reports whether a transport is attached.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transport != nil
}

func (a *Agent) serve(ctx context.Context, transport Transport) error {
	boardID := a.attach(transport)
	a.logger.Info("connected", zap.String("url", a.url), zap.String("board_id", boardID))
	if boardID != "" {
		if err := a.SendEvent(protocol.EventBoardJoin, protocol.BoardRef{BoardID: boardID}); err != nil {
			a.detach(transport)
			_ = transport.Close()
			return err
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for {
			_, data, err := transport.ReadMessage()
			if err != nil {
				return err
			}
			a.dispatch(data)
		}
	})
	group.Go(func() error {
		ticker := time.NewTicker(a.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if err := a.SendEvent(protocol.EventPing, nil); err != nil {
					return err
				}
			}
		}
	})
	group.Go(func() error {
		<-groupCtx.Done()
		a.detach(transport)
		return transport.Close()
	})
	return group.Wait()
}

// attach installs transport and returns the board to rejoin.
func (a *Agent) attach(transport Transport) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transport = transport
	a.members = make(map[string]rooms.BoardUser)
	a.staleness.Reset()
	return a.activeBoard
}

func (a *Agent) detach(transport Transport) {
	a.mu.Lock()
	if a.transport == transport {
		a.transport = nil
	}
	a.mu.Unlock()
	a.cursors.Clear()
}

func (a *Agent) write(frame []byte) error {
	a.mu.Lock()
	transport := a.transport
	a.mu.Unlock()
	if transport == nil {
		return ErrNotConnected
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return transport.WriteMessage(websocket.TextMessage, frame)
}

func (a *Agent) sendBatch(actions []protocol.CanvasAction) {
	for _, action := range actions {
		if err := a.SendEvent(protocol.EventCanvasAction, action); err != nil {
			a.logger.Warn("canvas action not sent",
				zap.String("board_id", action.BoardID),
				zap.String("object_id", action.ObjectID),
				zap.String("type", string(action.Type)),
				zap.Error(err),
			)
		}
	}
}

func (a *Agent) dispatch(data []byte) {
	envelope, err := protocol.Decode(data)
	if err != nil {
		a.logger.Warn("inbound frame dropped", zap.Error(err))
		return
	}

	switch envelope.Event {
	case protocol.EventPong:
	case protocol.EventBoardState:
		var state protocol.BoardState
		if !a.decode(envelope, &state) {
			return
		}
		a.mu.Lock()
		a.members = make(map[string]rooms.BoardUser, len(state.Users))
		for _, user := range state.Users {
			a.members[user.ID] = user
		}
		a.mu.Unlock()
		a.canvas.Seed(state)
		a.staleness.Reset()
		if a.handlers.OnBoardState != nil {
			a.handlers.OnBoardState(state)
		}
	case protocol.EventCanvasAction:
		var action protocol.CanvasAction
		if !a.decode(envelope, &action) {
			return
		}
		if !a.staleness.Accept(action.Timestamp) {
			a.logger.Debug("stale canvas action dropped",
				zap.String("object_id", action.ObjectID),
				zap.Int64("timestamp", action.Timestamp),
			)
			return
		}
		a.canvas.Apply(action)
		if a.handlers.OnAction != nil {
			a.handlers.OnAction(action)
		}
	case protocol.EventDrawEnd:
		var stroke protocol.DrawEnd
		if !a.decode(envelope, &stroke) {
			return
		}
		a.canvas.ApplyStroke(stroke.Object)
		a.notify(envelope)
	case protocol.EventCursorMove:
		var cursor protocol.CursorMove
		if !a.decode(envelope, &cursor) {
			return
		}
		a.cursors.Upsert(CursorPosition{
			UserID:   cursor.UserID,
			Username: cursor.Username,
			Color:    cursor.Color,
			X:        cursor.X,
			Y:        cursor.Y,
		})
	case protocol.EventUserJoined:
		var joined protocol.UserJoined
		if !a.decode(envelope, &joined) {
			return
		}
		a.mu.Lock()
		a.members[joined.User.ID] = joined.User
		a.mu.Unlock()
		a.notify(envelope)
	case protocol.EventUserLeft:
		var left protocol.UserLeft
		if !a.decode(envelope, &left) {
			return
		}
		a.mu.Lock()
		delete(a.members, left.UserID)
		a.mu.Unlock()
		a.cursors.Remove(left.UserID)
		a.notify(envelope)
	case protocol.EventError:
		var payload protocol.ErrorPayload
		if !a.decode(envelope, &payload) {
			return
		}
		a.logger.Warn("server reported error", zap.String("code", payload.Code), zap.String("message", payload.Message))
		if a.handlers.OnError != nil {
			a.handlers.OnError(payload)
		}
	default:
		a.notify(envelope)
	}
}

func (a *Agent) decode(envelope protocol.Envelope, target any) bool {
	if err := envelope.DecodeData(target); err != nil {
		a.logger.Warn("inbound payload dropped", zap.String("event", envelope.Event), zap.Error(err))
		return false
	}
	return true
}

func (a *Agent) notify(envelope protocol.Envelope) {
	if a.handlers.OnEvent != nil {
		a.handlers.OnEvent(envelope)
	}
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
