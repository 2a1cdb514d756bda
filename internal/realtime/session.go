package realtime

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/users"
)

// Session binds one connection to one identity and remembers every board the
// connection joined, so a disconnect can leave all of them.
type Session struct {
	conn     Connection
	identity users.Identity

	mu     sync.Mutex
	boards map[string]struct{}
	closed bool
}

func newSession(conn Connection, identity users.Identity) *Session {
	return &Session{
		conn:     conn,
		identity: identity,
		boards:   make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (s *Session) ID() string {
	return s.conn.ID()
}

// Identity returns the resolved identity.
func (s *Session) Identity() users.Identity {
	return s.identity
}

// Boards lists the joined board ids in lexical order.
func (s *Session) Boards() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	boards := make([]string, 0, len(s.boards))
	for boardID := range s.boards {
		boards = append(boards, boardID)
	}
	sort.Strings(boards)
	return boards
}

// Joined reports whether the session is in the board.
func (s *Session) Joined(boardID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.boards[boardID]
	return ok
}

func (s *Session) markJoined(boardID string) {
	s.mu.Lock()
	s.boards[boardID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) markLeft(boardID string) {
	s.mu.Lock()
	delete(s.boards, boardID)
	s.mu.Unlock()
}

// markClosed reports true only on the first call.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}
