package rooms

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// StoreConfig describes the optional collaborators of a Store.
type StoreConfig struct {
	Clock            func() time.Time
	SnapshotListener SnapshotListener
	Logger           *zap.Logger
}

// Store owns one room per board id. Rooms are created on demand and discarded
// as soon as their last member leaves.
//
// Operations that only touch an existing room hold the store read lock while
// they work inside it. GetOrCreate, AddMember and RemoveMember take the write
// lock because they create or discard rooms, so a room is only dropped from the
// map when nobody else is using it.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	clock    func() time.Time
	listener SnapshotListener
	logger   *zap.Logger
}

type room struct {
	mu          sync.Mutex
	boardID     string
	users       map[string]BoardUser
	canvasState json.RawMessage
	version     int64
}

// NewStore constructs an empty Store.
func NewStore(cfg StoreConfig) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		rooms:    make(map[string]*room),
		clock:    clock,
		listener: cfg.SnapshotListener,
		logger:   logger,
	}
}

// GetOrCreate returns the state of the board's room, creating an empty room at version 0 when absent.
func (s *Store) GetOrCreate(boardID string) RoomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(boardID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state()
}

// AddMember inserts or replaces the member keyed by user.ID and assigns its color.
func (s *Store) AddMember(boardID string, user BoardUser) BoardUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(boardID)

	r.mu.Lock()
	defer r.mu.Unlock()
	user.Color = r.availableColor(user.ID)
	user.IsActive = true
	if user.JoinedAt.IsZero() {
		user.JoinedAt = s.clock().UTC()
	}
	r.users[user.ID] = user.clone()
	s.logger.Debug("room member added",
		zap.String("board_id", boardID),
		zap.String("user_id", user.ID),
		zap.String("color", user.Color),
		zap.Int("members", len(r.users)),
	)
	return user
}

// RemoveMember deletes the member and discards the room when it becomes empty.
// It reports the remaining member count and whether the member was present.
func (s *Store) RemoveMember(boardID, userID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[boardID]
	if !ok {
		return 0, false
	}

	r.mu.Lock()
	_, present := r.users[userID]
	delete(r.users, userID)
	remaining := len(r.users)
	r.mu.Unlock()

	if remaining == 0 {
		delete(s.rooms, boardID)
		s.logger.Debug("room discarded", zap.String("board_id", boardID))
	}
	return remaining, present
}

// Members returns a copy of the board's members ordered by join time.
func (s *Store) Members(boardID string) []BoardUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[boardID]
	if !ok {
		return []BoardUser{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members()
}

// Member returns the presence record of one member.
func (s *Store) Member(boardID, userID string) (BoardUser, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[boardID]
	if !ok {
		return BoardUser{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	return user.clone(), ok
}

// MemberCount returns the number of members of the board's room.
func (s *Store) MemberCount(boardID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[boardID]
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// ApplyCanvasSnapshot replaces the room's canvas state and bumps its version by one.
// Absent rooms are created, matching GetOrCreate.
func (s *Store) ApplyCanvasSnapshot(boardID string, snapshot json.RawMessage) int64 {
	s.mu.RLock()
	r, ok := s.rooms[boardID]
	if ok {
		defer s.mu.RUnlock()
		return s.applySnapshot(r, snapshot)
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applySnapshot(s.roomLocked(boardID), snapshot)
}

func (s *Store) applySnapshot(r *room, snapshot json.RawMessage) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canvasState = append(json.RawMessage(nil), snapshot...)
	r.version++
	if s.listener != nil {
		s.listener(r.boardID, r.version, append(json.RawMessage(nil), snapshot...))
	}
	return r.version
}

// AvailableColor returns the first palette color not held by a member of the board.
func (s *Store) AvailableColor(boardID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[boardID]
	if !ok {
		return Palette[0]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableColor("")
}

// UpdateCursor records the member's last cursor position.
func (s *Store) UpdateCursor(boardID, userID string, point Point) (BoardUser, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[boardID]
	if !ok {
		return BoardUser{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return BoardUser{}, false
	}
	user.Cursor = &Point{X: point.X, Y: point.Y}
	r.users[userID] = user
	return user.clone(), true
}

// Snapshot returns a copy of the board's room without creating it.
func (s *Store) Snapshot(boardID string) RoomState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[boardID]
	if !ok {
		return RoomState{BoardID: boardID, Users: map[string]BoardUser{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state()
}

// Stats reports the number of live rooms and members across them.
func (s *Store) Stats() (rooms, members int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms = len(s.rooms)
	for _, r := range s.rooms {
		r.mu.Lock()
		members += len(r.users)
		r.mu.Unlock()
	}
	return rooms, members
}

// SortedMembers orders a member map by join time, then id.
func SortedMembers(users map[string]BoardUser) []BoardUser {
	members := make([]BoardUser, 0, len(users))
	for _, user := range users {
		members = append(members, user.clone())
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ID < members[j].ID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members
}

func (s *Store) roomLocked(boardID string) *room {
	r, ok := s.rooms[boardID]
	if !ok {
		r = &room{boardID: boardID, users: make(map[string]BoardUser)}
		s.rooms[boardID] = r
	}
	return r
}

func (r *room) state() RoomState {
	users := make(map[string]BoardUser, len(r.users))
	for id, user := range r.users {
		users[id] = user.clone()
	}
	var canvas json.RawMessage
	if r.canvasState != nil {
		canvas = append(json.RawMessage(nil), r.canvasState...)
	}
	return RoomState{
		BoardID:     r.boardID,
		Users:       users,
		CanvasState: canvas,
		Version:     r.version,
	}
}

func (r *room) members() []BoardUser {
	return SortedMembers(r.users)
}

// availableColor ignores the color currently held by exceptUserID so a
// re-joining member can keep its own color. Once the palette is exhausted the
// first entry is reused.
func (r *room) availableColor(exceptUserID string) string {
	taken := make(map[string]struct{}, len(r.users))
	for id, user := range r.users {
		if id == exceptUserID || !user.IsActive {
			continue
		}
		taken[user.Color] = struct{}{}
	}
	for _, color := range Palette {
		if _, used := taken[color]; !used {
			return color
		}
	}
	return Palette[0]
}
