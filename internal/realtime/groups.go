package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Groups tracks which connections receive a board's events. Each board's group
// has its own lock, held while a frame is built and queued to every member, so
// all members of a board observe events in the same order.
type Groups struct {
	mu     sync.RWMutex
	groups map[string]*group
	logger *zap.Logger
}

type group struct {
	mu      sync.Mutex
	members map[string]groupMember
}

type groupMember struct {
	conn   Connection
	userID string
}

// NewGroups constructs an empty registry.
func NewGroups(logger *zap.Logger) *Groups {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Groups{
		groups: make(map[string]*group),
		logger: logger,
	}
}

// EnterFunc runs under the board's lock after the connection has been added.
// It returns the frame for the entering connection and the frame for everyone else.
type EnterFunc func() (reply []byte, announce []byte, err error)

// ExitFunc runs under the board's lock after the connection has been removed.
// userStillPresent reports whether another connection of the same user remains.
type ExitFunc func(userStillPresent bool) (announce []byte, err error)

// BuildFunc produces a frame under the board's lock.
type BuildFunc func() ([]byte, error)

// Enter adds conn to the board's group and delivers the frames built by fn.
func (g *Groups) Enter(boardID string, conn Connection, userID string, fn EnterFunc) error {
	g.mu.Lock()
	grp, ok := g.groups[boardID]
	if !ok {
		grp = &group{members: make(map[string]groupMember)}
		g.groups[boardID] = grp
	}
	grp.mu.Lock()
	g.mu.Unlock()

	grp.members[conn.ID()] = groupMember{conn: conn, userID: userID}
	reply, announce, err := fn()
	if err != nil {
		delete(grp.members, conn.ID())
		grp.mu.Unlock()
		g.pruneIfEmpty(boardID, grp)
		return err
	}
	var failed []Connection
	if reply != nil {
		if sendErr := conn.Send(reply); sendErr != nil {
			failed = append(failed, conn)
		}
	}
	if announce != nil {
		failed = append(failed, grp.deliver(announce, conn.ID())...)
	}
	grp.mu.Unlock()

	g.dropFailed(boardID, failed)
	return nil
}

// Exit removes the connection from the board's group and broadcasts the frame
// built by fn to the connections that remain. The group stays registered while
// fn runs, so an Enter on the same board waits for it. It reports whether the
// connection was a member.
func (g *Groups) Exit(boardID, connID string, fn ExitFunc) (bool, error) {
	g.mu.Lock()
	grp, ok := g.groups[boardID]
	if !ok {
		g.mu.Unlock()
		return false, nil
	}
	grp.mu.Lock()
	member, present := grp.members[connID]
	if !present {
		grp.mu.Unlock()
		g.mu.Unlock()
		return false, nil
	}
	delete(grp.members, connID)
	g.mu.Unlock()

	stillPresent := false
	for _, other := range grp.members {
		if other.userID == member.userID {
			stillPresent = true
			break
		}
	}

	announce, err := fn(stillPresent)
	var failed []Connection
	if err == nil && announce != nil {
		failed = grp.deliver(announce, "")
	}
	empty := len(grp.members) == 0
	grp.mu.Unlock()

	if empty {
		g.pruneIfEmpty(boardID, grp)
	}
	g.dropFailed(boardID, failed)
	return true, err
}

// BroadcastFunc builds a frame under the board's lock and queues it to every
// connection except excludeConnID. build is not called when the board has no group.
func (g *Groups) BroadcastFunc(boardID, excludeConnID string, build BuildFunc) (int, error) {
	g.mu.RLock()
	grp, ok := g.groups[boardID]
	if !ok {
		g.mu.RUnlock()
		return 0, nil
	}
	grp.mu.Lock()
	g.mu.RUnlock()

	frame, err := build()
	if err != nil || frame == nil {
		grp.mu.Unlock()
		return 0, err
	}
	recipients := len(grp.members)
	if _, excluded := grp.members[excludeConnID]; excluded {
		recipients--
	}
	failed := grp.deliver(frame, excludeConnID)
	grp.mu.Unlock()

	g.dropFailed(boardID, failed)
	return recipients - len(failed), nil
}

// Contains reports whether the connection is in the board's group.
func (g *Groups) Contains(boardID, connID string) bool {
	g.mu.RLock()
	grp, ok := g.groups[boardID]
	if !ok {
		g.mu.RUnlock()
		return false
	}
	grp.mu.Lock()
	g.mu.RUnlock()
	defer grp.mu.Unlock()
	_, present := grp.members[connID]
	return present
}

// Stats reports the number of boards with connections and the connection memberships across them.
func (g *Groups) Stats() (boards, connections int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	boards = len(g.groups)
	for _, grp := range g.groups {
		grp.mu.Lock()
		connections += len(grp.members)
		grp.mu.Unlock()
	}
	return boards, connections
}

func (g *Groups) pruneIfEmpty(boardID string, grp *group) {
	g.mu.Lock()
	defer g.mu.Unlock()
	grp.mu.Lock()
	defer grp.mu.Unlock()
	if current, ok := g.groups[boardID]; ok && current == grp && len(grp.members) == 0 {
		delete(g.groups, boardID)
	}
}

func (grp *group) deliver(frame []byte, excludeConnID string) []Connection {
	var failed []Connection
	for id, member := range grp.members {
		if id == excludeConnID {
			continue
		}
		if err := member.conn.Send(frame); err != nil {
			failed = append(failed, member.conn)
		}
	}
	return failed
}

// dropFailed closes connections whose queue overflowed. The closed connection
// goes through normal disconnect cleanup and its client resyncs on rejoin.
func (g *Groups) dropFailed(boardID string, failed []Connection) {
	for _, conn := range failed {
		g.logger.Warn("connection send queue full, closing",
			zap.String("board_id", boardID),
			zap.String("connection_id", conn.ID()),
		)
		_ = conn.Close()
	}
}
