package realtime

import (
	"encoding/json"
	"testing"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testIdentities = staticResolver{
	"a": {UserID: "user-a", Username: "Ada", Email: "ada@example.com"},
	"b": {UserID: "user-b", Username: "Bob"},
	"c": {UserID: "user-c", Username: "Cy"},
	"x": {UserID: "anon-1", Username: "Anonymous Owl", Anonymous: true},
	"y": {UserID: "anon-2", Username: "Anonymous Owl", Anonymous: true},
}

type client struct {
	conn    *mockConn
	session *Session
}

func connect(f fixture, connID, token string) client {
	conn := newMockConn(connID)
	return client{conn: conn, session: f.handler.Connect(conn, token)}
}

func (c client) send(t *testing.T, f fixture, event string, payload any) {
	t.Helper()
	f.handler.Handle(c.session, frame(t, event, payload))
}

func lastError(t *testing.T, conn *mockConn) protocol.ErrorPayload {
	t.Helper()
	errs := conn.events(t, protocol.EventError)
	require.NotEmpty(t, errs, "expected an error event")
	return decodeData[protocol.ErrorPayload](t, errs[len(errs)-1])
}

func TestNewHandlerRequiresDependencies(t *testing.T) {
	_, err := NewHandler(HandlerConfig{Identities: testIdentities})
	require.ErrorIs(t, err, errMissingRoomStore)

	_, err = NewHandler(HandlerConfig{Rooms: rooms.NewStore(rooms.StoreConfig{})})
	require.ErrorIs(t, err, errMissingIdentityResolver)
}

func TestJoinAnnouncesToPeers(t *testing.T) {
	f := newFixture(t, testIdentities)
	a := connect(f, "conn-a", "a")
	b := connect(f, "conn-b", "b")

	a.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	states := a.conn.events(t, protocol.EventBoardState)
	require.Len(t, states, 1)
	state := decodeData[protocol.BoardState](t, states[0])
	assert.Equal(t, "b1", state.BoardID)
	assert.Equal(t, int64(0), state.Version)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "user-a", state.Users[0].ID)
	assert.Equal(t, rooms.Palette[0], state.Users[0].Color)
	assert.Empty(t, state.CanvasState)

	b.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	joined := a.conn.events(t, protocol.EventUserJoined)
	require.Len(t, joined, 1)
	announce := decodeData[protocol.UserJoined](t, joined[0])
	assert.Equal(t, "user-b", announce.User.ID)
	assert.Equal(t, "Bob", announce.User.Username)
	assert.Equal(t, rooms.Palette[1], announce.User.Color)
	assert.Equal(t, 2, announce.TotalUsers)

	bState := decodeData[protocol.BoardState](t, b.conn.events(t, protocol.EventBoardState)[0])
	require.Len(t, bState.Users, 2)
	assert.Equal(t, []string{"user-a", "user-b"}, []string{bState.Users[0].ID, bState.Users[1].ID})
	assert.Empty(t, b.conn.events(t, protocol.EventUserJoined), "joiner must not see its own announcement")
}

func TestCanvasAddReachesPeersOnlyWithServerTimestamp(t *testing.T) {
	f := newFixture(t, testIdentities)
	a := connect(f, "conn-a", "a")
	b := connect(f, "conn-b", "b")
	a.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	b.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	a.conn.reset()

	object := json.RawMessage(`{"kind":"rect","w":10,"h":20}`)
	a.send(t, f, protocol.EventCanvasAction, protocol.CanvasAction{
		Type:      protocol.ActionAdd,
		ObjectID:  "o1",
		Object:    object,
		BoardID:   "b1",
		UserID:    "spoofed",
		Timestamp: 1,
	})

	assert.Empty(t, a.conn.envelopes(t), "sender must not receive its own action")
	actions := b.conn.events(t, protocol.EventCanvasAction)
	require.Len(t, actions, 1)
	relayed := decodeData[protocol.CanvasAction](t, actions[0])
	assert.Equal(t, protocol.ActionAdd, relayed.Type)
	assert.Equal(t, "o1", relayed.ObjectID)
	assert.Equal(t, "user-a", relayed.UserID)
	assert.Equal(t, fixedNow.UnixMilli(), relayed.Timestamp)
	assert.JSONEq(t, string(object), string(relayed.Object))

	state := f.rooms.Snapshot("b1")
	assert.Equal(t, int64(1), state.Version)
	assert.JSONEq(t, string(object), string(state.CanvasState))
}

func TestVersionBumpsOnlyForSnapshotCarryingEvents(t *testing.T) {
	f := newFixture(t, testIdentities)
	a := connect(f, "conn-a", "a")
	b := connect(f, "conn-b", "b")
	a.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	b.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})

	steps := []struct {
		event   string
		payload any
		version int64
	}{
		{protocol.EventCanvasAction, protocol.CanvasAction{Type: protocol.ActionAdd, ObjectID: "o1", Object: json.RawMessage(`{"n":1}`), BoardID: "b1"}, 1},
		{protocol.EventCanvasAction, protocol.CanvasAction{Type: protocol.ActionUpdate, ObjectID: "o1", Object: json.RawMessage(`{"n":2}`), BoardID: "b1"}, 2},
		{protocol.EventCanvasAction, protocol.CanvasAction{Type: protocol.ActionDelete, ObjectID: "o1", BoardID: "b1"}, 2},
		{protocol.EventCanvasAction, protocol.CanvasAction{Type: protocol.ActionClear, BoardID: "b1"}, 2},
		{protocol.EventDrawStart, protocol.DrawPoint{X: 1, Y: 1, Color: "#000", Width: 2, Tool: "pen", BoardID: "b1"}, 2},
		{protocol.EventDrawEnd, protocol.DrawEnd{BoardID: "b1"}, 2},
		{protocol.EventDrawEnd, protocol.DrawEnd{BoardID: "b1", Object: json.RawMessage(`{"stroke":[1,2]}`)}, 3},
	}
	for _, step := range steps {
		a.send(t, f, step.event, step.payload)
		assert.Equal(t, step.version, f.rooms.Snapshot("b1").Version, "after %s", step.event)
	}
	assert.Len(t, b.conn.events(t, protocol.EventCanvasAction), 4)
	assert.Len(t, b.conn.events(t, protocol.EventDrawEnd), 2)
	assert.Empty(t, a.conn.events(t, protocol.EventError))
}

func TestDrawAndTextRelaysCarryAuthor(t *testing.T) {
	f := newFixture(t, testIdentities)
	a := connect(f, "conn-a", "a")
	b := connect(f, "conn-b", "b")
	a.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	b.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})

	pressure := 0.5
	a.send(t, f, protocol.EventDrawMove, protocol.DrawPoint{X: 3, Y: 4, Color: "#f00", Width: 2, Tool: "pen", Pressure: &pressure, BoardID: "b1"})
	text := "hello"
	a.send(t, f, protocol.EventTextUpdate, protocol.TextEdit{ObjectID: "t1", BoardID: "b1", Text: &text})
	a.send(t, f, protocol.EventSelectionChange, protocol.SelectionChange{BoardID: "b1"})

	move := decodeData[protocol.DrawPoint](t, b.conn.events(t, protocol.EventDrawMove)[0])
	assert.Equal(t, "user-a", move.UserID)
	assert.Equal(t, "Ada", move.Username)
	require.NotNil(t, move.Pressure)
	assert.InDelta(t, 0.5, *move.Pressure, 1e-9)

	edit := decodeData[protocol.TextEdit](t, b.conn.events(t, protocol.EventTextUpdate)[0])
	assert.Equal(t, "t1", edit.ObjectID)
	require.NotNil(t, edit.Text)
	assert.Equal(t, "hello", *edit.Text)
	assert.Equal(t, "Ada", edit.Username)

	selection := decodeData[protocol.SelectionChange](t, b.conn.events(t, protocol.EventSelectionChange)[0])
	assert.Equal(t, []string{}, selection.Objects)
	assert.Equal(t, "user-a", selection.UserID)
}

func TestCursorRelayAddsColorAndRecordsPosition(t *testing.T) {
	f := newFixture(t, testIdentities)
	a := connect(f, "conn-a", "a")
	b := connect(f, "conn-b", "b")
	a.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	b.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})

	a.send(t, f, protocol.EventCursorMove, protocol.CursorMove{X: 10, Y: 12, BoardID: "b1", Color: "#bogus"})

	cursors := b.conn.events(t, protocol.EventCursorMove)
	require.Len(t, cursors, 1)
	cursor := decodeData[protocol.CursorMove](t, cursors[0])
	assert.Equal(t, protocol.CursorMove{X: 10, Y: 12, BoardID: "b1", UserID: "user-a", Username: "Ada", Color: rooms.Palette[0]}, cursor)

	member, ok := f.rooms.Member("b1", "user-a")
	require.True(t, ok)
	require.NotNil(t, member.Cursor)
	assert.Equal(t, rooms.Point{X: 10, Y: 12}, *member.Cursor)
}

func TestRelayRequiresMembership(t *testing.T) {
	f := newFixture(t, testIdentities)
	a := connect(f, "conn-a", "a")
	b := connect(f, "conn-b", "b")
	b.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	b.conn.reset()

	a.send(t, f, protocol.EventCanvasAction, protocol.CanvasAction{Type: protocol.ActionAdd, ObjectID: "o1", Object: json.RawMessage(`{}`), BoardID: "b1"})

	assert.Equal(t, protocol.CodeNotJoined, lastError(t, a.conn).Code)
	assert.Empty(t, b.conn.envelopes(t))
	assert.Equal(t, int64(0), f.rooms.Snapshot("b1").Version)
}

func TestInboundErrorsGoToSenderOnly(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		code  string
	}{
		{name: "not json", frame: []byte("{"), code: protocol.CodeInvalidPayload},
		{name: "missing event", frame: []byte(`{"data":{}}`), code: protocol.CodeInvalidPayload},
		{name: "unknown event", frame: []byte(`{"event":"board:explode","data":{}}`), code: protocol.CodeUnknownEvent},
		{name: "join without data", frame: []byte(`{"event":"board:join"}`), code: protocol.CodeInvalidPayload},
		{name: "join blank board", frame: []byte(`{"event":"board:join","data":{"boardId":"  "}}`), code: protocol.CodeInvalidPayload},
		{name: "add without object", frame: []byte(`{"event":"canvas:action","data":{"type":"add","objectId":"o1","boardId":"b1"}}`), code: protocol.CodeInvalidAction},
		{name: "unknown action", frame: []byte(`{"event":"canvas:action","data":{"type":"rotate","boardId":"b1"}}`), code: protocol.CodeInvalidAction},
		{name: "leave unjoined board", frame: []byte(`{"event":"board:leave","data":{"boardId":"b9"}}`), code: protocol.CodeNotJoined},
		{name: "cursor on unjoined board", frame: []byte(`{"event":"cursor:move","data":{"x":1,"y":2,"boardId":"b9"}}`), code: protocol.CodeNotJoined},
		{name: "text without object", frame: []byte(`{"event":"text:start","data":{"boardId":"b1"}}`), code: protocol.CodeInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testIdentities)
			a := connect(f, "conn-a", "a")
			b := connect(f, "conn-b", "b")
			a.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
			b.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
			b.conn.reset()

			f.handler.Handle(a.session, tt.frame)

			payload := lastError(t, a.conn)
			assert.Equal(t, tt.code, payload.Code)
			assert.NotEmpty(t, payload.Message)
			assert.Empty(t, b.conn.envelopes(t))
		})
	}
}

func TestPingRepliesPong(t *testing.T) {
	f := newFixture(t, testIdentities)
	a := connect(f, "conn-a", "a")

	f.handler.Handle(a.session, []byte(`{"event":"ping"}`))

	envelopes := a.conn.envelopes(t)
	require.Len(t, envelopes, 1)
	assert.Equal(t, protocol.EventPong, envelopes[0].Event)
	assert.Empty(t, envelopes[0].Data)
}

func TestDisconnectLeavesEveryJoinedBoard(t *testing.T) {
	f := newFixture(t, testIdentities)
	a := connect(f, "conn-a", "a")
	b := connect(f, "conn-b", "b")
	for _, board := range []string{"b1", "b2"} {
		a.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: board})
		b.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: board})
	}
	b.conn.reset()

	f.handler.Disconnect(a.session)
	f.handler.Disconnect(a.session)

	left := b.conn.events(t, protocol.EventUserLeft)
	require.Len(t, left, 2)
	for _, envelope := range left {
		payload := decodeData[protocol.UserLeft](t, envelope)
		assert.Equal(t, protocol.UserLeft{UserID: "user-a", Username: "Ada", TotalUsers: 1}, payload)
	}
	for _, board := range []string{"b1", "b2"} {
		members := f.rooms.Members(board)
		require.Len(t, members, 1)
		assert.Equal(t, "user-b", members[0].ID)
		assert.False(t, f.groups.Contains(board, "conn-a"))
	}
	assert.Empty(t, a.session.Boards())
	assert.Equal(t, Stats{Rooms: 2, Members: 2, Connections: 1}, f.handler.Stats())
}

func TestEmptiedBoardStartsFresh(t *testing.T) {
	f := newFixture(t, testIdentities)
	a := connect(f, "conn-a", "a")
	b := connect(f, "conn-b", "b")
	a.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	b.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	a.send(t, f, protocol.EventCanvasAction, protocol.CanvasAction{Type: protocol.ActionAdd, ObjectID: "o1", Object: json.RawMessage(`{}`), BoardID: "b1"})

	a.send(t, f, protocol.EventBoardLeave, protocol.BoardRef{BoardID: "b1"})
	b.send(t, f, protocol.EventBoardLeave, protocol.BoardRef{BoardID: "b1"})
	assert.Equal(t, Stats{Rooms: 0, Members: 0, Connections: 2}, f.handler.Stats())

	c := connect(f, "conn-c", "c")
	c.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})

	state := decodeData[protocol.BoardState](t, c.conn.events(t, protocol.EventBoardState)[0])
	assert.Equal(t, int64(0), state.Version)
	assert.Empty(t, state.CanvasState)
	require.Len(t, state.Users, 1)
	assert.Equal(t, "user-c", state.Users[0].ID)
}

func TestSecondTabKeepsUserPresent(t *testing.T) {
	f := newFixture(t, testIdentities)
	tab1 := connect(f, "conn-a1", "a")
	tab2 := connect(f, "conn-a2", "a")
	b := connect(f, "conn-b", "b")
	for _, c := range []client{tab1, tab2, b} {
		c.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	}
	b.conn.reset()

	f.handler.Disconnect(tab1.session)
	assert.Empty(t, b.conn.events(t, protocol.EventUserLeft))
	assert.Equal(t, 2, f.rooms.MemberCount("b1"))

	f.handler.Disconnect(tab2.session)
	left := b.conn.events(t, protocol.EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, 1, decodeData[protocol.UserLeft](t, left[0]).TotalUsers)
}

func TestRejoinIsFreshJoin(t *testing.T) {
	f := newFixture(t, testIdentities)
	a := connect(f, "conn-a", "a")
	b := connect(f, "conn-b", "b")
	a.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	b.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})

	b.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})

	assert.Len(t, b.conn.events(t, protocol.EventBoardState), 2)
	assert.Len(t, a.conn.events(t, protocol.EventUserJoined), 2)
	assert.Equal(t, 2, f.rooms.MemberCount("b1"))
	member, ok := f.rooms.Member("b1", "user-b")
	require.True(t, ok)
	assert.Equal(t, rooms.Palette[1], member.Color)
}

func TestAnonymousNamesAreUniquePerBoard(t *testing.T) {
	f := newFixture(t, testIdentities)
	x := connect(f, "conn-x", "x")
	y := connect(f, "conn-y", "y")
	x.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})
	y.send(t, f, protocol.EventBoardJoin, protocol.BoardRef{BoardID: "b1"})

	first, _ := f.rooms.Member("b1", "anon-1")
	second, _ := f.rooms.Member("b1", "anon-2")
	assert.Equal(t, "Anonymous Owl", first.Username)
	assert.Equal(t, users.UniqueAnonymousName("Anonymous Owl", func(name string) bool { return name == "Anonymous Owl" }), second.Username)
	assert.NotEqual(t, first.Username, second.Username)

	y.send(t, f, protocol.EventDrawStart, protocol.DrawPoint{BoardID: "b1", Tool: "pen"})
	relayed := decodeData[protocol.DrawPoint](t, x.conn.events(t, protocol.EventDrawStart)[0])
	assert.Equal(t, second.Username, relayed.Username)
}
