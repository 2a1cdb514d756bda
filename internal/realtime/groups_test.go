package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/rooms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func enterPlain(t *testing.T, groups *Groups, boardID string, conn *mockConn, userID string) {
	t.Helper()
	require.NoError(t, groups.Enter(boardID, conn, userID, func() ([]byte, []byte, error) {
		return nil, nil, nil
	}))
}

func broadcast(t *testing.T, groups *Groups, boardID string, frame []byte, excludeConnID string) int {
	t.Helper()
	delivered, err := groups.BroadcastFunc(boardID, excludeConnID, func() ([]byte, error) {
		return frame, nil
	})
	require.NoError(t, err)
	return delivered
}

func TestEnterDeliversReplyAndAnnounce(t *testing.T) {
	groups := NewGroups(nil)
	first := newMockConn("c1")
	second := newMockConn("c2")
	enterPlain(t, groups, "b1", first, "u1")

	err := groups.Enter("b1", second, "u2", func() ([]byte, []byte, error) {
		return []byte("reply"), []byte("announce"), nil
	})
	require.NoError(t, err)

	assert.Equal(t, [][]byte{[]byte("announce")}, first.frames)
	assert.Equal(t, [][]byte{[]byte("reply")}, second.frames)
	boards, connections := groups.Stats()
	assert.Equal(t, 1, boards)
	assert.Equal(t, 2, connections)
}

func TestEnterFailureLeavesNoGroup(t *testing.T) {
	groups := NewGroups(nil)
	conn := newMockConn("c1")

	err := groups.Enter("b1", conn, "u1", func() ([]byte, []byte, error) {
		return nil, nil, errors.New("encode failed")
	})
	require.Error(t, err)

	assert.False(t, groups.Contains("b1", "c1"))
	boards, _ := groups.Stats()
	assert.Zero(t, boards)
}

func TestExitReportsRemainingConnectionsOfUser(t *testing.T) {
	groups := NewGroups(nil)
	tab1 := newMockConn("c1")
	tab2 := newMockConn("c2")
	other := newMockConn("c3")
	enterPlain(t, groups, "b1", tab1, "u1")
	enterPlain(t, groups, "b1", tab2, "u1")
	enterPlain(t, groups, "b1", other, "u2")

	var observed []bool
	exit := func(stillPresent bool) ([]byte, error) {
		observed = append(observed, stillPresent)
		return []byte("left"), nil
	}

	present, err := groups.Exit("b1", "c1", exit)
	require.NoError(t, err)
	assert.True(t, present)
	present, err = groups.Exit("b1", "c2", exit)
	require.NoError(t, err)
	assert.True(t, present)
	present, err = groups.Exit("b1", "missing", exit)
	require.NoError(t, err)
	assert.False(t, present)

	assert.Equal(t, []bool{true, false}, observed)
	assert.Len(t, other.frames, 2)
	assert.Len(t, tab2.frames, 1, "departed connections receive nothing")

	_, err = groups.Exit("b1", "c3", exit)
	require.NoError(t, err)
	boards, connections := groups.Stats()
	assert.Zero(t, boards)
	assert.Zero(t, connections)
}

func TestEnterWaitsForExitOnSameBoard(t *testing.T) {
	store := rooms.NewStore(rooms.StoreConfig{})
	groups := NewGroups(nil)
	require.NoError(t, groups.Enter("b1", newMockConn("c-a"), "a", func() ([]byte, []byte, error) {
		store.AddMember("b1", rooms.BoardUser{ID: "a", Username: "A"})
		return nil, nil, nil
	}))
	store.ApplyCanvasSnapshot("b1", json.RawMessage(`{"kind":"rect"}`))

	inExit := make(chan struct{})
	release := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_, err := groups.Exit("b1", "c-a", func(bool) ([]byte, error) {
			close(inExit)
			<-release
			store.RemoveMember("b1", "a")
			return nil, nil
		})
		assert.NoError(t, err)
	}()
	<-inExit

	var seen rooms.RoomState
	entered := make(chan struct{})
	go func() {
		defer close(entered)
		assert.NoError(t, groups.Enter("b1", newMockConn("c-c"), "c", func() ([]byte, []byte, error) {
			store.AddMember("b1", rooms.BoardUser{ID: "c", Username: "C"})
			seen = store.Snapshot("b1")
			return nil, nil, nil
		}))
	}()

	select {
	case <-entered:
		t.Fatalf("enter completed while the exit on the same board was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	<-exited
	<-entered

	require.Len(t, seen.Users, 1)
	assert.Contains(t, seen.Users, "c")
	assert.Zero(t, seen.Version)
	assert.Nil(t, seen.CanvasState)
	assert.True(t, groups.Contains("b1", "c-c"))
	boards, connections := groups.Stats()
	assert.Equal(t, 1, boards)
	assert.Equal(t, 1, connections)
}

func TestBroadcastExcludesSender(t *testing.T) {
	groups := NewGroups(nil)
	conns := []*mockConn{newMockConn("c1"), newMockConn("c2"), newMockConn("c3")}
	for i, conn := range conns {
		enterPlain(t, groups, "b1", conn, fmt.Sprintf("u%d", i))
	}

	delivered := broadcast(t, groups, "b1", []byte("event"), "c1")

	assert.Equal(t, 2, delivered)
	assert.Empty(t, conns[0].frames)
	assert.Len(t, conns[1].frames, 1)
	assert.Len(t, conns[2].frames, 1)
	assert.Zero(t, broadcast(t, groups, "nobody", []byte("event"), ""))
}

func TestBroadcastFuncSkipsBuildWithoutGroup(t *testing.T) {
	groups := NewGroups(nil)
	called := false

	delivered, err := groups.BroadcastFunc("b1", "", func() ([]byte, error) {
		called = true
		return []byte("x"), nil
	})

	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.False(t, called)
}

func TestFullQueueClosesConnection(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	groups := NewGroups(zap.New(core))
	healthy := newMockConn("c1")
	slow := newMockConn("c2")
	slow.capacity = 0
	enterPlain(t, groups, "b1", healthy, "u1")
	enterPlain(t, groups, "b1", slow, "u2")

	delivered := broadcast(t, groups, "b1", []byte("event"), "")

	assert.Equal(t, 1, delivered)
	assert.True(t, slow.isClosed())
	assert.False(t, healthy.isClosed())
	entries := logs.FilterMessage("connection send queue full, closing").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "c2", entries[0].ContextMap()["connection_id"])
}

func TestConcurrentBroadcastsKeepPerBoardOrder(t *testing.T) {
	groups := NewGroups(nil)
	receivers := []*mockConn{newMockConn("r1"), newMockConn("r2"), newMockConn("r3")}
	for i, conn := range receivers {
		enterPlain(t, groups, "b1", conn, fmt.Sprintf("u%d", i))
	}

	var (
		wg      sync.WaitGroup
		counter int
	)
	for sender := 0; sender < 8; sender++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := groups.BroadcastFunc("b1", "", func() ([]byte, error) {
					counter++
					return []byte(fmt.Sprintf("%d", counter)), nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, receivers[0].frames, 400)
	for _, conn := range receivers[1:] {
		assert.Equal(t, receivers[0].frames, conn.frames)
	}
	for i, frame := range receivers[0].frames {
		assert.Equal(t, fmt.Sprintf("%d", i+1), string(frame))
	}
}
