package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/whiteboard/backend/internal/users"
	"github.com/stretchr/testify/require"
)

var errQueueFull = errors.New("queue full")

type mockConn struct {
	id string

	mu       sync.Mutex
	frames   [][]byte
	capacity int
	closed   bool
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: id, capacity: -1}
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errQueueFull
	}
	if m.capacity >= 0 && len(m.frames) >= m.capacity {
		return errQueueFull
	}
	m.frames = append(m.frames, append([]byte(nil), frame...))
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	envelopes := make([]protocol.Envelope, 0, len(m.frames))
	for _, frame := range m.frames {
		envelope, err := protocol.Decode(frame)
		require.NoError(t, err)
		envelopes = append(envelopes, envelope)
	}
	return envelopes
}

func (m *mockConn) events(t *testing.T, event string) []protocol.Envelope {
	t.Helper()
	var matched []protocol.Envelope
	for _, envelope := range m.envelopes(t) {
		if envelope.Event == event {
			matched = append(matched, envelope)
		}
	}
	return matched
}

func (m *mockConn) reset() {
	m.mu.Lock()
	m.frames = nil
	m.mu.Unlock()
}

type staticResolver map[string]users.Identity

func (r staticResolver) Resolve(token string) users.Identity {
	return r[token]
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	handler *Handler
	rooms   *rooms.Store
	groups  *Groups
}

func newFixture(t *testing.T, resolver IdentityResolver) fixture {
	t.Helper()
	store := rooms.NewStore(rooms.StoreConfig{Clock: tickingClock()})
	groups := NewGroups(nil)
	handler, err := NewHandler(HandlerConfig{
		Rooms:      store,
		Groups:     groups,
		Identities: resolver,
		Clock:      func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return fixture{handler: handler, rooms: store, groups: groups}
}

// tickingClock advances one millisecond per call so join order is observable.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	current := fixedNow
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Millisecond)
		return current
	}
}

func decodeData[T any](t *testing.T, envelope protocol.Envelope) T {
	t.Helper()
	var value T
	require.NoError(t, json.Unmarshal(envelope.Data, &value))
	return value
}

func frame(t *testing.T, event string, payload any) []byte {
	t.Helper()
	encoded, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	return encoded
}
