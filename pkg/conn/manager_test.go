package conn

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/diagram-sync/pkg/wire"
)

type fakeServer struct {
	*httptest.Server
	upgrader websocket.Upgrader

	connections atomic.Int32
	reject      bool
	// dropFirst closes the first session right after it is established.
	dropFirst bool
	// greeting is written straight after connection_established.
	greeting []wire.Message

	mu       sync.Mutex
	received []wire.Message
}

func newFakeServer(t *testing.T, configure func(*fakeServer)) *fakeServer {
	fs := &fakeServer{}
	if configure != nil {
		configure(fs)
	}
	fs.Server = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	n := fs.connections.Add(1)

	_, p, err := ws.ReadMessage()
	if err != nil {
		return
	}
	auth, err := wire.Decode(p)
	if err != nil || auth.Type != wire.Authenticate {
		return
	}
	if fs.reject {
		raw, _ := wire.Encode(wire.NewError("bad credential"))
		_ = ws.WriteMessage(websocket.TextMessage, raw)
		return
	}
	raw, _ := wire.Encode(wire.Message{Type: wire.ConnectionEstablished, Sender: auth.Credential})
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return
	}
	for _, msg := range fs.greeting {
		raw, _ := wire.Encode(msg)
		if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
	if fs.dropFirst && n == 1 {
		return
	}
	for {
		_, p, err := ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(p)
		if err != nil {
			continue
		}
		fs.mu.Lock()
		fs.received = append(fs.received, msg)
		fs.mu.Unlock()
	}
}

func (fs *fakeServer) messages(typ wire.Type) []wire.Message {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []wire.Message
	for _, m := range fs.received {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func testSettings(url string) *Settings {
	s := DefaultSettings(url, "alice")
	s.HeartbeatInterval = 0
	s.Backoff = Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, MaxAttempts: 3}
	return s
}

func newTestManager(t *testing.T, s *Settings) *Manager {
	m := NewManager(context.Background(), s, slog.Default())
	t.Cleanup(m.Close)
	return m
}

func TestConnectAuthenticatesAndSendsInOrder(t *testing.T) {
	fs := newFakeServer(t, nil)
	m := newTestManager(t, testSettings(fs.wsURL()))

	var states []State
	var mu sync.Mutex
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	established := make(chan wire.Message, 1)
	m.OnMessage(func(msg wire.Message) {
		if msg.Type == wire.ConnectionEstablished {
			established <- msg
		}
	})

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, "alice", m.Identity())
	select {
	case msg := <-established:
		assert.Equal(t, "alice", msg.Sender)
	case <-time.After(time.Second):
		t.Fatal("connection_established was not dispatched")
	}

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.Send(wire.Message{Type: wire.PeerEditing, TargetID: id, Editing: true}))
	}
	require.Eventually(t, func() bool { return len(fs.messages(wire.PeerEditing)) == 4 }, time.Second, 5*time.Millisecond)
	var order []string
	for _, msg := range fs.messages(wire.PeerEditing) {
		order = append(order, msg.TargetID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, order)

	mu.Lock()
	assert.Equal(t, []State{Connecting, Authenticating, Connected}, states)
	mu.Unlock()
}

func TestInboundDispatchedOneAtATimeInOrder(t *testing.T) {
	fs := newFakeServer(t, func(fs *fakeServer) {
		fs.greeting = []wire.Message{
			{Type: wire.PeerJoined, Sender: "bob"},
			{Type: wire.PeerLeft, Sender: "bob"},
		}
	})
	m := newTestManager(t, testSettings(fs.wsURL()))

	var mu sync.Mutex
	var order []wire.Type
	var inside, maxInside atomic.Int32
	m.OnMessage(func(msg wire.Message) {
		if n := inside.Add(1); n > maxInside.Load() {
			maxInside.Store(n)
		}
		defer inside.Add(-1)
		if msg.Type == wire.ConnectionEstablished {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, msg.Type)
		mu.Unlock()
	})

	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []wire.Type{wire.ConnectionEstablished, wire.PeerJoined, wire.PeerLeft}, order)
	mu.Unlock()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestSendWhileDisconnected(t *testing.T) {
	m := newTestManager(t, testSettings("ws://127.0.0.1:1/never"))
	assert.ErrorIs(t, m.Send(wire.Message{Type: wire.Ping}), ErrNotConnected)
}

func TestConnectIsNoopWhenConnected(t *testing.T) {
	fs := newFakeServer(t, nil)
	m := newTestManager(t, testSettings(fs.wsURL()))
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, int32(1), fs.connections.Load())
}

func TestRejectedAuthentication(t *testing.T) {
	fs := newFakeServer(t, func(fs *fakeServer) { fs.reject = true })
	s := testSettings(fs.wsURL())
	s.Backoff.Base = time.Hour
	m := newTestManager(t, s)

	err := m.Connect(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "authenticate", terr.Op)
	assert.Contains(t, err.Error(), "bad credential")
	assert.Equal(t, Disconnected, m.State())
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	fs := newFakeServer(t, func(fs *fakeServer) { fs.dropFirst = true })
	m := newTestManager(t, testSettings(fs.wsURL()))

	var established atomic.Int32
	m.OnMessage(func(msg wire.Message) {
		if msg.Type == wire.ConnectionEstablished {
			established.Add(1)
		}
	})
	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return fs.connections.Load() == 2 && m.State() == Connected && established.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Send(wire.Message{Type: wire.RequestResync}))
	require.Eventually(t, func() bool { return len(fs.messages(wire.RequestResync)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestReconnectGivesUp(t *testing.T) {
	fs := newFakeServer(t, nil)
	url := fs.wsURL()
	fs.Close()

	m := newTestManager(t, testSettings(url))
	errs := make(chan error, 16)
	m.OnError(func(err error) { errs <- err })

	require.Error(t, m.Connect(context.Background()))

	deadline := time.After(2 * time.Second)
	failures := 0
	for {
		select {
		case err := <-errs:
			failures++
			if errors.Is(err, ErrConnectionExhausted) {
				assert.Equal(t, 4, failures)
				assert.Equal(t, Disconnected, m.State())
				return
			}
		case <-deadline:
			t.Fatalf("never exhausted, saw %d failures", failures)
		}
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	fs := newFakeServer(t, nil)
	url := fs.wsURL()
	fs.Close()

	s := testSettings(url)
	s.Backoff.Base = time.Hour
	s.Backoff.Max = time.Hour
	m := newTestManager(t, s)
	require.Error(t, m.Connect(context.Background()))

	m.mu.Lock()
	assert.NotNil(t, m.reconnect)
	m.mu.Unlock()

	m.Disconnect()
	m.mu.Lock()
	assert.Nil(t, m.reconnect)
	m.mu.Unlock()
	assert.Equal(t, Disconnected, m.State())
}

func TestManualDisconnectDoesNotReconnect(t *testing.T) {
	fs := newFakeServer(t, nil)
	m := newTestManager(t, testSettings(fs.wsURL()))
	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, int32(1), fs.connections.Load())
}

func TestHeartbeatSendsPing(t *testing.T) {
	fs := newFakeServer(t, nil)
	s := testSettings(fs.wsURL())
	s.HeartbeatInterval = 10 * time.Millisecond
	m := newTestManager(t, s)
	require.NoError(t, m.Connect(context.Background()))
	require.Eventually(t, func() bool { return len(fs.messages(wire.Ping)) >= 2 }, time.Second, 5*time.Millisecond)
}
