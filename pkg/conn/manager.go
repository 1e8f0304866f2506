// Package conn owns the websocket session of one diagram: connect, authenticate, heartbeat, reconnect with backoff,
// FIFO outbound sends and inbound dispatch.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/diagram-sync/pkg/wire"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var ErrNotConnected = errors.New("not connected")

// TransportError wraps any lower level I/O failure. It is always treated as a disconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type Settings struct {
	URL        string
	Credential string

	HandshakeTimeout  time.Duration
	AuthTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	Backoff           Backoff

	SendBufferSize int
}

func DefaultSettings(url string, credential string) *Settings {
	return &Settings{
		URL:               url,
		Credential:        credential,
		HandshakeTimeout:  5 * time.Second,
		AuthTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		Backoff: Backoff{
			Base:        3 * time.Second,
			Max:         30 * time.Second,
			MaxAttempts: 5,
		},
		SendBufferSize: 64,
	}
}

type Manager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	settings *Settings
	dialer   *websocket.Dialer
	logger   *slog.Logger

	mu sync.Mutex
	// epoch changes on every manual Connect and Disconnect so stale attempts and timers can tell they lost.
	epoch     uint64
	state     State
	failures  int
	identity  string
	reconnect *time.Timer
	session   *session
	handler   func(wire.Message)
	onState   []func(State)
	onError   []func(error)
}

func NewManager(ctx context.Context, settings *Settings, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.SendBufferSize <= 0 {
		settings.SendBufferSize = 1
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Manager{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		logger: logger.With("url", settings.URL),
	}
}

// OnMessage installs the inbound handler, replacing any previous one. Messages are delivered one at a time in
// arrival order from the reading goroutine.
func (m *Manager) OnMessage(handler func(wire.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// OnStateChange registers an observer of state transitions.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = append(m.onState, fn)
}

// OnError registers an observer of transport failures, including the terminal ErrConnectionExhausted.
func (m *Manager) OnError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = append(m.onError, fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity is the sender id the server assigned on the last successful authentication.
func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Connect starts a fresh connection attempt, resetting the retry budget. Failures are fed to the reconnect backoff;
// the error of this first attempt is also returned. Calling Connect while a session is active or being set up does
// nothing.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	m.epoch++
	m.failures = 0
	m.stopReconnectLocked()
	epoch := m.epoch
	m.mu.Unlock()
	return m.attempt(ctx, epoch)
}

// Disconnect closes the transport and cancels any scheduled reconnect. The manager stays disconnected until Connect
// is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	m.stopReconnectLocked()
	s := m.session
	m.session = nil
	changed := m.state != Disconnected
	m.state = Disconnected
	observers := append([]func(State){}, m.onState...)
	m.mu.Unlock()

	if s != nil {
		s.close(true)
	}
	if changed {
		m.logger.Info("disconnected")
		for _, fn := range observers {
			fn(Disconnected)
		}
	}
}

// Close disconnects and releases the manager. It cannot be reused.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
}

// Send queues msg on the current connection. Messages queued on one connection are written in order.
func (m *Manager) Send(msg wire.Message) error {
	m.mu.Lock()
	s := m.session
	state := m.state
	m.mu.Unlock()
	if state != Connected || s == nil {
		return ErrNotConnected
	}
	raw, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case s.send <- raw:
		return nil
	case <-s.ctx.Done():
		return ErrNotConnected
	}
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// transition moves to state s if epoch is still current.
func (m *Manager) transition(epoch uint64, s State) bool {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return false
	}
	changed := m.state != s
	m.state = s
	observers := append([]func(State){}, m.onState...)
	m.mu.Unlock()
	if changed {
		m.logger.Info("connection state changed", "state", s.String())
		for _, fn := range observers {
			fn(s)
		}
	}
	return true
}

func (m *Manager) attempt(ctx context.Context, epoch uint64) error {
	if err := m.ctx.Err(); err != nil {
		return err
	}
	if !m.transition(epoch, Connecting) {
		return nil
	}

	ws, _, err := m.dialer.DialContext(ctx, m.settings.URL, nil)
	if err != nil {
		terr := &TransportError{Op: "dial", Err: err}
		m.fail(epoch, terr)
		return terr
	}

	if !m.transition(epoch, Authenticating) {
		_ = ws.Close()
		return nil
	}
	established, err := m.authenticate(ws)
	if err != nil {
		_ = ws.Close()
		terr := &TransportError{Op: "authenticate", Err: err}
		m.fail(epoch, terr)
		return terr
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	s := newSession(m.ctx, ws, m.settings.SendBufferSize)
	m.session = s
	m.failures = 0
	m.identity = established.Sender
	m.mu.Unlock()

	if !m.transition(epoch, Connected) {
		s.close(true)
		return nil
	}

	go m.writePump(epoch, s)
	// connection_established must reach the handler before anything the read pump sees
	m.dispatch(established)
	go m.readPump(epoch, s)
	return nil
}

// authenticate sends the credential and waits for the server to confirm the session.
func (m *Manager) authenticate(ws *websocket.Conn) (wire.Message, error) {
	raw, err := wire.Encode(wire.Message{Type: wire.Authenticate, Credential: m.settings.Credential})
	if err != nil {
		return wire.Message{}, err
	}
	if m.settings.WriteTimeout > 0 {
		_ = ws.SetWriteDeadline(time.Now().Add(m.settings.WriteTimeout))
	}
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return wire.Message{}, fmt.Errorf("failed to write authentication: %w", err)
	}
	if m.settings.AuthTimeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(m.settings.AuthTimeout))
	}
	for {
		_, p, err := ws.ReadMessage()
		if err != nil {
			return wire.Message{}, fmt.Errorf("failed to read authentication response: %w", err)
		}
		msg, err := wire.Decode(p)
		if err != nil {
			return wire.Message{}, err
		}
		switch msg.Type {
		case wire.ConnectionEstablished:
			_ = ws.SetReadDeadline(time.Time{})
			return msg, nil
		case wire.Error:
			return wire.Message{}, fmt.Errorf("authentication rejected: %s", msg.Message)
		default:
			m.logger.Debug("ignoring message before authentication", "type", msg.Type)
		}
	}
}

// fail records a failed attempt or a lost session and schedules the next attempt according to the backoff.
func (m *Manager) fail(epoch uint64, cause error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.session = nil
	m.failures++
	failures := m.failures
	delay, berr := m.settings.Backoff.Next(failures)
	if berr == nil && m.ctx.Err() == nil {
		m.reconnect = time.AfterFunc(delay, func() {
			m.mu.Lock()
			current := m.epoch == epoch && m.state == Disconnected
			m.reconnect = nil
			m.mu.Unlock()
			if current {
				_ = m.attempt(m.ctx, epoch)
			}
		})
	}
	m.mu.Unlock()

	m.transition(epoch, Disconnected)

	err := cause
	if berr != nil {
		err = fmt.Errorf("%w after %d failures: %v", ErrConnectionExhausted, failures-1, cause)
		m.logger.Error("giving up on connection", "failures", failures-1, "err", cause)
	} else {
		m.logger.Info("connection failed, retrying", "attempt", failures, "delay", delay, "err", cause)
	}
	m.mu.Lock()
	observers := append([]func(error){}, m.onError...)
	m.mu.Unlock()
	for _, fn := range observers {
		fn(err)
	}
}

func (m *Manager) dispatch(msg wire.Message) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// ended is called by whichever pump stops first.
func (m *Manager) ended(epoch uint64, s *session, cause error) {
	if !s.finish() {
		return
	}
	s.cancel()
	_ = s.ws.Close()
	m.mu.Lock()
	current := m.session == s
	m.mu.Unlock()
	if current {
		m.fail(epoch, cause)
	}
}

func (m *Manager) readPump(epoch uint64, s *session) {
	defer s.cancel()
	for {
		_, p, err := s.ws.ReadMessage()
		if err != nil {
			m.ended(epoch, s, &TransportError{Op: "read", Err: err})
			return
		}
		msg, err := wire.Decode(p)
		if err != nil {
			m.logger.Error("dropping undecodable message", "err", err)
			continue
		}
		m.dispatch(msg)
	}
}

func (m *Manager) writePump(epoch uint64, s *session) {
	defer s.cancel()
	var heartbeat <-chan time.Time
	if m.settings.HeartbeatInterval > 0 {
		t := time.NewTicker(m.settings.HeartbeatInterval)
		defer t.Stop()
		heartbeat = t.C
	}
	ping, _ := wire.Encode(wire.Message{Type: wire.Ping})

	write := func(raw []byte) bool {
		if m.settings.WriteTimeout > 0 {
			_ = s.ws.SetWriteDeadline(time.Now().Add(m.settings.WriteTimeout))
		}
		if err := s.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
			// a websocket write deadline cannot be recovered from
			_ = s.ws.Close()
			m.ended(epoch, s, &TransportError{Op: "write", Err: err})
			return false
		}
		return true
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case raw := <-s.send:
			if !write(raw) {
				return
			}
		case <-heartbeat:
			if !write(ping) {
				return
			}
		}
	}
}

type session struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	mu       sync.Mutex
	finished bool
}

func newSession(ctx context.Context, ws *websocket.Conn, buffer int) *session {
	sctx, cancel := context.WithCancel(ctx)
	return &session{ws: ws, ctx: sctx, cancel: cancel, send: make(chan []byte, buffer)}
}

// finish marks the session as over and reports whether this call was the first to do so.
func (s *session) finish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.finished = true
	return true
}

func (s *session) close(graceful bool) {
	s.finish()
	s.cancel()
	if graceful {
		_ = s.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "manual disconnect"),
			time.Now().Add(time.Second),
		)
	}
	_ = s.ws.Close()
}
