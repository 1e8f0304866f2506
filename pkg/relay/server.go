// Package relay is the collaboration server: it authenticates sessions, orders and relays their changes per diagram,
// keeps the authoritative graph of each diagram and backs it up to the store.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/diagram-sync/pkg/change"
	"github.com/astromechza/diagram-sync/pkg/diagram"
	"github.com/astromechza/diagram-sync/pkg/store"
	"github.com/astromechza/diagram-sync/pkg/wire"
)

type Options struct {
	// IdleTimeout drops sessions that send nothing, not even a ping, for this long.
	IdleTimeout    time.Duration
	AuthTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int

	Authenticator *Authenticator
	// Store, when set, seeds rooms with their last saved graph.
	Store *store.Store
	// Backup, when set, receives every room graph after each applied change.
	Backup  *store.WriteBehind
	Metrics *Metrics
	Logger  *slog.Logger
}

type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Authenticator == nil {
		opts.Authenticator = NewAuthenticator("")
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 90 * time.Second
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SendBufferSize <= 0 {
		opts.SendBufferSize = 256
	}
	return &Server{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		rooms: map[string]*room{},
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.opts.Metrics.HTTPRequests.WithLabelValues(request.Method, strconv.Itoa(m.Code)).Inc()
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/diagrams/{diagram}/latest").HandlerFunc(s.getLatest)
	r.Methods(http.MethodGet).Path("/diagrams/{diagram}/ws").HandlerFunc(s.syncDiagram)
	r.Methods(http.MethodGet).Path("/metrics").Handler(s.opts.Metrics.Handler())
	return r
}

// Close drops every session. Hijacked websocket connections are not closed by http.Server.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	rooms := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.mu.Unlock()
	for _, rm := range rooms {
		for _, sess := range rm.members() {
			sess.close()
		}
	}
}

// Snapshots returns a copy of every diagram held in memory.
func (s *Server) Snapshots() map[string]*diagram.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*diagram.Graph, len(s.rooms))
	for id, rm := range s.rooms {
		out[id] = rm.snapshot()
	}
	return out
}

func (s *Server) room(ctx context.Context, id string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("server is shutting down")
	}
	if rm, ok := s.rooms[id]; ok {
		return rm, nil
	}
	var g *diagram.Graph
	if s.opts.Store != nil {
		loaded, err := s.opts.Store.Load(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		g = loaded
	}
	rm := newRoom(id, g)
	s.rooms[id] = rm
	s.opts.Metrics.Rooms.Set(float64(len(s.rooms)))
	s.logger.Info("opened diagram", "diagram", id, "nodes", len(rm.graph.Nodes), "edges", len(rm.graph.Edges))
	return rm, nil
}

func (s *Server) getLatest(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["diagram"]
	s.mu.Lock()
	rm, ok := s.rooms[id]
	s.mu.Unlock()

	var g *diagram.Graph
	switch {
	case ok:
		g = rm.snapshot()
	case s.opts.Store != nil:
		loaded, err := s.opts.Store.Load(request.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writer.WriteHeader(http.StatusNotFound)
			return
		} else if err != nil {
			s.logger.Error("failed to load diagram", "diagram", id, "err", err)
			writer.WriteHeader(http.StatusInternalServerError)
			return
		}
		g = loaded
	default:
		writer.WriteHeader(http.StatusNotFound)
		return
	}

	raw, err := diagram.Encode(g)
	if err != nil {
		s.logger.Error("failed to encode diagram", "diagram", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/json")
	if _, err := writer.Write(raw); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) syncDiagram(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["diagram"]
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer ws.Close()

	identity, err := s.authenticate(ws)
	if err != nil {
		s.logger.Info("rejected session", "diagram", id, "err", err)
		writeDirect(ws, s.opts.WriteTimeout, wire.NewError("authentication failed: %v", err))
		return
	}
	rm, err := s.room(request.Context(), id)
	if err != nil {
		s.logger.Error("failed to open diagram", "diagram", id, "err", err)
		writeDirect(ws, s.opts.WriteTimeout, wire.NewError("diagram unavailable"))
		return
	}

	sess := newSession(uuid.NewString(), identity, ws, s.opts.SendBufferSize, s.logger.With("diagram", id))
	go sess.writeLoop(s.opts.WriteTimeout)
	defer sess.close()

	rm.join(sess)
	s.opts.Metrics.Sessions.Inc()
	sess.logger.Info("session joined")
	defer func() {
		rm.leave(sess)
		s.opts.Metrics.Sessions.Dec()
		sess.logger.Info("session left")
	}()

	for {
		_ = ws.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		_, p, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sess.logger.Info("session read ended", "err", err)
			}
			return
		}
		msg, err := wire.Decode(p)
		if err != nil {
			s.opts.Metrics.Messages.WithLabelValues("malformed").Inc()
			sess.enqueue(wire.NewError("malformed message: %v", err))
			continue
		}
		s.handleMessage(rm, sess, msg)
	}
}

func (s *Server) authenticate(ws *websocket.Conn) (Identity, error) {
	_ = ws.SetReadDeadline(time.Now().Add(s.opts.AuthTimeout))
	_, p, err := ws.ReadMessage()
	if err != nil {
		return Identity{}, err
	}
	msg, err := wire.Decode(p)
	if err != nil {
		return Identity{}, err
	}
	if msg.Type != wire.Authenticate {
		return Identity{}, errors.New("expected authenticate message first")
	}
	s.opts.Metrics.Messages.WithLabelValues(string(msg.Type)).Inc()
	return s.opts.Authenticator.Authenticate(msg.Credential)
}

func (s *Server) handleMessage(rm *room, sess *session, msg wire.Message) {
	switch msg.Type {
	case wire.ChangeSubmitted, wire.RequestResync, wire.PeerEditing, wire.Ping, wire.Authenticate:
		s.opts.Metrics.Messages.WithLabelValues(string(msg.Type)).Inc()
	default:
		s.opts.Metrics.Messages.WithLabelValues("unknown").Inc()
	}

	switch msg.Type {
	case wire.ChangeSubmitted:
		if msg.Change == nil {
			s.opts.Metrics.ChangesRejected.Inc()
			sess.enqueue(wire.NewError("change_submitted without a change"))
			return
		}
		c := *msg.Change
		if err := change.Validate(c); err != nil {
			s.opts.Metrics.ChangesRejected.Inc()
			sess.enqueue(wire.NewError("rejected change %s: %v", c.ID, err))
			return
		}
		if c.ID == "" {
			c.ID = change.NewChangeID()
		}
		g := rm.apply(sess, c)
		s.opts.Metrics.ChangesApplied.Inc()
		if s.opts.Backup != nil {
			s.opts.Backup.Mark(rm.id, g)
		}
		sess.enqueue(wire.Message{Type: wire.ChangeAcknowledged, ChangeID: c.ID})
	case wire.RequestResync:
		rm.sync(sess)
	case wire.PeerEditing:
		rm.relay(sess, wire.Message{Type: wire.PeerEditing, Sender: sess.id, TargetID: msg.TargetID, Editing: msg.Editing})
	case wire.Ping:
		sess.enqueue(wire.Message{Type: wire.Pong, Timestamp: time.Now().UnixMilli()})
	case wire.Authenticate:
		sess.enqueue(wire.NewError("already authenticated"))
	default:
		sess.enqueue(wire.NewError("unknown message type %q", msg.Type))
	}
}

func writeDirect(ws *websocket.Conn, timeout time.Duration, msg wire.Message) {
	raw, err := wire.Encode(msg)
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(timeout))
	_ = ws.WriteMessage(websocket.TextMessage, raw)
}

// session is one authenticated websocket connection. All writes go through send and a single writer goroutine.
type session struct {
	id       string
	identity Identity
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *slog.Logger
}

func newSession(id string, identity Identity, ws *websocket.Conn, buffer int, logger *slog.Logger) *session {
	return &session{
		id:       id,
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		logger:   logger.With("session", id, "user", identity.UserID),
	}
}

func (s *session) peer() wire.Peer {
	return wire.Peer{ID: s.id, Name: s.identity.Name}
}

// enqueue never blocks: a session that cannot keep up is disconnected and will resync when it returns.
func (s *session) enqueue(msg wire.Message) {
	raw, err := wire.Encode(msg)
	if err != nil {
		s.logger.Error("failed to encode outgoing message", "err", err)
		return
	}
	select {
	case <-s.done:
	case s.send <- raw:
	default:
		s.logger.Warn("send buffer full, dropping session")
		s.close()
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ws.Close()
	})
}

func (s *session) writeLoop(timeout time.Duration) {
	for {
		select {
		case raw := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.logger.Info("session write failed", "err", err)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}
