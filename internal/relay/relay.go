// Package relay implements the coordinator the clients connect to: a
// websocket hub that keeps one room per collaboration session, fans
// every event out to the other peers in the room, and arbitrates the
// advisory edit locks.
package relay

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/zonehub/collab/internal/rand"
	"github.com/zonehub/collab/pkg/logger"
	"github.com/zonehub/collab/pkg/models"
	"github.com/zonehub/collab/pkg/wire"
)

// DefaultPingInterval is how often the relay pings idle connections.
const DefaultPingInterval = 30 * time.Second

const writeTimeout = 10 * time.Second

// Option configures a Server.
type Option func(s *Server)

// WithLogger routes relay logs.
func WithLogger(log logger.Logger) Option {
	return func(s *Server) {
		s.logger = log
	}
}

// WithPingInterval overrides DefaultPingInterval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = d
	}
}

// Server is the relay. It implements http.Handler; every request is a
// websocket upgrade carrying `session`, `user`, `conn` and `name`
// query parameters.
type Server struct {
	logger       logger.Logger
	pingInterval time.Duration
	upgrader     gorilla.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

// NewServer creates a relay.
func NewServer(opts ...Option) *Server {
	s := &Server{
		logger:       logger.Nop{},
		pingInterval: DefaultPingInterval,
		upgrader: gorilla.Upgrader{
			EnableCompression: true,
			Subprotocols:      []string{"cbor"},
			// The surrounding deployment handles origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rooms: make(map[string]*room),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// room is one collaboration session: its peers and its lock table.
type room struct {
	id string

	mu      sync.Mutex
	clients map[*client]bool
	// locks maps entity key to the holding user id.
	locks map[string]string
}

type client struct {
	conn   *gorilla.Conn
	connID string
	userID string
	name   string

	writeMu sync.Mutex
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(gorilla.BinaryMessage, data)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(gorilla.PingMessage, nil)
}

// ServeHTTP upgrades the connection and runs it until the peer goes
// away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID := query.Get("session")
	userID := query.Get("user")
	if sessionID == "" || userID == "" {
		http.Error(w, "session and user query parameters are required", http.StatusBadRequest)
		return
	}
	connID := query.Get("conn")
	if connID == "" {
		connID = rand.CorrelationID(16)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		connID: connID,
		userID: userID,
		name:   query.Get("name"),
	}
	rm := s.joinRoom(sessionID, c)
	s.logger.Info("peer joined", "room", sessionID, "user", userID, "conn", connID)

	done := make(chan struct{})
	go s.pingLoop(c, done)

	s.readLoop(rm, c)

	close(done)
	s.leaveRoom(rm, c)
	s.logger.Info("peer left", "room", sessionID, "user", userID, "conn", connID)
}

func (s *Server) joinRoom(sessionID string, c *client) *room {
	s.mu.Lock()
	rm, ok := s.rooms[sessionID]
	if !ok {
		rm = &room{
			id:      sessionID,
			clients: make(map[*client]bool),
			locks:   make(map[string]string),
		}
		s.rooms[sessionID] = rm
	}
	s.mu.Unlock()

	rm.mu.Lock()
	rm.clients[c] = true
	rm.mu.Unlock()

	s.broadcast(rm, c, mustEncode(wire.EventUserJoined, wire.UserJoined{
		ConnID: c.connID,
		User:   models.User{ID: c.userID, Name: c.name}.WithColor(),
	}))
	return rm
}

// leaveRoom drops the client, frees its user's locks if no other
// connection of the same user remains, and announces the departure.
func (s *Server) leaveRoom(rm *room, c *client) {
	rm.mu.Lock()
	delete(rm.clients, c)

	userRemains := false
	for other := range rm.clients {
		if other.userID == c.userID {
			userRemains = true
			break
		}
	}

	var freed []string
	if !userRemains {
		for key, holder := range rm.locks {
			if holder == c.userID {
				delete(rm.locks, key)
				freed = append(freed, key)
			}
		}
	}
	empty := len(rm.clients) == 0
	rm.mu.Unlock()

	for _, key := range freed {
		s.logger.Info("lock freed by disconnect", "room", rm.id, "entity", key, "user", c.userID)
		s.broadcast(rm, nil, mustEncode(wire.EventLockRelease, wire.LockRelease{
			EntityID: key,
			UserID:   c.userID,
		}))
	}

	s.broadcast(rm, nil, mustEncode(wire.EventUserLeft, wire.UserLeft{
		ConnID: c.connID,
		UserID: c.userID,
	}))

	if empty {
		s.mu.Lock()
		if current, ok := s.rooms[rm.id]; ok && current == rm {
			rm.mu.Lock()
			if len(rm.clients) == 0 {
				delete(s.rooms, rm.id)
			}
			rm.mu.Unlock()
		}
		s.mu.Unlock()
	}

	_ = c.conn.Close()
}

func (s *Server) readLoop(rm *room, c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			s.logger.Warn("dropping malformed frame", "room", rm.id, "conn", c.connID, "error", err)
			continue
		}

		switch env.Event {
		case wire.EventLockRequest:
			s.handleLockRequest(rm, c, env)
		case wire.EventLockRelease:
			s.handleLockRelease(rm, c, env, data)
		default:
			s.broadcast(rm, c, data)
		}
	}
}

// handleLockRequest grants when the lock is free or re-requested by
// its holder, denies otherwise. The response goes to the whole room so
// every peer can track the holder.
func (s *Server) handleLockRequest(rm *room, c *client, env wire.Envelope) {
	var req wire.LockRequest
	if err := wire.DecodeInto(env, &req); err != nil {
		s.logger.Warn("dropping malformed lock request", "room", rm.id, "error", err)
		return
	}

	rm.mu.Lock()
	holder, taken := rm.locks[req.EntityID]
	granted := !taken || holder == req.UserID
	if granted {
		rm.locks[req.EntityID] = req.UserID
	}
	rm.mu.Unlock()

	s.logger.Debug("lock request", "room", rm.id, "entity", req.EntityID,
		"user", req.UserID, "granted", granted)

	s.broadcast(rm, nil, mustEncode(wire.EventLockResponse, wire.LockResponse{
		EntityID: req.EntityID,
		UserID:   req.UserID,
		Granted:  granted,
	}))
}

func (s *Server) handleLockRelease(rm *room, c *client, env wire.Envelope, data []byte) {
	var rel wire.LockRelease
	if err := wire.DecodeInto(env, &rel); err != nil {
		s.logger.Warn("dropping malformed lock release", "room", rm.id, "error", err)
		return
	}

	rm.mu.Lock()
	if rm.locks[rel.EntityID] == rel.UserID {
		delete(rm.locks, rel.EntityID)
	}
	rm.mu.Unlock()

	s.broadcast(rm, c, data)
}

// broadcast sends a frame to every client in the room except the
// sender. Pass a nil sender to reach everyone.
func (s *Server) broadcast(rm *room, sender *client, data []byte) {
	rm.mu.Lock()
	targets := make([]*client, 0, len(rm.clients))
	for c := range rm.clients {
		if c != sender {
			targets = append(targets, c)
		}
	}
	rm.mu.Unlock()

	for _, c := range targets {
		if err := c.write(data); err != nil {
			s.logger.Debug("write to peer failed", "room", rm.id, "conn", c.connID, "error", err)
		}
	}
}

func (s *Server) pingLoop(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

// Holder reports the lock holder for an entity in a room. Used by
// tests and operational introspection.
func (s *Server) Holder(sessionID, entityKey string) (string, bool) {
	s.mu.Lock()
	rm, ok := s.rooms[sessionID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	holder, ok := rm.locks[entityKey]
	return holder, ok
}

// Close drops every connection in every room.
func (s *Server) Close() {
	s.mu.Lock()
	rooms := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		rooms = append(rooms, rm)
	}
	s.rooms = make(map[string]*room)
	s.mu.Unlock()

	for _, rm := range rooms {
		rm.mu.Lock()
		for c := range rm.clients {
			_ = c.conn.Close()
		}
		rm.mu.Unlock()
	}
}

func mustEncode(event string, payload any) []byte {
	data, err := wire.Encode(event, payload)
	if err != nil {
		panic(fmt.Sprintf("relay: encode %s: %v", event, err))
	}
	return data
}
