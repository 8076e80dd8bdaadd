// Package awareness carries the ephemeral per-connection state of the
// session: who is here, what they are pointing at, what they have
// selected. Nothing here is persisted or replayed; a peer's state
// exists only while its connection does.
package awareness

import (
	"sync"
	"time"

	"github.com/zonehub/collab/pkg/logger"
	"github.com/zonehub/collab/pkg/models"
	"github.com/zonehub/collab/pkg/transport"
	"github.com/zonehub/collab/pkg/wire"
)

// PeerState is one connection's announced ephemeral state. The same
// user on two tabs appears as two peers.
type PeerState struct {
	ConnID string
	User   models.User
	State  map[string]any
}

// Option configures a Channel.
type Option func(c *Channel)

// WithLogger routes awareness logs.
func WithLogger(log logger.Logger) Option {
	return func(c *Channel) {
		c.logger = log
	}
}

// Channel is this connection's view of the awareness plane.
type Channel struct {
	bus    transport.Transport
	connID string
	user   models.User
	logger logger.Logger

	mu    sync.Mutex
	local map[string]any
	peers map[string]PeerState
	// cursors keeps the latest pointer position per user id. An
	// off-screen cursor (x = y = -1) removes the entry.
	cursors map[string]models.Cursor
}

// New creates the awareness channel for one connection and registers
// its wire handlers on the bus.
func New(bus transport.Transport, connID string, user models.User, opts ...Option) *Channel {
	c := &Channel{
		bus:     bus,
		connID:  connID,
		user:    user,
		logger:  logger.Nop{},
		local:   make(map[string]any),
		peers:   make(map[string]PeerState),
		cursors: make(map[string]models.Cursor),
	}
	for _, opt := range opts {
		opt(c)
	}

	bus.On(wire.EventAwareness, c.onAwareness)
	bus.On(wire.EventCursorUpdate, c.onCursor)

	return c
}

// SetLocal merges a field into the local ephemeral state and
// broadcasts the full state. A dropped broadcast is fine; the next
// update or the announce after reconnect carries the current state.
func (c *Channel) SetLocal(field string, value any) {
	c.mu.Lock()
	c.local[field] = value
	state := copyState(c.local)
	c.mu.Unlock()

	c.broadcast(state)
}

// ClearLocal removes a field from the local state and broadcasts.
func (c *Channel) ClearLocal(field string) {
	c.mu.Lock()
	delete(c.local, field)
	state := copyState(c.local)
	c.mu.Unlock()

	c.broadcast(state)
}

// Announce rebroadcasts the full local state. The session calls it on
// join and after a reconnect.
func (c *Channel) Announce() {
	c.mu.Lock()
	state := copyState(c.local)
	c.mu.Unlock()

	c.broadcast(state)
}

// States returns every known peer state keyed by connection id, this
// connection excluded.
func (c *Channel) States() map[string]PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]PeerState, len(c.peers))
	for id, peer := range c.peers {
		out[id] = PeerState{ConnID: peer.ConnID, User: peer.User, State: copyState(peer.State)}
	}
	return out
}

// Drop removes a connection's state. The session calls it on
// user:left.
func (c *Channel) Drop(connID string) {
	c.mu.Lock()
	peer, ok := c.peers[connID]
	delete(c.peers, connID)
	if ok {
		// The cursor belongs to the user; drop it only if no other
		// connection of the same user remains.
		remains := false
		for _, other := range c.peers {
			if other.User.ID == peer.User.ID {
				remains = true
				break
			}
		}
		if !remains {
			delete(c.cursors, peer.User.ID)
		}
	}
	c.mu.Unlock()
}

// SetCursor broadcasts this user's pointer position. Pass x = y = -1
// when the pointer leaves the viewport.
func (c *Channel) SetCursor(x, y int, page string) {
	cursor := models.Cursor{
		UserID:    c.user.ID,
		X:         x,
		Y:         y,
		Page:      page,
		Timestamp: time.Now().UnixMilli(),
	}

	if err := c.bus.Emit(wire.EventCursorUpdate, wire.CursorUpdate{Cursor: cursor}); err != nil {
		c.logger.Debug("cursor update not sent", "error", err)
	}
}

// Cursors returns the latest on-screen cursor per user.
func (c *Channel) Cursors() map[string]models.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]models.Cursor, len(c.cursors))
	for id, cursor := range c.cursors {
		out[id] = cursor
	}
	return out
}

func copyState(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (c *Channel) broadcast(state map[string]any) {
	err := c.bus.Emit(wire.EventAwareness, wire.AwarenessUpdate{
		ConnID: c.connID,
		User:   c.user,
		State:  state,
	})
	if err != nil {
		c.logger.Debug("awareness update not sent", "error", err)
	}
}

func (c *Channel) onAwareness(env wire.Envelope) {
	var update wire.AwarenessUpdate
	if err := wire.DecodeInto(env, &update); err != nil {
		c.logger.Warn("ignoring malformed awareness update", "error", err)
		return
	}
	if update.ConnID == c.connID {
		return
	}

	c.mu.Lock()
	c.peers[update.ConnID] = PeerState{
		ConnID: update.ConnID,
		User:   update.User,
		State:  update.State,
	}
	c.mu.Unlock()
}

func (c *Channel) onCursor(env wire.Envelope) {
	var update wire.CursorUpdate
	if err := wire.DecodeInto(env, &update); err != nil {
		c.logger.Warn("ignoring malformed cursor update", "error", err)
		return
	}
	if update.UserID == c.user.ID {
		return
	}

	c.mu.Lock()
	if update.OffScreen() {
		delete(c.cursors, update.UserID)
	} else {
		// Latest write per user wins; stale timestamps lose.
		if prev, ok := c.cursors[update.UserID]; !ok || update.Timestamp >= prev.Timestamp {
			c.cursors[update.UserID] = update.Cursor
		}
	}
	c.mu.Unlock()
}
