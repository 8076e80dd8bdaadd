// Package collab assembles the collaboration engine: a Session owns
// the transport, the shared document store, awareness, advisory edit
// locks, comments, presence and the audit trails, and tears them all
// down together. Construction is explicit; there is no package-level
// state.
package collab

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zonehub/collab/pkg/activity"
	"github.com/zonehub/collab/pkg/awareness"
	"github.com/zonehub/collab/pkg/comments"
	"github.com/zonehub/collab/pkg/docstore"
	"github.com/zonehub/collab/pkg/editlock"
	"github.com/zonehub/collab/pkg/logger"
	"github.com/zonehub/collab/pkg/models"
	"github.com/zonehub/collab/pkg/presence"
	"github.com/zonehub/collab/pkg/transport"
	"github.com/zonehub/collab/pkg/wire"
)

// Option configures a Session.
type Option func(o *options)

type options struct {
	logger        logger.Logger
	connID        string
	cachePath     string
	lockTimeout   time.Duration
	typingTimeout time.Duration
}

// WithLogger routes logs from the session and every component.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		o.logger = log
	}
}

// WithConnID overrides the generated connection id. Two tabs of the
// same user get distinct connection ids.
func WithConnID(id string) Option {
	return func(o *options) {
		o.connID = id
	}
}

// WithCachePath enables the durable document cache at the given sqlite
// path.
func WithCachePath(path string) Option {
	return func(o *options) {
		o.cachePath = path
	}
}

// WithLockTimeout overrides the edit-lock request timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(o *options) {
		o.lockTimeout = d
	}
}

// WithTypingTimeout overrides the typing indicator idle timeout.
func WithTypingTimeout(d time.Duration) Option {
	return func(o *options) {
		o.typingTimeout = d
	}
}

// Session is one user's connection to a collaboration room.
type Session struct {
	bus    transport.Transport
	user   models.User
	connID string
	logger logger.Logger
	cache  *docstore.Cache

	docs      *docstore.Store
	awareness *awareness.Channel
	locks     *editlock.Arbiter
	comments  *comments.Store
	presence  *presence.Tracker
	activity  *activity.Recorder

	mu     sync.Mutex
	closed bool
}

// New wires a session over an already-connected transport and
// announces the user to the room. The caller keeps ownership of
// nothing: Close tears the whole session down, transport included.
func New(bus transport.Transport, user models.User, opts ...Option) (*Session, error) {
	o := &options{
		logger: logger.Nop{},
		connID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Session{
		bus:    bus,
		user:   user.WithColor(),
		connID: o.connID,
		logger: o.logger,
	}

	docOpts := []docstore.Option{docstore.WithLogger(o.logger)}
	if o.cachePath != "" {
		cache, err := docstore.OpenCache(o.cachePath)
		if err != nil {
			return nil, err
		}
		s.cache = cache
		docOpts = append(docOpts, docstore.WithCache(cache))
	}

	// The replica id is the connection id: unique per connection, so
	// two tabs of one user are two independent replicas.
	s.docs = docstore.New(bus, s.connID, docOpts...)
	s.awareness = awareness.New(bus, s.connID, s.user, awareness.WithLogger(o.logger))

	lockOpts := []editlock.Option{editlock.WithLogger(o.logger)}
	if o.lockTimeout > 0 {
		lockOpts = append(lockOpts, editlock.WithTimeout(o.lockTimeout))
	}
	s.locks = editlock.New(bus, s.user.ID, lockOpts...)

	commentOpts := []comments.Option{comments.WithLogger(o.logger)}
	if o.typingTimeout > 0 {
		commentOpts = append(commentOpts, comments.WithTypingTimeout(o.typingTimeout))
	}
	s.comments = comments.New(bus, s.user, commentOpts...)

	s.presence = presence.New(bus, s.user.ID, presence.WithLogger(o.logger))
	s.activity = activity.New(bus, s.user, activity.WithLogger(o.logger))

	// Join and leave fan out from here; the bus keeps one handler per
	// event name.
	bus.On(wire.EventUserJoined, s.onUserJoined)
	bus.On(wire.EventUserLeft, s.onUserLeft)

	if rc, ok := bus.(*transport.Reconnecting); ok {
		rc.OnReconnect = s.onReconnected
	}

	s.announce()
	return s, nil
}

// User returns the session identity, presence color filled in.
func (s *Session) User() models.User { return s.user }

// ConnID returns this connection's id.
func (s *Session) ConnID() string { return s.connID }

// Awareness returns the ephemeral state channel.
func (s *Session) Awareness() *awareness.Channel { return s.awareness }

// Locks returns the advisory edit-lock arbiter.
func (s *Session) Locks() *editlock.Arbiter { return s.locks }

// Comments returns the comment store.
func (s *Session) Comments() *comments.Store { return s.comments }

// Presence returns the presence tracker.
func (s *Session) Presence() *presence.Tracker { return s.presence }

// Activity returns the audit-trail recorder.
func (s *Session) Activity() *activity.Recorder { return s.activity }

// announce makes this connection visible to the room.
func (s *Session) announce() {
	s.presence.Touch(s.user.ID)

	if err := s.bus.Emit(wire.EventUserJoined, wire.UserJoined{
		ConnID: s.connID,
		User:   s.user,
	}); err != nil {
		s.logger.Warn("join announcement not sent", "error", err)
	}
	if err := s.presence.SetStatus(models.StatusOnline); err != nil {
		s.logger.Debug("presence announcement not sent", "error", err)
	}
}

// onReconnected runs after the transport re-establishes the link:
// replicas re-sync, the room re-learns this connection.
func (s *Session) onReconnected() {
	s.logger.Info("session reconnected, re-syncing")
	s.announce()
	s.awareness.Announce()
	s.docs.Resync()
}

func (s *Session) onUserJoined(env wire.Envelope) {
	var joined wire.UserJoined
	if err := wire.DecodeInto(env, &joined); err != nil {
		s.logger.Warn("ignoring malformed join", "error", err)
		return
	}
	if joined.ConnID == s.connID {
		return
	}

	s.presence.Touch(joined.User.ID)
	// Let the newcomer learn this connection's ephemeral state and
	// this user's status.
	s.awareness.Announce()
	if err := s.presence.Announce(); err != nil {
		s.logger.Debug("presence re-announcement not sent", "error", err)
	}
}

func (s *Session) onUserLeft(env wire.Envelope) {
	var left wire.UserLeft
	if err := wire.DecodeInto(env, &left); err != nil {
		s.logger.Warn("ignoring malformed leave", "error", err)
		return
	}
	if left.ConnID == s.connID {
		return
	}

	s.awareness.Drop(left.ConnID)
	s.presence.Remove(left.UserID)
}

// Close releases every held lock, says goodbye and tears down the
// transport. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.locks.ReleaseAll()
	s.comments.Close()

	if err := s.bus.Emit(wire.EventUserLeft, wire.UserLeft{
		ConnID: s.connID,
		UserID: s.user.ID,
	}); err != nil {
		s.logger.Debug("leave announcement not sent", "error", err)
	}

	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("document cache close failed", "error", err)
		}
	}

	return s.bus.Close(ctx)
}
