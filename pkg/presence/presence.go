// Package presence tracks the advisory presence status of every user
// in the session: online, idle or away, with a last-seen timestamp.
// Status is whatever the peer reported; nothing here infers activity.
package presence

import (
	"sync"
	"time"

	"github.com/zonehub/collab/pkg/logger"
	"github.com/zonehub/collab/pkg/models"
	"github.com/zonehub/collab/pkg/transport"
	"github.com/zonehub/collab/pkg/wire"
)

// Option configures a Tracker.
type Option func(t *Tracker)

// WithLogger routes tracker logs.
func WithLogger(log logger.Logger) Option {
	return func(t *Tracker) {
		t.logger = log
	}
}

// Tracker keeps the presence table for the session.
type Tracker struct {
	bus    transport.Transport
	userID string
	logger logger.Logger

	mu      sync.Mutex
	entries map[string]models.PresenceEntry
	now     func() time.Time
}

// New creates a tracker for the given user and registers its wire
// handlers on the bus.
func New(bus transport.Transport, userID string, opts ...Option) *Tracker {
	t := &Tracker{
		bus:     bus,
		userID:  userID,
		logger:  logger.Nop{},
		entries: make(map[string]models.PresenceEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	bus.On(wire.EventPresenceUpdate, t.onPresence)

	return t
}

// SetStatus records this user's status locally and broadcasts it.
func (t *Tracker) SetStatus(status models.PresenceStatus) error {
	if !status.Valid() {
		status = models.StatusOnline
	}

	t.mu.Lock()
	t.entries[t.userID] = models.PresenceEntry{Status: status, LastSeen: t.now().UTC()}
	t.mu.Unlock()

	if err := t.bus.Emit(wire.EventPresenceUpdate, wire.PresenceUpdate{
		UserID: t.userID,
		Status: status,
	}); err != nil {
		t.logger.Debug("presence update not sent", "status", status, "error", err)
		return err
	}
	return nil
}

// Announce rebroadcasts this user's current status so a newly joined
// peer learns it. Defaults to online when no status was set yet.
func (t *Tracker) Announce() error {
	t.mu.Lock()
	entry, ok := t.entries[t.userID]
	t.mu.Unlock()

	status := entry.Status
	if !ok {
		status = models.StatusOnline
	}
	return t.SetStatus(status)
}

// Touch marks a user online with a fresh last-seen timestamp. The
// session calls it on join and on any heartbeat-like signal from the
// peer; the bus keeps one handler per event, so join and leave fan out
// from the session rather than being registered here.
func (t *Tracker) Touch(userID string) {
	t.mu.Lock()
	t.entries[userID] = models.PresenceEntry{Status: models.StatusOnline, LastSeen: t.now().UTC()}
	t.mu.Unlock()
}

// Remove drops a user from the table.
func (t *Tracker) Remove(userID string) {
	t.mu.Lock()
	delete(t.entries, userID)
	t.mu.Unlock()
}

// Get returns one user's presence entry.
func (t *Tracker) Get(userID string) (models.PresenceEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[userID]
	return entry, ok
}

// All returns a copy of the presence table.
func (t *Tracker) All() map[string]models.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]models.PresenceEntry, len(t.entries))
	for id, entry := range t.entries {
		out[id] = entry
	}
	return out
}

func (t *Tracker) onPresence(env wire.Envelope) {
	var update wire.PresenceUpdate
	if err := wire.DecodeInto(env, &update); err != nil {
		t.logger.Warn("ignoring malformed presence update", "error", err)
		return
	}
	if update.UserID == t.userID {
		return
	}

	t.mu.Lock()
	t.entries[update.UserID] = models.PresenceEntry{
		Status:   update.Status,
		LastSeen: t.now().UTC(),
	}
	t.mu.Unlock()
}
