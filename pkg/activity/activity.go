// Package activity keeps the session's bounded audit trails: a
// field-level change history and a human-readable activity feed. Both
// are newest-first, capped, and evict from the tail.
package activity

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zonehub/collab/pkg/logger"
	"github.com/zonehub/collab/pkg/models"
	"github.com/zonehub/collab/pkg/transport"
	"github.com/zonehub/collab/pkg/wire"
)

const (
	// ChangeHistoryCap bounds the change-history trail.
	ChangeHistoryCap = 100
	// ActivityFeedCap bounds the activity feed.
	ActivityFeedCap = 50
)

// Option configures a Recorder.
type Option func(r *Recorder)

// WithLogger routes recorder logs.
func WithLogger(log logger.Logger) Option {
	return func(r *Recorder) {
		r.logger = log
	}
}

// Recorder accumulates both trails and broadcasts local entries.
type Recorder struct {
	bus    transport.Transport
	user   models.User
	logger logger.Logger

	mu      sync.Mutex
	history []models.ChangeHistoryItem
	feed    []models.Activity
}

// New creates a recorder for the given user and registers its wire
// handlers on the bus.
func New(bus transport.Transport, user models.User, opts ...Option) *Recorder {
	r := &Recorder{
		bus:    bus,
		user:   user,
		logger: logger.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}

	bus.On(wire.EventChangeHistory, r.onChangeHistory)
	bus.On(wire.EventActivityNew, r.onActivity)

	return r
}

// RecordChange appends a change-history entry for one save and
// broadcasts it.
func (r *Recorder) RecordChange(action models.ChangeAction, entityType, entityID string, changes []models.FieldChange) models.ChangeHistoryItem {
	item := models.ChangeHistoryItem{
		ID:         ulid.Make().String(),
		UserID:     r.user.ID,
		User:       r.user,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Changes:    changes,
		Timestamp:  time.Now().UTC(),
	}

	r.mu.Lock()
	r.history = prependChange(r.history, item, ChangeHistoryCap)
	r.mu.Unlock()

	if err := r.bus.Emit(wire.EventChangeHistory, wire.ChangeHistoryEvent{ChangeHistoryItem: item}); err != nil {
		r.logger.Warn("change history not broadcast", "entity", models.EntityKey(entityType, entityID), "error", err)
	}
	return item
}

// RecordActivity appends an activity-feed entry and broadcasts it.
func (r *Recorder) RecordActivity(action, entityType, entityID, entityName, details string) models.Activity {
	entry := models.Activity{
		ID:         ulid.Make().String(),
		UserID:     r.user.ID,
		User:       r.user,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		EntityName: entityName,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	r.mu.Lock()
	r.feed = prependActivity(r.feed, entry, ActivityFeedCap)
	r.mu.Unlock()

	if err := r.bus.Emit(wire.EventActivityNew, wire.ActivityEvent{Activity: entry}); err != nil {
		r.logger.Warn("activity not broadcast", "action", action, "error", err)
	}
	return entry
}

// History returns the change trail, newest first.
func (r *Recorder) History() []models.ChangeHistoryItem {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.ChangeHistoryItem, len(r.history))
	copy(out, r.history)
	return out
}

// Feed returns the activity feed, newest first.
func (r *Recorder) Feed() []models.Activity {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Activity, len(r.feed))
	copy(out, r.feed)
	return out
}

func (r *Recorder) onChangeHistory(env wire.Envelope) {
	var event wire.ChangeHistoryEvent
	if err := wire.DecodeInto(env, &event); err != nil {
		r.logger.Warn("ignoring malformed change history", "error", err)
		return
	}
	if event.ChangeHistoryItem.UserID == r.user.ID {
		return
	}

	r.mu.Lock()
	r.history = prependChange(r.history, event.ChangeHistoryItem, ChangeHistoryCap)
	r.mu.Unlock()
}

func (r *Recorder) onActivity(env wire.Envelope) {
	var event wire.ActivityEvent
	if err := wire.DecodeInto(env, &event); err != nil {
		r.logger.Warn("ignoring malformed activity", "error", err)
		return
	}
	if event.Activity.UserID == r.user.ID {
		return
	}

	r.mu.Lock()
	r.feed = prependActivity(r.feed, event.Activity, ActivityFeedCap)
	r.mu.Unlock()
}

func prependChange(items []models.ChangeHistoryItem, item models.ChangeHistoryItem, limit int) []models.ChangeHistoryItem {
	items = append([]models.ChangeHistoryItem{item}, items...)
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func prependActivity(items []models.Activity, item models.Activity, limit int) []models.Activity {
	items = append([]models.Activity{item}, items...)
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}
