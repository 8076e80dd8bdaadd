// Package editlock implements the advisory edit-lock protocol: a
// request/grant/release exchange with a coordinator that gives one
// user exclusive-write standing on an entity at a time.
//
// The lock is advisory only. It never blocks document writes; a
// non-holder can still mutate the shared map, and the conflict
// detector covers the consequence. Denials are values, not errors: a
// timeout, a transport failure and an explicit refusal all surface as
// granted=false.
package editlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zonehub/collab/pkg/logger"
	"github.com/zonehub/collab/pkg/transport"
	"github.com/zonehub/collab/pkg/wire"
)

// DefaultTimeout is how long a lock request waits for a response
// before resolving to a denial. Fail-closed: no retry.
const DefaultTimeout = 5 * time.Second

// ErrRequestPending is returned when a request for the same entity is
// already in flight.
var ErrRequestPending = errors.New("editlock: request already pending")

// Option configures an Arbiter.
type Option func(a *Arbiter)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Arbiter) {
		a.timeout = d
	}
}

// WithLogger routes arbiter logs.
func WithLogger(log logger.Logger) Option {
	return func(a *Arbiter) {
		a.logger = log
	}
}

// Arbiter is the client side of the edit-lock protocol.
type Arbiter struct {
	bus     transport.Transport
	userID  string
	timeout time.Duration
	logger  logger.Logger

	mu sync.Mutex
	// pending correlates in-flight requests with responses, keyed by
	// entity key. Channels are buffered so the response handler never
	// blocks on a requester that already timed out.
	pending map[string]chan bool
	// holders is the last observed holder per entity key.
	holders map[string]string
	// held marks the locks this user currently holds.
	held map[string]bool
}

// New creates an arbiter for the given user and registers its wire
// handlers on the bus.
func New(bus transport.Transport, userID string, opts ...Option) *Arbiter {
	a := &Arbiter{
		bus:     bus,
		userID:  userID,
		timeout: DefaultTimeout,
		logger:  logger.Nop{},
		pending: make(map[string]chan bool),
		holders: make(map[string]string),
		held:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}

	bus.On(wire.EventLockResponse, a.onResponse)
	bus.On(wire.EventLockRelease, a.onRelease)

	return a
}

// Request asks the coordinator for the lock on entityKey. It resolves
// false on denial, timeout, cancellation or a dropped emit; it never
// returns those as errors. The only error is ErrRequestPending for a
// duplicate in-flight request.
func (a *Arbiter) Request(ctx context.Context, entityKey string) (bool, error) {
	a.mu.Lock()
	if _, inFlight := a.pending[entityKey]; inFlight {
		a.mu.Unlock()
		return false, ErrRequestPending
	}
	ch := make(chan bool, 1)
	a.pending[entityKey] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, entityKey)
		a.mu.Unlock()
	}()

	err := a.bus.Emit(wire.EventLockRequest, wire.LockRequest{
		EntityID: entityKey,
		UserID:   a.userID,
	})
	if err != nil {
		a.logger.Warn("lock request not sent, treating as denied", "entity", entityKey, "error", err)
		return false, nil
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, nil
	case <-timer.C:
		a.logger.Debug("lock request timed out", "entity", entityKey, "timeout", a.timeout)
		return false, nil
	case granted := <-ch:
		if granted {
			a.mu.Lock()
			a.held[entityKey] = true
			a.holders[entityKey] = a.userID
			a.mu.Unlock()
		}
		return granted, nil
	}
}

// Release gives the lock back. Releasing a lock this user does not
// hold is a no-op.
func (a *Arbiter) Release(entityKey string) {
	a.mu.Lock()
	if !a.held[entityKey] {
		a.mu.Unlock()
		return
	}
	delete(a.held, entityKey)
	if a.holders[entityKey] == a.userID {
		delete(a.holders, entityKey)
	}
	a.mu.Unlock()

	if err := a.bus.Emit(wire.EventLockRelease, wire.LockRelease{
		EntityID: entityKey,
		UserID:   a.userID,
	}); err != nil {
		// The coordinator frees the lock on disconnect anyway.
		a.logger.Warn("lock release not sent", "entity", entityKey, "error", err)
	}
}

// ReleaseAll releases every lock this user holds. The session calls
// it on teardown.
func (a *Arbiter) ReleaseAll() {
	a.mu.Lock()
	keys := make([]string, 0, len(a.held))
	for key := range a.held {
		keys = append(keys, key)
	}
	a.mu.Unlock()

	for _, key := range keys {
		a.Release(key)
	}
}

// Holds reports whether this user holds the lock on entityKey.
func (a *Arbiter) Holds(entityKey string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held[entityKey]
}

// Holder returns the last observed holder of entityKey, if any.
func (a *Arbiter) Holder(entityKey string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	holder, ok := a.holders[entityKey]
	return holder, ok
}

func (a *Arbiter) onResponse(env wire.Envelope) {
	var res wire.LockResponse
	if err := wire.DecodeInto(env, &res); err != nil {
		a.logger.Warn("ignoring malformed lock response", "error", err)
		return
	}

	a.mu.Lock()
	if res.Granted {
		a.holders[res.EntityID] = res.UserID
	}
	ch, mine := a.pending[res.EntityID]
	if mine && res.UserID != a.userID {
		// A broadcast response for somebody else's request.
		mine = false
	}
	a.mu.Unlock()

	if mine {
		select {
		case ch <- res.Granted:
		default:
			// Requester already gave up; the response is stale.
		}
	}
}

func (a *Arbiter) onRelease(env wire.Envelope) {
	var rel wire.LockRelease
	if err := wire.DecodeInto(env, &rel); err != nil {
		a.logger.Warn("ignoring malformed lock release", "error", err)
		return
	}

	a.mu.Lock()
	if a.holders[rel.EntityID] == rel.UserID {
		delete(a.holders, rel.EntityID)
	}
	a.mu.Unlock()
}
