// Package docstore implements the replicated shared-document layer:
// one last-write-wins field map per entity, kept convergent across
// peers without coordination. Storage-level convergence does not
// prevent application-level semantic conflicts; those are the conflict
// package's job.
package docstore

import (
	"sync"

	"github.com/zonehub/collab/pkg/logger"
	"github.com/zonehub/collab/pkg/transport"
	"github.com/zonehub/collab/pkg/wire"
)

// ChangeHandler receives the full field map after a merge batch. It
// fires for remote changes only; local writes are already visible to
// the writer through Read.
type ChangeHandler func(fields map[string]any)

// Option configures a Store.
type Option func(s *Store)

// WithCache attaches a durable local cache. Cache failures are logged
// and degrade the store to in-memory for the session; they never fail
// an operation.
func WithCache(c *Cache) Option {
	return func(s *Store) {
		s.cache = c
	}
}

// WithLogger routes store logs.
func WithLogger(log logger.Logger) Option {
	return func(s *Store) {
		s.logger = log
	}
}

// Store holds every entity replica known to this peer and wires them
// to the bus.
type Store struct {
	bus       transport.Transport
	replicaID string
	logger    logger.Logger
	cache     *Cache

	// All mutation happens under the session's single-threaded event
	// dispatch; the lock protects direct API calls racing with it.
	mu        sync.Mutex
	replicas  map[string]*replica
	subs      map[string]map[int]ChangeHandler
	nextSubID int
}

// New creates a store speaking on the given bus. replicaID must be
// unique per connection; it is the tiebreaker identity of this peer's
// writes.
func New(bus transport.Transport, replicaID string, opts ...Option) *Store {
	s := &Store{
		bus:       bus,
		replicaID: replicaID,
		logger:    logger.Nop{},
		replicas:  make(map[string]*replica),
		subs:      make(map[string]map[int]ChangeHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	bus.On(wire.EventDocUpdate, s.onDocUpdate)
	bus.On(wire.EventDocSyncRequest, s.onSyncRequest)
	bus.On(wire.EventDocSyncState, s.onSyncState)

	return s
}

// Handle addresses one open entity document.
type Handle struct {
	store *Store
	key   string
}

// Key returns the entity key this handle addresses.
func (h *Handle) Key() string {
	return h.key
}

// Open returns the handle for an entity, creating the replica lazily.
// An empty replica is first restored from the cache if one is
// attached, then seeded field-by-field from initial. Open also asks
// peers for their current state so a late joiner catches up.
func (s *Store) Open(entityKey string, initial map[string]any) *Handle {
	s.mu.Lock()
	r, ok := s.replicas[entityKey]
	if !ok {
		r = newReplica(entityKey, s.replicaID)
		s.replicas[entityKey] = r

		if s.cache != nil {
			cached, err := s.cache.Load(entityKey)
			if err != nil {
				s.logger.Warn("cache load failed, staying in-memory", "entity", entityKey, "error", err)
			}
			for field, state := range cached {
				r.merge(field, state)
			}
		}
	}

	if r.empty() {
		for field, value := range initial {
			r.seed(field, value)
		}
		s.persist(r)
	}
	s.mu.Unlock()

	if err := s.bus.Emit(wire.EventDocSyncRequest, wire.DocSyncRequest{
		EntityKey: entityKey,
		ReplicaID: s.replicaID,
	}); err != nil {
		s.logger.Debug("sync request not sent", "entity", entityKey, "error", err)
	}

	return &Handle{store: s, key: entityKey}
}

// Read returns the current field map.
func (h *Handle) Read() map[string]any {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	r, ok := h.store.replicas[h.key]
	if !ok {
		return map[string]any{}
	}
	return r.snapshot()
}

// Write applies a local field write and broadcasts it. The local
// apply happens first. A failed broadcast (link down) keeps the local
// write; the next sync exchange reconciles it.
func (h *Handle) Write(field string, value any) error {
	h.store.mu.Lock()
	r, ok := h.store.replicas[h.key]
	if !ok {
		r = newReplica(h.key, h.store.replicaID)
		h.store.replicas[h.key] = r
	}
	update := r.localSet(field, value)
	h.store.persist(r)
	h.store.mu.Unlock()

	if err := h.store.bus.Emit(wire.EventDocUpdate, update); err != nil {
		h.store.logger.Warn("doc update not broadcast", "entity", h.key, "field", field, "error", err)
		return err
	}
	return nil
}

// Subscribe registers a change handler for this entity and returns an
// unsubscribe function. The handler fires once per merge batch with
// the full resulting map.
func (h *Handle) Subscribe(fn ChangeHandler) (unsubscribe func()) {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	id := h.store.nextSubID
	h.store.nextSubID++

	if h.store.subs[h.key] == nil {
		h.store.subs[h.key] = make(map[int]ChangeHandler)
	}
	h.store.subs[h.key][id] = fn

	return func() {
		h.store.mu.Lock()
		defer h.store.mu.Unlock()
		delete(h.store.subs[h.key], id)
	}
}

// Resync re-requests peer state for every open entity. The session
// calls it after a reconnect.
func (s *Store) Resync() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.replicas))
	for key := range s.replicas {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		if err := s.bus.Emit(wire.EventDocSyncRequest, wire.DocSyncRequest{
			EntityKey: key,
			ReplicaID: s.replicaID,
		}); err != nil {
			s.logger.Debug("resync request not sent", "entity", key, "error", err)
		}
	}
}

func (s *Store) onDocUpdate(env wire.Envelope) {
	var update wire.DocUpdate
	if err := wire.DecodeInto(env, &update); err != nil {
		s.logger.Warn("ignoring malformed doc update", "error", err)
		return
	}
	if update.Actor == s.replicaID {
		return
	}

	s.mu.Lock()
	r, ok := s.replicas[update.EntityKey]
	if !ok {
		// Nobody here has the entity open; nothing to merge into.
		s.mu.Unlock()
		return
	}

	applied := r.merge(update.Field, wire.FieldState{
		Value: update.Value,
		Clock: update.Clock,
		Actor: update.Actor,
	})
	if applied {
		s.persist(r)
	}
	s.mu.Unlock()

	if applied {
		s.notify(update.EntityKey)
	}
}

func (s *Store) onSyncRequest(env wire.Envelope) {
	var req wire.DocSyncRequest
	if err := wire.DecodeInto(env, &req); err != nil {
		s.logger.Warn("ignoring malformed sync request", "error", err)
		return
	}
	if req.ReplicaID == s.replicaID {
		return
	}

	s.mu.Lock()
	r, ok := s.replicas[req.EntityKey]
	var fields map[string]wire.FieldState
	if ok && !r.empty() {
		fields = r.state()
	}
	s.mu.Unlock()

	if fields == nil {
		return
	}

	if err := s.bus.Emit(wire.EventDocSyncState, wire.DocSyncState{
		EntityKey: req.EntityKey,
		Fields:    fields,
	}); err != nil {
		s.logger.Debug("sync state not sent", "entity", req.EntityKey, "error", err)
	}
}

func (s *Store) onSyncState(env wire.Envelope) {
	var state wire.DocSyncState
	if err := wire.DecodeInto(env, &state); err != nil {
		s.logger.Warn("ignoring malformed sync state", "error", err)
		return
	}

	s.mu.Lock()
	r, ok := s.replicas[state.EntityKey]
	if !ok {
		s.mu.Unlock()
		return
	}

	anyApplied := false
	for field, fs := range state.Fields {
		if r.merge(field, fs) {
			anyApplied = true
		}
	}
	if anyApplied {
		s.persist(r)
	}
	s.mu.Unlock()

	// One notification per merge batch, not per field.
	if anyApplied {
		s.notify(state.EntityKey)
	}
}

// persist write-behinds the replica to the cache. Callers hold s.mu.
func (s *Store) persist(r *replica) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Save(r.key, r.state()); err != nil {
		s.logger.Warn("cache save failed, staying in-memory", "entity", r.key, "error", err)
	}
}

// notify snapshots the map and subscribers under the lock, then calls
// handlers without it so a handler can call back into the store.
func (s *Store) notify(entityKey string) {
	s.mu.Lock()
	r, ok := s.replicas[entityKey]
	if !ok {
		s.mu.Unlock()
		return
	}
	snapshot := r.snapshot()

	handlers := make([]ChangeHandler, 0, len(s.subs[entityKey]))
	for _, fn := range s.subs[entityKey] {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(snapshot)
	}
}
