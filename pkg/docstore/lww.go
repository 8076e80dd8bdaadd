package docstore

import "github.com/zonehub/collab/pkg/wire"

// fieldEntry is one replicated field with its merge metadata.
type fieldEntry struct {
	value any
	clock uint64
	actor string
}

// replica is the local copy of one entity's field map. Merging is
// last-write-wins per field: higher lamport clock wins, equal clocks
// break ties on the actor id so every replica picks the same winner.
type replica struct {
	key    string
	actor  string
	clock  uint64
	fields map[string]fieldEntry
}

func newReplica(key, actor string) *replica {
	return &replica{
		key:    key,
		actor:  actor,
		fields: make(map[string]fieldEntry),
	}
}

// localSet applies a local write and returns the update to broadcast.
// The local apply happens before the broadcast, so a session always
// reads its own writes.
func (r *replica) localSet(field string, value any) wire.DocUpdate {
	r.clock++
	r.fields[field] = fieldEntry{value: value, clock: r.clock, actor: r.actor}

	return wire.DocUpdate{
		EntityKey: r.key,
		Field:     field,
		Value:     value,
		Clock:     r.clock,
		Actor:     r.actor,
	}
}

// seed installs an initial field value at clock zero with an empty
// actor. Any real write wins over a seed, and identical seeds from
// racing first-openers merge to the same result.
func (r *replica) seed(field string, value any) {
	if _, ok := r.fields[field]; ok {
		return
	}
	r.fields[field] = fieldEntry{value: value}
}

// merge applies one remote field state and reports whether it changed
// the replica.
func (r *replica) merge(field string, state wire.FieldState) bool {
	if state.Clock > r.clock {
		r.clock = state.Clock
	}

	current, ok := r.fields[field]
	if ok && !wins(state, current) {
		return false
	}

	r.fields[field] = fieldEntry{value: state.Value, clock: state.Clock, actor: state.Actor}
	return true
}

// wins reports whether the incoming state beats the current entry.
func wins(incoming wire.FieldState, current fieldEntry) bool {
	if incoming.Clock != current.clock {
		return incoming.Clock > current.clock
	}
	return incoming.Actor > current.actor
}

// snapshot returns the plain field map.
func (r *replica) snapshot() map[string]any {
	out := make(map[string]any, len(r.fields))
	for field, entry := range r.fields {
		out[field] = entry.value
	}
	return out
}

// state returns the full replica with merge metadata, for sync
// responses and the durable cache.
func (r *replica) state() map[string]wire.FieldState {
	out := make(map[string]wire.FieldState, len(r.fields))
	for field, entry := range r.fields {
		out[field] = wire.FieldState{Value: entry.value, Clock: entry.clock, Actor: entry.actor}
	}
	return out
}

func (r *replica) empty() bool {
	return len(r.fields) == 0
}
