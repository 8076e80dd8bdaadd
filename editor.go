package collab

import (
	"context"
	"sort"

	"github.com/zonehub/collab/pkg/conflict"
	"github.com/zonehub/collab/pkg/docstore"
	"github.com/zonehub/collab/pkg/models"
)

// ConflictHandler is notified when remote edits collide with fields
// the local user is editing.
type ConflictHandler func(conflicts []conflict.Record)

// Editor is one user's editing pass over one entity: a document handle
// for the replicated state, a conflict session for local pending edits
// and an advisory lock affordance. Not safe for concurrent use by
// multiple goroutines; one editor belongs to one user surface.
type Editor struct {
	session     *Session
	entityType  string
	entityID    string
	key         string
	handle      *docstore.Handle
	conflicts   *conflict.Session
	onConflict  ConflictHandler
	unsubscribe func()
	locked      bool
}

// OpenEditor opens an entity for editing. initial seeds the document
// when this peer is the first to open it. Remote merges flow into the
// editing pass automatically; collisions with locally pending fields
// surface through Conflicts and the optional handler.
func (s *Session) OpenEditor(entityType, entityID string, initial map[string]any, onConflict ConflictHandler) *Editor {
	key := models.EntityKey(entityType, entityID)
	handle := s.docs.Open(key, initial)

	e := &Editor{
		session:    s,
		entityType: entityType,
		entityID:   entityID,
		key:        key,
		handle:     handle,
		conflicts:  conflict.NewSession(handle),
		onConflict: onConflict,
	}
	e.conflicts.Begin(handle.Read())

	e.unsubscribe = handle.Subscribe(func(fields map[string]any) {
		opened := e.conflicts.OnRemote(fields)
		if len(opened) == 0 {
			return
		}
		s.logger.Info("editing conflict detected",
			"entity", key, "fields", conflictFields(opened))
		if e.onConflict != nil {
			e.onConflict(opened)
		}
	})

	return e
}

// Read returns the visible form: replicated state plus local pending
// edits.
func (e *Editor) Read() map[string]any {
	return e.conflicts.Form()
}

// Set records a local edit. Nothing reaches the other peers until
// Save.
func (e *Editor) Set(field string, value any) error {
	return e.conflicts.SetPending(field, value)
}

// Save commits the pending edits to the shared document and records
// the change in the audit trails. It refuses while conflicts are
// unresolved.
func (e *Editor) Save() error {
	pending := e.conflicts.PendingFields()
	before := e.handle.Read()

	if err := e.conflicts.Save(); err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	changes := make([]models.FieldChange, 0, len(pending))
	for field, value := range pending {
		changes = append(changes, models.FieldChange{
			Field:    field,
			OldValue: before[field],
			NewValue: value,
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })

	e.session.activity.RecordChange(models.ActionUpdate, e.entityType, e.entityID, changes)
	return nil
}

// Conflicts returns the open conflicts, sorted by field.
func (e *Editor) Conflicts() []conflict.Record {
	return e.conflicts.Conflicts()
}

// Blocked reports whether Save is refused until conflicts resolve.
func (e *Editor) Blocked() bool {
	return e.conflicts.Blocked()
}

// Resolve settles one conflict with keep-local, keep-remote or a
// custom value.
func (e *Editor) Resolve(field string, choice conflict.Choice, custom any) error {
	return e.conflicts.Resolve(field, choice, custom)
}

// Lock requests the advisory edit lock for this entity. A denial is a
// value, not an error; editing stays possible either way.
func (e *Editor) Lock(ctx context.Context) (bool, error) {
	granted, err := e.session.locks.Request(ctx, e.key)
	if err != nil {
		return false, err
	}
	e.locked = granted
	return granted, nil
}

// Unlock releases the advisory lock if held.
func (e *Editor) Unlock() {
	if !e.locked {
		return
	}
	e.session.locks.Release(e.key)
	e.locked = false
}

// Close ends the editing pass: pending edits are discarded, the
// conflict session resets and the lock is released.
func (e *Editor) Close() {
	e.unsubscribe()
	e.Unlock()
	e.conflicts.End()
}

func conflictFields(records []conflict.Record) []string {
	fields := make([]string, len(records))
	for i, rec := range records {
		fields[i] = rec.Field
	}
	return fields
}
