// Package conflict layers semantic conflict detection over the
// convergent document store. The store always picks a winner; this
// package notices when that winner would silently discard an edit the
// local user is still composing, and forces an explicit choice before
// the form can be saved.
package conflict

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var (
	// ErrUnresolvedConflicts blocks Save while any conflict is open.
	ErrUnresolvedConflicts = errors.New("conflict: unresolved conflicts, resolve before saving")
	// ErrNoSuchConflict is returned for a Resolve on a field that is
	// not in conflict.
	ErrNoSuchConflict = errors.New("conflict: no conflict for field")
	// ErrNotEditing is returned for operations before Begin.
	ErrNotEditing = errors.New("conflict: no editing session in progress")
)

// Choice selects how a single field conflict is settled.
type Choice string

const (
	KeepLocal  Choice = "keep-local"
	KeepRemote Choice = "keep-remote"
	UseCustom  Choice = "custom"
)

// Record describes one field both sides changed. Base is the value at
// the moment editing began.
type Record struct {
	Field  string
	Local  any
	Remote any
	Base   any
}

// Document is the slice of the store a session writes through.
// docstore.Handle satisfies it.
type Document interface {
	Read() map[string]any
	Write(field string, value any) error
}

// Session tracks one user's in-progress edit of one entity: the base
// snapshot, the visible form, locally pending fields and any open
// conflicts. All methods are safe for concurrent use.
type Session struct {
	doc Document

	mu        sync.Mutex
	editing   bool
	base      map[string]any
	form      map[string]any
	pending   map[string]any
	conflicts map[string]Record
	// resolutions holds the chosen value per settled field until every
	// open conflict is settled, then flushes as one batch.
	resolutions map[string]resolution
}

type resolution struct {
	choice Choice
	value  any
}

// NewSession creates a session writing through doc.
func NewSession(doc Document) *Session {
	return &Session{doc: doc}
}

// Begin starts an editing pass, snapshotting base as the three-way
// reference point. A second Begin discards any previous pass.
func (s *Session) Begin(base map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.editing = true
	s.base = copyFields(base)
	s.form = copyFields(base)
	s.pending = make(map[string]any)
	s.conflicts = make(map[string]Record)
	s.resolutions = make(map[string]resolution)
}

// SetPending records a local uncommitted edit and shows it on the
// form. Nothing is written to the store until Save.
func (s *Session) SetPending(field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.editing {
		return ErrNotEditing
	}
	s.pending[field] = value
	s.form[field] = value
	return nil
}

// OnRemote folds a remotely merged field map into the session. Fields
// the local user is not editing are auto-applied to the form. A field
// that is locally pending and remotely changed to a different value
// opens a conflict; the form keeps the local value until it is
// resolved. Returns the conflicts this batch opened.
func (s *Session) OnRemote(merged map[string]any) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.editing {
		return nil
	}

	var opened []Record
	for field, remote := range merged {
		local, isPending := s.pending[field]
		if !isPending {
			// Last editor wins on fields this user is not touching.
			s.form[field] = remote
			s.base[field] = remote
			continue
		}
		if reflect.DeepEqual(remote, local) {
			// Both sides agree; the pending edit is already upstream.
			delete(s.pending, field)
			s.base[field] = remote
			continue
		}
		if reflect.DeepEqual(remote, s.base[field]) {
			// Remote did not actually change this field.
			continue
		}
		rec := Record{Field: field, Local: local, Remote: remote, Base: s.base[field]}
		s.conflicts[field] = rec
		opened = append(opened, rec)
	}

	sort.Slice(opened, func(i, j int) bool { return opened[i].Field < opened[j].Field })
	return opened
}

// Conflicts returns the open conflicts, sorted by field.
func (s *Session) Conflicts() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.conflicts))
	for _, rec := range s.conflicts {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// Blocked reports whether the session is in the must-resolve state.
func (s *Session) Blocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conflicts) > 0
}

// Resolve settles one open conflict. The settlement takes effect when
// the last open conflict is resolved: chosen values are then written
// through to the store in one pass and the session unblocks.
func (s *Session) Resolve(field string, choice Choice, custom any) error {
	s.mu.Lock()

	rec, ok := s.conflicts[field]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSuchConflict, field)
	}

	var value any
	switch choice {
	case KeepLocal:
		value = rec.Local
	case KeepRemote:
		value = rec.Remote
	case UseCustom:
		value = custom
	default:
		s.mu.Unlock()
		return fmt.Errorf("conflict: unknown choice %q", choice)
	}

	s.resolutions[field] = resolution{choice: choice, value: value}
	delete(s.conflicts, field)
	s.form[field] = value

	if len(s.conflicts) > 0 {
		s.mu.Unlock()
		return nil
	}

	// Last conflict settled: flush the batch.
	resolved := s.resolutions
	s.resolutions = make(map[string]resolution)
	for field, res := range resolved {
		delete(s.pending, field)
		s.base[field] = res.value
	}
	s.mu.Unlock()

	for field, res := range resolved {
		if res.choice == KeepRemote {
			// The store already holds this value.
			continue
		}
		if err := s.doc.Write(field, res.value); err != nil {
			return fmt.Errorf("writing resolution for %s: %w", field, err)
		}
	}
	return nil
}

// Save commits every pending edit to the store. It refuses while any
// conflict is open.
func (s *Session) Save() error {
	s.mu.Lock()
	if !s.editing {
		s.mu.Unlock()
		return ErrNotEditing
	}
	if len(s.conflicts) > 0 {
		s.mu.Unlock()
		return ErrUnresolvedConflicts
	}

	pending := s.pending
	s.pending = make(map[string]any)
	for field, value := range pending {
		s.base[field] = value
	}
	s.mu.Unlock()

	for field, value := range pending {
		if err := s.doc.Write(field, value); err != nil {
			return fmt.Errorf("saving %s: %w", field, err)
		}
	}
	return nil
}

// Form returns the current visible form: base plus pending edits plus
// auto-applied remote changes.
func (s *Session) Form() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyFields(s.form)
}

// PendingFields returns a copy of the uncommitted edits.
func (s *Session) PendingFields() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyFields(s.pending)
}

// Pending reports whether the user has an uncommitted edit on field.
func (s *Session) Pending(field string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[field]
	return ok
}

// End discards the editing pass without saving.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.editing = false
	s.base = nil
	s.form = nil
	s.pending = nil
	s.conflicts = nil
	s.resolutions = nil
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
