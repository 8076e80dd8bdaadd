package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDoc records writes in order.
type fakeDoc struct {
	fields map[string]any
	writes []string
	fail   error
}

func newFakeDoc(fields map[string]any) *fakeDoc {
	f := &fakeDoc{fields: make(map[string]any)}
	for k, v := range fields {
		f.fields[k] = v
	}
	return f
}

func (f *fakeDoc) Read() map[string]any {
	out := make(map[string]any, len(f.fields))
	for k, v := range f.fields {
		out[k] = v
	}
	return out
}

func (f *fakeDoc) Write(field string, value any) error {
	if f.fail != nil {
		return f.fail
	}
	f.fields[field] = value
	f.writes = append(f.writes, field)
	return nil
}

func TestPendingEditVersusRemoteEditConflicts(t *testing.T) {
	doc := newFakeDoc(map[string]any{"name": "foo"})
	s := NewSession(doc)

	s.Begin(doc.Read())
	require.NoError(t, s.SetPending("name", "bar"))

	// Another user committed name=baz; the merge reaches this session.
	opened := s.OnRemote(map[string]any{"name": "baz"})

	require.Len(t, opened, 1)
	assert.Equal(t, Record{Field: "name", Local: "bar", Remote: "baz", Base: "foo"}, opened[0])
	assert.True(t, s.Blocked())

	// The form keeps the local value until the user decides.
	assert.Equal(t, "bar", s.Form()["name"])
}

func TestRemoteOnlyFieldsAutoApply(t *testing.T) {
	doc := newFakeDoc(map[string]any{"name": "foo", "ttl": "300"})
	s := NewSession(doc)

	s.Begin(doc.Read())
	require.NoError(t, s.SetPending("name", "bar"))

	opened := s.OnRemote(map[string]any{"name": "foo", "ttl": "600"})

	assert.Empty(t, opened, "a field the user is not editing never conflicts")
	assert.False(t, s.Blocked())
	assert.Equal(t, "600", s.Form()["ttl"])
	assert.Equal(t, "bar", s.Form()["name"], "pending edit survives the merge")
}

func TestAgreeingEditsDoNotConflict(t *testing.T) {
	doc := newFakeDoc(map[string]any{"name": "foo"})
	s := NewSession(doc)

	s.Begin(doc.Read())
	require.NoError(t, s.SetPending("name", "bar"))

	// The remote side arrived at the same value.
	opened := s.OnRemote(map[string]any{"name": "bar"})

	assert.Empty(t, opened)
	assert.False(t, s.Pending("name"), "matching remote value absorbs the pending edit")
}

func TestSaveBlockedUntilResolved(t *testing.T) {
	doc := newFakeDoc(map[string]any{"name": "foo"})
	s := NewSession(doc)

	s.Begin(doc.Read())
	require.NoError(t, s.SetPending("name", "bar"))
	s.OnRemote(map[string]any{"name": "baz"})

	require.ErrorIs(t, s.Save(), ErrUnresolvedConflicts)

	require.NoError(t, s.Resolve("name", KeepLocal, nil))
	assert.False(t, s.Blocked())
	assert.Equal(t, "bar", doc.fields["name"], "keep-local writes through")

	require.NoError(t, s.Save())
}

func TestResolveChoices(t *testing.T) {
	t.Run("keep remote writes nothing", func(t *testing.T) {
		doc := newFakeDoc(map[string]any{"name": "foo"})
		s := NewSession(doc)
		s.Begin(doc.Read())
		require.NoError(t, s.SetPending("name", "bar"))
		s.OnRemote(map[string]any{"name": "baz"})

		require.NoError(t, s.Resolve("name", KeepRemote, nil))
		assert.Empty(t, doc.writes, "the store already holds the remote value")
		assert.Equal(t, "baz", s.Form()["name"])
	})

	t.Run("custom value writes through", func(t *testing.T) {
		doc := newFakeDoc(map[string]any{"name": "foo"})
		s := NewSession(doc)
		s.Begin(doc.Read())
		require.NoError(t, s.SetPending("name", "bar"))
		s.OnRemote(map[string]any{"name": "baz"})

		require.NoError(t, s.Resolve("name", UseCustom, "merged"))
		assert.Equal(t, "merged", doc.fields["name"])
		assert.Equal(t, "merged", s.Form()["name"])
	})

	t.Run("unknown field and choice rejected", func(t *testing.T) {
		doc := newFakeDoc(map[string]any{"name": "foo"})
		s := NewSession(doc)
		s.Begin(doc.Read())
		require.NoError(t, s.SetPending("name", "bar"))
		s.OnRemote(map[string]any{"name": "baz"})

		assert.ErrorIs(t, s.Resolve("ttl", KeepLocal, nil), ErrNoSuchConflict)
		assert.Error(t, s.Resolve("name", Choice("coin-flip"), nil))
	})
}

func TestMultipleConflictsFlushAsOneBatch(t *testing.T) {
	doc := newFakeDoc(map[string]any{"name": "foo", "ttl": "300"})
	s := NewSession(doc)

	s.Begin(doc.Read())
	require.NoError(t, s.SetPending("name", "bar"))
	require.NoError(t, s.SetPending("ttl", "120"))
	opened := s.OnRemote(map[string]any{"name": "baz", "ttl": "600"})
	require.Len(t, opened, 2)

	require.NoError(t, s.Resolve("name", KeepLocal, nil))
	assert.True(t, s.Blocked(), "still blocked while ttl is open")
	assert.Empty(t, doc.writes, "nothing is written until every conflict settles")

	require.NoError(t, s.Resolve("ttl", KeepRemote, nil))
	assert.False(t, s.Blocked())
	assert.Equal(t, []string{"name"}, doc.writes)
	assert.Equal(t, "bar", doc.fields["name"])
}

func TestSaveCommitsPendingEdits(t *testing.T) {
	doc := newFakeDoc(map[string]any{"name": "foo", "ttl": "300"})
	s := NewSession(doc)

	s.Begin(doc.Read())
	require.NoError(t, s.SetPending("name", "bar"))
	require.NoError(t, s.Save())

	assert.Equal(t, "bar", doc.fields["name"])
	assert.False(t, s.Pending("name"))

	// After saving, the same remote value no longer conflicts.
	opened := s.OnRemote(map[string]any{"name": "baz"})
	assert.Empty(t, opened)
	assert.Equal(t, "baz", s.Form()["name"])
}

func TestOperationsOutsideEditingPass(t *testing.T) {
	s := NewSession(newFakeDoc(nil))

	assert.ErrorIs(t, s.SetPending("name", "x"), ErrNotEditing)
	assert.ErrorIs(t, s.Save(), ErrNotEditing)
	assert.Nil(t, s.OnRemote(map[string]any{"name": "x"}))

	s.Begin(map[string]any{"name": "foo"})
	s.End()
	assert.ErrorIs(t, s.SetPending("name", "x"), ErrNotEditing)
}
