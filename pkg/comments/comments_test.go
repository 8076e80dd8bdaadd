package comments

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonehub/collab/internal/bustest"
	"github.com/zonehub/collab/pkg/models"
	"github.com/zonehub/collab/pkg/transport"
	"github.com/zonehub/collab/pkg/wire"
)

func TestExtractMentions(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{"none", "plain text, no mentions", nil},
		{"single", "ping @[Alice](u-42) about this", []string{"u-42"}},
		{"multiple", "@[Alice](u-42) and @[Bob](u-7)", []string{"u-42", "u-7"}},
		{"duplicate collapses", "@[Alice](u-42) again @[Alice](u-42)", []string{"u-42"}},
		{"bare at sign ignored", "mail me @ the office", nil},
		{"display name with spaces", "cc @[Alice Smith](u-42)", []string{"u-42"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMentions(tt.content))
		})
	}
}

// eventRecorder collects envelopes of one event type from a hub peer.
type eventRecorder struct {
	mu   sync.Mutex
	envs []wire.Envelope
}

func recordEvents(client transport.Transport, event string) *eventRecorder {
	rec := &eventRecorder{}
	client.On(event, func(env wire.Envelope) {
		rec.mu.Lock()
		rec.envs = append(rec.envs, env)
		rec.mu.Unlock()
	})
	return rec
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *eventRecorder) all() []wire.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.Envelope, len(r.envs))
	copy(out, r.envs)
	return out
}

func alice() models.User {
	return models.User{ID: "u-1", Name: "Alice"}
}

func TestAddBroadcastsAndNotifiesMentions(t *testing.T) {
	hub := bustest.NewHub()
	mentions := recordEvents(hub.Client(), wire.EventMentionUser)

	s := New(hub.Client(), alice())
	comment, err := s.Add("zone", "z-1", "heads up @[Bob](u-42)", "")
	require.NoError(t, err)

	assert.NotEmpty(t, comment.ID)
	assert.Equal(t, []string{"u-42"}, comment.Mentions)

	// Exactly one mention notification, decoupled from the comment
	// broadcast.
	require.Equal(t, 1, mentions.count())
	var m wire.MentionUser
	require.NoError(t, wire.DecodeInto(mentions.all()[0], &m))
	assert.Equal(t, "u-42", m.UserID)
	assert.Equal(t, "u-1", m.MentionedBy)
	assert.Equal(t, "heads up @[Bob](u-42)", m.Context)
}

func TestThreadsSyncBetweenPeers(t *testing.T) {
	hub := bustest.NewHub()
	a := New(hub.Client(), alice())
	b := New(hub.Client(), models.User{ID: "u-2", Name: "Bob"})

	comment, err := a.Add("zone", "z-1", "first", "")
	require.NoError(t, err)
	_, err = b.Add("zone", "z-1", "reply", comment.ID)
	require.NoError(t, err)

	threadA := a.Thread("zone", "z-1")
	threadB := b.Thread("zone", "z-1")
	require.Len(t, threadA, 2)
	require.Len(t, threadB, 2)
	assert.Equal(t, comment.ID, threadB[1].ParentID)
}

func TestUpdateOnlyNotifiesNewMentions(t *testing.T) {
	hub := bustest.NewHub()
	mentions := recordEvents(hub.Client(), wire.EventMentionUser)

	s := New(hub.Client(), alice())
	comment, err := s.Add("zone", "z-1", "cc @[Bob](u-42)", "")
	require.NoError(t, err)
	require.Equal(t, 1, mentions.count())

	updated, err := s.Update(comment.ID, "cc @[Bob](u-42) and @[Carol](u-9)")
	require.NoError(t, err)
	assert.Equal(t, []string{"u-42", "u-9"}, updated.Mentions)

	// Only Carol is newly mentioned.
	require.Equal(t, 2, mentions.count())
	var m wire.MentionUser
	require.NoError(t, wire.DecodeInto(mentions.all()[1], &m))
	assert.Equal(t, "u-9", m.UserID)
}

func TestUpdateRejectsNonAuthor(t *testing.T) {
	hub := bustest.NewHub()
	a := New(hub.Client(), alice())
	b := New(hub.Client(), models.User{ID: "u-2", Name: "Bob"})

	comment, err := a.Add("zone", "z-1", "mine", "")
	require.NoError(t, err)

	_, err = b.Update(comment.ID, "edited by someone else")
	assert.ErrorIs(t, err, ErrNotAuthor)

	_, err = b.Update("no-such-id", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTombstones(t *testing.T) {
	hub := bustest.NewHub()
	a := New(hub.Client(), alice())
	b := New(hub.Client(), models.User{ID: "u-2", Name: "Bob"})

	comment, err := a.Add("zone", "z-1", "oops", "")
	require.NoError(t, err)
	require.NoError(t, a.Delete(comment.ID))

	// The entry stays in both threads, flagged deleted.
	threadA := a.Thread("zone", "z-1")
	require.Len(t, threadA, 1)
	assert.True(t, threadA[0].Deleted)

	threadB := b.Thread("zone", "z-1")
	require.Len(t, threadB, 1)
	assert.True(t, threadB[0].Deleted)
}

func TestResolveToggles(t *testing.T) {
	hub := bustest.NewHub()
	a := New(hub.Client(), alice())
	b := New(hub.Client(), models.User{ID: "u-2", Name: "Bob"})

	comment, err := a.Add("zone", "z-1", "needs a look", "")
	require.NoError(t, err)

	// Anyone may resolve.
	resolved, err := b.Resolve(comment.ID, true)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.True(t, a.Thread("zone", "z-1")[0].Resolved)
}

func TestTypingDebounce(t *testing.T) {
	hub := bustest.NewHub()
	statuses := recordEvents(hub.Client(), wire.EventTypingStatus)

	s := New(hub.Client(), alice(), WithTypingTimeout(60*time.Millisecond))
	defer s.Close()

	// A burst of keystrokes emits a single typing=true.
	s.Typing("zone:z-1:name")
	s.Typing("zone:z-1:name")
	s.Typing("zone:z-1:name")
	require.Equal(t, 1, statuses.count())

	var on wire.TypingStatus
	require.NoError(t, wire.DecodeInto(statuses.all()[0], &on))
	assert.True(t, on.IsTyping)
	assert.Equal(t, "zone:z-1:name", on.Location)

	// The idle timer emits typing=false after the timeout.
	require.Eventually(t, func() bool {
		return statuses.count() == 2
	}, time.Second, 5*time.Millisecond)

	var off wire.TypingStatus
	require.NoError(t, wire.DecodeInto(statuses.all()[1], &off))
	assert.False(t, off.IsTyping)
}

func TestSubmitStopsTypingImmediately(t *testing.T) {
	hub := bustest.NewHub()
	statuses := recordEvents(hub.Client(), wire.EventTypingStatus)

	s := New(hub.Client(), alice(), WithTypingTimeout(time.Hour))
	defer s.Close()

	s.Typing(commentLocation("zone", "z-1"))
	require.Equal(t, 1, statuses.count())

	_, err := s.Add("zone", "z-1", "done typing", "")
	require.NoError(t, err)

	// typing=false went out on submit, not on the timer.
	require.Equal(t, 2, statuses.count())
	var off wire.TypingStatus
	require.NoError(t, wire.DecodeInto(statuses.all()[1], &off))
	assert.False(t, off.IsTyping)
}

func TestRemoteTyperTracking(t *testing.T) {
	hub := bustest.NewHub()
	a := New(hub.Client(), alice(), WithTypingTimeout(time.Hour))
	defer a.Close()
	b := New(hub.Client(), models.User{ID: "u-2", Name: "Bob"}, WithTypingTimeout(time.Hour))
	defer b.Close()

	b.Typing("zone:z-1:name")
	typer, ok := a.Typer("zone:z-1:name")
	require.True(t, ok)
	assert.Equal(t, "u-2", typer)

	b.StopTyping("zone:z-1:name")
	_, ok = a.Typer("zone:z-1:name")
	assert.False(t, ok)

	// Submitting a comment clears the author's typer entry too.
	b.Typing(commentLocation("zone", "z-1"))
	_, err := b.Add("zone", "z-1", "sent", "")
	require.NoError(t, err)
	_, ok = a.Typer(commentLocation("zone", "z-1"))
	assert.False(t, ok)
}
