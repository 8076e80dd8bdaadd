package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonehub/collab/internal/bustest"
	"github.com/zonehub/collab/pkg/models"
)

func TestSetStatusBroadcasts(t *testing.T) {
	hub := bustest.NewHub()
	a := New(hub.Client(), "u-1")
	b := New(hub.Client(), "u-2")

	require.NoError(t, a.SetStatus(models.StatusIdle))

	entry, ok := b.Get("u-1")
	require.True(t, ok)
	assert.Equal(t, models.StatusIdle, entry.Status)
	assert.False(t, entry.LastSeen.IsZero())

	// The sender's own table is updated too.
	entry, ok = a.Get("u-1")
	require.True(t, ok)
	assert.Equal(t, models.StatusIdle, entry.Status)
}

func TestInvalidStatusFallsBackToOnline(t *testing.T) {
	hub := bustest.NewHub()
	a := New(hub.Client(), "u-1")

	require.NoError(t, a.SetStatus(models.PresenceStatus("invisible")))

	entry, _ := a.Get("u-1")
	assert.Equal(t, models.StatusOnline, entry.Status)
}

func TestTouchAndRemove(t *testing.T) {
	hub := bustest.NewHub()
	tr := New(hub.Client(), "u-1")

	tr.Touch("u-2")
	entry, ok := tr.Get("u-2")
	require.True(t, ok)
	assert.Equal(t, models.StatusOnline, entry.Status)

	tr.Remove("u-2")
	_, ok = tr.Get("u-2")
	assert.False(t, ok)
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	hub := bustest.NewHub()
	tr := New(hub.Client(), "u-1")

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	current := base
	tr.now = func() time.Time { return current }

	tr.Touch("u-2")
	first, _ := tr.Get("u-2")

	current = base.Add(time.Minute)
	tr.Touch("u-2")
	second, _ := tr.Get("u-2")

	assert.True(t, second.LastSeen.After(first.LastSeen))
}

func TestAllReturnsCopy(t *testing.T) {
	hub := bustest.NewHub()
	tr := New(hub.Client(), "u-1")
	tr.Touch("u-2")

	all := tr.All()
	require.Len(t, all, 1)
	delete(all, "u-2")

	_, ok := tr.Get("u-2")
	assert.True(t, ok, "mutating the returned map must not touch the table")
}
