package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonehub/collab/pkg/editlock"
	"github.com/zonehub/collab/pkg/transport"
	"github.com/zonehub/collab/pkg/wire"
)

func startRelay(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	relay := NewServer()
	srv := httptest.NewServer(relay)
	t.Cleanup(func() {
		relay.Close()
		srv.Close()
	})
	return relay, srv
}

func dial(t *testing.T, srv *httptest.Server, room, userID, connID string) *transport.Bus {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/?session=" + room + "&user=" + userID + "&conn=" + connID + "&name=" + userID

	bus, err := transport.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
}

type envCollector struct {
	mu   sync.Mutex
	envs []wire.Envelope
}

func collect(bus *transport.Bus, event string) *envCollector {
	c := &envCollector{}
	bus.On(event, func(env wire.Envelope) {
		c.mu.Lock()
		c.envs = append(c.envs, env)
		c.mu.Unlock()
	})
	return c
}

func (c *envCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *envCollector) last() wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envs[len(c.envs)-1]
}

func TestFanoutStaysInsideRoom(t *testing.T) {
	_, srv := startRelay(t)

	b1 := dial(t, srv, "r1", "u-1", "c-1")
	b2 := dial(t, srv, "r1", "u-2", "c-2")
	b3 := dial(t, srv, "r2", "u-3", "c-3")

	inRoom := collect(b2, wire.EventCursorUpdate)
	otherRoom := collect(b3, wire.EventCursorUpdate)
	echo := collect(b1, wire.EventCursorUpdate)

	require.NoError(t, b1.Emit(wire.EventCursorUpdate, wire.CursorUpdate{}))

	require.Eventually(t, func() bool { return inRoom.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, otherRoom.count(), "rooms are isolated")
	assert.Equal(t, 0, echo.count(), "the sender does not hear its own event")
}

func TestJoinAndLeaveAnnouncements(t *testing.T) {
	_, srv := startRelay(t)

	b1 := dial(t, srv, "r1", "u-1", "c-1")
	joins := collect(b1, wire.EventUserJoined)
	leaves := collect(b1, wire.EventUserLeft)

	b2 := dial(t, srv, "r1", "u-2", "c-2")
	require.Eventually(t, func() bool { return joins.count() == 1 }, time.Second, 5*time.Millisecond)

	var joined wire.UserJoined
	require.NoError(t, wire.DecodeInto(joins.last(), &joined))
	assert.Equal(t, "u-2", joined.User.ID)
	assert.Equal(t, "c-2", joined.ConnID)
	assert.NotEmpty(t, joined.User.Color)

	require.NoError(t, b2.Close(context.Background()))
	require.Eventually(t, func() bool { return leaves.count() == 1 }, time.Second, 5*time.Millisecond)

	var left wire.UserLeft
	require.NoError(t, wire.DecodeInto(leaves.last(), &left))
	assert.Equal(t, "u-2", left.UserID)
}

func TestLockArbitration(t *testing.T) {
	relay, srv := startRelay(t)

	b1 := dial(t, srv, "r1", "u-1", "c-1")
	b2 := dial(t, srv, "r1", "u-2", "c-2")

	a1 := editlock.New(b1, "u-1")
	a2 := editlock.New(b2, "u-2")

	ctx := context.Background()

	granted, err := a1.Request(ctx, "zone:1")
	require.NoError(t, err)
	require.True(t, granted)

	holder, ok := relay.Holder("r1", "zone:1")
	require.True(t, ok)
	assert.Equal(t, "u-1", holder)

	// A second user is denied while the lock is held.
	granted, err = a2.Request(ctx, "zone:1")
	require.NoError(t, err)
	require.False(t, granted)

	// Re-requesting by the holder stays granted.
	granted, err = a1.Request(ctx, "zone:1")
	require.NoError(t, err)
	require.True(t, granted)

	// After release the next requester wins.
	a1.Release("zone:1")
	require.Eventually(t, func() bool {
		_, held := relay.Holder("r1", "zone:1")
		return !held
	}, time.Second, 5*time.Millisecond)

	granted, err = a2.Request(ctx, "zone:1")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestHolderDisconnectFreesLock(t *testing.T) {
	relay, srv := startRelay(t)

	b1 := dial(t, srv, "r1", "u-1", "c-1")
	b2 := dial(t, srv, "r1", "u-2", "c-2")

	a1 := editlock.New(b1, "u-1")
	a2 := editlock.New(b2, "u-2")

	granted, err := a1.Request(context.Background(), "zone:1")
	require.NoError(t, err)
	require.True(t, granted)

	require.NoError(t, b1.Close(context.Background()))
	require.Eventually(t, func() bool {
		_, held := relay.Holder("r1", "zone:1")
		return !held
	}, time.Second, 5*time.Millisecond)

	granted, err = a2.Request(context.Background(), "zone:1")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestSameUserSecondTabKeepsLocks(t *testing.T) {
	relay, srv := startRelay(t)

	tab1 := dial(t, srv, "r1", "u-1", "c-1")
	_ = dial(t, srv, "r1", "u-1", "c-2")

	a1 := editlock.New(tab1, "u-1")
	granted, err := a1.Request(context.Background(), "zone:1")
	require.NoError(t, err)
	require.True(t, granted)

	// Closing one tab must not free the user's lock while the other
	// tab remains connected.
	require.NoError(t, tab1.Close(context.Background()))
	require.Eventually(t, func() bool {
		holder, ok := relay.Holder("r1", "zone:1")
		return ok && holder == "u-1"
	}, time.Second, 5*time.Millisecond)
}

func TestUnknownEventTolerated(t *testing.T) {
	_, srv := startRelay(t)

	b1 := dial(t, srv, "r1", "u-1", "c-1")
	b2 := dial(t, srv, "r1", "u-2", "c-2")
	received := collect(b2, wire.EventCursorUpdate)

	// An event outside the schema must not kill the connection.
	require.NoError(t, b1.Emit("not-a-known-event", map[string]any{"x": 1}))
	require.NoError(t, b1.Emit(wire.EventCursorUpdate, wire.CursorUpdate{}))

	require.Eventually(t, func() bool { return received.count() == 1 }, time.Second, 5*time.Millisecond)
}
