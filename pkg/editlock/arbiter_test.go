package editlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonehub/collab/internal/bustest"
	"github.com/zonehub/collab/pkg/transport"
	"github.com/zonehub/collab/pkg/wire"
)

// fakeCoordinator mimics the relay's lock table on a bustest hub:
// grant when free or re-requested by the holder, deny otherwise.
type fakeCoordinator struct {
	mu    sync.Mutex
	locks map[string]string
}

func newFakeCoordinator(client transport.Transport) *fakeCoordinator {
	fc := &fakeCoordinator{locks: make(map[string]string)}

	client.On(wire.EventLockRequest, func(env wire.Envelope) {
		var req wire.LockRequest
		if err := wire.DecodeInto(env, &req); err != nil {
			return
		}

		fc.mu.Lock()
		holder, taken := fc.locks[req.EntityID]
		granted := !taken || holder == req.UserID
		if granted {
			fc.locks[req.EntityID] = req.UserID
		}
		fc.mu.Unlock()

		_ = client.Emit(wire.EventLockResponse, wire.LockResponse{
			EntityID: req.EntityID,
			UserID:   req.UserID,
			Granted:  granted,
		})
	})

	client.On(wire.EventLockRelease, func(env wire.Envelope) {
		var rel wire.LockRelease
		if err := wire.DecodeInto(env, &rel); err != nil {
			return
		}

		fc.mu.Lock()
		if fc.locks[rel.EntityID] == rel.UserID {
			delete(fc.locks, rel.EntityID)
		}
		fc.mu.Unlock()

		_ = client.Emit(wire.EventLockRelease, rel)
	})

	return fc
}

func TestRequestGrantDenyRelease(t *testing.T) {
	hub := bustest.NewHub()
	newFakeCoordinator(hub.Client())

	u1 := New(hub.Client(), "u-1")
	u2 := New(hub.Client(), "u-2")

	ctx := context.Background()

	granted, err := u1.Request(ctx, "zone:1")
	require.NoError(t, err)
	require.True(t, granted)
	assert.True(t, u1.Holds("zone:1"))

	// A request while another holder is active resolves to false.
	granted, err = u2.Request(ctx, "zone:1")
	require.NoError(t, err)
	require.False(t, granted)
	assert.False(t, u2.Holds("zone:1"))

	holder, ok := u2.Holder("zone:1")
	require.True(t, ok)
	assert.Equal(t, "u-1", holder)

	// After release, the next request succeeds.
	u1.Release("zone:1")
	assert.False(t, u1.Holds("zone:1"))

	granted, err = u2.Request(ctx, "zone:1")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestRequestTimesOutAsDenial(t *testing.T) {
	hub := bustest.NewHub() // no coordinator: nobody answers

	a := New(hub.Client(), "u-1", WithTimeout(100*time.Millisecond))

	start := time.Now()
	granted, err := a.Request(context.Background(), "zone:1")
	elapsed := time.Since(start)

	require.NoError(t, err, "timeout must be a denial, not an error")
	assert.False(t, granted)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second, "timeout should fire near the configured bound")
}

func TestRequestWhileDisconnectedIsDenied(t *testing.T) {
	hub := bustest.NewHub()
	client := hub.Client()
	require.NoError(t, client.Close(context.Background()))

	a := New(client, "u-1", WithTimeout(time.Second))

	granted, err := a.Request(context.Background(), "zone:1")
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestDuplicateRequestRejected(t *testing.T) {
	hub := bustest.NewHub() // nobody answers, so the first stays pending

	a := New(hub.Client(), "u-1", WithTimeout(500*time.Millisecond))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = a.Request(context.Background(), "zone:1")
	}()

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		_, pending := a.pending["zone:1"]
		return pending
	}, time.Second, 5*time.Millisecond)

	_, err := a.Request(context.Background(), "zone:1")
	assert.ErrorIs(t, err, ErrRequestPending)
	<-done
}

func TestResponseForOtherUserIgnored(t *testing.T) {
	hub := bustest.NewHub()
	peer := hub.Client()

	a := New(hub.Client(), "u-1", WithTimeout(200*time.Millisecond))

	// While u-1's request is pending, a grant addressed to u-2 arrives.
	// u-1 must keep waiting and then time out.
	peer.On(wire.EventLockRequest, func(env wire.Envelope) {
		_ = peer.Emit(wire.EventLockResponse, wire.LockResponse{
			EntityID: "zone:1",
			UserID:   "u-2",
			Granted:  true,
		})
	})

	granted, err := a.Request(context.Background(), "zone:1")
	require.NoError(t, err)
	assert.False(t, granted)

	// The grant still updates the observed holder.
	holder, ok := a.Holder("zone:1")
	require.True(t, ok)
	assert.Equal(t, "u-2", holder)
}

func TestReleaseIsIdempotent(t *testing.T) {
	hub := bustest.NewHub()
	newFakeCoordinator(hub.Client())

	a := New(hub.Client(), "u-1")

	// Releasing an unheld lock is a no-op.
	assert.NotPanics(t, func() { a.Release("zone:1") })

	granted, err := a.Request(context.Background(), "zone:1")
	require.NoError(t, err)
	require.True(t, granted)

	a.Release("zone:1")
	a.Release("zone:1")
	assert.False(t, a.Holds("zone:1"))
}

func TestReleaseAll(t *testing.T) {
	hub := bustest.NewHub()
	fc := newFakeCoordinator(hub.Client())

	a := New(hub.Client(), "u-1")
	ctx := context.Background()

	for _, key := range []string{"zone:1", "zone:2", "record:7"} {
		granted, err := a.Request(ctx, key)
		require.NoError(t, err)
		require.True(t, granted)
	}

	a.ReleaseAll()

	assert.False(t, a.Holds("zone:1"))
	assert.False(t, a.Holds("zone:2"))
	assert.False(t, a.Holds("record:7"))

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Empty(t, fc.locks)
}
