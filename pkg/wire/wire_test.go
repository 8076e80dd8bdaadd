package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonehub/collab/pkg/models"
)

func TestEncodeDecode(t *testing.T) {
	t.Run("lock request round trip", func(t *testing.T) {
		data, err := Encode(EventLockRequest, LockRequest{EntityID: "zone:1", UserID: "u-1"})
		require.NoError(t, err)

		env, err := DecodeEnvelope(data)
		require.NoError(t, err)
		assert.Equal(t, EventLockRequest, env.Event)

		payload, err := Decode(env)
		require.NoError(t, err)

		req, ok := payload.(*LockRequest)
		require.True(t, ok)
		assert.Equal(t, "zone:1", req.EntityID)
		assert.Equal(t, "u-1", req.UserID)
	})

	t.Run("doc update round trip", func(t *testing.T) {
		data, err := Encode(EventDocUpdate, DocUpdate{
			EntityKey: "record:9",
			Field:     "ttl",
			Value:     int64(300),
			Clock:     7,
			Actor:     "replica-a",
		})
		require.NoError(t, err)

		env, err := DecodeEnvelope(data)
		require.NoError(t, err)

		payload, err := Decode(env)
		require.NoError(t, err)

		upd := payload.(*DocUpdate)
		assert.Equal(t, "ttl", upd.Field)
		assert.Equal(t, uint64(7), upd.Clock)
	})
}

func TestDecodeRejectsUnknownEvent(t *testing.T) {
	data, err := Encode("metrics:stream", LockRequest{EntityID: "e", UserID: "u"})
	require.NoError(t, err)

	env, err := DecodeEnvelope(data)
	require.NoError(t, err)

	_, err = Decode(env)
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	cases := []struct {
		name    string
		event   string
		payload any
	}{
		{"lock request without user", EventLockRequest, LockRequest{EntityID: "zone:1"}},
		{"lock release without entity", EventLockRelease, LockRelease{UserID: "u-1"}},
		{"typing without location", EventTypingStatus, TypingStatus{UserID: "u-1"}},
		{"presence with unknown status", EventPresenceUpdate, PresenceUpdate{UserID: "u-1", Status: "offline"}},
		{"user joined without id", EventUserJoined, UserJoined{ConnID: "c-1"}},
		{"comment without entity", EventCommentNew, CommentEvent{Comment: models.Comment{ID: "c", UserID: "u"}}},
		{"mention without source", EventMentionUser, MentionUser{UserID: "u-42"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := Encode(tc.event, tc.payload)
			require.NoError(t, err)

			env, err := DecodeEnvelope(data)
			require.NoError(t, err)

			_, err = Decode(env)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	t.Run("garbage frame", func(t *testing.T) {
		_, err := DecodeEnvelope([]byte{0xff, 0x00, 0x13})
		assert.Error(t, err)
	})

	t.Run("empty event name", func(t *testing.T) {
		data, err := Encode("", LockRequest{EntityID: "e", UserID: "u"})
		require.NoError(t, err)

		_, err = DecodeEnvelope(data)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})
}
