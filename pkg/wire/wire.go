// Package wire defines the event envelope and the payload schema for
// every event that crosses the bus. Payloads are decoded into typed
// structs and validated at the boundary; unknown event names and
// malformed payloads are rejected with typed errors so that no raw
// data ever reaches a handler.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Event names carried on the bus.
const (
	EventUserJoined     = "user:joined"
	EventUserLeft       = "user:left"
	EventCursorUpdate   = "cursor:update"
	EventAwareness      = "awareness:update"
	EventDocUpdate      = "doc:update"
	EventDocSyncRequest = "doc:sync:request"
	EventDocSyncState   = "doc:sync:state"
	EventCommentNew     = "comment:new"
	EventCommentUpdate  = "comment:update"
	EventCommentDelete  = "comment:delete"
	EventChangeHistory  = "change:history"
	EventTypingStatus   = "typing:status"
	EventLockRequest    = "edit:lock:request"
	EventLockResponse   = "edit:lock:response"
	EventLockRelease    = "edit:lock:release"
	EventPresenceUpdate = "presence:update"
	EventMentionUser    = "mention:user"
	EventActivityNew    = "activity:new"
)

var (
	// ErrUnknownEvent is returned for event names outside the schema.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrInvalidPayload is returned when a payload decodes but fails
	// schema validation.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Envelope is the frame every event travels in.
type Envelope struct {
	Event   string          `json:"event" cbor:"event"`
	Payload cbor.RawMessage `json:"payload,omitempty" cbor:"payload,omitempty"`
}

// Validator is implemented by payloads that carry validation rules.
type Validator interface {
	Validate() error
}

// Encode marshals a payload into an envelope frame ready for the bus.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s payload: %w", event, err)
	}

	data, err := cbor.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s envelope: %w", event, err)
	}

	return data, nil
}

// DecodeEnvelope unmarshals a raw frame into an envelope. The payload
// stays raw; use Decode or DecodeInto to materialize it.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: empty event name", ErrInvalidPayload)
	}
	return env, nil
}

// DecodeInto unmarshals the envelope payload into dest and validates
// it when the payload implements Validator.
func DecodeInto(env Envelope, dest any) error {
	if env.Payload == nil {
		return fmt.Errorf("%w: %s has no payload", ErrInvalidPayload, env.Event)
	}
	if err := cbor.Unmarshal(env.Payload, dest); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
	}
	if v, ok := dest.(Validator); ok {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
		}
	}
	return nil
}

// Decode materializes the typed payload for a known event name. It is
// the single chokepoint where untrusted frames become typed values.
func Decode(env Envelope) (any, error) {
	var dest any

	switch env.Event {
	case EventUserJoined:
		dest = &UserJoined{}
	case EventUserLeft:
		dest = &UserLeft{}
	case EventCursorUpdate:
		dest = &CursorUpdate{}
	case EventAwareness:
		dest = &AwarenessUpdate{}
	case EventDocUpdate:
		dest = &DocUpdate{}
	case EventDocSyncRequest:
		dest = &DocSyncRequest{}
	case EventDocSyncState:
		dest = &DocSyncState{}
	case EventCommentNew, EventCommentUpdate:
		dest = &CommentEvent{}
	case EventCommentDelete:
		dest = &CommentDelete{}
	case EventChangeHistory:
		dest = &ChangeHistoryEvent{}
	case EventTypingStatus:
		dest = &TypingStatus{}
	case EventLockRequest:
		dest = &LockRequest{}
	case EventLockResponse:
		dest = &LockResponse{}
	case EventLockRelease:
		dest = &LockRelease{}
	case EventPresenceUpdate:
		dest = &PresenceUpdate{}
	case EventMentionUser:
		dest = &MentionUser{}
	case EventActivityNew:
		dest = &ActivityEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if err := DecodeInto(env, dest); err != nil {
		return nil, err
	}
	return dest, nil
}
