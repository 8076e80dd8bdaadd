package wire

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/zonehub/collab/pkg/models"
)

// UserJoined announces a peer joining the session.
type UserJoined struct {
	ConnID string      `json:"connId" cbor:"connId"`
	User   models.User `json:"user" cbor:"user"`
}

func (p UserJoined) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ConnID, validation.Required),
		validation.Field(&p.User, validation.By(userHasID)),
	)
}

func userHasID(value any) error {
	u, ok := value.(models.User)
	if !ok || u.ID == "" {
		return validation.NewError("validation_user_id", "user id is required")
	}
	return nil
}

// UserLeft announces a peer leaving. ConnID identifies which
// connection left; the same user may remain present on another tab.
type UserLeft struct {
	ConnID string `json:"connId" cbor:"connId"`
	UserID string `json:"userId" cbor:"userId"`
}

func (p UserLeft) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ConnID, validation.Required),
		validation.Field(&p.UserID, validation.Required),
	)
}

// CursorUpdate carries a peer's pointer position.
type CursorUpdate struct {
	models.Cursor
}

func (p CursorUpdate) Validate() error {
	return validation.ValidateStruct(&p.Cursor,
		validation.Field(&p.Cursor.UserID, validation.Required),
	)
}

// AwarenessUpdate carries the full ephemeral state of one connection.
type AwarenessUpdate struct {
	ConnID string         `json:"connId" cbor:"connId"`
	User   models.User    `json:"user" cbor:"user"`
	State  map[string]any `json:"state" cbor:"state"`
}

func (p AwarenessUpdate) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ConnID, validation.Required),
	)
}

// FieldState is one replicated field with its merge metadata.
type FieldState struct {
	Value any    `json:"value" cbor:"value"`
	Clock uint64 `json:"clock" cbor:"clock"`
	Actor string `json:"actor" cbor:"actor"`
}

// DocUpdate is a single replicated field write.
type DocUpdate struct {
	EntityKey string `json:"entityKey" cbor:"entityKey"`
	Field     string `json:"field" cbor:"field"`
	Value     any    `json:"value" cbor:"value"`
	Clock     uint64 `json:"clock" cbor:"clock"`
	Actor     string `json:"actor" cbor:"actor"`
}

func (p DocUpdate) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.EntityKey, validation.Required),
		validation.Field(&p.Field, validation.Required),
		validation.Field(&p.Actor, validation.Required),
	)
}

// DocSyncRequest asks peers for their current replica of an entity.
type DocSyncRequest struct {
	EntityKey string `json:"entityKey" cbor:"entityKey"`
	ReplicaID string `json:"replicaId" cbor:"replicaId"`
}

func (p DocSyncRequest) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.EntityKey, validation.Required),
		validation.Field(&p.ReplicaID, validation.Required),
	)
}

// DocSyncState is a full replica snapshot answering a sync request.
type DocSyncState struct {
	EntityKey string                `json:"entityKey" cbor:"entityKey"`
	Fields    map[string]FieldState `json:"fields" cbor:"fields"`
}

func (p DocSyncState) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.EntityKey, validation.Required),
	)
}

// CommentEvent carries a new or updated comment.
type CommentEvent struct {
	models.Comment
}

func (p CommentEvent) Validate() error {
	return validation.ValidateStruct(&p.Comment,
		validation.Field(&p.Comment.ID, validation.Required),
		validation.Field(&p.Comment.UserID, validation.Required),
		validation.Field(&p.Comment.EntityType, validation.Required),
		validation.Field(&p.Comment.EntityID, validation.Required),
	)
}

// CommentDelete tombstones a comment by id.
type CommentDelete struct {
	CommentID string `json:"commentId" cbor:"commentId"`
}

func (p CommentDelete) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.CommentID, validation.Required),
	)
}

// ChangeHistoryEvent broadcasts a change-history entry.
type ChangeHistoryEvent struct {
	models.ChangeHistoryItem
}

func (p ChangeHistoryEvent) Validate() error {
	return validation.ValidateStruct(&p.ChangeHistoryItem,
		validation.Field(&p.ChangeHistoryItem.ID, validation.Required),
		validation.Field(&p.ChangeHistoryItem.UserID, validation.Required),
		validation.Field(&p.ChangeHistoryItem.Action, validation.Required,
			validation.In(models.ActionCreate, models.ActionUpdate, models.ActionDelete)),
	)
}

// TypingStatus signals that a user started or stopped typing at a
// location key (`entityType:entityId:field`).
type TypingStatus struct {
	UserID   string `json:"userId" cbor:"userId"`
	Location string `json:"location" cbor:"location"`
	IsTyping bool   `json:"isTyping" cbor:"isTyping"`
}

func (p TypingStatus) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.UserID, validation.Required),
		validation.Field(&p.Location, validation.Required),
	)
}

// LockRequest asks the coordinator for the advisory edit lock.
type LockRequest struct {
	EntityID string `json:"entityId" cbor:"entityId"`
	UserID   string `json:"userId" cbor:"userId"`
}

func (p LockRequest) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.EntityID, validation.Required),
		validation.Field(&p.UserID, validation.Required),
	)
}

// LockResponse answers a lock request.
type LockResponse struct {
	EntityID string `json:"entityId" cbor:"entityId"`
	UserID   string `json:"userId" cbor:"userId"`
	Granted  bool   `json:"granted" cbor:"granted"`
}

func (p LockResponse) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.EntityID, validation.Required),
		validation.Field(&p.UserID, validation.Required),
	)
}

// LockRelease gives the advisory edit lock back.
type LockRelease struct {
	EntityID string `json:"entityId" cbor:"entityId"`
	UserID   string `json:"userId" cbor:"userId"`
}

func (p LockRelease) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.EntityID, validation.Required),
		validation.Field(&p.UserID, validation.Required),
	)
}

// PresenceUpdate carries an advisory presence status change.
type PresenceUpdate struct {
	UserID string                `json:"userId" cbor:"userId"`
	Status models.PresenceStatus `json:"status" cbor:"status"`
}

func (p PresenceUpdate) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.UserID, validation.Required),
		validation.Field(&p.Status, validation.Required,
			validation.In(models.StatusOnline, models.StatusIdle, models.StatusAway)),
	)
}

// MentionUser notifies that a user was mentioned in a comment.
type MentionUser struct {
	UserID      string `json:"userId" cbor:"userId"`
	Context     string `json:"context" cbor:"context"`
	MentionedBy string `json:"mentionedBy" cbor:"mentionedBy"`
}

func (p MentionUser) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.UserID, validation.Required),
		validation.Field(&p.MentionedBy, validation.Required),
	)
}

// ActivityEvent broadcasts an activity-feed entry.
type ActivityEvent struct {
	models.Activity
}

func (p ActivityEvent) Validate() error {
	return validation.ValidateStruct(&p.Activity,
		validation.Field(&p.Activity.ID, validation.Required),
		validation.Field(&p.Activity.UserID, validation.Required),
		validation.Field(&p.Activity.Action, validation.Required),
	)
}
