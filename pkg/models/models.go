// Package models holds the shared data model of the collaboration
// engine: users, cursors, comments, audit entries and presence.
// Everything here is plain data; behavior lives in the packages that
// own each concern.
package models

import "time"

// Cursor is a peer's pointer position. X = Y = -1 signals that the
// peer's pointer left the viewport. Only the latest cursor per user is
// meaningful; no history is kept.
type Cursor struct {
	UserID    string `json:"userId" cbor:"userId"`
	X         int    `json:"x" cbor:"x"`
	Y         int    `json:"y" cbor:"y"`
	Page      string `json:"page" cbor:"page"`
	Timestamp int64  `json:"timestamp" cbor:"timestamp"`
}

// OffScreen reports whether the cursor left the viewport.
func (c Cursor) OffScreen() bool {
	return c.X == -1 && c.Y == -1
}

// Comment is one entry in an entity's threaded comment log. Once
// created it only changes through content edits and the resolved flag;
// deletion is a tombstone transition, not removal.
type Comment struct {
	ID         string    `json:"id" cbor:"id"`
	UserID     string    `json:"userId" cbor:"userId"`
	User       User      `json:"user" cbor:"user"`
	Content    string    `json:"content" cbor:"content"`
	EntityType string    `json:"entityType" cbor:"entityType"`
	EntityID   string    `json:"entityId" cbor:"entityId"`
	ParentID   string    `json:"parentId,omitempty" cbor:"parentId,omitempty"`
	Mentions   []string  `json:"mentions,omitempty" cbor:"mentions,omitempty"`
	CreatedAt  time.Time `json:"createdAt" cbor:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt" cbor:"updatedAt"`
	Resolved   bool      `json:"resolved,omitempty" cbor:"resolved,omitempty"`
	Deleted    bool      `json:"deleted,omitempty" cbor:"deleted,omitempty"`
}

// ChangeAction classifies a change-history entry.
type ChangeAction string

const (
	ActionCreate ChangeAction = "create"
	ActionUpdate ChangeAction = "update"
	ActionDelete ChangeAction = "delete"
)

// FieldChange is one field-level diff inside a change-history entry.
type FieldChange struct {
	Field    string `json:"field" cbor:"field"`
	OldValue any    `json:"oldValue" cbor:"oldValue"`
	NewValue any    `json:"newValue" cbor:"newValue"`
}

// ChangeHistoryItem is a field-level audit record of one save.
type ChangeHistoryItem struct {
	ID          string        `json:"id" cbor:"id"`
	UserID      string        `json:"userId" cbor:"userId"`
	User        User          `json:"user" cbor:"user"`
	Action      ChangeAction  `json:"action" cbor:"action"`
	EntityType  string        `json:"entityType" cbor:"entityType"`
	EntityID    string        `json:"entityId" cbor:"entityId"`
	Changes     []FieldChange `json:"changes" cbor:"changes"`
	Timestamp   time.Time     `json:"timestamp" cbor:"timestamp"`
	Description string        `json:"description,omitempty" cbor:"description,omitempty"`
}

// Activity is one human-readable entry in the activity feed.
type Activity struct {
	ID         string    `json:"id" cbor:"id"`
	UserID     string    `json:"userId" cbor:"userId"`
	User       User      `json:"user" cbor:"user"`
	Action     string    `json:"action" cbor:"action"`
	EntityType string    `json:"entityType" cbor:"entityType"`
	EntityID   string    `json:"entityId,omitempty" cbor:"entityId,omitempty"`
	EntityName string    `json:"entityName,omitempty" cbor:"entityName,omitempty"`
	Details    string    `json:"details,omitempty" cbor:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp" cbor:"timestamp"`
}

// PresenceStatus is the advisory presence state of a user.
type PresenceStatus string

const (
	StatusOnline PresenceStatus = "online"
	StatusIdle   PresenceStatus = "idle"
	StatusAway   PresenceStatus = "away"
)

// Valid reports whether the status is one of the known states.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusAway:
		return true
	}
	return false
}

// PresenceEntry is the tracked presence of one user.
type PresenceEntry struct {
	Status   PresenceStatus `json:"status" cbor:"status"`
	LastSeen time.Time      `json:"lastSeen" cbor:"lastSeen"`
}

// EntityKey builds the canonical `entityType:entityId` key used to
// address shared documents, locks and comment threads.
func EntityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}
