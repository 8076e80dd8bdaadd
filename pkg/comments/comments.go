// Package comments implements per-entity threaded comment logs with
// mention notifications and a debounced typing indicator. The log is
// append-only: edits and the resolved flag mutate an entry in place,
// deletion flips a tombstone, nothing is ever removed.
package comments

import (
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zonehub/collab/pkg/logger"
	"github.com/zonehub/collab/pkg/models"
	"github.com/zonehub/collab/pkg/transport"
	"github.com/zonehub/collab/pkg/wire"
)

// TypingIdleTimeout is how long after the last keystroke the typing
// indicator auto-clears.
const TypingIdleTimeout = 3 * time.Second

var (
	// ErrNotFound is returned when a comment id is unknown.
	ErrNotFound = errors.New("comments: comment not found")
	// ErrNotAuthor is returned when editing someone else's comment.
	ErrNotAuthor = errors.New("comments: only the author can edit a comment")
)

// mentionPattern matches `@[displayName](userId)` in comment content.
var mentionPattern = regexp.MustCompile(`@\[([^\]]+)\]\(([^)]+)\)`)

// ExtractMentions returns the mentioned user ids in order of first
// appearance, deduplicated.
func ExtractMentions(content string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		id := m[2]
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Option configures a Store.
type Option func(s *Store)

// WithLogger routes comment-store logs.
func WithLogger(log logger.Logger) Option {
	return func(s *Store) {
		s.logger = log
	}
}

// WithTypingTimeout overrides TypingIdleTimeout.
func WithTypingTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.typingTimeout = d
	}
}

// Store keeps the comment threads this peer has seen and drives the
// typing indicator.
type Store struct {
	bus           transport.Transport
	user          models.User
	logger        logger.Logger
	typingTimeout time.Duration

	mu      sync.Mutex
	threads map[string][]models.Comment
	byID    map[string]string
	// typingTimers auto-clears this user's typing state per location.
	typingTimers map[string]*time.Timer
	// typers is the last observed remote typer per location. One typer
	// per location; a newer signal replaces an older one.
	typers map[string]string
}

// New creates a store for the given user and registers its wire
// handlers on the bus.
func New(bus transport.Transport, user models.User, opts ...Option) *Store {
	s := &Store{
		bus:           bus,
		user:          user,
		logger:        logger.Nop{},
		typingTimeout: TypingIdleTimeout,
		threads:       make(map[string][]models.Comment),
		byID:          make(map[string]string),
		typingTimers:  make(map[string]*time.Timer),
		typers:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	bus.On(wire.EventCommentNew, s.onComment)
	bus.On(wire.EventCommentUpdate, s.onComment)
	bus.On(wire.EventCommentDelete, s.onCommentDelete)
	bus.On(wire.EventTypingStatus, s.onTyping)

	return s
}

// Add appends a comment to the entity's thread and broadcasts it.
// Mentions found in the content each produce a separate mention:user
// notification. Submitting also stops this user's typing indicator for
// the entity's comment box.
func (s *Store) Add(entityType, entityID, content, parentID string) (models.Comment, error) {
	now := time.Now().UTC()
	comment := models.Comment{
		ID:         ulid.Make().String(),
		UserID:     s.user.ID,
		User:       s.user,
		Content:    content,
		EntityType: entityType,
		EntityID:   entityID,
		ParentID:   parentID,
		Mentions:   ExtractMentions(content),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	key := models.EntityKey(entityType, entityID)
	s.threads[key] = append(s.threads[key], comment)
	s.byID[comment.ID] = key
	s.mu.Unlock()

	s.StopTyping(commentLocation(entityType, entityID))

	if err := s.bus.Emit(wire.EventCommentNew, wire.CommentEvent{Comment: comment}); err != nil {
		s.logger.Warn("comment not broadcast", "comment", comment.ID, "error", err)
		return comment, err
	}
	s.notifyMentions(comment, comment.Mentions)
	return comment, nil
}

// Update edits a comment's content in place. Only the author may edit;
// mentions added by the edit are notified, existing ones are not
// re-notified.
func (s *Store) Update(commentID, content string) (models.Comment, error) {
	s.mu.Lock()
	comment, ok := s.lookup(commentID)
	if !ok {
		s.mu.Unlock()
		return models.Comment{}, ErrNotFound
	}
	if comment.UserID != s.user.ID {
		s.mu.Unlock()
		return models.Comment{}, ErrNotAuthor
	}

	previous := make(map[string]bool, len(comment.Mentions))
	for _, id := range comment.Mentions {
		previous[id] = true
	}

	comment.Content = content
	comment.Mentions = ExtractMentions(content)
	comment.UpdatedAt = time.Now().UTC()
	s.replace(*comment)
	updated := *comment
	s.mu.Unlock()

	var added []string
	for _, id := range updated.Mentions {
		if !previous[id] {
			added = append(added, id)
		}
	}

	if err := s.bus.Emit(wire.EventCommentUpdate, wire.CommentEvent{Comment: updated}); err != nil {
		s.logger.Warn("comment update not broadcast", "comment", commentID, "error", err)
		return updated, err
	}
	s.notifyMentions(updated, added)
	return updated, nil
}

// Resolve flips a comment's resolved flag. Any participant may resolve
// a thread.
func (s *Store) Resolve(commentID string, resolved bool) (models.Comment, error) {
	s.mu.Lock()
	comment, ok := s.lookup(commentID)
	if !ok {
		s.mu.Unlock()
		return models.Comment{}, ErrNotFound
	}

	comment.Resolved = resolved
	comment.UpdatedAt = time.Now().UTC()
	s.replace(*comment)
	updated := *comment
	s.mu.Unlock()

	if err := s.bus.Emit(wire.EventCommentUpdate, wire.CommentEvent{Comment: updated}); err != nil {
		s.logger.Warn("comment update not broadcast", "comment", commentID, "error", err)
		return updated, err
	}
	return updated, nil
}

// Delete tombstones a comment. The entry stays in the thread so the
// reply structure under it survives.
func (s *Store) Delete(commentID string) error {
	s.mu.Lock()
	comment, ok := s.lookup(commentID)
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if comment.UserID != s.user.ID {
		s.mu.Unlock()
		return ErrNotAuthor
	}

	comment.Deleted = true
	comment.UpdatedAt = time.Now().UTC()
	s.replace(*comment)
	s.mu.Unlock()

	if err := s.bus.Emit(wire.EventCommentDelete, wire.CommentDelete{CommentID: commentID}); err != nil {
		s.logger.Warn("comment delete not broadcast", "comment", commentID, "error", err)
		return err
	}
	return nil
}

// Thread returns the entity's comment log in insertion order,
// tombstones included.
func (s *Store) Thread(entityType, entityID string) []models.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread := s.threads[models.EntityKey(entityType, entityID)]
	out := make([]models.Comment, len(thread))
	copy(out, thread)
	return out
}

// Typing signals a keystroke at a location key. The first call emits
// typing=true; every call re-arms the idle timer that emits
// typing=false after the timeout.
func (s *Store) Typing(location string) {
	s.mu.Lock()
	timer, active := s.typingTimers[location]
	if active {
		timer.Reset(s.typingTimeout)
	} else {
		s.typingTimers[location] = time.AfterFunc(s.typingTimeout, func() {
			s.StopTyping(location)
		})
	}
	s.mu.Unlock()

	if active {
		return
	}
	s.emitTyping(location, true)
}

// StopTyping clears this user's typing indicator immediately. A no-op
// when not typing.
func (s *Store) StopTyping(location string) {
	s.mu.Lock()
	timer, active := s.typingTimers[location]
	if active {
		timer.Stop()
		delete(s.typingTimers, location)
	}
	s.mu.Unlock()

	if !active {
		return
	}
	s.emitTyping(location, false)
}

// Typer returns the remote user currently typing at a location, if
// any.
func (s *Store) Typer(location string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.typers[location]
	return userID, ok
}

// Close stops every pending typing timer.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for location, timer := range s.typingTimers {
		timer.Stop()
		delete(s.typingTimers, location)
	}
}

// commentLocation is the typing location key for an entity's comment
// box.
func commentLocation(entityType, entityID string) string {
	return models.EntityKey(entityType, entityID) + ":comment"
}

func (s *Store) emitTyping(location string, isTyping bool) {
	err := s.bus.Emit(wire.EventTypingStatus, wire.TypingStatus{
		UserID:   s.user.ID,
		Location: location,
		IsTyping: isTyping,
	})
	if err != nil {
		s.logger.Debug("typing status not sent", "location", location, "error", err)
	}
}

func (s *Store) notifyMentions(comment models.Comment, userIDs []string) {
	for _, id := range userIDs {
		err := s.bus.Emit(wire.EventMentionUser, wire.MentionUser{
			UserID:      id,
			Context:     comment.Content,
			MentionedBy: comment.UserID,
		})
		if err != nil {
			s.logger.Warn("mention not sent", "user", id, "error", err)
		}
	}
}

// lookup finds a comment by id. Callers hold s.mu; the pointer is only
// valid until the lock is released.
func (s *Store) lookup(commentID string) (*models.Comment, bool) {
	key, ok := s.byID[commentID]
	if !ok {
		return nil, false
	}
	thread := s.threads[key]
	for i := range thread {
		if thread[i].ID == commentID {
			return &thread[i], true
		}
	}
	return nil, false
}

// replace writes a comment back into its thread slot. Callers hold
// s.mu.
func (s *Store) replace(comment models.Comment) {
	key := models.EntityKey(comment.EntityType, comment.EntityID)
	thread := s.threads[key]
	for i := range thread {
		if thread[i].ID == comment.ID {
			thread[i] = comment
			return
		}
	}
	s.threads[key] = append(thread, comment)
	s.byID[comment.ID] = key
}

func (s *Store) onComment(env wire.Envelope) {
	var event wire.CommentEvent
	if err := wire.DecodeInto(env, &event); err != nil {
		s.logger.Warn("ignoring malformed comment event", "error", err)
		return
	}
	if event.Comment.UserID == s.user.ID {
		return
	}

	s.mu.Lock()
	s.replace(event.Comment)
	// A submitted comment supersedes the author's typing indicator.
	location := commentLocation(event.Comment.EntityType, event.Comment.EntityID)
	if s.typers[location] == event.Comment.UserID {
		delete(s.typers, location)
	}
	s.mu.Unlock()
}

func (s *Store) onCommentDelete(env wire.Envelope) {
	var event wire.CommentDelete
	if err := wire.DecodeInto(env, &event); err != nil {
		s.logger.Warn("ignoring malformed comment delete", "error", err)
		return
	}

	s.mu.Lock()
	if comment, ok := s.lookup(event.CommentID); ok {
		comment.Deleted = true
	}
	s.mu.Unlock()
}

func (s *Store) onTyping(env wire.Envelope) {
	var status wire.TypingStatus
	if err := wire.DecodeInto(env, &status); err != nil {
		s.logger.Warn("ignoring malformed typing status", "error", err)
		return
	}
	if status.UserID == s.user.ID {
		return
	}

	s.mu.Lock()
	if status.IsTyping {
		s.typers[status.Location] = status.UserID
	} else if s.typers[status.Location] == status.UserID {
		delete(s.typers, status.Location)
	}
	s.mu.Unlock()
}
