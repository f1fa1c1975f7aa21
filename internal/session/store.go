package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/chat-web-ui/internal/models"
	"github.com/google/uuid"
)

// Persister receives the full session collection after every mutation. Implementations are
// expected to be best-effort: failures are handled (logged) inside Save and never reach the store.
type Persister interface {
	Save(ctx context.Context, sessions []models.ChatSession)
}

// Loader restores a previously saved session collection. ok is false when nothing usable was
// stored.
type Loader interface {
	Load(ctx context.Context) (sessions []models.ChatSession, ok bool)
}

// Source is a durable substrate able to both restore and save sessions.
type Source interface {
	Loader
	Persister
}

// Listener is notified after a mutation has been applied and persisted.
type Listener interface {
	OnSessionChange(event ChangeEvent)
}

// ChangeEvent describes a single applied mutation. MessageID is only set for OperationUpdateMessage.
type ChangeEvent struct {
	Op        Operation
	SessionID string
	MessageID string
}

// Operation is the kind of mutation that produced a ChangeEvent.
type Operation string

// MessagePatch is a partial update of one message. Nil fields are left untouched. Content replaces
// the whole content (it is a snapshot, not a delta). DropGrounding clears the metadata and wins over
// Grounding.
type MessagePatch struct {
	Content       *string
	Grounding     *models.GroundingMetadata
	DropGrounding bool
	IsStreaming   *bool
}

// Store is the single source of truth for all chat sessions and the active-session pointer.
// Every mutation is applied under one lock, written through to the Persister and then announced
// to the Listener. Readers only ever receive deep copies.
type Store struct {
	mu       sync.Mutex
	sessions []models.ChatSession
	activeID string

	persister Persister
	listener  Listener

	now    func() time.Time
	logger *slog.Logger
}

const (
	// OperationCreate reports a new session, which is also the active one.
	OperationCreate Operation = "create"
	// OperationSelect reports a change of the active session.
	OperationSelect Operation = "select"
	// OperationAppend reports a user message and its placeholder added to a session.
	OperationAppend Operation = "append"
	// OperationUpdateMessage reports new content or state of a streaming model message.
	OperationUpdateMessage Operation = "update_message"
)

var (
	// ErrSessionNotFound is returned when the requested session id does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMessageNotFound is returned when the requested message id does not exist in the session.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageFrozen is returned when updating a user message or a model message that already
	// reached its terminal state.
	ErrMessageFrozen = errors.New("message is not streaming")
	// ErrInvalidPair is returned when the appended messages are not a user message followed by a
	// streaming model placeholder.
	ErrInvalidPair = errors.New("invalid message pair")
)

// NewStore creates a Store seeded with sessions, most recent first. The first session becomes
// active. Model messages left streaming by an interrupted run are closed with
// models.FailureMessage. persister may be nil.
func NewStore(sessions []models.ChatSession, persister Persister, logger *slog.Logger) *Store {
	s := &Store{
		sessions:  make([]models.ChatSession, 0, len(sessions)),
		persister: persister,
		now:       time.Now,
		logger:    logger.With(slog.String("module", "session")),
	}
	for _, sess := range sessions {
		sess = sess.Clone()
		for i := range sess.Messages {
			if sess.Messages[i].Role == models.RoleModel && sess.Messages[i].IsStreaming {
				s.logger.Warn("Closing interrupted message",
					slog.String("sessionID", sess.ID),
					slog.String("messageID", sess.Messages[i].ID))
				sess.Messages[i].IsStreaming = false
				sess.Messages[i].Content = models.FailureMessage
				sess.Messages[i].Grounding = nil
			}
		}
		s.sessions = append(s.sessions, sess)
	}
	if len(s.sessions) > 0 {
		s.activeID = s.sessions[0].ID
	}
	return s
}

// Open restores the sessions kept by src and returns a Store writing through to it. When nothing
// usable was stored, the store starts with a single fresh session.
func Open(ctx context.Context, src Source, logger *slog.Logger) *Store {
	sessions, ok := src.Load(ctx)
	if !ok {
		sessions = nil
	}
	s := NewStore(sessions, src, logger)
	if len(s.sessions) == 0 {
		s.CreateSession()
	}
	return s
}

// SetListener registers the listener notified after each mutation. It replaces any previous one.
func (s *Store) SetListener(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = listener
}

// CreateSession creates a new empty session, puts it first and makes it active.
func (s *Store) CreateSession() string {
	s.mu.Lock()
	sess := models.ChatSession{
		ID:        uuid.New().String(),
		Title:     models.DefaultSessionTitle,
		Messages:  []models.Message{},
		CreatedAt: s.now(),
	}
	s.sessions = slices.Insert(s.sessions, 0, sess)
	s.activeID = sess.ID
	s.persistLocked()
	listener := s.listener
	s.mu.Unlock()

	notify(listener, ChangeEvent{Op: OperationCreate, SessionID: sess.ID})
	return sess.ID
}

// SelectSession makes the session active. Unknown ids are ignored.
func (s *Store) SelectSession(id string) {
	s.mu.Lock()
	if s.indexLocked(id) < 0 || s.activeID == id {
		s.mu.Unlock()
		return
	}
	s.activeID = id
	listener := s.listener
	s.mu.Unlock()

	notify(listener, ChangeEvent{Op: OperationSelect, SessionID: id})
}

// ActiveSession returns the id of the active session, ok is false only before any session exists.
func (s *Store) ActiveSession() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID, s.activeID != ""
}

// AppendMessagePair appends the user message and its model placeholder, in that order, as one
// update. When the user message is the first message of the session, the session title is derived
// from it.
func (s *Store) AppendMessagePair(sessionID string, user, placeholder models.Message) error {
	if user.Role != models.RoleUser || user.IsStreaming ||
		placeholder.Role != models.RoleModel || !placeholder.IsStreaming {
		return ErrInvalidPair
	}

	s.mu.Lock()
	idx := s.indexLocked(sessionID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	sess := &s.sessions[idx]
	if len(sess.Messages) == 0 {
		sess.Title = models.TitleFromMessage(user)
	}
	sess.Messages = append(sess.Messages, user.Clone(), placeholder.Clone())
	s.persistLocked()
	listener := s.listener
	s.mu.Unlock()

	notify(listener, ChangeEvent{Op: OperationAppend, SessionID: sessionID})
	return nil
}

// UpdateMessage applies patch to the streaming model message messageID of the session. Updates
// are applied in call order and each content replaces the previous one.
func (s *Store) UpdateMessage(sessionID, messageID string, patch MessagePatch) error {
	s.mu.Lock()
	idx := s.indexLocked(sessionID)
	if idx < 0 {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	msgs := s.sessions[idx].Messages
	msgIdx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == messageID })
	if msgIdx < 0 {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	msg := &msgs[msgIdx]
	if msg.Role != models.RoleModel || !msg.IsStreaming {
		s.mu.Unlock()
		return ErrMessageFrozen
	}

	if patch.Content != nil {
		msg.Content = *patch.Content
	}
	switch {
	case patch.DropGrounding:
		msg.Grounding = nil
	case patch.Grounding != nil:
		msg.Grounding = patch.Grounding.Clone()
	}
	if patch.IsStreaming != nil {
		msg.IsStreaming = *patch.IsStreaming
	}
	s.persistLocked()
	listener := s.listener
	s.mu.Unlock()

	notify(listener, ChangeEvent{Op: OperationUpdateMessage, SessionID: sessionID, MessageID: messageID})
	return nil
}

// ListSessions returns the summaries of all sessions in store order.
func (s *Store) ListSessions() []models.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := make([]models.SessionSummary, len(s.sessions))
	for i, sess := range s.sessions {
		summaries[i] = sess.Summary()
	}
	return summaries
}

// Messages returns a copy of the session's messages in conversation order.
func (s *Store) Messages(sessionID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(sessionID)
	if idx < 0 {
		return nil, ErrSessionNotFound
	}
	return s.sessions[idx].Clone().Messages, nil
}

// Message returns a copy of a single message.
func (s *Store) Message(sessionID, messageID string) (models.Message, error) {
	msgs, err := s.Messages(sessionID)
	if err != nil {
		return models.Message{}, err
	}
	idx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == messageID })
	if idx < 0 {
		return models.Message{}, ErrMessageNotFound
	}
	return msgs[idx], nil
}

func (s *Store) snapshotLocked() []models.ChatSession {
	sessions := make([]models.ChatSession, len(s.sessions))
	for i, sess := range s.sessions {
		sessions[i] = sess.Clone()
	}
	return sessions
}

func (s *Store) indexLocked(id string) int {
	return slices.IndexFunc(s.sessions, func(c models.ChatSession) bool { return c.ID == id })
}

// persistLocked saves while holding the lock so that snapshots reach the persister in mutation
// order.
func (s *Store) persistLocked() {
	if s.persister == nil {
		return
	}
	s.persister.Save(context.Background(), s.snapshotLocked())
}

func notify(listener Listener, event ChangeEvent) {
	if listener != nil {
		listener.OnSessionChange(event)
	}
}
