// Package session maps relay-platform (Telegram) users to their Instagram
// identity and current thread context. Operations are gated by an explicit
// state machine (see state.go) rather than ad hoc checks.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/igrelay/igrelay/internal/bus"
	"github.com/igrelay/igrelay/internal/store"
	"go.uber.org/zap"
)

// ErrNotLinked is returned when an operation requires a confirmed Instagram
// identity and the session has none.
var ErrNotLinked = errors.New("no linked account for this session")

// ThreadNotFoundError is returned when a selected thread does not exist or
// the linked identity is not one of its participants. The two cases are
// deliberately indistinguishable to the caller.
type ThreadNotFoundError struct {
	ThreadID string
}

func (e *ThreadNotFoundError) Error() string {
	return fmt.Sprintf("thread %q not found", e.ThreadID)
}

// Manager owns chat-session state. One row per relay user, created on first
// contact and never implicitly deleted.
type Manager struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewManager creates a session manager. A nil logger disables logging.
func NewManager(db *store.DB, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{db: db, bus: b, logger: logger}
}

// GetOrCreate returns the session for a relay user, creating it with default
// preferences on first contact. Idempotent.
func (m *Manager) GetOrCreate(relayUserID int64) (*store.Session, error) {
	s, err := m.db.GetSession(relayUserID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	s = &store.Session{
		RelayUserID: relayUserID,
		Preferences: store.Preferences{Language: "en", Timezone: "UTC", Notifications: true},
	}
	if _, err := m.db.UpsertSession(s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.logger.Info("session created", zap.Int64("relay_user_id", relayUserID))
	m.publish(relayUserID)
	return m.db.GetSession(relayUserID)
}

// LinkIdentity confirms the Instagram identity for a relay user. Linking a
// different identity drops the current thread selection, since the new
// identity may not participate in it.
func (m *Manager) LinkIdentity(relayUserID int64, sourceUserID string) (*store.Session, error) {
	if sourceUserID == "" {
		return nil, errors.New("source user id must not be empty")
	}
	s, err := m.GetOrCreate(relayUserID)
	if err != nil {
		return nil, err
	}
	if !canTransition(Of(s), Linked) {
		return nil, fmt.Errorf("cannot link identity in state %s", Of(s))
	}

	if s.SourceUserID != sourceUserID {
		s.CurrentThreadID = ""
	}
	s.SourceUserID = sourceUserID
	if _, err := m.db.UpsertSession(s); err != nil {
		return nil, fmt.Errorf("link identity: %w", err)
	}
	m.logger.Info("identity linked",
		zap.Int64("relay_user_id", relayUserID),
		zap.String("source_user_id", sourceUserID))
	m.publish(relayUserID)
	return s, nil
}

// SelectThread makes a thread the session's active context. Fails with
// ThreadNotFoundError when the thread is absent or the linked identity does
// not participate in it; the current selection is left unchanged either way.
func (m *Manager) SelectThread(relayUserID int64, threadID string) (*store.Session, error) {
	s, err := m.db.GetSession(relayUserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotLinked
		}
		return nil, err
	}
	if Of(s) == Unlinked {
		return nil, ErrNotLinked
	}

	if _, err := m.db.GetThread(threadID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &ThreadNotFoundError{ThreadID: threadID}
		}
		return nil, err
	}
	member, err := m.db.ThreadHasParticipant(threadID, s.SourceUserID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, &ThreadNotFoundError{ThreadID: threadID}
	}

	s.CurrentThreadID = threadID
	if _, err := m.db.UpsertSession(s); err != nil {
		return nil, fmt.Errorf("select thread: %w", err)
	}
	m.publish(relayUserID)
	return s, nil
}

// ClearThread drops the active thread selection, returning the session to
// the linked-no-thread state. A session with no selection is left as is.
func (m *Manager) ClearThread(relayUserID int64) (*store.Session, error) {
	s, err := m.db.GetSession(relayUserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotLinked
		}
		return nil, err
	}
	if s.CurrentThreadID == "" {
		return s, nil
	}
	s.CurrentThreadID = ""
	if _, err := m.db.UpsertSession(s); err != nil {
		return nil, fmt.Errorf("clear thread: %w", err)
	}
	m.publish(relayUserID)
	return s, nil
}

// PreferencesPatch is a partial preferences update. Nil fields are left
// unchanged: updates merge, they never replace.
type PreferencesPatch struct {
	Language      *string
	Timezone      *string
	Notifications *bool
}

// UpdatePreferences merges the patch into the user's stored preferences.
func (m *Manager) UpdatePreferences(relayUserID int64, patch PreferencesPatch) (*store.Session, error) {
	s, err := m.GetOrCreate(relayUserID)
	if err != nil {
		return nil, err
	}
	if patch.Language != nil {
		s.Preferences.Language = *patch.Language
	}
	if patch.Timezone != nil {
		s.Preferences.Timezone = *patch.Timezone
	}
	if patch.Notifications != nil {
		s.Preferences.Notifications = *patch.Notifications
	}
	if _, err := m.db.UpsertSession(s); err != nil {
		return nil, fmt.Errorf("update preferences: %w", err)
	}
	m.publish(relayUserID)
	return s, nil
}

func (m *Manager) publish(relayUserID int64) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Kind:      "session.updated",
		Timestamp: time.Now(),
		Payload:   map[string]int64{"relay_user_id": relayUserID},
	})
}
