package store

import (
	"database/sql"
	"time"
)

// UpsertSession inserts or updates the chat session row for a relay user.
func (db *DB) UpsertSession(s *Session) (Outcome, error) {
	outcome, err := db.probe(`SELECT 1 FROM chat_sessions WHERE relay_user_id = ?`, s.RelayUserID)
	if err != nil {
		return outcome, err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO chat_sessions (relay_user_id, source_user_id, current_thread_id, language, timezone, notifications, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(relay_user_id) DO UPDATE SET
			source_user_id = excluded.source_user_id,
			current_thread_id = excluded.current_thread_id,
			language = excluded.language,
			timezone = excluded.timezone,
			notifications = excluded.notifications,
			updated_at = excluded.updated_at`,
		s.RelayUserID, s.SourceUserID, s.CurrentThreadID,
		s.Preferences.Language, s.Preferences.Timezone, s.Preferences.Notifications, now, now)
	return outcome, err
}

// GetSession returns the session for a relay user, or ErrNotFound.
func (db *DB) GetSession(relayUserID int64) (*Session, error) {
	var s Session
	err := db.QueryRow(`
		SELECT relay_user_id, source_user_id, current_thread_id, language, timezone, notifications, created_at, updated_at
		FROM chat_sessions WHERE relay_user_id = ?`, relayUserID).
		Scan(&s.RelayUserID, &s.SourceUserID, &s.CurrentThreadID,
			&s.Preferences.Language, &s.Preferences.Timezone, &s.Preferences.Notifications,
			&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
