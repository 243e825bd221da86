package store

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertThread inserts or updates a thread (idempotent on thread_id) and
// merges the participant set. Participants are a union: a partial page from
// the platform must never remove a previously known member.
func (db *DB) UpsertThread(t *Thread) (Outcome, error) {
	outcome, err := db.probe(`SELECT 1 FROM threads WHERE thread_id = ?`, t.ThreadID)
	if err != nil {
		return outcome, err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO threads (thread_id, title, is_group, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE threads.title END,
			is_group = excluded.is_group,
			last_activity_at = MAX(threads.last_activity_at, excluded.last_activity_at),
			updated_at = excluded.updated_at`,
		t.ThreadID, t.Title, t.IsGroup, t.LastActivityAt, now, now)
	if err != nil {
		return outcome, err
	}

	for _, userID := range t.Participants {
		if _, err := db.Exec(`
			INSERT INTO thread_participants (thread_id, user_id) VALUES (?, ?)
			ON CONFLICT(thread_id, user_id) DO NOTHING`,
			t.ThreadID, userID); err != nil {
			return outcome, fmt.Errorf("merge participant %q: %w", userID, err)
		}
	}
	return outcome, nil
}

// GetThread returns a thread with its participant set, or ErrNotFound.
func (db *DB) GetThread(threadID string) (*Thread, error) {
	var t Thread
	err := db.QueryRow(`
		SELECT thread_id, title, is_group, last_activity_at
		FROM threads WHERE thread_id = ?`, threadID).
		Scan(&t.ThreadID, &t.Title, &t.IsGroup, &t.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT user_id FROM thread_participants WHERE thread_id = ? ORDER BY user_id`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		t.Participants = append(t.Participants, id)
	}
	return &t, rows.Err()
}

// ThreadHasParticipant reports whether the given user is a member of the thread.
func (db *DB) ThreadHasParticipant(threadID, userID string) (bool, error) {
	var one int
	err := db.QueryRow(`SELECT 1 FROM thread_participants WHERE thread_id = ? AND user_id = ?`,
		threadID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListThreads returns the threads the given user participates in, most
// recently active first.
func (db *DB) ListThreads(userID string, limit, offset int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT t.thread_id, t.title, t.is_group, t.last_activity_at
		FROM threads t
		JOIN thread_participants p ON p.thread_id = t.thread_id
		WHERE p.user_id = ?
		ORDER BY t.last_activity_at DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var threads []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ThreadID, &t.Title, &t.IsGroup, &t.LastActivityAt); err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// ThreadCount returns the number of threads the given user participates in.
func (db *DB) ThreadCount(userID string) (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM thread_participants WHERE user_id = ?`, userID).Scan(&count)
	return count, err
}
