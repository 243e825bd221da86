package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message (idempotent on message_id).
// The stored send timestamp and ingest time are never overwritten: message
// rows are append-mostly, and later fetches of the same id only refresh the
// mutable text/type/status fields.
func (db *DB) UpsertMessage(m *Message) (Outcome, error) {
	outcome, err := db.probe(`SELECT 1 FROM messages WHERE message_id = ?`, m.MessageID)
	if err != nil {
		return outcome, err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (message_id, thread_id, sender_id, text, item_type, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			text = excluded.text,
			item_type = excluded.item_type,
			status = excluded.status`,
		m.MessageID, m.ThreadID, m.SenderID, m.Text, m.ItemType, m.Status, m.Timestamp, now)
	return outcome, err
}

// GetMessage returns a message by platform message id, or ErrNotFound.
func (db *DB) GetMessage(messageID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, message_id, thread_id, sender_id, text, item_type, status, timestamp, created_at
		FROM messages WHERE message_id = ?`, messageID).
		Scan(&m.ID, &m.MessageID, &m.ThreadID, &m.SenderID, &m.Text, &m.ItemType, &m.Status, &m.Timestamp, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns messages for a thread, newest first, using keyset
// pagination by timestamp. beforeTs <= 0 means "from now"; sinceTs > 0
// restricts to messages sent at or after that time.
func (db *DB) ListMessages(threadID string, beforeTs, sinceTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, message_id, thread_id, sender_id, text, item_type, status, timestamp, created_at
		FROM messages
		WHERE thread_id = ? AND timestamp < ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?`, threadID, beforeTs, sinceTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MessageID, &m.ThreadID, &m.SenderID, &m.Text, &m.ItemType, &m.Status, &m.Timestamp, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of mirrored messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
