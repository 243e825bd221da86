package store

// SearchMessages performs a full-text search over message text, limited to
// threads the given user participates in. threadID, if non-empty, narrows
// the search to a single thread.
func (db *DB) SearchMessages(userID, query, threadID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.message_id, m.thread_id, m.sender_id, m.text,
		       m.item_type, m.status, m.timestamp, m.created_at,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		JOIN thread_participants p ON p.thread_id = m.thread_id AND p.user_id = ?
		WHERE messages_fts MATCH ?`

	args := []any{userID, query}
	if threadID != "" {
		q += " AND m.thread_id = ?"
		args = append(args, threadID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.MessageID, &r.Message.ThreadID,
			&r.Message.SenderID, &r.Message.Text, &r.Message.ItemType,
			&r.Message.Status, &r.Message.Timestamp, &r.Message.CreatedAt,
			&r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
