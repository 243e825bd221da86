package store

import (
	"database/sql"
	"time"
)

// UpsertUser inserts or updates a mirrored user (idempotent on user_id).
// Profile fields are refreshed; empty incoming fields never erase known ones.
func (db *DB) UpsertUser(u *User) (Outcome, error) {
	outcome, err := db.probe(`SELECT 1 FROM users WHERE user_id = ?`, u.UserID)
	if err != nil {
		return outcome, err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO users (user_id, username, full_name, avatar_url, follower_count, following_count, is_verified, is_private, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE users.username END,
			full_name = CASE WHEN excluded.full_name != '' THEN excluded.full_name ELSE users.full_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE users.avatar_url END,
			follower_count = excluded.follower_count,
			following_count = excluded.following_count,
			is_verified = excluded.is_verified,
			is_private = excluded.is_private,
			updated_at = excluded.updated_at`,
		u.UserID, u.Username, u.FullName, u.AvatarURL, u.FollowerCount, u.FollowingCount,
		u.IsVerified, u.IsPrivate, now, now)
	return outcome, err
}

// GetUser returns a user by Instagram user id, or ErrNotFound.
func (db *DB) GetUser(userID string) (*User, error) {
	var u User
	err := db.QueryRow(`
		SELECT user_id, username, full_name, avatar_url, follower_count, following_count, is_verified, is_private, created_at, updated_at
		FROM users WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.Username, &u.FullName, &u.AvatarURL, &u.FollowerCount,
			&u.FollowingCount, &u.IsVerified, &u.IsPrivate, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// probe reports whether an upsert for the given key will create or update.
// Writers are serialized per scope by the coordinator lock, so the probe and
// the following upsert do not race; even if they did, the conflict clause
// resolves it as an update, never an error.
func (db *DB) probe(query string, args ...any) (Outcome, error) {
	var one int
	err := db.QueryRow(query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return Created, nil
	}
	if err != nil {
		return Created, err
	}
	return Updated, nil
}
