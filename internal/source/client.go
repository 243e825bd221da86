// Package source defines the Instagram-side capability consumed by the sync
// engine and the normalization of its loosely typed payloads into store
// shapes. Authentication, rate limiting and retries live behind the Client
// interface; the engine only sees opaque errors.
package source

import (
	"context"
	"encoding/json"
)

// Client is the capability the ingest pipeline pulls from.
type Client interface {
	// FetchThreads returns the thread inbox for the account.
	FetchThreads(ctx context.Context, accountID string) ([]ThreadPayload, error)
	// FetchMessages returns the messages of a thread. since, when > 0,
	// restricts the result to messages sent at or after that unix-ms time.
	FetchMessages(ctx context.Context, threadID string, since int64) ([]MessagePayload, error)
	// SendMessage sends a text message into a thread and returns the
	// platform-assigned message id.
	SendMessage(ctx context.Context, threadID, text string) (string, error)
}

// ThreadPayload is a thread as the platform returns it. Identifiers and
// timestamps arrive as strings or numbers depending on endpoint, hence
// json.Number; nothing here is trusted until normalized.
type ThreadPayload struct {
	ThreadID     string        `json:"thread_id"`
	Title        string        `json:"thread_title"`
	IsGroup      bool          `json:"is_group"`
	LastActivity json.Number   `json:"last_activity_at"` // unix microseconds
	Users        []UserPayload `json:"users"`
}

// UserPayload is a thread participant as the platform returns it.
type UserPayload struct {
	PK             json.Number `json:"pk"`
	Username       string      `json:"username"`
	FullName       string      `json:"full_name"`
	ProfilePicURL  string      `json:"profile_pic_url"`
	IsVerified     bool        `json:"is_verified"`
	IsPrivate      bool        `json:"is_private"`
	FollowerCount  int64       `json:"follower_count"`
	FollowingCount int64       `json:"following_count"`
}

// MessagePayload is a thread item as the platform returns it.
type MessagePayload struct {
	ItemID    string      `json:"item_id"`
	ThreadID  string      `json:"thread_id"`
	UserID    json.Number `json:"user_id"`
	ItemType  string      `json:"item_type"`
	Text      string      `json:"text"`
	Timestamp json.Number `json:"timestamp"` // unix microseconds
}
