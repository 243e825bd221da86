package store

import "errors"

// Outcome reports whether an upsert created a new record or updated an
// existing one. Unique-key conflicts always resolve as updates, never errors;
// that property is what makes re-ingesting the same batch a no-op.
type Outcome int

const (
	Created Outcome = iota
	Updated
)

func (o Outcome) String() string {
	if o == Created {
		return "created"
	}
	return "updated"
}

// ErrNotFound is returned by reads that require the referenced record.
var ErrNotFound = errors.New("record not found")

// User is a mirrored Instagram account. The user_id key is immutable;
// profile fields are refreshed on every sync that touches the user.
type User struct {
	UserID         string
	Username       string
	FullName       string
	AvatarURL      string
	FollowerCount  int64
	FollowingCount int64
	IsVerified     bool
	IsPrivate      bool
	CreatedAt      int64
	UpdatedAt      int64
}

// Thread is a mirrored direct-message thread. The participant set only ever
// grows: a partial page from the API must not drop known members.
type Thread struct {
	ThreadID       string
	Title          string
	IsGroup        bool
	Participants   []string
	LastActivityAt int64
}

// Message is a mirrored direct message. Rows are append-mostly: once stored,
// the send timestamp never changes, even if the platform later rewrites the
// text (see ingest conflict handling).
type Message struct {
	ID        int64
	MessageID string
	ThreadID  string
	SenderID  string
	Text      string
	ItemType  string
	Status    string
	Timestamp int64 // platform send time, unix ms
	CreatedAt int64 // ingest time, unix ms
}

// Message status values.
const (
	StatusSent    = "sent"
	StatusPending = "pending"
	StatusFailed  = "failed"
)

// Session is the durable state of one relay-platform (Telegram) user:
// the linked Instagram identity, the currently selected thread and the
// user's preferences. One row per relay user, never implicitly deleted.
type Session struct {
	RelayUserID     int64
	SourceUserID    string
	CurrentThreadID string
	Preferences     Preferences
	CreatedAt       int64
	UpdatedAt       int64
}

// Preferences holds per-user relay preferences.
type Preferences struct {
	Language      string
	Timezone      string
	Notifications bool
}

// SyncRun statuses. A run is terminal once completed or failed.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// SyncRun records one execution of the ingest pipeline for a scope.
type SyncRun struct {
	SyncID         string
	Scope          string
	Mode           string // "full" or "incremental"
	Status         string
	StartedAt      int64
	EndedAt        int64
	ItemsProcessed int
	ItemsCreated   int
	ItemsUpdated   int
	MaxMessageTs   int64 // highest message timestamp ingested; cursor source
	Errors         []RunError
}

// RunError is one recorded failure inside a sync run. Item-level failures are
// absorbed here and never abort the batch.
type RunError struct {
	ItemID string `json:"item_id,omitempty"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

// OutboxEntry is a pending outgoing direct message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	ThreadID     string
	Text         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
