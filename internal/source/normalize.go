package source

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/igrelay/igrelay/internal/store"
)

// Item types after normalization. The platform's zoo of item_type strings is
// collapsed into this fixed set before anything touches the store.
const (
	ItemText       = "text"
	ItemImage      = "image"
	ItemVideo      = "video"
	ItemAudio      = "audio"
	ItemSticker    = "sticker"
	ItemReaction   = "reaction"
	ItemStoryReply = "story_reply"
	ItemUnknown    = "unknown"
)

// ValidationError marks a fetched record that cannot be normalized. The
// pipeline records it against the run and moves on; it never aborts a batch.
type ValidationError struct {
	Kind   string // "thread", "message", "user"
	ItemID string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.ItemID, e.Reason)
}

// NormalizeThread validates a thread payload and produces the store shape.
func NormalizeThread(p ThreadPayload) (*store.Thread, error) {
	if p.ThreadID == "" {
		return nil, &ValidationError{Kind: "thread", Reason: "missing thread_id"}
	}
	if len(p.Users) == 0 {
		return nil, &ValidationError{Kind: "thread", ItemID: p.ThreadID, Reason: "no participants"}
	}
	participants := make([]string, 0, len(p.Users))
	for _, u := range p.Users {
		if u.PK.String() == "" {
			return nil, &ValidationError{Kind: "thread", ItemID: p.ThreadID, Reason: "participant without pk"}
		}
		participants = append(participants, u.PK.String())
	}
	return &store.Thread{
		ThreadID:       p.ThreadID,
		Title:          strings.TrimSpace(p.Title),
		IsGroup:        p.IsGroup,
		Participants:   participants,
		LastActivityAt: microsToMillis(p.LastActivity),
	}, nil
}

// NormalizeUser validates a participant payload and produces the store shape.
func NormalizeUser(p UserPayload) (*store.User, error) {
	id := p.PK.String()
	if id == "" {
		return nil, &ValidationError{Kind: "user", Reason: "missing pk"}
	}
	if strings.TrimSpace(p.Username) == "" {
		return nil, &ValidationError{Kind: "user", ItemID: id, Reason: "missing username"}
	}
	return &store.User{
		UserID:         id,
		Username:       strings.ToLower(strings.TrimSpace(p.Username)),
		FullName:       strings.TrimSpace(p.FullName),
		AvatarURL:      p.ProfilePicURL,
		FollowerCount:  p.FollowerCount,
		FollowingCount: p.FollowingCount,
		IsVerified:     p.IsVerified,
		IsPrivate:      p.IsPrivate,
	}, nil
}

// NormalizeMessage validates a message payload and produces the store shape.
// threadID is the thread the payload was fetched for; a payload claiming a
// different thread is rejected rather than stored under the wrong parent.
func NormalizeMessage(p MessagePayload, threadID string) (*store.Message, error) {
	if p.ItemID == "" {
		return nil, &ValidationError{Kind: "message", Reason: "missing item_id"}
	}
	if p.ThreadID != "" && p.ThreadID != threadID {
		return nil, &ValidationError{Kind: "message", ItemID: p.ItemID,
			Reason: fmt.Sprintf("thread_id %q does not match fetched thread %q", p.ThreadID, threadID)}
	}
	sender := p.UserID.String()
	if sender == "" {
		return nil, &ValidationError{Kind: "message", ItemID: p.ItemID, Reason: "missing user_id"}
	}
	ts := microsToMillis(p.Timestamp)
	if ts <= 0 {
		return nil, &ValidationError{Kind: "message", ItemID: p.ItemID, Reason: "missing timestamp"}
	}
	return &store.Message{
		MessageID: p.ItemID,
		ThreadID:  threadID,
		SenderID:  sender,
		Text:      p.Text,
		ItemType:  normalizeItemType(p.ItemType),
		Status:    store.StatusSent,
		Timestamp: ts,
	}, nil
}

func normalizeItemType(itemType string) string {
	switch itemType {
	case "text", "link":
		return ItemText
	case "media", "raven_media", "media_share", "clip":
		return ItemImage
	case "video_call_event":
		return ItemVideo
	case "voice_media":
		return ItemAudio
	case "animated_media":
		return ItemSticker
	case "like", "reaction":
		return ItemReaction
	case "story_share", "reel_share":
		return ItemStoryReply
	default:
		return ItemUnknown
	}
}

// microsToMillis converts the platform's microsecond timestamps to unix ms.
// Some endpoints already return milliseconds; anything that small is passed
// through unchanged.
func microsToMillis(n json.Number) int64 {
	v, err := n.Int64()
	if err != nil || v <= 0 {
		return 0
	}
	// 1e15 as the cutover: ms timestamps sit near 1.7e12, µs near 1.7e15.
	if v >= 1_000_000_000_000_000 {
		return v / 1000
	}
	return v
}
