// Package chat holds the conversation data model and the timeline reconciler
// that merges REST history pages with live push events into one ordered,
// duplicate-free sequence per conversation.
package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind discriminates the two conversation types. A channel and a direct
// thread may share a numeric id, so every lookup is keyed by Kind and ID.
type Kind string

const (
	KindChannel Kind = "channel"
	KindDirect  Kind = "direct"
)

// ConversationKey identifies a channel or a direct-message thread.
type ConversationKey struct {
	Kind Kind
	ID   int64
}

// Channel returns the key for channel id.
func Channel(id int64) ConversationKey { return ConversationKey{Kind: KindChannel, ID: id} }

// Direct returns the key for direct-message thread id.
func Direct(id int64) ConversationKey { return ConversationKey{Kind: KindDirect, ID: id} }

// String renders the key as "channel:42" or "direct:42".
func (k ConversationKey) String() string {
	return string(k.Kind) + ":" + strconv.FormatInt(k.ID, 10)
}

// ParseConversationKey is the inverse of String.
func ParseConversationKey(s string) (ConversationKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return ConversationKey{}, fmt.Errorf("chat: malformed conversation key %q", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return ConversationKey{}, fmt.Errorf("chat: malformed conversation id %q: %w", id, err)
	}
	switch Kind(kind) {
	case KindChannel, KindDirect:
		return ConversationKey{Kind: Kind(kind), ID: n}, nil
	}
	return ConversationKey{}, fmt.Errorf("chat: unknown conversation kind %q", kind)
}

// UserProfile is the public view of a user returned by the server.
type UserProfile struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Reaction is one entry of a message's reaction multiset.
type Reaction struct {
	Emoji  string
	UserID int64
}

// Message is a chat message. Identity is ID; ordering is (CreatedAt, ID).
// Only EditedAt, Content (on edit) and Reactions change after creation.
type Message struct {
	ID           int64
	Conversation ConversationKey
	SenderID     int64
	Sender       *UserProfile
	Content      string
	CreatedAt    time.Time
	EditedAt     *time.Time
	Reactions    []Reaction
}

// Before reports whether m sorts before o by the message ordering key.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// clone returns a copy that shares no mutable state with m.
func (m Message) clone() Message {
	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		m.EditedAt = &t
	}
	return m
}

// TimelinePage is one page of history as returned by the server. It is a
// transient fetch result and is not retained after merge.
type TimelinePage struct {
	Items      []Message
	PageNumber int
	TotalPages int
	Total      int
}
