// Package protocol defines the realtime event stream's wire format. Every
// frame is a JSON object {"event": <name>, "data": <payload>}; inbound frames
// are decoded into typed event variants keyed by name.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/whisper/chatsync/internal/chat"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventJoinChannel          = "join_channel"
	EventLeaveChannel         = "leave_channel"
	EventTypingChannel        = "typing_channel"
	EventStoppedTypingChannel = "stopped_typing_channel"
	EventTypingDirect         = "typing_direct"
	EventStoppedTypingDirect  = "stopped_typing_direct"
)

// Server -> Client events.
const (
	EventNewMessage        = "new_message"
	EventNewDirectMessage  = "new_direct_message"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventNewReaction       = "new_reaction"
	EventUserStatusChange  = "user_status_change"
	EventError             = "error"
)

// Lifecycle events raised locally by the realtime channel.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// ---------------------------------------------------------------------------
// Frame
// ---------------------------------------------------------------------------

// Frame is the envelope of every realtime message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ID is a numeric identifier that the server may send either as a JSON
// number or as a numeric string (user ids come from token subjects).
type ID int64

// UnmarshalJSON accepts 42, "42" and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("protocol: invalid id %q: %w", s, err)
		}
		*id = ID(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: invalid id %s: %w", data, err)
	}
	*id = ID(n)
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// ChannelPayload is sent with join_channel, leave_channel, typing_channel
// and stopped_typing_channel.
type ChannelPayload struct {
	ChannelID int64  `json:"channel_id"`
	Token     string `json:"token"`
}

// DirectPayload is sent with typing_direct and stopped_typing_direct.
type DirectPayload struct {
	ChatID int64  `json:"chat_id"`
	Token  string `json:"token"`
}

// ---------------------------------------------------------------------------
// Shared payloads
// ---------------------------------------------------------------------------

// ReactionPayload is a reaction as serialized by the server.
type ReactionPayload struct {
	ID        ID     `json:"id,omitempty"`
	MessageID ID     `json:"message_id"`
	UserID    ID     `json:"user_id"`
	Reaction  string `json:"reaction"`
}

// MessagePayload is a message as serialized by the server, both in REST
// responses and in push events.
type MessagePayload struct {
	ID                  ID                `json:"id"`
	Content             string            `json:"content"`
	SenderID            ID                `json:"sender_id"`
	ChannelID           ID                `json:"channel_id,omitempty"`
	DirectMessageChatID ID                `json:"direct_message_chat_id,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           *time.Time        `json:"updated_at,omitempty"`
	IsEdited            bool              `json:"is_edited"`
	Reactions           []ReactionPayload `json:"reactions,omitempty"`
	Sender              *chat.UserProfile `json:"sender,omitempty"`
}

// Conversation derives the conversation the message belongs to.
func (m MessagePayload) Conversation() chat.ConversationKey {
	if m.DirectMessageChatID != 0 {
		return chat.Direct(int64(m.DirectMessageChatID))
	}
	return chat.Channel(int64(m.ChannelID))
}

// ToMessage converts the wire form into the chat model.
func (m MessagePayload) ToMessage() chat.Message {
	out := chat.Message{
		ID:           int64(m.ID),
		Conversation: m.Conversation(),
		SenderID:     int64(m.SenderID),
		Sender:       m.Sender,
		Content:      m.Content,
		CreatedAt:    m.CreatedAt,
	}
	if m.IsEdited && m.UpdatedAt != nil {
		t := *m.UpdatedAt
		out.EditedAt = &t
	}
	for _, r := range m.Reactions {
		out.Reactions = append(out.Reactions, chat.Reaction{Emoji: r.Reaction, UserID: int64(r.UserID)})
	}
	return out
}

// ---------------------------------------------------------------------------
// Server -> Client event variants
// ---------------------------------------------------------------------------

// Event is implemented by every decoded inbound event.
type Event interface {
	EventName() string
}

// NewMessageEvent carries a message posted to a channel.
type NewMessageEvent struct {
	Message MessagePayload `json:"message"`
}

// NewDirectMessageEvent carries a message posted to a direct thread.
type NewDirectMessageEvent struct {
	Message MessagePayload `json:"message"`
}

// TypingPayload is shared by user_typing and user_stopped_typing.
type TypingPayload struct {
	ChannelID ID   `json:"channel_id,omitempty"`
	ChatID    ID   `json:"chat_id,omitempty"`
	UserID    ID   `json:"user_id"`
	IsDirect  bool `json:"is_direct,omitempty"`
}

// Conversation derives the conversation the typing signal refers to.
func (p TypingPayload) Conversation() chat.ConversationKey {
	if p.IsDirect || (p.ChatID != 0 && p.ChannelID == 0) {
		return chat.Direct(int64(p.ChatID))
	}
	return chat.Channel(int64(p.ChannelID))
}

// UserTypingEvent reports that a remote user started typing.
type UserTypingEvent struct{ TypingPayload }

// UserStoppedTypingEvent reports that a remote user stopped typing.
type UserStoppedTypingEvent struct{ TypingPayload }

// NewReactionEvent carries a reaction added to a message.
type NewReactionEvent struct {
	Reaction ReactionPayload `json:"reaction"`
}

// UserStatusChangeEvent reports a user's online status.
type UserStatusChangeEvent struct {
	UserID ID     `json:"user_id"`
	Status string `json:"status"`
}

// ErrorEvent is an error reported by the server over the stream.
type ErrorEvent struct {
	Message string `json:"message"`
}

// UnknownEvent wraps events this client does not model. The raw payload is
// kept so handlers registered by name can still decode it.
type UnknownEvent struct {
	Name string
	Data json.RawMessage
}

// LifecycleEvent is delivered to connect, disconnect and connect_error
// handlers. Attempt is the reconnection attempt number (0 for the initial
// connection).
type LifecycleEvent struct {
	Name    string
	Reason  string
	Err     error
	Attempt int
}

func (NewMessageEvent) EventName() string        { return EventNewMessage }
func (NewDirectMessageEvent) EventName() string  { return EventNewDirectMessage }
func (UserTypingEvent) EventName() string        { return EventUserTyping }
func (UserStoppedTypingEvent) EventName() string { return EventUserStoppedTyping }
func (NewReactionEvent) EventName() string       { return EventNewReaction }
func (UserStatusChangeEvent) EventName() string  { return EventUserStatusChange }
func (ErrorEvent) EventName() string             { return EventError }
func (e UnknownEvent) EventName() string         { return e.Name }
func (e LifecycleEvent) EventName() string       { return e.Name }

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseServerFrame decodes a raw frame into a typed event. Unmodelled event
// names decode to UnknownEvent rather than failing.
func ParseServerFrame(data []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse frame: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("protocol: missing or empty \"event\" field")
	}

	var (
		ev  Event
		err error
	)
	switch f.Event {
	case EventNewMessage:
		var e NewMessageEvent
		err = decodeData(f.Data, &e)
		ev = e
	case EventNewDirectMessage:
		var e NewDirectMessageEvent
		err = decodeData(f.Data, &e)
		ev = e
	case EventUserTyping:
		var e UserTypingEvent
		err = decodeData(f.Data, &e.TypingPayload)
		ev = e
	case EventUserStoppedTyping:
		var e UserStoppedTypingEvent
		err = decodeData(f.Data, &e.TypingPayload)
		ev = e
	case EventNewReaction:
		var e NewReactionEvent
		err = decodeData(f.Data, &e)
		ev = e
	case EventUserStatusChange:
		var e UserStatusChangeEvent
		err = decodeData(f.Data, &e)
		ev = e
	case EventError:
		var e ErrorEvent
		err = decodeData(f.Data, &e)
		ev = e
	default:
		return UnknownEvent{Name: f.Event, Data: f.Data}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("protocol: failed to decode %q payload: %w", f.Event, err)
	}
	return ev, nil
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// EncodeFrame builds the wire bytes for an outbound event.
func EncodeFrame(event string, payload interface{}) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		data = raw
	}
	out, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}
