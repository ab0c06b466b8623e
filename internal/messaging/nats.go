// Package messaging fans the client's state changes out over NATS so that
// out-of-process view layers can follow timelines, typing presence and the
// session without embedding the synchronization core.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/chatsync/internal/chat"
)

// NATS subject patterns.
const (
	SubjectTimeline = "chatsync.timeline" // + .<kind>.<id>
	SubjectTyping   = "chatsync.typing"   // + .<kind>.<id>
	SubjectSession  = "chatsync.session"
)

// TimelineEvent is published after every timeline mutation.
type TimelineEvent struct {
	Conversation string `json:"conversation"`
	Kind         string `json:"kind"`
	Len          int    `json:"len"`
}

// TypingEvent is published when a conversation's typing set changes.
type TypingEvent struct {
	Conversation string  `json:"conversation"`
	Users        []int64 `json:"users"`
}

// SessionEvent is published on every session state change.
type SessionEvent struct {
	State    string `json:"state"`
	UserID   int64  `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Degraded bool   `json:"degraded"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatsync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// ConversationSubject returns base.<kind>.<id> for key.
func ConversationSubject(base string, key chat.ConversationKey) string {
	return base + "." + string(key.Kind) + "." + strconv.FormatInt(key.ID, 10)
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c *NATSClient) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// PublishTimelineUpdate publishes u on the conversation's timeline subject.
func (c *NATSClient) PublishTimelineUpdate(u chat.Update) error {
	return c.publishJSON(ConversationSubject(SubjectTimeline, u.Key), TimelineEvent{
		Conversation: u.Key.String(),
		Kind:         string(u.Kind),
		Len:          u.Len,
	})
}

// PublishTyping publishes the typing set of key.
func (c *NATSClient) PublishTyping(key chat.ConversationKey, users []int64) error {
	if users == nil {
		users = []int64{}
	}
	return c.publishJSON(ConversationSubject(SubjectTyping, key), TypingEvent{
		Conversation: key.String(),
		Users:        users,
	})
}

// PublishSession publishes a session state change.
func (c *NATSClient) PublishSession(ev SessionEvent) error {
	return c.publishJSON(SubjectSession, ev)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeTimeline delivers timeline events for key.
func (c *NATSClient) SubscribeTimeline(key chat.ConversationKey, handler func(TimelineEvent)) error {
	subject := ConversationSubject(SubjectTimeline, key)
	return c.Subscribe(subject, func(msg *nats.Msg) {
		var ev TimelineEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad timeline event on %s: %v", subject, err)
			return
		}
		handler(ev)
	})
}

// UnsubscribeTimeline removes the timeline subscription for key.
func (c *NATSClient) UnsubscribeTimeline(key chat.ConversationKey) error {
	return c.unsubscribe(ConversationSubject(SubjectTimeline, key))
}

// SubscribeTyping delivers typing events for key.
func (c *NATSClient) SubscribeTyping(key chat.ConversationKey, handler func(TypingEvent)) error {
	subject := ConversationSubject(SubjectTyping, key)
	return c.Subscribe(subject, func(msg *nats.Msg) {
		var ev TypingEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad typing event on %s: %v", subject, err)
			return
		}
		handler(ev)
	})
}

// UnsubscribeTyping removes the typing subscription for key.
func (c *NATSClient) UnsubscribeTyping(key chat.ConversationKey) error {
	return c.unsubscribe(ConversationSubject(SubjectTyping, key))
}

// SubscribeSession delivers session events.
func (c *NATSClient) SubscribeSession(handler func(SessionEvent)) error {
	return c.Subscribe(SubjectSession, func(msg *nats.Msg) {
		var ev SessionEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad session event: %v", err)
			return
		}
		handler(ev)
	})
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
