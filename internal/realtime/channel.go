// Package realtime manages the single persistent WebSocket connection to the
// chat server: handshake, bounded reconnection, conversation subscriptions
// and dispatch of inbound events to registered handlers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/syncerr"
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

var stateNames = []string{"disconnected", "connecting", "connected", "reconnecting"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds tunable parameters for a Channel.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:5000/ws".
	URL string

	// ReconnectDelay is the fixed wait before each reconnection attempt.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed attempts after a drop.
	MaxReconnectAttempts int

	// DialTimeout bounds one connect + handshake.
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration

	// PingInterval is how often a ping frame is sent. Zero disables the
	// heartbeat.
	PingInterval time.Duration

	// PongTimeout is added to PingInterval to get the longest tolerated
	// silence from the server.
	PongTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:                  "ws://localhost:5000/ws",
		ReconnectDelay:       1 * time.Second,
		MaxReconnectAttempts: 5,
		DialTimeout:          10 * time.Second,
		WriteTimeout:         5 * time.Second,
		PingInterval:         25 * time.Second,
		PongTimeout:          20 * time.Second,
	}
}

// Channel is the client side of the push stream. All methods are safe for
// concurrent use.
type Channel struct {
	cfg      Config
	dispatch *dispatcher

	mu         sync.Mutex
	state      State
	token      string
	loopID     uint64
	cancel     context.CancelFunc
	conn       *conn
	attempts   int
	subs       map[chat.ConversationKey]struct{}
	onDegraded func(error)
	onState    func(State)
}

// New creates a disconnected Channel.
func New(cfg Config) *Channel {
	c := &Channel{
		cfg:      cfg,
		dispatch: newDispatcher(),
		subs:     make(map[chat.ConversationKey]struct{}),
	}
	metrics.SetRealtimeState(StateDisconnected.String(), stateNames)
	return c
}

// OnDegraded registers the hook invoked with syncerr.ErrConnectivityDegraded
// when the reconnection budget is exhausted.
func (c *Channel) OnDegraded(fn func(error)) {
	c.mu.Lock()
	c.onDegraded = fn
	c.mu.Unlock()
}

// OnStateChange registers a hook invoked after every state transition.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connecting with token. It is a no-op while connecting or
// connected. From any other state it resets the attempt counter and starts a
// fresh connection loop.
func (c *Channel) Connect(token string) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loopID++
	id := c.loopID
	c.token = token
	c.attempts = 0
	notify := c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	notify()
	go c.run(ctx, id, token)
}

// Disconnect cancels any pending reconnection, closes the connection and
// clears every handler and subscription. It is terminal until the next
// Connect.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.loopID++
	cn := c.conn
	c.conn = nil
	c.token = ""
	c.subs = make(map[chat.ConversationKey]struct{})
	notify := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cn != nil {
		cn.close()
	}
	c.dispatch.reset()
	notify()
}

// On registers fn for event. Several handlers may share an event; they run
// in registration order.
func (c *Channel) On(event string, fn Handler) HandlerID {
	return c.dispatch.register(event, fn)
}

// Off removes one registration.
func (c *Channel) Off(event string, id HandlerID) bool {
	return c.dispatch.unregister(event, id)
}

// OffAll removes every handler for event.
func (c *Channel) OffAll(event string) {
	c.dispatch.unregisterAll(event)
}

// Emit sends event with payload. It reports false, and drops the event, when
// not connected or when the write fails.
func (c *Channel) Emit(event string, payload interface{}) bool {
	c.mu.Lock()
	cn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || cn == nil {
		return false
	}

	data, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		log.Printf("[realtime] emit %s: %v", event, err)
		return false
	}
	if err := cn.writeText(data); err != nil {
		log.Printf("[realtime] emit %s failed: %v", event, err)
		cn.close()
		return false
	}
	return true
}

// Join subscribes to key's events. Channel keys emit join_channel; direct
// threads are delivered to the user's own room by the server, so joining one
// only records it. No-op unless connected.
func (c *Channel) Join(key chat.ConversationKey) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.subs[key] = struct{}{}
	token := c.token
	c.mu.Unlock()

	if key.Kind == chat.KindChannel {
		c.Emit(protocol.EventJoinChannel, protocol.ChannelPayload{ChannelID: key.ID, Token: token})
	}
}

// Leave unsubscribes from key. No-op unless connected.
func (c *Channel) Leave(key chat.ConversationKey) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	delete(c.subs, key)
	token := c.token
	c.mu.Unlock()

	if key.Kind == chat.KindChannel {
		c.Emit(protocol.EventLeaveChannel, protocol.ChannelPayload{ChannelID: key.ID, Token: token})
	}
}

// Subscriptions returns the keys joined on the current connection.
func (c *Channel) Subscriptions() []chat.ConversationKey {
	c.mu.Lock()
	out := make([]chat.ConversationKey, 0, len(c.subs))
	for k := range c.subs {
		out = append(out, k)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ---------------------------------------------------------------------------
// Connection loop
// ---------------------------------------------------------------------------

// run owns the connection for one Connect call. At most one dial is in
// flight at a time. Every state mutation checks id so that a superseded loop
// cannot affect its successor.
func (c *Channel) run(ctx context.Context, id uint64, token string) {
	attempt := 0
	for {
		cn, err := c.dial(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[realtime] connect failed attempt=%d: %v", attempt, err)
			c.dispatch.dispatch(protocol.EventConnectError, protocol.LifecycleEvent{
				Name: protocol.EventConnectError, Err: err, Attempt: attempt,
			})
		} else {
			if !c.attach(id, cn) {
				cn.close()
				return
			}
			log.Printf("[realtime] connected")
			c.dispatch.dispatch(protocol.EventConnect, protocol.LifecycleEvent{
				Name: protocol.EventConnect, Attempt: attempt,
			})

			reason := c.serve(ctx, cn)
			c.detach(id, cn)
			if ctx.Err() != nil {
				return
			}
			log.Printf("[realtime] connection lost: %s", reason)
			c.dispatch.dispatch(protocol.EventDisconnect, protocol.LifecycleEvent{
				Name: protocol.EventDisconnect, Reason: reason,
			})
		}

		var ok bool
		attempt, ok = c.waitRetry(ctx, id)
		if !ok {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context, token string) (*conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	d := ws.Dialer{
		Timeout: c.cfg.DialTimeout,
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		}),
	}
	nc, br, _, err := d.Dial(ctx, u.String())
	if err != nil {
		var status ws.StatusError
		if errors.As(err, &status) {
			return nil, fmt.Errorf("realtime: handshake: %w", err)
		}
		return nil, syncerr.Network("realtime: dial", err)
	}
	return newConn(nc, br, c.cfg.WriteTimeout), nil
}

// serve reads and dispatches frames until the connection fails or ctx is
// cancelled, and returns the reason.
func (c *Channel) serve(ctx context.Context, cn *conn) string {
	done := make(chan struct{})
	defer close(done)
	go c.heartbeat(cn, done)

	stop := context.AfterFunc(ctx, cn.close)
	defer stop()

	for {
		data, err := cn.readText()
		if err != nil {
			cn.close()
			return err.Error()
		}
		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	ev, err := protocol.ParseServerFrame(data)
	if err != nil {
		log.Printf("[realtime] dropping frame: %v", err)
		return
	}
	name := ev.EventName()
	metrics.EventsTotal.WithLabelValues(name).Inc()
	c.dispatch.dispatch(name, ev)
}

func (c *Channel) attach(id uint64, cn *conn) bool {
	c.mu.Lock()
	if c.loopID != id {
		c.mu.Unlock()
		return false
	}
	c.conn = cn
	c.attempts = 0
	notify := c.setStateLocked(StateConnected)
	c.mu.Unlock()
	notify()
	return true
}

// detach forgets cn and the subscriptions made on it.
func (c *Channel) detach(id uint64, cn *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loopID != id {
		return
	}
	if c.conn == cn {
		c.conn = nil
	}
	c.subs = make(map[chat.ConversationKey]struct{})
}

// waitRetry consumes one reconnection attempt and sleeps ReconnectDelay. It
// reports false when the loop must stop: superseded, cancelled, or the
// budget is exhausted.
func (c *Channel) waitRetry(ctx context.Context, id uint64) (int, bool) {
	c.mu.Lock()
	if c.loopID != id {
		c.mu.Unlock()
		return 0, false
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		cancel := c.cancel
		c.cancel = nil
		notify := c.setStateLocked(StateDisconnected)
		hook := c.onDegraded
		attempts := c.attempts
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		notify()
		log.Printf("[realtime] giving up after %d reconnection attempts", attempts)
		if hook != nil {
			hook(syncerr.ErrConnectivityDegraded)
		}
		return 0, false
	}
	c.attempts++
	attempt := c.attempts
	notify := c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	notify()
	metrics.ReconnectAttempts.Inc()

	timer := time.NewTimer(c.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, false
	case <-timer.C:
		return attempt, true
	}
}

// setStateLocked records s and returns a func that publishes the change
// once the caller has released c.mu.
func (c *Channel) setStateLocked(s State) func() {
	if c.state == s {
		return func() {}
	}
	c.state = s
	hook := c.onState
	return func() {
		metrics.SetRealtimeState(s.String(), stateNames)
		if hook != nil {
			hook(s)
		}
	}
}
