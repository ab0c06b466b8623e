// Package session owns the authenticated session's lifecycle: login,
// registration, logout, startup restore, and the reactions to credential
// expiry and realtime degradation. It is the only writer of the credential
// store besides the gateway.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/credential"
	"github.com/whisper/chatsync/internal/gateway"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/realtime"
	"github.com/whisper/chatsync/internal/syncerr"
	"github.com/whisper/chatsync/internal/typing"
)

// State is the session's authentication state.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrNotAuthenticated = errors.New("session: not authenticated")
	ErrBusy             = errors.New("session: authentication already in progress or complete")
)

// Snapshot is the observable session state.
type Snapshot struct {
	State    State
	User     *chat.UserProfile
	Degraded bool
}

// API is the REST surface the controller uses. *gateway.API satisfies it.
type API interface {
	Login(ctx context.Context, username, password string) (gateway.AuthResult, error)
	Register(ctx context.Context, f gateway.RegisterFields) (gateway.AuthResult, error)
	Refresh(ctx context.Context) (string, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context) (chat.UserProfile, error)
	Send(ctx context.Context, key chat.ConversationKey, content string) (chat.Message, error)
}

// Realtime is the push channel the controller drives. *realtime.Channel
// satisfies it.
type Realtime interface {
	Connect(token string)
	Disconnect()
	Join(key chat.ConversationKey)
	Leave(key chat.ConversationKey)
	On(event string, fn realtime.Handler) realtime.HandlerID
	Emit(event string, payload interface{}) bool
}

// Config holds tunable parameters for the Controller.
type Config struct {
	// ExpirySkew renews an access token this long before its exp claim.
	ExpirySkew time.Duration

	// TypingInterval is the inactivity period of each conversation's
	// typing debouncer.
	TypingInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ExpirySkew:     credential.DefaultExpirySkew,
		TypingInterval: typing.DefaultInterval,
	}
}

// Controller sequences the session lifecycle across the credential store,
// the REST API and the realtime channel.
type Controller struct {
	cfg   Config
	api   API
	store *credential.Store
	rt    Realtime

	mu         sync.Mutex
	state      State
	user       *chat.UserProfile
	degraded   bool
	installed  bool
	reconciler *chat.Reconciler
	tracker    *typing.Tracker
	open       map[chat.ConversationKey]*typing.Debouncer

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// New creates an anonymous Controller.
func New(cfg Config, api API, store *credential.Store, rt Realtime) *Controller {
	return &Controller{
		cfg:   cfg,
		api:   api,
		store: store,
		rt:    rt,
		open:  make(map[chat.ConversationKey]*typing.Debouncer),
		subs:  make(map[int]func(Snapshot)),
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// Login authenticates and connects the realtime channel.
func (c *Controller) Login(ctx context.Context, username, password string) error {
	if err := c.begin(StateAuthenticating); err != nil {
		return err
	}
	res, err := c.api.Login(ctx, username, password)
	if err != nil {
		c.setState(StateAnonymous, nil)
		return fmt.Errorf("session: login: %w", err)
	}
	c.establish(res)
	log.Printf("[session] logged in user=%d", res.User.ID)
	return nil
}

// Register creates an account, then behaves like Login.
func (c *Controller) Register(ctx context.Context, f gateway.RegisterFields) error {
	if err := c.begin(StateAuthenticating); err != nil {
		return err
	}
	res, err := c.api.Register(ctx, f)
	if err != nil {
		c.setState(StateAnonymous, nil)
		return fmt.Errorf("session: register: %w", err)
	}
	c.establish(res)
	log.Printf("[session] registered user=%d", res.User.ID)
	return nil
}

// Logout notifies the server on a best-effort basis and always clears local
// state.
func (c *Controller) Logout(ctx context.Context) {
	if _, ok := c.store.Get(); ok {
		if err := c.api.Logout(ctx); err != nil {
			log.Printf("[session] server logout failed (ignored): %v", err)
		}
	}
	c.teardown()
	log.Printf("[session] logged out")
}

// Bootstrap restores a persisted session at startup. An expired access
// token is renewed once. Any failure leaves the session anonymous with all
// local state cleared.
func (c *Controller) Bootstrap(ctx context.Context) error {
	if err := c.begin(StateAuthenticating); err != nil {
		return err
	}
	ok, err := c.store.Restore(ctx)
	if err != nil {
		log.Printf("[session] restore failed: %v", err)
	}
	if !ok {
		c.setState(StateAnonymous, nil)
		return nil
	}
	cred, _ := c.store.Get()

	if cred.Expired(time.Now(), c.cfg.ExpirySkew) {
		c.setState(StateRefreshing, nil)
		if _, err := c.api.Refresh(ctx); err != nil {
			c.teardown()
			return fmt.Errorf("session: bootstrap: refresh: %w", err)
		}
	}

	c.setState(StateAuthenticating, nil)
	me, err := c.api.Me(ctx)
	if err != nil {
		c.teardown()
		return fmt.Errorf("session: bootstrap: %w", err)
	}

	cred, ok = c.store.Get()
	if !ok {
		c.teardown()
		return fmt.Errorf("session: bootstrap: %w", syncerr.ErrAuthExpired)
	}
	c.authenticated(me, cred.AccessToken)
	log.Printf("[session] restored session user=%d", me.ID)
	return nil
}

// AuthExpired is registered as the gateway's expiry hook. The server
// session is already gone, so only local state is cleared.
func (c *Controller) AuthExpired() {
	log.Printf("[session] credentials expired, signing out")
	c.teardown()
}

// ConnectivityDegraded is registered as the realtime channel's degraded
// hook. The session stays authenticated.
func (c *Controller) ConnectivityDegraded(err error) {
	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()
	log.Printf("[session] realtime degraded: %v", err)
	c.publish()
}

// Degraded reports whether the realtime channel gave up reconnecting.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Reconnect clears the degraded flag and reconnects with a fresh attempt
// budget.
func (c *Controller) Reconnect() error {
	c.mu.Lock()
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	c.degraded = false
	c.mu.Unlock()

	cred, ok := c.store.Get()
	if !ok {
		return ErrNotAuthenticated
	}
	c.publish()
	c.connect(cred.AccessToken)
	return nil
}

func (c *Controller) begin(s State) error {
	c.mu.Lock()
	if c.state != StateAnonymous {
		c.mu.Unlock()
		return ErrBusy
	}
	c.state = s
	c.mu.Unlock()
	c.publish()
	return nil
}

func (c *Controller) establish(res gateway.AuthResult) {
	exp, _ := credential.ExpiryFromToken(res.AccessToken)
	c.store.Set(credential.Credential{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresAt:    exp,
	})
	c.authenticated(res.User, res.AccessToken)
}

func (c *Controller) authenticated(user chat.UserProfile, token string) {
	c.mu.Lock()
	c.state = StateAuthenticated
	c.user = &user
	c.degraded = false
	tracker := c.tracker
	c.mu.Unlock()

	if tracker != nil {
		tracker.SetSelfID(user.ID)
	}
	c.publish()
	c.connect(token)
}

// teardown is the logout-equivalent local cleanup. It is idempotent.
func (c *Controller) teardown() {
	c.mu.Lock()
	open := c.open
	c.open = make(map[chat.ConversationKey]*typing.Debouncer)
	c.installed = false
	c.state = StateAnonymous
	c.user = nil
	c.degraded = false
	reconciler, tracker := c.reconciler, c.tracker
	c.mu.Unlock()

	c.rt.Disconnect()
	c.store.Clear()
	for key, d := range open {
		d.Close()
		if reconciler != nil {
			reconciler.Forget(key)
		}
	}
	if tracker != nil {
		tracker.Close()
	}
	c.publish()
}

func (c *Controller) setState(s State, user *chat.UserProfile) {
	c.mu.Lock()
	c.state = s
	c.user = user
	c.mu.Unlock()
	c.publish()
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{State: c.state, Degraded: c.degraded}
	if c.user != nil {
		u := *c.user
		s.User = &u
	}
	return s
}

// Subscribe registers fn for every session change and returns a cancel func.
func (c *Controller) Subscribe(fn func(Snapshot)) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) publish() {
	snap := c.Snapshot()
	c.subMu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// Wire routes realtime events into reconciler and tracker for every open
// conversation. Call it before Login or Bootstrap.
func (c *Controller) Wire(reconciler *chat.Reconciler, tracker *typing.Tracker) {
	reconciler.Subscribe(func(u chat.Update) {
		if u.Kind == chat.UpdateForget {
			metrics.TimelineMessages.DeleteLabelValues(u.Key.String())
			return
		}
		metrics.TimelineMessages.WithLabelValues(u.Key.String()).Set(float64(u.Len))
	})

	c.mu.Lock()
	c.reconciler = reconciler
	c.tracker = tracker
	install := c.state == StateAuthenticated && !c.installed
	if c.user != nil {
		tracker.SetSelfID(c.user.ID)
	}
	c.mu.Unlock()

	if install {
		c.install()
	}
}

// connect installs the event handlers if the channel lost them, then
// connects.
func (c *Controller) connect(token string) {
	c.install()
	c.rt.Connect(token)
}

func (c *Controller) install() {
	c.mu.Lock()
	if c.installed || c.reconciler == nil {
		c.mu.Unlock()
		return
	}
	c.installed = true
	c.mu.Unlock()

	c.rt.On(protocol.EventConnect, func(protocol.Event) { c.rejoin() })
	c.rt.On(protocol.EventNewMessage, c.onMessage)
	c.rt.On(protocol.EventNewDirectMessage, c.onMessage)
	c.rt.On(protocol.EventNewReaction, func(ev protocol.Event) {
		e, ok := ev.(protocol.NewReactionEvent)
		if !ok {
			return
		}
		c.reconcilerRef().AcceptReactionUpdate(int64(e.Reaction.MessageID), int64(e.Reaction.UserID), e.Reaction.Reaction)
	})
	c.rt.On(protocol.EventUserTyping, func(ev protocol.Event) {
		if e, ok := ev.(protocol.UserTypingEvent); ok {
			c.onTyping(e.TypingPayload, true)
		}
	})
	c.rt.On(protocol.EventUserStoppedTyping, func(ev protocol.Event) {
		if e, ok := ev.(protocol.UserStoppedTypingEvent); ok {
			c.onTyping(e.TypingPayload, false)
		}
	})
}

func (c *Controller) reconcilerRef() *chat.Reconciler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciler
}

func (c *Controller) onMessage(ev protocol.Event) {
	var p protocol.MessagePayload
	switch e := ev.(type) {
	case protocol.NewMessageEvent:
		p = e.Message
	case protocol.NewDirectMessageEvent:
		p = e.Message
	default:
		return
	}
	msg := p.ToMessage()
	if !c.isOpen(msg.Conversation) {
		return
	}
	c.reconcilerRef().AcceptPushMessage(msg.Conversation, msg)
}

func (c *Controller) onTyping(p protocol.TypingPayload, start bool) {
	key := p.Conversation()
	c.mu.Lock()
	_, open := c.open[key]
	tracker := c.tracker
	c.mu.Unlock()
	if !open || tracker == nil {
		return
	}
	if start {
		tracker.Start(key, int64(p.UserID))
	} else {
		tracker.Stop(key, int64(p.UserID))
	}
}

// rejoin re-subscribes every open conversation after a (re)connect.
func (c *Controller) rejoin() {
	for _, key := range c.OpenConversations() {
		c.rt.Join(key)
	}
}

func (c *Controller) isOpen(key chat.ConversationKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.open[key]
	return ok
}

// OpenConversations returns the conversations currently open.
func (c *Controller) OpenConversations() []chat.ConversationKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.ConversationKey, 0, len(c.open))
	for k := range c.open {
		out = append(out, k)
	}
	return out
}

// Open starts tracking key: it joins the realtime room and loads the first
// page of history.
func (c *Controller) Open(ctx context.Context, key chat.ConversationKey) error {
	c.mu.Lock()
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	if _, ok := c.open[key]; ok {
		c.mu.Unlock()
		return nil
	}
	c.open[key] = typing.NewDebouncer(key, c.rt, c.accessToken, c.cfg.TypingInterval)
	reconciler := c.reconciler
	c.mu.Unlock()

	c.rt.Join(key)
	if reconciler == nil {
		return nil
	}
	if err := reconciler.LoadPage(ctx, key, 1); err != nil {
		return fmt.Errorf("session: open %s: %w", key, err)
	}
	return nil
}

// Close stops tracking key and drops its timeline, typing and debounce
// state.
func (c *Controller) Close(key chat.ConversationKey) {
	c.mu.Lock()
	d, ok := c.open[key]
	delete(c.open, key)
	reconciler, tracker := c.reconciler, c.tracker
	c.mu.Unlock()
	if !ok {
		return
	}

	d.Close()
	c.rt.Leave(key)
	if reconciler != nil {
		reconciler.Forget(key)
	}
	if tracker != nil {
		tracker.Forget(key)
	}
}

// LoadMore loads the next page of history for an open conversation.
func (c *Controller) LoadMore(ctx context.Context, key chat.ConversationKey) (bool, error) {
	reconciler := c.reconcilerRef()
	if reconciler == nil || !c.isOpen(key) {
		return false, nil
	}
	return reconciler.LoadNextPage(ctx, key)
}

// Draft reports an edit of the compose box for key.
func (c *Controller) Draft(key chat.ConversationKey, content string) {
	c.mu.Lock()
	d := c.open[key]
	c.mu.Unlock()
	if d != nil {
		d.Changed(content)
	}
}

// Submit stops the typing signal and sends content. The created message is
// merged into the timeline; the server's push of the same id is then a
// no-op.
func (c *Controller) Submit(ctx context.Context, key chat.ConversationKey, content string) (chat.Message, error) {
	c.mu.Lock()
	d := c.open[key]
	reconciler := c.reconciler
	c.mu.Unlock()
	if d != nil {
		d.Submitted()
	}

	msg, err := c.api.Send(ctx, key, content)
	if err != nil {
		return chat.Message{}, fmt.Errorf("session: send: %w", err)
	}
	if reconciler != nil && c.isOpen(key) {
		reconciler.AcceptPushMessage(key, msg)
	}
	return msg, nil
}

func (c *Controller) accessToken() string {
	cred, _ := c.store.Get()
	return cred.AccessToken
}
