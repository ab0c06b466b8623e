package realtime

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/protocol"
	"github.com/whisper/chatsync/internal/syncerr"
)

// ---------------------------------------------------------------------------
// Fake realtime server
// ---------------------------------------------------------------------------

type fakeServer struct {
	srv *httptest.Server

	dials     atomic.Int32
	accepting atomic.Bool
	// silent connections are never read, so pings go unanswered.
	silent atomic.Bool

	mu        sync.Mutex
	conns     []net.Conn
	lastAuth  string
	lastToken string

	received chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{received: make(chan string, 64)}
	fs.accepting.Store(true)
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(func() {
		fs.dropAll()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	fs.dials.Add(1)
	if !fs.accepting.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	fs.mu.Lock()
	fs.lastAuth = r.Header.Get("Authorization")
	fs.lastToken = r.URL.Query().Get("token")
	fs.mu.Unlock()

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	fs.mu.Lock()
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	if fs.silent.Load() {
		return
	}
	go func() {
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			fs.received <- string(data)
		}
	}()
}

func (fs *fakeServer) url() string {
	return "ws://" + strings.TrimPrefix(fs.srv.URL, "http://") + "/ws"
}

func (fs *fakeServer) dropAll() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (fs *fakeServer) send(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := protocol.EncodeFrame(event, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, c := range fs.conns {
		if err := wsutil.WriteServerText(c, data); err != nil {
			t.Fatalf("server write: %v", err)
		}
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.DialTimeout = time.Second
	cfg.PingInterval = 0
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ready reports when the client is connected and the server side has
// registered the connection.
func (fs *fakeServer) ready(c *Channel) func() bool {
	return func() bool {
		fs.mu.Lock()
		n := len(fs.conns)
		fs.mu.Unlock()
		return n > 0 && c.State() == StateConnected
	}
}

// ---------------------------------------------------------------------------
// Test: Handshake carries the token in the header and the query
// ---------------------------------------------------------------------------

func TestConnect_Handshake(t *testing.T) {
	fs := newFakeServer(t)
	ch := New(testConfig(fs.url()))
	defer ch.Disconnect()

	connectEvents := make(chan protocol.LifecycleEvent, 1)
	ch.On(protocol.EventConnect, func(ev protocol.Event) {
		connectEvents <- ev.(protocol.LifecycleEvent)
	})

	ch.Connect("tok-1")
	select {
	case <-connectEvents:
	case <-time.After(3 * time.Second):
		t.Fatal("expected connect event")
	}

	fs.mu.Lock()
	auth, token := fs.lastAuth, fs.lastToken
	fs.mu.Unlock()
	if auth != "Bearer tok-1" {
		t.Errorf("expected Authorization Bearer tok-1, got %q", auth)
	}
	if token != "tok-1" {
		t.Errorf("expected token query tok-1, got %q", token)
	}
	if ch.State() != StateConnected {
		t.Errorf("expected connected, got %s", ch.State())
	}
}

func TestConnect_Idempotent(t *testing.T) {
	fs := newFakeServer(t)
	ch := New(testConfig(fs.url()))
	defer ch.Disconnect()

	ch.Connect("tok")
	ch.Connect("tok")
	waitFor(t, "connected", fs.ready(ch))
	ch.Connect("tok")

	time.Sleep(50 * time.Millisecond)
	if got := fs.dials.Load(); got != 1 {
		t.Errorf("expected 1 dial, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Test: Reconnection budget
// ---------------------------------------------------------------------------

func TestReconnect_BudgetExhausted(t *testing.T) {
	fs := newFakeServer(t)
	ch := New(testConfig(fs.url()))
	defer ch.Disconnect()

	degraded := make(chan error, 4)
	ch.OnDegraded(func(err error) { degraded <- err })

	var connectErrors atomic.Int32
	ch.On(protocol.EventConnectError, func(protocol.Event) { connectErrors.Add(1) })

	ch.Connect("tok")
	waitFor(t, "connected", fs.ready(ch))

	fs.accepting.Store(false)
	fs.dropAll()

	select {
	case err := <-degraded:
		if !errors.Is(err, syncerr.ErrConnectivityDegraded) {
			t.Fatalf("expected ErrConnectivityDegraded, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected degraded signal")
	}

	if ch.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", ch.State())
	}
	// One initial connection plus five failed reconnection attempts.
	if got := fs.dials.Load(); got != 6 {
		t.Errorf("expected 6 dials, got %d", got)
	}
	if got := connectErrors.Load(); got != 5 {
		t.Errorf("expected 5 connect_error events, got %d", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := fs.dials.Load(); got != 6 {
		t.Fatalf("expected no 6th attempt, got %d dials", got)
	}

	// An explicit Connect resets the counter.
	fs.accepting.Store(true)
	ch.Connect("tok")
	waitFor(t, "reconnected", fs.ready(ch))
	if got := fs.dials.Load(); got != 7 {
		t.Errorf("expected 7 dials, got %d", got)
	}

	fs.accepting.Store(false)
	fs.dropAll()
	select {
	case <-degraded:
	case <-time.After(3 * time.Second):
		t.Fatal("expected second degraded signal")
	}
	if got := fs.dials.Load(); got != 12 {
		t.Errorf("expected a full fresh budget (12 dials), got %d", got)
	}
}

func TestReconnect_InitialDialFailure(t *testing.T) {
	fs := newFakeServer(t)
	fs.accepting.Store(false)

	cfg := testConfig(fs.url())
	cfg.MaxReconnectAttempts = 2
	ch := New(cfg)
	defer ch.Disconnect()

	degraded := make(chan error, 1)
	ch.OnDegraded(func(err error) { degraded <- err })

	ch.Connect("tok")
	select {
	case <-degraded:
	case <-time.After(3 * time.Second):
		t.Fatal("expected degraded signal")
	}
	if got := fs.dials.Load(); got != 3 {
		t.Errorf("expected 3 dials, got %d", got)
	}
}

func TestReconnect_RecoversAfterDrop(t *testing.T) {
	fs := newFakeServer(t)
	ch := New(testConfig(fs.url()))
	defer ch.Disconnect()

	var connects, disconnects atomic.Int32
	ch.On(protocol.EventConnect, func(protocol.Event) { connects.Add(1) })
	ch.On(protocol.EventDisconnect, func(protocol.Event) { disconnects.Add(1) })

	ch.Connect("tok")
	waitFor(t, "first connect", func() bool { return connects.Load() == 1 && fs.ready(ch)() })

	fs.dropAll()
	waitFor(t, "second connect", func() bool { return connects.Load() == 2 })
	if disconnects.Load() != 1 {
		t.Errorf("expected 1 disconnect event, got %d", disconnects.Load())
	}
}

// ---------------------------------------------------------------------------
// Test: Disconnect cancels a pending reconnection
// ---------------------------------------------------------------------------

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	fs := newFakeServer(t)
	cfg := testConfig(fs.url())
	cfg.ReconnectDelay = 200 * time.Millisecond
	ch := New(cfg)

	ch.Connect("tok")
	waitFor(t, "connected", fs.ready(ch))

	fs.dropAll()
	waitFor(t, "reconnecting", func() bool { return ch.State() == StateReconnecting })

	ch.Disconnect()
	time.Sleep(400 * time.Millisecond)

	if got := fs.dials.Load(); got != 1 {
		t.Errorf("expected no reconnection dial after Disconnect, got %d dials", got)
	}
	if ch.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", ch.State())
	}
}

func TestDisconnect_ClearsHandlers(t *testing.T) {
	fs := newFakeServer(t)
	ch := New(testConfig(fs.url()))

	ch.On(protocol.EventNewMessage, func(protocol.Event) {})
	ch.Connect("tok")
	waitFor(t, "connected", fs.ready(ch))
	ch.Join(chat.Channel(1))

	ch.Disconnect()
	if n := ch.dispatch.count(protocol.EventNewMessage); n != 0 {
		t.Errorf("expected handlers cleared, got %d", n)
	}
	if subs := ch.Subscriptions(); len(subs) != 0 {
		t.Errorf("expected subscriptions cleared, got %v", subs)
	}
}

// ---------------------------------------------------------------------------
// Test: Handler registry
// ---------------------------------------------------------------------------

func TestDispatch_OrderAndOff(t *testing.T) {
	fs := newFakeServer(t)
	ch := New(testConfig(fs.url()))
	defer ch.Disconnect()

	var (
		mu    sync.Mutex
		order []int
	)
	record := func(n int) Handler {
		return func(ev protocol.Event) {
			if _, ok := ev.(protocol.NewMessageEvent); !ok {
				t.Errorf("expected NewMessageEvent, got %T", ev)
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}
	ch.On(protocol.EventNewMessage, record(1))
	ch.On(protocol.EventNewMessage, record(2))
	id3 := ch.On(protocol.EventNewMessage, record(3))
	if !ch.Off(protocol.EventNewMessage, id3) {
		t.Fatal("expected Off to remove handler 3")
	}

	sync1 := make(chan struct{}, 2)
	ch.On(protocol.EventUserStatusChange, func(protocol.Event) { sync1 <- struct{}{} })

	ch.Connect("tok")
	waitFor(t, "connected", fs.ready(ch))

	msg := map[string]interface{}{"message": map[string]interface{}{"id": 1, "channel_id": 42, "created_at": "2025-01-01T00:00:00Z"}}
	fs.send(t, protocol.EventNewMessage, msg)
	fs.send(t, protocol.EventUserStatusChange, map[string]interface{}{"user_id": 1, "status": "online"})
	<-sync1

	mu.Lock()
	got := append([]int(nil), order...)
	mu.Unlock()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected handlers [1 2], got %v", got)
	}

	ch.OffAll(protocol.EventNewMessage)
	fs.send(t, protocol.EventNewMessage, msg)
	fs.send(t, protocol.EventUserStatusChange, map[string]interface{}{"user_id": 1, "status": "online"})
	<-sync1

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 {
		t.Errorf("expected no calls after OffAll, got %v", order)
	}
}

func TestDispatch_PanickingHandler(t *testing.T) {
	d := newDispatcher()
	called := false
	d.register("x", func(protocol.Event) { panic("boom") })
	d.register("x", func(protocol.Event) { called = true })
	d.dispatch("x", protocol.UnknownEvent{Name: "x"})
	if !called {
		t.Error("expected second handler to run after a panic")
	}
}

// ---------------------------------------------------------------------------
// Test: Emit and subscriptions
// ---------------------------------------------------------------------------

func TestEmit_DroppedWhenDisconnected(t *testing.T) {
	ch := New(testConfig("ws://127.0.0.1:1/ws"))
	if ch.Emit(protocol.EventTypingChannel, protocol.ChannelPayload{ChannelID: 1}) {
		t.Error("expected Emit to report a drop while disconnected")
	}
	ch.Join(chat.Channel(1))
	if subs := ch.Subscriptions(); len(subs) != 0 {
		t.Errorf("expected Join to be a no-op while disconnected, got %v", subs)
	}
}

func TestJoin_EmitsAndResetsOnDrop(t *testing.T) {
	fs := newFakeServer(t)
	ch := New(testConfig(fs.url()))
	defer ch.Disconnect()

	var connects atomic.Int32
	ch.On(protocol.EventConnect, func(protocol.Event) { connects.Add(1) })

	ch.Connect("tok")
	waitFor(t, "connected", func() bool { return connects.Load() == 1 && fs.ready(ch)() })

	ch.Join(chat.Channel(42))
	ch.Join(chat.Direct(42))

	select {
	case raw := <-fs.received:
		var f struct {
			Event string                  `json:"event"`
			Data  protocol.ChannelPayload `json:"data"`
		}
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			t.Fatalf("bad frame %q: %v", raw, err)
		}
		if f.Event != protocol.EventJoinChannel || f.Data.ChannelID != 42 || f.Data.Token != "tok" {
			t.Errorf("unexpected join frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected join_channel frame")
	}
	select {
	case raw := <-fs.received:
		t.Errorf("direct join must not emit, got %q", raw)
	case <-time.After(50 * time.Millisecond):
	}

	subs := ch.Subscriptions()
	if len(subs) != 2 || subs[0] != chat.Channel(42) || subs[1] != chat.Direct(42) {
		t.Fatalf("unexpected subscriptions: %v", subs)
	}

	fs.dropAll()
	waitFor(t, "reconnect", func() bool { return connects.Load() == 2 && ch.State() == StateConnected })
	if subs := ch.Subscriptions(); len(subs) != 0 {
		t.Errorf("expected subscriptions cleared after drop, got %v", subs)
	}

	ch.Join(chat.Channel(42))
	ch.Leave(chat.Channel(42))
	if subs := ch.Subscriptions(); len(subs) != 0 {
		t.Errorf("expected empty after Leave, got %v", subs)
	}
}

// ---------------------------------------------------------------------------
// Test: Heartbeat
// ---------------------------------------------------------------------------

func TestHeartbeat_DropsSilentConnection(t *testing.T) {
	fs := newFakeServer(t)
	fs.silent.Store(true)

	cfg := testConfig(fs.url())
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 20 * time.Millisecond
	cfg.ReconnectDelay = time.Hour
	ch := New(cfg)
	defer ch.Disconnect()

	lost := make(chan struct{}, 1)
	ch.On(protocol.EventDisconnect, func(protocol.Event) { lost <- struct{}{} })

	ch.Connect("tok")
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("expected heartbeat to drop the silent connection")
	}
}

func TestHeartbeat_KeepsResponsiveConnection(t *testing.T) {
	fs := newFakeServer(t)

	cfg := testConfig(fs.url())
	cfg.PingInterval = 20 * time.Millisecond
	cfg.PongTimeout = 40 * time.Millisecond
	ch := New(cfg)
	defer ch.Disconnect()

	var lost atomic.Int32
	ch.On(protocol.EventDisconnect, func(protocol.Event) { lost.Add(1) })

	ch.Connect("tok")
	waitFor(t, "connected", fs.ready(ch))
	time.Sleep(250 * time.Millisecond)

	if lost.Load() != 0 {
		t.Errorf("expected no disconnect while pongs flow, got %d", lost.Load())
	}
	if fs.dials.Load() != 1 {
		t.Errorf("expected 1 dial, got %d", fs.dials.Load())
	}
}
