package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/whisper/chatsync/internal/chat"
)

// DefaultTTL bounds how long a remote user is shown as typing without a
// fresh signal. It exceeds the sender's debounce interval so a live typist
// never flickers off.
const DefaultTTL = 5 * time.Second

type entry struct {
	expires time.Time
	timer   *time.Timer
}

// Tracker holds the set of remote users typing in each conversation.
type Tracker struct {
	ttl time.Duration

	mu       sync.Mutex
	self     int64
	entries  map[chat.ConversationKey]map[int64]*entry
	onChange func(chat.ConversationKey, []int64)
}

// NewTracker creates an empty Tracker. ttl <= 0 uses DefaultTTL.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		ttl:     ttl,
		entries: make(map[chat.ConversationKey]map[int64]*entry),
	}
}

// SetSelfID makes the tracker ignore signals about the local user.
func (t *Tracker) SetSelfID(id int64) {
	t.mu.Lock()
	t.self = id
	t.mu.Unlock()
}

// OnChange registers fn, called with the sorted typing set of a
// conversation whenever that set changes.
func (t *Tracker) OnChange(fn func(chat.ConversationKey, []int64)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Start marks userID as typing in key until the TTL elapses.
func (t *Tracker) Start(key chat.ConversationKey, userID int64) {
	t.mu.Lock()
	if userID == 0 || userID == t.self {
		t.mu.Unlock()
		return
	}
	users := t.entries[key]
	if users == nil {
		users = make(map[int64]*entry)
		t.entries[key] = users
	}
	e, existed := users[userID]
	if existed {
		e.timer.Stop()
	}
	e = &entry{expires: time.Now().Add(t.ttl)}
	e.timer = time.AfterFunc(t.ttl, func() { t.expire(key, userID, e) })
	users[userID] = e

	if existed {
		t.mu.Unlock()
		return
	}
	fn, snapshot := t.onChange, t.typingLocked(key)
	t.mu.Unlock()

	if fn != nil {
		fn(key, snapshot)
	}
}

// Stop removes userID from key immediately.
func (t *Tracker) Stop(key chat.ConversationKey, userID int64) {
	t.mu.Lock()
	e, ok := t.entries[key][userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	e.timer.Stop()
	t.removeLocked(key, userID)
	fn, snapshot := t.onChange, t.typingLocked(key)
	t.mu.Unlock()

	if fn != nil {
		fn(key, snapshot)
	}
}

// Typing returns the users currently typing in key, sorted by id.
func (t *Tracker) Typing(key chat.ConversationKey) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typingLocked(key)
}

// Forget drops all state for key and stops its timers.
func (t *Tracker) Forget(key chat.ConversationKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries[key] {
		e.timer.Stop()
	}
	delete(t.entries, key)
}

// Close drops all state.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, users := range t.entries {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	t.entries = make(map[chat.ConversationKey]map[int64]*entry)
}

func (t *Tracker) expire(key chat.ConversationKey, userID int64, e *entry) {
	t.mu.Lock()
	if cur, ok := t.entries[key][userID]; !ok || cur != e {
		t.mu.Unlock()
		return
	}
	t.removeLocked(key, userID)
	fn, snapshot := t.onChange, t.typingLocked(key)
	t.mu.Unlock()

	if fn != nil {
		fn(key, snapshot)
	}
}

func (t *Tracker) removeLocked(key chat.ConversationKey, userID int64) {
	users := t.entries[key]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, key)
	}
}

func (t *Tracker) typingLocked(key chat.ConversationKey) []int64 {
	now := time.Now()
	out := make([]int64, 0, len(t.entries[key]))
	for id, e := range t.entries[key] {
		if now.Before(e.expires) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
