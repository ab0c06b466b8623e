package chat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// PageFetcher retrieves one page of history for a conversation. Pages are
// 1-indexed; page 1 holds the newest messages.
type PageFetcher func(ctx context.Context, key ConversationKey, page int) (TimelinePage, error)

// UpdateKind says which input produced a timeline mutation.
type UpdateKind string

const (
	UpdatePage     UpdateKind = "page"
	UpdatePush     UpdateKind = "push"
	UpdateReaction UpdateKind = "reaction"
	UpdateEdit     UpdateKind = "edit"
	UpdateForget   UpdateKind = "forget"
)

// Update is delivered to subscribers after every accepted mutation.
type Update struct {
	Key  ConversationKey
	Kind UpdateKind
	Len  int
}

// timeline is the reconciled state of one conversation. items is kept sorted
// ascending by (CreatedAt, ID) and never holds two entries with the same ID.
type timeline struct {
	items       []Message
	ids         map[int64]struct{}
	currentPage int
	totalPages  int
	inflight    int
}

func newTimeline() *timeline {
	return &timeline{ids: make(map[int64]struct{})}
}

func (t *timeline) hasMore() bool {
	if t.currentPage == 0 {
		return true
	}
	return t.currentPage < t.totalPages
}

// insert places m at its sorted position. It returns false if m.ID is
// already present.
func (t *timeline) insert(m Message) bool {
	if _, ok := t.ids[m.ID]; ok {
		return false
	}
	i := sort.Search(len(t.items), func(i int) bool { return m.Before(t.items[i]) })
	t.items = append(t.items, Message{})
	copy(t.items[i+1:], t.items[i:])
	t.items[i] = m.clone()
	t.ids[m.ID] = struct{}{}
	return true
}

func (t *timeline) find(id int64) int {
	if _, ok := t.ids[id]; !ok {
		return -1
	}
	for i := range t.items {
		if t.items[i].ID == id {
			return i
		}
	}
	return -1
}

// Reconciler merges paginated history and push events per conversation. It
// is goroutine-safe; the fetcher is called without holding the lock so pages
// and push events may arrive in any relative order.
type Reconciler struct {
	fetch PageFetcher

	mu        sync.RWMutex
	timelines map[ConversationKey]*timeline
	owners    map[int64]ConversationKey // message id -> conversation

	subMu   sync.Mutex
	subs    map[int]func(Update)
	nextSub int
}

// NewReconciler creates an empty Reconciler that loads pages through fetch.
func NewReconciler(fetch PageFetcher) *Reconciler {
	return &Reconciler{
		fetch:     fetch,
		timelines: make(map[ConversationKey]*timeline),
		owners:    make(map[int64]ConversationKey),
		subs:      make(map[int]func(Update)),
	}
}

// LoadPage fetches one page and merges its items into the conversation's
// timeline, skipping ids already present.
func (r *Reconciler) LoadPage(ctx context.Context, key ConversationKey, page int) error {
	if page < 1 {
		return fmt.Errorf("chat: invalid page %d", page)
	}
	r.mu.Lock()
	t := r.timelineLocked(key)
	t.inflight++
	r.mu.Unlock()

	return r.load(ctx, key, t, page)
}

// LoadNextPage requests the page after the last one loaded. It returns
// false without fetching when a load is already in flight for key or when
// the server reported no further pages.
func (r *Reconciler) LoadNextPage(ctx context.Context, key ConversationKey) (bool, error) {
	r.mu.Lock()
	t := r.timelineLocked(key)
	if t.inflight > 0 || !t.hasMore() {
		r.mu.Unlock()
		return false, nil
	}
	t.inflight++
	next := t.currentPage + 1
	r.mu.Unlock()

	if err := r.load(ctx, key, t, next); err != nil {
		return false, err
	}
	return true, nil
}

// load performs the fetch and merges into t. The caller has already
// incremented t's inflight counter.
func (r *Reconciler) load(ctx context.Context, key ConversationKey, t *timeline, page int) error {
	result, err := r.fetch(ctx, key, page)

	r.mu.Lock()
	if r.timelines[key] != t {
		// Forgotten (and possibly reopened) while the fetch was running;
		// the result and the counter belong to a discarded timeline.
		r.mu.Unlock()
		return err
	}
	t.inflight--
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("chat: load %s page %d: %w", key, page, err)
	}

	added := 0
	for _, m := range result.Items {
		m.Conversation = key
		if t.insert(m) {
			r.owners[m.ID] = key
			added++
		}
	}
	if page > t.currentPage {
		t.currentPage = page
	}
	t.totalPages = result.TotalPages
	n := len(t.items)
	r.mu.Unlock()

	log.Printf("[timeline] %s page=%d/%d items=%d added=%d len=%d",
		key, page, result.TotalPages, len(result.Items), added, n)
	r.notify(Update{Key: key, Kind: UpdatePage, Len: n})
	return nil
}

// AcceptPushMessage inserts a live message if its id is not yet present.
// Duplicate deliveries (e.g. the sender's own REST response racing the
// echoed push event) leave the timeline unchanged.
func (r *Reconciler) AcceptPushMessage(key ConversationKey, msg Message) bool {
	msg.Conversation = key

	r.mu.Lock()
	t := r.timelineLocked(key)
	if !t.insert(msg) {
		r.mu.Unlock()
		return false
	}
	r.owners[msg.ID] = key
	n := len(t.items)
	r.mu.Unlock()

	r.notify(Update{Key: key, Kind: UpdatePush, Len: n})
	return true
}

// AcceptReactionUpdate appends a reaction to a loaded message. Reactions for
// messages that are not loaded in any tracked conversation are dropped.
func (r *Reconciler) AcceptReactionUpdate(messageID, reactorID int64, emoji string) bool {
	r.mu.Lock()
	key, t, i := r.locateLocked(messageID)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	t.items[i].Reactions = append(t.items[i].Reactions, Reaction{Emoji: emoji, UserID: reactorID})
	n := len(t.items)
	r.mu.Unlock()

	r.notify(Update{Key: key, Kind: UpdateReaction, Len: n})
	return true
}

// AcceptEdit applies an edit to a loaded message. Unknown ids are dropped.
func (r *Reconciler) AcceptEdit(messageID int64, content string, editedAt time.Time) bool {
	r.mu.Lock()
	key, t, i := r.locateLocked(messageID)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	t.items[i].Content = content
	t.items[i].EditedAt = &editedAt
	n := len(t.items)
	r.mu.Unlock()

	r.notify(Update{Key: key, Kind: UpdateEdit, Len: n})
	return true
}

// Timeline returns a sorted copy of the conversation's messages, oldest
// first. The copy is safe to retain.
func (r *Reconciler) Timeline(key ConversationKey) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.timelines[key]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(t.items))
	for i, m := range t.items {
		out[i] = m.clone()
	}
	return out
}

// HasMore reports whether older pages remain. An untracked conversation
// reports true since nothing has been loaded yet.
func (r *Reconciler) HasMore(key ConversationKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.timelines[key]
	return !ok || t.hasMore()
}

// Loading reports whether a page fetch is in flight for key.
func (r *Reconciler) Loading(key ConversationKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.timelines[key]
	return ok && t.inflight > 0
}

// Forget drops all state for key. In-flight fetches for it are discarded
// when they complete.
func (r *Reconciler) Forget(key ConversationKey) {
	r.mu.Lock()
	t, ok := r.timelines[key]
	if ok {
		for id := range t.ids {
			if r.owners[id] == key {
				delete(r.owners, id)
			}
		}
		delete(r.timelines, key)
	}
	r.mu.Unlock()

	if ok {
		r.notify(Update{Key: key, Kind: UpdateForget})
	}
}

// Subscribe registers fn to be called after every mutation. The returned
// function removes the subscription.
func (r *Reconciler) Subscribe(fn func(Update)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Reconciler) notify(u Update) {
	r.subMu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Update), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.subMu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
}

func (r *Reconciler) timelineLocked(key ConversationKey) *timeline {
	t, ok := r.timelines[key]
	if !ok {
		t = newTimeline()
		r.timelines[key] = t
	}
	return t
}

func (r *Reconciler) locateLocked(messageID int64) (ConversationKey, *timeline, int) {
	key, ok := r.owners[messageID]
	if !ok {
		return ConversationKey{}, nil, -1
	}
	t, ok := r.timelines[key]
	if !ok {
		return ConversationKey{}, nil, -1
	}
	return key, t, t.find(messageID)
}
