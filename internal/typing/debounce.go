// Package typing implements both halves of typing presence: a Debouncer that
// turns keystrokes into start/stop signals for one conversation, and a
// Tracker that holds which remote users are currently typing.
package typing

import (
	"sync"
	"time"

	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/protocol"
)

// DefaultInterval is the inactivity period after which typing stops.
const DefaultInterval = 2000 * time.Millisecond

// Emitter sends a realtime event. realtime.Channel satisfies it.
type Emitter interface {
	Emit(event string, payload interface{}) bool
}

// Debouncer emits typing-start on the first change and typing-stop after
// Interval without changes, or immediately on submit. One Debouncer serves
// one conversation.
type Debouncer struct {
	key      chat.ConversationKey
	emitter  Emitter
	token    func() string
	interval time.Duration

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
	closed bool
}

// NewDebouncer creates an idle Debouncer for key. token supplies the access
// token attached to each signal and may be nil.
func NewDebouncer(key chat.ConversationKey, e Emitter, token func() string, interval time.Duration) *Debouncer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &Debouncer{key: key, emitter: e, token: token, interval: interval}
}

// Changed records an edit of the draft. The first non-empty change while
// idle emits typing-start; every change while typing restarts the timer.
func (d *Debouncer) Changed(content string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if !d.typing {
		if content == "" {
			return
		}
		d.typing = true
		d.send(true)
	}
	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() { d.expire(gen) })
}

// Submitted emits typing-stop at once if typing.
func (d *Debouncer) Submitted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.typing || d.closed {
		return
	}
	d.stopTimerLocked()
	d.typing = false
	d.send(false)
}

// Typing reports whether a start has been sent without a matching stop.
func (d *Debouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

// Close cancels the timer without emitting anything.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.typing = false
	d.stopTimerLocked()
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen || !d.typing || d.closed {
		return
	}
	d.timer = nil
	d.typing = false
	d.send(false)
}

func (d *Debouncer) stopTimerLocked() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// send is called with d.mu held so start and stop are emitted in order.
func (d *Debouncer) send(start bool) {
	token := d.token()
	switch d.key.Kind {
	case chat.KindDirect:
		event := protocol.EventStoppedTypingDirect
		if start {
			event = protocol.EventTypingDirect
		}
		d.emitter.Emit(event, protocol.DirectPayload{ChatID: d.key.ID, Token: token})
	default:
		event := protocol.EventStoppedTypingChannel
		if start {
			event = protocol.EventTypingChannel
		}
		d.emitter.Emit(event, protocol.ChannelPayload{ChannelID: d.key.ID, Token: token})
	}
}
