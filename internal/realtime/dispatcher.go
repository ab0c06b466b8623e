package realtime

import (
	"log"
	"sync"

	"github.com/whisper/chatsync/internal/protocol"
)

// Handler receives a decoded inbound event. Lifecycle handlers receive a
// protocol.LifecycleEvent. Handlers run on the connection's read goroutine
// and should not block.
type Handler func(ev protocol.Event)

// HandlerID identifies one registration for Off.
type HandlerID uint64

type registration struct {
	id HandlerID
	fn Handler
}

// dispatcher routes events by name to every registered handler, in
// registration order.
type dispatcher struct {
	mu       sync.RWMutex
	next     HandlerID
	handlers map[string][]registration
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string][]registration)}
}

func (d *dispatcher) register(event string, fn Handler) HandlerID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.handlers[event] = append(d.handlers[event], registration{id: d.next, fn: fn})
	return d.next
}

func (d *dispatcher) unregister(event string, id HandlerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.handlers[event]
	for i, r := range regs {
		if r.id != id {
			continue
		}
		out := make([]registration, 0, len(regs)-1)
		out = append(out, regs[:i]...)
		out = append(out, regs[i+1:]...)
		if len(out) == 0 {
			delete(d.handlers, event)
		} else {
			d.handlers[event] = out
		}
		return true
	}
	return false
}

func (d *dispatcher) unregisterAll(event string) {
	d.mu.Lock()
	delete(d.handlers, event)
	d.mu.Unlock()
}

func (d *dispatcher) reset() {
	d.mu.Lock()
	d.handlers = make(map[string][]registration)
	d.mu.Unlock()
}

func (d *dispatcher) count(event string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[event])
}

// dispatch invokes the handlers registered for event at call time. A
// panicking handler is logged and does not stop the others.
func (d *dispatcher) dispatch(event string, ev protocol.Event) {
	d.mu.RLock()
	regs := d.handlers[event]
	d.mu.RUnlock()

	for _, r := range regs {
		d.invoke(event, r.fn, ev)
	}
}

func (d *dispatcher) invoke(event string, fn Handler, ev protocol.Event) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[realtime] handler for %q panicked: %v", event, p)
		}
	}()
	fn(ev)
}
