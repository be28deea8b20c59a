package workflow

import (
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"PrismVideo-server/logger"
)

// Handler receives committed changes.
type Handler func(Change)

type subscription struct {
	id      string
	handler Handler
}

// Bus is a synchronous observer list. Handlers run on the publishing
// goroutine in registration order; a panicking handler is recovered and
// logged so the remaining handlers still run.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	log    *logger.Logger
}

func NewBus(log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{log: log}
}

// Subscribe registers handler and returns an id for Unsubscribe.
func (b *Bus) Subscribe(handler Handler) string {
	id := "sub-" + strconv.FormatUint(b.nextID.Add(1), 10)
	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, handler: handler})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. It reports whether id was registered.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Bus) Publish(c Change) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.safeCall(s.handler, c)
	}
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) safeCall(h Handler, c Change) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("change handler panicked",
				"field", c.Field,
				"session_id", c.SessionID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	h(c)
}
