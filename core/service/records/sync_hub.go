package records

import (
	"os"
	"sync"

	"github.com/rs/zerolog"

	"fitsync_client/core/domain"
)

// subscriberBuffer bounds how far a slow subscriber may lag before events
// are dropped for it. Dropping beats blocking the facade's writer.
const subscriberBuffer = 256

// Hub fans record events out to subscribers. Each subscriber gets its own
// buffered channel and delivery goroutine so one slow callback never stalls
// the others.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan *domain.RecordEvent
	nextID int
	closed bool
	log    zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[int]chan *domain.RecordEvent),
		log: zerolog.New(os.Stdout).With().
			Timestamp().
			Str("component", "record_hub").
			Logger(),
	}
}

// Subscribe registers a callback and returns an idempotent unsubscribe.
func (h *Hub) Subscribe(fn func(*domain.RecordEvent)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan *domain.RecordEvent, subscriberBuffer)
	if h.closed {
		close(ch)
	} else {
		h.subs[id] = ch
	}
	h.mu.Unlock()

	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
			h.mu.Unlock()
		})
	}
}

// Publish delivers an event to every subscriber, dropping it for subscribers
// whose buffers are full.
func (h *Hub) Publish(ev *domain.RecordEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Warn().
				Int("subscriber", id).
				Str("table", ev.TableName).
				Str("record", ev.RecordID).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// Close detaches all subscribers. Further publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
