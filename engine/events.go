package engine

import (
	"context"
	"sync"
	"time"

	"porsche-tracker/models"
	"porsche-tracker/utils"
)

// externalPublishTimeout bounds one external publish; it runs on the
// dispatch path.
const externalPublishTimeout = 5 * time.Second

// Publisher forwards events outside the process.
type Publisher interface {
	Publish(ctx context.Context, ev models.AlertEvent) error
}

// Hub fans AlertEvents out to in-process subscribers and, optionally, an
// external Publisher. A subscriber that falls behind loses events rather
// than stalling a scan cycle.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan models.AlertEvent
	nextID int
	closed bool

	external        Publisher
	externalTimeout time.Duration
	logger          *utils.Logger
}

func NewHub(external Publisher, logger *utils.Logger) *Hub {
	return &Hub{
		subs:            make(map[int]chan models.AlertEvent),
		external:        external,
		externalTimeout: externalPublishTimeout,
		logger:          logger,
	}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (h *Hub) Subscribe(buffer int) (<-chan models.AlertEvent, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan models.AlertEvent, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
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

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev models.AlertEvent) {
	h.mu.RLock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("[events] Subscriber %d is full, dropped %s", id, ev.DedupKey)
		}
	}
	h.mu.RUnlock()

	if h.external != nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.externalTimeout)
		defer cancel()
		if err := h.external.Publish(ctx, ev); err != nil {
			h.logger.Warn("[events] External publish of %s failed: %v", ev.DedupKey, err)
		}
	}
}

// Close ends every subscription.
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
