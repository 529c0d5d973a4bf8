// Package hub fans classification results out to live subscribers. Each
// subscriber owns a bounded queue so one slow or dead consumer never stalls
// publishing or starves the rest.
package hub

import (
	"log/slog"
	"sync"

	"github.com/user/sift/internal/types"
)

// DefaultQueueSize bounds each subscriber's pending events.
const DefaultQueueSize = 64

type subscriber struct {
	id types.SubscriberID
	ch chan types.ResultEvent
}

// Hub is an in-process broadcast fan-out. Publish never blocks: when a
// subscriber's queue is full the oldest pending event is dropped to make room
// (newest-wins backpressure).
type Hub struct {
	logger    *slog.Logger
	queueSize int

	mu     sync.Mutex
	subs   map[types.SubscriberID]*subscriber
	closed bool
}

// New creates a hub. queueSize <= 0 selects DefaultQueueSize.
func New(logger *slog.Logger, queueSize int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		logger:    logger.With("component", "hub"),
		queueSize: queueSize,
		subs:      make(map[types.SubscriberID]*subscriber),
	}
}

// Subscribe registers a new subscriber and returns its handle and receive
// channel. The channel is closed on Unsubscribe or hub Close.
func (h *Hub) Subscribe() (types.SubscriberID, <-chan types.ResultEvent) {
	sub := &subscriber{
		id: types.NewSubscriberID(),
		ch: make(chan types.ResultEvent, h.queueSize),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub.id, sub.ch
	}
	h.subs[sub.id] = sub
	h.logger.Debug("subscriber added", "subscriber", sub.id, "total", len(h.subs))
	return sub.id, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown handles
// are a no-op, so calling it twice is safe.
func (h *Hub) Unsubscribe(id types.SubscriberID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
	h.logger.Debug("subscriber removed", "subscriber", id, "total", len(h.subs))
}

// Publish delivers the event to every subscriber's queue. Queues preserve
// publish order per subscriber; a full queue drops its oldest entry.
func (h *Hub) Publish(ev types.ResultEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: drop the oldest event, then retry once. The receiver
		// may have drained concurrently, so both selects stay non-blocking.
		select {
		case <-sub.ch:
			h.logger.Warn("subscriber queue full, dropping oldest", "subscriber", sub.id)
		default:
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close removes all subscribers and closes their channels. Further publishes
// and subscribes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
