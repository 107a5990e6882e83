// ABOUTME: In-memory fan-out hub pushing tagged orchestration events to observers
// ABOUTME: Delivery is best-effort; slow subscribers drop events instead of blocking

package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// EventType tags a broadcast event.
type EventType string

const (
	TypeStreamEvent    EventType = "stream_event"
	TypeToolUseSummary EventType = "tool_use_summary"
	TypeResult         EventType = "result"
	TypeSystem         EventType = "system"
	TypeError          EventType = "error"
	TypePong           EventType = "pong"
)

// Event is one unit pushed to connected observers.
type Event struct {
	Type            EventType         `json:"type"`
	ConversationKey string            `json:"conversation_key,omitempty"`
	Text            string            `json:"text,omitempty"`
	Detail          map[string]string `json:"detail,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// Hub provides in-memory pub/sub for orchestration events. Observers
// subscribe for everything; filtering is their concern. Publishing never
// blocks: events are dropped for subscribers whose channels are full.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "broadcast"),
	}
}

// Subscribe registers an observer. Returns a receive channel and a
// subscription ID for later unsubscription. The subscription is cleaned
// up automatically when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	h.subscribers[subID] = ch
	h.mu.Unlock()

	h.logger.Debug("observer subscribed", "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish fans an event out to all observers. Non-blocking: a full
// subscriber channel drops the event for that subscriber only.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Sends happen under the read lock: Unsubscribe and Close only close
	// channels while holding the write lock, so a channel can never be
	// closed mid-send. The sends never block, so holding the lock is safe.
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.logger.Debug("dropped event for slow observer",
				"type", event.Type,
				"conversation_key", event.ConversationKey)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch, ok := h.subscribers[subID]
	if !ok {
		return
	}
	delete(h.subscribers, subID)
	close(ch)

	h.logger.Debug("observer unsubscribed", "sub_id", subID)
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for subID, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, subID)
	}

	h.logger.Debug("broadcast hub closed")
}
