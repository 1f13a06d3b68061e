package api

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lennardhq/letterflow/internal/workflow"
)

// EventBroker fans workflow lifecycle events out to SSE subscribers. A
// subscriber that stops draining its channel loses events rather than
// blocking the workflow.
type EventBroker struct {
	mu          sync.Mutex
	subscribers map[chan workflow.StreamEvent]struct{}
	logger      *zap.Logger
}

// NewEventBroker creates a new event broker
func NewEventBroker(logger *zap.Logger) *EventBroker {
	return &EventBroker{
		subscribers: make(map[chan workflow.StreamEvent]struct{}),
		logger:      logger,
	}
}

// Publish sends an event to all subscribers without blocking.
func (b *EventBroker) Publish(event workflow.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Debug("Dropped event for slow subscriber",
				zap.String("type", event.Type))
		}
	}
}

// Subscribe registers a new subscriber and returns its channel.
func (b *EventBroker) Subscribe() chan workflow.StreamEvent {
	ch := make(chan workflow.StreamEvent, 16)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBroker) Unsubscribe(ch chan workflow.StreamEvent) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBroker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
