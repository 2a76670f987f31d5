package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/common/logger"
)

// MemoryEventBus implements EventBus in-process. It is the default backend;
// NATS is only used when an external URL is configured.
type MemoryEventBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*memorySubscription
	closed        bool
	logger        *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	handler Handler
}

// NewMemoryEventBus creates an in-memory event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log.WithFields(zap.String("component", "memory-bus")),
	}
}

// Publish delivers the event to all subscribers of the subject. Handlers run
// on the publisher's goroutine; they must be fast and never block.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	subs := append([]*memorySubscription(nil), b.subscriptions[subject]...)
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil
	}

	for _, sub := range subs {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a handler for a subject.
func (b *MemoryEventBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub := &memorySubscription{bus: b, subject: subject, handler: handler}

	b.mu.Lock()
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)
	b.mu.Unlock()

	return sub, nil
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// Close drops all subscriptions.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscriptions = make(map[string][]*memorySubscription)
}

// IsConnected reports whether the bus is usable.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
