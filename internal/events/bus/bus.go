// Package bus provides the hub's event bus. Pipelines publish drone and
// prompt updates; the gateway relays them to UI WebSocket clients so the
// desktop app can refresh without polling.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known subjects.
const (
	SubjectDroneStatus  = "drone.status"
	SubjectPromptUpdate = "prompt.update"
	SubjectPullDone     = "pull.completed"
)

// Event is a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes an event. Handler errors are logged, never propagated to
// the publisher.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// EventBus is the pub/sub surface shared by the memory and NATS backends.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
