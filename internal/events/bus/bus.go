// Package bus provides the event bus carrying hook lifecycle events.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	InstanceID string         `json:"instanceId,omitempty"`
	Source     string         `json:"source"` // Service that produced the event
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, instanceID, source string, data map[string]any) *Event {
	return &Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		InstanceID: instanceID,
		Source:     source,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus distributes lifecycle events to subscribers. Subjects follow the
// NATS convention ("hook.<instanceId>.<type>") and patterns may use the
// * and > wildcards.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
