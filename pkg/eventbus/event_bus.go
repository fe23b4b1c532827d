// Package eventbus carries flow and step lifecycle events between processes.
package eventbus

import (
	"context"

	"github.com/dukex/stepflow/pkg/events"
)

// Event is any lifecycle event from pkg/events.
type Event interface {
	GetType() events.EventType
}

// EventPublisher publishes lifecycle events. The key groups events of one
// flow run; Kafka uses it as the partition key.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber dispatches decoded events to one handler per event type.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

// EventHandler receives a pointer to the decoded event. Returning an error
// asks for redelivery.
type EventHandler func(ctx context.Context, event any) error

// On adapts a handler of one concrete event type. Events of any other type
// are ignored.
func On[T Event](handler func(ctx context.Context, event T) error) EventHandler {
	return func(ctx context.Context, event any) error {
		typed, ok := event.(T)
		if !ok {
			return nil
		}

		return handler(ctx, typed)
	}
}

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
