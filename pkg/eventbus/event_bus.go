// Package eventbus provides the best-effort pub/sub contract used to
// shorten Wait latency and mirror audit events. Losing bus messages never
// affects correctness.
package eventbus

import (
	"context"

	"github.com/perdura/perdura/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event interface{}) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
