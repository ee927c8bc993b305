// Package queue provides at-least-once distribution of execute/resume hints
// across worker processes. The queue is an optimization, never the source of
// truth: a lost or duplicated message is always recovered by store-level
// memoization, the timer poller or Recover.
package queue

import (
	"context"

	"github.com/perdura/perdura/pkg/models"
)

// Delivery is one received message with its acknowledgment handles. Ack
// confirms processing; Nack requests transport-level redelivery.
type Delivery struct {
	Message *models.QueueMessage
	Ack     func()
	Nack    func()
}

type Queue interface {
	// Enqueue publishes an execute/resume hint.
	Enqueue(ctx context.Context, msg *models.QueueMessage) error

	// Consume returns a channel of deliveries. The channel closes when the
	// context is cancelled or the queue shuts down.
	Consume(ctx context.Context) (<-chan Delivery, error)

	// DeadLetter parks a message that exhausted its own attempt budget.
	DeadLetter(ctx context.Context, msg *models.QueueMessage) error

	Close() error
}
