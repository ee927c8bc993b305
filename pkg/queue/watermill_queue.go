package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/perdura/perdura/pkg/models"
)

const (
	Topic           = "perdura.executions"
	DeadLetterTopic = "perdura.executions.dlq"
)

// WatermillQueue adapts any watermill publisher/subscriber pair into the
// Queue contract. Production uses the Kafka channel, tests the GoChannel.
type WatermillQueue struct {
	publisher  message.Publisher
	subscriber message.Subscriber
}

func NewWatermillQueue(pub message.Publisher, sub message.Subscriber) *WatermillQueue {
	return &WatermillQueue{
		publisher:  pub,
		subscriber: sub,
	}
}

func (q *WatermillQueue) Enqueue(_ context.Context, msg *models.QueueMessage) error {
	return q.publish(Topic, msg)
}

func (q *WatermillQueue) DeadLetter(_ context.Context, msg *models.QueueMessage) error {
	return q.publish(DeadLetterTopic, msg)
}

func (q *WatermillQueue) publish(topic string, msg *models.QueueMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	wmsg := message.NewMessage("msg-"+watermill.NewULID(), payload)
	wmsg.Metadata.Set("message_type", string(msg.Type))
	wmsg.Metadata.Set("execution_id", msg.ExecutionID)

	return q.publisher.Publish(topic, wmsg)
}

func (q *WatermillQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	messages, err := q.subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}

	deliveries := make(chan Delivery)

	go func() {
		defer close(deliveries)

		for wmsg := range messages {
			var msg models.QueueMessage

			if err := json.Unmarshal(wmsg.Payload, &msg); err != nil {
				// Malformed payloads can never become valid; drop them.
				wmsg.Ack()

				continue
			}

			select {
			case deliveries <- Delivery{Message: &msg, Ack: func() { wmsg.Ack() }, Nack: func() { wmsg.Nack() }}:
			case <-ctx.Done():
				wmsg.Nack()

				return
			}
		}
	}()

	return deliveries, nil
}

func (q *WatermillQueue) Close() error {
	err := q.publisher.Close()
	if err != nil {
		return err
	}

	return q.subscriber.Close()
}
