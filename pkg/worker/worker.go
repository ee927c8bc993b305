// Package worker consumes queue messages and drives the orchestrator.
// Correctness never depends on the queue: duplicate delivery is harmless
// because the store memoizes steps and refuses terminal executions, and a
// lost message is recovered by the timer poller or Recover.
package worker

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perdura/perdura/pkg/orchestrator"
	"github.com/perdura/perdura/pkg/otelhelper"
	"github.com/perdura/perdura/pkg/queue"
)

type Worker struct {
	id           string
	queue        queue.Queue
	orchestrator *orchestrator.Orchestrator
	logger       *slog.Logger
	tracer       trace.Tracer
}

type Option func(*Worker)

// WithTracer enables per-message spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Worker) { w.tracer = tracer }
}

func NewWorker(id string, q queue.Queue, orch *orchestrator.Orchestrator, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		id:           id,
		queue:        q,
		orchestrator: orch,
		logger:       logger.With("module", "worker", "worker_id", id),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Run consumes until the context is cancelled or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.queue.Consume(ctx)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker started")

	for delivery := range deliveries {
		w.handle(ctx, delivery)
	}

	w.logger.InfoContext(ctx, "Worker stopped")

	return nil
}

// handle drives one message. Execute and resume converge on the shared
// driver; domain outcomes ack, infrastructure failures requeue within the
// message's own attempt budget and then dead-letter.
func (w *Worker) handle(ctx context.Context, delivery queue.Delivery) {
	msg := delivery.Message

	logger := w.logger.With("message_id", msg.ID, "message_type", msg.Type, "execution_id", msg.ExecutionID)
	logger.DebugContext(ctx, "Handling queue message", "attempt", msg.Attempt)

	var span trace.Span

	if w.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, w.tracer, "worker.handle",
			attribute.String(otelhelper.MessageIDKey, msg.ID),
			attribute.String(otelhelper.ExecutionIDKey, msg.ExecutionID),
			attribute.String(otelhelper.WorkerIDKey, w.id),
		)
		defer span.End()
	}

	err := w.orchestrator.Execute(ctx, msg.ExecutionID)
	if err == nil {
		delivery.Ack()

		return
	}

	logger.WarnContext(ctx, "Message handling failed", "attempt", msg.Attempt, "error", err)

	if span != nil {
		otelhelper.SetError(span, err, attribute.Int("message.attempt", msg.Attempt))
	}

	if msg.Attempt >= msg.MaxAttempts {
		if dlqErr := w.queue.DeadLetter(ctx, msg); dlqErr != nil {
			logger.ErrorContext(ctx, "Failed to dead-letter message", "error", dlqErr)
			delivery.Nack()

			return
		}

		logger.WarnContext(ctx, "Message dead-lettered", "attempts", msg.Attempt)
		delivery.Ack()

		return
	}

	retry := *msg
	retry.Attempt++

	if enqErr := w.queue.Enqueue(ctx, &retry); enqErr != nil {
		logger.ErrorContext(ctx, "Failed to requeue message", "error", enqErr)
		delivery.Nack()

		return
	}

	delivery.Ack()
}
