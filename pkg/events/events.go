// Package events defines the event types published on the engine's
// best-effort bus. None of them are part of the correctness contract; they
// shorten Wait latency and feed external audit mirrors.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/perdura/perdura/pkg/models"
)

type EventType string

// Bus topics.
const Topic = "perdura.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent  EventType = "execution.started"
	ExecutionFinishedEvent EventType = "execution.finished"
	ExecutionEmittedEvent  EventType = "execution.emitted"
	SignalDeliveredEvent   EventType = "execution.signal.delivered"
)

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	WorkerID    string    `json:"worker_id,omitempty"`
}

func NewBaseEvent(eventType EventType, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
	}
}

type ExecutionStarted struct {
	BaseEvent

	TaskID string `json:"task_id"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

// ExecutionFinished is published on every terminal transition, whatever the
// terminal status. Wait uses it to short-circuit its polling loop.
type ExecutionFinished struct {
	BaseEvent

	TaskID string                 `json:"task_id"`
	Status models.ExecutionStatus `json:"status"`
	Result any                    `json:"result,omitempty"`
	Error  *models.ExecutionError `json:"error,omitempty"`
}

func (e ExecutionFinished) GetType() EventType {
	return ExecutionFinishedEvent
}

// ExecutionEmitted carries a user-level Emit from workflow code.
type ExecutionEmitted struct {
	BaseEvent

	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

func (e ExecutionEmitted) GetType() EventType {
	return ExecutionEmittedEvent
}

type SignalDelivered struct {
	BaseEvent

	Signal string `json:"signal"`
	StepID string `json:"step_id"`
}

func (e SignalDelivered) GetType() EventType {
	return SignalDeliveredEvent
}
