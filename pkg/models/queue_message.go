package models

import "github.com/google/uuid"

type MessageType string

const (
	MessageExecute MessageType = "execute"
	MessageResume  MessageType = "resume"
)

// QueueMessage is the ephemeral execute/resume hint distributed across
// worker processes. Losing one never loses correctness; the timer poller
// and Recover are the safety net.
type QueueMessage struct {
	ID          string      `json:"id"`
	Type        MessageType `json:"type"`
	ExecutionID string      `json:"execution_id"`
	Attempt     int         `json:"attempt"`
	MaxAttempts int         `json:"max_attempts"`
}

func NewQueueMessage(messageType MessageType, executionID string, maxAttempts int) *QueueMessage {
	return &QueueMessage{
		ID:          uuid.New().String(),
		Type:        messageType,
		ExecutionID: executionID,
		Attempt:     1,
		MaxAttempts: maxAttempts,
	}
}
