package models

import "time"

// Audit entry kinds. Admin kinds mark operator actions that bypass normal
// determinism guarantees.
const (
	AuditCheckpoint     = "checkpoint"
	AuditNote           = "note"
	AuditSignal         = "signal"
	AuditRollback       = "rollback"
	AuditAdminSkipStep  = "admin.skip_step"
	AuditAdminForceFail = "admin.force_fail"
	AuditAdminEditStep  = "admin.edit_step"
	AuditAdminRetryRB   = "admin.retry_rollback"
)

// AuditEntry is an append-only, ordered annotation scoped to one execution.
// Seq is assigned by the store on append.
type AuditEntry struct {
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Kind        string    `json:"kind"`
	Label       string    `json:"label,omitempty"`
	Data        any       `json:"data,omitempty"`
	At          time.Time `json:"at"`
}

func NewAuditEntry(executionID, kind, label string, data any) *AuditEntry {
	return &AuditEntry{
		ExecutionID: executionID,
		Kind:        kind,
		Label:       label,
		Data:        data,
		At:          time.Now().UTC(),
	}
}
