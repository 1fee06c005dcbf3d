package bizflow

import (
	"time"
)

// AuditAction tags the operation an audit entry records.
type AuditAction string

const (
	ActionProcessStarted  AuditAction = "process_started"
	ActionTaskCompleted   AuditAction = "task_completed"
	ActionSuspend         AuditAction = "suspend"
	ActionResume          AuditAction = "resume"
	ActionCancel          AuditAction = "cancel"
	ActionFail            AuditAction = "fail"
	ActionRetry           AuditAction = "retry"
	ActionUpdateVariables AuditAction = "update_variables"
)

// Detail keys used in AuditEntry.Details.
const (
	detailVariables         = "variables"
	detailUpdatedKeys       = "updated_keys"
	detailReason            = "reason"
	detailAttempt           = "attempt"
	detailBusinessKey       = "business_key"
	detailPriority          = "priority"
	detailAssignedTo        = "assigned_to"
	detailDefinitionID      = "definition_id"
	detailDefinitionVersion = "definition_version"
)

// StateDelta is a minimal before/after snapshot of the instance fields an
// operation changed. Only the fields an operation touches are populated.
type StateDelta struct {
	Status      InstanceStatus `json:"status,omitempty"`
	CurrentStep string         `json:"current_step,omitempty"`
}

// AuditEntry is one immutable record of a state-changing operation applied to
// an instance. Entries are keyed by (InstanceID, Seq); Seq starts at 1 and
// increases by exactly one per successful operation, so the stream is strictly
// ordered by application order. No entry is ever edited or removed.
type AuditEntry struct {
	InstanceID    string         `json:"instance_id"`
	Seq           int64          `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	Action        AuditAction    `json:"action"`
	Actor         string         `json:"actor"`
	Details       map[string]any `json:"details,omitempty"`
	PreviousState *StateDelta    `json:"previous_state,omitempty"`
	NewState      *StateDelta    `json:"new_state,omitempty"`
}

// RetryAttempts returns the number of retry entries in a history. The next
// retry operation records attempt = RetryAttempts(history) + 1.
func RetryAttempts(entries []AuditEntry) int {
	count := 0
	for _, entry := range entries {
		if entry.Action == ActionRetry {
			count++
		}
	}
	return count
}
