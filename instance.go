package bizflow

import (
	"time"
)

// InstanceStatus represents the lifecycle state of a process instance.
type InstanceStatus string

const (
	StatusRunning   InstanceStatus = "running"
	StatusSuspended InstanceStatus = "suspended"
	StatusCancelled InstanceStatus = "cancelled"
	StatusCompleted InstanceStatus = "completed"
	StatusFailed    InstanceStatus = "failed"
)

// Terminal reports whether the status admits no further transitions except
// the explicit retry from failed.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Priority orders instances for human work queues. The engine records it but
// does not schedule by it.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ProcessInstance is one running (or finished) execution bound to a process
// definition. It is the projected current state derived from the instance's
// audit event stream; Seq is the sequence number of the last applied event.
// The struct is designed to be fully JSON serializable.
type ProcessInstance struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definition_id"`
	DefinitionVersion string         `json:"definition_version"`
	BusinessKey       string         `json:"business_key"`
	Status            InstanceStatus `json:"status"`
	CurrentStep       string         `json:"current_step"`
	Variables         map[string]any `json:"variables"`
	AssignedTo        []string       `json:"assigned_to,omitempty"`
	Priority          Priority       `json:"priority"`
	StartTime         time.Time      `json:"start_time,omitzero"`
	EndTime           time.Time      `json:"end_time,omitzero"`
	Seq               int64          `json:"seq"`
}

// Duration returns how long the instance has run: end minus start once a
// terminal state is reached, zero before the instance ends.
func (p *ProcessInstance) Duration() time.Duration {
	if p.EndTime.IsZero() {
		return 0
	}
	return p.EndTime.Sub(p.StartTime)
}

// Copy returns a copy of the instance safe to hand to callers. Variables and
// assignees are shallow-copied.
func (p *ProcessInstance) Copy() *ProcessInstance {
	out := *p
	out.Variables = copyVariables(p.Variables)
	if p.AssignedTo != nil {
		out.AssignedTo = append([]string(nil), p.AssignedTo...)
	}
	return &out
}
