package bizflow

import (
	"errors"
	"fmt"
)

var (
	// ErrDefinitionNotFound is returned when a process definition id does not resolve.
	ErrDefinitionNotFound = errors.New("process definition not found")

	// ErrInstanceNotFound is returned when a process instance id does not resolve.
	ErrInstanceNotFound = errors.New("process instance not found")

	// ErrConcurrentModification is returned when a conditional write observes
	// that the instance changed since it was read. Callers may safely retry by
	// re-reading the instance and reapplying the operation.
	ErrConcurrentModification = errors.New("process instance modified concurrently")

	// ErrAccessDenied is propagated when an authorization collaborator denies
	// the caller scope over an instance or definition. The engine performs no
	// partial mutation when this is returned.
	ErrAccessDenied = errors.New("access denied")

	// ErrDefinitionInUse is returned when deleting a definition that still has
	// non-terminal instances bound to it.
	ErrDefinitionInUse = errors.New("process definition has non-terminal instances")
)

// Validation error codes for definition structure checks.
const (
	ValidationNoStartNode     = "no_start_node"
	ValidationDuplicateNodeID = "duplicate_node_id"
	ValidationDanglingEdge    = "dangling_edge"
	ValidationEmptyDefinition = "empty_definition"
)

// ValidationError describes a structural problem in a process definition.
type ValidationError struct {
	Code   string `json:"code"`
	NodeID string `json:"node_id,omitempty"`
	Target string `json:"target,omitempty"`
}

func (e *ValidationError) Error() string {
	switch e.Code {
	case ValidationNoStartNode:
		return "definition must have exactly one start node"
	case ValidationDuplicateNodeID:
		return fmt.Sprintf("duplicate node id %q", e.NodeID)
	case ValidationDanglingEdge:
		return fmt.Sprintf("node %q connects to unknown node %q", e.NodeID, e.Target)
	case ValidationEmptyDefinition:
		return "definition has no nodes"
	default:
		return fmt.Sprintf("invalid definition: %s", e.Code)
	}
}

// NotInstantiableError is returned by Start when a definition is inactive or
// fails structural validation. The wrapped reason explains which.
type NotInstantiableError struct {
	DefinitionID string
	Reason       error
}

func (e *NotInstantiableError) Error() string {
	return fmt.Sprintf("definition %q cannot be instantiated: %v", e.DefinitionID, e.Reason)
}

func (e *NotInstantiableError) Unwrap() error {
	return e.Reason
}

// errDefinitionInactive is the NotInstantiableError reason for isActive=false.
var errDefinitionInactive = errors.New("definition is not active")

// InvalidTransitionError is returned when a lifecycle operation is not legal
// from the instance's current status. It carries the observed status so the
// caller can decide whether to retry or abandon.
type InvalidTransitionError struct {
	Operation Operation
	Status    InstanceStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("operation %q not allowed while instance is %q", e.Operation, e.Status)
}

// CurrentStepNotFoundError indicates definition/instance drift: the instance
// is positioned at a step that its definition no longer contains. This is a
// data-integrity error, distinct from an ordinary not-found, and is fatal to
// the call that observes it.
type CurrentStepNotFoundError struct {
	InstanceID string
	StepID     string
}

func (e *CurrentStepNotFoundError) Error() string {
	return fmt.Sprintf("current step %q of instance %q not found in definition", e.StepID, e.InstanceID)
}

// IsRetryable reports whether an operation that failed with err may be retried
// by re-reading the instance and reapplying. Only optimistic-concurrency
// conflicts qualify; everything else requires a caller decision.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
