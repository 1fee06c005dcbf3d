package bizflow

import (
	"context"
)

// DefinitionStore holds the process definition catalog. Definitions are
// authored outside the engine and loaded at startup; the engine only reads
// them, except for the delete guard enforced by Engine.DeleteDefinition.
type DefinitionStore interface {
	// SaveDefinition stores a definition by id, replacing any prior version.
	SaveDefinition(ctx context.Context, def *ProcessDefinition) error

	// GetDefinition returns the definition for an id, or ErrDefinitionNotFound.
	GetDefinition(ctx context.Context, id string) (*ProcessDefinition, error)

	// DeleteDefinition removes a definition. It does not check for bound
	// instances; Engine.DeleteDefinition does.
	DeleteDefinition(ctx context.Context, id string) error
}

// InstanceFilter selects instances from a store. Zero values mean "no filter"
// for that field.
type InstanceFilter struct {
	DefinitionID string
	Status       InstanceStatus
	BusinessKey  string
}

// InstanceStore persists process instances and their audit event streams.
//
// The store keeps two things per instance: the append-only event stream
// (one AuditEntry per applied operation, keyed by sequence number) and a
// projected current-state row. Both writes in CreateInstance and
// CommitOperation must happen atomically, so a reader never observes a
// projection without its event or vice versa.
type InstanceStore interface {
	// CreateInstance stores a new instance row together with its initial
	// audit entry (seq 1).
	CreateInstance(ctx context.Context, inst *ProcessInstance, entry AuditEntry) error

	// CommitOperation conditionally replaces the projected instance row and
	// appends one audit entry. The write commits only if the stored row still
	// has expectedStatus and expectedStep (the values observed when the
	// operation began); otherwise it returns ErrConcurrentModification and
	// writes nothing. ErrInstanceNotFound if the instance does not exist.
	CommitOperation(ctx context.Context, inst *ProcessInstance, expectedStatus InstanceStatus, expectedStep string, entry AuditEntry) error

	// GetInstance returns the projected instance row, or ErrInstanceNotFound.
	GetInstance(ctx context.Context, id string) (*ProcessInstance, error)

	// ListInstances returns instances matching the filter.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*ProcessInstance, error)

	// ListEvents returns an instance's audit entries ordered by sequence
	// number. An unknown instance yields an empty slice, not an error.
	ListEvents(ctx context.Context, instanceID string) ([]AuditEntry, error)
}
