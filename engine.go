package bizflow

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EngineOptions configures a new Engine.
type EngineOptions struct {
	Definitions DefinitionStore
	Instances   InstanceStore
	Logger      *slog.Logger
	Callbacks   EngineCallbacks

	// Clock overrides the time source. Intended for tests.
	Clock func() time.Time
}

// Engine owns the process-instance lifecycle: it starts instances from
// definitions, advances them on task completion, applies lifecycle operations
// and writes the audit trail.
//
// Every mutation is serialized per instance: an in-process lock orders
// concurrent calls from this engine, and the store's conditional write
// (CommitOperation) rejects writes whose precondition snapshot went stale,
// so two engines sharing a store cannot double-apply an operation. A
// rejected operation performs no mutation and appends no audit entry.
type Engine struct {
	definitions DefinitionStore
	instances   InstanceStore
	logger      *slog.Logger
	callbacks   EngineCallbacks
	now         func() time.Time
	locks       [64]sync.Mutex
}

// NewEngine creates a new Engine. A MemoryStore is used for any store not
// supplied.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Definitions == nil || opts.Instances == nil {
		store := NewMemoryStore()
		if opts.Definitions == nil {
			opts.Definitions = store
		}
		if opts.Instances == nil {
			opts.Instances = store
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseEngineCallbacks{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		definitions: opts.Definitions,
		instances:   opts.Instances,
		logger:      opts.Logger,
		callbacks:   opts.Callbacks,
		now:         opts.Clock,
	}, nil
}

func (e *Engine) lockFor(instanceID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(instanceID))
	return &e.locks[h.Sum32()%uint32(len(e.locks))]
}

// StartOptions configures a new process instance.
type StartOptions struct {
	DefinitionID string
	BusinessKey  string
	Variables    map[string]any
	AssignedTo   []string
	Priority     Priority
	Actor        string
}

// Start creates a new instance of an active, structurally valid definition.
// The instance begins running, positioned at the definition's start node,
// with exactly one audit entry recording the start.
func (e *Engine) Start(ctx context.Context, opts StartOptions) (*ProcessInstance, error) {
	def, err := e.definitions.GetDefinition(ctx, opts.DefinitionID)
	if err != nil {
		return nil, err
	}
	if !def.IsActive() {
		return nil, &NotInstantiableError{DefinitionID: def.ID(), Reason: errDefinitionInactive}
	}
	if err := def.Validate(); err != nil {
		return nil, &NotInstantiableError{DefinitionID: def.ID(), Reason: err}
	}
	startNode, ok := def.StartNode()
	if !ok {
		// Unreachable after Validate; kept as a guard.
		return nil, &NotInstantiableError{DefinitionID: def.ID(), Reason: &ValidationError{Code: ValidationNoStartNode}}
	}

	now := e.now()
	if opts.BusinessKey == "" {
		opts.BusinessKey = NewBusinessKey(now)
	}
	if opts.Priority == "" {
		opts.Priority = PriorityMedium
	}
	variables, _ := MergeVariables(def.Variables(), opts.Variables)

	inst := &ProcessInstance{
		ID:                NewInstanceID(),
		DefinitionID:      def.ID(),
		DefinitionVersion: def.Version(),
		BusinessKey:       opts.BusinessKey,
		Status:            StatusRunning,
		CurrentStep:       startNode.ID,
		Variables:         variables,
		AssignedTo:        append([]string(nil), opts.AssignedTo...),
		Priority:          opts.Priority,
		StartTime:         now,
		Seq:               1,
	}

	entry := AuditEntry{
		InstanceID: inst.ID,
		Seq:        1,
		Timestamp:  now,
		Action:     ActionProcessStarted,
		Actor:      opts.Actor,
		Details: map[string]any{
			detailDefinitionID:      def.ID(),
			detailDefinitionVersion: def.Version(),
			detailBusinessKey:       inst.BusinessKey,
			detailPriority:          string(inst.Priority),
			detailAssignedTo:        inst.AssignedTo,
			detailVariables:         copyVariables(variables),
		},
		NewState: &StateDelta{Status: StatusRunning, CurrentStep: startNode.ID},
	}

	event := &OperationEvent{
		InstanceID:   inst.ID,
		DefinitionID: def.ID(),
		BusinessKey:  inst.BusinessKey,
		Operation:    OpStart,
		Actor:        opts.Actor,
		Status:       StatusRunning,
		CurrentStep:  startNode.ID,
		Timestamp:    now,
	}
	e.callbacks.BeforeOperation(ctx, event)

	if err := e.instances.CreateInstance(ctx, inst, entry); err != nil {
		return nil, fmt.Errorf("failed to create instance: %w", err)
	}

	event.Entry = &entry
	e.callbacks.AfterOperation(ctx, event)

	e.logger.Info("process started",
		"instance_id", inst.ID,
		"definition_id", def.ID(),
		"business_key", inst.BusinessKey,
		"current_step", inst.CurrentStep)

	return inst.Copy(), nil
}

// mutation describes the outcome of one lifecycle operation: the audit entry
// payload plus the before/after snapshot of the fields it changed.
type mutation struct {
	action  AuditAction
	details map[string]any
	prev    *StateDelta
	next    *StateDelta
}

// apply runs one lifecycle operation under the per-instance lock. It loads
// the instance, checks the transition table, lets fn mutate a working copy,
// then commits the new projection and audit entry with a conditional write
// keyed on the status and step observed at load time. fn runs only after the
// precondition check passed; any error from fn aborts before mutation.
func (e *Engine) apply(ctx context.Context, instanceID string, op Operation, actor string, fn func(inst *ProcessInstance, now time.Time) (*mutation, error)) (*ProcessInstance, error) {
	mu := e.lockFor(instanceID)
	mu.Lock()
	defer mu.Unlock()

	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if !CanApply(op, inst.Status) {
		return nil, &InvalidTransitionError{Operation: op, Status: inst.Status}
	}

	expectedStatus := inst.Status
	expectedStep := inst.CurrentStep
	now := e.now()

	m, err := fn(inst, now)
	if err != nil {
		return nil, err
	}

	inst.Seq++
	entry := AuditEntry{
		InstanceID:    inst.ID,
		Seq:           inst.Seq,
		Timestamp:     now,
		Action:        m.action,
		Actor:         actor,
		Details:       m.details,
		PreviousState: m.prev,
		NewState:      m.next,
	}

	event := &OperationEvent{
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		BusinessKey:  inst.BusinessKey,
		Operation:    op,
		Actor:        actor,
		Status:       inst.Status,
		CurrentStep:  inst.CurrentStep,
		Timestamp:    now,
	}
	e.callbacks.BeforeOperation(ctx, event)

	if err := e.instances.CommitOperation(ctx, inst, expectedStatus, expectedStep, entry); err != nil {
		return nil, err
	}

	event.Entry = &entry
	e.callbacks.AfterOperation(ctx, event)

	e.logger.Info("operation applied",
		"operation", op,
		"instance_id", inst.ID,
		"status", inst.Status,
		"current_step", inst.CurrentStep,
		"seq", inst.Seq)

	return inst.Copy(), nil
}

// Suspend pauses a running instance.
func (e *Engine) Suspend(ctx context.Context, instanceID, actor string) (*ProcessInstance, error) {
	return e.apply(ctx, instanceID, OpSuspend, actor, func(inst *ProcessInstance, now time.Time) (*mutation, error) {
		prev := inst.Status
		inst.Status = StatusSuspended
		return &mutation{
			action: ActionSuspend,
			prev:   &StateDelta{Status: prev},
			next:   &StateDelta{Status: StatusSuspended},
		}, nil
	})
}

// Resume restarts a suspended instance.
func (e *Engine) Resume(ctx context.Context, instanceID, actor string) (*ProcessInstance, error) {
	return e.apply(ctx, instanceID, OpResume, actor, func(inst *ProcessInstance, now time.Time) (*mutation, error) {
		prev := inst.Status
		inst.Status = StatusRunning
		return &mutation{
			action: ActionResume,
			prev:   &StateDelta{Status: prev},
			next:   &StateDelta{Status: StatusRunning},
		}, nil
	})
}

// Cancel terminates a running or suspended instance. Cancellation is final:
// there is no transition out of cancelled.
func (e *Engine) Cancel(ctx context.Context, instanceID, actor, reason string) (*ProcessInstance, error) {
	return e.apply(ctx, instanceID, OpCancel, actor, func(inst *ProcessInstance, now time.Time) (*mutation, error) {
		prev := inst.Status
		inst.Status = StatusCancelled
		inst.EndTime = now
		details := map[string]any{}
		if reason != "" {
			details[detailReason] = reason
		}
		return &mutation{
			action:  ActionCancel,
			details: details,
			prev:    &StateDelta{Status: prev},
			next:    &StateDelta{Status: StatusCancelled},
		}, nil
	})
}

// Fail marks a running instance failed. The signal comes from an external
// collaborator (a service call that gave up, an operator); the engine itself
// never fails an instance.
func (e *Engine) Fail(ctx context.Context, instanceID, actor, reason string) (*ProcessInstance, error) {
	return e.apply(ctx, instanceID, OpFail, actor, func(inst *ProcessInstance, now time.Time) (*mutation, error) {
		prev := inst.Status
		inst.Status = StatusFailed
		inst.EndTime = now
		details := map[string]any{}
		if reason != "" {
			details[detailReason] = reason
		}
		return &mutation{
			action:  ActionFail,
			details: details,
			prev:    &StateDelta{Status: prev},
			next:    &StateDelta{Status: StatusFailed},
		}, nil
	})
}

// Retry moves a failed instance back to running at its current step, clearing
// the end time. Each retry's audit entry records the attempt number, computed
// from the count of prior retries in the history.
func (e *Engine) Retry(ctx context.Context, instanceID, actor string) (*ProcessInstance, error) {
	return e.apply(ctx, instanceID, OpRetry, actor, func(inst *ProcessInstance, now time.Time) (*mutation, error) {
		history, err := e.instances.ListEvents(ctx, inst.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read history: %w", err)
		}
		attempt := RetryAttempts(history) + 1

		prev := inst.Status
		inst.Status = StatusRunning
		inst.EndTime = time.Time{}
		return &mutation{
			action:  ActionRetry,
			details: map[string]any{detailAttempt: attempt},
			prev:    &StateDelta{Status: prev},
			next:    &StateDelta{Status: StatusRunning},
		}, nil
	})
}

// UpdateVariables merges a partial update into a non-terminal instance's
// variable bag and returns the merged map. The audit entry records the
// updated keys and submitted values, not full before/after maps.
func (e *Engine) UpdateVariables(ctx context.Context, instanceID string, variables map[string]any, actor string) (map[string]any, error) {
	inst, err := e.apply(ctx, instanceID, OpUpdateVariables, actor, func(inst *ProcessInstance, now time.Time) (*mutation, error) {
		merged, keys := MergeVariables(inst.Variables, variables)
		inst.Variables = merged
		return &mutation{
			action: ActionUpdateVariables,
			details: map[string]any{
				detailUpdatedKeys: keys,
				detailVariables:   copyVariables(variables),
			},
			prev: &StateDelta{Status: inst.Status},
			next: &StateDelta{Status: inst.Status},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return inst.Variables, nil
}

// GetInstance returns the instance's projected current state.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*ProcessInstance, error) {
	return e.instances.GetInstance(ctx, instanceID)
}

// GetVariables returns a copy of the instance's variable bag.
func (e *Engine) GetVariables(ctx context.Context, instanceID string) (map[string]any, error) {
	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return inst.Variables, nil
}

// GetHistory returns the instance's audit trail ordered by application.
func (e *Engine) GetHistory(ctx context.Context, instanceID string) ([]AuditEntry, error) {
	if _, err := e.instances.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.instances.ListEvents(ctx, instanceID)
}

// ListInstances returns instances matching the filter. Read-only; intended
// for listing endpoints and analytics consumers.
func (e *Engine) ListInstances(ctx context.Context, filter InstanceFilter) ([]*ProcessInstance, error) {
	return e.instances.ListInstances(ctx, filter)
}

// RegisterDefinition stores a definition in the catalog.
func (e *Engine) RegisterDefinition(ctx context.Context, def *ProcessDefinition) error {
	return e.definitions.SaveDefinition(ctx, def)
}

// GetDefinition returns a definition by id.
func (e *Engine) GetDefinition(ctx context.Context, id string) (*ProcessDefinition, error) {
	return e.definitions.GetDefinition(ctx, id)
}

// DeleteDefinition removes a definition from the catalog. Deletion is refused
// with ErrDefinitionInUse while any bound instance is still running or
// suspended.
func (e *Engine) DeleteDefinition(ctx context.Context, id string) error {
	if _, err := e.definitions.GetDefinition(ctx, id); err != nil {
		return err
	}
	bound, err := e.instances.ListInstances(ctx, InstanceFilter{DefinitionID: id})
	if err != nil {
		return err
	}
	for _, inst := range bound {
		if !inst.Status.Terminal() {
			return fmt.Errorf("cannot delete definition %q: %w", id, ErrDefinitionInUse)
		}
	}
	return e.definitions.DeleteDefinition(ctx, id)
}
