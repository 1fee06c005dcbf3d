package bizflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock hands out strictly increasing timestamps so tests can assert on
// event ordering and end times deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func reviewDefinition(t *testing.T, id string) *ProcessDefinition {
	t.Helper()
	def, err := NewDefinition(DefinitionOptions{
		ID:       id,
		Name:     "Expense Review",
		Category: CategoryFinance,
		Variables: map[string]any{
			"currency": "EUR",
		},
		Nodes: []*Node{
			{ID: "start", Type: NodeTypeStart, Connections: []string{"review"}},
			{ID: "review", Type: NodeTypeApproval, Name: "Review expense", Connections: []string{"done"}},
			{ID: "done", Type: NodeTypeEnd},
		},
	})
	require.NoError(t, err)
	require.NoError(t, def.Activate())
	return def
}

func newTestEngine(t *testing.T) (*Engine, *ProcessDefinition) {
	t.Helper()
	engine, err := NewEngine(EngineOptions{Clock: newFakeClock().Now})
	require.NoError(t, err)

	def := reviewDefinition(t, "expense-review")
	require.NoError(t, engine.RegisterDefinition(context.Background(), def))
	return engine, def
}

func TestStartProcess(t *testing.T) {
	ctx := context.Background()
	engine, def := newTestEngine(t)

	inst, err := engine.Start(ctx, StartOptions{
		DefinitionID: def.ID(),
		Variables:    map[string]any{"amount": 125.50},
		AssignedTo:   []string{"finance-team"},
		Actor:        "alice",
	})
	require.NoError(t, err)

	require.NotEmpty(t, inst.ID)
	require.Equal(t, def.ID(), inst.DefinitionID)
	require.Equal(t, def.Version(), inst.DefinitionVersion)
	require.Equal(t, StatusRunning, inst.Status)
	require.Equal(t, "start", inst.CurrentStep)
	require.Equal(t, PriorityMedium, inst.Priority)
	require.Equal(t, []string{"finance-team"}, inst.AssignedTo)
	require.True(t, strings.HasPrefix(inst.BusinessKey, "PROC_"))
	require.False(t, inst.StartTime.IsZero())
	require.True(t, inst.EndTime.IsZero())
	require.Equal(t, int64(1), inst.Seq)

	// Definition seed merged under caller variables.
	require.Equal(t, "EUR", inst.Variables["currency"])
	require.Equal(t, 125.50, inst.Variables["amount"])

	history, err := engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, ActionProcessStarted, history[0].Action)
	require.Equal(t, "alice", history[0].Actor)
	require.Equal(t, int64(1), history[0].Seq)
	require.NotNil(t, history[0].NewState)
	require.Equal(t, StatusRunning, history[0].NewState.Status)
	require.Equal(t, "start", history[0].NewState.CurrentStep)
}

func TestStartWithExplicitOptions(t *testing.T) {
	ctx := context.Background()
	engine, def := newTestEngine(t)

	inst, err := engine.Start(ctx, StartOptions{
		DefinitionID: def.ID(),
		BusinessKey:  "EXP-2025-0042",
		Priority:     PriorityCritical,
		Actor:        "alice",
	})
	require.NoError(t, err)
	require.Equal(t, "EXP-2025-0042", inst.BusinessKey)
	require.Equal(t, PriorityCritical, inst.Priority)
}

func TestStartRejectsInactiveDefinition(t *testing.T) {
	ctx := context.Background()
	engine, def := newTestEngine(t)
	def.Deactivate()

	_, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID()})
	var nerr *NotInstantiableError
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, def.ID(), nerr.DefinitionID)
	require.ErrorIs(t, err, errDefinitionInactive)
}

func TestStartRejectsUnknownDefinition(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.Start(context.Background(), StartOptions{DefinitionID: "missing"})
	require.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestCompleteTaskAdvancesAlongFirstEdge(t *testing.T) {
	ctx := context.Background()
	engine, def := newTestEngine(t)

	inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID(), Actor: "alice"})
	require.NoError(t, err)

	inst, err = engine.CompleteTask(ctx, inst.ID, map[string]any{"amount": 99}, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, inst.Status)
	require.Equal(t, "review", inst.CurrentStep)
	require.True(t, inst.EndTime.IsZero())
	require.Equal(t, int64(2), inst.Seq)

	// Completion markers for the step just finished.
	require.Equal(t, true, inst.Variables["start_completed"])
	require.Equal(t, "alice", inst.Variables["start_completedBy"])
	require.NotNil(t, inst.Variables["start_completedAt"])
	require.Equal(t, 99, inst.Variables["amount"])

	inst, err = engine.CompleteTask(ctx, inst.ID, nil, "bob")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
	require.Equal(t, "done", inst.CurrentStep)
	require.False(t, inst.EndTime.IsZero())
	require.Equal(t, true, inst.Variables["review_completed"])
	require.Equal(t, "bob", inst.Variables["review_completedBy"])

	history, err := engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, ActionTaskCompleted, history[1].Action)
	require.Equal(t, ActionTaskCompleted, history[2].Action)
	require.Equal(t, "review", history[2].PreviousState.CurrentStep)
	require.Equal(t, StatusCompleted, history[2].NewState.Status)
	require.Equal(t, "done", history[2].NewState.CurrentStep)

	// Completed instances accept no further work.
	_, err = engine.CompleteTask(ctx, inst.ID, nil, "bob")
	var terr *InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, OpCompleteTask, terr.Operation)
	require.Equal(t, StatusCompleted, terr.Status)
}

func TestGatewayTakesFirstConnection(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(EngineOptions{})
	require.NoError(t, err)

	def, err := NewDefinition(DefinitionOptions{
		ID:   "branching",
		Name: "Branching",
		Nodes: []*Node{
			{ID: "start", Type: NodeTypeStart, Connections: []string{"decide"}},
			{ID: "decide", Type: NodeTypeGateway, Connections: []string{"approve_path", "reject_path"}},
			{ID: "approve_path", Type: NodeTypeTask, Connections: []string{"done"}},
			{ID: "reject_path", Type: NodeTypeTask, Connections: []string{"done"}},
			{ID: "done", Type: NodeTypeEnd},
		},
	})
	require.NoError(t, err)
	require.NoError(t, def.Activate())
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID()})
	require.NoError(t, err)

	inst, err = engine.CompleteTask(ctx, inst.ID, nil, "system")
	require.NoError(t, err)
	require.Equal(t, "decide", inst.CurrentStep)

	// Never the second edge, regardless of variables.
	inst, err = engine.CompleteTask(ctx, inst.ID, map[string]any{"approved": false}, "system")
	require.NoError(t, err)
	require.Equal(t, "approve_path", inst.CurrentStep)
}

func TestCompleteTaskImplicitTerminator(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(EngineOptions{})
	require.NoError(t, err)

	def, err := NewDefinition(DefinitionOptions{
		ID:   "stub",
		Name: "Stub",
		Nodes: []*Node{
			{ID: "start", Type: NodeTypeStart, Connections: []string{"only"}},
			{ID: "only", Type: NodeTypeTask},
		},
	})
	require.NoError(t, err)
	require.NoError(t, def.Activate())
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID()})
	require.NoError(t, err)

	inst, err = engine.CompleteTask(ctx, inst.ID, nil, "system")
	require.NoError(t, err)
	require.Equal(t, "only", inst.CurrentStep)

	inst, err = engine.CompleteTask(ctx, inst.ID, nil, "system")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, inst.Status)
	require.Equal(t, "only", inst.CurrentStep)
	require.False(t, inst.EndTime.IsZero())
}

func TestCompleteTaskDetectsDefinitionDrift(t *testing.T) {
	ctx := context.Background()
	engine, def := newTestEngine(t)

	inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID()})
	require.NoError(t, err)
	inst, err = engine.CompleteTask(ctx, inst.ID, nil, "alice")
	require.NoError(t, err)
	require.Equal(t, "review", inst.CurrentStep)

	// Replace the definition with a revision that dropped the review node.
	replacement, err := NewDefinition(DefinitionOptions{
		ID:   def.ID(),
		Name: def.Name(),
		Nodes: []*Node{
			{ID: "start", Type: NodeTypeStart, Connections: []string{"done"}},
			{ID: "done", Type: NodeTypeEnd},
		},
	})
	require.NoError(t, err)
	require.NoError(t, replacement.Activate())
	require.NoError(t, engine.RegisterDefinition(ctx, replacement))

	_, err = engine.CompleteTask(ctx, inst.ID, nil, "alice")
	var derr *CurrentStepNotFoundError
	require.ErrorAs(t, err, &derr)
	require.Equal(t, inst.ID, derr.InstanceID)
	require.Equal(t, "review", derr.StepID)

	// The failed call mutated nothing.
	current, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, current.Status)
	require.Equal(t, "review", current.CurrentStep)
	history, err := engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestSuspendResume(t *testing.T) {
	ctx := context.Background()
	engine, def := newTestEngine(t)

	inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID()})
	require.NoError(t, err)

	inst, err = engine.Suspend(ctx, inst.ID, "ops")
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, inst.Status)
	require.Equal(t, "start", inst.CurrentStep)
	require.True(t, inst.EndTime.IsZero())

	// No work while suspended.
	_, err = engine.CompleteTask(ctx, inst.ID, nil, "alice")
	var terr *InvalidTransitionError
	require.ErrorAs(t, err, &terr)

	inst, err = engine.Resume(ctx, inst.ID, "ops")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, inst.Status)

	history, err := engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, ActionSuspend, history[1].Action)
	require.Equal(t, ActionResume, history[2].Action)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("from running", func(t *testing.T) {
		engine, def := newTestEngine(t)
		inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID()})
		require.NoError(t, err)

		inst, err = engine.Cancel(ctx, inst.ID, "ops", "duplicate request")
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, inst.Status)
		require.False(t, inst.EndTime.IsZero())

		history, err := engine.GetHistory(ctx, inst.ID)
		require.NoError(t, err)
		require.Equal(t, ActionCancel, history[1].Action)
		require.Equal(t, "duplicate request", history[1].Details["reason"])
	})

	t.Run("from suspended", func(t *testing.T) {
		engine, def := newTestEngine(t)
		inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID()})
		require.NoError(t, err)
		_, err = engine.Suspend(ctx, inst.ID, "ops")
		require.NoError(t, err)

		inst, err = engine.Cancel(ctx, inst.ID, "ops", "")
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, inst.Status)
	})

	t.Run("cancellation is final", func(t *testing.T) {
		engine, def := newTestEngine(t)
		inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID()})
		require.NoError(t, err)
		_, err = engine.Cancel(ctx, inst.ID, "ops", "")
		require.NoError(t, err)

		var terr *InvalidTransitionError
		_, err = engine.Resume(ctx, inst.ID, "ops")
		require.ErrorAs(t, err, &terr)
		_, err = engine.Retry(ctx, inst.ID, "ops")
		require.ErrorAs(t, err, &terr)
	})
}

func TestFailAndRetry(t *testing.T) {
	ctx := context.Background()
	engine, def := newTestEngine(t)

	inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID()})
	require.NoError(t, err)
	inst, err = engine.CompleteTask(ctx, inst.ID, nil, "alice")
	require.NoError(t, err)
	require.Equal(t, "review", inst.CurrentStep)

	inst, err = engine.Fail(ctx, inst.ID, "payments-service", "upstream timeout")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, inst.Status)
	require.False(t, inst.EndTime.IsZero())

	// Retry resumes at the step that failed, with the end time cleared.
	inst, err = engine.Retry(ctx, inst.ID, "ops")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, inst.Status)
	require.Equal(t, "review", inst.CurrentStep)
	require.True(t, inst.EndTime.IsZero())

	_, err = engine.Fail(ctx, inst.ID, "payments-service", "upstream timeout")
	require.NoError(t, err)
	_, err = engine.Retry(ctx, inst.ID, "ops")
	require.NoError(t, err)

	history, err := engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	var attempts []any
	for _, entry := range history {
		if entry.Action == ActionRetry {
			attempts = append(attempts, entry.Details["attempt"])
		}
	}
	require.Equal(t, []any{1, 2}, attempts)
}

func TestUpdateVariables(t *testing.T) {
	ctx := context.Background()
	engine, def := newTestEngine(t)

	inst, err := engine.Start(ctx, StartOptions{
		DefinitionID: def.ID(),
		Variables:    map[string]any{"amount": 100},
	})
	require.NoError(t, err)

	merged, err := engine.UpdateVariables(ctx, inst.ID, map[string]any{"amount": 250, "urgent": true}, "alice")
	require.NoError(t, err)
	require.Equal(t, 250, merged["amount"])
	require.Equal(t, true, merged["urgent"])
	require.Equal(t, "EUR", merged["currency"])

	history, err := engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	entry := history[1]
	require.Equal(t, ActionUpdateVariables, entry.Action)
	require.Equal(t, []string{"amount", "urgent"}, entry.Details["updated_keys"])

	// Allowed while suspended.
	_, err = engine.Suspend(ctx, inst.ID, "ops")
	require.NoError(t, err)
	_, err = engine.UpdateVariables(ctx, inst.ID, map[string]any{"note": "on hold"}, "alice")
	require.NoError(t, err)

	// Rejected once terminal.
	_, err = engine.Cancel(ctx, inst.ID, "ops", "")
	require.NoError(t, err)
	_, err = engine.UpdateVariables(ctx, inst.ID, map[string]any{"note": "too late"}, "alice")
	var terr *InvalidTransitionError
	require.ErrorAs(t, err, &terr)
}

func TestGetters(t *testing.T) {
	ctx := context.Background()
	engine, def := newTestEngine(t)

	inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID()})
	require.NoError(t, err)

	got, err := engine.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, inst.ID, got.ID)

	vars, err := engine.GetVariables(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, "EUR", vars["currency"])

	_, err = engine.GetInstance(ctx, "missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = engine.GetVariables(ctx, "missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = engine.GetHistory(ctx, "missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestListInstances(t *testing.T) {
	ctx := context.Background()
	engine, def := newTestEngine(t)

	a, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID(), BusinessKey: "EXP-1"})
	require.NoError(t, err)
	_, err = engine.Start(ctx, StartOptions{DefinitionID: def.ID(), BusinessKey: "EXP-2"})
	require.NoError(t, err)
	_, err = engine.Cancel(ctx, a.ID, "ops", "")
	require.NoError(t, err)

	all, err := engine.ListInstances(ctx, InstanceFilter{DefinitionID: def.ID()})
	require.NoError(t, err)
	require.Len(t, all, 2)

	running, err := engine.ListInstances(ctx, InstanceFilter{Status: StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "EXP-2", running[0].BusinessKey)

	byKey, err := engine.ListInstances(ctx, InstanceFilter{BusinessKey: "EXP-1"})
	require.NoError(t, err)
	require.Len(t, byKey, 1)
	require.Equal(t, StatusCancelled, byKey[0].Status)
}

func TestDeleteDefinition(t *testing.T) {
	ctx := context.Background()
	engine, def := newTestEngine(t)

	inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID()})
	require.NoError(t, err)

	err = engine.DeleteDefinition(ctx, def.ID())
	require.ErrorIs(t, err, ErrDefinitionInUse)

	_, err = engine.Cancel(ctx, inst.ID, "ops", "")
	require.NoError(t, err)

	require.NoError(t, engine.DeleteDefinition(ctx, def.ID()))
	_, err = engine.GetDefinition(ctx, def.ID())
	require.ErrorIs(t, err, ErrDefinitionNotFound)

	err = engine.DeleteDefinition(ctx, def.ID())
	require.ErrorIs(t, err, ErrDefinitionNotFound)
}

// recordingCallbacks captures operation events for assertions.
type recordingCallbacks struct {
	BaseEngineCallbacks
	mu     sync.Mutex
	before []OperationEvent
	after  []OperationEvent
}

func (r *recordingCallbacks) BeforeOperation(ctx context.Context, event *OperationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.before = append(r.before, *event)
}

func (r *recordingCallbacks) AfterOperation(ctx context.Context, event *OperationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.after = append(r.after, *event)
}

func TestEngineCallbacks(t *testing.T) {
	ctx := context.Background()
	recorder := &recordingCallbacks{}
	engine, err := NewEngine(EngineOptions{Callbacks: recorder})
	require.NoError(t, err)

	def := reviewDefinition(t, "cb-review")
	require.NoError(t, engine.RegisterDefinition(ctx, def))

	inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID(), Actor: "alice"})
	require.NoError(t, err)
	_, err = engine.Suspend(ctx, inst.ID, "ops")
	require.NoError(t, err)

	require.Len(t, recorder.before, 2)
	require.Len(t, recorder.after, 2)

	require.Equal(t, OpStart, recorder.before[0].Operation)
	require.Nil(t, recorder.before[0].Entry)
	require.NotNil(t, recorder.after[0].Entry)
	require.Equal(t, ActionProcessStarted, recorder.after[0].Entry.Action)

	require.Equal(t, OpSuspend, recorder.after[1].Operation)
	require.Equal(t, StatusSuspended, recorder.after[1].Status)
	require.Equal(t, "ops", recorder.after[1].Actor)
}

func TestAuditTrailOrdering(t *testing.T) {
	ctx := context.Background()
	engine, def := newTestEngine(t)

	inst, err := engine.Start(ctx, StartOptions{DefinitionID: def.ID()})
	require.NoError(t, err)
	_, err = engine.Suspend(ctx, inst.ID, "ops")
	require.NoError(t, err)
	_, err = engine.Resume(ctx, inst.ID, "ops")
	require.NoError(t, err)
	_, err = engine.CompleteTask(ctx, inst.ID, nil, "alice")
	require.NoError(t, err)

	history, err := engine.GetHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i, entry := range history {
		require.Equal(t, int64(i+1), entry.Seq)
		require.Equal(t, inst.ID, entry.InstanceID)
		if i > 0 {
			require.False(t, entry.Timestamp.Before(history[i-1].Timestamp))
		}
	}
}
