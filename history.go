package bizflow

import (
	"context"
	"fmt"
	"reflect"
	"time"
)

// Replay folds an instance's audit event stream back into a projected
// instance. The result carries the same status, current step, variables and
// timing as the projection the engine maintains row-by-row; VerifyHistory
// uses that equivalence as a drift check. Entries must be the complete,
// ordered history beginning with a process_started event.
func Replay(entries []AuditEntry) (*ProcessInstance, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("empty history")
	}
	first := entries[0]
	if first.Action != ActionProcessStarted || first.Seq != 1 {
		return nil, fmt.Errorf("history must begin with %s at seq 1, got %s at seq %d", ActionProcessStarted, first.Action, first.Seq)
	}

	inst := &ProcessInstance{
		ID:                first.InstanceID,
		DefinitionID:      detailString(first.Details, detailDefinitionID),
		DefinitionVersion: detailString(first.Details, detailDefinitionVersion),
		BusinessKey:       detailString(first.Details, detailBusinessKey),
		Priority:          Priority(detailString(first.Details, detailPriority)),
		AssignedTo:        detailStrings(first.Details, detailAssignedTo),
		Variables:         detailVarMap(first.Details, detailVariables),
		StartTime:         first.Timestamp,
	}
	applyDelta(inst, first.NewState, first.Timestamp)
	inst.Seq = first.Seq

	for _, entry := range entries[1:] {
		if entry.Seq != inst.Seq+1 {
			return nil, fmt.Errorf("history gap: expected seq %d, got %d", inst.Seq+1, entry.Seq)
		}
		switch entry.Action {
		case ActionTaskCompleted, ActionUpdateVariables:
			update := detailVarMap(entry.Details, detailVariables)
			inst.Variables, _ = MergeVariables(inst.Variables, update)
		case ActionProcessStarted:
			return nil, fmt.Errorf("duplicate %s at seq %d", ActionProcessStarted, entry.Seq)
		}
		applyDelta(inst, entry.NewState, entry.Timestamp)
		inst.Seq = entry.Seq
	}
	return inst, nil
}

// applyDelta applies the after-snapshot of an entry to the instance,
// maintaining the endTime-iff-terminal invariant.
func applyDelta(inst *ProcessInstance, delta *StateDelta, at time.Time) {
	if delta == nil {
		return
	}
	if delta.CurrentStep != "" {
		inst.CurrentStep = delta.CurrentStep
	}
	if delta.Status != "" && delta.Status != inst.Status {
		inst.Status = delta.Status
		if delta.Status.Terminal() {
			inst.EndTime = at
		} else {
			inst.EndTime = time.Time{}
		}
	}
}

// VerifyHistory replays an instance's event stream and compares the result
// against the projected row. A mismatch means the projection and the audit
// trail have drifted, which operators should treat as data corruption.
func (e *Engine) VerifyHistory(ctx context.Context, instanceID string) error {
	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	history, err := e.instances.ListEvents(ctx, instanceID)
	if err != nil {
		return err
	}
	replayed, err := Replay(history)
	if err != nil {
		return fmt.Errorf("instance %s: %w", instanceID, err)
	}

	if replayed.Status != inst.Status {
		return fmt.Errorf("instance %s: replayed status %q != projected %q", instanceID, replayed.Status, inst.Status)
	}
	if replayed.CurrentStep != inst.CurrentStep {
		return fmt.Errorf("instance %s: replayed step %q != projected %q", instanceID, replayed.CurrentStep, inst.CurrentStep)
	}
	if replayed.Seq != inst.Seq {
		return fmt.Errorf("instance %s: replayed seq %d != projected %d", instanceID, replayed.Seq, inst.Seq)
	}
	if !variablesEqual(replayed.Variables, inst.Variables) {
		return fmt.Errorf("instance %s: replayed variables differ from projection", instanceID)
	}
	return nil
}

// variablesEqual compares variable maps by JSON-equivalent value, tolerating
// the type changes a serialization round trip introduces (time.Time vs
// RFC 3339 string, int vs float64).
func variablesEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if !looseEqual(av, bv) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	return fmt.Sprintf("%v", normalize(a)) == fmt.Sprintf("%v", normalize(b))
}

func normalize(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	case int:
		return int64(t)
	default:
		return v
	}
}

// detailString reads a string-valued detail, tolerating typed values that
// stringify (Priority, InstanceStatus).
func detailString(details map[string]any, key string) string {
	switch v := details[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		if v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	}
}

// detailStrings reads a string-slice detail, tolerating the []any form JSON
// decoding produces.
func detailStrings(details map[string]any, key string) []string {
	switch v := details[key].(type) {
	case []string:
		if len(v) == 0 {
			return nil
		}
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		return nil
	}
}

// detailVarMap reads a variable-map detail.
func detailVarMap(details map[string]any, key string) map[string]any {
	if m, ok := details[key].(map[string]any); ok {
		return copyVariables(m)
	}
	return map[string]any{}
}
