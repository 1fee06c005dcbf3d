package bizflow

import (
	"context"
	"time"
)

// CompleteTask records completion of the instance's current step and advances
// it along the graph. The submitted variables are merged into the instance's
// bag along with three derived keys marking who completed the step and when.
//
// The next step is the first listed connection of the current node. No
// condition evaluation happens, even for gateway and approval nodes: the
// first edge always wins. A node with no outgoing connections terminates the
// process, as does advancing onto an end-typed node; either way the instance
// completes and its end time is set.
//
// Exactly one task_completed audit entry is appended per successful call,
// capturing the step movement and the submitted variables. If the instance's
// current step no longer exists in its definition the call fails with
// CurrentStepNotFoundError before any mutation.
func (e *Engine) CompleteTask(ctx context.Context, instanceID string, variables map[string]any, actor string) (*ProcessInstance, error) {
	return e.apply(ctx, instanceID, OpCompleteTask, actor, func(inst *ProcessInstance, now time.Time) (*mutation, error) {
		def, err := e.definitions.GetDefinition(ctx, inst.DefinitionID)
		if err != nil {
			return nil, err
		}
		node, ok := def.FindNode(inst.CurrentStep)
		if !ok {
			return nil, &CurrentStepNotFoundError{InstanceID: inst.ID, StepID: inst.CurrentStep}
		}

		update := copyVariables(variables)
		update[node.ID+"_completed"] = true
		update[node.ID+"_completedAt"] = now
		update[node.ID+"_completedBy"] = actor

		merged, keys := MergeVariables(inst.Variables, update)
		inst.Variables = merged

		prev := &StateDelta{Status: inst.Status, CurrentStep: node.ID}

		if len(node.Connections) > 0 {
			nextID := node.Connections[0]
			nextNode, ok := def.FindNode(nextID)
			if !ok {
				return nil, &CurrentStepNotFoundError{InstanceID: inst.ID, StepID: nextID}
			}
			inst.CurrentStep = nextID
			if nextNode.Type == NodeTypeEnd {
				inst.Status = StatusCompleted
				inst.EndTime = now
			}
		} else {
			// Implicit terminator: a node with no outgoing edges ends the
			// process at that node.
			inst.Status = StatusCompleted
			inst.EndTime = now
		}

		return &mutation{
			action: ActionTaskCompleted,
			details: map[string]any{
				detailVariables:   update,
				detailUpdatedKeys: keys,
			},
			prev: prev,
			next: &StateDelta{Status: inst.Status, CurrentStep: inst.CurrentStep},
		}, nil
	})
}
