package bizflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationErrorMessages(t *testing.T) {
	require.Equal(t, "definition must have exactly one start node",
		(&ValidationError{Code: ValidationNoStartNode}).Error())
	require.Equal(t, `duplicate node id "work"`,
		(&ValidationError{Code: ValidationDuplicateNodeID, NodeID: "work"}).Error())
	require.Equal(t, `node "work" connects to unknown node "gone"`,
		(&ValidationError{Code: ValidationDanglingEdge, NodeID: "work", Target: "gone"}).Error())
	require.Equal(t, "definition has no nodes",
		(&ValidationError{Code: ValidationEmptyDefinition}).Error())
}

func TestNotInstantiableErrorUnwraps(t *testing.T) {
	reason := &ValidationError{Code: ValidationNoStartNode}
	err := &NotInstantiableError{DefinitionID: "d1", Reason: reason}

	require.Contains(t, err.Error(), "d1")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ValidationNoStartNode, verr.Code)
}

func TestInvalidTransitionErrorMessage(t *testing.T) {
	err := &InvalidTransitionError{Operation: OpResume, Status: StatusRunning}
	require.Equal(t, `operation "resume" not allowed while instance is "running"`, err.Error())
}

func TestIsRetryable(t *testing.T) {
	require.True(t, IsRetryable(ErrConcurrentModification))
	require.True(t, IsRetryable(fmt.Errorf("commit: %w", ErrConcurrentModification)))
	require.False(t, IsRetryable(ErrInstanceNotFound))
	require.False(t, IsRetryable(errors.New("boom")))
	require.False(t, IsRetryable(nil))
}

func TestNewIDs(t *testing.T) {
	instID := NewInstanceID()
	defID := NewDefinitionID()
	require.Contains(t, instID, "proc_")
	require.Contains(t, defID, "procdef_")
	require.NotEqual(t, NewInstanceID(), instID)
}
