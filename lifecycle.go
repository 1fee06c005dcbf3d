package bizflow

// Operation identifies a lifecycle or advancement operation on an instance.
type Operation string

const (
	OpStart           Operation = "start"
	OpCompleteTask    Operation = "complete_task"
	OpSuspend         Operation = "suspend"
	OpResume          Operation = "resume"
	OpCancel          Operation = "cancel"
	OpFail            Operation = "fail"
	OpRetry           Operation = "retry"
	OpUpdateVariables Operation = "update_variables"
)

// validFrom is the lifecycle transition table: the statuses each operation is
// legal from. OpStart is absent because it creates the instance rather than
// transitioning one. Variable updates are allowed while the instance is
// non-terminal.
var validFrom = map[Operation][]InstanceStatus{
	OpCompleteTask:    {StatusRunning},
	OpSuspend:         {StatusRunning},
	OpResume:          {StatusSuspended},
	OpCancel:          {StatusRunning, StatusSuspended},
	OpFail:            {StatusRunning},
	OpRetry:           {StatusFailed},
	OpUpdateVariables: {StatusRunning, StatusSuspended},
}

// CanApply reports whether op is legal from the given status.
func CanApply(op Operation, status InstanceStatus) bool {
	for _, s := range validFrom[op] {
		if s == status {
			return true
		}
	}
	return false
}

// ValidFrom returns the statuses an operation is legal from.
func ValidFrom(op Operation) []InstanceStatus {
	return append([]InstanceStatus(nil), validFrom[op]...)
}
