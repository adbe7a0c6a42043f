package types

import "fmt"

// ExecutionState is the lifecycle of one TaskExecution (spec.md §3).
type ExecutionState string

const (
	ExecutionCreated   ExecutionState = "CREATED"
	ExecutionScheduled ExecutionState = "SCHEDULED"
	ExecutionDeploying ExecutionState = "DEPLOYING"
	ExecutionRunning   ExecutionState = "RUNNING"
	ExecutionFinished  ExecutionState = "FINISHED"
	ExecutionCanceled  ExecutionState = "CANCELED"
	ExecutionFailed    ExecutionState = "FAILED"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionFinished || s == ExecutionCanceled || s == ExecutionFailed
}

var validExecutionTransitions = map[ExecutionState][]ExecutionState{
	ExecutionCreated:   {ExecutionScheduled, ExecutionCanceled, ExecutionFailed},
	ExecutionScheduled: {ExecutionDeploying, ExecutionCanceled, ExecutionFailed},
	ExecutionDeploying: {ExecutionRunning, ExecutionCanceled, ExecutionFailed},
	ExecutionRunning:   {ExecutionFinished, ExecutionCanceled, ExecutionFailed},
}

// TaskExecution pairs a logical execution-graph vertex attempt with a slot.
// A vertex may have multiple attempts over time (failover); AttemptNumber
// strictly increases across attempts of the same VertexId.
type TaskExecution struct {
	AttemptId     ExecutionAttemptId
	VertexId      VertexId
	AttemptNumber int
	JobId         JobId
	State         ExecutionState
	SlotAlloc     AllocationId
	FailureCause  string
}

// NewTaskExecution creates a fresh CREATED-state attempt.
func NewTaskExecution(jobId JobId, vertexId VertexId, attemptNumber int) *TaskExecution {
	return &TaskExecution{
		AttemptId:     NewExecutionAttemptId(),
		VertexId:      vertexId,
		AttemptNumber: attemptNumber,
		JobId:         jobId,
		State:         ExecutionCreated,
	}
}

// Transition moves the execution to next, rejecting transitions the state
// machine does not allow. Per spec.md §4.6, DEPLOYING -> RUNNING must only
// be driven by an authoritative update_task_execution_state call from the
// owning Task Executor; this method does not itself enforce *who* calls it
// (that is the scheduler's responsibility) but it does enforce the shape of
// the state machine.
func (e *TaskExecution) Transition(next ExecutionState) error {
	if e.State.IsTerminal() {
		return fmt.Errorf("execution %s: already terminal (%s), cannot move to %s", e.AttemptId, e.State, next)
	}
	allowed := validExecutionTransitions[e.State]
	for _, candidate := range allowed {
		if candidate == next {
			e.State = next
			return nil
		}
	}
	return fmt.Errorf("execution %s: illegal transition %s -> %s", e.AttemptId, e.State, next)
}

// Fail transitions the execution to FAILED and records the cause.
func (e *TaskExecution) Fail(cause string) error {
	if err := e.Transition(ExecutionFailed); err != nil {
		return err
	}
	e.FailureCause = cause
	return nil
}
