package types

import "errors"

// Sentinel failures named by spec.md §4 and §6. Components wrap these with
// fmt.Errorf("...: %w", ...) to attach context; callers use errors.Is to
// branch on the taxonomy, matching the teacher's own convention of plain
// sentinel errors for well-known outcomes (see pkg/storage in the teacher).
var (
	// ErrDuplicateJob is returned by submit_job when the job id is already
	// known as running or as completed (spec.md §4.2).
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrInvalidJob is returned by submit_job when the job graph mixes
	// vertices that declare resource specs with vertices left UNKNOWN
	// (spec.md §4.2).
	ErrInvalidJob = errors.New("invalid job graph")

	// ErrNotFound covers lookups against jobs, executions, or slots that no
	// longer (or never did) exist.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when a future is completed due to expiry
	// rather than a substantive outcome (slot requests, RPCs).
	ErrTimeout = errors.New("timed out")

	// ErrCanceled is returned when a future is completed because the
	// requester canceled it, or because the underlying request was
	// revoked.
	ErrCanceled = errors.New("canceled")

	// ErrStaleFencingToken is returned by any fenced endpoint that
	// receives a request bearing an older fencing token than the one it
	// currently holds (spec.md §5).
	ErrStaleFencingToken = errors.New("stale fencing token")

	// ErrUnknownTaskExecutor is returned when a Task Executor referenced
	// by ResourceId is not (or no longer) registered.
	ErrUnknownTaskExecutor = errors.New("unknown task executor")

	// ErrSlotIdMismatch is returned by offer_slots when an AllocationId is
	// already known under a different SlotId (spec.md §4.5).
	ErrSlotIdMismatch = errors.New("allocation id bound to a different slot")

	// ErrTooManyCheckpoints is the decline reason when a checkpoint is
	// triggered while another is in flight and max_concurrent is
	// exhausted (spec.md §8).
	ErrTooManyCheckpoints = errors.New("too many concurrent checkpoints")
)

// FailureCause is a short machine-readable cause string attached to
// allocation, task, and disconnection failures throughout the runtime
// (spec.md §4.3, §4.6, §8).
type FailureCause string

const (
	CauseHeartbeatTimeout  FailureCause = "HEARTBEAT_TIMEOUT"
	CauseResourceManagerGone FailureCause = "RESOURCE_MANAGER_GONE"
	CauseUnfulfillable     FailureCause = "UNFULFILLABLE"
	CauseTaskExecutorLost  FailureCause = "TASK_EXECUTOR_LOST"
	CauseCanceled          FailureCause = "CANCELED"
	CauseDeployFailure     FailureCause = "DEPLOY_FAILURE"
)
