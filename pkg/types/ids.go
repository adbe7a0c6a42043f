package types

import (
	"fmt"

	"github.com/google/uuid"
)

// JobId identifies a submitted job graph for the lifetime of the cluster.
type JobId uuid.UUID

// NewJobId mints a fresh random JobId.
func NewJobId() JobId { return JobId(uuid.New()) }

func (id JobId) String() string { return uuid.UUID(id).String() }

// ParseJobId parses the canonical string form of a JobId, as round-tripped
// through storage keys.
func ParseJobId(s string) (JobId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return JobId{}, fmt.Errorf("parse job id %q: %w", s, err)
	}
	return JobId(u), nil
}

// ExecutionAttemptId identifies one attempt of one execution-graph vertex.
// A vertex that fails over and restarts mints a new attempt id; attempts on
// the same vertex carry strictly increasing AttemptNumber values (see
// TaskExecution).
type ExecutionAttemptId uuid.UUID

func NewExecutionAttemptId() ExecutionAttemptId { return ExecutionAttemptId(uuid.New()) }

func (id ExecutionAttemptId) String() string { return uuid.UUID(id).String() }

// AllocationId identifies a single promise to reserve one slot on one
// worker for one job. An AllocationId is used at most once over the
// cluster's lifetime (spec.md §3 invariant ii).
type AllocationId uuid.UUID

func NewAllocationId() AllocationId { return AllocationId(uuid.New()) }

func (id AllocationId) String() string { return uuid.UUID(id).String() }

// ResourceId identifies a Task Executor process for its lifetime. A TE that
// restarts gets a new ResourceId even if it reuses the same address.
type ResourceId uuid.UUID

func NewResourceId() ResourceId { return ResourceId(uuid.New()) }

func (id ResourceId) String() string { return uuid.UUID(id).String() }

// JobMasterId is the leader fencing token a Job Master carries on every RPC
// it issues. Receivers reject messages bearing a stale JobMasterId.
type JobMasterId uuid.UUID

func NewJobMasterId() JobMasterId { return JobMasterId(uuid.New()) }

func (id JobMasterId) String() string { return uuid.UUID(id).String() }

// ParseJobMasterId parses the canonical string form of a JobMasterId.
func ParseJobMasterId(s string) (JobMasterId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return JobMasterId{}, fmt.Errorf("parse job master id %q: %w", s, err)
	}
	return JobMasterId(u), nil
}

// ResourceManagerId is the Resource Manager's own leader fencing token.
type ResourceManagerId uuid.UUID

func NewResourceManagerId() ResourceManagerId { return ResourceManagerId(uuid.New()) }

func (id ResourceManagerId) String() string { return uuid.UUID(id).String() }

// SlotRequestId identifies one outstanding request for a slot, as tracked by
// the Slot Pool. It differs from AllocationId: a SlotRequestId is minted by
// the requester (the scheduler) before any AllocationId exists; the
// AllocationId is minted only once the Slot Pool issues RequestSlot to the RM.
type SlotRequestId uuid.UUID

func NewSlotRequestId() SlotRequestId { return SlotRequestId(uuid.New()) }

func (id SlotRequestId) String() string { return uuid.UUID(id).String() }

// OperatorId identifies one operator within a job graph, stable across
// attempts and across checkpoints.
type OperatorId uuid.UUID

func NewOperatorId() OperatorId { return OperatorId(uuid.New()) }

func (id OperatorId) String() string { return uuid.UUID(id).String() }

// VertexId identifies one vertex of the (opaque) execution graph.
type VertexId uuid.UUID

func NewVertexId() VertexId { return VertexId(uuid.New()) }

func (id VertexId) String() string { return uuid.UUID(id).String() }

// InputChannelId identifies one input channel of one task's input gate.
type InputChannelId uuid.UUID

func NewInputChannelId() InputChannelId { return InputChannelId(uuid.New()) }

func (id InputChannelId) String() string { return uuid.UUID(id).String() }

// CheckpointId is a monotonically increasing identifier, scoped per job.
// Unlike the other identifiers it is a plain integer: spec.md §3 calls it
// out explicitly as "monotonic u64 per job" rather than an opaque 128-bit
// value, and the barrier-ordering rules in §4.7 depend on numeric comparison.
type CheckpointId uint64

// SlotId names one slot on one Task Executor: the owning ResourceId plus a
// stable index into that TE's declared slots.
type SlotId struct {
	ResourceId ResourceId
	Index      uint32
}

func (s SlotId) String() string {
	return fmt.Sprintf("%s/%d", s.ResourceId, s.Index)
}
