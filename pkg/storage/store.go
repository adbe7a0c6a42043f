// Package storage persists the state the high-availability service exposes
// to the rest of the runtime (spec.md §6): leader-election bookkeeping is
// owned by pkg/ha directly through raft, but everything raft replicates
// through its FSM — the running-jobs registry, job-graph blobs, and
// checkpoint id counters/metadata pointers — is durable here.
package storage

import (
	"github.com/cuemby/weir/pkg/types"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// JobRegistryState is the coarse status the running-jobs registry tracks
// for recovery purposes (spec.md §4.1, §6): enough to tell a freshly
// recovered job apart from one that already ran to completion.
type JobRegistryState string

const (
	JobRegistryRunning JobRegistryState = "RUNNING"
	JobRegistryDone     JobRegistryState = "DONE"
)

// CheckpointMetadata is the durable pointer to a completed checkpoint's
// state handles, keyed by job id and checkpoint id (spec.md §4.7, §6).
type CheckpointMetadata struct {
	JobId        types.JobId
	CheckpointId types.CheckpointId
	SnapshotURI  string
	IsSavepoint  bool
	// CompletedAt uses the well-known protobuf Timestamp rather than
	// time.Time so the wire form is stable across the gob/JSON boundaries
	// this value crosses (Raft FSM JSON snapshots, gob-encoded RPC bodies)
	// without depending on either encoding's own time representation.
	CompletedAt *timestamppb.Timestamp
}

// ArchivedExecutionGraph is the terminal snapshot of a job's execution
// graph, retained after the Job Master exits so request_job_details can
// still answer for completed jobs (spec.md §11 supplement).
type ArchivedExecutionGraph struct {
	JobId      types.JobId
	FinalState string
	Blob       []byte
}

// Store is the durability contract the HA service and dispatcher depend on.
// It is deliberately narrow: callers never see bucket names or encoding,
// only the domain operations spec.md §6 lists as HA-backed.
type Store interface {
	// Job graphs, keyed by JobId, persisted at submit_job time so a
	// restarted dispatcher can recover (spec.md §4.1, §4.2).
	PutJobGraph(jobId types.JobId, graph []byte) error
	GetJobGraph(jobId types.JobId) ([]byte, error)
	ListJobGraphs() (map[types.JobId][]byte, error)
	DeleteJobGraph(jobId types.JobId) error

	// Running-jobs registry: {job_id -> {RUNNING, DONE}} (spec.md §6).
	SetJobRegistryState(jobId types.JobId, state JobRegistryState) error
	GetJobRegistryState(jobId types.JobId) (JobRegistryState, bool, error)
	ListJobRegistry() (map[types.JobId]JobRegistryState, error)

	// Checkpoint id counter + metadata pointers, keyed by job id
	// (spec.md §6). NextCheckpointId is monotonic per job.
	NextCheckpointId(jobId types.JobId) (types.CheckpointId, error)
	PutCheckpointMetadata(meta CheckpointMetadata) error
	LatestCheckpointMetadata(jobId types.JobId) (CheckpointMetadata, bool, error)
	ListCheckpointMetadata(jobId types.JobId) ([]CheckpointMetadata, error)

	// Archived execution graphs (spec.md §11 supplement): the HA-backed
	// half of the archive; pkg/dispatcher additionally keeps a bounded
	// in-memory ring for fast-path lookups of recently finished jobs.
	PutArchivedExecutionGraph(graph ArchivedExecutionGraph) error
	GetArchivedExecutionGraph(jobId types.JobId) (ArchivedExecutionGraph, bool, error)

	// Job Master fencing token, keyed by job id (spec.md §4.4, §6): the
	// current holder of per-job leadership. A Job Master that loses
	// leadership and later reads back a different holder than its own
	// JobMasterId knows a successor has already taken over.
	PutJobMasterLease(jobId types.JobId, holder types.JobMasterId) error
	GetJobMasterLease(jobId types.JobId) (types.JobMasterId, bool, error)

	Close() error
}
