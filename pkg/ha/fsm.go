package ha

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/weir/pkg/storage"
	"github.com/cuemby/weir/pkg/types"
	"github.com/hashicorp/raft"
)

// FSM implements the Raft finite state machine backing the capabilities
// spec.md §6 attributes to the high-availability service: the running-jobs
// registry, job-graph blobs, checkpoint id counters/metadata, archived
// execution graphs, and per-job Job Master leases. Every mutation is
// serialized through raft.Apply so all replicas converge on the same state.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates an FSM backed by store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Command is one Raft log entry: an operation name plus its JSON payload.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opPutJobGraph          = "put_job_graph"
	opDeleteJobGraph       = "delete_job_graph"
	opSetJobRegistryState  = "set_job_registry_state"
	opNextCheckpointId     = "next_checkpoint_id"
	opPutCheckpointMeta    = "put_checkpoint_metadata"
	opPutArchivedGraph     = "put_archived_execution_graph"
	opAcquireJobMasterLease = "acquire_job_master_lease"
)

type putJobGraphArgs struct {
	JobId types.JobId `json:"job_id"`
	Graph []byte      `json:"graph"`
}

type deleteJobGraphArgs struct {
	JobId types.JobId `json:"job_id"`
}

type setJobRegistryStateArgs struct {
	JobId types.JobId              `json:"job_id"`
	State storage.JobRegistryState `json:"state"`
}

type nextCheckpointIdArgs struct {
	JobId types.JobId `json:"job_id"`
}

type acquireJobMasterLeaseArgs struct {
	JobId  types.JobId      `json:"job_id"`
	Holder types.JobMasterId `json:"holder"`
}

// Apply applies one committed Raft log entry to the FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opPutJobGraph:
		var args putJobGraphArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.PutJobGraph(args.JobId, args.Graph)

	case opDeleteJobGraph:
		var args deleteJobGraphArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.DeleteJobGraph(args.JobId)

	case opSetJobRegistryState:
		var args setJobRegistryStateArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.SetJobRegistryState(args.JobId, args.State)

	case opNextCheckpointId:
		var args nextCheckpointIdArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		id, err := f.store.NextCheckpointId(args.JobId)
		if err != nil {
			return err
		}
		return id

	case opPutCheckpointMeta:
		var meta storage.CheckpointMetadata
		if err := json.Unmarshal(cmd.Data, &meta); err != nil {
			return err
		}
		return f.store.PutCheckpointMetadata(meta)

	case opPutArchivedGraph:
		var graph storage.ArchivedExecutionGraph
		if err := json.Unmarshal(cmd.Data, &graph); err != nil {
			return err
		}
		return f.store.PutArchivedExecutionGraph(graph)

	case opAcquireJobMasterLease:
		var args acquireJobMasterLeaseArgs
		if err := json.Unmarshal(cmd.Data, &args); err != nil {
			return err
		}
		return f.store.PutJobMasterLease(args.JobId, args.Holder)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot produces a point-in-time copy of all FSM state for Raft's log
// compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	jobGraphs, err := f.store.ListJobGraphs()
	if err != nil {
		return nil, fmt.Errorf("list job graphs: %w", err)
	}
	registry, err := f.store.ListJobRegistry()
	if err != nil {
		return nil, fmt.Errorf("list job registry: %w", err)
	}

	var checkpointMeta []storage.CheckpointMetadata
	for jobId := range registry {
		metas, err := f.store.ListCheckpointMetadata(jobId)
		if err != nil {
			return nil, fmt.Errorf("list checkpoint metadata: %w", err)
		}
		checkpointMeta = append(checkpointMeta, metas...)
	}

	return &Snapshot{
		JobGraphs:      jobGraphs,
		JobRegistry:    registry,
		CheckpointMeta: checkpointMeta,
	}, nil
}

// Restore replaces the FSM's state with the contents of a snapshot,
// called on startup or when a follower falls far enough behind to need a
// full transfer rather than a log replay.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for jobId, graph := range snap.JobGraphs {
		if err := f.store.PutJobGraph(jobId, graph); err != nil {
			return fmt.Errorf("restore job graph: %w", err)
		}
	}
	for jobId, state := range snap.JobRegistry {
		if err := f.store.SetJobRegistryState(jobId, state); err != nil {
			return fmt.Errorf("restore job registry: %w", err)
		}
	}
	for _, meta := range snap.CheckpointMeta {
		if err := f.store.PutCheckpointMetadata(meta); err != nil {
			return fmt.Errorf("restore checkpoint metadata: %w", err)
		}
	}

	return nil
}

// Snapshot is the serialized form of FSM state persisted by Raft's
// snapshot store.
type Snapshot struct {
	JobGraphs      map[types.JobId][]byte
	JobRegistry    map[types.JobId]storage.JobRegistryState
	CheckpointMeta []storage.CheckpointMetadata
}

// Persist writes the snapshot to sink.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release is a no-op; the snapshot holds no external resources.
func (s *Snapshot) Release() {}
