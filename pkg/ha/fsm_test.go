package ha

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/cuemby/weir/pkg/storage"
	"github.com/cuemby/weir/pkg/types"
	"github.com/hashicorp/raft"
)

func applyCommand(t *testing.T, fsm *FSM, op string, payload interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	cmd := Command{Op: op, Data: data}
	encoded, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return fsm.Apply(&raft.Log{Data: encoded})
}

func TestFSMApplyJobGraphLifecycle(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	defer store.Close()
	fsm := NewFSM(store)

	jobId := types.NewJobId()
	if resp := applyCommand(t, fsm, opPutJobGraph, putJobGraphArgs{JobId: jobId, Graph: []byte("graph")}); resp != nil {
		t.Fatalf("put_job_graph: unexpected error %v", resp)
	}

	graph, err := store.GetJobGraph(jobId)
	if err != nil {
		t.Fatalf("GetJobGraph: %v", err)
	}
	if string(graph) != "graph" {
		t.Fatalf("expected graph bytes, got %s", graph)
	}

	if resp := applyCommand(t, fsm, opSetJobRegistryState, setJobRegistryStateArgs{JobId: jobId, State: storage.JobRegistryRunning}); resp != nil {
		t.Fatalf("set_job_registry_state: unexpected error %v", resp)
	}
	state, found, err := store.GetJobRegistryState(jobId)
	if err != nil || !found || state != storage.JobRegistryRunning {
		t.Fatalf("expected RUNNING, got state=%v found=%v err=%v", state, found, err)
	}
}

func TestFSMApplyNextCheckpointIdReturnsValue(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	defer store.Close()
	fsm := NewFSM(store)

	jobId := types.NewJobId()
	first := applyCommand(t, fsm, opNextCheckpointId, nextCheckpointIdArgs{JobId: jobId})
	second := applyCommand(t, fsm, opNextCheckpointId, nextCheckpointIdArgs{JobId: jobId})

	firstId, ok := first.(types.CheckpointId)
	if !ok {
		t.Fatalf("expected types.CheckpointId response, got %T", first)
	}
	secondId, ok := second.(types.CheckpointId)
	if !ok {
		t.Fatalf("expected types.CheckpointId response, got %T", second)
	}
	if firstId != 1 || secondId != 2 {
		t.Fatalf("expected 1 then 2, got %d then %d", firstId, secondId)
	}
}

func TestFSMApplyUnknownCommand(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	defer store.Close()
	fsm := NewFSM(store)

	resp := applyCommand(t, fsm, "not_a_real_op", struct{}{})
	if _, ok := resp.(error); !ok {
		t.Fatalf("expected an error response for an unknown op, got %v", resp)
	}
}

type fakeSnapshotSink struct {
	bytes.Buffer
	closed    bool
	cancelled bool
}

func (s *fakeSnapshotSink) ID() string { return "test-snapshot" }
func (s *fakeSnapshotSink) Close() error {
	s.closed = true
	return nil
}
func (s *fakeSnapshotSink) Cancel() error {
	s.cancelled = true
	return nil
}

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	defer store.Close()
	fsm := NewFSM(store)

	jobId := types.NewJobId()
	applyCommand(t, fsm, opPutJobGraph, putJobGraphArgs{JobId: jobId, Graph: []byte("graph")})
	applyCommand(t, fsm, opSetJobRegistryState, setJobRegistryStateArgs{JobId: jobId, State: storage.JobRegistryDone})

	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	sink := &fakeSnapshotSink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if !sink.closed {
		t.Fatalf("expected sink to be closed on successful persist")
	}

	restoreStore, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore (restore target): %v", err)
	}
	defer restoreStore.Close()
	restoreFSM := NewFSM(restoreStore)

	if err := restoreFSM.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	graph, err := restoreStore.GetJobGraph(jobId)
	if err != nil {
		t.Fatalf("GetJobGraph after restore: %v", err)
	}
	if string(graph) != "graph" {
		t.Fatalf("expected graph bytes after restore, got %s", graph)
	}
	state, found, err := restoreStore.GetJobRegistryState(jobId)
	if err != nil || !found || state != storage.JobRegistryDone {
		t.Fatalf("expected DONE after restore, got state=%v found=%v err=%v", state, found, err)
	}
}
