package taskexecutor

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/jobmaster/checkpoint"
	"github.com/cuemby/weir/pkg/jobmaster/scheduler"
	"github.com/cuemby/weir/pkg/network"
	"github.com/cuemby/weir/pkg/types"
)

// JobMasterGateway is the slice of a Job Master's API a hosted task calls
// directly (spec.md §6): reporting execution-state transitions and
// checkpoint outcomes. A fenced pkg/rpc client stands in for it once the
// Task Executor and Job Master run in separate processes.
type JobMasterGateway interface {
	OfferSlots(jobMasterAddress string, resourceId types.ResourceId, offers []types.Slot) ([]types.SlotId, error)
	UpdateTaskExecutionState(jobMasterAddress string, attemptId types.ExecutionAttemptId, state types.ExecutionState, cause string) error
	AcknowledgeCheckpoint(jobMasterAddress string, attemptId types.ExecutionAttemptId, checkpointId types.CheckpointId, operatorId types.OperatorId, snapshot checkpoint.OperatorSnapshot) error
	DeclineCheckpoint(jobMasterAddress string, attemptId types.ExecutionAttemptId, checkpointId types.CheckpointId, reason string) error
}

// inMemorySnapshot is a Snapshotter/ChannelStateWriter pair good enough to
// exercise the checkpoint protocol end to end without a real state
// backend: every "handle" is just a counted, timestamped marker.
type inMemorySnapshot struct {
	mu        sync.Mutex
	persisted int
}

func (s *inMemorySnapshot) PersistBuffer(channel types.InputChannelId, checkpointId types.CheckpointId, buffer []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted++
	return nil
}

func (s *inMemorySnapshot) Finalize(checkpointId types.CheckpointId) (checkpoint.StateHandle, error) {
	return checkpoint.StateHandle{URI: fmt.Sprintf("mem://channel-state/%d", checkpointId)}, nil
}

func (s *inMemorySnapshot) Snapshot(checkpointId types.CheckpointId) (checkpoint.StateHandle, checkpoint.StateHandle, checkpoint.StateHandle, error) {
	op := checkpoint.StateHandle{URI: fmt.Sprintf("mem://operator-state/%d", checkpointId)}
	keyed := checkpoint.StateHandle{URI: fmt.Sprintf("mem://keyed-state/%d", checkpointId)}
	result := checkpoint.StateHandle{URI: fmt.Sprintf("mem://result-state/%d", checkpointId)}
	return op, keyed, result, nil
}

// taskRuntime is one deployed execution attempt: its result partitions,
// its input gate (if it consumes upstream channels), and — for source
// vertices with no inputs — the ability to trigger its own checkpoint
// snapshot directly, since a source has no barriers to align on.
type taskRuntime struct {
	attemptId        types.ExecutionAttemptId
	vertexId         types.VertexId
	operatorId       types.OperatorId
	jobMasterAddress string
	jobMasters       JobMasterGateway
	isSource         bool

	partitions []*network.ResultPartition
	gate       *network.InputGate
	barriers   *checkpoint.BarrierHandler
	snapshot   *inMemorySnapshot

	cancelOnce sync.Once
	done       chan struct{}
}

// notifier implements checkpoint.TaskNotifier by forwarding straight to
// the owning Job Master's Checkpoint Coordinator endpoints.
type notifier struct {
	jobMasterAddress string
	attemptId        types.ExecutionAttemptId
	jobMasters       JobMasterGateway
}

func (n *notifier) AcknowledgeCheckpoint(checkpointId types.CheckpointId, operatorId types.OperatorId, snap checkpoint.OperatorSnapshot) error {
	return n.jobMasters.AcknowledgeCheckpoint(n.jobMasterAddress, n.attemptId, checkpointId, operatorId, snap)
}

func (n *notifier) DeclineCheckpoint(checkpointId types.CheckpointId, reason string) error {
	return n.jobMasters.DeclineCheckpoint(n.jobMasterAddress, n.attemptId, checkpointId, reason)
}

func (n *notifier) RequestAbort(checkpointId types.CheckpointId, reason string) {
	_ = n.jobMasters.DeclineCheckpoint(n.jobMasterAddress, n.attemptId, checkpointId, reason)
}

func newTaskRuntime(desc scheduler.DeploymentDescriptor, jobMasterAddress string, jobMasters JobMasterGateway) *taskRuntime {
	t := &taskRuntime{
		attemptId:        desc.AttemptId,
		vertexId:         desc.VertexId,
		operatorId:       types.OperatorId(desc.VertexId), // one operator per vertex in this runtime's simplified chain model
		jobMasterAddress: jobMasterAddress,
		jobMasters:       jobMasters,
		isSource:         len(desc.InputChannels) == 0,
		snapshot:         &inMemorySnapshot{},
		done:             make(chan struct{}),
	}

	for _, pd := range desc.ResultPartitions {
		t.partitions = append(t.partitions, network.NewResultPartition(pd.VertexId, pd.NumSubpartitions, false))
	}

	if !t.isSource {
		channelIds := make([]types.InputChannelId, len(desc.InputChannels))
		for i, ch := range desc.InputChannels {
			channelIds[i] = ch.Id
		}
		n := &notifier{jobMasterAddress: jobMasterAddress, attemptId: desc.AttemptId, jobMasters: jobMasters}
		t.barriers = checkpoint.NewBarrierHandler(t.operatorId, channelIds, t.snapshot, n, t.snapshot)
		t.gate = network.NewInputGate(t.barriers, t.onBuffer)
	}

	return t
}

// onBuffer is the application-level record handler: a pass-through
// operator that forwards every received buffer onto every result
// partition's subpartition 0, the minimal operator chain needed to
// exercise the network data path end to end.
func (t *taskRuntime) onBuffer(channel types.InputChannelId, buf []byte) error {
	for _, p := range t.partitions {
		p.Subpartition(0).Add(network.StaticBuffer{Buffer: network.Buffer{Data: buf}}, false)
	}
	return nil
}

func (t *taskRuntime) start() error {
	return t.jobMasters.UpdateTaskExecutionState(t.jobMasterAddress, t.attemptId, types.ExecutionRunning, "")
}

func (t *taskRuntime) cancel() {
	t.cancelOnce.Do(func() {
		close(t.done)
		for _, p := range t.partitions {
			p.Close()
		}
	})
}

// triggerSourceCheckpoint implements the Checkpoint Coordinator's
// trigger_checkpoint for a source task: no input channels to align on,
// so the task snapshots itself immediately and injects a barrier marker
// into every output subpartition for downstream propagation (spec.md
// §4.7).
func (t *taskRuntime) triggerSourceCheckpoint(checkpointId types.CheckpointId, timestamp time.Time, isSavepoint bool, targetDir string) error {
	op, keyed, result, err := t.snapshot.Snapshot(checkpointId)
	if err != nil {
		return t.jobMasters.DeclineCheckpoint(t.jobMasterAddress, t.attemptId, checkpointId, err.Error())
	}

	for _, p := range t.partitions {
		for i := 0; i < p.NumSubpartitions(); i++ {
			p.Subpartition(i).Add(network.StaticBuffer{Buffer: network.Buffer{IsEvent: true}}, true)
		}
	}

	snap := checkpoint.OperatorSnapshot{OperatorState: op, KeyedState: keyed, ResultSubpartitionState: result}
	return t.jobMasters.AcknowledgeCheckpoint(t.jobMasterAddress, t.attemptId, checkpointId, t.operatorId, snap)
}

func (t *taskRuntime) notifyComplete(checkpointId types.CheckpointId) {
	// A committed checkpoint has nothing further for this minimal runtime
	// to act on; a real operator would release state held only for
	// rollback here.
}

func (t *taskRuntime) notifyAbort(checkpointId types.CheckpointId, reason string) {
	if t.barriers != nil {
		t.barriers.OnCancelMarker(checkpointId)
	}
}
