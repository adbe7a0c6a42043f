package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/weir/pkg/jobmaster/slotpool"
	"github.com/cuemby/weir/pkg/types"
)

// stubResourceManager fulfills every RequestSlot call synchronously by
// registering a fresh Task Executor and offering back exactly the
// allocation id the pool asked for, so scheduler tests never need to wait
// on a real Resource Manager round trip. In failMode it instead fails the
// allocation outright, simulating "no slots available".
type stubResourceManager struct {
	pool     *slotpool.Pool
	failMode bool
}

func (r *stubResourceManager) RequestSlot(jobMasterId types.JobMasterId, jobId types.JobId, allocationId types.AllocationId, profile types.ResourceProfile, jobMasterAddress string) error {
	if r.failMode {
		r.pool.FailAllocation(allocationId, types.CauseUnfulfillable)
		return nil
	}
	resourceId := types.NewResourceId()
	r.pool.RegisterTaskManager(resourceId, "taskexecutor-"+resourceId.String()+":9001")
	r.pool.OfferSlots(resourceId, []types.Slot{{
		Id:      types.SlotId{ResourceId: resourceId, Index: 0},
		Alloc:   allocationId,
		Profile: profile,
	}})
	return nil
}

func (r *stubResourceManager) CancelSlotRequest(allocationId types.AllocationId) {}

type stubTaskManagers struct{}

func (stubTaskManagers) FreeSlot(address string, slotId types.SlotId) error { return nil }

func newTestPool(failMode bool) *slotpool.Pool {
	rm := &stubResourceManager{failMode: failMode}
	pool := slotpool.NewPool(slotpool.Config{
		JobId:            types.NewJobId(),
		JobMasterId:      types.NewJobMasterId(),
		JobMasterAddress: "jobmaster:7000",
		ResourceManager:  rm,
		TaskManagers:     stubTaskManagers{},
	})
	rm.pool = pool
	return pool
}

type recordingDeployer struct {
	mu        sync.Mutex
	deployed  []DeploymentDescriptor
	canceled  []types.ExecutionAttemptId
	deployErr error
}

func (d *recordingDeployer) Deploy(address string, descriptor DeploymentDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deployErr != nil {
		return d.deployErr
	}
	d.deployed = append(d.deployed, descriptor)
	return nil
}

func (d *recordingDeployer) CancelExecution(address string, attemptId types.ExecutionAttemptId) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.canceled = append(d.canceled, attemptId)
	return nil
}

func sampleGraph() (*types.JobGraph, types.VertexId, types.VertexId) {
	source := types.NewVertexId()
	sink := types.NewVertexId()
	graph := &types.JobGraph{
		JobId: types.NewJobId(),
		Name:  "wordcount",
		Vertices: []types.JobVertex{
			{Id: source, Name: "source", Parallelism: 1},
			{Id: sink, Name: "sink", Parallelism: 1, Inputs: []types.VertexId{source}},
		},
	}
	return graph, source, sink
}

func TestStartSchedulingDeploysEveryVertex(t *testing.T) {
	graph, source, sink := sampleGraph()
	pool := newTestPool(false)
	deployer := &recordingDeployer{}
	s := NewScheduler(Config{
		JobId:    graph.JobId,
		Graph:    graph,
		Slots:    pool,
		Deployer: deployer,
		Failover: GlobalFailoverStrategy{},
	})

	if err := s.StartScheduling(); err != nil {
		t.Fatalf("StartScheduling: %v", err)
	}

	deployer.mu.Lock()
	defer deployer.mu.Unlock()
	if len(deployer.deployed) != 2 {
		t.Fatalf("expected 2 deployments, got %d", len(deployer.deployed))
	}

	var sinkDescriptor *DeploymentDescriptor
	for i := range deployer.deployed {
		if deployer.deployed[i].VertexId == sink {
			sinkDescriptor = &deployer.deployed[i]
		}
		if deployer.deployed[i].VertexId == source && len(deployer.deployed[i].InputChannels) != 0 {
			t.Fatalf("did not expect the source vertex to have input channels")
		}
	}
	if sinkDescriptor == nil {
		t.Fatalf("expected a deployment for the sink vertex")
	}
	if len(sinkDescriptor.InputChannels) != 1 || sinkDescriptor.InputChannels[0].UpstreamVertexId != source {
		t.Fatalf("expected sink's input channel to reference source, got %+v", sinkDescriptor.InputChannels)
	}
}

func TestStartSchedulingAbortsBatchOnSlotFailure(t *testing.T) {
	graph, _, _ := sampleGraph()
	pool := newTestPool(true)
	deployer := &recordingDeployer{}
	var mu sync.Mutex
	var failed []types.VertexId
	s := NewScheduler(Config{
		JobId:    graph.JobId,
		Graph:    graph,
		Slots:    pool,
		Deployer: deployer,
		Failover: GlobalFailoverStrategy{},
		OnVertexFailed: func(vertex types.VertexId, cause types.FailureCause) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, vertex)
		},
	})

	if err := s.StartScheduling(); err == nil {
		t.Fatalf("expected StartScheduling to fail when every slot request fails")
	}
	if len(deployer.deployed) != 0 {
		t.Fatalf("expected no deployments after a failed batch, got %d", len(deployer.deployed))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 2 {
		t.Fatalf("expected both vertices marked failed, got %d", len(failed))
	}
}

func TestUpdateTaskExecutionStateObservesAuthoritativeRunning(t *testing.T) {
	graph, source, _ := sampleGraph()
	graph.Vertices = graph.Vertices[:1] // just the source, to keep this focused
	pool := newTestPool(false)
	deployer := &recordingDeployer{}
	s := NewScheduler(Config{
		JobId:    graph.JobId,
		Graph:    graph,
		Slots:    pool,
		Deployer: deployer,
		Failover: GlobalFailoverStrategy{},
	})
	if err := s.StartScheduling(); err != nil {
		t.Fatalf("StartScheduling: %v", err)
	}

	var attemptId types.ExecutionAttemptId
	s.mu.Lock()
	attemptId = s.executions[source].AttemptId
	s.mu.Unlock()

	if err := s.UpdateTaskExecutionState(attemptId, types.ExecutionRunning, ""); err != nil {
		t.Fatalf("UpdateTaskExecutionState: %v", err)
	}

	s.mu.Lock()
	state := s.executions[source].State
	s.mu.Unlock()
	if state != types.ExecutionRunning {
		t.Fatalf("expected execution to be RUNNING, got %s", state)
	}
}

func TestUpdateTaskExecutionStateFailureTriggersFailoverCancel(t *testing.T) {
	graph, source, sink := sampleGraph()
	pool := newTestPool(false)
	deployer := &recordingDeployer{}
	s := NewScheduler(Config{
		JobId:        graph.JobId,
		Graph:        graph,
		Slots:        pool,
		Deployer:     deployer,
		Failover:     GlobalFailoverStrategy{},
		RestartDelay: 10 * time.Millisecond,
	})
	if err := s.StartScheduling(); err != nil {
		t.Fatalf("StartScheduling: %v", err)
	}

	var sourceAttempt types.ExecutionAttemptId
	s.mu.Lock()
	sourceAttempt = s.executions[source].AttemptId
	s.mu.Unlock()

	if err := s.UpdateTaskExecutionState(sourceAttempt, types.ExecutionFailed, string(types.CauseTaskExecutorLost)); err != nil {
		t.Fatalf("UpdateTaskExecutionState: %v", err)
	}

	deployer.mu.Lock()
	canceledCount := len(deployer.canceled)
	deployer.mu.Unlock()
	if canceledCount != 1 {
		t.Fatalf("expected the sink's execution to be canceled for global failover, got %d cancellations", canceledCount)
	}

	time.Sleep(100 * time.Millisecond)

	s.mu.Lock()
	sourceAttemptNumber := s.attemptNumber[source]
	sinkAttemptNumber := s.attemptNumber[sink]
	s.mu.Unlock()
	if sourceAttemptNumber != 1 || sinkAttemptNumber != 1 {
		t.Fatalf("expected both vertices to have restarted with attempt 1, got source=%d sink=%d", sourceAttemptNumber, sinkAttemptNumber)
	}
}

func TestRestartPipelinedRegionStrategyRestartsOnlyDownstream(t *testing.T) {
	graph, source, sink := sampleGraph()
	unrelated := types.NewVertexId()
	graph.Vertices = append(graph.Vertices, types.JobVertex{Id: unrelated, Name: "unrelated"})

	restart := RestartPipelinedRegionStrategy{}.ComputeRestartSet(graph, source, types.CauseTaskExecutorLost)

	found := map[types.VertexId]bool{}
	for _, id := range restart {
		found[id] = true
	}
	if !found[source] || !found[sink] {
		t.Fatalf("expected source and sink in restart set, got %v", restart)
	}
	if found[unrelated] {
		t.Fatalf("did not expect the unrelated vertex in restart set, got %v", restart)
	}
}

func TestGlobalFailoverStrategyRestartsEveryVertex(t *testing.T) {
	graph, _, _ := sampleGraph()
	restart := GlobalFailoverStrategy{}.ComputeRestartSet(graph, graph.Vertices[0].Id, types.CauseHeartbeatTimeout)
	if len(restart) != len(graph.Vertices) {
		t.Fatalf("expected every vertex to restart, got %d of %d", len(restart), len(graph.Vertices))
	}
}
