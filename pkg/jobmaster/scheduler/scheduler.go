package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/jobmaster/slotpool"
	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/metrics"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

// SlotRequester is the slice of the Slot Pool the scheduler drives
// directly (spec.md §4.5/§4.6). *slotpool.Pool satisfies it.
type SlotRequester interface {
	RequestNewAllocatedSlot(requestId types.SlotRequestId, profile types.ResourceProfile) *slotpool.SlotFuture
	ReleaseSlot(requestId types.SlotRequestId, cause types.FailureCause) error
	ResolveAddress(resourceId types.ResourceId) (string, bool)
}

// PartitionDescriptor advertises one result partition a deployed task will
// produce, so a downstream task's InputChannels can name it.
type PartitionDescriptor struct {
	VertexId         types.VertexId
	NumSubpartitions int
}

// ChannelDescriptor advertises one input channel a deployed task will
// consume, naming the upstream vertex whose result partition feeds it.
type ChannelDescriptor struct {
	Id               types.InputChannelId
	UpstreamVertexId types.VertexId
}

// DeploymentDescriptor is everything a Task Executor needs to start one
// execution attempt (spec.md §4.6): identity, the slot it was granted, its
// opaque task configuration, an optional handle to state it should restore
// from, and its data-plane wiring.
type DeploymentDescriptor struct {
	JobId              types.JobId
	AttemptId          types.ExecutionAttemptId
	VertexId           types.VertexId
	AllocationId       types.AllocationId
	TaskConfig         []byte
	RestoreCheckpoint  *types.CheckpointId
	ResultPartitions   []PartitionDescriptor
	InputChannels      []ChannelDescriptor
}

// Deployer dispatches deployment/cancellation to the Task Executor that
// owns a slot. A pkg/rpc-backed gateway satisfies it in a real cluster.
type Deployer interface {
	Deploy(address string, descriptor DeploymentDescriptor) error
	CancelExecution(address string, attemptId types.ExecutionAttemptId) error
}

// FailoverStrategy computes which vertices must restart after a task
// failure (spec.md §4.6). GlobalFailoverStrategy and
// RestartPipelinedRegionStrategy are the two strategies named by the spec.
type FailoverStrategy interface {
	ComputeRestartSet(graph *types.JobGraph, failed types.VertexId, cause types.FailureCause) []types.VertexId
}

// Config configures a Scheduler.
type Config struct {
	JobId        types.JobId
	Graph        *types.JobGraph
	Slots        SlotRequester
	Deployer     Deployer
	Failover     FailoverStrategy
	RestartDelay time.Duration
	TaskConfig   func(vertex types.VertexId) []byte
	// RestoreCheckpoint, when non-nil, is consulted on every (re)deploy to
	// attach the latest successful checkpoint as the attempt's restore
	// handle. nil means "start from scratch".
	RestoreCheckpoint func() *types.CheckpointId
	// OnVertexFailed is invoked whenever a vertex is marked FAILED, so the
	// owning Job Master can decide whether the whole job must fail.
	OnVertexFailed func(vertex types.VertexId, cause types.FailureCause)
	// OnDeployed is invoked right after a vertex's attempt is successfully
	// dispatched to its Task Executor, so the owning Job Master can, e.g.,
	// register a source vertex's attempt with its Checkpoint Coordinator.
	OnDeployed func(vertex types.JobVertex, attemptId types.ExecutionAttemptId, address string)
	// OnVertexFinished is invoked when a vertex's attempt reaches FINISHED,
	// so the owning Job Master can detect whole-job completion once every
	// vertex has finished.
	OnVertexFinished func(vertex types.VertexId, attemptId types.ExecutionAttemptId)
}

// Scheduler implements the eager scheduling and deployment pipeline for
// one job's graph (spec.md §4.6).
type Scheduler struct {
	cfg    Config
	logger zerolog.Logger

	mu            sync.Mutex
	executions    map[types.VertexId]*types.TaskExecution
	attemptNumber map[types.VertexId]int
	execResource  map[types.VertexId]types.ResourceId
	execRequest   map[types.VertexId]types.SlotRequestId
}

// NewScheduler constructs a Scheduler. restartDelay defaults to 5s.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	return &Scheduler{
		cfg:           cfg,
		logger:        log.WithComponent("scheduler"),
		executions:    make(map[types.VertexId]*types.TaskExecution),
		attemptNumber: make(map[types.VertexId]int),
		execResource:  make(map[types.VertexId]types.ResourceId),
		execRequest:   make(map[types.VertexId]types.SlotRequestId),
	}
}

// StartScheduling implements start_scheduling: every vertex in topological
// order is requested a slot and, once all slot futures resolve, deployed.
func (s *Scheduler) StartScheduling() error {
	order, err := s.cfg.Graph.TopologicalOrder()
	if err != nil {
		return fmt.Errorf("start scheduling: %w", err)
	}
	return s.scheduleVertices(order)
}

// scheduleVertices runs the two-phase schedule/deploy pipeline (spec.md
// §4.6) over vertices, which need not be the whole graph (a failover
// restart schedules only vertices_to_restart).
func (s *Scheduler) scheduleVertices(vertices []types.JobVertex) error {
	timer := metrics.NewTimer()

	type handle struct {
		vertex types.JobVertex
		exec   *types.TaskExecution
		future *slotpool.SlotFuture
	}
	handles := make([]handle, 0, len(vertices))

	s.mu.Lock()
	for _, v := range vertices {
		attempt := s.attemptNumber[v.Id]
		exec := types.NewTaskExecution(s.cfg.JobId, v.Id, attempt)
		if err := exec.Transition(types.ExecutionScheduled); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("schedule vertex %s: %w", v.Id, err)
		}
		s.executions[v.Id] = exec
		profile := types.ResourceProfile{}
		if v.Profile != nil {
			profile = *v.Profile
		}
		requestId := types.NewSlotRequestId()
		s.execRequest[v.Id] = requestId
		future := s.cfg.Slots.RequestNewAllocatedSlot(requestId, profile)
		handles = append(handles, handle{vertex: v, exec: exec, future: future})
	}
	s.mu.Unlock()

	// Phase 1: wait for every slot future. Each vertex whose slot future
	// fails is marked FAILED, and if any fails nothing in the batch is
	// deployed. No failover strategy is invoked from here: the error is
	// returned to the caller and no restart is scheduled.
	var firstErr error
	slots := make(map[types.VertexId]types.Slot, len(handles))
	for _, h := range handles {
		<-h.future.Done()
		slot, err := h.future.Result()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.markFailed(h.exec, h.vertex.Id, types.CauseDeployFailure)
			continue
		}
		slots[h.vertex.Id] = slot
	}
	timer.ObserveDuration(metrics.SchedulingLatency)
	if firstErr != nil {
		return fmt.Errorf("scheduling failed: %w", firstErr)
	}

	// Phase 2: deploy every vertex now that all slots are in hand.
	for _, h := range handles {
		slot := slots[h.vertex.Id]
		if err := s.deploy(h.vertex, h.exec, slot); err != nil {
			s.markFailed(h.exec, h.vertex.Id, types.CauseDeployFailure)
			return fmt.Errorf("deploy vertex %s: %w", h.vertex.Id, err)
		}
	}
	return nil
}

func (s *Scheduler) deploy(vertex types.JobVertex, exec *types.TaskExecution, slot types.Slot) error {
	address, ok := s.cfg.Slots.ResolveAddress(slot.Id.ResourceId)
	if !ok {
		return fmt.Errorf("deploy vertex %s: no known address for resource %s", vertex.Id, slot.Id.ResourceId)
	}

	s.mu.Lock()
	if err := exec.Transition(types.ExecutionDeploying); err != nil {
		s.mu.Unlock()
		return err
	}
	exec.SlotAlloc = slot.Alloc
	s.execResource[vertex.Id] = slot.Id.ResourceId
	s.mu.Unlock()

	var taskConfig []byte
	if s.cfg.TaskConfig != nil {
		taskConfig = s.cfg.TaskConfig(vertex.Id)
	}
	var restore *types.CheckpointId
	if s.cfg.RestoreCheckpoint != nil {
		restore = s.cfg.RestoreCheckpoint()
	}

	descriptor := DeploymentDescriptor{
		JobId:             s.cfg.JobId,
		AttemptId:         exec.AttemptId,
		VertexId:          vertex.Id,
		AllocationId:      slot.Alloc,
		TaskConfig:        taskConfig,
		RestoreCheckpoint: restore,
		InputChannels:     channelDescriptorsFor(vertex),
		ResultPartitions:  []PartitionDescriptor{{VertexId: vertex.Id, NumSubpartitions: vertex.Parallelism}},
	}

	deployTimer := metrics.NewTimer()
	if err := s.cfg.Deployer.Deploy(address, descriptor); err != nil {
		return fmt.Errorf("deploy vertex %s to %s: %w", vertex.Id, address, err)
	}
	// TaskDeployDuration is observed on the authoritative RUNNING transition
	// in UpdateTaskExecutionState, not here; the timer's start is stashed so
	// that callback can measure from dispatch rather than from scheduling.
	s.stashDeployTimer(exec.AttemptId, deployTimer)
	if s.cfg.OnDeployed != nil {
		s.cfg.OnDeployed(vertex, exec.AttemptId, address)
	}
	return nil
}

var deployTimers = struct {
	mu sync.Mutex
	m  map[types.ExecutionAttemptId]*metrics.Timer
}{m: make(map[types.ExecutionAttemptId]*metrics.Timer)}

func (s *Scheduler) stashDeployTimer(attemptId types.ExecutionAttemptId, timer *metrics.Timer) {
	deployTimers.mu.Lock()
	defer deployTimers.mu.Unlock()
	deployTimers.m[attemptId] = timer
}

func channelDescriptorsFor(vertex types.JobVertex) []ChannelDescriptor {
	channels := make([]ChannelDescriptor, 0, len(vertex.Inputs))
	for _, upstream := range vertex.Inputs {
		channels = append(channels, ChannelDescriptor{Id: types.NewInputChannelId(), UpstreamVertexId: upstream})
	}
	return channels
}

func (s *Scheduler) markFailed(exec *types.TaskExecution, vertexId types.VertexId, cause types.FailureCause) {
	s.mu.Lock()
	_ = exec.Fail(string(cause))
	s.mu.Unlock()
	metrics.TaskExecutionsTotal.WithLabelValues(string(types.ExecutionFailed)).Inc()
	if s.cfg.OnVertexFailed != nil {
		s.cfg.OnVertexFailed(vertexId, cause)
	}
}

// UpdateTaskExecutionState implements the invariant that DEPLOYING ->
// RUNNING (and any other authoritative state change) is only ever driven
// by the owning Task Executor's report, never local optimism.
func (s *Scheduler) UpdateTaskExecutionState(attemptId types.ExecutionAttemptId, next types.ExecutionState, cause string) error {
	s.mu.Lock()
	var exec *types.TaskExecution
	var vertexId types.VertexId
	for vid, e := range s.executions {
		if e.AttemptId == attemptId {
			exec = e
			vertexId = vid
			break
		}
	}
	if exec == nil {
		s.mu.Unlock()
		return fmt.Errorf("update_task_execution_state: unknown attempt %s", attemptId)
	}
	wasDeploying := exec.State == types.ExecutionDeploying
	if next == types.ExecutionFailed {
		_ = exec.Fail(cause)
	} else if err := exec.Transition(next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	metrics.TaskExecutionsTotal.WithLabelValues(string(next)).Inc()

	if wasDeploying && next == types.ExecutionRunning {
		deployTimers.mu.Lock()
		timer, ok := deployTimers.m[attemptId]
		delete(deployTimers.m, attemptId)
		deployTimers.mu.Unlock()
		if ok {
			timer.ObserveDuration(metrics.TaskDeployDuration)
		}
	}

	if next == types.ExecutionFailed {
		s.handleFailure(vertexId, types.FailureCause(cause))
	} else if next == types.ExecutionFinished && s.cfg.OnVertexFinished != nil {
		s.cfg.OnVertexFinished(vertexId, attemptId)
	}
	return nil
}

// CancelAll cancels every vertex currently holding an execution, used by
// the Job Master facade to implement cancel_job: every deployed attempt
// is told to cancel and its slot released, with no restart scheduled.
func (s *Scheduler) CancelAll(cause types.FailureCause) {
	s.mu.Lock()
	vertices := make([]types.VertexId, 0, len(s.executions))
	for vertexId := range s.executions {
		vertices = append(vertices, vertexId)
	}
	s.mu.Unlock()

	for _, vertexId := range vertices {
		s.cancelLocked(vertexId, cause)
	}
}

// handleFailure implements the failover-strategy path of spec.md §4.6: the
// strategy computes which vertices must restart, those executions are
// canceled, and after restart_delay they are rescheduled with incremented
// attempt numbers.
func (s *Scheduler) handleFailure(failed types.VertexId, cause types.FailureCause) {
	if s.cfg.Failover == nil {
		return
	}
	restart := s.cfg.Failover.ComputeRestartSet(s.cfg.Graph, failed, cause)
	if len(restart) == 0 {
		return
	}

	for _, vid := range restart {
		s.cancelLocked(vid, cause)
	}

	go func() {
		time.Sleep(s.cfg.RestartDelay)

		s.mu.Lock()
		for _, vid := range restart {
			s.attemptNumber[vid]++
		}
		byId := make(map[types.VertexId]types.JobVertex, len(s.cfg.Graph.Vertices))
		for _, v := range s.cfg.Graph.Vertices {
			byId[v.Id] = v
		}
		s.mu.Unlock()

		toRestart := make([]types.JobVertex, 0, len(restart))
		for _, vid := range restart {
			if v, ok := byId[vid]; ok {
				toRestart = append(toRestart, v)
			}
		}
		if err := s.scheduleVertices(toRestart); err != nil {
			s.logger.Error().Err(err).Msg("failed to reschedule after failover")
		}
	}()
}

func (s *Scheduler) cancelLocked(vertexId types.VertexId, cause types.FailureCause) {
	s.mu.Lock()
	exec, ok := s.executions[vertexId]
	terminal := ok && exec.State.IsTerminal()
	resourceId, hasResource := s.execResource[vertexId]
	requestId, hasRequest := s.execRequest[vertexId]
	s.mu.Unlock()
	if !ok {
		return
	}
	if hasResource && !terminal {
		if address, ok := s.cfg.Slots.ResolveAddress(resourceId); ok {
			if err := s.cfg.Deployer.CancelExecution(address, exec.AttemptId); err != nil {
				s.logger.Warn().Err(err).Str("attempt_id", exec.AttemptId.String()).Msg("failed to cancel execution during failover")
			}
		}
	}
	if hasRequest {
		if err := s.cfg.Slots.ReleaseSlot(requestId, cause); err != nil {
			s.logger.Debug().Err(err).Msg("release slot during failover")
		}
	}
}

// GlobalFailoverStrategy restarts every vertex in the graph regardless of
// which one failed, per spec.md §4.6's "global failover resets the entire
// graph and restores from the last successful checkpoint".
type GlobalFailoverStrategy struct{}

func (GlobalFailoverStrategy) ComputeRestartSet(graph *types.JobGraph, failed types.VertexId, cause types.FailureCause) []types.VertexId {
	ids := make([]types.VertexId, 0, len(graph.Vertices))
	for _, v := range graph.Vertices {
		ids = append(ids, v.Id)
	}
	return ids
}

// RestartPipelinedRegionStrategy restarts only the failed vertex and every
// vertex transitively downstream of it (its "pipelined region"), leaving
// unrelated parts of the graph running.
type RestartPipelinedRegionStrategy struct{}

func (RestartPipelinedRegionStrategy) ComputeRestartSet(graph *types.JobGraph, failed types.VertexId, cause types.FailureCause) []types.VertexId {
	downstream := make(map[types.VertexId][]types.VertexId, len(graph.Vertices))
	for _, v := range graph.Vertices {
		for _, input := range v.Inputs {
			downstream[input] = append(downstream[input], v.Id)
		}
	}

	visited := make(map[types.VertexId]bool)
	var order []types.VertexId
	var visit func(id types.VertexId)
	visit = func(id types.VertexId) {
		if visited[id] {
			return
		}
		visited[id] = true
		order = append(order, id)
		for _, next := range downstream[id] {
			visit(next)
		}
	}
	visit(failed)
	return order
}
