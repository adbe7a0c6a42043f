// Package jobmaster implements the Job Master facade (spec.md §4.4): the
// per-job control-plane composite root that wires a Slot Pool, Scheduler,
// and Checkpoint Coordinator together behind the dispatcher.JobMasterHandle
// contract. Its shape follows the teacher's composite-root pattern in
// manager.go: one constructor wires every collaborator's callbacks into the
// facade before anything starts running.
package jobmaster

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/dispatcher"
	"github.com/cuemby/weir/pkg/jobmaster/checkpoint"
	"github.com/cuemby/weir/pkg/jobmaster/scheduler"
	"github.com/cuemby/weir/pkg/jobmaster/slotpool"
	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/taskexecutor"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

// LeaseStore is the slice of the HA service a Job Master needs directly:
// the fencing-token lease a leader acquires on launch (spec.md §4.4, §5),
// plus everything checkpoint.Store already needs from the same service.
// *ha.Manager satisfies it today.
type LeaseStore interface {
	checkpoint.Store
	AcquireJobMasterLease(jobId types.JobId, holder types.JobMasterId, timeout time.Duration) error
}

// TaskManagers is everything a Job Master dispatches straight to a Task
// Executor: deployment and cancellation, slot release, and the checkpoint
// RPCs a source task answers. *taskexecutor.TaskExecutor satisfies it
// today; a fenced pkg/rpc client stands in once Task Executors run out of
// process.
type TaskManagers interface {
	slotpool.TaskManagerGateway
	scheduler.Deployer
	checkpoint.TaskGateway
}

// TaskManagerAddress names one Task Executor's resourceId/address pair. The
// Slot Pool resolves a slot's owning address through this table; a real
// deployment would learn it from the Resource Manager's own registry once
// pkg/rpc carries that notification; until then a Launcher is handed the
// table directly at construction.
type TaskManagerAddress struct {
	ResourceId types.ResourceId
	Address    string
}

// LauncherConfig configures a Launcher. Every job submitted through one
// Launcher shares the same Resource Manager and Task Executor fleet.
type LauncherConfig struct {
	HA      LeaseStore
	Address string // this Job Master's own callback address

	ResourceManager   slotpool.ResourceManagerGateway
	TaskManagers      TaskManagers
	KnownTaskManagers []TaskManagerAddress

	// Failover selects the restart policy (spec.md §4.6). Left nil, a task
	// failure fails the whole job outright instead of restarting anything.
	Failover   scheduler.FailoverStrategy
	TaskConfig func(vertex types.VertexId) []byte

	RestartDelay       time.Duration
	CheckpointInterval time.Duration
	CheckpointTimeout  time.Duration
	LeaseTimeout       time.Duration // defaults to 5s

	// SnapshotURI builds the durable pointer a completed checkpoint is
	// recorded under. Shared between the Checkpoint Coordinator and
	// TriggerSavepoint/StopWithSavepoint's returned path so both sides agree
	// on the same naming scheme. Defaults to the Coordinator's own default.
	SnapshotURI func(jobId types.JobId, checkpointId types.CheckpointId) string
}

// Launcher implements dispatcher.JobMasterLauncher.
type Launcher struct {
	cfg LauncherConfig
}

// NewLauncher constructs a Launcher.
func NewLauncher(cfg LauncherConfig) *Launcher {
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 5 * time.Second
	}
	// cfg.Failover is deliberately left nil when unset: that opts the job
	// out of automatic restarts entirely, and onVertexFailed fails the
	// whole job on the first task failure instead (spec.md §4.6). Callers
	// that want restart semantics pass GlobalFailoverStrategy{} or
	// RestartPipelinedRegionStrategy{} explicitly.
	if cfg.SnapshotURI == nil {
		cfg.SnapshotURI = func(jobId types.JobId, checkpointId types.CheckpointId) string {
			return fmt.Sprintf("job://%s/checkpoint/%d", jobId, checkpointId)
		}
	}
	return &Launcher{cfg: cfg}
}

// Launch starts a Job Master for graph (spec.md §4.4): it acquires the
// leader fencing token, wires the Slot Pool/Scheduler/Checkpoint
// Coordinator, and kicks off eager scheduling.
func (l *Launcher) Launch(jobId types.JobId, graph *types.JobGraph) (dispatcher.JobMasterHandle, error) {
	jm := &JobMaster{
		jobId:         jobId,
		id:            types.NewJobMasterId(),
		graph:         graph,
		cfg:           l.cfg,
		logger:        log.WithComponent("jobmaster").With().Str("job_id", jobId.String()).Logger(),
		status:        dispatcher.JobStatusRunning,
		submittedAt:   time.Now(),
		finished:      make(map[types.VertexId]bool),
		sourceVertex:  make(map[types.VertexId]bool),
		vertexAttempt: make(map[types.VertexId]types.ExecutionAttemptId),
		doneCh:        make(chan dispatcher.JobMasterOutcome, 1),
	}
	for _, v := range graph.Vertices {
		jm.sourceVertex[v.Id] = len(v.Inputs) == 0
	}

	if l.cfg.HA != nil {
		if err := l.cfg.HA.AcquireJobMasterLease(jobId, jm.id, l.cfg.LeaseTimeout); err != nil {
			return nil, fmt.Errorf("acquire job master lease for %s: %w", jobId, err)
		}
	}

	jm.pool = slotpool.NewPool(slotpool.Config{
		JobId:            jobId,
		JobMasterId:      jm.id,
		JobMasterAddress: l.cfg.Address,
		ResourceManager:  l.cfg.ResourceManager,
		TaskManagers:     l.cfg.TaskManagers,
	})
	for _, tm := range l.cfg.KnownTaskManagers {
		jm.pool.RegisterTaskManager(tm.ResourceId, tm.Address)
	}

	jm.sched = scheduler.NewScheduler(scheduler.Config{
		JobId:             jobId,
		Graph:             graph,
		Slots:             jm.pool,
		Deployer:          l.cfg.TaskManagers,
		Failover:          l.cfg.Failover,
		RestartDelay:      l.cfg.RestartDelay,
		TaskConfig:        l.cfg.TaskConfig,
		RestoreCheckpoint: jm.restoreCheckpoint,
		OnVertexFailed:    jm.onVertexFailed,
		OnDeployed:        jm.onDeployed,
		OnVertexFinished:  jm.onVertexFinished,
	})

	if l.cfg.HA != nil {
		jm.coord = checkpoint.NewCoordinator(checkpoint.Config{
			JobId:      jobId,
			HA:         l.cfg.HA,
			Tasks:      l.cfg.TaskManagers,
			Interval:   l.cfg.CheckpointInterval,
			Timeout:    l.cfg.CheckpointTimeout,
			SnapshotURI: l.cfg.SnapshotURI,
		})
		jm.coord.Start()
	}

	if err := jm.sched.StartScheduling(); err != nil {
		jm.logger.Error().Err(err).Msg("start scheduling failed, job master starting in FAILED state")
		jm.fail(err.Error())
		return jm, nil
	}

	jm.logger.Info().Int("vertices", len(graph.Vertices)).Msg("job master started")
	return jm, nil
}

// JobMaster is the per-job control-plane facade (spec.md §4.4): it answers
// to the Dispatcher as a dispatcher.JobMasterHandle and to its own hosted
// tasks as their taskexecutor.JobMasterGateway.
type JobMaster struct {
	jobId       types.JobId
	id          types.JobMasterId
	graph       *types.JobGraph
	cfg         LauncherConfig
	logger      zerolog.Logger
	submittedAt time.Time

	pool  *slotpool.Pool
	sched *scheduler.Scheduler
	coord *checkpoint.Coordinator

	mu           sync.Mutex
	status       dispatcher.JobStatus
	failureCause string
	finished      map[types.VertexId]bool
	sourceVertex  map[types.VertexId]bool
	vertexAttempt map[types.VertexId]types.ExecutionAttemptId

	doneCh   chan dispatcher.JobMasterOutcome
	doneOnce sync.Once
}

// onDeployed implements scheduler.Config.OnDeployed: it derives the
// per-attempt callback address the Task Executor registered its runtime
// under and registers it with the Checkpoint Coordinator, as a source if
// the vertex has no inputs.
func (jm *JobMaster) onDeployed(vertex types.JobVertex, attemptId types.ExecutionAttemptId, address string) {
	perAttempt := taskexecutor.TaskAddress(address, attemptId)

	jm.mu.Lock()
	jm.vertexAttempt[vertex.Id] = attemptId
	isSource := jm.sourceVertex[vertex.Id]
	jm.mu.Unlock()

	if jm.coord == nil {
		return
	}
	if isSource {
		jm.coord.RegisterSource(attemptId, perAttempt)
	} else {
		jm.coord.RegisterTask(attemptId, perAttempt)
	}
}

// onVertexFailed implements scheduler.Config.OnVertexFailed. With no
// failover strategy configured the failure is unrecoverable and the whole
// job fails; otherwise the scheduler's own failover loop is left to restart
// it (spec.md §4.6).
func (jm *JobMaster) onVertexFailed(vertex types.VertexId, cause types.FailureCause) {
	jm.unregisterVertex(vertex)
	if jm.cfg.Failover == nil {
		jm.fail(string(cause))
	}
}

// onVertexFinished implements scheduler.Config.OnVertexFinished: once every
// vertex in the graph has finished, the job as a whole is FINISHED (spec.md
// §4.4).
func (jm *JobMaster) onVertexFinished(vertex types.VertexId, attemptId types.ExecutionAttemptId) {
	jm.unregisterVertex(vertex)

	jm.mu.Lock()
	jm.finished[vertex] = true
	done := len(jm.finished) == len(jm.graph.Vertices)
	jm.mu.Unlock()

	if done {
		jm.complete(dispatcher.JobStatusFinished, "")
	}
}

// unregisterVertex drops a terminal vertex's attempt from the Checkpoint
// Coordinator's bookkeeping, so a future trigger_checkpoint's
// ExpectedAcks/broadcast no longer waits on it.
func (jm *JobMaster) unregisterVertex(vertex types.VertexId) {
	jm.mu.Lock()
	attemptId, ok := jm.vertexAttempt[vertex]
	if ok {
		delete(jm.vertexAttempt, vertex)
	}
	jm.mu.Unlock()

	if ok && jm.coord != nil {
		jm.coord.UnregisterTask(attemptId)
	}
}

// restoreCheckpoint implements scheduler.Config.RestoreCheckpoint: the
// latest checkpoint the Coordinator has completed, consulted on every
// (re)deploy so a failover restart resumes from it (spec.md §4.6).
func (jm *JobMaster) restoreCheckpoint() *types.CheckpointId {
	if jm.coord == nil {
		return nil
	}
	return jm.coord.LatestCompletedCheckpoint()
}

func (jm *JobMaster) fail(cause string) {
	jm.complete(dispatcher.JobStatusFailed, cause)
}

func (jm *JobMaster) complete(status dispatcher.JobStatus, cause string) {
	jm.mu.Lock()
	if jm.status != dispatcher.JobStatusRunning {
		jm.mu.Unlock()
		return
	}
	jm.status = status
	jm.failureCause = cause
	jm.mu.Unlock()

	jm.logger.Info().Str("status", string(status)).Str("cause", cause).Msg("job master reached terminal state")

	if jm.coord != nil {
		jm.coord.Stop()
	}

	jm.doneOnce.Do(func() {
		jm.doneCh <- dispatcher.JobMasterOutcome{Status: status, FailureCause: cause}
		close(jm.doneCh)
	})
}

// CancelJob implements dispatcher.JobMasterHandle: every deployed attempt
// is told to cancel with no restart scheduled (spec.md §4.4, §6
// cancel_job).
func (jm *JobMaster) CancelJob() error {
	jm.mu.Lock()
	alreadyTerminal := jm.status != dispatcher.JobStatusRunning
	jm.mu.Unlock()
	if alreadyTerminal {
		return nil
	}
	jm.sched.CancelAll(types.CauseCanceled)
	jm.complete(dispatcher.JobStatusCanceled, "")
	return nil
}

// TriggerSavepoint implements dispatcher.JobMasterHandle: trigger_savepoint
// mints a checkpoint id and returns its eventual snapshot path immediately;
// the write itself completes asynchronously as acks arrive (spec.md §4.7,
// §6).
func (jm *JobMaster) TriggerSavepoint(targetDir string) (string, error) {
	if jm.coord == nil {
		return "", fmt.Errorf("trigger savepoint for %s: checkpointing is not enabled for this job", jm.jobId)
	}
	id, err := jm.coord.TriggerCheckpoint(true, targetDir)
	if err != nil {
		return "", fmt.Errorf("trigger savepoint for %s: %w", jm.jobId, err)
	}
	return jm.cfg.SnapshotURI(jm.jobId, id), nil
}

// StopWithSavepoint implements dispatcher.JobMasterHandle: a savepoint is
// triggered and the job is then canceled, per spec.md §4.4's
// stop_with_savepoint semantics (graceful stop rather than a hard cancel
// would additionally drain sources first; this runtime's minimal operator
// chain has nothing further to drain).
func (jm *JobMaster) StopWithSavepoint(targetDir string) (string, error) {
	path, err := jm.TriggerSavepoint(targetDir)
	if err != nil {
		return "", err
	}
	if err := jm.CancelJob(); err != nil {
		return "", err
	}
	return path, nil
}

// Status implements dispatcher.JobMasterHandle.
func (jm *JobMaster) Status() (dispatcher.JobStatus, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.status, nil
}

// Details implements dispatcher.JobMasterHandle.
func (jm *JobMaster) Details() (dispatcher.JobDetails, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return dispatcher.JobDetails{
		JobId:       jm.jobId,
		Name:        jm.graph.Name,
		Status:      jm.status,
		SubmittedAt: jm.submittedAt,
	}, nil
}

// Done implements dispatcher.JobMasterHandle.
func (jm *JobMaster) Done() <-chan dispatcher.JobMasterOutcome {
	return jm.doneCh
}

// OfferSlots implements taskexecutor.JobMasterGateway by forwarding
// straight to the Slot Pool.
func (jm *JobMaster) OfferSlots(jobMasterAddress string, resourceId types.ResourceId, offers []types.Slot) ([]types.SlotId, error) {
	return jm.pool.OfferSlots(resourceId, offers), nil
}

// UpdateTaskExecutionState implements taskexecutor.JobMasterGateway by
// forwarding straight to the Scheduler, the sole authority over execution
// state (spec.md §4.6).
func (jm *JobMaster) UpdateTaskExecutionState(jobMasterAddress string, attemptId types.ExecutionAttemptId, state types.ExecutionState, cause string) error {
	return jm.sched.UpdateTaskExecutionState(attemptId, state, cause)
}

// AcknowledgeCheckpoint implements taskexecutor.JobMasterGateway: the
// attempt's primary operator-state handle stands in for the full snapshot
// since the Coordinator's acknowledgement bookkeeping only needs one
// handle per operator to finalize a checkpoint (spec.md §4.7).
func (jm *JobMaster) AcknowledgeCheckpoint(jobMasterAddress string, attemptId types.ExecutionAttemptId, checkpointId types.CheckpointId, operatorId types.OperatorId, snapshot checkpoint.OperatorSnapshot) error {
	if jm.coord == nil {
		return fmt.Errorf("acknowledge checkpoint for %s: checkpointing is not enabled for this job", jm.jobId)
	}
	return jm.coord.AcknowledgeCheckpoint(attemptId, checkpointId, operatorId, snapshot.OperatorState)
}

// DeclineCheckpoint implements taskexecutor.JobMasterGateway.
func (jm *JobMaster) DeclineCheckpoint(jobMasterAddress string, attemptId types.ExecutionAttemptId, checkpointId types.CheckpointId, reason string) error {
	if jm.coord == nil {
		return fmt.Errorf("decline checkpoint for %s: checkpointing is not enabled for this job", jm.jobId)
	}
	return jm.coord.DeclineCheckpoint(checkpointId, reason)
}

// NotifyAllocationFailure implements resourcemanager.JobMasterNotifier: the
// Resource Manager surfaces a disconnect_task_executor or a revoked offer
// this way so the owning Slot Pool can fail the affected future instead of
// waiting out its full request timeout (spec.md §4.3).
func (jm *JobMaster) NotifyAllocationFailure(jobMasterAddress string, allocationId types.AllocationId, cause types.FailureCause) error {
	jm.pool.FailAllocation(allocationId, cause)
	return nil
}
