package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/storage"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

// JobGraphStore is the slice of *ha.Manager the Dispatcher depends on:
// HA-backed persistence for job graphs, the running-jobs registry, and
// archived execution graphs (spec.md §4.1, §4.2, §6, §11 supplement).
// *ha.Manager satisfies this directly; tests substitute a fake.
type JobGraphStore interface {
	PutJobGraph(jobId types.JobId, graph []byte, timeout time.Duration) error
	SetJobRegistryState(jobId types.JobId, state storage.JobRegistryState, timeout time.Duration) error
	PutArchivedExecutionGraph(graph storage.ArchivedExecutionGraph, timeout time.Duration) error
	Store() storage.Store
}

// JobStatus is the coarse lifecycle state request_job_status/details report.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusFinished  JobStatus = "FINISHED"
	JobStatusCanceled  JobStatus = "CANCELED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusSuspended JobStatus = "SUSPENDED"
)

// JobDetails answers request_job_details.
type JobDetails struct {
	JobId       types.JobId
	Name        string
	Status      JobStatus
	SubmittedAt time.Time
}

// JobResult answers request_job_result: the terminal outcome of a job that
// has already reached (or will reach) a terminal status.
type JobResult struct {
	JobId        types.JobId
	Status       JobStatus
	FailureCause string
}

// JobMasterOutcome is what a Job Master hands back on termination. Crashed
// distinguishes an unexpected death (spec.md §4.2's "Job Master crash is
// fatal to the dispatcher process when HA is enabled") from reaching a
// terminal state cleanly.
type JobMasterOutcome struct {
	Status       JobStatus
	FailureCause string
	Crashed      bool
}

// JobMasterHandle is the Dispatcher's view of a running Job Master: enough
// to forward cancel_job/trigger_savepoint/stop_with_savepoint and answer
// read-through queries, and to learn when the job has terminated. pkg/
// jobmaster implements this over the real Job Master facade (spec.md §4.4).
type JobMasterHandle interface {
	CancelJob() error
	TriggerSavepoint(targetDir string) (string, error)
	StopWithSavepoint(targetDir string) (string, error)
	Status() (JobStatus, error)
	Details() (JobDetails, error)
	// Done delivers exactly one JobMasterOutcome when the Job Master
	// reaches a terminal state or dies unexpectedly.
	Done() <-chan JobMasterOutcome
}

// JobMasterLauncher starts a Job Master for a freshly accepted or recovered
// job graph.
type JobMasterLauncher interface {
	Launch(jobId types.JobId, graph *types.JobGraph) (JobMasterHandle, error)
}

// ClusterTerminationStatus is the outcome shut_down_cluster completes the
// cluster termination future with.
type ClusterTerminationStatus string

const (
	ClusterStatusSuccess ClusterTerminationStatus = "SUCCESS"
	ClusterStatusFailure ClusterTerminationStatus = "FAILURE"
)

// Config configures a Dispatcher.
type Config struct {
	HA       JobGraphStore
	Launcher JobMasterLauncher

	// HAEnabled selects the failure semantics spec.md §4.2 describes: when
	// true, an unexpected Job Master death is fatal to this process (the
	// leader re-elects and a fresh dispatcher recovers from persistent
	// storage); when false, the job is marked FAILED locally instead.
	HAEnabled bool

	// ApplyTimeout bounds every Raft Apply this Dispatcher issues. Defaults
	// to 5s.
	ApplyTimeout time.Duration

	// OnFatal is invoked (instead of terminating the process directly) when
	// HAEnabled is true and a Job Master crashes. Defaults to a logger
	// Fatal call. Tests substitute a recording stub.
	OnFatal func(reason string)

	// ArchiveCacheSize bounds the in-memory fast-path cache of recently
	// finished jobs' archived state (spec.md §11 supplement); the
	// authoritative copy is always HA-backed storage. Defaults to 64.
	ArchiveCacheSize int
}

// Dispatcher is the cluster's job submission entry point (spec.md §4.2).
type Dispatcher struct {
	ha        JobGraphStore
	launcher  JobMasterLauncher
	haEnabled bool
	timeout   time.Duration
	onFatal   func(reason string)

	mu         sync.Mutex
	jobMasters map[types.JobId]JobMasterHandle

	archive *archiveCache

	shutdownOnce   sync.Once
	shutdownCh     chan struct{}
	shutdownStatus ClusterTerminationStatus

	logger zerolog.Logger
}

// NewDispatcher constructs a Dispatcher. Call RecoverJobs once this
// process holds leadership to resume any jobs a crashed predecessor left
// running.
func NewDispatcher(cfg Config) *Dispatcher {
	timeout := cfg.ApplyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	onFatal := cfg.OnFatal
	if onFatal == nil {
		onFatal = func(reason string) {
			log.WithComponent("dispatcher").Fatal().Msg(reason)
		}
	}
	cacheSize := cfg.ArchiveCacheSize
	if cacheSize <= 0 {
		cacheSize = 64
	}
	return &Dispatcher{
		ha:         cfg.HA,
		launcher:   cfg.Launcher,
		haEnabled:  cfg.HAEnabled,
		timeout:    timeout,
		onFatal:    onFatal,
		jobMasters: make(map[types.JobId]JobMasterHandle),
		archive:    newArchiveCache(cacheSize),
		shutdownCh: make(chan struct{}),
		logger:     log.WithComponent("dispatcher"),
	}
}

// SubmitJob implements submit_job (spec.md §4.2).
func (d *Dispatcher) SubmitJob(graph *types.JobGraph) error {
	if err := graph.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// RUNNING and DONE are both rejected: the registry retains an entry for
	// every job ever submitted (spec.md §4.2).
	if _, known, err := d.ha.Store().GetJobRegistryState(graph.JobId); err != nil {
		return fmt.Errorf("submit job %s: %w", graph.JobId, err)
	} else if known {
		return fmt.Errorf("submit job %s: %w", graph.JobId, types.ErrDuplicateJob)
	}

	blob, err := graph.Encode()
	if err != nil {
		return fmt.Errorf("submit job %s: %w", graph.JobId, err)
	}
	if err := d.ha.PutJobGraph(graph.JobId, blob, d.timeout); err != nil {
		return fmt.Errorf("submit job %s: %w", graph.JobId, err)
	}
	if err := d.ha.SetJobRegistryState(graph.JobId, storage.JobRegistryRunning, d.timeout); err != nil {
		return fmt.Errorf("submit job %s: %w", graph.JobId, err)
	}

	return d.startLocked(graph)
}

// startLocked launches a Job Master for graph. Callers must hold d.mu.
// Per spec.md §4.2's "at most one Job Master per JobId" invariant, a
// previous handle still on file for this id is waited out first.
func (d *Dispatcher) startLocked(graph *types.JobGraph) error {
	if prev, ok := d.jobMasters[graph.JobId]; ok {
		d.mu.Unlock()
		<-prev.Done()
		d.mu.Lock()
	}

	handle, err := d.launcher.Launch(graph.JobId, graph)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", graph.JobId.String()).Msg("job master launch failed")
		if setErr := d.ha.SetJobRegistryState(graph.JobId, storage.JobRegistryDone, d.timeout); setErr != nil {
			d.logger.Error().Err(setErr).Msg("failed to mark job registry done after launch failure")
		}
		return fmt.Errorf("launch job master for %s: %w", graph.JobId, err)
	}

	d.jobMasters[graph.JobId] = handle
	go d.watch(graph.JobId, handle)
	return nil
}

// watch waits for a Job Master's termination and reconciles the registry
// and archive accordingly (spec.md §4.2 recovery/failure semantics).
func (d *Dispatcher) watch(jobId types.JobId, handle JobMasterHandle) {
	outcome := <-handle.Done()

	d.mu.Lock()
	if d.jobMasters[jobId] == handle {
		delete(d.jobMasters, jobId)
	}
	d.mu.Unlock()

	if outcome.Crashed && d.haEnabled {
		d.onFatal(fmt.Sprintf("job master for job %s terminated unexpectedly", jobId))
		return
	}

	status := outcome.Status
	if outcome.Crashed {
		// HA disabled: the failure is contained to this one job rather
		// than brought down the whole process.
		status = JobStatusFailed
	}

	if err := d.ha.SetJobRegistryState(jobId, storage.JobRegistryDone, d.timeout); err != nil {
		d.logger.Error().Err(err).Str("job_id", jobId.String()).Msg("failed to mark job registry done")
	}

	archived := storage.ArchivedExecutionGraph{JobId: jobId, FinalState: string(status)}
	if err := d.ha.PutArchivedExecutionGraph(archived, d.timeout); err != nil {
		d.logger.Error().Err(err).Str("job_id", jobId.String()).Msg("failed to archive execution graph")
	}
	d.archive.put(jobId, JobResult{JobId: jobId, Status: status, FailureCause: outcome.FailureCause})
}

// CancelJob implements cancel_job: forwarded to the owning Job Master.
func (d *Dispatcher) CancelJob(jobId types.JobId) error {
	handle, ok := d.activeHandle(jobId)
	if !ok {
		return fmt.Errorf("cancel job %s: %w", jobId, types.ErrNotFound)
	}
	return handle.CancelJob()
}

// TriggerSavepoint forwards trigger_savepoint to the owning Job Master.
func (d *Dispatcher) TriggerSavepoint(jobId types.JobId, targetDir string) (string, error) {
	handle, ok := d.activeHandle(jobId)
	if !ok {
		return "", fmt.Errorf("trigger savepoint for %s: %w", jobId, types.ErrNotFound)
	}
	return handle.TriggerSavepoint(targetDir)
}

// StopWithSavepoint forwards stop_with_savepoint to the owning Job Master.
func (d *Dispatcher) StopWithSavepoint(jobId types.JobId, targetDir string) (string, error) {
	handle, ok := d.activeHandle(jobId)
	if !ok {
		return "", fmt.Errorf("stop with savepoint for %s: %w", jobId, types.ErrNotFound)
	}
	return handle.StopWithSavepoint(targetDir)
}

// ListJobs implements list_jobs over the running-jobs registry, which
// retains an entry for every job ever submitted (spec.md §4.2).
func (d *Dispatcher) ListJobs() ([]types.JobId, error) {
	registry, err := d.ha.Store().ListJobRegistry()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]types.JobId, 0, len(registry))
	for jobId := range registry {
		jobs = append(jobs, jobId)
	}
	return jobs, nil
}

// RequestJobDetails implements request_job_details: answered by the live
// Job Master when one is running, falling back to the archived execution
// graph for completed jobs (spec.md §4.2, §11 supplement).
func (d *Dispatcher) RequestJobDetails(jobId types.JobId) (JobDetails, error) {
	if handle, ok := d.activeHandle(jobId); ok {
		return handle.Details()
	}
	result, ok, err := d.archivedResult(jobId)
	if err != nil {
		return JobDetails{}, err
	}
	if !ok {
		return JobDetails{}, fmt.Errorf("request job details for %s: %w", jobId, types.ErrNotFound)
	}
	return JobDetails{JobId: jobId, Status: result.Status}, nil
}

// RequestJobStatus implements request_job_status.
func (d *Dispatcher) RequestJobStatus(jobId types.JobId) (JobStatus, error) {
	if handle, ok := d.activeHandle(jobId); ok {
		return handle.Status()
	}
	result, ok, err := d.archivedResult(jobId)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("request job status for %s: %w", jobId, types.ErrNotFound)
	}
	return result.Status, nil
}

// RequestJobResult implements request_job_result.
func (d *Dispatcher) RequestJobResult(jobId types.JobId) (JobResult, error) {
	result, ok, err := d.archivedResult(jobId)
	if err != nil {
		return JobResult{}, err
	}
	if ok {
		return result, nil
	}
	if _, ok := d.activeHandle(jobId); ok {
		return JobResult{}, fmt.Errorf("request job result for %s: job still running", jobId)
	}
	return JobResult{}, fmt.Errorf("request job result for %s: %w", jobId, types.ErrNotFound)
}

// archivedResult consults the bounded in-memory cache before falling back
// to HA-backed storage (spec.md §11 supplement).
func (d *Dispatcher) archivedResult(jobId types.JobId) (JobResult, bool, error) {
	if result, ok := d.archive.get(jobId); ok {
		return result, true, nil
	}
	archived, ok, err := d.ha.Store().GetArchivedExecutionGraph(jobId)
	if err != nil {
		return JobResult{}, false, fmt.Errorf("read archived execution graph for %s: %w", jobId, err)
	}
	if !ok {
		return JobResult{}, false, nil
	}
	result := JobResult{JobId: jobId, Status: JobStatus(archived.FinalState)}
	d.archive.put(jobId, result)
	return result, true, nil
}

func (d *Dispatcher) activeHandle(jobId types.JobId) (JobMasterHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	handle, ok := d.jobMasters[jobId]
	return handle, ok
}

// ShutDownCluster implements shut_down_cluster: completes the cluster
// termination future with status. Idempotent; only the first call's
// status takes effect.
func (d *Dispatcher) ShutDownCluster(status ClusterTerminationStatus) {
	d.shutdownOnce.Do(func() {
		d.shutdownStatus = status
		close(d.shutdownCh)
	})
}

// Done returns the cluster termination future: it closes once
// ShutDownCluster has been called, at which point ShutdownStatus reports
// the status it was completed with.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.shutdownCh
}

// ShutdownStatus reports the status ShutDownCluster completed the
// termination future with. Only meaningful after Done() has closed.
func (d *Dispatcher) ShutdownStatus() ClusterTerminationStatus {
	return d.shutdownStatus
}

// RecoverJobs implements spec.md §4.2's recovery procedure: every
// persisted job graph is enumerated and started as if freshly submitted,
// except those the registry already marks DONE. Call this once this
// process has acquired leadership.
func (d *Dispatcher) RecoverJobs() error {
	graphs, err := d.ha.Store().ListJobGraphs()
	if err != nil {
		return fmt.Errorf("recover jobs: list job graphs: %w", err)
	}
	registry, err := d.ha.Store().ListJobRegistry()
	if err != nil {
		return fmt.Errorf("recover jobs: list job registry: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for jobId, blob := range graphs {
		if registry[jobId] == storage.JobRegistryDone {
			continue
		}
		graph, err := types.DecodeJobGraph(blob)
		if err != nil {
			d.logger.Error().Err(err).Str("job_id", jobId.String()).Msg("failed to decode persisted job graph during recovery")
			continue
		}
		d.logger.Info().Str("job_id", jobId.String()).Msg("recovering job after restart")
		if err := d.startLocked(graph); err != nil {
			d.logger.Error().Err(err).Str("job_id", jobId.String()).Msg("failed to recover job")
		}
	}
	return nil
}

// archiveCache is a bounded fast-path cache of recently finished jobs'
// terminal results, fronting the HA-backed archived execution graph store
// (spec.md §11 supplement). Eviction is plain FIFO: recency of completion,
// not of lookup, is what predicts another request_job_result call.
type archiveCache struct {
	mu      sync.Mutex
	cap     int
	order   []types.JobId
	entries map[types.JobId]JobResult
}

func newArchiveCache(capacity int) *archiveCache {
	return &archiveCache{
		cap:     capacity,
		entries: make(map[types.JobId]JobResult, capacity),
	}
}

func (c *archiveCache) put(jobId types.JobId, result JobResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[jobId]; !exists {
		c.order = append(c.order, jobId)
		if len(c.order) > c.cap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
	c.entries[jobId] = result
}

func (c *archiveCache) get(jobId types.JobId) (JobResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.entries[jobId]
	return result, ok
}
