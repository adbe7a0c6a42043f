package checkpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/metrics"
	"github.com/cuemby/weir/pkg/storage"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Store is the slice of the HA service the Checkpoint Coordinator calls
// directly (spec.md §4.7, §6): a monotonic per-job id counter and a
// metadata-pointer write both replicated through Raft, plus direct read
// access to the underlying bolt-backed Store for history queries.
// *ha.Manager satisfies it, mirroring pkg/dispatcher's JobGraphStore.
type Store interface {
	NextCheckpointId(jobId types.JobId, timeout time.Duration) (types.CheckpointId, error)
	PutCheckpointMetadata(meta storage.CheckpointMetadata, timeout time.Duration) error
	Store() storage.Store
}

// StateHandle is an opaque reference to a persisted slice of operator or
// channel state (a URI into whatever snapshot sink is configured); this
// package never interprets its contents.
type StateHandle struct {
	URI string
}

// TaskGateway delivers checkpoint-lifecycle RPCs to a running task
// (spec.md §4.7). A pkg/rpc-backed client stands in for it across the
// process boundary to a Task Executor.
type TaskGateway interface {
	TriggerCheckpoint(address string, checkpointId types.CheckpointId, timestamp time.Time, isSavepoint bool, targetDir string) error
	NotifyCheckpointComplete(address string, checkpointId types.CheckpointId) error
	NotifyCheckpointAbort(address string, checkpointId types.CheckpointId, reason string) error
}

// TaskTarget names one task execution attempt's current address, for
// directing checkpoint-lifecycle RPCs (spec.md §4.7).
type TaskTarget struct {
	AttemptId types.ExecutionAttemptId
	Address   string
}

// PendingCheckpoint tracks one in-flight checkpoint at the Job Master
// (spec.md §4.7).
type PendingCheckpoint struct {
	Id           types.CheckpointId
	Timestamp    time.Time
	Deadline     time.Time
	IsSavepoint  bool
	TargetDir    string
	ExpectedAcks map[types.ExecutionAttemptId]bool
	ReceivedAcks map[types.ExecutionAttemptId]bool
	OperatorStates map[types.OperatorId]StateHandle
}

// Config configures a Coordinator.
type Config struct {
	JobId types.JobId
	HA    Store
	Tasks TaskGateway

	// Interval between periodic checkpoint triggers. Defaults to 30s.
	Interval time.Duration
	// Timeout bounds how long a checkpoint may remain pending before it is
	// aborted. Defaults to 10m.
	Timeout time.Duration
	// MaxConcurrent bounds how many checkpoints may be in flight at once.
	// Defaults to 1.
	MaxConcurrent int
	// MaxHistory bounds the in-memory completed_checkpoints ring. Defaults
	// to 10.
	MaxHistory int
	// SnapshotURI builds the durable pointer recorded for a completed
	// checkpoint, opaque to this package beyond being a string.
	SnapshotURI func(jobId types.JobId, checkpointId types.CheckpointId) string
}

// Coordinator implements the Job Master's Checkpoint Coordinator (spec.md
// §4.7).
type Coordinator struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	pending   map[types.CheckpointId]*PendingCheckpoint
	completed []storage.CheckpointMetadata
	sources   []TaskTarget
	allTasks  map[types.ExecutionAttemptId]string

	timersMu sync.Mutex
	timers   map[types.CheckpointId]*metrics.Timer

	stopCh  chan struct{}
	started bool
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10
	}
	if cfg.SnapshotURI == nil {
		cfg.SnapshotURI = func(jobId types.JobId, checkpointId types.CheckpointId) string {
			return fmt.Sprintf("job://%s/checkpoint/%d", jobId, checkpointId)
		}
	}
	return &Coordinator{
		cfg:      cfg,
		logger:   log.WithComponent("checkpoint_coordinator"),
		pending:  make(map[types.CheckpointId]*PendingCheckpoint),
		allTasks: make(map[types.ExecutionAttemptId]string),
		timers:   make(map[types.CheckpointId]*metrics.Timer),
		stopCh:   make(chan struct{}),
	}
}

// RegisterSource records attemptId as a source task: trigger_checkpoint is
// only ever issued to sources (spec.md §4.7).
func (c *Coordinator) RegisterSource(attemptId types.ExecutionAttemptId, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, TaskTarget{AttemptId: attemptId, Address: address})
	c.allTasks[attemptId] = address
}

// RegisterTask records attemptId as any task in the job, so it receives
// notify_complete/notify_abort broadcasts (spec.md §4.7).
func (c *Coordinator) RegisterTask(attemptId types.ExecutionAttemptId, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allTasks[attemptId] = address
}

// UnregisterTask drops attemptId, typically once its execution has reached
// a terminal state.
func (c *Coordinator) UnregisterTask(attemptId types.ExecutionAttemptId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.allTasks, attemptId)
	for i, t := range c.sources {
		if t.AttemptId == attemptId {
			c.sources = append(c.sources[:i], c.sources[i+1:]...)
			break
		}
	}
}

// Start begins the periodic trigger/deadline loop.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

// Stop halts the periodic loop. Pending checkpoints are left untouched.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()
	close(c.stopCh)
}

func (c *Coordinator) run() {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.TriggerCheckpoint(false, ""); err != nil {
				c.logger.Debug().Err(err).Msg("periodic checkpoint not triggered")
			}
			c.checkDeadlines(time.Now())
		case <-c.stopCh:
			return
		}
	}
}

// TriggerCheckpoint implements trigger_checkpoint: a fresh checkpoint id is
// minted (durably, via the HA-replicated counter) and issued to every
// source task, unless MaxConcurrent in-flight checkpoints already exist.
func (c *Coordinator) TriggerCheckpoint(isSavepoint bool, targetDir string) (types.CheckpointId, error) {
	c.mu.Lock()
	if len(c.pending) >= c.cfg.MaxConcurrent {
		c.mu.Unlock()
		return 0, fmt.Errorf("checkpoint coordinator: %d checkpoint(s) already in flight", len(c.pending))
	}
	sources := append([]TaskTarget(nil), c.sources...)
	c.mu.Unlock()

	if len(sources) == 0 {
		return 0, fmt.Errorf("checkpoint coordinator: no source tasks registered")
	}

	id, err := c.cfg.HA.NextCheckpointId(c.cfg.JobId, 5*time.Second)
	if err != nil {
		return 0, fmt.Errorf("mint checkpoint id: %w", err)
	}

	now := time.Now()
	pc := &PendingCheckpoint{
		Id:             id,
		Timestamp:      now,
		Deadline:       now.Add(c.cfg.Timeout),
		IsSavepoint:    isSavepoint,
		TargetDir:      targetDir,
		ExpectedAcks:   make(map[types.ExecutionAttemptId]bool, len(c.allTasks)),
		ReceivedAcks:   make(map[types.ExecutionAttemptId]bool),
		OperatorStates: make(map[types.OperatorId]StateHandle),
	}

	c.mu.Lock()
	for attemptId := range c.allTasks {
		pc.ExpectedAcks[attemptId] = true
	}
	c.pending[id] = pc
	c.mu.Unlock()

	timer := metrics.NewTimer()
	c.trackTimer(id, timer)

	for _, src := range sources {
		if err := c.cfg.Tasks.TriggerCheckpoint(src.Address, id, now, isSavepoint, targetDir); err != nil {
			c.logger.Warn().Err(err).Str("address", src.Address).Uint64("checkpoint_id", uint64(id)).Msg("failed to trigger checkpoint on source")
		}
	}
	return id, nil
}

// trackTimer and takeTimer key off types.CheckpointId, which spec.md's
// glossary scopes per job rather than cluster-wide; keeping the map on the
// Coordinator instance (one per job, jobmaster.go's per-job construction)
// instead of a package global avoids two concurrently running jobs
// colliding on overlapping checkpoint ids.
func (c *Coordinator) trackTimer(id types.CheckpointId, t *metrics.Timer) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	c.timers[id] = t
}

func (c *Coordinator) takeTimer(id types.CheckpointId) (*metrics.Timer, bool) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	t, ok := c.timers[id]
	delete(c.timers, id)
	return t, ok
}

// AcknowledgeCheckpoint implements acknowledge_checkpoint: records the
// task's state handles, finalizing the checkpoint once every expected ack
// has been received.
func (c *Coordinator) AcknowledgeCheckpoint(attemptId types.ExecutionAttemptId, checkpointId types.CheckpointId, operatorId types.OperatorId, handle StateHandle) error {
	c.mu.Lock()
	pc, ok := c.pending[checkpointId]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("acknowledge_checkpoint: checkpoint %d not pending", checkpointId)
	}
	if !pc.ExpectedAcks[attemptId] {
		c.mu.Unlock()
		return fmt.Errorf("acknowledge_checkpoint: attempt %s is not part of checkpoint %d", attemptId, checkpointId)
	}
	pc.ReceivedAcks[attemptId] = true
	pc.OperatorStates[operatorId] = handle
	complete := len(pc.ReceivedAcks) == len(pc.ExpectedAcks)
	if complete {
		delete(c.pending, checkpointId)
	}
	c.mu.Unlock()

	if complete {
		c.finalize(pc)
	}
	return nil
}

func (c *Coordinator) finalize(pc *PendingCheckpoint) {
	meta := storage.CheckpointMetadata{
		JobId:        c.cfg.JobId,
		CheckpointId: pc.Id,
		SnapshotURI:  c.cfg.SnapshotURI(c.cfg.JobId, pc.Id),
		IsSavepoint:  pc.IsSavepoint,
		CompletedAt:  timestamppb.Now(),
	}
	if err := c.cfg.HA.PutCheckpointMetadata(meta, 5*time.Second); err != nil {
		c.logger.Error().Err(err).Uint64("checkpoint_id", uint64(pc.Id)).Msg("failed to persist checkpoint metadata")
	}

	c.mu.Lock()
	c.completed = append(c.completed, meta)
	if len(c.completed) > c.cfg.MaxHistory {
		c.completed = c.completed[len(c.completed)-c.cfg.MaxHistory:]
	}
	targets := c.broadcastTargets()
	c.mu.Unlock()

	if timer, ok := c.takeTimer(pc.Id); ok {
		timer.ObserveDuration(metrics.CheckpointDuration)
	}
	metrics.CheckpointsTotal.WithLabelValues("completed").Inc()

	for _, t := range targets {
		if err := c.cfg.Tasks.NotifyCheckpointComplete(t.Address, pc.Id); err != nil {
			c.logger.Warn().Err(err).Str("address", t.Address).Msg("failed to notify checkpoint complete")
		}
	}
}

// DeclineCheckpoint implements decline_checkpoint: the pending entry is
// purged and every task is told to abort.
func (c *Coordinator) DeclineCheckpoint(checkpointId types.CheckpointId, reason string) error {
	c.mu.Lock()
	_, ok := c.pending[checkpointId]
	delete(c.pending, checkpointId)
	targets := c.broadcastTargets()
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("decline_checkpoint: checkpoint %d not pending", checkpointId)
	}

	c.timersMu.Lock()
	delete(c.timers, checkpointId)
	c.timersMu.Unlock()

	metrics.CheckpointsTotal.WithLabelValues("declined").Inc()
	c.abortBroadcast(targets, checkpointId, reason)
	return nil
}

func (c *Coordinator) checkDeadlines(now time.Time) {
	c.mu.Lock()
	var expired []types.CheckpointId
	for id, pc := range c.pending {
		if now.After(pc.Deadline) {
			expired = append(expired, id)
			delete(c.pending, id)
		}
	}
	targets := c.broadcastTargets()
	c.mu.Unlock()

	for _, id := range expired {
		c.timersMu.Lock()
		delete(c.timers, id)
		c.timersMu.Unlock()
		metrics.CheckpointsTotal.WithLabelValues("aborted").Inc()
		c.abortBroadcast(targets, id, "deadline exceeded")
	}
}

func (c *Coordinator) abortBroadcast(targets []TaskTarget, checkpointId types.CheckpointId, reason string) {
	for _, t := range targets {
		if err := c.cfg.Tasks.NotifyCheckpointAbort(t.Address, checkpointId, reason); err != nil {
			c.logger.Warn().Err(err).Str("address", t.Address).Msg("failed to notify checkpoint abort")
		}
	}
}

// broadcastTargets returns every registered task's address. Callers must
// hold c.mu.
func (c *Coordinator) broadcastTargets() []TaskTarget {
	targets := make([]TaskTarget, 0, len(c.allTasks))
	for attemptId, address := range c.allTasks {
		targets = append(targets, TaskTarget{AttemptId: attemptId, Address: address})
	}
	return targets
}

// LatestCompletedCheckpoint returns the most recent checkpoint id this
// coordinator has recorded as complete, for the scheduler to use as a
// restore handle on redeploy after global failover (spec.md §4.6).
func (c *Coordinator) LatestCompletedCheckpoint() *types.CheckpointId {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.completed) == 0 {
		return nil
	}
	id := c.completed[len(c.completed)-1].CheckpointId
	return &id
}
