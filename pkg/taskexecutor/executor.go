// Package taskexecutor implements the Task Executor (spec.md §4.4
// Overview, §6 "Task Executor" RPC surface): the worker process that
// publishes a fixed number of typed slots to the Resource Manager, hosts
// task executions handed to it by a Job Master's scheduler, runs their
// operator chains over pkg/network's credit-based data path, and
// performs per-operator checkpointing under a Checkpoint Coordinator's
// direction.
//
// Its shape is patterned on the teacher's pkg/worker.Worker: a
// ticker-driven heartbeat loop and a map of in-flight work guarded by a
// single mutex, generalized from container lifecycle management to slot
// offering and task hosting.
package taskexecutor

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

// ResourceManagerGateway is the slice of the Resource Manager's API the
// Task Executor calls directly (spec.md §6): registration and the
// periodic slot-report heartbeat. *resourcemanager.Manager satisfies it
// today; a fenced pkg/rpc client stands in for it once the Resource
// Manager runs in a separate process.
type ResourceManagerGateway interface {
	RegisterTaskExecutor(address string, resourceId types.ResourceId, declaredSlots []types.ResourceProfile) (string, error)
	SendSlotReport(resourceId types.ResourceId, report []types.Slot) error
}

// Config configures a TaskExecutor.
type Config struct {
	Address         string
	ResourceManager ResourceManagerGateway
	JobMasters      JobMasterGateway

	// SlotProfiles declares the fixed set of typed slots this Task
	// Executor publishes at startup (spec.md §3: a Task Executor's slots
	// are fixed for its lifetime).
	SlotProfiles []types.ResourceProfile

	// HeartbeatInterval is how often the Task Executor reports its slot
	// report to the Resource Manager. Defaults to 5s, matching the
	// teacher's worker heartbeat cadence.
	HeartbeatInterval time.Duration
}

// TaskExecutor hosts slots and task executions on behalf of one or more
// Job Masters, and answers to exactly one Resource Manager.
type TaskExecutor struct {
	cfg        Config
	resourceId types.ResourceId
	logger     zerolog.Logger

	mu    sync.Mutex
	slots map[types.SlotId]*types.Slot
	tasks map[string]*taskRuntime // keyed by the per-attempt address a JM/Coordinator addresses callbacks to

	token   string
	stopCh  chan struct{}
	started bool
}

// NewTaskExecutor constructs a Task Executor with one FREE slot per
// declared profile.
func NewTaskExecutor(cfg Config) *TaskExecutor {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	resourceId := types.NewResourceId()
	te := &TaskExecutor{
		cfg:        cfg,
		resourceId: resourceId,
		logger:     log.WithComponent("taskexecutor").With().Str("resource_id", resourceId.String()).Logger(),
		slots:      make(map[types.SlotId]*types.Slot),
		tasks:      make(map[string]*taskRuntime),
		stopCh:     make(chan struct{}),
	}
	for i, profile := range cfg.SlotProfiles {
		id := types.SlotId{ResourceId: resourceId, Index: uint32(i)}
		te.slots[id] = types.NewFreeSlot(id, profile)
	}
	return te
}

// ResourceId returns the identity this Task Executor registered under.
func (te *TaskExecutor) ResourceId() types.ResourceId { return te.resourceId }

// Start registers with the Resource Manager and begins the heartbeat
// loop.
func (te *TaskExecutor) Start() error {
	token, err := te.cfg.ResourceManager.RegisterTaskExecutor(te.cfg.Address, te.resourceId, te.cfg.SlotProfiles)
	if err != nil {
		return fmt.Errorf("register with resource manager: %w", err)
	}
	te.token = token

	go te.heartbeatLoop()
	te.started = true
	te.logger.Info().Str("address", te.cfg.Address).Int("slots", len(te.slots)).Msg("task executor started")
	return nil
}

// Stop cancels every hosted task and halts the heartbeat loop.
func (te *TaskExecutor) Stop() {
	if !te.started {
		return
	}
	close(te.stopCh)

	te.mu.Lock()
	runtimes := make([]*taskRuntime, 0, len(te.tasks))
	for _, t := range te.tasks {
		runtimes = append(runtimes, t)
	}
	te.mu.Unlock()

	for _, t := range runtimes {
		t.cancel()
	}
}

func (te *TaskExecutor) heartbeatLoop() {
	ticker := time.NewTicker(te.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := te.sendHeartbeat(); err != nil {
				te.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		case <-te.stopCh:
			return
		}
	}
}

func (te *TaskExecutor) sendHeartbeat() error {
	report := te.slotReport()
	return te.cfg.ResourceManager.SendSlotReport(te.resourceId, report)
}

func (te *TaskExecutor) slotReport() []types.Slot {
	te.mu.Lock()
	defer te.mu.Unlock()
	report := make([]types.Slot, 0, len(te.slots))
	for _, s := range te.slots {
		report = append(report, *s)
	}
	return report
}

// taskAddress derives the per-attempt callback address a Job Master or
// Checkpoint Coordinator addresses an RPC to. Both sides must agree on
// this convention since spec.md's TaskGateway/Deployer RPCs carry only an
// address, not a full (TaskExecutor, attempt) pair.
func taskAddress(base string, attemptId types.ExecutionAttemptId) string {
	return base + "#" + attemptId.String()
}

// TaskAddress is the exported form of the same convention, so a Job
// Master can compute the address it registers with a Checkpoint
// Coordinator's TaskTarget without reaching into this package's
// internals.
func TaskAddress(base string, attemptId types.ExecutionAttemptId) string {
	return taskAddress(base, attemptId)
}
