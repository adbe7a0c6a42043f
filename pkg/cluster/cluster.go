// Package cluster implements the Cluster Entry (spec.md §4.1): one-time,
// fixed-order bootstrap of a master process's shared services, followed by
// composition of the Resource Manager, Dispatcher, and Job Master Launcher
// around them. Startup order follows the teacher's cmd/warren/main.go
// composition shape (manager, then scheduler/reconciler, then metrics,
// then the API server) generalized to this runtime's component graph: each
// stage only depends on services already constructed before it.
package cluster

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/dispatcher"
	"github.com/cuemby/weir/pkg/events"
	"github.com/cuemby/weir/pkg/ha"
	"github.com/cuemby/weir/pkg/heartbeat"
	"github.com/cuemby/weir/pkg/jobmaster"
	"github.com/cuemby/weir/pkg/jobmaster/checkpoint"
	"github.com/cuemby/weir/pkg/jobmaster/scheduler"
	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/metrics"
	"github.com/cuemby/weir/pkg/resourcemanager"
	"github.com/cuemby/weir/pkg/rpc"
	"github.com/cuemby/weir/pkg/taskexecutor"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

// Exit codes distinguish a failure that happened during Start (spec.md
// §4.1's "startup failure" code) from a fatal error surfacing later in a
// running process.
const (
	ExitOK             = 0
	ExitStartupFailure = 1
	ExitRuntimeFailure = 2
)

// Config configures an Entry. Every field below is a constructor parameter
// rather than a parsed flag or file, per spec.md's Non-goals around
// configuration surfaces (SPEC_FULL.md §9).
type Config struct {
	NodeID string

	// RaftBindAddr is this node's Raft transport address (pkg/ha).
	RaftBindAddr string
	// RPCAddr is where this process's rpc.Gateway listens for the
	// Dispatcher's externally callable operations (submit_job, cancel_job,
	// request_job_status).
	RPCAddr string
	DataDir string

	MetricsInterval time.Duration

	// HeartbeatTimeout bounds how long the Resource Manager waits for a
	// registered Task Executor's slot report before declaring it gone
	// (spec.md §4.9). Defaults to 15s.
	HeartbeatTimeout time.Duration

	// Failover selects the restart policy every job launched in this
	// process uses (spec.md §4.6). Nil disables automatic restarts.
	Failover scheduler.FailoverStrategy

	// TaskExecutor embeds a single worker in this same process (the
	// "embedded worker" SPEC_FULL.md's ambient-stack section describes for
	// cmd/weirnode's local smoke-testing binary). Leave Address empty to
	// not embed one.
	TaskExecutor EmbeddedTaskExecutorConfig

	HAEnabled bool

	// OnFatal is invoked exactly once when this process must exit with
	// ExitRuntimeFailure (an HA-enabled Job Master crash, or any other
	// unrecoverable runtime error). Defaults to logging; either way the
	// reason is then sent on FatalCh.
	OnFatal func(reason string)
}

// EmbeddedTaskExecutorConfig describes the one Task Executor an Entry may
// host in-process.
type EmbeddedTaskExecutorConfig struct {
	Address           string
	SlotProfiles      []types.ResourceProfile
	HeartbeatInterval time.Duration
}

// Entry is the composed master process (spec.md §4.1): high-availability
// service, RPC transport, heartbeat monitor, Resource Manager, embedded
// Task Executor, Dispatcher, and metrics collector, torn down in the
// reverse of their startup order.
type Entry struct {
	cfg    Config
	logger zerolog.Logger

	events          *events.Broker
	ha              *ha.Manager
	gateway         *rpc.Gateway
	heartbeats      *heartbeat.Manager
	resourceManager *resourcemanager.Manager
	taskExecutor    *taskexecutor.TaskExecutor
	dispatcher      *dispatcher.Dispatcher
	collector       *metrics.Collector

	mu         sync.Mutex
	jobMasters map[types.JobId]allocationNotifiable

	fatalCh  chan string
	teardown []func()
}

// allocationNotifiable is the slice of *jobmaster.JobMaster an Entry needs
// to implement resourcemanager.JobMasterNotifier: every job master in this
// process is asked in turn, since AllocationId is unique cluster-wide and
// a job master that never requested it is a harmless no-op (spec.md §4.3).
type allocationNotifiable interface {
	NotifyAllocationFailure(jobMasterAddress string, allocationId types.AllocationId, cause types.FailureCause) error
}

// NewEntry constructs an Entry. Call Start to bootstrap it.
func NewEntry(cfg Config) *Entry {
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 15 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 15 * time.Second
	}
	e := &Entry{
		cfg:        cfg,
		logger:     log.WithComponent("cluster"),
		jobMasters: make(map[types.JobId]allocationNotifiable),
		fatalCh:    make(chan string, 1),
	}
	if cfg.OnFatal != nil {
		onFatal := cfg.OnFatal
		e.cfg.OnFatal = func(reason string) {
			onFatal(reason)
			e.signalFatal(reason)
		}
	} else {
		e.cfg.OnFatal = func(reason string) {
			e.logger.Error().Str("reason", reason).Msg("fatal runtime error")
			e.signalFatal(reason)
		}
	}
	return e
}

func (e *Entry) signalFatal(reason string) {
	select {
	case e.fatalCh <- reason:
	default:
	}
}

// FatalCh delivers exactly one reason when a runtime failure demands
// process exit with ExitRuntimeFailure.
func (e *Entry) FatalCh() <-chan string { return e.fatalCh }

// Start bootstraps every shared service in the fixed order spec.md §4.1
// requires, then composes the Resource Manager, embedded Task Executor,
// and Dispatcher around them. On any failure, every service constructed so
// far is torn down in reverse order and the error is returned; the caller
// is expected to exit with ExitStartupFailure.
func (e *Entry) Start() error {
	if err := e.start(); err != nil {
		e.teardownAll()
		return err
	}
	return nil
}

func (e *Entry) start() error {
	// 0. Event broker: fans out job/task/checkpoint/task-executor lifecycle
	// notifications to anything subscribed (a future dashboard or external
	// watcher); nothing downstream depends on it being up, so a failure here
	// can't happen and it carries no ordering constraint with the rest.
	e.events = events.NewBroker()
	e.events.Start()
	e.addTeardown(e.events.Stop)

	// 1. High-availability service: leader election plus the replicated
	// job-graph/registry/checkpoint/lease store every later component reads
	// or writes through.
	haMgr, err := ha.NewManager(&ha.Config{NodeID: e.cfg.NodeID, BindAddr: e.cfg.RaftBindAddr, DataDir: e.cfg.DataDir})
	if err != nil {
		return fmt.Errorf("create ha manager: %w", err)
	}
	if err := haMgr.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap ha manager: %w", err)
	}
	e.ha = haMgr
	e.addTeardown(func() {
		if err := haMgr.Shutdown(); err != nil {
			e.logger.Warn().Err(err).Msg("ha manager shutdown failed")
		}
	})

	// 2. RPC transport: every later component that needs to be reachable
	// off-process advertises through this one Gateway, fenced by the HA
	// manager's own applied index so a demoted leader's stale connection
	// can't keep mutating cluster state.
	gw := rpc.NewGateway(func() uint64 { return e.ha.AppliedIndex() })
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- gw.Serve(e.cfg.RPCAddr) }()
	select {
	case err := <-serveErrCh:
		return fmt.Errorf("serve rpc gateway: %w", err)
	case <-time.After(100 * time.Millisecond):
		// Gateway accepted the listen and is now blocked in Accept; a
		// failure past this point (if any) surfaces as a runtime error
		// rather than a startup one.
	}
	e.gateway = gw
	e.addTeardown(func() {
		if err := gw.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("rpc gateway close failed")
		}
	})

	// 3. Resource Manager: brokers slots between the embedded Task
	// Executor (registered directly below, in-process) and every Job
	// Master this process launches. Its TaskExecutorGateway is bound lazily
	// (see taskExecutorProxy) since the Task Executor isn't constructed
	// until stage 5, and the Resource Manager has no setter for it.
	teProxy := &taskExecutorProxy{}
	rm := resourcemanager.NewManager(resourcemanager.Config{Gateway: teProxy, Notifier: e})
	e.resourceManager = rm

	// 4. Heartbeat monitor: detects a Task Executor that stops reporting,
	// disconnecting it from the Resource Manager (spec.md §4.9).
	rmId := types.NewResourceId()
	e.heartbeats = heartbeat.NewPassiveManager(rmId, e.cfg.HeartbeatTimeout, heartbeatListener{rm})
	e.heartbeats.Start()
	e.addTeardown(func() { e.heartbeats.Stop() })

	// 5. Embedded Task Executor, if configured: publishes its slots to the
	// Resource Manager directly (no network hop needed within one process)
	// and starts heartbeating its slot report.
	if e.cfg.TaskExecutor.Address != "" {
		te := taskexecutor.NewTaskExecutor(taskexecutor.Config{
			Address:           e.cfg.TaskExecutor.Address,
			ResourceManager:   monitoredResourceManager{rm: rm, hb: e.heartbeats, events: e.events},
			JobMasters:        jobMasterRouter{e},
			SlotProfiles:      e.cfg.TaskExecutor.SlotProfiles,
			HeartbeatInterval: e.cfg.TaskExecutor.HeartbeatInterval,
		})
		if err := te.Start(); err != nil {
			return fmt.Errorf("start embedded task executor: %w", err)
		}
		e.taskExecutor = te
		teProxy.bind(te)
		e.addTeardown(te.Stop)
	}

	// 6. Dispatcher, fronted by a Launcher wrapping every job master this
	// process starts so NotifyAllocationFailure can be broadcast to it.
	launcher := jobmaster.NewLauncher(jobmaster.LauncherConfig{
		HA:              e.ha,
		Address:         e.cfg.RPCAddr,
		ResourceManager: rm,
		TaskManagers:    e.taskExecutor,
		Failover:        e.cfg.Failover,
	})
	d := dispatcher.NewDispatcher(dispatcher.Config{
		HA:        e.ha,
		Launcher:  trackingLauncher{entry: e, launcher: launcher},
		HAEnabled: e.cfg.HAEnabled,
		OnFatal:   e.cfg.OnFatal,
	})
	if err := d.RecoverJobs(); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	e.dispatcher = d
	e.registerDispatcherHandlers()

	// 7. Metrics collector: the last stage, since it only ever reads the
	// state of everything constructed above it.
	e.collector = metrics.NewCollector(e, e.cfg.MetricsInterval)
	e.collector.Start()
	e.addTeardown(e.collector.Stop)

	e.logger.Info().Str("node_id", e.cfg.NodeID).Str("rpc_addr", e.cfg.RPCAddr).Msg("cluster entry started")
	return nil
}

func (e *Entry) addTeardown(fn func()) {
	e.teardown = append(e.teardown, fn)
}

// Stop tears down every service in the reverse of its startup order, the
// same discipline Start uses to unwind a failed bootstrap.
func (e *Entry) Stop() {
	e.teardownAll()
}

func (e *Entry) teardownAll() {
	for i := len(e.teardown) - 1; i >= 0; i-- {
		e.teardown[i]()
	}
	e.teardown = nil
}

// Dispatcher exposes the composed Dispatcher for an in-process caller
// (cmd/weirnode uses the RPC surface instead; tests use this directly).
func (e *Entry) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }

// Subscribe returns a channel of job/task/checkpoint/task-executor
// lifecycle events for this Entry. Callers must Unsubscribe when done.
func (e *Entry) Subscribe() events.Subscriber { return e.events.Subscribe() }

// Unsubscribe releases a subscription returned by Subscribe.
func (e *Entry) Unsubscribe(sub events.Subscriber) { e.events.Unsubscribe(sub) }

// NotifyAllocationFailure implements resourcemanager.JobMasterNotifier.
func (e *Entry) NotifyAllocationFailure(jobMasterAddress string, allocationId types.AllocationId, cause types.FailureCause) error {
	e.mu.Lock()
	targets := make([]allocationNotifiable, 0, len(e.jobMasters))
	for _, jm := range e.jobMasters {
		targets = append(targets, jm)
	}
	e.mu.Unlock()

	for _, jm := range targets {
		_ = jm.NotifyAllocationFailure(jobMasterAddress, allocationId, cause)
	}
	return nil
}

// SlotPoolStats implements metrics.StatsProvider. Slot pools are owned
// per-job by each Job Master rather than by the cluster entry itself, so
// there is nothing process-wide to report here.
func (e *Entry) SlotPoolStats() metrics.SlotPoolSnapshot { return metrics.SlotPoolSnapshot{} }

// ResourceManagerStats implements metrics.StatsProvider.
func (e *Entry) ResourceManagerStats() metrics.ResourceManagerSnapshot {
	return e.resourceManager.ResourceManagerStats()
}

// HAStats implements metrics.StatsProvider.
func (e *Entry) HAStats() []metrics.HASnapshot {
	return []metrics.HASnapshot{{
		Role:         "cluster-entry",
		IsLeader:     e.ha.IsLeader(),
		AppliedIndex: e.ha.AppliedIndex(),
	}}
}

// taskExecutorProxy implements resourcemanager.TaskExecutorGateway by
// forwarding to whichever Task Executor is later bound to it. The Resource
// Manager is constructed before the embedded Task Executor exists (it has
// to be, since the Task Executor's own Config needs a Resource Manager
// reference), so its gateway can only be supplied as a late-bound indirection.
type taskExecutorProxy struct {
	mu sync.Mutex
	te *taskexecutor.TaskExecutor
}

func (p *taskExecutorProxy) bind(te *taskexecutor.TaskExecutor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.te = te
}

func (p *taskExecutorProxy) RequestSlotOffer(address string, allocationId types.AllocationId, slotId types.SlotId, jobMasterAddress string) error {
	p.mu.Lock()
	te := p.te
	p.mu.Unlock()
	if te == nil {
		return fmt.Errorf("no task executor bound at %s", address)
	}
	return te.RequestSlotOffer(address, allocationId, slotId, jobMasterAddress)
}

// heartbeatListener adapts *resourcemanager.Manager's heartbeat.Listener
// implementation (already satisfied directly by its OnTimeout method) into
// a distinctly named local type only so call sites read clearly; no
// behavior is added.
type heartbeatListener struct {
	rm *resourcemanager.Manager
}

func (h heartbeatListener) OnTimeout(peer types.ResourceId) { h.rm.OnTimeout(peer) }

// monitoredResourceManager wraps the Resource Manager so every
// registration and slot report also arms/resets that Task Executor's
// heartbeat timeout, the wiring spec.md §4.9 describes for disconnect
// detection (teacher's pkg/worker/health_monitor.go pattern, grounded in
// DESIGN.md's pkg/heartbeat entry).
type monitoredResourceManager struct {
	rm     *resourcemanager.Manager
	hb     *heartbeat.Manager
	events *events.Broker
}

func (m monitoredResourceManager) RegisterTaskExecutor(address string, resourceId types.ResourceId, declaredSlots []types.ResourceProfile) (string, error) {
	token, err := m.rm.RegisterTaskExecutor(address, resourceId, declaredSlots)
	if err != nil {
		return "", err
	}
	m.hb.MonitorTarget(resourceId)
	if m.events != nil {
		m.events.Publish(&events.Event{Type: events.EventTaskExecutorRegistered, Message: address})
	}
	return token, nil
}

func (m monitoredResourceManager) SendSlotReport(resourceId types.ResourceId, report []types.Slot) error {
	m.hb.ReceiveHeartbeat(resourceId, nil)
	return m.rm.SendSlotReport(resourceId, report)
}

// jobMasterRouter implements taskexecutor.JobMasterGateway by looking up
// the job master currently tracked under the caller-supplied address. In
// this single-process composition every job master shares the one
// Launcher-wide callback address, so routing collapses to "the job master
// that currently owns the allocation the caller names" — each method below
// already carries enough addressing (resourceId, attemptId) for the right
// Job Master's own Pool/Scheduler/Coordinator to recognize or reject it.
type jobMasterRouter struct {
	entry *Entry
}

func (r jobMasterRouter) jobMasters() []*jobmaster.JobMaster {
	r.entry.mu.Lock()
	defer r.entry.mu.Unlock()
	out := make([]*jobmaster.JobMaster, 0, len(r.entry.jobMasters))
	for _, jm := range r.entry.jobMasters {
		if concrete, ok := jm.(*jobmaster.JobMaster); ok {
			out = append(out, concrete)
		}
	}
	return out
}

func (r jobMasterRouter) OfferSlots(jobMasterAddress string, resourceId types.ResourceId, offers []types.Slot) ([]types.SlotId, error) {
	for _, jm := range r.jobMasters() {
		if ids, err := jm.OfferSlots(jobMasterAddress, resourceId, offers); err == nil && len(ids) > 0 {
			return ids, nil
		}
	}
	return nil, nil
}

func (r jobMasterRouter) UpdateTaskExecutionState(jobMasterAddress string, attemptId types.ExecutionAttemptId, state types.ExecutionState, cause string) error {
	var firstErr error
	for _, jm := range r.jobMasters() {
		if err := jm.UpdateTaskExecutionState(jobMasterAddress, attemptId, state, cause); err != nil && firstErr == nil {
			firstErr = err
		} else if err == nil {
			return nil
		}
	}
	return firstErr
}

func (r jobMasterRouter) AcknowledgeCheckpoint(jobMasterAddress string, attemptId types.ExecutionAttemptId, checkpointId types.CheckpointId, operatorId types.OperatorId, snapshot checkpoint.OperatorSnapshot) error {
	var firstErr error
	for _, jm := range r.jobMasters() {
		if err := jm.AcknowledgeCheckpoint(jobMasterAddress, attemptId, checkpointId, operatorId, snapshot); err != nil && firstErr == nil {
			firstErr = err
		} else if err == nil {
			return nil
		}
	}
	return firstErr
}

func (r jobMasterRouter) DeclineCheckpoint(jobMasterAddress string, attemptId types.ExecutionAttemptId, checkpointId types.CheckpointId, reason string) error {
	var firstErr error
	for _, jm := range r.jobMasters() {
		if err := jm.DeclineCheckpoint(jobMasterAddress, attemptId, checkpointId, reason); err != nil && firstErr == nil {
			firstErr = err
		} else if err == nil {
			return nil
		}
	}
	return firstErr
}

// trackingLauncher wraps the real jobmaster.Launcher so every launched Job
// Master is registered for NotifyAllocationFailure broadcast and job
// master routing, then unregistered once it reaches a terminal state.
type trackingLauncher struct {
	entry    *Entry
	launcher *jobmaster.Launcher
}

func (l trackingLauncher) Launch(jobId types.JobId, graph *types.JobGraph) (dispatcher.JobMasterHandle, error) {
	handle, err := l.launcher.Launch(jobId, graph)
	if err != nil {
		return nil, err
	}
	l.entry.publishEvent(events.EventJobSubmitted, jobId.String())

	if jm, ok := handle.(allocationNotifiable); ok {
		l.entry.mu.Lock()
		l.entry.jobMasters[jobId] = jm
		l.entry.mu.Unlock()

		go func() {
			outcome := <-handle.Done()
			l.entry.mu.Lock()
			delete(l.entry.jobMasters, jobId)
			l.entry.mu.Unlock()
			l.entry.publishEvent(jobOutcomeEventType(outcome.Status), jobId.String())
		}()
	}
	return handle, nil
}

func jobOutcomeEventType(status dispatcher.JobStatus) events.EventType {
	switch status {
	case dispatcher.JobStatusFinished:
		return events.EventJobFinished
	case dispatcher.JobStatusCanceled:
		return events.EventJobCanceled
	case dispatcher.JobStatusSuspended:
		return events.EventJobSuspended
	default:
		return events.EventJobFailed
	}
}

// publishEvent is a nil-safe helper: Entry.events is always set by Start,
// but tests that construct an Entry without running Start leave it nil.
func (e *Entry) publishEvent(eventType events.EventType, message string) {
	if e.events == nil {
		return
	}
	e.events.Publish(&events.Event{Type: eventType, Message: message})
}
