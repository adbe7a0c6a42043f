package resourcemanager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/metrics"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

// TaskExecutorGateway instructs a registered Task Executor to offer one of
// its slots to a Job Master. Implementations sit on top of pkg/rpc; the
// Manager itself never dials a connection.
type TaskExecutorGateway interface {
	RequestSlotOffer(address string, allocationId types.AllocationId, slotId types.SlotId, jobMasterAddress string) error
}

// Provisioner is consulted when no registered Task Executor can satisfy a
// slot request. The default NoProvisioner simply parks the request.
type Provisioner interface {
	ProvisionWorker(profile types.ResourceProfile) error
}

// NoProvisioner never starts new workers; unmatched requests stay parked
// until supply changes on its own (a registration or a slot report).
type NoProvisioner struct{}

func (NoProvisioner) ProvisionWorker(types.ResourceProfile) error { return nil }

// JobMasterNotifier delivers allocation-failure notifications to the Job
// Master that owns a pending or in-flight slot request.
type JobMasterNotifier interface {
	NotifyAllocationFailure(jobMasterAddress string, allocationId types.AllocationId, cause types.FailureCause) error
}

type taskExecutorEntry struct {
	resourceId   types.ResourceId
	address      string
	token        string
	registeredAt time.Time
	seq          int // insertion order, for matching-policy tie-breaks
	slots        map[types.SlotId]*types.Slot
}

type pendingSlotRequest struct {
	allocationId     types.AllocationId
	jobId            types.JobId
	jobMasterId      types.JobMasterId
	profile          types.ResourceProfile
	jobMasterAddress string
	resourceId       types.ResourceId // set once a TE has been asked to offer
	slotId           types.SlotId
}

// Manager implements the Resource Manager (spec.md §4.3).
type Manager struct {
	mu sync.Mutex

	taskExecutors         map[types.ResourceId]*taskExecutorEntry
	pending               map[types.AllocationId]*pendingSlotRequest
	nextSeq               int
	disconnectedCount     int

	gateway     TaskExecutorGateway
	provisioner Provisioner
	notifier    JobMasterNotifier
	logger      zerolog.Logger
}

// Config configures a Manager.
type Config struct {
	Gateway     TaskExecutorGateway
	Provisioner Provisioner
	Notifier    JobMasterNotifier
}

// NewManager creates a Manager. A nil Provisioner defaults to NoProvisioner.
func NewManager(cfg Config) *Manager {
	provisioner := cfg.Provisioner
	if provisioner == nil {
		provisioner = NoProvisioner{}
	}
	return &Manager{
		taskExecutors: make(map[types.ResourceId]*taskExecutorEntry),
		pending:       make(map[types.AllocationId]*pendingSlotRequest),
		gateway:       cfg.Gateway,
		provisioner:   provisioner,
		notifier:      cfg.Notifier,
		logger:        log.WithComponent("resourcemanager"),
	}
}

// RegisterTaskExecutor records a Task Executor's declared slot capacity and
// returns a registration token it must present on subsequent heartbeats.
// Re-registering the same resourceId is idempotent and returns the same
// token (spec.md §4.3).
func (m *Manager) RegisterTaskExecutor(address string, resourceId types.ResourceId, declaredSlots []types.ResourceProfile) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.taskExecutors[resourceId]; ok {
		existing.address = address
		return existing.token, nil
	}

	slots := make(map[types.SlotId]*types.Slot, len(declaredSlots))
	for i, profile := range declaredSlots {
		slotId := types.SlotId{ResourceId: resourceId, Index: uint32(i)}
		slots[slotId] = types.NewFreeSlot(slotId, profile)
	}

	entry := &taskExecutorEntry{
		resourceId:   resourceId,
		address:      address,
		token:        resourceId.String(),
		registeredAt: time.Now(),
		seq:          m.nextSeq,
		slots:        slots,
	}
	m.nextSeq++
	m.taskExecutors[resourceId] = entry
	m.logger.Info().Str("resource_id", resourceId.String()).Int("slots", len(slots)).Msg("task executor registered")

	m.matchPendingLocked()
	return entry.token, nil
}

// SendSlotReport reconciles the Manager's view of resourceId's slots with a
// fresh snapshot; slots tracked locally but absent from the report are
// treated as freed (spec.md §4.3).
func (m *Manager) SendSlotReport(resourceId types.ResourceId, report []types.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.taskExecutors[resourceId]
	if !ok {
		return fmt.Errorf("send slot report: %w", types.ErrUnknownTaskExecutor)
	}

	seen := make(map[types.SlotId]bool, len(report))
	for i := range report {
		slot := report[i]
		seen[slot.Id] = true
		// The Task Executor's own report never carries a JobId (it has no
		// notion of job affinity, only slot state), so carry the
		// Manager's own bookkeeping forward rather than let a routine
		// heartbeat erase the tier-1 match hint dispatchOfferLocked set.
		if prev, ok := entry.slots[slot.Id]; ok && slot.JobId == (types.JobId{}) {
			slot.JobId = prev.JobId
		}
		entry.slots[slot.Id] = &slot
	}
	for slotId, slot := range entry.slots {
		if !seen[slotId] && slot.State != types.SlotFree {
			slot.State = types.SlotFree
			slot.ClearJobId()
			slot.Alloc = types.AllocationId{}
			slot.Tasks = nil
		}
	}

	m.matchPendingLocked()
	return nil
}

// RequestSlot asks the Resource Manager to find a slot for allocationId
// (spec.md §4.3). If no registered Task Executor currently matches, the
// provisioner is consulted and the request is parked until supply changes.
func (m *Manager) RequestSlot(jobMasterId types.JobMasterId, jobId types.JobId, allocationId types.AllocationId, profile types.ResourceProfile, jobMasterAddress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[allocationId]; exists {
		return nil // idempotent retry
	}

	m.pending[allocationId] = &pendingSlotRequest{
		allocationId:     allocationId,
		jobId:            jobId,
		jobMasterId:      jobMasterId,
		profile:          profile,
		jobMasterAddress: jobMasterAddress,
	}

	if matched := m.tryMatchLocked(allocationId); matched {
		return nil
	}
	return m.provisioner.ProvisionWorker(profile)
}

// CancelSlotRequest removes a pending request. If it was already in flight
// toward a Task Executor, this is best-effort: the TE may still offer the
// slot, which the Job Master side will simply find unmatched.
func (m *Manager) CancelSlotRequest(allocationId types.AllocationId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, allocationId)
}

// DisconnectTaskExecutor marks every slot owned by resourceId unavailable
// and notifies affected Job Masters of allocation failure (spec.md §4.3).
func (m *Manager) DisconnectTaskExecutor(resourceId types.ResourceId, cause types.FailureCause) {
	m.mu.Lock()
	entry, ok := m.taskExecutors[resourceId]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.taskExecutors, resourceId)
	m.disconnectedCount++

	var affected []*pendingSlotRequest
	for allocationId, req := range m.pending {
		if req.resourceId == resourceId {
			affected = append(affected, req)
			delete(m.pending, allocationId)
		}
	}
	notifier := m.notifier
	m.mu.Unlock()

	m.logger.Warn().Str("resource_id", resourceId.String()).Str("cause", string(cause)).Int("slots", len(entry.slots)).Msg("task executor disconnected")

	if notifier == nil {
		return
	}
	for _, req := range affected {
		if err := notifier.NotifyAllocationFailure(req.jobMasterAddress, req.allocationId, cause); err != nil {
			m.logger.Warn().Err(err).Str("job_master_address", req.jobMasterAddress).Msg("failed to notify job master of allocation failure")
		}
	}
}

// OnTimeout implements heartbeat.Listener: a missed heartbeat disconnects
// the Task Executor (spec.md §4.3, §4.9).
func (m *Manager) OnTimeout(peer types.ResourceId) {
	m.DisconnectTaskExecutor(peer, types.CauseHeartbeatTimeout)
}

// matchPendingLocked retries every pending request against current supply.
// Callers must hold m.mu.
func (m *Manager) matchPendingLocked() {
	for allocationId := range m.pending {
		m.tryMatchLocked(allocationId)
	}
}

// tryMatchLocked attempts to match one pending request against registered
// Task Executors using the three-tier policy (spec.md §4.3): prefer a slot
// already allocated to this job and idle, then an exact profile match, then
// any partial-order match; ties broken by Task Executor registration order.
func (m *Manager) tryMatchLocked(allocationId types.AllocationId) bool {
	req, ok := m.pending[allocationId]
	if !ok || req.resourceId != (types.ResourceId{}) {
		return false
	}

	entries := m.orderedEntriesLocked()

	if slotId, resourceId, ok := m.findSlotLocked(entries, func(s *types.Slot) bool {
		return s.IsFree() && s.JobId == req.jobId
	}); ok {
		return m.dispatchOfferLocked(allocationId, req, resourceId, slotId)
	}
	if slotId, resourceId, ok := m.findSlotLocked(entries, func(s *types.Slot) bool {
		return s.IsFree() && s.Profile.Equals(req.profile)
	}); ok {
		return m.dispatchOfferLocked(allocationId, req, resourceId, slotId)
	}
	if slotId, resourceId, ok := m.findSlotLocked(entries, func(s *types.Slot) bool {
		return s.IsFree() && s.Profile.Matches(req.profile)
	}); ok {
		return m.dispatchOfferLocked(allocationId, req, resourceId, slotId)
	}
	return false
}

func (m *Manager) orderedEntriesLocked() []*taskExecutorEntry {
	entries := make([]*taskExecutorEntry, 0, len(m.taskExecutors))
	for _, e := range m.taskExecutors {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

func (m *Manager) findSlotLocked(entries []*taskExecutorEntry, match func(*types.Slot) bool) (types.SlotId, types.ResourceId, bool) {
	for _, entry := range entries {
		slotIds := make([]types.SlotId, 0, len(entry.slots))
		for id := range entry.slots {
			slotIds = append(slotIds, id)
		}
		sort.Slice(slotIds, func(i, j int) bool { return slotIds[i].Index < slotIds[j].Index })
		for _, id := range slotIds {
			if match(entry.slots[id]) {
				return id, entry.resourceId, true
			}
		}
	}
	return types.SlotId{}, types.ResourceId{}, false
}

func (m *Manager) dispatchOfferLocked(allocationId types.AllocationId, req *pendingSlotRequest, resourceId types.ResourceId, slotId types.SlotId) bool {
	entry := m.taskExecutors[resourceId]
	req.resourceId = resourceId
	req.slotId = slotId

	// Stamp the slot with its new job up front so a tier-1 match can find
	// it again the next time this job asks and the slot has gone back to
	// idle, rather than waiting on the Task Executor's next slot report.
	if slot, ok := entry.slots[slotId]; ok {
		slot.JobId = req.jobId
	}

	if m.gateway == nil {
		return true
	}
	if err := m.gateway.RequestSlotOffer(entry.address, allocationId, slotId, req.jobMasterAddress); err != nil {
		m.logger.Warn().Err(err).Str("resource_id", resourceId.String()).Msg("failed to request slot offer")
		if slot, ok := entry.slots[slotId]; ok {
			slot.ClearJobId()
		}
		req.resourceId = types.ResourceId{}
		req.slotId = types.SlotId{}
		return false
	}
	return true
}

// ResourceManagerStats implements metrics.StatsProvider's resource-manager facet.
func (m *Manager) ResourceManagerStats() metrics.ResourceManagerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return metrics.ResourceManagerSnapshot{
		RegisteredTaskExecutors:   len(m.taskExecutors),
		DisconnectedTaskExecutors: m.disconnectedCount,
	}
}
