package slotpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/metrics"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

// ResourceManagerGateway is the slice of the Resource Manager's API the
// Slot Pool calls directly (spec.md §4.5). *resourcemanager.Manager
// satisfies it today; a fenced pkg/rpc client stands in for it once the
// Job Master and Resource Manager run in separate processes.
type ResourceManagerGateway interface {
	RequestSlot(jobMasterId types.JobMasterId, jobId types.JobId, allocationId types.AllocationId, profile types.ResourceProfile, jobMasterAddress string) error
	CancelSlotRequest(allocationId types.AllocationId)
}

// TaskManagerGateway lets the pool hand a slot back to the Task Executor
// that owns it (idle timeout, failed allocation, lost pending request
// reused from the pool instead).
type TaskManagerGateway interface {
	FreeSlot(address string, slotId types.SlotId) error
}

// Config configures a Pool.
type Config struct {
	JobId            types.JobId
	JobMasterId      types.JobMasterId
	JobMasterAddress string

	ResourceManager ResourceManagerGateway
	TaskManagers    TaskManagerGateway

	// SlotRequestTimeout bounds a streaming request_new_allocated_slot call
	// from submission. Defaults to 5m.
	SlotRequestTimeout time.Duration
	// IdleSlotTimeout is how long an available slot may sit unused before
	// check_idle_slots releases it back to its Task Executor. Defaults to 1m.
	IdleSlotTimeout time.Duration
	// BatchSlotTimeout is how long a batch request may remain continuously
	// unfulfillable before check_batch_slot_timeout times it out. Defaults
	// to 5m.
	BatchSlotTimeout time.Duration

	// FailBatchRequestsOnRMGone resolves spec.md §9's open question
	// (isBatchRequestAndFailureCanBeIgnored): when true, a Resource Manager
	// failure reported as permanent (not merely "unfulfillable right now")
	// also fails pending batch requests immediately instead of waiting for
	// BatchSlotTimeout. Default false, matching the source's silent-park
	// behavior.
	FailBatchRequestsOnRMGone bool
}

type pendingEntry struct {
	request      types.PendingSlotRequest
	future       *SlotFuture
	allocationId types.AllocationId
	timer        *time.Timer
}

type availableEntry struct {
	slot       types.Slot
	insertedAt time.Time
}

// Pool is the Job Master-side slot broker (spec.md §4.5).
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu sync.Mutex

	rmConnected bool

	available map[types.AllocationId]*availableEntry
	allocated map[types.AllocationId]*types.Slot

	allocatedByRequest  map[types.SlotRequestId]types.AllocationId
	allocationToRequest map[types.AllocationId]types.SlotRequestId
	byResource          map[types.ResourceId]map[types.AllocationId]bool

	pending      map[types.SlotRequestId]*pendingEntry
	pendingOrder []types.SlotRequestId
	waiting      map[types.SlotRequestId]*pendingEntry
	waitingOrder []types.SlotRequestId

	registeredTaskManagers map[types.ResourceId]string
}

// NewPool constructs a Pool. The Resource Manager is assumed reachable
// until NotifyResourceManagerDisconnected says otherwise.
func NewPool(cfg Config) *Pool {
	if cfg.SlotRequestTimeout <= 0 {
		cfg.SlotRequestTimeout = 5 * time.Minute
	}
	if cfg.IdleSlotTimeout <= 0 {
		cfg.IdleSlotTimeout = time.Minute
	}
	if cfg.BatchSlotTimeout <= 0 {
		cfg.BatchSlotTimeout = 5 * time.Minute
	}
	return &Pool{
		cfg:                    cfg,
		logger:                 log.WithComponent("slot_pool"),
		rmConnected:            true,
		available:              make(map[types.AllocationId]*availableEntry),
		allocated:              make(map[types.AllocationId]*types.Slot),
		allocatedByRequest:     make(map[types.SlotRequestId]types.AllocationId),
		allocationToRequest:    make(map[types.AllocationId]types.SlotRequestId),
		byResource:             make(map[types.ResourceId]map[types.AllocationId]bool),
		pending:                make(map[types.SlotRequestId]*pendingEntry),
		waiting:                make(map[types.SlotRequestId]*pendingEntry),
		registeredTaskManagers: make(map[types.ResourceId]string),
	}
}

// RegisterTaskManager records address as a source of slots this pool may
// receive offers from. Offers from an unregistered Task Executor are
// rejected outright (spec.md §4.5).
func (p *Pool) RegisterTaskManager(resourceId types.ResourceId, address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registeredTaskManagers[resourceId] = address
	if p.byResource[resourceId] == nil {
		p.byResource[resourceId] = make(map[types.AllocationId]bool)
	}
}

// ResolveAddress returns the address a registered Task Executor was last
// seen at, so the scheduler can turn an allocated slot's ResourceId into
// somewhere to actually send a deployment descriptor.
func (p *Pool) ResolveAddress(resourceId types.ResourceId) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	address, ok := p.registeredTaskManagers[resourceId]
	return address, ok
}

// RequestNewAllocatedSlot implements request_new_allocated_slot.
func (p *Pool) RequestNewAllocatedSlot(requestId types.SlotRequestId, profile types.ResourceProfile) *SlotFuture {
	return p.requestSlot(requestId, profile, false)
}

// RequestNewAllocatedBatchSlot implements request_new_allocated_batch_slot:
// it is timed out by check_batch_slot_timeout rather than by a wall-clock
// timer from submission (spec.md §4.5).
func (p *Pool) RequestNewAllocatedBatchSlot(requestId types.SlotRequestId, profile types.ResourceProfile) *SlotFuture {
	return p.requestSlot(requestId, profile, true)
}

func (p *Pool) requestSlot(requestId types.SlotRequestId, profile types.ResourceProfile, isBatch bool) *SlotFuture {
	future := newSlotFuture()
	entry := &pendingEntry{
		request: types.PendingSlotRequest{
			Id:          requestId,
			Profile:     profile,
			IsBatch:     isBatch,
			State:       types.SlotRequestQueued,
			SubmittedAt: time.Now(),
		},
		future:       future,
		allocationId: types.NewAllocationId(),
	}

	p.mu.Lock()
	connected := p.rmConnected
	if connected {
		p.pending[requestId] = entry
		p.pendingOrder = append(p.pendingOrder, requestId)
		p.allocationToRequest[entry.allocationId] = requestId
	} else {
		p.waiting[requestId] = entry
		p.waitingOrder = append(p.waitingOrder, requestId)
	}
	if !isBatch {
		entry.timer = time.AfterFunc(p.cfg.SlotRequestTimeout, func() {
			p.timeoutRequest(requestId)
		})
	}
	p.mu.Unlock()

	if connected {
		p.issueToRM(entry)
	}
	return future
}

func (p *Pool) issueToRM(entry *pendingEntry) {
	err := p.cfg.ResourceManager.RequestSlot(p.cfg.JobMasterId, p.cfg.JobId, entry.allocationId, entry.request.Profile, p.cfg.JobMasterAddress)
	if err != nil {
		p.logger.Warn().Err(err).Str("request_id", entry.request.Id.String()).Msg("resource manager rejected slot request")
	}
}

func (p *Pool) timeoutRequest(requestId types.SlotRequestId) {
	p.mu.Lock()
	entry, ok := p.pending[requestId]
	if ok {
		delete(p.pending, requestId)
		p.pendingOrder = removeId(p.pendingOrder, requestId)
		delete(p.allocationToRequest, entry.allocationId)
	} else if entry, ok = p.waiting[requestId]; ok {
		delete(p.waiting, requestId)
		p.waitingOrder = removeId(p.waitingOrder, requestId)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	metrics.SlotRequestTimeouts.Inc()
	entry.future.fail(fmt.Errorf("slot request %s: %w", requestId, types.ErrTimeout))
}

// OfferSlots implements offer_slots: a Task Executor offering slots to
// this pool, either fresh or as an idempotent re-offer. It returns the
// SlotIds accepted.
func (p *Pool) OfferSlots(resourceId types.ResourceId, offers []types.Slot) []types.SlotId {
	p.mu.Lock()

	if _, registered := p.registeredTaskManagers[resourceId]; !registered {
		p.mu.Unlock()
		return nil
	}

	var accepted []types.SlotId
	var toComplete []struct {
		future *SlotFuture
		slot   types.Slot
	}

	for _, offer := range offers {
		if existing, ok := p.allocated[offer.Alloc]; ok {
			if existing.Id == offer.Id {
				accepted = append(accepted, offer.Id)
			}
			continue
		}
		if existing, ok := p.available[offer.Alloc]; ok {
			if existing.slot.Id == offer.Id {
				accepted = append(accepted, offer.Id)
			}
			continue
		}

		entry, found := p.matchPendingLocked(offer.Profile)
		if found {
			p.bindLocked(entry.request.Id, offer)
			toComplete = append(toComplete, struct {
				future *SlotFuture
				slot   types.Slot
			}{entry.future, offer})
		} else {
			p.available[offer.Alloc] = &availableEntry{slot: offer, insertedAt: time.Now()}
			p.indexLocked(resourceId, offer.Alloc)
		}
		accepted = append(accepted, offer.Id)
	}

	p.mu.Unlock()

	for _, c := range toComplete {
		c.future.complete(c.slot)
	}
	return accepted
}

// matchPendingLocked scans pending_requests in insertion order, then
// waiting_for_resource_manager, returning the first whose profile the
// given slot profile satisfies (spec.md §4.5). Callers must hold p.mu and
// remove the returned entry from whichever queue it came from themselves
// via bindLocked.
func (p *Pool) matchPendingLocked(slotProfile types.ResourceProfile) (*pendingEntry, bool) {
	for _, id := range p.pendingOrder {
		entry := p.pending[id]
		if entry != nil && slotProfile.Matches(entry.request.Profile) {
			return entry, true
		}
	}
	for _, id := range p.waitingOrder {
		entry := p.waiting[id]
		if entry != nil && slotProfile.Matches(entry.request.Profile) {
			return entry, true
		}
	}
	return nil, false
}

// bindLocked removes requestId's pending entry (from whichever queue owns
// it) and records slot as its allocated fulfillment. Callers must hold p.mu.
func (p *Pool) bindLocked(requestId types.SlotRequestId, slot types.Slot) {
	if entry, ok := p.pending[requestId]; ok {
		delete(p.pending, requestId)
		p.pendingOrder = removeId(p.pendingOrder, requestId)
		delete(p.allocationToRequest, entry.allocationId)
		p.cancelTimer(entry)
		p.cfg.ResourceManager.CancelSlotRequest(entry.allocationId)
	} else if entry, ok := p.waiting[requestId]; ok {
		delete(p.waiting, requestId)
		p.waitingOrder = removeId(p.waitingOrder, requestId)
		p.cancelTimer(entry)
	}

	// slot.Alloc may be the AllocationId minted for a different request than
	// the one just matched (the Resource Manager's grant and the pool's
	// profile-order match are independent). That original requester's entry
	// is superseded; drop it so invariant 3 (pending XOR waiting) holds and
	// a later fail_allocation(slot.Alloc) doesn't find a stale pointer.
	if staleRequestId, ok := p.allocationToRequest[slot.Alloc]; ok && staleRequestId != requestId {
		if staleEntry, ok := p.pending[staleRequestId]; ok {
			delete(p.pending, staleRequestId)
			p.pendingOrder = removeId(p.pendingOrder, staleRequestId)
			p.cancelTimer(staleEntry)
		}
		delete(p.allocationToRequest, slot.Alloc)
	}

	bound := slot
	p.allocated[slot.Alloc] = &bound
	p.allocatedByRequest[requestId] = slot.Alloc
	p.indexLocked(slot.Id.ResourceId, slot.Alloc)
}

func (p *Pool) cancelTimer(entry *pendingEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
}

func (p *Pool) indexLocked(resourceId types.ResourceId, allocationId types.AllocationId) {
	if p.byResource[resourceId] == nil {
		p.byResource[resourceId] = make(map[types.AllocationId]bool)
	}
	p.byResource[resourceId][allocationId] = true
}

func (p *Pool) unindexLocked(resourceId types.ResourceId, allocationId types.AllocationId) {
	if set, ok := p.byResource[resourceId]; ok {
		delete(set, allocationId)
	}
}

// ReleaseSlot implements release_slot: if the request is still pending, its
// future is failed; if already fulfilled, the freed slot is offered to
// another pending request before falling back to available_slots.
func (p *Pool) ReleaseSlot(requestId types.SlotRequestId, cause types.FailureCause) error {
	p.mu.Lock()

	if entry, ok := p.pending[requestId]; ok {
		delete(p.pending, requestId)
		p.pendingOrder = removeId(p.pendingOrder, requestId)
		delete(p.allocationToRequest, entry.allocationId)
		p.cancelTimer(entry)
		p.mu.Unlock()
		p.cfg.ResourceManager.CancelSlotRequest(entry.allocationId)
		entry.future.fail(fmt.Errorf("slot request %s released: %s", requestId, cause))
		return nil
	}
	if entry, ok := p.waiting[requestId]; ok {
		delete(p.waiting, requestId)
		p.waitingOrder = removeId(p.waitingOrder, requestId)
		p.cancelTimer(entry)
		p.mu.Unlock()
		entry.future.fail(fmt.Errorf("slot request %s released: %s", requestId, cause))
		return nil
	}

	allocationId, ok := p.allocatedByRequest[requestId]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("release slot for request %s: %w", requestId, types.ErrNotFound)
	}
	slot := *p.allocated[allocationId]
	delete(p.allocated, allocationId)
	delete(p.allocatedByRequest, requestId)
	p.unindexLocked(slot.Id.ResourceId, allocationId)

	matched, found := p.matchPendingLocked(slot.Profile)
	if found {
		reused := slot
		reused.Alloc = allocationId
		p.bindLocked(matched.request.Id, reused)
		p.mu.Unlock()
		matched.future.complete(reused)
		return nil
	}

	p.available[allocationId] = &availableEntry{slot: slot, insertedAt: time.Now()}
	p.indexLocked(slot.Id.ResourceId, allocationId)
	p.mu.Unlock()
	return nil
}

// FailAllocation implements fail_allocation: it fails a pending request
// carrying this AllocationId, or releases and notifies the Task Executor
// owning an already-allocated/available slot. It reports the owning
// ResourceId when that Task Executor now has zero tracked slots in the
// pool, so the caller can decide to disconnect it.
func (p *Pool) FailAllocation(allocationId types.AllocationId, cause types.FailureCause) (types.ResourceId, bool) {
	p.mu.Lock()

	if requestId, ok := p.allocationToRequest[allocationId]; ok {
		entry := p.pending[requestId]
		delete(p.pending, requestId)
		p.pendingOrder = removeId(p.pendingOrder, requestId)
		delete(p.allocationToRequest, allocationId)
		p.cancelTimer(entry)
		p.mu.Unlock()
		entry.future.fail(fmt.Errorf("allocation %s failed: %s", allocationId, cause))
		return types.ResourceId{}, false
	}

	var slot types.Slot
	var resourceId types.ResourceId
	switch {
	case p.allocated[allocationId] != nil:
		slot = *p.allocated[allocationId]
		resourceId = slot.Id.ResourceId
		delete(p.allocated, allocationId)
		for requestId, allocId := range p.allocatedByRequest {
			if allocId == allocationId {
				delete(p.allocatedByRequest, requestId)
				break
			}
		}
	case p.available[allocationId] != nil:
		slot = p.available[allocationId].slot
		resourceId = slot.Id.ResourceId
		delete(p.available, allocationId)
	default:
		p.mu.Unlock()
		return types.ResourceId{}, false
	}
	p.unindexLocked(resourceId, allocationId)
	remaining := len(p.byResource[resourceId])
	address := p.registeredTaskManagers[resourceId]
	p.mu.Unlock()

	if address != "" {
		if err := p.cfg.TaskManagers.FreeSlot(address, slot.Id); err != nil {
			p.logger.Warn().Err(err).Str("slot_id", slot.Id.String()).Msg("failed to notify task executor of freed slot")
		}
	}
	return resourceId, remaining == 0
}

// ReleaseTaskManager implements release_task_manager: every allocation
// this pool tracks for resourceId is dropped, since the Task Executor
// itself is gone (spec.md §4.5).
func (p *Pool) ReleaseTaskManager(resourceId types.ResourceId, cause types.FailureCause) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for allocationId := range p.byResource[resourceId] {
		delete(p.allocated, allocationId)
		delete(p.available, allocationId)
		for requestId, allocId := range p.allocatedByRequest {
			if allocId == allocationId {
				delete(p.allocatedByRequest, requestId)
				break
			}
		}
	}
	delete(p.byResource, resourceId)
	delete(p.registeredTaskManagers, resourceId)
}

// CheckIdleSlots implements check_idle_slots: any available slot idle
// longer than IdleSlotTimeout is released back to its Task Executor.
func (p *Pool) CheckIdleSlots(now time.Time) {
	p.mu.Lock()
	var toRelease []types.Slot
	for allocationId, entry := range p.available {
		if now.Sub(entry.insertedAt) > p.cfg.IdleSlotTimeout {
			toRelease = append(toRelease, entry.slot)
			delete(p.available, allocationId)
			p.unindexLocked(entry.slot.Id.ResourceId, allocationId)
		}
	}
	addresses := make(map[types.ResourceId]string, len(toRelease))
	for _, slot := range toRelease {
		addresses[slot.Id.ResourceId] = p.registeredTaskManagers[slot.Id.ResourceId]
	}
	p.mu.Unlock()

	for _, slot := range toRelease {
		address := addresses[slot.Id.ResourceId]
		if address == "" {
			continue
		}
		if err := p.cfg.TaskManagers.FreeSlot(address, slot.Id); err != nil {
			p.logger.Warn().Err(err).Str("slot_id", slot.Id.String()).Msg("failed to release idle slot")
		}
	}
}

// CheckBatchSlotTimeout implements check_batch_slot_timeout: pending batch
// requests are partitioned into fulfillable/unfulfillable by comparing
// their profile against every slot profile currently allocated or
// available in the pool (not the Resource Manager's view); requests
// unfulfillable for longer than BatchSlotTimeout are timed out.
func (p *Pool) CheckBatchSlotTimeout(now time.Time) {
	p.mu.Lock()

	profiles := make([]types.ResourceProfile, 0, len(p.allocated)+len(p.available))
	for _, slot := range p.allocated {
		profiles = append(profiles, slot.Profile)
	}
	for _, entry := range p.available {
		profiles = append(profiles, entry.slot.Profile)
	}

	var timedOut []*pendingEntry
	checkQueue := func(order []types.SlotRequestId, set map[types.SlotRequestId]*pendingEntry) []types.SlotRequestId {
		kept := order[:0]
		for _, id := range order {
			entry := set[id]
			if entry == nil || !entry.request.IsBatch {
				kept = append(kept, id)
				continue
			}
			fulfillable := false
			for _, profile := range profiles {
				if profile.Matches(entry.request.Profile) {
					fulfillable = true
					break
				}
			}
			if fulfillable {
				entry.request.ClearUnfulfillable()
				kept = append(kept, id)
				continue
			}
			if entry.request.UnfulfillableSince == nil {
				entry.request.MarkUnfulfillable(now)
				kept = append(kept, id)
				continue
			}
			if now.Sub(*entry.request.UnfulfillableSince) > p.cfg.BatchSlotTimeout {
				delete(set, id)
				timedOut = append(timedOut, entry)
				continue
			}
			kept = append(kept, id)
		}
		return kept
	}
	p.pendingOrder = checkQueue(p.pendingOrder, p.pending)
	p.waitingOrder = checkQueue(p.waitingOrder, p.waiting)
	for _, entry := range timedOut {
		delete(p.allocationToRequest, entry.allocationId)
	}
	p.mu.Unlock()

	for _, entry := range timedOut {
		metrics.SlotRequestTimeouts.Inc()
		entry.future.fail(fmt.Errorf("batch slot request %s: %w", entry.request.Id, types.ErrTimeout))
	}
}

// NotifyResourceManagerConnected moves every parked request into
// pending_requests and issues it to the Resource Manager.
func (p *Pool) NotifyResourceManagerConnected() {
	p.mu.Lock()
	p.rmConnected = true
	promoted := make([]*pendingEntry, 0, len(p.waitingOrder))
	for _, id := range p.waitingOrder {
		entry := p.waiting[id]
		delete(p.waiting, id)
		p.pending[id] = entry
		p.pendingOrder = append(p.pendingOrder, id)
		p.allocationToRequest[entry.allocationId] = id
		promoted = append(promoted, entry)
	}
	p.waitingOrder = nil
	p.mu.Unlock()

	for _, entry := range promoted {
		p.issueToRM(entry)
	}
}

// NotifyResourceManagerDisconnected parks every in-flight request, since no
// response can arrive until a Resource Manager reconnects. When
// FailBatchRequestsOnRMGone is set and cause reports a permanent failure
// (not merely transient unfulfillability), pending batch requests are
// failed immediately instead.
func (p *Pool) NotifyResourceManagerDisconnected(cause types.FailureCause) {
	p.mu.Lock()
	p.rmConnected = false

	var failNow []*pendingEntry
	for _, id := range p.pendingOrder {
		entry := p.pending[id]
		delete(p.pending, id)
		delete(p.allocationToRequest, entry.allocationId)

		if entry.request.IsBatch && p.cfg.FailBatchRequestsOnRMGone && cause != types.CauseUnfulfillable {
			failNow = append(failNow, entry)
			continue
		}
		p.waiting[id] = entry
		p.waitingOrder = append(p.waitingOrder, id)
	}
	p.pendingOrder = nil
	p.mu.Unlock()

	for _, entry := range failNow {
		entry.future.fail(fmt.Errorf("resource manager unavailable: %s", cause))
	}
}

func removeId(order []types.SlotRequestId, target types.SlotRequestId) []types.SlotRequestId {
	for i, id := range order {
		if id == target {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
