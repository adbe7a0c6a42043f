package slotpool

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/weir/pkg/types"
)

type recordingRM struct {
	mu        sync.Mutex
	requested []types.AllocationId
	canceled  []types.AllocationId
}

func (r *recordingRM) RequestSlot(jobMasterId types.JobMasterId, jobId types.JobId, allocationId types.AllocationId, profile types.ResourceProfile, jobMasterAddress string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requested = append(r.requested, allocationId)
	return nil
}

func (r *recordingRM) CancelSlotRequest(allocationId types.AllocationId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, allocationId)
}

type recordingTM struct {
	mu   sync.Mutex
	freed []types.SlotId
	err  error
}

func (tm *recordingTM) FreeSlot(address string, slotId types.SlotId) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.freed = append(tm.freed, slotId)
	return tm.err
}

func profile(cpu float64) types.ResourceProfile {
	return types.NewResourceProfile(cpu, 1024, 1024, 1024)
}

func newTestPool(rm *recordingRM, tm *recordingTM) *Pool {
	return NewPool(Config{
		JobId:           types.NewJobId(),
		JobMasterId:     types.NewJobMasterId(),
		ResourceManager: rm,
		TaskManagers:    tm,
	})
}

func slotFor(resourceId types.ResourceId, index uint32, p types.ResourceProfile) types.Slot {
	return types.Slot{
		Id:      types.SlotId{ResourceId: resourceId, Index: index},
		State:   types.SlotAllocated,
		Profile: p,
		Alloc:   types.NewAllocationId(),
	}
}

func TestOfferSlotsBindsToPendingRequest(t *testing.T) {
	rm := &recordingRM{}
	pool := newTestPool(rm, &recordingTM{})
	resourceId := types.NewResourceId()
	pool.RegisterTaskManager(resourceId, "10.0.0.1:9000")

	future := pool.RequestNewAllocatedSlot(types.NewSlotRequestId(), profile(1))

	offer := slotFor(resourceId, 0, profile(1))
	accepted := pool.OfferSlots(resourceId, []types.Slot{offer})
	if len(accepted) != 1 || accepted[0] != offer.Id {
		t.Fatalf("expected offer to be accepted, got %v", accepted)
	}

	select {
	case <-future.Done():
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for slot future to complete")
	}
	slot, err := future.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if slot.Id != offer.Id {
		t.Fatalf("expected bound slot %v, got %v", offer.Id, slot.Id)
	}
}

func TestOfferSlotsFromUnregisteredTaskExecutorIsRejected(t *testing.T) {
	pool := newTestPool(&recordingRM{}, &recordingTM{})
	resourceId := types.NewResourceId()
	offer := slotFor(resourceId, 0, profile(1))

	accepted := pool.OfferSlots(resourceId, []types.Slot{offer})
	if len(accepted) != 0 {
		t.Fatalf("expected no offers accepted from an unregistered task executor, got %v", accepted)
	}
}

func TestOfferSlotsFallsBackToAvailableWithoutAMatch(t *testing.T) {
	pool := newTestPool(&recordingRM{}, &recordingTM{})
	resourceId := types.NewResourceId()
	pool.RegisterTaskManager(resourceId, "10.0.0.1:9000")

	offer := slotFor(resourceId, 0, profile(1))
	accepted := pool.OfferSlots(resourceId, []types.Slot{offer})
	if len(accepted) != 1 {
		t.Fatalf("expected the offer to be accepted into available_slots, got %v", accepted)
	}
	if _, ok := pool.available[offer.Alloc]; !ok {
		t.Fatalf("expected the offered slot to sit in available_slots")
	}
}

func TestOfferSlotsIsIdempotentUnderSameSlotId(t *testing.T) {
	pool := newTestPool(&recordingRM{}, &recordingTM{})
	resourceId := types.NewResourceId()
	pool.RegisterTaskManager(resourceId, "10.0.0.1:9000")

	offer := slotFor(resourceId, 0, profile(1))
	first := pool.OfferSlots(resourceId, []types.Slot{offer})
	second := pool.OfferSlots(resourceId, []types.Slot{offer})

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("expected both offers accepted, got %v then %v", first, second)
	}
}

func TestOfferSlotsRejectsSameAllocationUnderDifferentSlotId(t *testing.T) {
	pool := newTestPool(&recordingRM{}, &recordingTM{})
	resourceId := types.NewResourceId()
	pool.RegisterTaskManager(resourceId, "10.0.0.1:9000")

	offer := slotFor(resourceId, 0, profile(1))
	pool.OfferSlots(resourceId, []types.Slot{offer})

	reoffer := offer
	reoffer.Id = types.SlotId{ResourceId: resourceId, Index: 1}
	accepted := pool.OfferSlots(resourceId, []types.Slot{reoffer})
	if len(accepted) != 0 {
		t.Fatalf("expected an allocation reoffered under a different slot id to be implicitly rejected, got %v", accepted)
	}
}

func TestBindLockedEvictsStaleSupersededRequest(t *testing.T) {
	// Request A is submitted first; request B second, with its own minted
	// AllocationId. Both carry the same profile, so a slot offer granted for
	// B's AllocationId (matchPendingLocked scans in insertion order) binds to
	// A instead, since A comes first. B must not linger in pending with a
	// dangling allocationToRequest pointer onto the offer's AllocationId.
	pool := newTestPool(&recordingRM{}, &recordingTM{})
	resourceId := types.NewResourceId()
	pool.RegisterTaskManager(resourceId, "10.0.0.1:9000")

	requestA := types.NewSlotRequestId()
	futureA := pool.RequestNewAllocatedSlot(requestA, profile(1))

	requestB := types.NewSlotRequestId()
	futureB := pool.RequestNewAllocatedSlot(requestB, profile(1))
	var allocationB types.AllocationId
	pool.mu.Lock()
	allocationB = pool.pending[requestB].allocationId
	pool.mu.Unlock()

	offer := types.Slot{
		Id:      types.SlotId{ResourceId: resourceId, Index: 0},
		State:   types.SlotAllocated,
		Profile: profile(1),
		Alloc:   allocationB,
	}
	pool.OfferSlots(resourceId, []types.Slot{offer})

	select {
	case <-futureA.Done():
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for request A to resolve")
	}
	if _, err := futureA.Result(); err != nil {
		t.Fatalf("expected request A to be fulfilled by the matching offer: %v", err)
	}

	select {
	case <-futureB.Done():
		t.Fatalf("request B should not have been completed by an offer matched to A")
	default:
	}

	pool.mu.Lock()
	_, stillPendingB := pool.pending[requestB]
	_, stale := pool.allocationToRequest[allocationB]
	pool.mu.Unlock()
	if stillPendingB {
		t.Fatalf("request B should have been evicted once superseded by A's binding")
	}
	if stale {
		t.Fatalf("allocationToRequest should not retain a pointer for a superseded allocation")
	}
}

func TestReleaseSlotReusesFreedSlotForAnotherPendingRequest(t *testing.T) {
	rm := &recordingRM{}
	pool := newTestPool(rm, &recordingTM{})
	resourceId := types.NewResourceId()
	pool.RegisterTaskManager(resourceId, "10.0.0.1:9000")

	requestA := types.NewSlotRequestId()
	futureA := pool.RequestNewAllocatedSlot(requestA, profile(1))
	offer := slotFor(resourceId, 0, profile(1))
	pool.OfferSlots(resourceId, []types.Slot{offer})
	<-futureA.Done()

	requestB := types.NewSlotRequestId()
	futureB := pool.RequestNewAllocatedSlot(requestB, profile(1))

	if err := pool.ReleaseSlot(requestA, types.CauseCanceled); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}

	select {
	case <-futureB.Done():
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the freed slot to be reused")
	}
	slot, err := futureB.Result()
	if err != nil {
		t.Fatalf("expected request B to be fulfilled by the freed slot: %v", err)
	}
	if slot.Id != offer.Id {
		t.Fatalf("expected the reused slot to keep its SlotId, got %v", slot.Id)
	}
}

func TestReleaseSlotFallsBackToAvailableWithoutAWaitingRequest(t *testing.T) {
	pool := newTestPool(&recordingRM{}, &recordingTM{})
	resourceId := types.NewResourceId()
	pool.RegisterTaskManager(resourceId, "10.0.0.1:9000")

	requestA := types.NewSlotRequestId()
	future := pool.RequestNewAllocatedSlot(requestA, profile(1))
	offer := slotFor(resourceId, 0, profile(1))
	pool.OfferSlots(resourceId, []types.Slot{offer})
	<-future.Done()

	if err := pool.ReleaseSlot(requestA, types.CauseCanceled); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}
	if _, ok := pool.available[offer.Alloc]; !ok {
		t.Fatalf("expected the released slot to sit in available_slots")
	}
}

func TestReleaseSlotUnknownRequestReturnsNotFound(t *testing.T) {
	pool := newTestPool(&recordingRM{}, &recordingTM{})
	if err := pool.ReleaseSlot(types.NewSlotRequestId(), types.CauseCanceled); err == nil {
		t.Fatalf("expected an error releasing an unknown slot request")
	}
}

func TestFailAllocationFailsAPendingRequest(t *testing.T) {
	rm := &recordingRM{}
	pool := newTestPool(rm, &recordingTM{})
	requestId := types.NewSlotRequestId()
	future := pool.RequestNewAllocatedSlot(requestId, profile(1))

	pool.mu.Lock()
	allocationId := pool.pending[requestId].allocationId
	pool.mu.Unlock()

	resourceId, noneLeft := pool.FailAllocation(allocationId, types.CauseTaskExecutorLost)
	if resourceId != (types.ResourceId{}) || noneLeft {
		t.Fatalf("failing a pending request should not report a Task Executor resource id")
	}

	select {
	case <-future.Done():
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the future to fail")
	}
	if _, err := future.Result(); err == nil {
		t.Fatalf("expected the pending request's future to fail")
	}
}

func TestFailAllocationReleasesAnAllocatedSlotAndReportsEmptyResource(t *testing.T) {
	tm := &recordingTM{}
	pool := newTestPool(&recordingRM{}, tm)
	resourceId := types.NewResourceId()
	pool.RegisterTaskManager(resourceId, "10.0.0.1:9000")

	offer := slotFor(resourceId, 0, profile(1))
	pool.OfferSlots(resourceId, []types.Slot{offer})

	gotResourceId, empty := pool.FailAllocation(offer.Alloc, types.CauseTaskExecutorLost)
	if gotResourceId != resourceId {
		t.Fatalf("expected resource id %v, got %v", resourceId, gotResourceId)
	}
	if !empty {
		t.Fatalf("expected the resource to report zero remaining tracked slots")
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.freed) != 1 || tm.freed[0] != offer.Id {
		t.Fatalf("expected FreeSlot to be called for the failed allocation, got %v", tm.freed)
	}
}

func TestFailAllocationUnknownIsANoOp(t *testing.T) {
	pool := newTestPool(&recordingRM{}, &recordingTM{})
	resourceId, empty := pool.FailAllocation(types.NewAllocationId(), types.CauseTaskExecutorLost)
	if resourceId != (types.ResourceId{}) || empty {
		t.Fatalf("expected an unknown allocation id to be a no-op")
	}
}

func TestReleaseTaskManagerDropsAllItsAllocations(t *testing.T) {
	pool := newTestPool(&recordingRM{}, &recordingTM{})
	resourceId := types.NewResourceId()
	pool.RegisterTaskManager(resourceId, "10.0.0.1:9000")

	offer := slotFor(resourceId, 0, profile(1))
	pool.OfferSlots(resourceId, []types.Slot{offer})

	pool.ReleaseTaskManager(resourceId, types.CauseTaskExecutorLost)

	pool.mu.Lock()
	defer pool.mu.Unlock()
	if _, ok := pool.available[offer.Alloc]; ok {
		t.Fatalf("expected the task executor's slots to be dropped from available_slots")
	}
	if len(pool.byResource[resourceId]) != 0 {
		t.Fatalf("expected the resource index to be cleared")
	}
	if _, ok := pool.registeredTaskManagers[resourceId]; ok {
		t.Fatalf("expected the task executor registration to be removed")
	}
}

func TestCheckIdleSlotsReleasesSlotsPastTheir(t *testing.T) {
	tm := &recordingTM{}
	pool := NewPool(Config{
		JobId:           types.NewJobId(),
		JobMasterId:     types.NewJobMasterId(),
		ResourceManager: &recordingRM{},
		TaskManagers:    tm,
		IdleSlotTimeout: time.Millisecond,
	})
	resourceId := types.NewResourceId()
	pool.RegisterTaskManager(resourceId, "10.0.0.1:9000")

	offer := slotFor(resourceId, 0, profile(1))
	pool.OfferSlots(resourceId, []types.Slot{offer})

	pool.CheckIdleSlots(time.Now().Add(time.Hour))

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.freed) != 1 || tm.freed[0] != offer.Id {
		t.Fatalf("expected the idle slot to be freed, got %v", tm.freed)
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if _, ok := pool.available[offer.Alloc]; ok {
		t.Fatalf("expected the idle slot to be removed from available_slots")
	}
}

func TestCheckBatchSlotTimeoutTimesOutAnUnfulfillableRequest(t *testing.T) {
	pool := NewPool(Config{
		JobId:            types.NewJobId(),
		JobMasterId:      types.NewJobMasterId(),
		ResourceManager:  &recordingRM{},
		TaskManagers:     &recordingTM{},
		BatchSlotTimeout: time.Minute,
	})

	requestId := types.NewSlotRequestId()
	future := pool.RequestNewAllocatedBatchSlot(requestId, profile(4))

	now := time.Now()
	pool.CheckBatchSlotTimeout(now)

	select {
	case <-future.Done():
		t.Fatalf("request should not time out before BatchSlotTimeout elapses")
	default:
	}

	pool.CheckBatchSlotTimeout(now.Add(2 * time.Minute))

	select {
	case <-future.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected the batch request to time out")
	}
	if _, err := future.Result(); err == nil {
		t.Fatalf("expected a timeout error")
	}
}

func TestCheckBatchSlotTimeoutClearsUnfulfillableOnceSatisfiable(t *testing.T) {
	pool := NewPool(Config{
		JobId:            types.NewJobId(),
		JobMasterId:      types.NewJobMasterId(),
		ResourceManager:  &recordingRM{},
		TaskManagers:     &recordingTM{},
		BatchSlotTimeout: time.Minute,
	})
	resourceId := types.NewResourceId()
	pool.RegisterTaskManager(resourceId, "10.0.0.1:9000")

	requestId := types.NewSlotRequestId()
	future := pool.RequestNewAllocatedBatchSlot(requestId, profile(4))

	now := time.Now()
	pool.CheckBatchSlotTimeout(now)
	pool.mu.Lock()
	markedAt := pool.pending[requestId].request.UnfulfillableSince
	pool.mu.Unlock()
	if markedAt == nil {
		t.Fatalf("expected the unfulfillable request to be marked")
	}

	// A slot satisfying the batch request's profile shows up.
	offer := slotFor(resourceId, 0, profile(4))
	pool.OfferSlots(resourceId, []types.Slot{offer})
	<-future.Done()
	if _, err := future.Result(); err != nil {
		t.Fatalf("expected the batch request to be fulfilled once a matching slot arrived: %v", err)
	}
}

func TestNotifyResourceManagerDisconnectedParksPendingRequests(t *testing.T) {
	rm := &recordingRM{}
	pool := newTestPool(rm, &recordingTM{})
	requestId := types.NewSlotRequestId()
	pool.RequestNewAllocatedSlot(requestId, profile(1))

	pool.NotifyResourceManagerDisconnected(types.CauseResourceManagerGone)

	pool.mu.Lock()
	_, inPending := pool.pending[requestId]
	_, inWaiting := pool.waiting[requestId]
	pool.mu.Unlock()
	if inPending {
		t.Fatalf("expected the request to leave pending once the resource manager disconnects")
	}
	if !inWaiting {
		t.Fatalf("expected the request to be parked in waiting_for_resource_manager")
	}
}

func TestNotifyResourceManagerConnectedReissuesWaitingRequests(t *testing.T) {
	rm := &recordingRM{}
	pool := NewPool(Config{
		JobId:           types.NewJobId(),
		JobMasterId:     types.NewJobMasterId(),
		ResourceManager: rm,
		TaskManagers:    &recordingTM{},
	})
	pool.rmConnected = false

	requestId := types.NewSlotRequestId()
	pool.RequestNewAllocatedSlot(requestId, profile(1))

	pool.mu.Lock()
	_, inWaiting := pool.waiting[requestId]
	pool.mu.Unlock()
	if !inWaiting {
		t.Fatalf("expected the request to be parked while the resource manager is disconnected")
	}

	pool.NotifyResourceManagerConnected()

	pool.mu.Lock()
	_, inPending := pool.pending[requestId]
	pool.mu.Unlock()
	if !inPending {
		t.Fatalf("expected the request to be promoted to pending once the resource manager reconnects")
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.requested) != 1 {
		t.Fatalf("expected the reconnection to reissue the request to the resource manager")
	}
}

func TestFailBatchRequestsOnRMGoneFailsImmediately(t *testing.T) {
	pool := NewPool(Config{
		JobId:                     types.NewJobId(),
		JobMasterId:               types.NewJobMasterId(),
		ResourceManager:           &recordingRM{},
		TaskManagers:              &recordingTM{},
		FailBatchRequestsOnRMGone: true,
	})

	requestId := types.NewSlotRequestId()
	future := pool.RequestNewAllocatedBatchSlot(requestId, profile(1))

	pool.NotifyResourceManagerDisconnected(types.CauseResourceManagerGone)

	select {
	case <-future.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected the batch request to fail immediately when FailBatchRequestsOnRMGone is set")
	}
	if _, err := future.Result(); err == nil {
		t.Fatalf("expected an error")
	}
}
