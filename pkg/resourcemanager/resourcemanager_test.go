package resourcemanager

import (
	"sync"
	"testing"

	"github.com/cuemby/weir/pkg/types"
)

type recordingGateway struct {
	mu    sync.Mutex
	calls []types.SlotId
}

func (g *recordingGateway) RequestSlotOffer(address string, allocationId types.AllocationId, slotId types.SlotId, jobMasterAddress string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, slotId)
	return nil
}

func profile(cpu float64) types.ResourceProfile {
	return types.NewResourceProfile(cpu, 1024, 1024, 1024)
}

func TestRegisterTaskExecutorIsIdempotent(t *testing.T) {
	m := NewManager(Config{})
	resourceId := types.NewResourceId()

	token1, err := m.RegisterTaskExecutor("10.0.0.1:9000", resourceId, []types.ResourceProfile{profile(1)})
	if err != nil {
		t.Fatalf("RegisterTaskExecutor: %v", err)
	}
	token2, err := m.RegisterTaskExecutor("10.0.0.1:9001", resourceId, []types.ResourceProfile{profile(1)})
	if err != nil {
		t.Fatalf("RegisterTaskExecutor (re-register): %v", err)
	}
	if token1 != token2 {
		t.Fatalf("expected idempotent registration to return the same token")
	}
}

func TestRequestSlotMatchesRegisteredTaskExecutor(t *testing.T) {
	gw := &recordingGateway{}
	m := NewManager(Config{Gateway: gw})
	resourceId := types.NewResourceId()

	if _, err := m.RegisterTaskExecutor("10.0.0.1:9000", resourceId, []types.ResourceProfile{profile(2)}); err != nil {
		t.Fatalf("RegisterTaskExecutor: %v", err)
	}

	allocationId := types.NewAllocationId()
	jobId := types.NewJobId()
	if err := m.RequestSlot(types.NewJobMasterId(), jobId, allocationId, profile(2), "jm:1234"); err != nil {
		t.Fatalf("RequestSlot: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.calls) != 1 {
		t.Fatalf("expected exactly one slot offer request, got %d", len(gw.calls))
	}
}

func TestRequestSlotParksWhenNoMatch(t *testing.T) {
	gw := &recordingGateway{}
	m := NewManager(Config{Gateway: gw})

	allocationId := types.NewAllocationId()
	if err := m.RequestSlot(types.NewJobMasterId(), types.NewJobId(), allocationId, profile(4), "jm:1234"); err != nil {
		t.Fatalf("RequestSlot: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.calls) != 0 {
		t.Fatalf("expected no offer while unmatched, got %d", len(gw.calls))
	}
}

func TestRegistrationMatchesParkedRequest(t *testing.T) {
	gw := &recordingGateway{}
	m := NewManager(Config{Gateway: gw})

	allocationId := types.NewAllocationId()
	if err := m.RequestSlot(types.NewJobMasterId(), types.NewJobId(), allocationId, profile(2), "jm:1234"); err != nil {
		t.Fatalf("RequestSlot: %v", err)
	}

	resourceId := types.NewResourceId()
	if _, err := m.RegisterTaskExecutor("10.0.0.1:9000", resourceId, []types.ResourceProfile{profile(2)}); err != nil {
		t.Fatalf("RegisterTaskExecutor: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.calls) != 1 {
		t.Fatalf("expected registration to retry the parked request, got %d calls", len(gw.calls))
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []types.AllocationId
}

func (n *recordingNotifier) NotifyAllocationFailure(jobMasterAddress string, allocationId types.AllocationId, cause types.FailureCause) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, allocationId)
	return nil
}

func TestDisconnectTaskExecutorNotifiesAffectedRequests(t *testing.T) {
	gw := &recordingGateway{}
	notifier := &recordingNotifier{}
	m := NewManager(Config{Gateway: gw, Notifier: notifier})

	resourceId := types.NewResourceId()
	if _, err := m.RegisterTaskExecutor("10.0.0.1:9000", resourceId, []types.ResourceProfile{profile(2)}); err != nil {
		t.Fatalf("RegisterTaskExecutor: %v", err)
	}

	allocationId := types.NewAllocationId()
	if err := m.RequestSlot(types.NewJobMasterId(), types.NewJobId(), allocationId, profile(2), "jm:1234"); err != nil {
		t.Fatalf("RequestSlot: %v", err)
	}

	m.DisconnectTaskExecutor(resourceId, types.CauseHeartbeatTimeout)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.calls) != 1 || notifier.calls[0] != allocationId {
		t.Fatalf("expected one notification for %s, got %v", allocationId, notifier.calls)
	}

	stats := m.ResourceManagerStats()
	if stats.RegisteredTaskExecutors != 0 {
		t.Fatalf("expected 0 registered task executors after disconnect, got %d", stats.RegisteredTaskExecutors)
	}
	if stats.DisconnectedTaskExecutors != 1 {
		t.Fatalf("expected 1 disconnected task executor, got %d", stats.DisconnectedTaskExecutors)
	}
}

func TestOnTimeoutDisconnectsTaskExecutor(t *testing.T) {
	m := NewManager(Config{})
	resourceId := types.NewResourceId()
	if _, err := m.RegisterTaskExecutor("10.0.0.1:9000", resourceId, []types.ResourceProfile{profile(1)}); err != nil {
		t.Fatalf("RegisterTaskExecutor: %v", err)
	}

	m.OnTimeout(resourceId)

	if stats := m.ResourceManagerStats(); stats.RegisteredTaskExecutors != 0 {
		t.Fatalf("expected task executor to be disconnected after OnTimeout")
	}
}

func TestCancelSlotRequestRemovesPending(t *testing.T) {
	gw := &recordingGateway{}
	m := NewManager(Config{Gateway: gw})

	allocationId := types.NewAllocationId()
	if err := m.RequestSlot(types.NewJobMasterId(), types.NewJobId(), allocationId, profile(4), "jm:1234"); err != nil {
		t.Fatalf("RequestSlot: %v", err)
	}
	m.CancelSlotRequest(allocationId)

	resourceId := types.NewResourceId()
	if _, err := m.RegisterTaskExecutor("10.0.0.1:9000", resourceId, []types.ResourceProfile{profile(4)}); err != nil {
		t.Fatalf("RegisterTaskExecutor: %v", err)
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if len(gw.calls) != 0 {
		t.Fatalf("expected canceled request not to be retried, got %d calls", len(gw.calls))
	}
}

func TestSendSlotReportReconcilesFreedSlots(t *testing.T) {
	m := NewManager(Config{})
	resourceId := types.NewResourceId()
	if _, err := m.RegisterTaskExecutor("10.0.0.1:9000", resourceId, []types.ResourceProfile{profile(1), profile(1)}); err != nil {
		t.Fatalf("RegisterTaskExecutor: %v", err)
	}

	// Report only one of the two declared slots; the other should be
	// treated as freed rather than retaining stale state.
	report := []types.Slot{
		*types.NewFreeSlot(types.SlotId{ResourceId: resourceId, Index: 0}, profile(1)),
	}
	if err := m.SendSlotReport(resourceId, report); err != nil {
		t.Fatalf("SendSlotReport: %v", err)
	}
}

func TestSendSlotReportUnknownTaskExecutor(t *testing.T) {
	m := NewManager(Config{})
	err := m.SendSlotReport(types.NewResourceId(), nil)
	if err == nil {
		t.Fatalf("expected an error for an unregistered task executor")
	}
}
