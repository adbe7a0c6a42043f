package heartbeat

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/weir/pkg/types"
)

type recordingListener struct {
	mu      sync.Mutex
	timeouts []types.ResourceId
}

func (l *recordingListener) OnTimeout(peer types.ResourceId) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timeouts = append(l.timeouts, peer)
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timeouts)
}

func TestPassiveManagerFiresTimeoutExactlyOnce(t *testing.T) {
	listener := &recordingListener{}
	mgr := NewPassiveManager(types.NewResourceId(), 20*time.Millisecond, listener)

	peer := types.NewResourceId()
	mgr.MonitorTarget(peer)

	time.Sleep(80 * time.Millisecond)

	if got := listener.count(); got != 1 {
		t.Fatalf("expected exactly 1 timeout, got %d", got)
	}
}

func TestReceiveHeartbeatResetsTimeout(t *testing.T) {
	listener := &recordingListener{}
	mgr := NewPassiveManager(types.NewResourceId(), 40*time.Millisecond, listener)

	peer := types.NewResourceId()
	mgr.MonitorTarget(peer)

	// Keep the peer alive for longer than the timeout by heartbeating
	// faster than it.
	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		mgr.ReceiveHeartbeat(peer, nil)
	}

	if got := listener.count(); got != 0 {
		t.Fatalf("expected no timeout while heartbeats keep arriving, got %d", got)
	}

	time.Sleep(80 * time.Millisecond)
	if got := listener.count(); got != 1 {
		t.Fatalf("expected exactly 1 timeout once heartbeats stop, got %d", got)
	}
}

func TestUnmonitorTargetSuppressesTimeout(t *testing.T) {
	listener := &recordingListener{}
	mgr := NewPassiveManager(types.NewResourceId(), 20*time.Millisecond, listener)

	peer := types.NewResourceId()
	mgr.MonitorTarget(peer)
	mgr.UnmonitorTarget(peer)

	time.Sleep(60 * time.Millisecond)

	if got := listener.count(); got != 0 {
		t.Fatalf("expected no timeout after unmonitoring, got %d", got)
	}
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []types.ResourceId
}

func (f *fakeTransport) SendHeartbeatRequest(peer, from types.ResourceId, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, peer)
	return nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSenderManagerPingsMonitoredTargets(t *testing.T) {
	transport := &fakeTransport{}
	listener := &recordingListener{}
	mgr := NewSenderManager(types.NewResourceId(), 15*time.Millisecond, 500*time.Millisecond, transport, func() []byte { return []byte("payload") }, listener)

	peer := types.NewResourceId()
	mgr.MonitorTarget(peer)
	mgr.Start()
	defer mgr.Stop()

	time.Sleep(60 * time.Millisecond)

	if transport.callCount() == 0 {
		t.Fatalf("expected at least one heartbeat request to be sent")
	}
}
