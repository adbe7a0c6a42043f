package network

import (
	"sync"
	"testing"
	"time"

	"github.com/cuemby/weir/pkg/jobmaster/checkpoint"
	"github.com/cuemby/weir/pkg/types"
)

type noopWriter struct{}

func (noopWriter) PersistBuffer(channel types.InputChannelId, checkpointId types.CheckpointId, buffer []byte) error {
	return nil
}

func (noopWriter) Finalize(checkpointId types.CheckpointId) (checkpoint.StateHandle, error) {
	return checkpoint.StateHandle{URI: "mem://channels"}, nil
}

type instantSnapshotter struct{}

func (instantSnapshotter) Snapshot(checkpointId types.CheckpointId) (checkpoint.StateHandle, checkpoint.StateHandle, checkpoint.StateHandle, error) {
	return checkpoint.StateHandle{}, checkpoint.StateHandle{}, checkpoint.StateHandle{}, nil
}

type recordingGateNotifier struct {
	mu    sync.Mutex
	acked []types.CheckpointId
	ackCh chan struct{}
}

func newRecordingGateNotifier() *recordingGateNotifier {
	return &recordingGateNotifier{ackCh: make(chan struct{}, 8)}
}

func (n *recordingGateNotifier) AcknowledgeCheckpoint(checkpointId types.CheckpointId, operatorId types.OperatorId, snapshot checkpoint.OperatorSnapshot) error {
	n.mu.Lock()
	n.acked = append(n.acked, checkpointId)
	n.mu.Unlock()
	n.ackCh <- struct{}{}
	return nil
}

func (n *recordingGateNotifier) DeclineCheckpoint(checkpointId types.CheckpointId, reason string) error {
	return nil
}

func (n *recordingGateNotifier) RequestAbort(checkpointId types.CheckpointId, reason string) {}

func TestInputGateDispatchesBufferToApplicationAndBarrierHandler(t *testing.T) {
	chA := types.NewInputChannelId()
	notifier := newRecordingGateNotifier()
	bh := checkpoint.NewBarrierHandler(types.NewOperatorId(), []types.InputChannelId{chA}, noopWriter{}, notifier, instantSnapshotter{})

	var delivered [][]byte
	gate := NewInputGate(bh, func(channel types.InputChannelId, buf []byte) error {
		delivered = append(delivered, buf)
		return nil
	})

	if err := gate.OnFrame(Frame{Kind: FrameBuffer, Channel: chA, Buffer: []byte("payload")}); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	if len(delivered) != 1 || string(delivered[0]) != "payload" {
		t.Fatalf("expected the buffer to reach the application callback, got %v", delivered)
	}
}

func TestInputGateRoutesBarrierToBarrierHandler(t *testing.T) {
	chA := types.NewInputChannelId()
	notifier := newRecordingGateNotifier()
	bh := checkpoint.NewBarrierHandler(types.NewOperatorId(), []types.InputChannelId{chA}, noopWriter{}, notifier, instantSnapshotter{})
	gate := NewInputGate(bh, nil)

	if err := gate.OnFrame(Frame{Kind: FrameBarrierUnaligned, Channel: chA, CheckpointId: 7}); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}

	select {
	case <-notifier.ackCh:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for checkpoint acknowledgement via the barrier handler")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.acked) != 1 || notifier.acked[0] != 7 {
		t.Fatalf("expected checkpoint 7 acknowledged, got %v", notifier.acked)
	}
}

func TestInputGateEndOfPartitionDropsReceiver(t *testing.T) {
	chA := types.NewInputChannelId()
	notifier := newRecordingGateNotifier()
	bh := checkpoint.NewBarrierHandler(types.NewOperatorId(), []types.InputChannelId{chA}, noopWriter{}, notifier, instantSnapshotter{})
	gate := NewInputGate(bh, nil)

	var credited int
	gate.RegisterReceiver(chA, NewReceiverChannel(func(n int) { credited += n }))

	if err := gate.OnFrame(Frame{Kind: FrameEndOfPartition, Channel: chA}); err != nil {
		t.Fatalf("OnFrame: %v", err)
	}
	if _, ok := gate.receivers[chA]; ok {
		t.Fatalf("expected the receiver to be dropped after end-of-partition")
	}
}

func TestInputGateRejectsUnknownFrameKind(t *testing.T) {
	chA := types.NewInputChannelId()
	notifier := newRecordingGateNotifier()
	bh := checkpoint.NewBarrierHandler(types.NewOperatorId(), []types.InputChannelId{chA}, noopWriter{}, notifier, instantSnapshotter{})
	gate := NewInputGate(bh, nil)

	if err := gate.OnFrame(Frame{Kind: FrameKind(99), Channel: chA}); err == nil {
		t.Fatalf("expected an error for an unknown frame kind")
	}
}
