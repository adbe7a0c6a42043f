package checkpoint

import (
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/metrics"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

// OperatorSnapshot bundles the four state handles an unaligned checkpoint
// produces for one operator (spec.md §4.7).
type OperatorSnapshot struct {
	OperatorState           StateHandle
	KeyedState              StateHandle
	InputChannelState       StateHandle
	ResultSubpartitionState StateHandle
}

// ChannelStateWriter persists in-flight buffers overtaken by a barrier, and
// hands back a combined handle once every channel has stopped storing for a
// checkpoint.
type ChannelStateWriter interface {
	PersistBuffer(channel types.InputChannelId, checkpointId types.CheckpointId, buffer []byte) error
	Finalize(checkpointId types.CheckpointId) (StateHandle, error)
}

// Snapshotter takes the operator- and keyed-state and result-subpartition
// snapshot for a checkpoint. Unaligned checkpointing triggers this as soon
// as the first barrier is observed on any input, without waiting for the
// rest to align.
type Snapshotter interface {
	Snapshot(checkpointId types.CheckpointId) (operatorState, keyedState, resultSubpartitionState StateHandle, err error)
}

// TaskNotifier is how a BarrierHandler reports back to its task and, through
// it, to the Checkpoint Coordinator.
type TaskNotifier interface {
	AcknowledgeCheckpoint(checkpointId types.CheckpointId, operatorId types.OperatorId, snapshot OperatorSnapshot) error
	DeclineCheckpoint(checkpointId types.CheckpointId, reason string) error
	RequestAbort(checkpointId types.CheckpointId, reason string)
}

type channelState struct {
	storeNewBuffers    bool
	hasInflightBuffers bool
}

// BarrierHandler implements the task-side unaligned barrier algorithm
// (spec.md §4.7): it decides, per input channel, whether an arriving buffer
// must be persisted under the current checkpoint, and drives one operator
// through trigger -> snapshot -> acknowledge without waiting for channels to
// align.
type BarrierHandler struct {
	operatorId types.OperatorId
	writer     ChannelStateWriter
	notifier   TaskNotifier
	snapshot   Snapshotter
	logger     zerolog.Logger

	mu                  sync.Mutex
	channels            map[types.InputChannelId]*channelState
	numOpenChannels      uint32
	numBarriersReceived  uint32
	numBarriersConsumed  uint32
	currentReceived      int64 // -1 until the first barrier is observed
	currentConsumed      int64 // -1 until the task thread has consumed one
	allBarriersReceived  *voidFuture
	alignmentStart       time.Time
}

// NewBarrierHandler constructs a handler for one operator with the given
// set of input channels.
func NewBarrierHandler(operatorId types.OperatorId, channelIds []types.InputChannelId, writer ChannelStateWriter, notifier TaskNotifier, snapshotter Snapshotter) *BarrierHandler {
	channels := make(map[types.InputChannelId]*channelState, len(channelIds))
	for _, id := range channelIds {
		channels[id] = &channelState{}
	}
	return &BarrierHandler{
		operatorId:          operatorId,
		writer:              writer,
		notifier:            notifier,
		snapshot:            snapshotter,
		logger:              log.WithComponent("barrier_handler"),
		channels:            channels,
		numOpenChannels:     uint32(len(channelIds)),
		currentReceived:     -1,
		currentConsumed:     -1,
		allBarriersReceived: newVoidFuture(),
	}
}

// OnBufferReceived implements rule 1: a regular data buffer is persisted
// under the current checkpoint if its channel is still marked to store new
// buffers, otherwise it is left to the normal processing path.
func (h *BarrierHandler) OnBufferReceived(ch types.InputChannelId, buffer []byte) error {
	h.mu.Lock()
	cs, ok := h.channels[ch]
	store := ok && cs.storeNewBuffers
	checkpointId := h.currentReceived
	if store {
		cs.hasInflightBuffers = true
	}
	h.mu.Unlock()

	if !store || checkpointId < 0 {
		return nil
	}
	return h.writer.PersistBuffer(ch, types.CheckpointId(checkpointId), buffer)
}

// OnBarrierReceived implements rules 2 and 6: a barrier for checkpointId
// has arrived on ch. A barrier for a newer checkpoint than the one
// currently being aligned subsumes it (completing all_barriers_received
// exceptionally with reason SUBSUMED and asking the task to abort the
// superseded snapshot) and immediately triggers this operator's own
// snapshot, without waiting for the other channels to catch up. Once every
// open channel has reported in, all_barriers_received completes.
func (h *BarrierHandler) OnBarrierReceived(ch types.InputChannelId, checkpointId types.CheckpointId) {
	b := int64(checkpointId)

	h.mu.Lock()
	if b < h.currentReceived {
		h.mu.Unlock()
		return
	}

	var subsumed *voidFuture
	var subsumedId int64
	triggerSnapshot := false
	if b > h.currentReceived {
		if h.currentReceived >= 0 && h.allBarriersReceived != nil && !h.allBarriersReceived.isDone() {
			subsumed = h.allBarriersReceived
			subsumedId = h.currentReceived
		}
		h.currentReceived = b
		for _, cs := range h.channels {
			cs.storeNewBuffers = true
		}
		h.numBarriersReceived = 0
		h.allBarriersReceived = newVoidFuture()
		h.alignmentStart = time.Now()
		triggerSnapshot = true
	}

	completedNow := false
	if cs, ok := h.channels[ch]; ok && cs.storeNewBuffers {
		cs.storeNewBuffers = false
		h.numBarriersReceived++
		if h.numBarriersReceived >= h.numOpenChannels {
			completedNow = true
		}
	}
	future := h.allBarriersReceived
	alignmentStart := h.alignmentStart
	h.mu.Unlock()

	if subsumed != nil {
		subsumed.completeExceptionally("SUBSUMED")
		h.notifier.RequestAbort(types.CheckpointId(subsumedId), "SUBSUMED")
	}
	if triggerSnapshot {
		go h.runSnapshot(checkpointId, future, alignmentStart)
	}
	if completedNow {
		future.complete()
	}
}

func (h *BarrierHandler) runSnapshot(checkpointId types.CheckpointId, future *voidFuture, alignmentStart time.Time) {
	operatorState, keyedState, resultState, err := h.snapshot.Snapshot(checkpointId)
	if err != nil {
		if err := h.notifier.DeclineCheckpoint(checkpointId, err.Error()); err != nil {
			h.logger.Warn().Err(err).Msg("failed to decline checkpoint after snapshot error")
		}
		return
	}

	<-future.Done()
	if future.Reason() != "" {
		h.logger.Debug().Uint64("checkpoint_id", uint64(checkpointId)).Str("reason", future.Reason()).Msg("checkpoint superseded before alignment completed")
		return
	}
	metrics.BarrierAlignmentLatency.Observe(time.Since(alignmentStart).Seconds())

	channelState, err := h.writer.Finalize(checkpointId)
	if err != nil {
		if err := h.notifier.DeclineCheckpoint(checkpointId, err.Error()); err != nil {
			h.logger.Warn().Err(err).Msg("failed to decline checkpoint after channel-state finalize error")
		}
		return
	}

	snapshot := OperatorSnapshot{
		OperatorState:           operatorState,
		KeyedState:              keyedState,
		InputChannelState:       channelState,
		ResultSubpartitionState: resultState,
	}
	if err := h.notifier.AcknowledgeCheckpoint(checkpointId, h.operatorId, snapshot); err != nil {
		h.logger.Warn().Err(err).Uint64("checkpoint_id", uint64(checkpointId)).Msg("failed to acknowledge checkpoint")
	}
}

// OnBarrierConsumed implements rule 3: the task thread has worked through
// its input queue far enough to process the barrier itself, rather than
// just having observed it arrive on the wire. Stale ids (superseded by a
// later checkpoint already consumed) are ignored.
func (h *BarrierHandler) OnBarrierConsumed(ch types.InputChannelId, checkpointId types.CheckpointId) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := int64(checkpointId)
	if b < h.currentConsumed {
		return
	}
	if b > h.currentConsumed {
		h.currentConsumed = b
		h.numBarriersConsumed = 0
	}
	h.numBarriersConsumed++
	if cs, ok := h.channels[ch]; ok {
		cs.hasInflightBuffers = false
	}
}

// OnCancelMarker implements rule 4: a cancellation marker for checkpointId
// arrived inline in the stream (the coordinator declined or aborted it
// while it was still being aligned). Any in-progress alignment for that id
// is abandoned.
func (h *BarrierHandler) OnCancelMarker(checkpointId types.CheckpointId) {
	b := int64(checkpointId)

	h.mu.Lock()
	var future *voidFuture
	if b == h.currentReceived && h.allBarriersReceived != nil && !h.allBarriersReceived.isDone() {
		future = h.allBarriersReceived
	} else if b > h.currentReceived {
		if h.allBarriersReceived != nil && !h.allBarriersReceived.isDone() {
			future = h.allBarriersReceived
		}
		h.currentReceived = b
		for _, cs := range h.channels {
			cs.storeNewBuffers = false
		}
		h.numBarriersReceived = 0
		h.allBarriersReceived = nil
	}
	h.mu.Unlock()

	if future != nil {
		future.completeExceptionally("CANCELED")
	}
	h.notifier.RequestAbort(checkpointId, "CANCELED")
}

// OnEndOfPartition implements rule 5: channel ch has been closed. It no
// longer counts toward num_open_channels, and any checkpoint still pending
// alignment is aborted with reason END_OF_STREAM.
func (h *BarrierHandler) OnEndOfPartition(ch types.InputChannelId) {
	h.mu.Lock()
	delete(h.channels, ch)
	if h.numOpenChannels > 0 {
		h.numOpenChannels--
	}
	future := h.allBarriersReceived
	pending := future != nil && !future.isDone() && h.currentReceived >= 0
	currentReceived := h.currentReceived
	h.mu.Unlock()

	if pending {
		future.completeExceptionally("END_OF_STREAM")
		h.notifier.RequestAbort(types.CheckpointId(currentReceived), "END_OF_STREAM")
	}
}
