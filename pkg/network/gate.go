package network

import (
	"fmt"

	"github.com/cuemby/weir/pkg/jobmaster/checkpoint"
	"github.com/cuemby/weir/pkg/types"
)

// FrameKind enumerates the wire frames an input channel can deliver, per
// the network data path: ordinary data buffers interleaved with barrier
// and control events.
type FrameKind int

const (
	FrameBuffer FrameKind = iota
	FrameBarrierAligned
	FrameBarrierUnaligned
	FrameCancelCheckpointMarker
	FrameEndOfPartition
	FrameEndOfSuperstep
)

func (k FrameKind) String() string {
	switch k {
	case FrameBuffer:
		return "BUFFER"
	case FrameBarrierAligned:
		return "BARRIER_ALIGNED"
	case FrameBarrierUnaligned:
		return "BARRIER_UNALIGNED"
	case FrameCancelCheckpointMarker:
		return "CANCEL_CHECKPOINT_MARKER"
	case FrameEndOfPartition:
		return "END_OF_PARTITION"
	case FrameEndOfSuperstep:
		return "END_OF_SUPERSTEP"
	default:
		return "UNKNOWN"
	}
}

// Frame is one unit an InputGate receives off an input channel: either a
// data Buffer or one of the control markers interleaved in the same
// stream.
type Frame struct {
	Kind         FrameKind
	Channel      types.InputChannelId
	Buffer       []byte
	CheckpointId types.CheckpointId
}

// InputGate demultiplexes frames arriving on its input channels,
// forwarding data buffers to the application and routing barriers and
// control markers into a checkpoint.BarrierHandler so unaligned
// checkpoint alignment happens transparently to the consuming operator.
type InputGate struct {
	barriers  *checkpoint.BarrierHandler
	onBuffer  func(channel types.InputChannelId, buf []byte) error
	receivers map[types.InputChannelId]*ReceiverChannel
}

// NewInputGate builds a gate that hands data buffers to onBuffer and
// every barrier/control frame to barriers.
func NewInputGate(barriers *checkpoint.BarrierHandler, onBuffer func(channel types.InputChannelId, buf []byte) error) *InputGate {
	return &InputGate{
		barriers:  barriers,
		onBuffer:  onBuffer,
		receivers: make(map[types.InputChannelId]*ReceiverChannel),
	}
}

// RegisterReceiver attaches a ReceiverChannel so consumed data buffers on
// this channel trigger credit replenishment back to the sender.
func (g *InputGate) RegisterReceiver(channel types.InputChannelId, r *ReceiverChannel) {
	g.receivers[channel] = r
}

// OnFrame dispatches a single received frame according to its kind.
func (g *InputGate) OnFrame(frame Frame) error {
	switch frame.Kind {
	case FrameBuffer:
		if err := g.barriers.OnBufferReceived(frame.Channel, frame.Buffer); err != nil {
			return err
		}
		if g.onBuffer != nil {
			if err := g.onBuffer(frame.Channel, frame.Buffer); err != nil {
				return err
			}
		}
		if r, ok := g.receivers[frame.Channel]; ok {
			r.OnBufferConsumed(Buffer{Data: frame.Buffer})
		}
		return nil

	case FrameBarrierAligned, FrameBarrierUnaligned:
		g.barriers.OnBarrierReceived(frame.Channel, frame.CheckpointId)
		return nil

	case FrameCancelCheckpointMarker:
		g.barriers.OnCancelMarker(frame.CheckpointId)
		return nil

	case FrameEndOfPartition:
		g.barriers.OnEndOfPartition(frame.Channel)
		delete(g.receivers, frame.Channel)
		return nil

	case FrameEndOfSuperstep:
		// Superstep boundaries are opaque to barrier alignment; the
		// application layer (iterative/BSP operators) handles them
		// directly once handed the frame's channel.
		if g.onBuffer != nil {
			return g.onBuffer(frame.Channel, nil)
		}
		return nil

	default:
		return fmt.Errorf("input gate: unknown frame kind %v", frame.Kind)
	}
}

// OnTaskThreadConsumedBarrier records that the task thread itself (as
// opposed to the network stack delivering the frame) has passed a
// checkpoint barrier, the third of the barrier-handling rules: it tracks
// task-thread progress independently of channel alignment.
func (g *InputGate) OnTaskThreadConsumedBarrier(channel types.InputChannelId, checkpointId types.CheckpointId) {
	g.barriers.OnBarrierConsumed(channel, checkpointId)
}
