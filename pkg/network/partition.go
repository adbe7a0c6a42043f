package network

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/cuemby/weir/pkg/types"
)

// Buffer is a chunk of serialized records or a control event flowing
// through a result subpartition.
type Buffer struct {
	Data    []byte
	IsEvent bool
}

// BufferConsumer lazily produces one Buffer, the way a still-being-written
// network buffer becomes readable once the writer catches up (spec.md
// §4.8). Ready reports whether Build would return data right now.
type BufferConsumer interface {
	Build() (Buffer, bool)
	Ready() bool
}

// StaticBuffer wraps an already-complete Buffer as a BufferConsumer, for
// producers that don't need lazy construction.
type StaticBuffer struct{ Buffer Buffer }

func (b StaticBuffer) Build() (Buffer, bool) { return b.Buffer, true }
func (b StaticBuffer) Ready() bool           { return true }

// AvailabilityListener is notified when a subpartition has data a read
// view should poll for.
type AvailabilityListener interface {
	NotifyDataAvailable()
}

// BufferAndBacklog is what ReadView.Poll returns (spec.md §4.8).
type BufferAndBacklog struct {
	Buffer           Buffer
	IsMoreAvailable  bool
	BacklogCount     int
	IsEventAvailable bool
}

// Subpartition is a single-consumer queue of BufferConsumers (spec.md
// §4.8). Pipelined subpartitions are consumed exactly once; batch
// ("release-on-consumption") subpartitions instead count references via
// their owning ResultPartition.
type Subpartition struct {
	mu               sync.Mutex
	index            int
	queue            *list.List // of BufferConsumer
	backlog          int
	released         bool
	viewCreated      bool
	listener         AvailabilityListener
	inflightSnapshot []Buffer
}

func newSubpartition(index int) *Subpartition {
	return &Subpartition{index: index, queue: list.New()}
}

// Add implements add(buffer_consumer, is_priority): it returns false once
// the subpartition is released. A priority add inserts at the head and
// snapshots every currently-queued, already-built buffer for unaligned
// checkpointing; a non-priority add appends.
func (s *Subpartition) Add(bc BufferConsumer, isPriority bool) bool {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return false
	}

	if isPriority {
		s.inflightSnapshot = s.snapshotFinishedLocked()
		s.queue.PushFront(bc)
	} else {
		s.queue.PushBack(bc)
	}
	if buf, ready := bc.Build(); ready && !buf.IsEvent {
		s.backlog++
	}
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.NotifyDataAvailable()
	}
	return true
}

func (s *Subpartition) snapshotFinishedLocked() []Buffer {
	var snapshot []Buffer
	for e := s.queue.Front(); e != nil; e = e.Next() {
		bc := e.Value.(BufferConsumer)
		if buf, ready := bc.Build(); ready {
			snapshot = append(snapshot, buf)
		}
	}
	return snapshot
}

// InflightSnapshot returns the buffers captured by the most recent
// priority add, consumed by the unaligned checkpoint's input-channel-state
// snapshot.
func (s *Subpartition) InflightSnapshot() []Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflightSnapshot
}

// CreateReadView implements create_read_view: at most once per
// subpartition (pipelined semantics — a second call is a programming
// error, not a runtime condition a caller should retry).
func (s *Subpartition) CreateReadView(listener AvailabilityListener) (*ReadView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.viewCreated {
		return nil, fmt.Errorf("subpartition %d: read view already created", s.index)
	}
	s.viewCreated = true
	s.listener = listener
	return &ReadView{sub: s}, nil
}

// Flush implements flush(): notify the read view if more than one buffer
// is queued, or if the single queued buffer is ready; otherwise a no-op.
func (s *Subpartition) Flush() {
	s.mu.Lock()
	notify := s.queue.Len() > 1
	if !notify && s.queue.Len() == 1 {
		notify = s.queue.Front().Value.(BufferConsumer).Ready()
	}
	listener := s.listener
	s.mu.Unlock()

	if notify && listener != nil {
		listener.NotifyDataAvailable()
	}
}

// Release implements release(): queued consumers are dropped, further
// adds are rejected, and the read view stops seeing new data.
func (s *Subpartition) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.queue.Init()
}

// ReadView delivers a subpartition's buffers to its one consumer.
type ReadView struct {
	sub *Subpartition
}

// Poll implements View.poll, returning BufferAndBacklog(buffer,
// is_more_available, backlog_count, is_event_available).
func (v *ReadView) Poll() (BufferAndBacklog, bool) {
	s := v.sub
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.queue.Len() == 0 {
		return BufferAndBacklog{}, false
	}
	front := s.queue.Front()
	bc := front.Value.(BufferConsumer)
	buf, ready := bc.Build()
	if !ready {
		return BufferAndBacklog{}, false
	}
	s.queue.Remove(front)
	if !buf.IsEvent && s.backlog > 0 {
		s.backlog--
	}

	nextEventAvailable := false
	if next := s.queue.Front(); next != nil {
		if nb, nready := next.Value.(BufferConsumer).Build(); nready {
			nextEventAvailable = nb.IsEvent
		}
	}

	return BufferAndBacklog{
		Buffer:           buf,
		IsMoreAvailable:  s.queue.Len() > 0,
		BacklogCount:     s.backlog,
		IsEventAvailable: nextEventAvailable,
	}, true
}

// ResultPartition is one task's produced result, split into N
// subpartitions (spec.md §4.8).
type ResultPartition struct {
	VertexId             types.VertexId
	ReleaseOnConsumption bool

	mu            sync.Mutex
	subpartitions []*Subpartition
	consumed      int
	released      bool
	onReleased    func()
}

// NewResultPartition constructs a partition with numSubpartitions
// subpartitions. releaseOnConsumption selects batch semantics (reference
// counted, released once every subpartition has drained) over pipelined
// (each subpartition consumed exactly once, released by the producer).
func NewResultPartition(vertexId types.VertexId, numSubpartitions int, releaseOnConsumption bool) *ResultPartition {
	p := &ResultPartition{
		VertexId:             vertexId,
		ReleaseOnConsumption: releaseOnConsumption,
		subpartitions:        make([]*Subpartition, numSubpartitions),
	}
	for i := range p.subpartitions {
		p.subpartitions[i] = newSubpartition(i)
	}
	return p
}

// Subpartition returns subpartition i.
func (p *ResultPartition) Subpartition(i int) *Subpartition {
	return p.subpartitions[i]
}

// NumSubpartitions returns how many subpartitions this partition has.
func (p *ResultPartition) NumSubpartitions() int {
	return len(p.subpartitions)
}

// OnSubpartitionConsumed records that one subpartition has been fully
// drained. For a release-on-consumption partition, once every
// subpartition has reported in, the whole partition releases.
func (p *ResultPartition) OnSubpartitionConsumed() {
	p.mu.Lock()
	if !p.ReleaseOnConsumption || p.released {
		p.mu.Unlock()
		return
	}
	p.consumed++
	releaseNow := p.consumed >= len(p.subpartitions)
	if releaseNow {
		p.released = true
	}
	onReleased := p.onReleased
	p.mu.Unlock()

	if releaseNow {
		for _, s := range p.subpartitions {
			s.Release()
		}
		if onReleased != nil {
			onReleased()
		}
	}
}

// Close explicitly releases every subpartition, the producer-driven path
// for a pipelined partition (no reference counting involved).
func (p *ResultPartition) Close() {
	p.mu.Lock()
	p.released = true
	p.mu.Unlock()
	for _, s := range p.subpartitions {
		s.Release()
	}
}
