package slotpool

import (
	"sync"

	"github.com/cuemby/weir/pkg/types"
)

// SlotFuture is completed exactly once, either with a Slot or with an
// error (spec.md §4.5's request_new_allocated_slot returns future<Slot>).
type SlotFuture struct {
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	slot types.Slot
	err  error
}

func newSlotFuture() *SlotFuture {
	return &SlotFuture{done: make(chan struct{})}
}

func (f *SlotFuture) complete(slot types.Slot) {
	f.once.Do(func() {
		f.mu.Lock()
		f.slot = slot
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *SlotFuture) fail(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

// Done closes once the future has been completed, one way or the other.
func (f *SlotFuture) Done() <-chan struct{} { return f.done }

// Result returns the completed slot and/or error. Only meaningful after
// Done() has closed.
func (f *SlotFuture) Result() (types.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slot, f.err
}
