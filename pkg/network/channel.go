package network

import (
	"sync"
)

// CreditSender is the wire-level send operation a SenderChannel drives
// once credit allows it — writing one buffer to the consumer.
type CreditSender interface {
	SendBuffer(buf Buffer, backlog int) error
}

// SenderChannel gates a ReadView's buffers behind the consumer's
// announced credit, the producer side of the credit-based exchange
// described for the network data path: a buffer is only sent once at
// least one credit is available, and every non-event buffer spends one
// credit.
type SenderChannel struct {
	mu      sync.Mutex
	cond    *sync.Cond
	credit  int
	closed  bool
	view    *ReadView
	sender  CreditSender
}

// NewSenderChannel builds a SenderChannel pumping view's buffers to
// sender under initialCredit credits.
func NewSenderChannel(view *ReadView, sender CreditSender, initialCredit int) *SenderChannel {
	c := &SenderChannel{view: view, sender: sender, credit: initialCredit}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// AddCredit replenishes the channel's available credit and wakes any
// goroutine blocked on SendNext.
func (c *SenderChannel) AddCredit(n int) {
	c.mu.Lock()
	c.credit += n
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Close unblocks any goroutine waiting in SendNext so it can exit.
func (c *SenderChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// SendNext polls one buffer and sends it, blocking for credit first when
// it is a data buffer. It returns false when there is nothing to poll or
// the channel was closed while waiting for credit.
func (c *SenderChannel) SendNext() (bool, error) {
	next, ok := c.view.Poll()
	if !ok {
		return false, nil
	}

	if !next.Buffer.IsEvent {
		c.mu.Lock()
		for c.credit <= 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return false, nil
		}
		c.credit--
		c.mu.Unlock()
	}

	if err := c.sender.SendBuffer(next.Buffer, next.BacklogCount); err != nil {
		return false, err
	}
	return true, nil
}

// Run drains the channel until SendNext reports no more work or the
// channel closes, suitable for running in its own goroutine off an
// AvailabilityListener wakeup.
func (c *SenderChannel) Run() error {
	for {
		more, err := c.SendNext()
		if err != nil || !more {
			return err
		}
	}
}

// ReceiverChannel is the consumer side of the credit exchange: it
// notifies the producer to add a credit back every time it consumes one
// non-event buffer, keeping the sender's credit balance in sync with
// actual read-buffer capacity.
type ReceiverChannel struct {
	notifyCredit func(n int)
}

// NewReceiverChannel builds a ReceiverChannel that calls notifyCredit
// whenever it wants the sender to top up its credit, typically a
// request-credit wire message addressed to the matching SenderChannel.
func NewReceiverChannel(notifyCredit func(n int)) *ReceiverChannel {
	return &ReceiverChannel{notifyCredit: notifyCredit}
}

// OnBufferConsumed reports that one application-visible buffer has been
// freed, meaning the receiver can advertise one more credit back to the
// sender.
func (r *ReceiverChannel) OnBufferConsumed(buf Buffer) {
	if buf.IsEvent {
		return
	}
	if r.notifyCredit != nil {
		r.notifyCredit(1)
	}
}
