package network

import (
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []Buffer
}

func (s *recordingSender) SendBuffer(buf Buffer, backlog int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, buf)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func TestSenderChannelBlocksWithoutCreditThenSends(t *testing.T) {
	sub := newSubpartition(0)
	view, _ := sub.CreateReadView(nil)
	sub.Add(StaticBuffer{Buffer{Data: []byte("a")}}, false)

	sender := &recordingSender{}
	ch := NewSenderChannel(view, sender, 0)

	done := make(chan error, 1)
	go func() { done <- ch.Run() }()

	time.Sleep(20 * time.Millisecond)
	if sender.count() != 0 {
		t.Fatalf("expected no sends while credit is exhausted")
	}

	ch.AddCredit(1)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for SenderChannel to drain after credit arrived")
	}
	if sender.count() != 1 {
		t.Fatalf("expected exactly 1 buffer sent, got %d", sender.count())
	}
}

func TestSenderChannelEventsBypassCredit(t *testing.T) {
	sub := newSubpartition(0)
	view, _ := sub.CreateReadView(nil)
	sub.Add(StaticBuffer{Buffer{IsEvent: true}}, false)

	sender := &recordingSender{}
	ch := NewSenderChannel(view, sender, 0)

	if err := ch.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected the event buffer to be sent without needing credit, got %d sends", sender.count())
	}
}

func TestSenderChannelCloseUnblocksWaiters(t *testing.T) {
	sub := newSubpartition(0)
	view, _ := sub.CreateReadView(nil)
	sub.Add(StaticBuffer{Buffer{Data: []byte("a")}}, false)

	ch := NewSenderChannel(view, &recordingSender{}, 0)
	done := make(chan error, 1)
	go func() { _, err := ch.SendNext(); done <- err }()

	time.Sleep(20 * time.Millisecond)
	ch.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Close to unblock SendNext")
	}
}

func TestReceiverChannelNotifiesCreditOnlyForDataBuffers(t *testing.T) {
	var credits int
	r := NewReceiverChannel(func(n int) { credits += n })

	r.OnBufferConsumed(Buffer{Data: []byte("x")})
	r.OnBufferConsumed(Buffer{IsEvent: true})

	if credits != 1 {
		t.Fatalf("expected exactly 1 credit notification, got %d", credits)
	}
}
