package rpc

import (
	"testing"
	"time"

	"github.com/cuemby/weir/pkg/types"
)

type echoRequest struct {
	Text string
}

type echoResponse struct {
	Text  string
	Token uint64
}

func startEchoGateway(t *testing.T, tokenSource FencingTokenSource) (*Gateway, func()) {
	t.Helper()
	gw := NewGateway(tokenSource)
	Register(gw, "echo", func(fencingToken uint64, req *echoRequest) (*echoResponse, error) {
		return &echoResponse{Text: req.Text, Token: fencingToken}, nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Serve("127.0.0.1:0") }()

	// Addr is only set once Serve has bound the listener; poll briefly.
	deadline := time.Now().Add(time.Second)
	for gw.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatalf("gateway never bound a listener")
		}
		time.Sleep(time.Millisecond)
	}

	return gw, func() {
		gw.Close()
		select {
		case <-errCh:
		case <-time.After(time.Second):
			t.Fatalf("gateway.Serve did not return after Close")
		}
	}
}

func TestClientCallRoundTrip(t *testing.T) {
	gw, stop := startEchoGateway(t, nil)
	defer stop()

	client := NewClient(time.Second, time.Second)
	var resp echoResponse
	if err := client.Call(gw.Addr().String(), "echo", 0, &echoRequest{Text: "hello"}, &resp); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Text != "hello" {
		t.Fatalf("expected echoed text, got %q", resp.Text)
	}
}

func TestClientCallUnknownCommand(t *testing.T) {
	gw, stop := startEchoGateway(t, nil)
	defer stop()

	client := NewClient(time.Second, time.Second)
	var resp echoResponse
	err := client.Call(gw.Addr().String(), "not_registered", 0, &echoRequest{Text: "hi"}, &resp)
	if err == nil {
		t.Fatalf("expected an error for an unregistered command")
	}
}

func TestGatewayRejectsStaleFencingToken(t *testing.T) {
	gw, stop := startEchoGateway(t, func() uint64 { return 5 })
	defer stop()

	client := NewClient(time.Second, time.Second)
	var resp echoResponse
	err := client.Call(gw.Addr().String(), "echo", 3, &echoRequest{Text: "hi"}, &resp)
	if err != types.ErrStaleFencingToken {
		t.Fatalf("expected ErrStaleFencingToken, got %v", err)
	}
}

func TestGatewayAcceptsCurrentOrNewerFencingToken(t *testing.T) {
	gw, stop := startEchoGateway(t, func() uint64 { return 5 })
	defer stop()

	client := NewClient(time.Second, time.Second)
	for _, token := range []uint64{5, 6} {
		var resp echoResponse
		if err := client.Call(gw.Addr().String(), "echo", token, &echoRequest{Text: "hi"}, &resp); err != nil {
			t.Fatalf("Call with token %d: %v", token, err)
		}
		if resp.Token != token {
			t.Fatalf("expected handler to observe token %d, got %d", token, resp.Token)
		}
	}
}

func TestClientCallDialFailure(t *testing.T) {
	client := NewClient(50*time.Millisecond, time.Second)
	var resp echoResponse
	if err := client.Call("127.0.0.1:1", "echo", 0, &echoRequest{Text: "hi"}, &resp); err == nil {
		t.Fatalf("expected a dial error for an unreachable address")
	}
}
