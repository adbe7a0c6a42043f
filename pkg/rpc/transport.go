package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/weir/pkg/log"
	"github.com/cuemby/weir/pkg/types"
	"github.com/rs/zerolog"
)

// requestEnvelope is what a Client writes onto the wire for one call. Body
// is a gob-encoded blob of whatever request type command expects; the
// envelope itself never needs to know that type, so no gob.Register call
// is required for it. FencingToken is zero for unfenced endpoints.
type requestEnvelope struct {
	Command      string
	FencingToken uint64
	Body         []byte
}

// responseEnvelope is what a Server writes back for one call. Body is a
// gob-encoded blob of whatever response type the handler produced.
type responseEnvelope struct {
	Err  string
	Body []byte
}

func encodeBody(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBody(data []byte, v interface{}) error {
	if len(data) == 0 || v == nil {
		return nil
	}
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Client dials a fresh connection per call rather than pooling
// connections the way hashicorp/raft's transport does. Simpler to reason about at the cost of a TCP handshake per
// call; acceptable for control-plane traffic (slot requests, state
// transitions, heartbeats) which is not on the hot data path.
type Client struct {
	dialTimeout time.Duration
	callTimeout time.Duration
}

// NewClient creates a Client with the given dial and per-call timeouts.
func NewClient(dialTimeout, callTimeout time.Duration) *Client {
	return &Client{dialTimeout: dialTimeout, callTimeout: callTimeout}
}

// Call dials addr, sends command with fencingToken and body, and decodes
// the response into resp. ErrStaleFencingToken surfaces exactly as
// returned by the remote Gateway.
func (c *Client) Call(addr, command string, fencingToken uint64, body, resp interface{}) error {
	conn, err := net.DialTimeout("tcp", addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	bodyBytes, err := encodeBody(body)
	if err != nil {
		return fmt.Errorf("encode request body for %s: %w", command, err)
	}

	enc := gob.NewEncoder(conn)
	if err := enc.Encode(requestEnvelope{Command: command, FencingToken: fencingToken, Body: bodyBytes}); err != nil {
		return fmt.Errorf("encode request to %s: %w", addr, err)
	}

	var respEnv responseEnvelope
	dec := gob.NewDecoder(conn)
	if err := dec.Decode(&respEnv); err != nil {
		return fmt.Errorf("decode response from %s: %w", addr, err)
	}
	if respEnv.Err != "" {
		if respEnv.Err == types.ErrStaleFencingToken.Error() {
			return types.ErrStaleFencingToken
		}
		return fmt.Errorf("%s: %s", addr, respEnv.Err)
	}
	if err := decodeBody(respEnv.Body, resp); err != nil {
		return fmt.Errorf("decode response body from %s: %w", addr, err)
	}
	return nil
}

// Handler processes one decoded request body for a registered command and
// returns the response body to encode back, or an error. req and resp are
// pointers to the concrete gob-encodable types command expects; Gateway
// allocates req freshly for every call before invoking the handler.
type Handler struct {
	// NewRequest returns a fresh pointer to decode the request body into.
	NewRequest func() interface{}
	// Invoke processes the decoded request (the value NewRequest returned,
	// now populated) and returns the response body to encode back.
	Invoke func(fencingToken uint64, req interface{}) (interface{}, error)
}

// FencingTokenSource returns the fencing token this Gateway currently
// holds. A zero return value means the endpoint is unfenced: every
// request is accepted regardless of token.
type FencingTokenSource func() uint64

// Gateway is a fenced RPC endpoint: a net.Listener plus a per-command
// dispatch table, rejecting requests bearing a fencing token older than
// CurrentToken() before a handler ever runs (spec.md §5).
type Gateway struct {
	mu             sync.RWMutex
	handlers       map[string]Handler
	currentToken   FencingTokenSource
	listener       net.Listener
	logger         zerolog.Logger
	stopCh         chan struct{}
}

// NewGateway creates a Gateway. currentToken may be nil for an unfenced
// endpoint (e.g. the Resource Manager's registration endpoint, which must
// be reachable before any fencing token exists).
func NewGateway(currentToken FencingTokenSource) *Gateway {
	return &Gateway{
		handlers:     make(map[string]Handler),
		currentToken: currentToken,
		logger:       log.WithComponent("rpc"),
		stopCh:       make(chan struct{}),
	}
}

// RegisterHandler installs handler for command. Re-registering a command
// replaces its handler.
func (g *Gateway) RegisterHandler(command string, handler Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[command] = handler
}

// Serve listens on addr and dispatches incoming requests until Close is
// called. It blocks; callers typically invoke it via `go gateway.Serve(...)`.
func (g *Gateway) Serve(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	g.mu.Lock()
	g.listener = listener
	g.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-g.stopCh:
				return nil
			default:
				g.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go g.handleConn(conn)
	}
}

// Addr returns the address this Gateway is listening on, once Serve has
// started.
func (g *Gateway) Addr() net.Addr {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Close stops accepting new connections.
func (g *Gateway) Close() error {
	close(g.stopCh)
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener != nil {
		return g.listener.Close()
	}
	return nil
}

func (g *Gateway) handleConn(conn net.Conn) {
	defer conn.Close()

	var req requestEnvelope
	dec := gob.NewDecoder(conn)
	if err := dec.Decode(&req); err != nil {
		g.logger.Warn().Err(err).Msg("decode request failed")
		return
	}

	resp := g.dispatch(req)

	enc := gob.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		g.logger.Warn().Err(err).Msg("encode response failed")
	}
}

func (g *Gateway) dispatch(req requestEnvelope) responseEnvelope {
	g.mu.RLock()
	handler, ok := g.handlers[req.Command]
	currentToken := g.currentToken
	g.mu.RUnlock()

	if !ok {
		return responseEnvelope{Err: fmt.Sprintf("unknown command: %s", req.Command)}
	}

	if currentToken != nil {
		if want := currentToken(); want != 0 && req.FencingToken < want {
			return responseEnvelope{Err: types.ErrStaleFencingToken.Error()}
		}
	}

	reqBody := handler.NewRequest()
	if err := decodeBody(req.Body, reqBody); err != nil {
		return responseEnvelope{Err: fmt.Sprintf("decode %s request: %v", req.Command, err)}
	}

	respBody, err := handler.Invoke(req.FencingToken, reqBody)
	if err != nil {
		return responseEnvelope{Err: err.Error()}
	}
	encoded, err := encodeBody(respBody)
	if err != nil {
		return responseEnvelope{Err: fmt.Sprintf("encode %s response: %v", req.Command, err)}
	}
	return responseEnvelope{Body: encoded}
}

// Register installs a typed handler for command: fn receives a decoded
// *Req and returns a *Resp to encode back. This is the usual way to wire a
// Gateway, e.g. Register[RegisterTaskExecutorRequest, RegisterTaskExecutorResponse](gw, "register_task_executor", rm.handleRegister).
func Register[Req any, Resp any](g *Gateway, command string, fn func(fencingToken uint64, req *Req) (*Resp, error)) {
	g.RegisterHandler(command, Handler{
		NewRequest: func() interface{} { return new(Req) },
		Invoke: func(fencingToken uint64, req interface{}) (interface{}, error) {
			return fn(fencingToken, req.(*Req))
		},
	})
}
