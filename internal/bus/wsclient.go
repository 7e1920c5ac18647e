// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"
)

// envelope is the wire frame exchanged with the bus hub. Exactly one of the
// request-shaped or response-shaped fields is populated per Type.
type envelope struct {
	ID       uint64          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Category string          `json:"category,omitempty"`
	Method   string          `json:"method,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

const (
	frameCall           = "call"
	frameCallOnce       = "call_once"
	frameResponse       = "response"
	frameCancel         = "cancel"
	frameRegisterMethod = "register_method"
	frameMethodInvoke   = "method_invoke"
)

// pendingStream is a CallStream subscription. Its onReply is invoked only
// from the Pump goroutine, preserving the single-threaded event-loop
// guarantee BusGateway and everything above it relies on.
type pendingStream struct {
	onReply  func(Reply)
	canceled bool
}

// WSClient is a BusClient backed by a single long-lived WebSocket
// connection to the bus hub. It dials once at startup; the spec treats loss
// of the hub connection as fatal, so unlike a typical client there is no
// background reconnect loop past the initial dial.
//
// Reading is split across two goroutines by design: a reader goroutine
// drains the socket continuously and never blocks on application code, and
// the Pump goroutine serially dispatches everything except direct CallOnce
// replies and the first reply to a CallStreamWithFirstReply, which the
// reader delivers straight to the waiting caller. This lets a synchronous
// CallOnce, or the CallStreamWithFirstReply wait behind the
// checkFirstResponse pattern in Gateway.Subscribe, block from inside a
// Pump-driven callback without stalling the reader or dropping frames that
// arrive while it waits.
type WSClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  uint64

	mu            sync.Mutex
	directPending map[uint64]chan Reply
	streamPending map[uint64]*pendingStream
	methods       map[string]MethodHandler
	disconnect    DisconnectHandler

	dispatchCh chan envelope
	readErr    chan error
	closed     atomic.Bool
}

// DialOptions configures the initial connection attempt.
type DialOptions struct {
	// Identity is sent as this process's bus identity on connect.
	Identity string
	// RetryAttempts bounds how many times the initial dial is retried
	// before giving up. Zero means try once, no retry.
	RetryAttempts uint64
	// RetryBaseDelay is the base delay for exponential backoff between
	// dial attempts.
	RetryBaseDelay time.Duration
}

// Dial connects to hubURL, retrying the initial attempt with exponential
// backoff per opts. Once connected, the connection is never automatically
// re-established; a later disconnect is reported via the
// DisconnectHandler and is fatal to the process.
func Dial(ctx context.Context, hubURL string, opts DialOptions) (*WSClient, error) {
	backoff := retry.WithMaxRetries(opts.RetryAttempts, retry.NewExponential(max(opts.RetryBaseDelay, 50*time.Millisecond)))

	var conn *websocket.Conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, _, dialErr := websocket.DefaultDialer.DialContext(ctx, hubURL, nil)
		if dialErr != nil {
			slog.Warn("bus hub dial failed, retrying", "url", hubURL, "error", dialErr)
			return retry.RetryableError(dialErr)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial bus hub %s: %w", hubURL, err)
	}

	identity := opts.Identity
	if identity == "" {
		identity = "anon-" + ulid.Make().String()
	}

	hello := envelope{Type: "hello", Payload: mustMarshal(map[string]string{"identity": identity})}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello to bus hub: %w", err)
	}

	return &WSClient{
		conn:          conn,
		directPending: make(map[uint64]chan Reply),
		streamPending: make(map[uint64]*pendingStream),
		methods:       make(map[string]MethodHandler),
		dispatchCh:    make(chan envelope, 64),
		readErr:       make(chan error, 1),
	}, nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

func methodKey(category, method string) string {
	return category + "/" + method
}

func (c *WSClient) nextCallID() uint64 {
	return atomic.AddUint64(&c.nextID, 1)
}

func (c *WSClient) write(env envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// CallOnce implements BusClient. It blocks the calling goroutine, but since
// replies to it are delivered directly by the reader goroutine rather than
// through dispatchCh, calling it from inside a Pump-driven callback does
// not stall delivery of other frames.
func (c *WSClient) CallOnce(ctx context.Context, serviceURL string, params json.RawMessage) (json.RawMessage, error) {
	id := c.nextCallID()
	replyCh := make(chan Reply, 1)

	c.mu.Lock()
	c.directPending[id] = replyCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.directPending, id)
		c.mu.Unlock()
	}()

	if err := c.write(envelope{ID: id, Type: frameCallOnce, Category: serviceURL, Payload: params}); err != nil {
		return nil, fmt.Errorf("write call: %w", err)
	}

	select {
	case r := <-replyCh:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Payload, nil
	case <-ctx.Done():
		return nil, nil // no reply within timeout: caller treats nil, nil as "no reply"
	}
}

// CallStream implements BusClient.
func (c *WSClient) CallStream(serviceURL string, params json.RawMessage, onReply func(Reply)) CallHandle {
	id := c.nextCallID()

	c.mu.Lock()
	c.streamPending[id] = &pendingStream{onReply: onReply}
	c.mu.Unlock()

	if err := c.write(envelope{ID: id, Type: frameCall, Category: serviceURL, Payload: params}); err != nil {
		onReply(Reply{Err: fmt.Errorf("write call: %w", err)})
	}

	return CallHandle(id)
}

// CallStreamWithFirstReply implements BusClient. It registers id as a
// direct waiter, identically to CallOnce, so its first response bypasses
// dispatchCh and cannot deadlock against the Pump goroutine that may be
// calling it. Once that first reply arrives, id is promoted into
// streamPending for ordinary Pump-driven dispatch of later replies.
func (c *WSClient) CallStreamWithFirstReply(ctx context.Context, serviceURL string, params json.RawMessage, onReply func(Reply)) (CallHandle, json.RawMessage, error) {
	id := c.nextCallID()
	directCh := make(chan Reply, 1)

	c.mu.Lock()
	c.directPending[id] = directCh
	c.mu.Unlock()

	if err := c.write(envelope{ID: id, Type: frameCall, Category: serviceURL, Payload: params}); err != nil {
		c.mu.Lock()
		delete(c.directPending, id)
		c.mu.Unlock()
		return 0, nil, fmt.Errorf("write call: %w", err)
	}

	var first Reply
	select {
	case first = <-directCh:
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.directPending, id)
		c.mu.Unlock()
		_ = c.write(envelope{ID: id, Type: frameCancel})
		return 0, nil, fmt.Errorf("no reply to %s within timeout: %w", serviceURL, ctx.Err())
	}

	if first.Err != nil {
		c.mu.Lock()
		delete(c.directPending, id)
		c.mu.Unlock()
		return 0, nil, first.Err
	}

	c.mu.Lock()
	delete(c.directPending, id)
	c.streamPending[id] = &pendingStream{onReply: onReply}
	c.mu.Unlock()

	return CallHandle(id), first.Payload, nil
}

// Cancel implements BusClient.
func (c *WSClient) Cancel(handle CallHandle) {
	id := uint64(handle)

	c.mu.Lock()
	ps, ok := c.streamPending[id]
	if ok {
		ps.canceled = true
		delete(c.streamPending, id)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	_ = c.write(envelope{ID: id, Type: frameCancel})
}

// RegisterMethod implements BusClient.
func (c *WSClient) RegisterMethod(category, name string, handler MethodHandler) error {
	c.mu.Lock()
	c.methods[methodKey(category, name)] = handler
	c.mu.Unlock()

	return c.write(envelope{Type: frameRegisterMethod, Category: category, Method: name})
}

// SetDisconnectHandler implements BusClient.
func (c *WSClient) SetDisconnectHandler(h DisconnectHandler) {
	c.mu.Lock()
	c.disconnect = h
	c.mu.Unlock()
}

// Pump implements BusClient. The calling goroutine becomes the event loop:
// it serially drains frames the reader goroutine could not deliver
// directly (stream replies and inbound method invocations).
func (c *WSClient) Pump(ctx context.Context, external <-chan func()) error {
	go c.readLoop()

	for {
		select {
		case <-ctx.Done():
			c.conn.Close()
			return ctx.Err()
		case env, ok := <-c.dispatchCh:
			if !ok {
				return <-c.readErr
			}
			switch env.Type {
			case frameResponse:
				c.dispatchStreamResponse(env)
			case frameMethodInvoke:
				c.dispatchMethodInvoke(env)
			default:
				slog.Warn("unrecognized bus frame type", "type", env.Type)
			}
		case fn, ok := <-external:
			if ok {
				fn()
			}
		}
	}
}

// readLoop drains the socket continuously. It never blocks on application
// code: direct CallOnce replies go straight to their waiter, everything
// else queues on dispatchCh for the Pump goroutine.
func (c *WSClient) readLoop() {
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.handleDisconnect()
			c.readErr <- fmt.Errorf("bus hub connection lost: %w", err)
			close(c.dispatchCh)
			return
		}

		if env.Type == frameResponse {
			c.mu.Lock()
			ch, ok := c.directPending[env.ID]
			if ok {
				delete(c.directPending, env.ID)
			}
			c.mu.Unlock()

			if ok {
				select {
				case ch <- Reply{Payload: env.Payload}:
				default:
				}
				continue
			}
		}

		c.dispatchCh <- env
	}
}

func (c *WSClient) dispatchStreamResponse(env envelope) {
	c.mu.Lock()
	ps, ok := c.streamPending[env.ID]
	c.mu.Unlock()

	if !ok || ps.canceled {
		return
	}
	ps.onReply(Reply{Payload: env.Payload})
}

func (c *WSClient) dispatchMethodInvoke(env envelope) {
	c.mu.Lock()
	handler, ok := c.methods[methodKey(env.Category, env.Method)]
	c.mu.Unlock()

	respond := func(resp json.RawMessage) {
		_ = c.write(envelope{ID: env.ID, Type: frameResponse, Payload: resp})
	}

	if !ok {
		respond(json.RawMessage(`{"returnValue":false,"errorCode":1,"errorMessage":"Method removed."}`))
		return
	}

	handler(Request{Category: env.Category, Method: env.Method, Payload: env.Payload, Respond: respond})
}

func (c *WSClient) handleDisconnect() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	h := c.disconnect
	c.mu.Unlock()

	if h != nil {
		h()
	}
}

// Close implements BusClient.
func (c *WSClient) Close() error {
	c.closed.Store(true)
	return c.conn.Close()
}

// Connected implements BusClient.
func (c *WSClient) Connected() bool {
	return !c.closed.Load()
}
