// SPDX-License-Identifier: Apache-2.0

// Package bus implements the transport and call/subscribe semantics of the
// message bus the core and every plugin communicate over, modeled on
// webOS's luna-service2. BusClient is the transport port; BusGateway layers
// the subscription, checkFirstResponse, and method-dispatch semantics that
// the original LunaService class implements directly on top of it.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Reply is a single inbound message correlated to an outstanding call or
// subscription, or an unsolicited method invocation.
type Reply struct {
	// Payload is the raw JSON body of the message.
	Payload json.RawMessage
	// Err is set instead of Payload when the transport itself failed (hub
	// error, disconnect) rather than the remote end returning an
	// application-level error payload.
	Err error
}

// Request is a single method invocation delivered to a method this process
// has registered with RegisterMethod.
type Request struct {
	Category string
	Method   string
	Payload  json.RawMessage
	// Respond sends resp back to the caller. Called at most once.
	Respond func(resp json.RawMessage)
}

// MethodHandler is invoked on the event loop for every inbound Request
// matching a registered category/method pair.
type MethodHandler func(Request)

// DisconnectHandler is invoked once when the transport's connection to the
// bus hub is lost. It does not necessarily run on the goroutine calling
// Pump: WSClient invokes it from its reader goroutine.
type DisconnectHandler func()

// CallHandle identifies an outstanding async call or subscription so it can
// later be canceled.
type CallHandle uint64

// BusClient is the transport port: issuing calls, tracking multi-reply
// subscriptions, and registering the methods this process exposes. All
// handler invocations happen on the goroutine that calls Pump; BusClient
// implementations never call a handler concurrently with another.
type BusClient interface {
	// CallOnce issues a single-reply call and blocks until either the first
	// reply arrives or ctx is done. Ctx is expected to carry a deadline; a
	// context.DeadlineExceeded error maps to the "no reply within timeout"
	// case, not a hub error.
	CallOnce(ctx context.Context, serviceURL string, params json.RawMessage) (json.RawMessage, error)

	// CallStream issues a multi-reply call (plain async call or a
	// subscribe-style call) and delivers every reply to onReply until
	// Cancel is called or the transport disconnects. onReply runs on the
	// goroutine driving Pump.
	CallStream(serviceURL string, params json.RawMessage, onReply func(Reply)) CallHandle

	// CallStreamWithFirstReply is CallStream, but blocks the caller until
	// the first reply arrives (or ctx is done), returning that reply
	// directly instead of through onReply. Subsequent replies go to
	// onReply exactly as with CallStream. This exists for the
	// checkFirstResponse pattern: it lets a subscribe call be inspected
	// synchronously before the caller commits to it, without the wait
	// stalling delivery of other frames, even when called from inside a
	// handler already running on the Pump goroutine.
	CallStreamWithFirstReply(ctx context.Context, serviceURL string, params json.RawMessage, onReply func(Reply)) (CallHandle, json.RawMessage, error)

	// Cancel stops delivering replies for handle and releases its
	// resources. Safe to call more than once; the second call is a no-op.
	Cancel(handle CallHandle)

	// RegisterMethod exposes a method at category/name. Registering the
	// same category/name pair again replaces the handler.
	RegisterMethod(category, name string, handler MethodHandler) error

	// SetDisconnectHandler installs the callback invoked when the
	// connection to the hub is lost. There is only ever one.
	SetDisconnectHandler(DisconnectHandler)

	// Pump runs the client's receive loop until ctx is done or the
	// connection drops. It is the single goroutine from which every reply
	// handler and MethodHandler registered on this client is invoked (the
	// DisconnectHandler is the exception, see its doc); callers must not
	// call other BusClient methods
	// concurrently with Pump except Cancel and CallOnce with its own ctx.
	//
	// external is drained on the same goroutine, interleaved with bus
	// frames: a caller with other serialized work to run on this event
	// loop (a timer wheel, for instance) posts closures there instead of
	// spinning up a competing goroutine. A nil channel is fine; it is
	// simply never selected.
	Pump(ctx context.Context, external <-chan func()) error

	// Close releases the underlying connection.
	Close() error

	// Connected reports whether the transport currently holds a live
	// connection to the bus hub. Goes false the moment a disconnect is
	// detected, before DisconnectHandler runs.
	Connected() bool
}

// defaultCallTimeout is used by BusGateway when a caller specifies zero.
const defaultCallTimeout = 1000 * time.Millisecond
