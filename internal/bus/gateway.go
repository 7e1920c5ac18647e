// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/webos-ports/event-monitor/internal/observability"
	"github.com/webos-ports/event-monitor/pkg/errutil"
)

var tracer = otel.Tracer("eventmonitor/bus")

// SubscribeCallback receives replies to a subscribed method or signal.
// previous is nil on the first delivery for a given subscription.
type SubscribeCallback func(previous, current json.RawMessage)

// CallCallback receives the single reply to an async call.
type CallCallback func(response json.RawMessage)

// gatewayMethodHandler handles an inbound bus call against a method this
// gateway registered on behalf of owner. It returns the JSON value to send
// back.
type gatewayMethodHandler func(params json.RawMessage) (any, error)

const (
	methodRemovedResponse         = `{"returnValue":false,"errorCode":1,"errorMessage":"Method removed."}`
	schemaValidationFailedResponse = `{"returnValue":false,"errorCode":2,"errorMessage":"Failed to validate request against schema"}`
)

// subKey identifies a subscription by owner (the plugin identity that
// created it) and the caller-chosen subscription id, matching the
// subscription-id reuse semantics pkg/plugin.Manager documents.
type subKey struct {
	owner string
	id    string
}

type subscriptionState struct {
	handle   CallHandle
	schema   *jschema.Schema
	cb       SubscribeCallback
	previous json.RawMessage
	counter  int

	// oneShot marks a subscriptionState created by CallAsync: it is removed
	// from subs and its handle is canceled as soon as its first reply
	// arrives, rather than staying registered until Unsubscribe/CleanupOwner.
	oneShot bool
}

type methodState struct {
	owner   string
	schema  *jschema.Schema
	handler gatewayMethodHandler
}

// Gateway layers call, subscribe, and method-registration semantics on top
// of a BusClient, matching the behavior of the original LunaService class:
// subscribe calls set {"subscribe":true} on their params, a
// checkFirstResponse subscribe validates returnValue on the first reply
// before committing to the subscription, and every registered method's
// request payload is validated against its schema before the handler runs.
type Gateway struct {
	client BusClient

	mu       sync.Mutex
	subs     map[subKey]*subscriptionState
	methods  map[string]*methodState // keyed by category+"/"+name
	asyncSeq uint64
}

// NewGateway creates a Gateway on top of client. It takes over client's
// registered-method dispatch: callers must not call client.RegisterMethod
// directly once a Gateway wraps it.
func NewGateway(client BusClient) *Gateway {
	return &Gateway{
		client:  client,
		subs:    make(map[subKey]*subscriptionState),
		methods: make(map[string]*methodState),
	}
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return json.RawMessage(`{}`)
	}
	b, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	var probe any
	if json.Unmarshal(b, &probe) == nil {
		if _, ok := probe.(map[string]any); !ok {
			return json.RawMessage(`{}`)
		}
	}
	return b
}

func withSubscribeFlag(params json.RawMessage) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(params, &m); err != nil || m == nil {
		m = map[string]any{}
	}
	m["subscribe"] = true
	b, err := json.Marshal(m)
	if err != nil {
		return json.RawMessage(`{"subscribe":true}`)
	}
	return b
}

// Call issues a synchronous call and blocks until either a reply arrives
// or timeoutMS elapses. Zero timeoutMS selects the default of 1000ms. A nil
// return with a nil error means no reply arrived within the timeout.
func (g *Gateway) Call(ctx context.Context, serviceURL string, params any, timeoutMS int) (json.RawMessage, error) {
	observability.RecordBusCall(methodNameFromURL(serviceURL))
	ctx, span := tracer.Start(ctx, "bus.call", trace.WithAttributes(
		attribute.String("bus.service_url", serviceURL),
	))
	defer span.End()

	timeout := defaultCallTimeout
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := g.client.CallOnce(ctx, serviceURL, marshalParams(params))
	if err != nil {
		code := errutil.CodeTransportError
		if errors.Is(err, context.DeadlineExceeded) {
			code = errutil.CodeTimeout
		}
		wrapped := oops.Code(code).With("service_url", serviceURL).Wrap(err)
		errutil.LogError(slog.Default(), "bus call failed", wrapped)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}
	return reply, nil
}

// CallAsync issues a fire-and-forget call when cb is nil, or a single-reply
// call otherwise, registered under owner so CleanupOwner can cancel it if
// owner is torn down before the reply arrives. The registration is removed
// and its handle canceled as soon as the first reply arrives, whether or
// not cb is nil; if no reply ever arrives it stays until CleanupOwner.
func (g *Gateway) CallAsync(owner, serviceURL string, params any, cb CallCallback) {
	observability.RecordBusCall(methodNameFromURL(serviceURL))

	g.mu.Lock()
	g.asyncSeq++
	key := subKey{owner: owner, id: fmt.Sprintf("async-%d", g.asyncSeq)}
	g.mu.Unlock()

	state := &subscriptionState{oneShot: true}
	if cb != nil {
		state.cb = func(_, current json.RawMessage) { cb(current) }
	}

	state.handle = g.client.CallStream(serviceURL, marshalParams(params), func(r Reply) {
		g.handleSubscriptionReply(key, r)
	})

	g.mu.Lock()
	g.subs[key] = state
	g.mu.Unlock()
}

// Subscribe creates or replaces the subscription owned by (owner, id).
// Replacing first cancels the existing subscription under that key. If
// checkFirstResponse is true, the first reply's returnValue is inspected
// synchronously (bounded to 1000ms) before the subscription is committed;
// a missing or false returnValue fails the call and nothing is registered.
func (g *Gateway) Subscribe(ctx context.Context, owner, id, serviceURL string, params any, cb SubscribeCallback, schemaJSON json.RawMessage, checkFirstResponse bool) error {
	observability.RecordBusCall(methodNameFromURL(serviceURL))
	g.Unsubscribe(owner, id)

	sch, err := compilePayloadSchema(schemaJSON)
	if err != nil {
		return oops.Code(errutil.CodeSchemaError).With("service_url", serviceURL).Wrapf(err, "compile subscription schema")
	}

	key := subKey{owner: owner, id: id}
	state := &subscriptionState{schema: sch, cb: cb}

	onReply := func(r Reply) {
		g.handleSubscriptionReply(key, r)
	}

	paramsJSON := withSubscribeFlag(marshalParams(params))

	if checkFirstResponse {
		waitCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()

		handle, first, err := g.client.CallStreamWithFirstReply(waitCtx, serviceURL, paramsJSON, onReply)
		if err != nil {
			code := errutil.CodeTransportError
			if errors.Is(err, context.DeadlineExceeded) {
				code = errutil.CodeTimeout
			}
			return oops.Code(code).With("service_url", serviceURL).Wrapf(err, "subscribe")
		}
		if ok, failErr := firstResponseOK(first); failErr != nil || !ok {
			g.client.Cancel(handle)
			if failErr != nil {
				return oops.Code(errutil.CodeSchemaError).With("service_url", serviceURL).Wrapf(failErr, "subscribe first response")
			}
			return oops.Code(errutil.CodeTransportError).With("service_url", serviceURL).Errorf("subscribe: first response failed")
		}
		state.handle = handle
	} else {
		state.handle = g.client.CallStream(serviceURL, paramsJSON, onReply)
	}

	g.mu.Lock()
	g.subs[key] = state
	g.mu.Unlock()
	return nil
}

// firstResponseOK parses a subscribe call's first reply without running it
// through the subscription schema, mirroring the original: the first reply
// is frequently shaped differently from later subscription updates.
func firstResponseOK(payload json.RawMessage) (bool, error) {
	var v struct {
		ReturnValue *bool `json:"returnValue"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return false, oops.Code(errutil.CodeSchemaError).Wrapf(err, "parse first response")
	}
	if v.ReturnValue == nil {
		return false, oops.Code(errutil.CodeSchemaError).Errorf("first response missing returnValue")
	}
	return *v.ReturnValue, nil
}

func (g *Gateway) handleSubscriptionReply(key subKey, r Reply) {
	g.mu.Lock()
	state, ok := g.subs[key]
	if ok && state.oneShot {
		delete(g.subs, key)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	if state.oneShot {
		g.client.Cancel(state.handle)
	}

	if r.Err != nil {
		wrapped := oops.Code(errutil.CodeTransportError).With("owner", key.owner).With("id", key.id).Wrapf(r.Err, "bus hub error on subscription, canceling")
		errutil.LogError(slog.Default(), "bus hub error on subscription", wrapped)
		if !state.oneShot {
			g.Unsubscribe(key.owner, key.id)
		}
		return
	}

	if err := validatePayload(state.schema, r.Payload); err != nil {
		wrapped := oops.Code(errutil.CodeSchemaError).With("owner", key.owner).With("id", key.id).Wrapf(err, "subscription reply failed schema validation")
		errutil.LogError(slog.Default(), "subscription reply failed schema validation", wrapped)
		return
	}

	g.mu.Lock()
	previous := state.previous
	state.previous = r.Payload
	state.counter++
	g.mu.Unlock()

	if state.cb != nil {
		// Callback runs last: it may unsubscribe or otherwise mutate state
		// this same reply is about to finish touching.
		state.cb(previous, r.Payload)
	}
}

// Unsubscribe cancels the subscription owned by (owner, id). Returns
// whether one was present.
func (g *Gateway) Unsubscribe(owner, id string) bool {
	key := subKey{owner: owner, id: id}

	g.mu.Lock()
	state, ok := g.subs[key]
	if ok {
		delete(g.subs, key)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	g.client.Cancel(state.handle)
	return true
}

// RegisterMethod publishes a method at category/name on behalf of owner.
// Every inbound call has its payload validated against schema before
// handler runs; a validation failure never reaches handler.
func (g *Gateway) RegisterMethod(owner, category, name string, handler gatewayMethodHandler, schemaJSON json.RawMessage) error {
	sch, err := compilePayloadSchema(schemaJSON)
	if err != nil {
		return oops.Code(errutil.CodeSchemaError).With("method", methodKey(category, name)).Wrapf(err, "compile method schema")
	}

	key := methodKey(category, name)

	g.mu.Lock()
	if existing, ok := g.methods[key]; ok && existing.owner != owner {
		g.mu.Unlock()
		return oops.Code(errutil.CodePolicyError).With("method", key).With("owner", existing.owner).Errorf("method %s already registered by a different plugin", key)
	}
	g.methods[key] = &methodState{owner: owner, schema: sch, handler: handler}
	g.mu.Unlock()

	return g.client.RegisterMethod(category, name, func(req Request) {
		g.dispatchMethod(key, req)
	})
}

func (g *Gateway) dispatchMethod(key string, req Request) {
	g.mu.Lock()
	state, ok := g.methods[key]
	g.mu.Unlock()

	if !ok || state.handler == nil {
		req.Respond(json.RawMessage(methodRemovedResponse))
		return
	}

	if err := validatePayload(state.schema, req.Payload); err != nil {
		req.Respond(json.RawMessage(schemaValidationFailedResponse))
		return
	}

	result, err := state.handler(req.Payload)
	if err != nil {
		resp, _ := json.Marshal(map[string]any{"returnValue": false, "errorMessage": err.Error()})
		req.Respond(resp)
		return
	}
	resp, err := json.Marshal(result)
	if err != nil {
		resp = json.RawMessage(`{"returnValue":false,"errorMessage":"failed to encode response"}`)
	}
	req.Respond(resp)
}

// CleanupOwner cancels every subscription owned by owner and detaches
// owner's registered methods. A detached method keeps its bus registration
// but answers every future call with "Method removed.", exactly like the
// original: methods cannot be unregistered from the hub, only orphaned.
func (g *Gateway) CleanupOwner(owner string) {
	g.mu.Lock()
	var toCancel []CallHandle
	for key, state := range g.subs {
		if key.owner == owner {
			toCancel = append(toCancel, state.handle)
			delete(g.subs, key)
		}
	}
	for key, state := range g.methods {
		if state.owner == owner {
			g.methods[key] = &methodState{}
		}
	}
	g.mu.Unlock()

	for _, h := range toCancel {
		g.client.Cancel(h)
	}
}

// methodNameFromURL returns the last path segment of a luna:// service URL
// for use as a low-cardinality metric label, falling back to the whole
// string if it doesn't look like one.
func methodNameFromURL(serviceURL string) string {
	if i := strings.LastIndexByte(serviceURL, '/'); i >= 0 && i+1 < len(serviceURL) {
		return serviceURL[i+1:]
	}
	return serviceURL
}
