package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webos-ports/event-monitor/pkg/errutil"
)

// fakeClient is an in-memory BusClient stand-in for exercising Gateway's
// subscription, checkFirstResponse, and method-dispatch logic without a
// real socket.
type fakeClient struct {
	nextHandle   CallHandle
	streamReply  map[CallHandle]func(Reply)
	firstReplies []json.RawMessage
	firstErr     error
	registered   map[string]MethodHandler
	canceled     map[CallHandle]bool
	callOnceResp json.RawMessage
	callOnceErr  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		streamReply: make(map[CallHandle]func(Reply)),
		registered:  make(map[string]MethodHandler),
		canceled:    make(map[CallHandle]bool),
	}
}

func (f *fakeClient) CallOnce(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return f.callOnceResp, f.callOnceErr
}

func (f *fakeClient) CallStream(_ string, _ json.RawMessage, onReply func(Reply)) CallHandle {
	f.nextHandle++
	f.streamReply[f.nextHandle] = onReply
	return f.nextHandle
}

func (f *fakeClient) CallStreamWithFirstReply(_ context.Context, _ string, _ json.RawMessage, onReply func(Reply)) (CallHandle, json.RawMessage, error) {
	if f.firstErr != nil {
		return 0, nil, f.firstErr
	}
	f.nextHandle++
	f.streamReply[f.nextHandle] = onReply
	var first json.RawMessage
	if len(f.firstReplies) > 0 {
		first = f.firstReplies[0]
		f.firstReplies = f.firstReplies[1:]
	}
	return f.nextHandle, first, nil
}

func (f *fakeClient) Cancel(handle CallHandle) {
	f.canceled[handle] = true
	delete(f.streamReply, handle)
}

func (f *fakeClient) RegisterMethod(category, name string, handler MethodHandler) error {
	f.registered[methodKey(category, name)] = handler
	return nil
}

func (f *fakeClient) SetDisconnectHandler(DisconnectHandler) {}

func (f *fakeClient) Pump(context.Context, <-chan func()) error { return nil }

func (f *fakeClient) Close() error { return nil }

func (f *fakeClient) Connected() bool { return true }

func (f *fakeClient) deliver(h CallHandle, r Reply) {
	if fn, ok := f.streamReply[h]; ok {
		fn(r)
	}
}

func (f *fakeClient) invokeMethod(category, name string, payload json.RawMessage) json.RawMessage {
	var resp json.RawMessage
	f.registered[methodKey(category, name)](Request{
		Category: category,
		Method:   name,
		Payload:  payload,
		Respond:  func(r json.RawMessage) { resp = r },
	})
	return resp
}

func TestGateway_Call_ReturnsClientReply(t *testing.T) {
	fc := newFakeClient()
	fc.callOnceResp = json.RawMessage(`{"ok":true}`)
	g := NewGateway(fc)

	reply, err := g.Call(context.Background(), "luna://x/y", nil, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(reply))
}

func TestGateway_CallAsync_CancelsAfterFirstReply(t *testing.T) {
	fc := newFakeClient()
	g := NewGateway(fc)

	var got json.RawMessage
	g.CallAsync("sample", "luna://x/y", nil, func(r json.RawMessage) { got = r })

	fc.deliver(1, Reply{Payload: json.RawMessage(`{"v":1}`)})
	assert.JSONEq(t, `{"v":1}`, string(got))
	assert.True(t, fc.canceled[1])
}

func TestGateway_CallAsync_CleanupOwnerCancelsInFlightCall(t *testing.T) {
	fc := newFakeClient()
	g := NewGateway(fc)

	called := false
	g.CallAsync("sample", "luna://x/y", nil, func(r json.RawMessage) { called = true })

	g.CleanupOwner("sample")
	assert.True(t, fc.canceled[1])

	fc.deliver(1, Reply{Payload: json.RawMessage(`{"v":1}`)})
	assert.False(t, called, "callback must not run after its owner was cleaned up")
}

func TestGateway_Subscribe_CheckFirstResponseSuccess(t *testing.T) {
	fc := newFakeClient()
	fc.firstReplies = []json.RawMessage{json.RawMessage(`{"returnValue":true}`)}
	g := NewGateway(fc)

	var calls int
	err := g.Subscribe(context.Background(), "sample", "sub1", "luna://x/y", nil, func(prev, cur json.RawMessage) { calls++ }, nil, true)
	require.NoError(t, err)

	fc.deliver(1, Reply{Payload: json.RawMessage(`{"state":1}`)})
	assert.Equal(t, 1, calls)
}

func TestGateway_Subscribe_CheckFirstResponseFailureRejectsSubscription(t *testing.T) {
	fc := newFakeClient()
	fc.firstReplies = []json.RawMessage{json.RawMessage(`{"returnValue":false}`)}
	g := NewGateway(fc)

	err := g.Subscribe(context.Background(), "sample", "sub1", "luna://x/y", nil, nil, nil, true)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, errutil.CodeTransportError)
	assert.True(t, fc.canceled[1])
}

func TestGateway_Subscribe_ReusingIDCancelsPrevious(t *testing.T) {
	fc := newFakeClient()
	g := NewGateway(fc)

	require.NoError(t, g.Subscribe(context.Background(), "sample", "sub1", "luna://x/y", nil, nil, nil, false))
	require.NoError(t, g.Subscribe(context.Background(), "sample", "sub1", "luna://x/z", nil, nil, nil, false))

	assert.True(t, fc.canceled[1])
	assert.False(t, fc.canceled[2])
}

func TestGateway_Subscribe_DeliversPreviousAndCurrent(t *testing.T) {
	fc := newFakeClient()
	g := NewGateway(fc)

	var gotPrev, gotCur json.RawMessage
	require.NoError(t, g.Subscribe(context.Background(), "sample", "sub1", "luna://x/y", nil, func(prev, cur json.RawMessage) {
		gotPrev, gotCur = prev, cur
	}, nil, false))

	fc.deliver(1, Reply{Payload: json.RawMessage(`{"v":1}`)})
	assert.Nil(t, gotPrev)
	assert.JSONEq(t, `{"v":1}`, string(gotCur))

	fc.deliver(1, Reply{Payload: json.RawMessage(`{"v":2}`)})
	assert.JSONEq(t, `{"v":1}`, string(gotPrev))
	assert.JSONEq(t, `{"v":2}`, string(gotCur))
}

func TestGateway_Subscribe_SchemaViolationDropsReply(t *testing.T) {
	fc := newFakeClient()
	g := NewGateway(fc)
	schema := json.RawMessage(`{"type":"object","required":["v"]}`)

	var calls int
	require.NoError(t, g.Subscribe(context.Background(), "sample", "sub1", "luna://x/y", nil, func(prev, cur json.RawMessage) { calls++ }, schema, false))

	fc.deliver(1, Reply{Payload: json.RawMessage(`{"other":1}`)})
	assert.Equal(t, 0, calls)

	fc.deliver(1, Reply{Payload: json.RawMessage(`{"v":1}`)})
	assert.Equal(t, 1, calls)
}

func TestGateway_Unsubscribe(t *testing.T) {
	fc := newFakeClient()
	g := NewGateway(fc)

	require.NoError(t, g.Subscribe(context.Background(), "sample", "sub1", "luna://x/y", nil, nil, nil, false))
	assert.True(t, g.Unsubscribe("sample", "sub1"))
	assert.True(t, fc.canceled[1])
	assert.False(t, g.Unsubscribe("sample", "sub1"))
}

func TestGateway_RegisterMethod_ValidatesPayload(t *testing.T) {
	fc := newFakeClient()
	g := NewGateway(fc)
	schema := json.RawMessage(`{"type":"object","required":["name"]}`)

	require.NoError(t, g.RegisterMethod("sample", "/status", "get", func(params json.RawMessage) (any, error) {
		return map[string]any{"returnValue": true}, nil
	}, schema))

	resp := fc.invokeMethod("/status", "get", json.RawMessage(`{}`))
	assert.JSONEq(t, schemaValidationFailedResponse, string(resp))

	resp = fc.invokeMethod("/status", "get", json.RawMessage(`{"name":"x"}`))
	assert.JSONEq(t, `{"returnValue":true}`, string(resp))
}

func TestGateway_RegisterMethod_RejectsCrossPluginOverride(t *testing.T) {
	fc := newFakeClient()
	g := NewGateway(fc)

	require.NoError(t, g.RegisterMethod("sample", "/status", "get", func(json.RawMessage) (any, error) {
		return map[string]any{}, nil
	}, nil))

	err := g.RegisterMethod("other", "/status", "get", func(json.RawMessage) (any, error) {
		return map[string]any{}, nil
	}, nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, errutil.CodePolicyError)
	errutil.AssertErrorContext(t, err, "owner", "sample")
}

func TestGateway_CleanupOwner_RemovedMethodAnswersMethodRemoved(t *testing.T) {
	fc := newFakeClient()
	g := NewGateway(fc)

	require.NoError(t, g.Subscribe(context.Background(), "sample", "sub1", "luna://x/y", nil, nil, nil, false))
	require.NoError(t, g.RegisterMethod("sample", "/status", "get", func(json.RawMessage) (any, error) {
		return map[string]any{}, nil
	}, nil))

	g.CleanupOwner("sample")

	assert.True(t, fc.canceled[1])
	resp := fc.invokeMethod("/status", "get", json.RawMessage(`{}`))
	assert.JSONEq(t, methodRemovedResponse, string(resp))
}
