package plugin

import (
	"context"
	"encoding/json"

	"github.com/webos-ports/event-monitor/internal/bus"
	monitorplugin "github.com/webos-ports/event-monitor/pkg/plugin"
)

// fakeBus is an in-memory bus.BusClient stand-in, letting adapter, manager,
// and service monitor tests drive subscription replies and method calls
// without a real socket.
type fakeBus struct {
	nextHandle      bus.CallHandle
	onReply         map[bus.CallHandle]func(bus.Reply)
	canceled        map[bus.CallHandle]bool
	registered      map[string]bus.MethodHandler
	firstReplyQueue []json.RawMessage
	firstErr        error
	callOnceResp    json.RawMessage
	callOnceErr     error
	connected       bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		onReply:    make(map[bus.CallHandle]func(bus.Reply)),
		canceled:   make(map[bus.CallHandle]bool),
		registered: make(map[string]bus.MethodHandler),
		connected:  true,
	}
}

func (f *fakeBus) CallOnce(context.Context, string, json.RawMessage) (json.RawMessage, error) {
	return f.callOnceResp, f.callOnceErr
}

func (f *fakeBus) CallStream(_ string, _ json.RawMessage, onReply func(bus.Reply)) bus.CallHandle {
	f.nextHandle++
	f.onReply[f.nextHandle] = onReply
	return f.nextHandle
}

func (f *fakeBus) CallStreamWithFirstReply(_ context.Context, _ string, _ json.RawMessage, onReply func(bus.Reply)) (bus.CallHandle, json.RawMessage, error) {
	if f.firstErr != nil {
		return 0, nil, f.firstErr
	}
	f.nextHandle++
	f.onReply[f.nextHandle] = onReply

	var first json.RawMessage
	if len(f.firstReplyQueue) > 0 {
		first = f.firstReplyQueue[0]
		f.firstReplyQueue = f.firstReplyQueue[1:]
	}
	return f.nextHandle, first, nil
}

func (f *fakeBus) Cancel(h bus.CallHandle) {
	f.canceled[h] = true
	delete(f.onReply, h)
}

func (f *fakeBus) RegisterMethod(category, name string, handler bus.MethodHandler) error {
	f.registered[category+"/"+name] = handler
	return nil
}

func (f *fakeBus) SetDisconnectHandler(bus.DisconnectHandler) {}

func (f *fakeBus) Pump(context.Context, <-chan func()) error { return nil }

func (f *fakeBus) Close() error { return nil }

func (f *fakeBus) Connected() bool { return f.connected }

func (f *fakeBus) deliver(h bus.CallHandle, r bus.Reply) {
	if fn, ok := f.onReply[h]; ok {
		fn(r)
	}
}

func (f *fakeBus) invokeMethod(category, name string, payload json.RawMessage) json.RawMessage {
	var resp json.RawMessage
	f.registered[category+"/"+name](bus.Request{
		Category: category,
		Method:   name,
		Payload:  payload,
		Respond:  func(r json.RawMessage) { resp = r },
	})
	return resp
}

// fakePlugin is an in-memory pkg/plugin.Plugin stand-in recording every
// lifecycle call it receives.
type fakePlugin struct {
	started       int
	stopped       []string
	stopResult    monitorplugin.UnloadResult
	localeChanges []string
	closed        int
	panicOnStart  bool
}

func (p *fakePlugin) StartMonitoring() {
	p.started++
	if p.panicOnStart {
		panic("boom")
	}
}

func (p *fakePlugin) StopMonitoring(service string) monitorplugin.UnloadResult {
	p.stopped = append(p.stopped, service)
	return p.stopResult
}

func (p *fakePlugin) UILocaleChanged(locale string) {
	p.localeChanges = append(p.localeChanges, locale)
}

func (p *fakePlugin) Close() { p.closed++ }

var (
	_ bus.BusClient        = (*fakeBus)(nil)
	_ monitorplugin.Plugin = (*fakePlugin)(nil)
)
