package sample

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	monitorplugin "github.com/webos-ports/event-monitor/pkg/plugin"
)

// fakeManager records every call a Plugin makes against monitorplugin.Manager
// without touching a real bus or event loop.
type fakeManager struct {
	toasts      []string
	alerts      map[string]bool
	timers      map[string]monitorplugin.TimeoutCallback
	methods     map[string]monitorplugin.MethodHandler
	subscribes  map[string]monitorplugin.SubscribeCallback
	unloaded    bool
	locale      string
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		alerts:     make(map[string]bool),
		timers:     make(map[string]monitorplugin.TimeoutCallback),
		methods:    make(map[string]monitorplugin.MethodHandler),
		subscribes: make(map[string]monitorplugin.SubscribeCallback),
	}
}

func (f *fakeManager) UILocale() string                 { return f.locale }
func (f *fakeManager) LocaleInfo() json.RawMessage       { return json.RawMessage(`{}`) }
func (f *fakeManager) UnloadPlugin()                    { f.unloaded = true }
func (f *fakeManager) LunaCall(string, any, int) (json.RawMessage, error) { return nil, nil }
func (f *fakeManager) LunaCallAsync(string, any, monitorplugin.CallCallback) {}

func (f *fakeManager) SubscribeToMethod(id, _ string, _ any, cb monitorplugin.SubscribeCallback, _ json.RawMessage) error {
	f.subscribes[id] = cb
	return nil
}

func (f *fakeManager) UnsubscribeFromMethod(id string) bool {
	_, ok := f.subscribes[id]
	delete(f.subscribes, id)
	return ok
}

func (f *fakeManager) SubscribeToSignal(id, _, _ string, cb monitorplugin.SubscribeCallback, _ json.RawMessage) error {
	f.subscribes[id] = cb
	return nil
}

func (f *fakeManager) UnsubscribeFromSignal(id string) bool { return f.UnsubscribeFromMethod(id) }

func (f *fakeManager) SetTimeout(id string, _ uint, _ bool, cb monitorplugin.TimeoutCallback) {
	f.timers[id] = cb
}

func (f *fakeManager) CancelTimeout(id string) bool {
	_, ok := f.timers[id]
	delete(f.timers, id)
	return ok
}

func (f *fakeManager) RegisterMethod(category, name string, handler monitorplugin.MethodHandler, _ json.RawMessage) (string, error) {
	f.methods[category+"/"+name] = handler
	return "luna://com.example.eventmonitor" + category + "/" + name, nil
}

func (f *fakeManager) CreateToast(message, _ string, _ any) { f.toasts = append(f.toasts, message) }

func (f *fakeManager) CreateAlert(alertID, _, _ string, _ bool, _ string, _, _ any) error {
	f.alerts[alertID] = true
	return nil
}

func (f *fakeManager) CloseAlert(alertID string) bool {
	ok := f.alerts[alertID]
	delete(f.alerts, alertID)
	return ok
}

var _ monitorplugin.Manager = (*fakeManager)(nil)

func TestPlugin_StartMonitoring_RegistersMethodAndSubscriptions(t *testing.T) {
	mgr := newFakeManager()
	p, err := New(mgr)
	require.NoError(t, err)

	p.(*Plugin).StartMonitoring()

	assert.Contains(t, mgr.methods, "/sample/getEvents")
	assert.Contains(t, mgr.subscribes, "foregroundApp")
	assert.Contains(t, mgr.subscribes, "batteryStatus")
	assert.Contains(t, mgr.timers, "startAlert")
	assert.NotEmpty(t, mgr.toasts)
}

func TestPlugin_StartAlertTimer_CreatesAlertAndCloseTimer(t *testing.T) {
	mgr := newFakeManager()
	p, err := New(mgr)
	require.NoError(t, err)
	plugin := p.(*Plugin)

	plugin.StartMonitoring()
	mgr.timers["startAlert"]("startAlert")

	assert.True(t, mgr.alerts["question"])
	assert.Contains(t, mgr.timers, "closeQuestion")
	assert.Contains(t, mgr.methods, "/sample/action")
}

func TestPlugin_Action_ClosesAlertOnCloseButton(t *testing.T) {
	mgr := newFakeManager()
	p, err := New(mgr)
	require.NoError(t, err)
	plugin := p.(*Plugin)

	plugin.StartMonitoring()
	mgr.timers["startAlert"]("startAlert")
	delete(mgr.timers, "startAlert") // a fired one-shot timer is no longer active

	resp, callErr := plugin.action(json.RawMessage(`{"close":true}`))
	require.NoError(t, callErr)
	assert.Equal(t, map[string]bool{"returnValue": true}, resp)
	assert.NotContains(t, mgr.timers, "closeQuestion")
	assert.NotContains(t, mgr.timers, "startAlert")
}

func TestPlugin_Action_ReopensAlertWhenNotClosed(t *testing.T) {
	mgr := newFakeManager()
	p, err := New(mgr)
	require.NoError(t, err)
	plugin := p.(*Plugin)

	plugin.StartMonitoring()
	mgr.timers["startAlert"]("startAlert")
	delete(mgr.timers, "startAlert")

	_, callErr := plugin.action(json.RawMessage(`{"close":false,"toast":"hi"}`))
	require.NoError(t, callErr)
	assert.Contains(t, mgr.toasts, "Button said hi")
	assert.Contains(t, mgr.timers, "startAlert")
}

func TestPlugin_ForegroundAppCallback_TogglesEventsFlag(t *testing.T) {
	mgr := newFakeManager()
	p, err := New(mgr)
	require.NoError(t, err)
	plugin := p.(*Plugin)

	plugin.foregroundAppCallback(nil, json.RawMessage(`{"appId":"com.example.first"}`))
	assert.True(t, plugin.subscribedMethod)

	events, callErr := plugin.getEvents(nil)
	require.NoError(t, callErr)
	assert.True(t, events.(map[string]any)["subscribedMethod"].(bool))
}

func TestPlugin_BatteryStatusCallback_TogglesSignalFlagAndToasts(t *testing.T) {
	mgr := newFakeManager()
	p, err := New(mgr)
	require.NoError(t, err)
	plugin := p.(*Plugin)

	plugin.batteryStatusCallback(nil, json.RawMessage(`{"percent":42}`))

	assert.True(t, plugin.subscribedSignal)
	assert.Contains(t, mgr.toasts, "Battery status update: percent 42")
	assert.Contains(t, mgr.timers, "unsubscribeTimer")
}

func TestPlugin_UnsubscribeTimer_ClearsSubscriptionsAndFlags(t *testing.T) {
	mgr := newFakeManager()
	p, err := New(mgr)
	require.NoError(t, err)
	plugin := p.(*Plugin)

	plugin.StartMonitoring()
	plugin.batteryStatusCallback(nil, json.RawMessage(`{"percent":42}`)) // arms unsubscribeTimer
	plugin.subscribedMethod = true
	plugin.subscribedSignal = true
	mgr.timers["unsubscribeTimer"]("unsubscribeTimer")

	assert.False(t, plugin.subscribedMethod)
	assert.False(t, plugin.subscribedSignal)
	assert.True(t, plugin.unsubscribed)
}

func TestPlugin_StopMonitoring_DefersUnload(t *testing.T) {
	mgr := newFakeManager()
	p, err := New(mgr)
	require.NoError(t, err)
	plugin := p.(*Plugin)

	result := plugin.StopMonitoring("com.webos.applicationManager")

	assert.Equal(t, monitorplugin.UnloadCancel, result)
	assert.Contains(t, mgr.timers, "unloadTimeout")

	mgr.timers["unloadTimeout"]("unloadTimeout")
	assert.True(t, mgr.unloaded)
}

func TestPlugin_UILocaleChanged_Toasts(t *testing.T) {
	mgr := newFakeManager()
	p, err := New(mgr)
	require.NoError(t, err)

	p.(*Plugin).UILocaleChanged("en-US")

	assert.Contains(t, mgr.toasts, "Locale set to en-US")
}
