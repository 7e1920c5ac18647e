// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/webos-ports/event-monitor/internal/bus"
	"github.com/webos-ports/event-monitor/internal/observability"
	"github.com/webos-ports/event-monitor/internal/plugin/policy"
	"github.com/webos-ports/event-monitor/pkg/errutil"
	monitorplugin "github.com/webos-ports/event-monitor/pkg/plugin"
)

// PluginAdapter is the per-plugin boundary between the core and one loaded
// Plugin instance: it implements pkg/plugin.Manager, enforces the
// required_services subscription policy, and owns the plugin's
// subscriptions, registered methods, timers, and alerts so they can all be
// torn down together. Every method here runs only on the PluginManager's
// EventLoop goroutine.
type PluginAdapter struct {
	manager    *PluginManager
	descriptor *Descriptor
	gateway    *bus.Gateway
	policy     *policy.Enforcer
	timers     *Timers

	instance       monitorplugin.Plugin
	needUnload     bool
	unloadNotified bool
	alerts         map[string]string // alertID -> notification service's internal alert id
}

func newPluginAdapter(m *PluginManager, d *Descriptor) *PluginAdapter {
	return &PluginAdapter{
		manager:    m,
		descriptor: d,
		gateway:    m.gateway,
		policy:     m.policy,
		timers:     NewTimers(m.loop),
		alerts:     make(map[string]string),
	}
}

// safeCall runs fn, recovering a panic raised by plugin code. A panic is
// treated exactly like the exceptions the original implementation caught
// around every plugin entry point: log it and unload the plugin.
func (a *PluginAdapter) safeCall(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := oops.Code(errutil.CodePluginException).
				With("plugin", a.descriptor.Identity).
				With("op", op).
				Errorf("plugin callback panicked: %v", r)
			errutil.LogError(slog.Default(), "plugin callback panicked", err)
			observability.RecordPluginDispatchFailure(a.descriptor.Identity)
			a.unloadPlugin()
		}
	}()
	fn()
}

// pluginLoaded is called once with a non-nil instance when the plugin is
// first instantiated, and with nil on every later pass through
// PluginManager.LoadPlugin while the plugin is already active (its
// required services are already satisfied; nothing to do unless the
// plugin previously asked to be unloaded and hasn't finished yet).
func (a *PluginAdapter) pluginLoaded(instance monitorplugin.Plugin) {
	if instance != nil {
		a.instance = instance
		a.unloadNotified = true
	} else if !a.unloadNotified {
		return
	}
	a.unloadNotified = false

	a.safeCall("StartMonitoring", func() { a.instance.StartMonitoring() })
}

// notifyLocaleChanged forwards a UI locale change. A no-op before the
// plugin is instantiated.
func (a *PluginAdapter) notifyLocaleChanged(uiLocale string) {
	if a.instance == nil {
		return
	}
	a.safeCall("UILocaleChanged", func() { a.instance.UILocaleChanged(uiLocale) })
}

// notifyPluginShouldUnload tells the plugin a required service went down.
// If StopMonitoring reports UnloadOK (or panics), the adapter tears itself
// down immediately; UnloadCancel leaves that to the plugin's own later
// call to Manager.UnloadPlugin.
func (a *PluginAdapter) notifyPluginShouldUnload(service string) {
	if a.instance == nil {
		return
	}
	a.unloadNotified = true

	result := monitorplugin.UnloadOK
	func() {
		defer func() {
			if r := recover(); r != nil {
				err := oops.Code(errutil.CodePluginException).
					With("plugin", a.descriptor.Identity).
					With("op", "StopMonitoring").
					Errorf("plugin callback panicked: %v", r)
				errutil.LogError(slog.Default(), "plugin callback panicked", err)
				observability.RecordPluginDispatchFailure(a.descriptor.Identity)
				result = monitorplugin.UnloadOK
			}
		}()
		result = a.instance.StopMonitoring(service)
	}()

	if result == monitorplugin.UnloadOK {
		a.unloadPlugin()
	}
}

// unloadPlugin releases every resource the plugin holds and marks the
// adapter for removal. It cannot free the plugin instance itself: this may
// be called from inside a callback the instance is still executing, so
// freeing here would pull the rug out from under its own stack frame.
// PluginManager.processUnload does that once control returns to it.
func (a *PluginAdapter) unloadPlugin() {
	if a.instance == nil {
		return
	}

	a.gateway.CleanupOwner(a.descriptor.Identity)

	for alertID := range a.alerts {
		a.CloseAlert(alertID)
	}
	a.timers.CancelAll()

	a.needUnload = true
}

// UILocale implements pkg/plugin.Manager.
func (a *PluginAdapter) UILocale() string { return a.manager.UILocale() }

// LocaleInfo implements pkg/plugin.Manager.
func (a *PluginAdapter) LocaleInfo() json.RawMessage { return a.manager.LocaleInfo() }

// UnloadPlugin implements pkg/plugin.Manager.
func (a *PluginAdapter) UnloadPlugin() { a.unloadPlugin() }

// LunaCall implements pkg/plugin.Manager.
func (a *PluginAdapter) LunaCall(serviceURL string, params any, timeoutMS int) (json.RawMessage, error) {
	return a.gateway.Call(context.Background(), serviceURL, params, timeoutMS)
}

// LunaCallAsync implements pkg/plugin.Manager.
func (a *PluginAdapter) LunaCallAsync(serviceURL string, params any, callback monitorplugin.CallCallback) {
	a.gateway.CallAsync(a.descriptor.Identity, serviceURL, params, a.adaptCallCallback(serviceURL, callback))
}

// SubscribeToMethod implements pkg/plugin.Manager. serviceURL's service
// segment must be one this plugin declared in required_services.
func (a *PluginAdapter) SubscribeToMethod(subscriptionID, serviceURL string, params any, cb monitorplugin.SubscribeCallback, schema json.RawMessage) error {
	service, err := serviceNameFromURL(serviceURL)
	if err != nil {
		return err
	}
	if !a.policy.Allows(a.descriptor.Identity, service) {
		return oops.Code(errutil.CodePolicyError).
			With("plugin", a.descriptor.Identity).
			With("service", service).
			Errorf("plugin %s: can only subscribe to services in its required_services list, got %s", a.descriptor.Identity, service)
	}

	return a.gateway.Subscribe(context.Background(), a.descriptor.Identity, subscriptionID, serviceURL, params, a.adaptSubscribeCallback(subscriptionID, cb), schema, false)
}

// UnsubscribeFromMethod implements pkg/plugin.Manager.
func (a *PluginAdapter) UnsubscribeFromMethod(subscriptionID string) bool {
	return a.gateway.Unsubscribe(a.descriptor.Identity, subscriptionID)
}

// SubscribeToSignal implements pkg/plugin.Manager. Signal subscriptions
// always target the bus's own addmatch method, so the required_services
// check SubscribeToMethod performs does not apply here.
func (a *PluginAdapter) SubscribeToSignal(subscriptionID, category, method string, cb monitorplugin.SubscribeCallback, schema json.RawMessage) error {
	params := map[string]any{"category": category}
	if method != "" {
		params["method"] = method
	}

	return a.gateway.Subscribe(context.Background(), a.descriptor.Identity, subscriptionID,
		"luna://com.webos.service.bus/signal/addmatch", params, a.adaptSubscribeCallback(subscriptionID, cb), schema, true)
}

// UnsubscribeFromSignal implements pkg/plugin.Manager.
func (a *PluginAdapter) UnsubscribeFromSignal(subscriptionID string) bool {
	return a.UnsubscribeFromMethod(subscriptionID)
}

// SetTimeout implements pkg/plugin.Manager. The deferred-unload check runs
// after every fire, exactly like LunaService.methodHandler and
// PluginAdapter::timeoutCallback do for every other plugin entry point.
func (a *PluginAdapter) SetTimeout(timeoutID string, millis uint, repeat bool, cb monitorplugin.TimeoutCallback) {
	a.timers.Set(timeoutID, time.Duration(millis)*time.Millisecond, repeat, func(id string) {
		a.safeCall("Timeout:"+id, func() { cb(id) })
		a.manager.processUnload(a)
	})
}

// CancelTimeout implements pkg/plugin.Manager.
func (a *PluginAdapter) CancelTimeout(timeoutID string) bool {
	return a.timers.Cancel(timeoutID)
}

// RegisterMethod implements pkg/plugin.Manager.
func (a *PluginAdapter) RegisterMethod(category, name string, handler monitorplugin.MethodHandler, schema json.RawMessage) (string, error) {
	if name == "" {
		return "", oops.Code(errutil.CodePolicyError).With("plugin", a.descriptor.Identity).Errorf("method name must not be empty")
	}
	if !strings.HasPrefix(category, "/") {
		return "", oops.Code(errutil.CodePolicyError).With("plugin", a.descriptor.Identity).With("category", category).Errorf("category %q must start with /", category)
	}

	err := a.gateway.RegisterMethod(a.descriptor.Identity, category, name, func(params json.RawMessage) (any, error) {
		var result any
		var handlerErr error
		a.safeCall("Method:"+category+"/"+name, func() { result, handlerErr = handler(params) })
		a.manager.processUnload(a)
		return result, handlerErr
	}, schema)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("luna://%s%s/%s", a.manager.ServicePath(), category, name), nil
}

// CreateToast implements pkg/plugin.Manager.
func (a *PluginAdapter) CreateToast(message, iconURL string, onClickAction any) {
	params := map[string]any{
		"message":  message,
		"sourceId": a.manager.ServicePath() + "-" + a.descriptor.Identity,
	}
	if iconURL != "" {
		params["iconUrl"] = iconURL
	}
	if onClickAction != nil {
		params["onclick"] = onClickAction
	}
	a.gateway.CallAsync(a.descriptor.Identity, "luna://com.webos.notification/createToast", params, nil)
}

// CreateAlert implements pkg/plugin.Manager.
func (a *PluginAdapter) CreateAlert(alertID, title, message string, modal bool, iconURL string, buttons, onClose any) error {
	a.CloseAlert(alertID)

	params := map[string]any{
		"title":   title,
		"modal":   modal,
		"message": message,
		"buttons": buttons,
	}
	if onClose != nil {
		params["onclose"] = onClose
	}
	if iconURL != "" {
		params["iconUrl"] = iconURL
	}

	resp, err := a.gateway.Call(context.Background(), "luna://com.webos.notification/createAlert", params, 0)
	if err != nil {
		return oops.Wrapf(err, "create alert")
	}

	var result struct {
		ReturnValue bool   `json:"returnValue"`
		AlertID     string `json:"alertId"`
	}
	if resp == nil {
		return oops.Code(errutil.CodeTimeout).With("alert_id", alertID).Errorf("create alert %s: no reply", alertID)
	}
	if err := json.Unmarshal(resp, &result); err != nil || !result.ReturnValue || result.AlertID == "" {
		return oops.Code(errutil.CodeSchemaError).With("alert_id", alertID).Errorf("create alert %s: failed", alertID)
	}

	a.alerts[alertID] = result.AlertID
	return nil
}

// CloseAlert implements pkg/plugin.Manager.
func (a *PluginAdapter) CloseAlert(alertID string) bool {
	internalID, ok := a.alerts[alertID]
	if !ok {
		return false
	}
	delete(a.alerts, alertID)
	_, _ = a.gateway.Call(context.Background(), "luna://com.webos.notification/closeAlert", map[string]any{"alertId": internalID}, 0)
	return true
}

// adaptSubscribeCallback wraps a plugin's subscribe callback so that, like
// every other plugin entry point (SetTimeout, RegisterMethod), a deferred
// unload requested from inside the callback is swept as soon as the
// callback returns, mirroring LunaService::callResult's call to
// manager->processUnload after invoking a subscription's callback.
func (a *PluginAdapter) adaptSubscribeCallback(subscriptionID string, cb monitorplugin.SubscribeCallback) bus.SubscribeCallback {
	if cb == nil {
		return nil
	}
	return func(previous, current json.RawMessage) {
		a.safeCall("Subscribe:"+subscriptionID, func() { cb(previous, current) })
		a.manager.processUnload(a)
	}
}

// adaptCallCallback wraps a plugin's async-call callback the same way
// adaptSubscribeCallback wraps a subscription callback: callResult covers
// both simpleCallback (async calls) and subscribeCallback alike.
func (a *PluginAdapter) adaptCallCallback(serviceURL string, cb monitorplugin.CallCallback) bus.CallCallback {
	if cb == nil {
		return nil
	}
	return func(r json.RawMessage) {
		a.safeCall("CallAsync:"+serviceURL, func() { cb(r) })
		a.manager.processUnload(a)
	}
}

// serviceNameFromURL extracts the service segment of a luna://service/...
// URL, matching the original PluginInfo::containsURI parsing.
func serviceNameFromURL(url string) (string, error) {
	parts := strings.Split(url, "/")
	if len(parts) < 3 || parts[0] != "luna:" || parts[1] != "" || parts[2] == "" {
		return "", oops.Code(errutil.CodeSchemaError).With("url", url).Errorf("malformed luna URL %q", url)
	}
	return parts[2], nil
}
