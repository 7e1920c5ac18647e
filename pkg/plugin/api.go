// SPDX-License-Identifier: Apache-2.0

// Package plugin defines the capability surface that the event-monitor core
// exposes to plugins (Manager) and the surface plugins must implement back
// (Plugin). It is the load-bearing contract between internal/plugin and any
// plugin implementation, in or out of process.
package plugin

import "encoding/json"

// APIVersion is the current plugin API version. Bump it whenever this file's
// contract changes in a way that is not backward compatible; Instantiator
// implementations reject plugins built against a different version.
const APIVersion = 1

// UnloadResult is returned by Plugin.StopMonitoring to tell the adapter
// whether it is safe to tear the plugin down immediately.
type UnloadResult int

const (
	// UnloadOK means the adapter may free the plugin and its resources now.
	UnloadOK UnloadResult = iota
	// UnloadCancel means the plugin has unfinished work and will call
	// Manager.UnloadPlugin itself when ready. If every required service is
	// up again before it does, the same instance is kept and StartMonitoring
	// is called on it again.
	UnloadCancel
)

// String implements fmt.Stringer.
func (r UnloadResult) String() string {
	switch r {
	case UnloadOK:
		return "UnloadOK"
	case UnloadCancel:
		return "UnloadCancel"
	default:
		return "UnloadResult(unknown)"
	}
}

// SubscribeCallback receives replies to a subscribed method or signal.
// previous is nil on the first delivery for a given subscription.
type SubscribeCallback func(previous, current json.RawMessage)

// CallCallback receives the single reply to an async call.
type CallCallback func(response json.RawMessage)

// TimeoutCallback is invoked when a timer set with Manager.SetTimeout fires.
type TimeoutCallback func(timeoutID string)

// MethodHandler handles a bus call made against a method registered with
// Manager.RegisterMethod. It returns the JSON value to send back as the
// reply, or an error to translate into a bus-level failure response.
type MethodHandler func(params json.RawMessage) (any, error)

// Manager is the capability set the core exposes to a loaded plugin. Every
// method is safe to call only from the event-loop goroutine: plugin code
// runs synchronously on it, exactly as the callbacks it receives do.
type Manager interface {
	// UILocale returns just the UI locale string of the current locale.
	UILocale() string

	// LocaleInfo returns the full, opaque locale structure.
	LocaleInfo() json.RawMessage

	// UnloadPlugin requests this plugin be torn down. Safe to call from
	// inside any callback the plugin is currently executing in.
	UnloadPlugin()

	// LunaCall issues a synchronous bus call. Returns a nil response (not an
	// error) if no reply arrives before timeout. timeout is in milliseconds;
	// zero selects the 1000ms default.
	LunaCall(serviceURL string, params any, timeoutMS int) (json.RawMessage, error)

	// LunaCallAsync issues a fire-and-forget call, or a single-reply call
	// when callback is non-nil.
	LunaCallAsync(serviceURL string, params any, callback CallCallback)

	// SubscribeToMethod subscribes to a bus method. subscriptionID may be
	// reused; doing so first cancels any existing subscription under that
	// id. The service named in serviceURL's second path segment must be in
	// this plugin's declared required-service list.
	SubscribeToMethod(subscriptionID, serviceURL string, params any, cb SubscribeCallback, schema json.RawMessage) error

	// UnsubscribeFromMethod cancels a subscription created by
	// SubscribeToMethod. Returns whether one was present.
	UnsubscribeFromMethod(subscriptionID string) bool

	// SubscribeToSignal subscribes to a bus signal (category, method) via
	// addmatch. Subscription ids share a namespace with SubscribeToMethod.
	SubscribeToSignal(subscriptionID, category, method string, cb SubscribeCallback, schema json.RawMessage) error

	// UnsubscribeFromSignal is an alias of UnsubscribeFromMethod.
	UnsubscribeFromSignal(subscriptionID string) bool

	// SetTimeout schedules timeoutID to fire after millis milliseconds, repeating if repeat is
	// true. Setting a new timer under an id already in use first cancels
	// the existing one.
	SetTimeout(timeoutID string, millis uint, repeat bool, cb TimeoutCallback)

	// CancelTimeout cancels a timer. Returns whether one was present.
	CancelTimeout(timeoutID string) bool

	// RegisterMethod publishes a method at luna://<servicePath><category>/<name>.
	// category must start with "/"; name must be non-empty. Returns the
	// public URL.
	RegisterMethod(category, name string, handler MethodHandler, schema json.RawMessage) (string, error)

	// CreateToast shows a toast via the notification service.
	CreateToast(message, iconURL string, onClickAction any)

	// CreateAlert shows a modal or non-modal alert. Replaces any existing
	// alert registered under the same alertID.
	CreateAlert(alertID, title, message string, modal bool, iconURL string, buttons, onClose any) error

	// CloseAlert closes an alert opened with CreateAlert. Returns whether
	// one was open.
	CloseAlert(alertID string) bool
}

// Plugin is the interface every plugin instance must implement.
type Plugin interface {
	// StartMonitoring is called after every required service is up and the
	// plugin's locale has been set. It is called again on the same instance
	// when those services are all up again after a StopMonitoring that
	// returned UnloadCancel, if the plugin has not unloaded in between.
	StartMonitoring()

	// StopMonitoring is called when a required service goes down. service
	// names which one. The return value tells the adapter whether it is
	// safe to free the plugin now.
	StopMonitoring(service string) UnloadResult

	// UILocaleChanged is called whenever the system UI locale changes.
	UILocaleChanged(uiLocale string)

	// Close releases any resources the plugin owns. Called exactly once,
	// after StopMonitoring (if ever called) and before the instance is
	// discarded.
	Close()
}
