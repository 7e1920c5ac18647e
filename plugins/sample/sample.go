// SPDX-License-Identifier: Apache-2.0

// Package sample is an in-process plugin that exercises pkg/plugin.Manager's
// method and signal subscription, timers, toasts, alerts, and a registered
// method; it makes no LunaCall or LunaCallAsync calls and does not read
// LocaleInfo. It has no purpose of its own beyond
// proving the wiring works end to end, the same role the source's
// mockplugin played against the original C++ core.
package sample

import (
	"encoding/json"
	"fmt"
	"log/slog"

	monitorplugin "github.com/webos-ports/event-monitor/pkg/plugin"
)

// Handle is the registration key this plugin's plugin.yaml must use.
const Handle = "sample"

// Plugin exercises SubscribeToMethod, SubscribeToSignal, SetTimeout,
// CreateToast, CreateAlert, CloseAlert and RegisterMethod against whatever
// Manager it is bound to.
type Plugin struct {
	manager monitorplugin.Manager

	subscribedMethod bool
	subscribedSignal bool
	unsubscribed     bool
	createdAlert     bool
}

// New constructs a Plugin bound to mgr. It satisfies
// internal/plugin.Constructor and is registered under Handle with an
// InProcessInstantiator.
func New(mgr monitorplugin.Manager) (monitorplugin.Plugin, error) {
	return &Plugin{manager: mgr}, nil
}

// StartMonitoring implements plugin.Plugin.
func (p *Plugin) StartMonitoring() {
	slog.Debug("sample plugin starting to monitor")

	p.manager.CancelTimeout("unloadTimeout")

	if _, err := p.manager.RegisterMethod("/sample", "getEvents", p.getEvents, nil); err != nil {
		slog.Error("sample plugin register method failed", "error", err)
	}

	p.manager.CreateToast("Sample plugin started, will show an alert in 2 seconds", "", nil)

	p.manager.SetTimeout("startAlert", 2000, false, p.startAlert)

	if err := p.manager.SubscribeToMethod(
		"foregroundApp",
		"luna://com.webos.applicationManager/getForegroundAppInfo",
		map[string]any{},
		p.foregroundAppCallback,
		nil,
	); err != nil {
		slog.Warn("sample plugin subscribe to foregroundApp failed", "error", err)
	}

	if err := p.manager.SubscribeToSignal(
		"batteryStatus",
		"/com/palm/power",
		"batteryStatus",
		p.batteryStatusCallback,
		nil,
	); err != nil {
		slog.Warn("sample plugin subscribe to batteryStatus failed", "error", err)
	}
}

// StopMonitoring implements plugin.Plugin. It defers teardown for five
// seconds so the toast actually reaches the user before the adapter frees
// this instance, mirroring the source's same deferred-unload trick.
func (p *Plugin) StopMonitoring(service string) monitorplugin.UnloadResult {
	slog.Debug("sample plugin stopping", "service", service)

	p.manager.CreateToast("Required service unloaded, waiting 5 seconds to unload the plugin.", "", nil)

	p.manager.SetTimeout("unloadTimeout", 5000, false, func(string) {
		p.manager.CreateToast("5 seconds passed, unloading plugin", "", nil)
		p.manager.UnloadPlugin()
	})

	return monitorplugin.UnloadCancel
}

// UILocaleChanged implements plugin.Plugin.
func (p *Plugin) UILocaleChanged(uiLocale string) {
	p.manager.CreateToast("Locale set to "+uiLocale, "", nil)
}

// Close implements plugin.Plugin.
func (p *Plugin) Close() {
	slog.Debug("sample plugin closed")
}

func (p *Plugin) startAlert(string) {
	actionURL, err := p.manager.RegisterMethod("/sample", "action", p.action, nil)
	if err != nil {
		slog.Error("sample plugin register action method failed", "error", err)
		return
	}

	buttons := []map[string]any{
		{"label": "close", "onclick": actionURL, "params": map[string]any{"close": true}},
		{"label": "toast", "onclick": actionURL, "params": map[string]any{"close": false, "toast": "toast"}},
	}

	err = p.manager.CreateAlert(
		"question",
		"Sample plugin started",
		"Do you see this alert? I will show toasts whenever the active application changes. Closing the alert in 10 seconds.",
		false,
		"",
		buttons,
		map[string]any{},
	)
	if err != nil {
		slog.Error("sample plugin create alert failed", "error", err)
		return
	}
	p.createdAlert = true

	p.manager.SetTimeout("closeQuestion", 10000, false, func(string) {
		p.manager.CloseAlert("question")
		p.manager.CreateToast("Alert closed after 10 seconds", "", nil)
	})
}

func (p *Plugin) action(params json.RawMessage) (any, error) {
	p.manager.CancelTimeout("closeQuestion")

	var req struct {
		Close bool   `json:"close"`
		Toast string `json:"toast"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("parse action params: %w", err)
		}
	}

	if req.Toast == "" {
		p.manager.CreateToast("Button with no message", "", nil)
	} else {
		p.manager.CreateToast("Button said "+req.Toast, "", nil)
	}

	if !req.Close {
		p.manager.SetTimeout("startAlert", 100, false, p.startAlert)
	}

	return map[string]bool{"returnValue": true}, nil
}

func (p *Plugin) getEvents(json.RawMessage) (any, error) {
	return map[string]any{
		"subscribedMethod": p.subscribedMethod,
		"subscribedSignal": p.subscribedSignal,
		"unsubscribed":     p.unsubscribed,
		"createdAlert":     p.createdAlert,
		"returnValue":      true,
	}, nil
}

func (p *Plugin) foregroundAppCallback(previous, current json.RawMessage) {
	p.subscribedMethod = true

	if previous == nil {
		return
	}

	var prev, cur struct {
		AppID string `json:"appId"`
	}
	if err := json.Unmarshal(previous, &prev); err != nil {
		return
	}
	if err := json.Unmarshal(current, &cur); err != nil {
		return
	}

	if prev.AppID != cur.AppID {
		p.manager.CreateToast("Active application changed to "+cur.AppID, "", nil)
	}
}

func (p *Plugin) batteryStatusCallback(_, current json.RawMessage) {
	var status struct {
		Percent int `json:"percent"`
	}
	if err := json.Unmarshal(current, &status); err != nil {
		return
	}

	p.subscribedSignal = true
	p.manager.CreateToast(fmt.Sprintf("Battery status update: percent %d", status.Percent), "", nil)

	p.manager.SetTimeout("unsubscribeTimer", 10000, false, func(string) {
		p.manager.UnsubscribeFromMethod("foregroundApp")
		p.manager.UnsubscribeFromSignal("batteryStatus")
		p.manager.CreateToast("Unsubscribed from signals and methods", "", nil)
		p.subscribedMethod = false
		p.subscribedSignal = false
		p.unsubscribed = true
	})
}
