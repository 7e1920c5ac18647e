// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"encoding/json"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/webos-ports/event-monitor/internal/bus"
	"github.com/webos-ports/event-monitor/internal/observability"
	"github.com/webos-ports/event-monitor/internal/plugin/policy"
	monitorplugin "github.com/webos-ports/event-monitor/pkg/plugin"
)

var tracer = otel.Tracer("eventmonitor/plugin")

// PluginManager owns every loaded plugin's PluginAdapter, keyed by the
// plugin's manifest identity, and is the only component allowed to create
// or destroy one. All of its methods run on loop's goroutine; callers
// outside it must go through loop.Post.
type PluginManager struct {
	instantiator Instantiator
	gateway      *bus.Gateway
	policy       *policy.Enforcer
	loop         *EventLoop
	servicePath  string

	locale         json.RawMessage
	activeAdapters map[string]*PluginAdapter
}

// NewPluginManager creates a manager. servicePath is this service's own
// bus service name, used to build the luna:// URLs RegisterMethod returns.
func NewPluginManager(instantiator Instantiator, gateway *bus.Gateway, enforcer *policy.Enforcer, loop *EventLoop, servicePath string) *PluginManager {
	return &PluginManager{
		instantiator:   instantiator,
		gateway:        gateway,
		policy:         enforcer,
		loop:           loop,
		servicePath:    servicePath,
		activeAdapters: make(map[string]*PluginAdapter),
	}
}

// ServicePath returns this service's own bus service name.
func (m *PluginManager) ServicePath() string { return m.servicePath }

// UILocale extracts the UI locale from the last locale info delivered by
// NotifyLocaleChanged, defaulting to en-US before any has arrived or if
// the payload doesn't carry one.
func (m *PluginManager) UILocale() string {
	if len(m.locale) > 0 {
		var v struct {
			Locales struct {
				UI string `json:"UI"`
			} `json:"locales"`
		}
		if err := json.Unmarshal(m.locale, &v); err == nil && v.Locales.UI != "" {
			return v.Locales.UI
		}
	}
	return "en-US"
}

// LocaleInfo returns the raw payload of the last locale info delivered.
func (m *PluginManager) LocaleInfo() json.RawMessage { return m.locale }

// ActivePluginCount reports how many plugins are currently loaded.
func (m *PluginManager) ActivePluginCount() int { return len(m.activeAdapters) }

// IsLoaded reports whether identity currently has an active adapter.
func (m *PluginManager) IsLoaded(identity string) bool {
	_, ok := m.activeAdapters[identity]
	return ok
}

// LoadPlugin instantiates d if it isn't already active, or re-notifies an
// already-active instance's StartMonitoring if it previously asked to
// unload and hasn't finished yet. This mirrors the original's
// pluginLoaded(nullptr) restart path, taken when a required service that
// dropped and came back before the plugin unloaded triggers a second load.
func (m *PluginManager) LoadPlugin(ctx context.Context, d *Descriptor) error {
	ctx, span := tracer.Start(ctx, "plugin.load", trace.WithAttributes(
		attribute.String("plugin.identity", d.Identity),
	))
	defer span.End()

	if adapter, ok := m.activeAdapters[d.Identity]; ok {
		adapter.pluginLoaded(nil)
		m.processUnload(adapter)
		return nil
	}

	if err := m.policy.SetRequiredServices(d.Identity, d.RequiredServices); err != nil {
		observability.RecordPluginLoad(d.Identity, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return oops.With("plugin", d.Identity).Wrapf(err, "install service policy for %s", d.Identity)
	}

	adapter := newPluginAdapter(m, d)
	instance, err := m.instantiator.Instantiate(ctx, d, adapter)
	if err != nil {
		m.policy.Remove(d.Identity)
		observability.RecordPluginLoad(d.Identity, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return oops.With("plugin", d.Identity).Wrapf(err, "instantiate %s", d.Identity)
	}

	m.activeAdapters[d.Identity] = adapter
	adapter.pluginLoaded(instance)
	m.processUnload(adapter)
	observability.RecordPluginLoad(d.Identity, "ok")
	return nil
}

// NotifyPluginShouldUnload tells an active plugin that service has gone
// down. A no-op if the plugin isn't loaded.
func (m *PluginManager) NotifyPluginShouldUnload(identity, service string) {
	adapter, ok := m.activeAdapters[identity]
	if !ok {
		return
	}
	adapter.notifyPluginShouldUnload(service)
	m.processUnload(adapter)
}

// NotifyLocaleChanged records the new locale info and broadcasts the
// resulting UI locale string to every active plugin. The broadcast uses
// the locale computed AFTER the update, so plugins always see the
// current value rather than the one superseded by this call.
func (m *PluginManager) NotifyLocaleChanged(locale json.RawMessage) {
	m.locale = locale
	uiLocale := m.UILocale()

	adapters := make([]*PluginAdapter, 0, len(m.activeAdapters))
	for _, a := range m.activeAdapters {
		adapters = append(adapters, a)
	}

	for _, a := range adapters {
		a.notifyLocaleChanged(uiLocale)
		m.processUnload(a)
	}
}

// processUnload finalizes an adapter that called unloadPlugin (directly,
// or indirectly via a panic or a StopMonitoring UnloadOK result): it
// drops the adapter from the active set, releases its service policy,
// closes the plugin instance, and releases the instantiator's handle.
// A no-op unless the adapter actually asked to unload.
func (m *PluginManager) processUnload(a *PluginAdapter) {
	if !a.needUnload {
		return
	}

	delete(m.activeAdapters, a.descriptor.Identity)
	m.policy.Remove(a.descriptor.Identity)

	if a.instance != nil {
		instance := a.instance
		a.instance = nil
		a.safeCall("Close", func() { instance.Close() })
	}

	m.instantiator.Release(a.descriptor)
}

// Close unloads every active plugin. Used on shutdown.
func (m *PluginManager) Close() {
	adapters := make([]*PluginAdapter, 0, len(m.activeAdapters))
	for _, a := range m.activeAdapters {
		adapters = append(adapters, a)
	}

	for _, a := range adapters {
		a.unloadPlugin()
		m.processUnload(a)
	}
}

var _ monitorplugin.Manager = (*PluginAdapter)(nil)
