// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/webos-ports/event-monitor/internal/bus"
	"github.com/webos-ports/event-monitor/pkg/errutil"
)

const (
	ownerServiceMonitor  = "servicemonitor"
	localeSubscriptionID = "locale"
)

// ServiceMonitor is the bridge between the bus's view of the world and
// PluginManager's: it subscribes to system locale info and, once per
// unique required service across every discovered plugin, to that
// service's up/down status. Plugin bootstrap is deliberately lazy and
// one-shot, gated on the first successful locale reply, exactly like the
// original: plugins never load before the core knows what locale to
// hand them.
type ServiceMonitor struct {
	gateway  *bus.Gateway
	manager  *PluginManager
	registry *Registry

	descriptors []*Descriptor
	serviceUp   map[string]bool
	subscribed  map[string]bool
	started     bool
}

// NewServiceMonitor creates a monitor wiring registry's discovered plugins
// into manager via gateway's subscriptions.
func NewServiceMonitor(gateway *bus.Gateway, manager *PluginManager, registry *Registry) *ServiceMonitor {
	return &ServiceMonitor{
		gateway:    gateway,
		manager:    manager,
		registry:   registry,
		serviceUp:  make(map[string]bool),
		subscribed: make(map[string]bool),
	}
}

// Start subscribes to system locale info. Plugin discovery and
// per-service status subscriptions happen lazily, the first time that
// subscription delivers.
func (m *ServiceMonitor) Start(ctx context.Context) error {
	params := map[string]any{"keys": []string{"localeInfo"}}
	return m.gateway.Subscribe(ctx, ownerServiceMonitor, localeSubscriptionID,
		"luna://com.webos.settingsservice/getSystemSettings", params, m.onLocaleChanged, nil, false)
}

func (m *ServiceMonitor) onLocaleChanged(_, current json.RawMessage) {
	m.manager.NotifyLocaleChanged(current)

	if m.started {
		return
	}
	m.started = true
	m.bootstrap(context.Background())
}

// bootstrap runs exactly once: it discovers every plugin manifest and
// subscribes to the up/down status of every service any of them require,
// deduplicated so two plugins sharing a required service share one
// subscription.
func (m *ServiceMonitor) bootstrap(ctx context.Context) {
	descriptors, err := m.registry.Enumerate(ctx)
	if err != nil {
		errutil.LogError(slog.Default(), "failed to enumerate plugins", err)
		return
	}
	m.descriptors = descriptors

	for _, d := range descriptors {
		for _, service := range d.RequiredServices {
			m.ensureServiceSubscription(service)
		}
	}
}

func (m *ServiceMonitor) ensureServiceSubscription(service string) {
	if m.subscribed[service] {
		return
	}
	m.subscribed[service] = true

	// checkFirstResponse is false here: registerServerStatus's first reply
	// already carries the service's current connected state through the
	// ordinary subscription path, the same way every later transition
	// does. checkFirstResponse exists for calls where the first reply is
	// shaped differently (a bare returnValue ack) and must be
	// distinguished from the data that follows.
	params := map[string]any{"serviceName": service}
	err := m.gateway.Subscribe(context.Background(), ownerServiceMonitor, "status:"+service,
		"luna://com.webos.service.bus/signal/registerServerStatus", params,
		func(_, current json.RawMessage) { m.onServiceStatus(service, current) }, nil, false)
	if err != nil {
		errutil.LogError(slog.Default(), "failed to subscribe to service status", err)
	}
}

func (m *ServiceMonitor) onServiceStatus(service string, payload json.RawMessage) {
	var v struct {
		Connected bool `json:"connected"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		slog.Error("malformed service status payload", "service", service, "error", err)
		return
	}

	if m.serviceUp[service] == v.Connected {
		return // no transition: original only reconciles on an actual state change
	}
	m.serviceUp[service] = v.Connected

	for _, d := range m.descriptors {
		if d.RequiresService(service) {
			m.updatePlugin(d, service)
		}
	}
}

// updatePlugin reconciles one plugin against the current up/down state of
// its required services: loads it once every one is up, or tells an
// already-active instance that transitioned went down.
func (m *ServiceMonitor) updatePlugin(d *Descriptor, transitioned string) {
	if m.allServicesUp(d) {
		if err := m.manager.LoadPlugin(context.Background(), d); err != nil {
			slog.Error("failed to load plugin", "plugin", d.Identity, "error", err)
		}
		return
	}

	m.manager.NotifyPluginShouldUnload(d.Identity, transitioned)
}

// ServiceStatus returns a snapshot of the up/down state of the required
// services this monitor has subscribed to. A service that has never been
// reported up has no entry.
func (m *ServiceMonitor) ServiceStatus() map[string]bool {
	status := make(map[string]bool, len(m.serviceUp))
	for service, up := range m.serviceUp {
		status[service] = up
	}
	return status
}

func (m *ServiceMonitor) allServicesUp(d *Descriptor) bool {
	for _, s := range d.RequiredServices {
		if !m.serviceUp[s] {
			return false
		}
	}
	return true
}
