// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	monitorplugin "github.com/webos-ports/event-monitor/pkg/plugin"
)

// manifestFileName is the file every plugin directory must contain.
const manifestFileName = "plugin.yaml"

// Registry discovers plugin descriptors from a directory tree, one
// subdirectory per plugin, each holding a plugin.yaml manifest.
type Registry struct {
	pluginsDir string
}

// NewRegistry creates a Registry rooted at pluginsDir.
func NewRegistry(pluginsDir string) *Registry {
	return &Registry{pluginsDir: pluginsDir}
}

// Enumerate walks the plugins directory and returns one Descriptor per
// subdirectory with a valid manifest. Invalid or unreadable manifests are
// logged and skipped; a missing plugins directory is not an error.
func (r *Registry) Enumerate(_ context.Context) ([]*Descriptor, error) {
	entries, err := os.ReadDir(r.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugins directory: %w", err)
	}

	var descriptors []*Descriptor
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		manifestPath := filepath.Join(r.pluginsDir, entry.Name(), manifestFileName)
		data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is built from ReadDir entries under a configured root
		if err != nil {
			slog.Warn("skipping plugin directory without manifest", "dir", entry.Name(), "error", err)
			continue
		}

		d, err := ParseManifest(data)
		if err != nil {
			slog.Warn("skipping plugin with invalid manifest", "dir", entry.Name(), "error", err)
			continue
		}

		descriptors = append(descriptors, d)
	}

	return descriptors, nil
}

// Constructor builds a new Plugin instance bound to mgr. Handle
// implementations register a Constructor under their descriptor's Handle
// key so the in-process Instantiator can find them.
type Constructor func(mgr monitorplugin.Manager) (monitorplugin.Plugin, error)

// Registration pairs a handle key with the API version its Constructor was
// built against and the Constructor itself.
type Registration struct {
	Handle     string
	APIVersion int
	New        Constructor
}

// Instantiator turns a Descriptor into a running Plugin instance. The core
// is agnostic to how: an Instantiator may look code up in an in-process
// registration table, dlopen a shared object, or exec a subprocess. Only an
// in-process table is implemented here; see InProcessInstantiator.
type Instantiator interface {
	// Instantiate constructs and returns the Plugin named by d.Handle, bound
	// to mgr. It does not call StartMonitoring; the PluginAdapter does that
	// once every required service is up.
	Instantiate(ctx context.Context, d *Descriptor, mgr monitorplugin.Manager) (monitorplugin.Plugin, error)

	// Release notifies the Instantiator that d's instance has been closed
	// and any handle-scoped bookkeeping may be dropped.
	Release(d *Descriptor)
}

// InProcessInstantiator resolves descriptors against a static table of
// Constructors registered at startup with Register. It rejects any
// descriptor whose plugin was built against a different
// pkg/plugin.APIVersion than the running core.
type InProcessInstantiator struct {
	mu    sync.RWMutex
	table map[string]Registration
}

// NewInProcessInstantiator creates an empty in-process instantiator.
func NewInProcessInstantiator() *InProcessInstantiator {
	return &InProcessInstantiator{table: make(map[string]Registration)}
}

// Register adds reg to the table, keyed by reg.Handle. Registering the same
// handle twice replaces the earlier entry.
func (in *InProcessInstantiator) Register(reg Registration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.table[reg.Handle] = reg
}

// Instantiate looks d.Handle up in the table and, if the registered
// Constructor's APIVersion matches pkg/plugin.APIVersion, invokes it.
func (in *InProcessInstantiator) Instantiate(_ context.Context, d *Descriptor, mgr monitorplugin.Manager) (monitorplugin.Plugin, error) {
	in.mu.RLock()
	reg, ok := in.table[d.Handle]
	in.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no plugin registered for handle %q", d.Handle)
	}
	if reg.APIVersion != monitorplugin.APIVersion {
		return nil, fmt.Errorf("plugin %s: built against API version %d, core is %d", d.Identity, reg.APIVersion, monitorplugin.APIVersion)
	}

	instance, err := reg.New(mgr)
	if err != nil {
		return nil, fmt.Errorf("construct plugin %s: %w", d.Identity, err)
	}
	return instance, nil
}

// Release is a no-op for the in-process instantiator: the table holds
// Constructors, not instances, so there is nothing handle-scoped to free.
func (in *InProcessInstantiator) Release(*Descriptor) {}
