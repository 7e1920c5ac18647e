// SPDX-License-Identifier: Apache-2.0

// Package plugin implements the orchestration core: descriptor discovery,
// the per-plugin adapter, the plugin manager, and the service monitor that
// drives them.
package plugin

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// maxNameLength is the maximum allowed length for a plugin identity.
const maxNameLength = 64

// namePattern validates plugin identities: must start with a lowercase
// letter, followed by lowercase letters, digits, or hyphens, and may not
// end with a hyphen.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// Descriptor is the immutable metadata PluginRegistry produces for each
// discovered plugin: identity, display name, and the non-empty set of bus
// services that must all be up before the plugin is instantiated.
type Descriptor struct {
	// Identity is the stable string key used as the PluginManager map key
	// and as the owner key of the plugin's bus subscriptions and methods.
	Identity string `yaml:"name"`

	// DisplayName is a human-readable label, shown in logs and status
	// output. Defaults to Identity if empty.
	DisplayName string `yaml:"display_name"`

	// Version is the plugin's own semantic version, independent of the
	// APIVersion compatibility check performed by the Instantiator.
	Version string `yaml:"version"`

	// RequiredServices is the non-empty set of bus service names that must
	// all be up before this plugin is loaded, and whose loss triggers
	// PluginManager.NotifyPluginShouldUnload.
	RequiredServices []string `yaml:"required_services"`

	// Handle is opaque data the Instantiator uses to locate the plugin
	// implementation (e.g. a registration key or an executable path). The
	// core never inspects it.
	Handle string `yaml:"handle"`
}

// Label returns DisplayName, falling back to Identity.
func (d *Descriptor) Label() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Identity
}

// RequiresService reports whether svc is in the descriptor's required list.
func (d *Descriptor) RequiresService(svc string) bool {
	for _, s := range d.RequiredServices {
		if s == svc {
			return true
		}
	}
	return false
}

// ParseManifest parses and validates a plugin manifest (plugin.yaml).
func ParseManifest(data []byte) (*Descriptor, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}

	return &d, nil
}

// Validate checks manifest constraints.
func (d *Descriptor) Validate() error {
	if d.Identity == "" || !namePattern.MatchString(d.Identity) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", d.Identity)
	}
	if len(d.Identity) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(d.Identity))
	}

	if d.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", d.Version, err)
	}

	if len(d.RequiredServices) == 0 {
		return fmt.Errorf("required_services must be non-empty")
	}
	seen := make(map[string]bool, len(d.RequiredServices))
	for _, s := range d.RequiredServices {
		if s == "" {
			return fmt.Errorf("required_services entries must not be empty")
		}
		if seen[s] {
			return fmt.Errorf("required_services contains duplicate %q", s)
		}
		seen[s] = true
	}

	if d.Handle == "" {
		return fmt.Errorf("handle is required")
	}

	return nil
}
