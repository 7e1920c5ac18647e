// Package policy enforces the subscription boundary every plugin operates
// under: a plugin may subscribe to a bus method only on a service that
// appears in its manifest's required_services list. Signal subscriptions
// are not checked against it.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator, so a
// descriptor may declare a required service as either an exact name
// ("com.webos.service.connectionmanager") or a prefix pattern
// ("com.webos.service.*") to cover a family of related services:
//   - "com.webos.service.*" matches "com.webos.service.connectionmanager" but
//     NOT "com.webos.service.connectionmanager.wifi"
//   - "com.webos.service.**" matches both
package policy

import (
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/webos-ports/event-monitor/pkg/errutil"
)

type compiledRule struct {
	pattern string
	glob    glob.Glob
}

// Enforcer checks, per plugin, whether a service name is covered by that
// plugin's declared required_services.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	rules map[string][]compiledRule // plugin identity -> compiled rules
	mu    sync.RWMutex
}

// NewEnforcer creates a subscription-policy enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{rules: make(map[string][]compiledRule)}
}

// SetRequiredServices installs the service patterns a plugin is allowed to
// subscribe against, replacing any previous set for that plugin identity.
// Validation is atomic: if any pattern fails to compile, no changes are
// made.
func (e *Enforcer) SetRequiredServices(identity string, services []string) error {
	if identity == "" {
		return oops.Code(errutil.CodePolicyError).Errorf("plugin identity cannot be empty")
	}

	compiled := make([]compiledRule, len(services))
	for i, pattern := range services {
		if pattern == "" {
			return oops.Code(errutil.CodePolicyError).With("identity", identity).With("index", i).Errorf("required service %d: empty pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return oops.Code(errutil.CodePolicyError).With("identity", identity).With("index", i).With("pattern", pattern).Wrapf(err, "required service %d (%q)", i, pattern)
		}
		compiled[i] = compiledRule{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rules == nil {
		e.rules = make(map[string][]compiledRule)
	}
	e.rules[identity] = compiled
	return nil
}

// Remove drops all rules for a plugin. Safe for unknown identities.
func (e *Enforcer) Remove(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, identity)
}

// Allows reports whether identity's declared required services cover
// service. Unknown identities and empty service names are denied.
func (e *Enforcer) Allows(identity, service string) bool {
	if service == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	rules, ok := e.rules[identity]
	if !ok {
		return false
	}
	for _, r := range rules {
		if r.glob.Match(service) {
			return true
		}
	}
	return false
}

// RequiredServices returns the raw patterns registered for identity. Returns
// nil if identity is unknown.
func (e *Enforcer) RequiredServices(identity string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules, ok := e.rules[identity]
	if !ok {
		return nil
	}
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.pattern
	}
	return out
}
