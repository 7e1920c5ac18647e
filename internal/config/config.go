// SPDX-License-Identifier: Apache-2.0

// Package config loads the event monitor's configuration by layering a
// YAML file under koanf's file provider and overriding it with any CLI
// flags the caller actually set, via koanf's posflag provider.
package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds the settings §6 of the specification calls out: the plugin
// directory, this process's own bus identity, and where to find
// localization resources. Nothing here is persistent state.
type Config struct {
	// HubURL is the websocket address of the service bus hub.
	HubURL string `koanf:"hub-url"`
	// ServicePath is this process's own bus service name, e.g.
	// "com.example.eventmonitor". RegisterMethod builds plugin method URLs
	// from it.
	ServicePath string `koanf:"service-path"`
	// PluginsDir is the directory Registry.Enumerate walks for plugin.yaml
	// manifests.
	PluginsDir string `koanf:"plugins-dir"`
	// LocaleDir is where localization resources live, consumed by plugins
	// through UILocale but never interpreted by the core itself.
	LocaleDir string `koanf:"locale-dir"`
	// ControlComponent names this process for the unix-socket control
	// server's socket filename and /status payload.
	ControlComponent string `koanf:"control-component"`
	// MetricsAddr is the listen address for the observability HTTP server.
	// Empty disables it.
	MetricsAddr string `koanf:"metrics-addr"`
	// LogFormat selects the slog handler: "json" or "text".
	LogFormat string `koanf:"log-format"`
	// BusIdentity is sent as this process's identity on connect, distinct
	// from ServicePath: identity authenticates the connection, ServicePath
	// names the service it exposes.
	BusIdentity string `koanf:"bus-identity"`
}

// Defaults returns the configuration used when neither a config file nor a
// flag overrides a field.
func Defaults() Config {
	return Config{
		HubURL:           "ws://127.0.0.1:9090/bus",
		ServicePath:      "com.example.eventmonitor",
		PluginsDir:       "/usr/share/event-monitor/plugins",
		LocaleDir:        "/usr/share/event-monitor/locale",
		ControlComponent: "eventmonitor",
		MetricsAddr:      "127.0.0.1:9100",
		LogFormat:        "json",
		BusIdentity:      "com.example.eventmonitor",
	}
}

// Load builds the effective configuration: Defaults(), overridden by
// configFile's contents if it exists, overridden in turn by every flag in
// flags that was actually set on the command line. configFile may be empty,
// in which case only defaults and flags apply.
func Load(configFile string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			if err := k.Load(file.Provider(configFile), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("load config file %s: %w", configFile, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config file %s: %w", configFile, err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, fmt.Errorf("load flags: %w", err)
		}
	}

	out := Defaults()
	if err := k.Unmarshal("", &out); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return out, nil
}
