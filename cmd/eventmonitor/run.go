// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/webos-ports/event-monitor/internal/bus"
	"github.com/webos-ports/event-monitor/internal/config"
	"github.com/webos-ports/event-monitor/internal/control"
	"github.com/webos-ports/event-monitor/internal/logging"
	"github.com/webos-ports/event-monitor/internal/observability"
	"github.com/webos-ports/event-monitor/internal/plugin"
	"github.com/webos-ports/event-monitor/internal/plugin/policy"
	"github.com/webos-ports/event-monitor/plugins/sample"
)

// NewRunCmd creates the run subcommand: it connects to the bus hub,
// discovers plugins, and drives them until a shutdown signal arrives.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the event monitor core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEventMonitor(cmd.Context(), cmd)
		},
	}

	registerRunFlags(cmd)
	return cmd
}

// registerRunFlags declares one flag per internal/config.Config field, each
// defaulting to config.Defaults() so an unset flag never overrides a value
// the config file set; see the posflag.Provider(flags, ".", k) call in
// config.Load, which skips unchanged flags whose key the file already set.
func registerRunFlags(cmd *cobra.Command) {
	defaults := config.Defaults()
	cmd.Flags().String("hub-url", defaults.HubURL, "websocket address of the service bus hub")
	cmd.Flags().String("service-path", defaults.ServicePath, "this process's own bus service name")
	cmd.Flags().String("plugins-dir", defaults.PluginsDir, "directory to scan for plugin.yaml manifests")
	cmd.Flags().String("locale-dir", defaults.LocaleDir, "directory containing localization resources")
	cmd.Flags().String("control-component", defaults.ControlComponent, "component name for the control socket")
	cmd.Flags().String("metrics-addr", defaults.MetricsAddr, "listen address for the metrics/health HTTP server (empty disables it)")
	cmd.Flags().String("log-format", defaults.LogFormat, "log format: json or text")
	cmd.Flags().String("bus-identity", defaults.BusIdentity, "identity to present to the bus hub on connect")
}

func runEventMonitor(ctx context.Context, cmd *cobra.Command) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.SetDefault("event-monitor", version, cfg.LogFormat)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := bus.Dial(ctx, cfg.HubURL, bus.DialOptions{
		Identity:       cfg.BusIdentity,
		RetryAttempts:  5,
		RetryBaseDelay: 200 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("attach to bus hub: %w", err)
	}

	gateway := bus.NewGateway(client)
	client.SetDisconnectHandler(func() {
		slog.Error("bus hub connection lost")
		cancel()
	})

	loop := plugin.NewEventLoop()

	instantiator := plugin.NewInProcessInstantiator()
	instantiator.Register(plugin.Registration{
		Handle:     sample.Handle,
		APIVersion: 1,
		New:        sample.New,
	})

	enforcer := policy.NewEnforcer()
	registry := plugin.NewRegistry(cfg.PluginsDir)
	manager := plugin.NewPluginManager(instantiator, gateway, enforcer, loop, cfg.ServicePath)
	monitor := plugin.NewServiceMonitor(gateway, manager, registry)

	controlServer := control.NewServer(cfg.ControlComponent, func() { cancel() })
	controlServer.SetStatusProvider(func() control.DomainStatus {
		return control.DomainStatus{
			BusConnected:      client.Connected(),
			ActivePluginCount: manager.ActivePluginCount(),
			Services:          monitor.ServiceStatus(),
		}
	})
	if err := controlServer.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	defer stopControlServer(controlServer)

	var obsServer *observability.Server
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, func() bool { return true })
		if _, err := obsServer.Start(); err != nil {
			return fmt.Errorf("start observability server: %w", err)
		}
		defer stopObservabilityServer(obsServer)
	}

	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("start service monitor: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		if sig == syscall.SIGUSR1 {
			// Test hook: exit immediately, skipping cleanup.
			os.Exit(0)
		}
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	cmd.Println("event monitor started")
	slog.Info("event monitor ready", "hub_url", cfg.HubURL, "service_path", cfg.ServicePath)

	pumpErr := client.Pump(ctx, loop.Channel())
	if pumpErr != nil && !errors.Is(pumpErr, context.Canceled) {
		return fmt.Errorf("bus pump stopped: %w", pumpErr)
	}
	return nil
}

func stopControlServer(s *control.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping control socket", "error", err)
	}
}

func stopObservabilityServer(s *observability.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping observability server", "error", err)
	}
}
