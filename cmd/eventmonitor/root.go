// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/webos-ports/event-monitor/internal/config"
	"github.com/webos-ports/event-monitor/internal/control"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the event monitor CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eventmonitor",
		Short: "event-monitor - a bus-driven plugin orchestration service",
		Long: `event-monitor watches the service bus for locale changes and service
up/down transitions and drives a set of plugins through their lifecycle
in response, the way webOS's event-monitor service drives its plugins.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}

// NewStatusCmd creates the status subcommand: it hits the control socket's
// /status endpoint of a running instance.
func NewStatusCmd() *cobra.Command {
	var component string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of a running event-monitor process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			socketPath, err := control.SocketPath(component)
			if err != nil {
				return fmt.Errorf("resolve control socket path: %w", err)
			}

			body, err := getOverUnixSocket(cmd.Context(), socketPath, "/status")
			if err != nil {
				return fmt.Errorf("query control socket %s: %w", socketPath, err)
			}
			cmd.Println(string(body))
			return nil
		},
	}

	cmd.Flags().StringVar(&component, "component", config.Defaults().ControlComponent, "component name used to locate the control socket")
	return cmd
}

// getOverUnixSocket issues a GET request for path against an HTTP server
// listening on the unix socket at socketPath, the same way control.Server
// is reached in practice.
func getOverUnixSocket(ctx context.Context, socketPath, path string) ([]byte, error) {
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://unix"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}
