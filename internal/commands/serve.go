/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"golang.org/x/net/nettest"
	"golang.org/x/sync/errgroup"

	"github.com/microsoft/dap-engine/internal/breakpoints"
	idap "github.com/microsoft/dap-engine/internal/dap"
	"github.com/microsoft/dap-engine/internal/inspector"
	"github.com/microsoft/dap-engine/internal/mux"
	"github.com/microsoft/dap-engine/internal/session"
)

const defaultHost = "127.0.0.1"

type serveFlags struct {
	port                 int
	host                 string
	runtimeTimeout       time.Duration
	callTimeout          time.Duration
	configDoneTimeout    time.Duration
	notificationGrace    time.Duration
	breakOnLoad          string
	caseInsensitivePaths bool
	noColumnBreakpoints  bool
}

func NewServeCommand(log logr.Logger) *cobra.Command {
	flags := serveFlags{}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the debug adapter",
		Long: `Runs the debug adapter.

	Without --port the adapter serves a single session over stdin and stdout.
	With --port it listens for TCP connections and runs one session per connection.`,
		RunE: runServe(log, &flags),
		Args: cobra.NoArgs,
	}

	fs := serveCmd.Flags()
	fs.IntVar(&flags.port, "port", 0, "TCP port to listen on. 0 serves a single session over stdio.")
	fs.StringVar(&flags.host, "host", defaultHost, "Address to listen on when --port is set.")
	fs.DurationVar(&flags.runtimeTimeout, "runtime-timeout", inspector.DefaultConnectTimeout, "Timeout for connecting to the debugged runtime.")
	fs.DurationVar(&flags.callTimeout, "call-timeout", inspector.DefaultCallTimeout, "Timeout for a single call to the debugged runtime.")
	fs.DurationVar(&flags.configDoneTimeout, "config-done-timeout", session.DefaultConfigurationDoneTimeout, "How long launch and attach wait for configurationDone before starting the debuggee.")
	fs.DurationVar(&flags.notificationGrace, "notification-grace", mux.DefaultNotificationGrace, "How long runtime notifications are kept for a domain that is not enabled yet.")
	fs.StringVar(&flags.breakOnLoad, "break-on-load", string(breakpoints.BreakOnLoadOff), "Default break-on-load strategy: 'regex', 'instrument' or 'off'.")
	fs.BoolVar(&flags.caseInsensitivePaths, "case-insensitive-paths", IsWindows(), "Compare client paths without regard to case.")
	fs.BoolVar(&flags.noColumnBreakpoints, "no-column-breakpoints", false, "Disable column breakpoints and the breakpointLocations request.")

	return serveCmd
}

func runServe(log logr.Logger, flags *serveFlags) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		log = log.WithName("serve")

		strategy, err := breakpoints.ParseStrategy(flags.breakOnLoad)
		if err != nil {
			return err
		}

		connectorCfg := inspector.DefaultConnectorConfig()
		connectorCfg.ConnectTimeout = flags.runtimeTimeout
		connectorCfg.NotificationGrace = flags.notificationGrace
		connectorCfg.Client.CallTimeout = flags.callTimeout

		cfg := session.DefaultConfig()
		cfg.Connector = inspector.NewConnector(connectorCfg, log.WithName("Connector"))
		cfg.BreakOnLoad = strategy
		cfg.CaseInsensitivePaths = flags.caseInsensitivePaths
		cfg.ColumnBreakpoints = !flags.noColumnBreakpoints
		cfg.ConfigurationDoneTimeout = flags.configDoneTimeout
		cfg.RuntimeTimeout = flags.runtimeTimeout

		ctx := cmd.Context()
		if flags.port == 0 {
			return serveStdio(ctx, cfg, log)
		}
		if err = validateHost(flags.host); err != nil {
			return err
		}
		return serveTCP(ctx, cfg, net.JoinHostPort(flags.host, strconv.Itoa(flags.port)), log)
	}
}

func serveStdio(ctx context.Context, cfg session.Config, log logr.Logger) error {
	cfg.Logger = log.WithName("Session")
	s := session.NewSession(idap.NewStdioTransport(os.Stdin, os.Stdout), cfg)
	log.V(1).Info("Serving a debug session over stdio", "SessionID", s.ID())
	return filterContextError(s.Run(ctx), ctx)
}

func serveTCP(ctx context.Context, cfg session.Config, address string, log logr.Logger) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("could not listen on '%s': %w", address, err)
	}
	log.Info("Debug adapter listening", "Address", listener.Addr().String())
	return serveListener(ctx, cfg, listener, log)
}

// validateHost accepts a host name, or an IP address of a family this machine has configured.
func validateHost(host string) error {
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		if _, err := net.LookupHost(host); err != nil {
			return fmt.Errorf("'%s' is not a valid address to listen on: %w", host, err)
		}
		return nil
	}
	if ip.To4() != nil && nettest.SupportsIPv4() {
		return nil
	}
	if ip.To4() == nil && len(ip.To16()) == net.IPv6len && nettest.SupportsIPv6() {
		return nil
	}
	return fmt.Errorf("'%s' is not a valid address to listen on: the IP protocol version is not supported", host)
}

// serveListener runs one session per accepted connection until ctx is cancelled, then waits for the sessions to end.
func serveListener(ctx context.Context, cfg session.Config, listener net.Listener, log logr.Logger) error {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var sessions errgroup.Group
	var acceptErr error
	for {
		conn, connErr := listener.Accept()
		if connErr != nil {
			if ctx.Err() == nil && !errors.Is(connErr, net.ErrClosed) {
				acceptErr = fmt.Errorf("could not accept a client connection: %w", connErr)
			}
			break
		}

		sessionCfg := cfg
		sessionCfg.Logger = log.WithName("Session")
		s := session.NewSession(idap.NewTCPTransport(conn), sessionCfg)
		log.V(1).Info("Client connected", "Remote", conn.RemoteAddr().String(), "SessionID", s.ID())

		sessions.Go(func() error {
			if runErr := filterContextError(s.Run(ctx), ctx); runErr != nil {
				log.Error(runErr, "Debug session ended with an error", "SessionID", s.ID())
			}
			return nil
		})
	}

	_ = sessions.Wait()
	return acceptErr
}
