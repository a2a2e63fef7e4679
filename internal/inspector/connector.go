/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dap-engine/internal/debuggee"
	"github.com/microsoft/dap-engine/internal/mux"
	"github.com/microsoft/dap-engine/pkg/resiliency"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultAddress        = "127.0.0.1"

	// AdapterChannelName is the multiplexor channel the engine uses for its own traffic.
	AdapterChannelName = "adapter"
)

var ErrNoTarget = errors.New("the runtime does not expose any debuggable target")

type ConnectorConfig struct {
	Client            Config
	ConnectTimeout    time.Duration
	NotificationGrace time.Duration
}

func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		Client:            DefaultConfig(),
		ConnectTimeout:    DefaultConnectTimeout,
		NotificationGrace: mux.DefaultNotificationGrace,
	}
}

// Connector creates inspector clients for launch and attach requests.
type Connector struct {
	cfg        ConnectorConfig
	httpClient *http.Client
	log        logr.Logger
}

func NewConnector(cfg ConnectorConfig, log logr.Logger) *Connector {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Connector{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.ConnectTimeout},
		log:        log,
	}
}

// Connect dials the runtime, puts a multiplexor over the connection and returns a client on its adapter channel.
func (c *Connector) Connect(ctx context.Context, target debuggee.Target) (debuggee.Debugger, error) {
	url := target.URL
	if url == "" {
		discovered, err := c.discover(ctx, target)
		if err != nil {
			return nil, err
		}
		url = discovered
	}

	conn, err := mux.DialWebSocket(ctx, url, c.cfg.ConnectTimeout, c.log)
	if err != nil {
		return nil, err
	}

	m := mux.NewMultiplexor(conn, mux.Config{NotificationGrace: c.cfg.NotificationGrace}, c.log.WithName("mux"))
	channel, err := m.AddChannel(AdapterChannelName)
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	go func() {
		if runErr := m.Run(context.Background()); runErr != nil {
			c.log.V(1).Info("Runtime connection ended", "URL", url, "Error", runErr.Error())
		}
	}()

	c.log.Info("Connected to runtime", "URL", url)
	return &muxClient{Client: NewClient(channel, c.cfg.Client, c.log.WithName("inspector")), mux: m}, nil
}

type targetInfo struct {
	Type                 string `json:"type"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// discover asks the runtime's HTTP endpoint for the WebSocket URL of its first debuggable target.
func (c *Connector) discover(ctx context.Context, target debuggee.Target) (string, error) {
	address := target.Address
	if address == "" {
		address = DefaultAddress
	}
	if target.Port <= 0 {
		return "", errors.New("either a runtime URL or a port is required")
	}
	listURL := "http://" + net.JoinHostPort(address, strconv.Itoa(target.Port)) + "/json/list"

	targets, err := resiliency.RetryGet(ctx, resiliency.ConnectBackoff(c.cfg.ConnectTimeout), func() ([]targetInfo, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
		if reqErr != nil {
			return nil, resiliency.Permanent(reqErr)
		}
		resp, getErr := c.httpClient.Do(req)
		if getErr != nil {
			c.log.V(1).Info("Runtime discovery endpoint not available yet", "URL", listURL, "Error", getErr.Error())
			return nil, getErr
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("discovery endpoint returned %s", resp.Status)
		}
		var list []targetInfo
		if decodeErr := json.NewDecoder(resp.Body).Decode(&list); decodeErr != nil {
			return nil, resiliency.Permanent(decodeErr)
		}
		return list, nil
	})
	if err != nil {
		return "", fmt.Errorf("could not discover debuggable targets at '%s': %w", listURL, err)
	}

	for _, t := range targets {
		if t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", ErrNoTarget
}

// muxClient also shuts down the multiplexor it was created with.
type muxClient struct {
	*Client
	mux *mux.Multiplexor
}

func (c *muxClient) Close() error {
	return errors.Join(c.Client.Close(), c.mux.Close())
}
