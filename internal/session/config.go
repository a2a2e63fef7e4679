/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dap-engine/internal/breakpoints"
	idap "github.com/microsoft/dap-engine/internal/dap"
	"github.com/microsoft/dap-engine/internal/debuggee"
)

const (
	DefaultConfigurationDoneTimeout = 5 * time.Second
	DefaultRuntimeTimeout           = 10 * time.Second
)

// Connector establishes the runtime connection for a launch or attach request.
type Connector interface {
	Connect(ctx context.Context, target debuggee.Target) (debuggee.Debugger, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context, target debuggee.Target) (debuggee.Debugger, error)

func (f ConnectorFunc) Connect(ctx context.Context, target debuggee.Target) (debuggee.Debugger, error) {
	return f(ctx, target)
}

// Config holds the engine-wide settings shared by every session of a process.
type Config struct {
	// Connector produces the runtime connection. Required.
	Connector Connector

	// BreakOnLoad is the strategy used when the launch arguments do not name one.
	BreakOnLoad breakpoints.Strategy

	CaseInsensitivePaths bool

	// ColumnBreakpoints enables column refinement of breakpoints and the breakpointLocations request.
	ColumnBreakpoints bool

	// ConfigurationDoneTimeout bounds the wait for configurationDone during launch and attach.
	ConfigurationDoneTimeout time.Duration

	// RuntimeTimeout bounds establishing the runtime connection.
	RuntimeTimeout time.Duration

	// EventDeduplicationWindow suppresses identical breakpoint events sent within the window.
	EventDeduplicationWindow time.Duration

	Logger logr.Logger
}

func DefaultConfig() Config {
	return Config{
		BreakOnLoad:              breakpoints.BreakOnLoadOff,
		ColumnBreakpoints:        true,
		ConfigurationDoneTimeout: DefaultConfigurationDoneTimeout,
		RuntimeTimeout:           DefaultRuntimeTimeout,
		EventDeduplicationWindow: idap.DefaultDeduplicationWindow,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BreakOnLoad == "" {
		c.BreakOnLoad = defaults.BreakOnLoad
	}
	if c.ConfigurationDoneTimeout <= 0 {
		c.ConfigurationDoneTimeout = defaults.ConfigurationDoneTimeout
	}
	if c.RuntimeTimeout <= 0 {
		c.RuntimeTimeout = defaults.RuntimeTimeout
	}
	if c.EventDeduplicationWindow <= 0 {
		c.EventDeduplicationWindow = defaults.EventDeduplicationWindow
	}
	if c.Logger.GetSink() == nil {
		c.Logger = logr.Discard()
	}
	return c
}

// LaunchArgs are the arguments of the launch and attach requests.
type LaunchArgs struct {
	// URL is the runtime WebSocket endpoint. When empty, Address and Port locate the discovery endpoint.
	URL     string `json:"url,omitempty"`
	Address string `json:"address,omitempty"`
	Port    int    `json:"port,omitempty"`

	// PathMapping maps runtime URL prefixes to client path prefixes.
	PathMapping map[string]string `json:"pathMapping,omitempty"`

	// SourceMaps defaults to true.
	SourceMaps             *bool             `json:"sourceMaps,omitempty"`
	SourceMapPathOverrides map[string]string `json:"sourceMapPathOverrides,omitempty"`

	SkipFiles       []string `json:"skipFiles,omitempty"`
	SkipFileRegExps []string `json:"skipFileRegExps,omitempty"`

	BreakOnLoadStrategy string `json:"breakOnLoadStrategy,omitempty"`

	// Timeout in milliseconds for connecting to the runtime.
	Timeout int `json:"timeout,omitempty"`

	// ShowAsyncStacks is accepted for compatibility and ignored.
	ShowAsyncStacks bool `json:"showAsyncStacks,omitempty"`

	// ColumnBreakpoints overrides the engine setting for this session.
	ColumnBreakpoints *bool `json:"columnBreakpoints,omitempty"`
}

func (a LaunchArgs) sourceMapsEnabled() bool {
	return a.SourceMaps == nil || *a.SourceMaps
}

func (a LaunchArgs) target() debuggee.Target {
	return debuggee.Target{URL: a.URL, Address: a.Address, Port: a.Port}
}

func (a LaunchArgs) connectTimeout(fallback time.Duration) time.Duration {
	if a.Timeout > 0 {
		return time.Duration(a.Timeout) * time.Millisecond
	}
	return fallback
}
