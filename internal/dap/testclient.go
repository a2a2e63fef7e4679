/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/smallnest/chanx"
)

// TestClient is a DAP client for testing purposes.
// It plays the editor's role and provides helper methods for common DAP operations.
type TestClient struct {
	correlator *Correlator
	events     *chanx.UnboundedChan[*Message]
	timeout    time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewTestClient creates a new DAP test client with the given transport and starts reading from it.
func NewTestClient(transport Transport, log logr.Logger) *TestClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &TestClient{
		events:  chanx.NewUnboundedChan[*Message](ctx, 16),
		timeout: 5 * time.Second,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.correlator = NewCorrelator(transport, CorrelatorConfig{
		OnEvent: func(msg *Message) {
			select {
			case c.events.In <- msg:
			case <-ctx.Done():
			}
		},
		// The adapter may send reverse requests such as runInTerminal; the test client rejects all of them.
		Log: log.WithName("TestClient"),
	})

	go func() {
		_ = c.correlator.Run(ctx)
	}()

	return c
}

// Send sends a request and waits for the response. A failed response is returned as an error.
func (c *TestClient) Send(ctx context.Context, command string, args any) (*Message, error) {
	resp, err := c.correlator.SendRequest(ctx, command, args, c.timeout)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return resp, fmt.Errorf("'%s' request failed: %s", command, resp.Message)
	}
	return resp, nil
}

// SendAndDecode sends a request and decodes the body of a successful response into body.
func (c *TestClient) SendAndDecode(ctx context.Context, command string, args any, body any) error {
	resp, err := c.Send(ctx, command, args)
	if err != nil {
		return err
	}
	return resp.Decode(body)
}

// SendRaw sends a request and returns the response whether it succeeded or not.
func (c *TestClient) SendRaw(ctx context.Context, command string, args any) (*Message, error) {
	return c.correlator.SendRequest(ctx, command, args, c.timeout)
}

func (c *TestClient) Initialize(ctx context.Context) (*dap.Capabilities, error) {
	var caps dap.Capabilities
	err := c.SendAndDecode(ctx, "initialize", dap.InitializeRequestArguments{
		ClientID:        "test",
		AdapterID:       "dap-engine",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
		PathFormat:      "path",
	}, &caps)
	if err != nil {
		return nil, err
	}
	return &caps, nil
}

func (c *TestClient) ConfigurationDone(ctx context.Context) error {
	_, err := c.Send(ctx, "configurationDone", nil)
	return err
}

func (c *TestClient) SetBreakpoints(ctx context.Context, path string, lines ...int) ([]dap.Breakpoint, error) {
	bps := make([]dap.SourceBreakpoint, len(lines))
	for i, line := range lines {
		bps[i] = dap.SourceBreakpoint{Line: line}
	}
	var body dap.SetBreakpointsResponseBody
	err := c.SendAndDecode(ctx, "setBreakpoints", dap.SetBreakpointsArguments{
		Source:      dap.Source{Path: path},
		Breakpoints: bps,
	}, &body)
	return body.Breakpoints, err
}

func (c *TestClient) Threads(ctx context.Context) ([]dap.Thread, error) {
	var body dap.ThreadsResponseBody
	err := c.SendAndDecode(ctx, "threads", nil, &body)
	return body.Threads, err
}

func (c *TestClient) StackTrace(ctx context.Context, threadID int) ([]dap.StackFrame, error) {
	var body dap.StackTraceResponseBody
	err := c.SendAndDecode(ctx, "stackTrace", dap.StackTraceArguments{ThreadId: threadID}, &body)
	return body.StackFrames, err
}

func (c *TestClient) Scopes(ctx context.Context, frameID int) ([]dap.Scope, error) {
	var body dap.ScopesResponseBody
	err := c.SendAndDecode(ctx, "scopes", dap.ScopesArguments{FrameId: frameID}, &body)
	return body.Scopes, err
}

func (c *TestClient) Variables(ctx context.Context, reference int) ([]dap.Variable, error) {
	var body dap.VariablesResponseBody
	err := c.SendAndDecode(ctx, "variables", dap.VariablesArguments{VariablesReference: reference}, &body)
	return body.Variables, err
}

func (c *TestClient) Evaluate(ctx context.Context, expression string, frameID int, evalContext string) (*dap.EvaluateResponseBody, error) {
	var body dap.EvaluateResponseBody
	err := c.SendAndDecode(ctx, "evaluate", dap.EvaluateArguments{
		Expression: expression,
		FrameId:    frameID,
		Context:    evalContext,
	}, &body)
	if err != nil {
		return nil, err
	}
	return &body, nil
}

func (c *TestClient) Continue(ctx context.Context, threadID int) error {
	_, err := c.Send(ctx, "continue", dap.ContinueArguments{ThreadId: threadID})
	return err
}

func (c *TestClient) Disconnect(ctx context.Context) error {
	_, err := c.Send(ctx, "disconnect", dap.DisconnectArguments{})
	return err
}

// NextEvent returns the next event sent by the adapter.
func (c *TestClient) NextEvent(ctx context.Context) (*Message, error) {
	select {
	case msg, isOpen := <-c.events.Out:
		if !isOpen {
			return nil, ErrTransportClosed
		}
		return msg, nil
	case <-c.correlator.Done():
		// Drain events that arrived before the connection ended.
		select {
		case msg, isOpen := <-c.events.Out:
			if isOpen {
				return msg, nil
			}
		default:
		}
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitForEvent skips events until one with the given name arrives.
func (c *TestClient) WaitForEvent(ctx context.Context, event string) (*Message, error) {
	for {
		msg, err := c.NextEvent(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for '%s' event: %w", event, err)
		}
		if msg.Event == event {
			return msg, nil
		}
	}
}

// WaitForTypedEvent waits for the named event and converts it to the corresponding go-dap type.
func (c *TestClient) WaitForTypedEvent(ctx context.Context, event string) (dap.Message, error) {
	msg, err := c.WaitForEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	return msg.ToProtocolMessage()
}

// Close closes the client and its transport.
func (c *TestClient) Close() error {
	err := c.correlator.Close(nil)
	c.cancel()
	return err
}
