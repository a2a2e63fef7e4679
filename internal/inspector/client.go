/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package inspector binds debuggee.Debugger to a runtime speaking {id, method, params} JSON-RPC
// over a multiplexor channel.
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	idap "github.com/microsoft/dap-engine/internal/dap"
	"github.com/microsoft/dap-engine/internal/debuggee"
	"github.com/microsoft/dap-engine/internal/mux"
)

const (
	DefaultCallTimeout = 10 * time.Second

	eventsInitialCapacity = 32
)

type Config struct {
	// CallTimeout bounds every runtime call. A call that is not answered in time fails with a timeout error.
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{CallTimeout: DefaultCallTimeout}
}

// Client is a debuggee.Debugger talking to the runtime through one multiplexor channel.
type Client struct {
	channel *mux.Channel
	timeout time.Duration
	log     logr.Logger

	lifetimeCtx context.Context
	cancel      context.CancelFunc

	nextID atomic.Int64

	lock    sync.Mutex
	pending map[int64]chan mux.RPCMessage
	closed  bool

	events     *chanx.UnboundedChan[debuggee.Event]
	closedOnce sync.Once
	done       chan struct{}
}

var _ debuggee.Debugger = (*Client)(nil)

// NewClient starts reading from the channel. The client owns the channel and closes it in Close.
func NewClient(channel *mux.Channel, cfg Config, log logr.Logger) *Client {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	lifetimeCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		channel:     channel,
		timeout:     timeout,
		log:         log,
		lifetimeCtx: lifetimeCtx,
		cancel:      cancel,
		pending:     make(map[int64]chan mux.RPCMessage),
		events:      chanx.NewUnboundedChan[debuggee.Event](lifetimeCtx, eventsInitialCapacity),
		done:        make(chan struct{}),
	}

	go c.readLoop()
	return c
}

func (c *Client) Events() <-chan debuggee.Event {
	return c.events.Out
}

// Done is closed when the runtime connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	err := c.channel.Close()
	<-c.done
	c.cancel()
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.lock.Lock()
		pending := c.pending
		c.pending = make(map[int64]chan mux.RPCMessage)
		c.closed = true
		c.lock.Unlock()
		for _, waiter := range pending {
			close(waiter)
		}

		c.emitClosed(debuggee.ClosedEvent{})
		close(c.events.In)
		close(c.done)
	}()

	for msg := range c.channel.Messages() {
		if msg.ID != nil {
			c.lock.Lock()
			waiter, found := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.lock.Unlock()

			if !found {
				c.log.V(1).Info("Dropping late runtime response", "ID", *msg.ID)
				continue
			}
			waiter <- msg
			continue
		}

		c.handleNotification(msg)
	}
}

func (c *Client) emit(ev debuggee.Event) {
	select {
	case c.events.In <- ev:
	case <-c.lifetimeCtx.Done():
	}
}

func (c *Client) emitClosed(ev debuggee.ClosedEvent) {
	c.closedOnce.Do(func() { c.emit(ev) })
}

func (c *Client) handleNotification(msg mux.RPCMessage) {
	var err error

	switch msg.Method {
	case notificationScriptParsed:
		var p scriptParsedParams
		if err = json.Unmarshal(msg.Params, &p); err == nil {
			c.emit(debuggee.ScriptParsedEvent{Script: debuggee.Script{
				ID:                 p.ScriptID,
				URL:                p.URL,
				SourceMapURL:       p.SourceMapURL,
				ExecutionContextID: p.ExecutionContextID,
			}})
		}

	case notificationPaused:
		var p pausedParams
		if err = json.Unmarshal(msg.Params, &p); err == nil {
			ev := debuggee.PausedEvent{Reason: p.Reason, Data: p.Data, HitBreakpoints: p.HitBreakpoints}
			for _, f := range p.CallFrames {
				ev.CallFrames = append(ev.CallFrames, f.toCallFrame())
			}
			c.emit(ev)
		}

	case notificationResumed:
		c.emit(debuggee.ResumedEvent{})

	case notificationBreakpointResolved:
		var p breakpointResolvedParams
		if err = json.Unmarshal(msg.Params, &p); err == nil {
			c.emit(debuggee.BreakpointResolvedEvent{ID: p.BreakpointID, Location: p.Location.toLocation()})
		}

	case notificationConsoleAPICalled:
		var p consoleAPICalledParams
		if err = json.Unmarshal(msg.Params, &p); err == nil {
			ev := debuggee.ConsoleEvent{Type: p.Type, Args: p.Args}
			if p.StackTrace != nil && len(p.StackTrace.CallFrames) > 0 {
				top := p.StackTrace.CallFrames[0]
				ev.Location = &debuggee.Location{ScriptID: top.ScriptID, Line: top.LineNumber, Column: top.ColumnNumber}
			}
			c.emit(ev)
		}

	case notificationExceptionThrown:
		var p exceptionThrownParams
		if err = json.Unmarshal(msg.Params, &p); err == nil {
			c.emit(debuggee.ExceptionThrownEvent{Details: *p.ExceptionDetails.toExceptionDetails()})
		}

	case notificationExecutionContextsCleared:
		c.emit(debuggee.ExecutionContextsClearedEvent{})

	case notificationExecutionContextDestroyed:
		// The runtime tears down its only context when the debuggee exits.
		c.emitClosed(debuggee.ClosedEvent{})

	default:
		c.log.V(1).Info("Ignoring runtime notification", "Method", msg.Method)
	}

	if err != nil {
		c.log.Error(err, "Could not decode runtime notification", "Method", msg.Method)
	}
}

// call sends one request and waits for its response, the call timeout, or context cancellation.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("could not serialize parameters of '%s': %w", method, err)
		}
		rawParams = data
	}

	id := c.nextID.Add(1)
	waiter := make(chan mux.RPCMessage, 1)

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return debuggee.ErrClosed
	}
	c.pending[id] = waiter
	c.lock.Unlock()

	forget := func() {
		c.lock.Lock()
		delete(c.pending, id)
		c.lock.Unlock()
	}

	if err := c.channel.Send(mux.RPCMessage{ID: &id, Method: method, Params: rawParams}); err != nil {
		forget()
		if errors.Is(err, mux.ErrChannelClosed) {
			return debuggee.ErrClosed
		}
		return idap.RuntimeCallFailed(method, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var resp mux.RPCMessage
	select {
	case msg, ok := <-waiter:
		if !ok {
			return debuggee.ErrClosed
		}
		resp = msg
	case <-timer.C:
		forget()
		return idap.RuntimeTimeout(method).WithCause(idap.ErrRequestTimeout)
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}

	if resp.Error != nil {
		if strings.Contains(resp.Error.Message, breakpointExistsMessage) {
			return debuggee.ErrBreakpointExists
		}
		return idap.RuntimeCallFailed(method, resp.Error)
	}

	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("could not decode result of '%s': %w", method, err)
		}
	}
	return nil
}

func (c *Client) Enable(ctx context.Context) error {
	if err := c.call(ctx, methodRuntimeEnable, nil, nil); err != nil {
		return err
	}
	return c.call(ctx, methodDebuggerEnable, nil, nil)
}

func (c *Client) RunIfWaitingForDebugger(ctx context.Context) error {
	return c.call(ctx, methodRunIfWaitingForDebugger, nil, nil)
}

func (c *Client) SetBreakpointByURL(ctx context.Context, params debuggee.SetBreakpointByURLParams) (debuggee.BreakpointResult, error) {
	req := setBreakpointByURLRequest{
		LineNumber:   params.Line,
		ColumnNumber: params.Column,
		Condition:    params.Condition,
	}
	if params.URLRegex != "" {
		req.URLRegex = params.URLRegex
	} else {
		req.URL = params.URL
	}

	var resp setBreakpointByURLResponse
	if err := c.call(ctx, methodSetBreakpointByURL, req, &resp); err != nil {
		return debuggee.BreakpointResult{}, err
	}

	result := debuggee.BreakpointResult{ID: resp.BreakpointID}
	for _, l := range resp.Locations {
		result.Locations = append(result.Locations, l.toLocation())
	}
	return result, nil
}

func (c *Client) SetBreakpoint(ctx context.Context, location debuggee.Location, condition string) (debuggee.BreakpointResult, error) {
	var resp setBreakpointResponse
	req := setBreakpointRequest{Location: toWireLocation(location), Condition: condition}
	if err := c.call(ctx, methodSetBreakpoint, req, &resp); err != nil {
		return debuggee.BreakpointResult{}, err
	}

	result := debuggee.BreakpointResult{ID: resp.BreakpointID}
	if resp.ActualLocation != nil {
		result.Locations = []debuggee.Location{resp.ActualLocation.toLocation()}
	}
	return result, nil
}

func (c *Client) RemoveBreakpoint(ctx context.Context, id debuggee.BreakpointID) error {
	return c.call(ctx, methodRemoveBreakpoint, map[string]any{"breakpointId": id}, nil)
}

func (c *Client) GetPossibleBreakpoints(ctx context.Context, start debuggee.Location, end debuggee.Location) ([]debuggee.Location, error) {
	var resp struct {
		Locations []wireLocation `json:"locations"`
	}
	req := map[string]any{
		"start":              toWireLocation(start),
		"end":                toWireLocation(end),
		"restrictToFunction": false,
	}
	if err := c.call(ctx, methodGetPossibleBreakpoints, req, &resp); err != nil {
		return nil, err
	}

	locations := make([]debuggee.Location, 0, len(resp.Locations))
	for _, l := range resp.Locations {
		locations = append(locations, l.toLocation())
	}
	return locations, nil
}

func (c *Client) SetInstrumentationBreakpoint(ctx context.Context, instrumentation string) (debuggee.BreakpointID, error) {
	var resp struct {
		BreakpointID debuggee.BreakpointID `json:"breakpointId"`
	}
	if err := c.call(ctx, methodSetInstrumentationBreakpoint, map[string]any{"instrumentation": instrumentation}, &resp); err != nil {
		return "", err
	}
	return resp.BreakpointID, nil
}

func (c *Client) SetPauseOnExceptions(ctx context.Context, state debuggee.PauseOnExceptionsState) error {
	return c.call(ctx, methodSetPauseOnExceptions, map[string]any{"state": state}, nil)
}

func (c *Client) SetBlackboxPatterns(ctx context.Context, patterns []string) error {
	if patterns == nil {
		patterns = []string{}
	}
	return c.call(ctx, methodSetBlackboxPatterns, map[string]any{"patterns": patterns}, nil)
}

func (c *Client) SetBlackboxedRanges(ctx context.Context, scriptID debuggee.ScriptID, positions []debuggee.Position) error {
	type scriptPosition struct {
		LineNumber   int `json:"lineNumber"`
		ColumnNumber int `json:"columnNumber"`
	}
	wire := make([]scriptPosition, 0, len(positions))
	for _, p := range positions {
		wire = append(wire, scriptPosition{LineNumber: p.Line, ColumnNumber: p.Column})
	}
	return c.call(ctx, methodSetBlackboxedRanges, map[string]any{"scriptId": scriptID, "positions": wire}, nil)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.call(ctx, methodResume, nil, nil)
}

func (c *Client) StepOver(ctx context.Context) error {
	return c.call(ctx, methodStepOver, nil, nil)
}

func (c *Client) StepInto(ctx context.Context) error {
	return c.call(ctx, methodStepInto, nil, nil)
}

func (c *Client) StepOut(ctx context.Context) error {
	return c.call(ctx, methodStepOut, nil, nil)
}

func (c *Client) Pause(ctx context.Context) error {
	return c.call(ctx, methodPause, nil, nil)
}

func (c *Client) Evaluate(ctx context.Context, expression string, callFrameID string) (debuggee.EvaluateResult, error) {
	var resp evaluateResponse
	var err error
	if callFrameID != "" {
		err = c.call(ctx, methodEvaluateOnCallFrame, map[string]any{
			"callFrameId":     callFrameID,
			"expression":      expression,
			"generatePreview": true,
		}, &resp)
	} else {
		err = c.call(ctx, methodEvaluate, map[string]any{
			"expression":      expression,
			"objectGroup":     objectGroupConsole,
			"generatePreview": true,
		}, &resp)
	}
	if err != nil {
		return debuggee.EvaluateResult{}, err
	}
	return debuggee.EvaluateResult{Result: resp.Result, Exception: resp.ExceptionDetails.toExceptionDetails()}, nil
}

func (c *Client) GetProperties(ctx context.Context, objectID string, ownProperties bool) ([]debuggee.Property, error) {
	var resp struct {
		Result []propertyDescriptor `json:"result"`
	}
	req := map[string]any{
		"objectId":               objectID,
		"ownProperties":          ownProperties,
		"accessorPropertiesOnly": false,
	}
	if err := c.call(ctx, methodGetProperties, req, &resp); err != nil {
		return nil, err
	}

	properties := make([]debuggee.Property, 0, len(resp.Result))
	for _, d := range resp.Result {
		properties = append(properties, debuggee.Property{Name: d.Name, Value: d.Value, Getter: d.Get, IsOwn: d.IsOwn})
	}
	return properties, nil
}

func (c *Client) SetVariableValue(ctx context.Context, callFrameID string, scopeNumber int, name string, value debuggee.RemoteObject) error {
	return c.call(ctx, methodSetVariableValue, map[string]any{
		"callFrameId":  callFrameID,
		"scopeNumber":  scopeNumber,
		"variableName": name,
		"newValue":     toCallArgument(value),
	}, nil)
}

func (c *Client) CallFunctionOn(ctx context.Context, objectID string, functionDeclaration string, args []debuggee.RemoteObject) (debuggee.EvaluateResult, error) {
	wireArgs := make([]callArgument, 0, len(args))
	for _, a := range args {
		wireArgs = append(wireArgs, toCallArgument(a))
	}

	var resp evaluateResponse
	err := c.call(ctx, methodCallFunctionOn, map[string]any{
		"objectId":            objectID,
		"functionDeclaration": functionDeclaration,
		"arguments":           wireArgs,
		"silent":              true,
	}, &resp)
	if err != nil {
		return debuggee.EvaluateResult{}, err
	}
	return debuggee.EvaluateResult{Result: resp.Result, Exception: resp.ExceptionDetails.toExceptionDetails()}, nil
}

func (c *Client) GetScriptSource(ctx context.Context, scriptID debuggee.ScriptID) (string, error) {
	var resp struct {
		ScriptSource string `json:"scriptSource"`
	}
	if err := c.call(ctx, methodGetScriptSource, map[string]any{"scriptId": scriptID}, &resp); err != nil {
		return "", err
	}
	return resp.ScriptSource, nil
}
