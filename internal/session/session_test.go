/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	idap "github.com/microsoft/dap-engine/internal/dap"
	"github.com/microsoft/dap-engine/internal/debuggee"
	"github.com/microsoft/dap-engine/internal/debuggee/debuggeetest"
	"github.com/microsoft/dap-engine/pkg/testutil"
)

const (
	defaultTestTimeout = 20 * time.Second
	waitPollInterval   = 20 * time.Millisecond

	appScriptURL = "file:///app/app.js"
)

// recordingTransport remembers the sequence number of the last request sent for each command.
type recordingTransport struct {
	idap.Transport
	lock sync.Mutex
	seqs map[string]int
}

func (r *recordingTransport) WriteMessage(msg *idap.Message) error {
	err := r.Transport.WriteMessage(msg)
	if msg.Type == idap.RequestMessage {
		r.lock.Lock()
		r.seqs[msg.Command] = msg.Seq
		r.lock.Unlock()
	}
	return err
}

func (r *recordingTransport) lastSeq(command string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.seqs[command]
}

type harness struct {
	ctx      context.Context
	fake     *debuggeetest.Fake
	session  *Session
	client   *idap.TestClient
	recorder *recordingTransport
	runErr   chan error
}

// newHarness connects a test client to a new session whose runtime is the fake, optionally wrapped.
func newHarness(t *testing.T, wrap func(*debuggeetest.Fake) debuggee.Debugger) *harness {
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	t.Cleanup(cancel)
	log := testutil.NewLogForTesting(t.Name())

	fake := debuggeetest.NewFake(ctx)
	var dbg debuggee.Debugger = fake
	if wrap != nil {
		dbg = wrap(fake)
	}

	cfg := DefaultConfig()
	cfg.Logger = log
	cfg.Connector = ConnectorFunc(func(context.Context, debuggee.Target) (debuggee.Debugger, error) {
		return dbg, nil
	})

	pair := testutil.NewStreamPair(t)
	s := NewSession(idap.NewStreamTransport(pair.Left, pair.Left, pair.Left), cfg)
	recorder := &recordingTransport{
		Transport: idap.NewStreamTransport(pair.Right, pair.Right, pair.Right),
		seqs:      make(map[string]int),
	}
	client := idap.NewTestClient(recorder, log)

	h := &harness{ctx: ctx, fake: fake, session: s, client: client, recorder: recorder, runErr: make(chan error, 1)}
	go func() {
		h.runErr <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = client.Close()
		select {
		case <-h.runErr:
		case <-ctx.Done():
		}
	})
	return h
}

// attach runs the initialize, attach, configurationDone handshake. configure runs after the initialized event.
func (h *harness) attach(t *testing.T, configure func()) {
	_, err := h.client.Initialize(h.ctx)
	require.NoError(t, err)

	attached := make(chan error, 1)
	go func() {
		_, attachErr := h.client.Send(h.ctx, "attach", LaunchArgs{Port: 9229})
		attached <- attachErr
	}()

	_, err = h.client.WaitForEvent(h.ctx, idap.EventInitialized)
	require.NoError(t, err)
	if configure != nil {
		configure()
	}
	require.NoError(t, h.client.ConfigurationDone(h.ctx))

	select {
	case err = <-attached:
		require.NoError(t, err)
	case <-h.ctx.Done():
		require.Fail(t, "attach did not complete")
	}
	require.Equal(t, StateRunning, h.session.State())
}

func (h *harness) waitForState(t *testing.T, state State) {
	err := wait.PollUntilContextCancel(h.ctx, waitPollInterval, true /* poll immediately */, func(_ context.Context) (bool, error) {
		return h.session.State() == state, nil
	})
	require.NoError(t, err, "session did not reach state '%s'", state)
}

// pause stops the runtime in main() of app.js with one local scope.
func (h *harness) pause(t *testing.T) dap.StoppedEventBody {
	h.fake.Properties["scope:0"] = []debuggee.Property{
		{Name: "count", Value: &debuggee.RemoteObject{Type: "number", Value: json.RawMessage("42")}},
		{Name: "config", Value: &debuggee.RemoteObject{Type: "object", ClassName: "Object", Description: "Object", ObjectID: "obj:1"}},
	}
	h.fake.Properties["obj:1"] = []debuggee.Property{
		{Name: "name", Value: &debuggee.RemoteObject{Type: "string", Value: json.RawMessage(`"app"`)}},
	}
	h.fake.Emit(debuggee.PausedEvent{
		Reason: debuggee.PauseReasonOther,
		CallFrames: []debuggee.CallFrame{{
			ID:           "frame:0",
			FunctionName: "main",
			Location:     debuggee.Location{ScriptID: "1", Line: 1, Column: 4},
			URL:          appScriptURL,
			ScopeChain: []debuggee.Scope{
				{Type: "local", Object: debuggee.RemoteObject{Type: "object", ObjectID: "scope:0"}},
				{Type: "global", Object: debuggee.RemoteObject{Type: "object", ObjectID: "global"}},
			},
		}},
	})

	msg, err := h.client.WaitForEvent(h.ctx, idap.EventStopped)
	require.NoError(t, err)
	var body dap.StoppedEventBody
	require.NoError(t, msg.Decode(&body))
	return body
}

func requireErrorID(t *testing.T, resp *idap.Message, id int) {
	require.NotNil(t, resp)
	require.False(t, resp.IsSuccess())
	var body dap.ErrorResponseBody
	require.NoError(t, resp.Decode(&body))
	require.NotNil(t, body.Error)
	assert.Equal(t, id, body.Error.Id)
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, CanTransition(StateUninitialized, StateInitializing))
	assert.True(t, CanTransition(StateInitializing, StateAttaching))
	assert.True(t, CanTransition(StateRunning, StatePaused))
	assert.True(t, CanTransition(StatePaused, StateRunning))
	assert.True(t, CanTransition(StateTerminating, StateTerminated))

	assert.False(t, CanTransition(StateUninitialized, StateRunning))
	assert.False(t, CanTransition(StateInitializing, StateInitializing))
	assert.False(t, CanTransition(StateTerminated, StateRunning))
	assert.False(t, CanTransition(StateTerminating, StateRunning))

	var sm stateMachine
	require.NoError(t, sm.Transition("initialize", StateInitializing))
	err := sm.Transition("initialize", StateInitializing)
	pe, isProtocolError := idap.AsProtocolError(err)
	require.True(t, isProtocolError)
	assert.Equal(t, idap.ErrIDInvalidState, pe.ID)

	assert.True(t, sm.terminate(StateTerminating))
	assert.True(t, sm.terminate(StateTerminated))
	assert.False(t, sm.terminate(StateTerminated))
	assert.Equal(t, "terminated", sm.Current().String())
}

func TestSession_InitializeReportsCapabilities(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	caps, err := h.client.Initialize(h.ctx)
	require.NoError(t, err)
	assert.True(t, caps.SupportsConfigurationDoneRequest)
	assert.True(t, caps.SupportsConditionalBreakpoints)
	assert.True(t, caps.SupportsHitConditionalBreakpoints)
	assert.True(t, caps.SupportsLogPoints)
	assert.True(t, caps.SupportsBreakpointLocationsRequest)
	require.Len(t, caps.ExceptionBreakpointFilters, 2)
	assert.Equal(t, StateInitializing, h.session.State())

	resp, err := h.client.SendRaw(h.ctx, "initialize", dap.InitializeRequestArguments{AdapterID: "again"})
	require.NoError(t, err)
	requireErrorID(t, resp, idap.ErrIDInvalidState)
}

func TestSession_UnknownAndUnsupportedCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	resp, err := h.client.SendRaw(h.ctx, "frobnicate", nil)
	require.NoError(t, err)
	requireErrorID(t, resp, idap.ErrIDUnrecognizedRequest)

	resp, err = h.client.SendRaw(h.ctx, "stepBack", nil)
	require.NoError(t, err)
	requireErrorID(t, resp, idap.ErrIDNotSupported)
}

func TestSession_RequestsBeforeAttachFail(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	_, err := h.client.Initialize(h.ctx)
	require.NoError(t, err)

	resp, err := h.client.SendRaw(h.ctx, "setBreakpoints", dap.SetBreakpointsArguments{
		Source:      dap.Source{Path: "/app/app.js"},
		Breakpoints: []dap.SourceBreakpoint{{Line: 1}},
	})
	require.NoError(t, err)
	requireErrorID(t, resp, idap.ErrIDRuntimeNotConnected)

	resp, err = h.client.SendRaw(h.ctx, "attach", LaunchArgs{})
	require.NoError(t, err)
	requireErrorID(t, resp, idap.ErrIDMissingAttribute)
}

func TestSession_RelativeBreakpointPathIsRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	resp, err := h.client.SendRaw(h.ctx, "setBreakpoints", dap.SetBreakpointsArguments{
		Source:      dap.Source{Path: "app/app.js"},
		Breakpoints: []dap.SourceBreakpoint{{Line: 1}},
	})
	require.NoError(t, err)
	requireErrorID(t, resp, idap.ErrIDInvalidPath)
}

func TestSession_StepKeepsItsKindPastUnmetHitCondition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	h.fake.ParseScript(debuggee.Script{ID: "1", URL: appScriptURL}, "function main() {\n    debugger;\n    work();\n}\n")
	_, err := h.client.WaitForEvent(h.ctx, idap.EventLoadedSource)
	require.NoError(t, err)

	var set dap.SetBreakpointsResponseBody
	require.NoError(t, h.client.SendAndDecode(h.ctx, "setBreakpoints", dap.SetBreakpointsArguments{
		Source:      dap.Source{Path: "/app/app.js"},
		Breakpoints: []dap.SourceBreakpoint{{Line: 3, HitCondition: ">= 5"}},
	}, &set))
	require.Len(t, set.Breakpoints, 1)
	require.True(t, set.Breakpoints[0].Verified)
	runtimeID := h.fake.Breakpoints()[0].ID

	h.pause(t)
	h.waitForState(t, StatePaused)
	_, err = h.client.Send(h.ctx, "next", dap.NextArguments{ThreadId: threadID})
	require.NoError(t, err)
	h.waitForState(t, StateRunning)

	// The step lands on the breakpoint before its hit condition is met.
	h.fake.Emit(debuggee.PausedEvent{
		Reason:         debuggee.PauseReasonOther,
		HitBreakpoints: []debuggee.BreakpointID{runtimeID},
		CallFrames:     []debuggee.CallFrame{{ID: "frame:0", Location: debuggee.Location{ScriptID: "1", Line: 2}, URL: appScriptURL}},
	})

	countCalls := func(method string) int {
		n := 0
		for _, call := range h.fake.Calls() {
			if call == method {
				n++
			}
		}
		return n
	}
	err = wait.PollUntilContextCancel(h.ctx, waitPollInterval, true /* poll immediately */, func(_ context.Context) (bool, error) {
		return countCalls("StepOver") == 2, nil
	})
	require.NoError(t, err, "the step over was not issued again")
	assert.Zero(t, countCalls("StepInto"))
	assert.Equal(t, StateRunning, h.session.State())
}

func TestSession_PendingBreakpointVerifiedWhenMappedScriptLoads(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	var pending []dap.Breakpoint
	h.attach(t, func() {
		var err error
		pending, err = h.client.SetBreakpoints(h.ctx, "/app/app.ts", 10)
		require.NoError(t, err)
	})
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Verified)

	sourceMap := `{"version":3,"sources":["app.ts"],"mappings":"AAAA;AASA"}`
	h.fake.ParseScript(debuggee.Script{
		ID:           "1",
		URL:          appScriptURL,
		SourceMapURL: "data:application/json;base64," + base64.StdEncoding.EncodeToString([]byte(sourceMap)),
	}, "let a = 1;\nlet b = 2;\n")

	msg, err := h.client.WaitForEvent(h.ctx, idap.EventBreakpoint)
	require.NoError(t, err)
	var body dap.BreakpointEventBody
	require.NoError(t, msg.Decode(&body))
	assert.Equal(t, idap.ReasonChanged, body.Reason)
	assert.Equal(t, pending[0].Id, body.Breakpoint.Id)
	assert.True(t, body.Breakpoint.Verified)
	assert.Equal(t, 10, body.Breakpoint.Line)

	runtimeBreakpoints := h.fake.Breakpoints()
	require.Len(t, runtimeBreakpoints, 1)
	assert.Equal(t, 1, runtimeBreakpoints[0].Line)
}

func TestSession_SetBreakpointsReplacesPreviousSet(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	h.fake.ParseScript(debuggee.Script{ID: "1", URL: appScriptURL}, "a;\nb;\nc;\nd;\ne;\nf;\ng;\n")
	_, err := h.client.WaitForEvent(h.ctx, idap.EventLoadedSource)
	require.NoError(t, err)

	bps, err := h.client.SetBreakpoints(h.ctx, "/app/app.js", 3, 5)
	require.NoError(t, err)
	require.Len(t, bps, 2)
	assert.True(t, bps[0].Verified)
	assert.True(t, bps[1].Verified)

	bps, err = h.client.SetBreakpoints(h.ctx, "/app/app.js", 7)
	require.NoError(t, err)
	require.Len(t, bps, 1)
	assert.Equal(t, 7, bps[0].Line)

	runtimeBreakpoints := h.fake.Breakpoints()
	require.Len(t, runtimeBreakpoints, 1)
	assert.Equal(t, 6, runtimeBreakpoints[0].Line)
}

func TestSession_InspectPausedState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)
	h.fake.ParseScript(debuggee.Script{ID: "1", URL: appScriptURL}, "function main() {\n    debugger;\n}\n")

	stopped := h.pause(t)
	assert.Equal(t, idap.StopReasonDebuggerStatement, stopped.Reason)
	assert.Equal(t, threadID, stopped.ThreadId)
	h.waitForState(t, StatePaused)

	threads, err := h.client.Threads(h.ctx)
	require.NoError(t, err)
	require.Len(t, threads, 1)

	frames, err := h.client.StackTrace(h.ctx, threadID)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "main", frames[0].Name)
	assert.Equal(t, 2, frames[0].Line)
	assert.Equal(t, 5, frames[0].Column)
	require.NotNil(t, frames[0].Source)
	assert.Equal(t, "/app/app.js", frames[0].Source.Path)

	scopes, err := h.client.Scopes(h.ctx, frames[0].Id)
	require.NoError(t, err)
	require.Len(t, scopes, 2)
	assert.Equal(t, "Local", scopes[0].Name)
	assert.Equal(t, "Global", scopes[1].Name)
	assert.True(t, scopes[1].Expensive)

	vars, err := h.client.Variables(h.ctx, scopes[0].VariablesReference)
	require.NoError(t, err)
	require.Len(t, vars, 2)
	assert.Equal(t, "count", vars[0].Name)
	assert.Equal(t, "42", vars[0].Value)
	assert.Zero(t, vars[0].VariablesReference)
	assert.Equal(t, "config", vars[1].Name)
	require.NotZero(t, vars[1].VariablesReference)

	children, err := h.client.Variables(h.ctx, vars[1].VariablesReference)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, `"app"`, children[0].Value)

	resp, err := h.client.SendRaw(h.ctx, "scopes", dap.ScopesArguments{FrameId: 1})
	require.NoError(t, err)
	requireErrorID(t, resp, idap.ErrIDStackFrameNotValid)

	require.NoError(t, h.client.Continue(h.ctx, threadID))
	h.waitForState(t, StateRunning)

	resp, err = h.client.SendRaw(h.ctx, "stackTrace", dap.StackTraceArguments{ThreadId: threadID})
	require.NoError(t, err)
	requireErrorID(t, resp, idap.ErrIDNotPaused)

	// Handles from the previous pause are gone.
	resp, err = h.client.SendRaw(h.ctx, "variables", dap.VariablesArguments{VariablesReference: scopes[0].VariablesReference})
	require.NoError(t, err)
	requireErrorID(t, resp, idap.ErrIDVariablesRefNotValid)
}

func TestSession_EvaluateFailuresAreReportedAsResults(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.fake.EvaluateFunc = func(expression string, _ string) (debuggee.EvaluateResult, error) {
		switch expression {
		case "missing":
			return debuggee.EvaluateResult{Exception: &debuggee.ExceptionDetails{
				Text:      "Uncaught",
				Exception: &debuggee.RemoteObject{Type: "object", Subtype: "error", Description: "ReferenceError: missing is not defined"},
			}}, nil
		case "broken":
			return debuggee.EvaluateResult{}, errors.New("evaluation failed")
		default:
			return debuggee.EvaluateResult{Result: debuggee.RemoteObject{Type: "number", Value: json.RawMessage("3")}}, nil
		}
	}
	h.attach(t, nil)

	result, err := h.client.Evaluate(h.ctx, "1 + 2", 0, "repl")
	require.NoError(t, err)
	assert.Equal(t, "3", result.Result)
	assert.Equal(t, "number", result.Type)

	result, err = h.client.Evaluate(h.ctx, "missing", 0, "repl")
	require.NoError(t, err)
	assert.Equal(t, "ReferenceError: missing is not defined", result.Result)

	result, err = h.client.Evaluate(h.ctx, "broken", 0, "watch")
	require.NoError(t, err)
	assert.Equal(t, "evaluation failed", result.Result)

	resp, err := h.client.SendRaw(h.ctx, "evaluate", dap.EvaluateArguments{Expression: "x", FrameId: 5})
	require.NoError(t, err)
	requireErrorID(t, resp, idap.ErrIDStackFrameNotValid)
}

// blockingDebugger never answers GetProperties until the request is cancelled.
type blockingDebugger struct {
	*debuggeetest.Fake
	started chan struct{}
	once    sync.Once
}

func (b *blockingDebugger) GetProperties(ctx context.Context, _ string, _ bool) ([]debuggee.Property, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSession_CancelVariablesRequest(t *testing.T) {
	t.Parallel()
	blocking := &blockingDebugger{started: make(chan struct{})}
	h := newHarness(t, func(f *debuggeetest.Fake) debuggee.Debugger {
		blocking.Fake = f
		return blocking
	})
	h.attach(t, nil)
	h.fake.ParseScript(debuggee.Script{ID: "1", URL: appScriptURL}, "")
	h.pause(t)

	frames, err := h.client.StackTrace(h.ctx, threadID)
	require.NoError(t, err)
	scopes, err := h.client.Scopes(h.ctx, frames[0].Id)
	require.NoError(t, err)

	responses := make(chan *idap.Message, 1)
	go func() {
		resp, _ := h.client.SendRaw(h.ctx, "variables", dap.VariablesArguments{VariablesReference: scopes[0].VariablesReference})
		responses <- resp
	}()

	select {
	case <-blocking.started:
	case <-h.ctx.Done():
		require.Fail(t, "variables request did not reach the runtime")
	}

	_, err = h.client.Send(h.ctx, "cancel", dap.CancelArguments{RequestId: h.recorder.lastSeq("variables")})
	require.NoError(t, err)

	select {
	case resp := <-responses:
		requireErrorID(t, resp, idap.ErrIDCancelled)
	case <-h.ctx.Done():
		require.Fail(t, "cancelled request was never answered")
	}
}

func TestSession_RuntimeExitEndsSessionOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	require.NoError(t, h.fake.Close())

	msg, err := h.client.NextEvent(h.ctx)
	for err == nil && msg.Event != idap.EventExited {
		msg, err = h.client.NextEvent(h.ctx)
	}
	require.NoError(t, err)
	var exited dap.ExitedEventBody
	require.NoError(t, msg.Decode(&exited))
	assert.Equal(t, 0, exited.ExitCode)

	msg, err = h.client.NextEvent(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, idap.EventTerminated, msg.Event)

	select {
	case <-h.session.Done():
	case <-h.ctx.Done():
		require.Fail(t, "session did not shut down")
	}
	assert.Equal(t, StateTerminated, h.session.State())

	quietCtx, cancelQuiet := context.WithTimeout(h.ctx, 200*time.Millisecond)
	defer cancelQuiet()
	_, err = h.client.NextEvent(quietCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "no events are expected after terminated")

	resp, err := h.client.SendRaw(h.ctx, "threads", nil)
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	resp, err = h.client.SendRaw(h.ctx, "stackTrace", dap.StackTraceArguments{ThreadId: threadID})
	require.NoError(t, err)
	requireErrorID(t, resp, idap.ErrIDRuntimeNotConnected)
}

func TestSession_DisconnectClosesRuntime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, nil)

	require.NoError(t, h.client.Disconnect(h.ctx))

	select {
	case err := <-h.runErr:
		h.runErr <- err
	case <-h.ctx.Done():
		require.Fail(t, "session did not end after disconnect")
	}
	assert.Equal(t, StateTerminated, h.session.State())
	assert.Contains(t, h.fake.Calls(), "Close")
}

func TestSession_ExceptionBreakpointsApplyToRuntime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.attach(t, func() {
		_, err := h.client.Send(h.ctx, "setExceptionBreakpoints", dap.SetExceptionBreakpointsArguments{Filters: []string{exceptionFilterUncaught}})
		require.NoError(t, err)
	})
	assert.Equal(t, debuggee.PauseOnExceptionsUncaught, h.fake.PauseOnExceptionsState())

	_, err := h.client.Send(h.ctx, "setExceptionBreakpoints", dap.SetExceptionBreakpointsArguments{Filters: []string{exceptionFilterAll}})
	require.NoError(t, err)
	assert.Equal(t, debuggee.PauseOnExceptionsAll, h.fake.PauseOnExceptionsState())
}
