/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"slices"

	"github.com/davidwartell/go-onecontext/onecontext"
	"github.com/google/go-dap"

	idap "github.com/microsoft/dap-engine/internal/dap"
	"github.com/microsoft/dap-engine/internal/debuggee"
	"github.com/microsoft/dap-engine/internal/pathmap"
	"github.com/microsoft/dap-engine/internal/sources"
)

const (
	commandToggleSkipFileStatus = "toggleSkipFileStatus"

	exceptionFilterAll      = "all"
	exceptionFilterUncaught = "uncaught"

	sourceMimeType = "text/javascript"
)

// handlers builds the dispatch table. Requests not listed here go to the custom request handler.
func (s *Session) handlers() map[string]idap.Handler {
	notSupported := idap.Sync(func(_ context.Context, req *idap.Message) (any, error) {
		return nil, idap.NotSupported(req.Command)
	})

	return map[string]idap.Handler{
		"initialize":        idap.Sync(s.initialize),
		"launch":            s.handleStart("launch", StateLaunching),
		"attach":            s.handleStart("attach", StateAttaching),
		"configurationDone": idap.Sync(s.configurationDone),
		"disconnect":        s.handleDisconnect,
		"terminate":         idap.Async(s.terminate),

		"setBreakpoints":            s.handleSetBreakpoints,
		"setExceptionBreakpoints":   idap.Async(s.setExceptionBreakpoints),
		"setFunctionBreakpoints":    idap.Sync(setFunctionBreakpoints),
		"breakpointLocations":       idap.Async(s.breakpointLocations),
		"dataBreakpointInfo":        idap.Sync(dataBreakpointInfo),
		"setDataBreakpoints":        idap.Sync(setDataBreakpoints),
		"setInstructionBreakpoints": idap.Sync(setInstructionBreakpoints),

		"continue": idap.Async(s.resume("continue", false, debuggee.Debugger.Resume)),
		"next":     idap.Async(s.resume("next", true, debuggee.Debugger.StepOver)),
		"stepIn":   idap.Async(s.resume("stepIn", true, debuggee.Debugger.StepInto)),
		"stepOut":  idap.Async(s.resume("stepOut", true, debuggee.Debugger.StepOut)),
		"pause":    idap.Async(s.pause),

		"threads":       idap.Sync(threads),
		"stackTrace":    idap.Sync(s.stackTrace),
		"scopes":        idap.Sync(s.scopes),
		"variables":     idap.Async(s.variablesRequest),
		"setVariable":   s.handleSetVariable,
		"evaluate":      idap.Async(s.evaluate),
		"exceptionInfo": idap.Sync(s.exceptionInfo),
		"loadedSources": idap.Sync(s.loadedSources),
		"source":        idap.Async(s.source),
		"cancel":        idap.Sync(s.cancelRequest),

		"completions": idap.Sync(func(context.Context, *idap.Message) (any, error) {
			return dap.CompletionsResponseBody{Targets: []dap.CompletionItem{}}, nil
		}),
		"stepInTargets": idap.Sync(func(context.Context, *idap.Message) (any, error) {
			return dap.StepInTargetsResponseBody{Targets: []dap.StepInTarget{}}, nil
		}),
		"gotoTargets": idap.Sync(func(context.Context, *idap.Message) (any, error) {
			return dap.GotoTargetsResponseBody{Targets: []dap.GotoTarget{}}, nil
		}),

		"restart":         notSupported,
		"stepBack":        notSupported,
		"reverseContinue": notSupported,
		"setExpression":   notSupported,
		"readMemory":      notSupported,
		"writeMemory":     notSupported,
		"disassemble":     notSupported,
	}
}

func (s *Session) handleCustomRequest(ctx context.Context, req *idap.Message, respond idap.Responder) {
	switch req.Command {
	case commandToggleSkipFileStatus:
		idap.Async(s.toggleSkipFileStatus)(ctx, req, respond)
	default:
		respond(nil, idap.UnrecognizedRequest(req.Command))
	}
}

func (s *Session) capabilities() dap.Capabilities {
	return dap.Capabilities{
		SupportsConfigurationDoneRequest:  true,
		SupportsConditionalBreakpoints:    true,
		SupportsHitConditionalBreakpoints: true,
		SupportsEvaluateForHovers:         true,
		ExceptionBreakpointFilters: []dap.ExceptionBreakpointsFilter{
			{Filter: exceptionFilterAll, Label: "All Exceptions"},
			{Filter: exceptionFilterUncaught, Label: "Uncaught Exceptions"},
		},
		SupportsSetVariable:                true,
		SupportsExceptionInfoRequest:       true,
		SupportsDelayedStackTraceLoading:   true,
		SupportsLoadedSourcesRequest:       true,
		SupportsLogPoints:                  true,
		SupportsTerminateRequest:           true,
		SupportsCancelRequest:              true,
		SupportsBreakpointLocationsRequest: s.cfg.ColumnBreakpoints,
	}
}

func (s *Session) initialize(_ context.Context, req *idap.Message) (any, error) {
	// Lines and columns are 1-based unless the client says otherwise.
	var args struct {
		dap.InitializeRequestArguments
		LinesStartAt1   *bool `json:"linesStartAt1"`
		ColumnsStartAt1 *bool `json:"columnsStartAt1"`
	}
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if err := s.state.Transition(req.Command, StateInitializing); err != nil {
		return nil, err
	}

	s.clientLock.Lock()
	s.client = clientCapabilities{
		linesStartAt1:       args.LinesStartAt1 == nil || *args.LinesStartAt1,
		columnsStartAt1:     args.ColumnsStartAt1 == nil || *args.ColumnsStartAt1,
		supportsProgress:    args.SupportsProgressReporting,
		supportsInvalidated: args.SupportsInvalidatedEvent,
	}
	s.clientLock.Unlock()

	s.log.V(1).Info("Client initialized", "Client", args.ClientID, "Adapter", args.AdapterID)
	return s.capabilities(), nil
}

// handleStart validates a launch or attach request, then connects and waits for configurationDone off the dispatch goroutine.
func (s *Session) handleStart(command string, target State) idap.Handler {
	return func(ctx context.Context, req *idap.Message, respond idap.Responder) {
		var args LaunchArgs
		if err := req.Decode(&args); err != nil {
			respond(nil, err)
			return
		}
		if args.URL == "" && args.Port == 0 {
			respond(nil, idap.MissingAttribute("port"))
			return
		}
		if err := s.state.Transition(command, target); err != nil {
			respond(nil, err)
			return
		}

		go func() {
			startErr := s.start(ctx, command, args)
			respond(nil, startErr)
			if startErr != nil {
				s.log.Error(startErr, "Could not start debugging", "Command", command)
				_ = s.shutdown(nil)
			}
		}()
	}
}

func (s *Session) configurationDone(_ context.Context, _ *idap.Message) (any, error) {
	s.configDone.Open()
	return nil, nil
}

// handleDisconnect shuts the session down, answers, and then closes the client connection.
func (s *Session) handleDisconnect(_ context.Context, _ *idap.Message, respond idap.Responder) {
	go func() {
		if err := s.shutdown(nil); err != nil {
			s.log.Info("Session shut down with errors", "Error", err.Error())
		}
		respond(nil, nil)
		_ = s.correlator.Close(nil)
	}()
}

func (s *Session) terminate(_ context.Context, _ *idap.Message) (any, error) {
	if err := s.shutdown(nil); err != nil {
		s.log.Info("Session shut down with errors", "Error", err.Error())
	}
	return nil, nil
}

// handleSetBreakpoints queues the request on the breakpoint engine in arrival order and answers when it is done.
func (s *Session) handleSetBreakpoints(ctx context.Context, req *idap.Message, respond idap.Responder) {
	rt, err := s.connectedRuntime()
	if err != nil {
		respond(nil, err)
		return
	}
	var args dap.SetBreakpointsArguments
	if err = req.Decode(&args); err != nil {
		respond(nil, err)
		return
	}

	// The queued work must stop when either the request is cancelled or the session ends.
	opCtx, cancelOp := onecontext.Merge(ctx, s.lifetimeCtx)
	results := rt.engine.SetBreakpoints(opCtx, args, req.Seq)
	go func() {
		defer cancelOp()
		select {
		case result := <-results:
			if result.Err != nil {
				respond(nil, result.Err)
				return
			}
			respond(dap.SetBreakpointsResponseBody{Breakpoints: result.Breakpoints}, nil)
		case <-s.lifetimeCtx.Done():
			respond(nil, idap.RuntimeNotConnected())
		}
	}()
}

func (s *Session) setExceptionBreakpoints(ctx context.Context, req *idap.Message) (any, error) {
	var args dap.SetExceptionBreakpointsArguments
	if err := req.Decode(&args); err != nil {
		return nil, err
	}

	state := debuggee.PauseOnExceptionsNone
	switch {
	case slices.Contains(args.Filters, exceptionFilterAll):
		state = debuggee.PauseOnExceptionsAll
	case slices.Contains(args.Filters, exceptionFilterUncaught):
		state = debuggee.PauseOnExceptionsUncaught
	}

	s.runtimeLock.Lock()
	s.pauseOnExceptions = state
	rt := s.runtime
	s.runtimeLock.Unlock()

	// Applied when the runtime connects if it is not connected yet.
	if rt != nil {
		if err := rt.dbg.SetPauseOnExceptions(ctx, state); err != nil {
			return nil, err
		}
	}
	return dap.SetExceptionBreakpointsResponseBody{}, nil
}

func setFunctionBreakpoints(_ context.Context, req *idap.Message) (any, error) {
	var args dap.SetFunctionBreakpointsArguments
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	bps := make([]dap.Breakpoint, len(args.Breakpoints))
	for i := range bps {
		bps[i] = dap.Breakpoint{Verified: false, Message: "Function breakpoints are not supported"}
	}
	return dap.SetFunctionBreakpointsResponseBody{Breakpoints: bps}, nil
}

func dataBreakpointInfo(_ context.Context, _ *idap.Message) (any, error) {
	return dap.DataBreakpointInfoResponseBody{Description: "Data breakpoints are not supported"}, nil
}

func setDataBreakpoints(_ context.Context, _ *idap.Message) (any, error) {
	return dap.SetDataBreakpointsResponseBody{Breakpoints: []dap.Breakpoint{}}, nil
}

func setInstructionBreakpoints(_ context.Context, _ *idap.Message) (any, error) {
	return dap.SetInstructionBreakpointsResponseBody{Breakpoints: []dap.Breakpoint{}}, nil
}

func (s *Session) breakpointLocations(ctx context.Context, req *idap.Message) (any, error) {
	rt, err := s.connectedRuntime()
	if err != nil {
		return nil, err
	}
	var args dap.BreakpointLocationsArguments
	if err = req.Decode(&args); err != nil {
		return nil, err
	}

	s.runtimeLock.Lock()
	enabled := s.columnBreakpoints
	s.runtimeLock.Unlock()
	if !enabled {
		return dap.BreakpointLocationsResponseBody{Breakpoints: []dap.BreakpointLocation{}}, nil
	}

	locations, err := rt.engine.Locations(ctx, args)
	if err != nil {
		return nil, err
	}
	return dap.BreakpointLocationsResponseBody{Breakpoints: locations}, nil
}

func threads(_ context.Context, _ *idap.Message) (any, error) {
	return dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: threadID, Name: threadName}}}, nil
}

func (s *Session) loadedSources(_ context.Context, _ *idap.Message) (any, error) {
	result := []dap.Source{}
	rt := s.currentRuntime()
	if rt == nil {
		return dap.LoadedSourcesResponseBody{Sources: result}, nil
	}

	seen := make(map[string]struct{})
	for _, script := range rt.registry.All() {
		if script.IsEval() {
			continue
		}
		if _, found := seen[script.Path]; !found {
			seen[script.Path] = struct{}{}
			result = append(result, s.scriptSource(rt, script))
		}
		for _, authored := range script.AuthoredSources() {
			if _, found := seen[authored]; found {
				continue
			}
			seen[authored] = struct{}{}
			result = append(result, dap.Source{Name: pathmap.Basename(authored), Path: authored})
		}
	}
	return dap.LoadedSourcesResponseBody{Sources: result}, nil
}

func (s *Session) source(ctx context.Context, req *idap.Message) (any, error) {
	rt, err := s.connectedRuntime()
	if err != nil {
		return nil, err
	}
	var args dap.SourceArguments
	if err = req.Decode(&args); err != nil {
		return nil, err
	}

	handle := args.SourceReference
	if args.Source != nil && args.Source.SourceReference != 0 {
		handle = args.Source.SourceReference
	}

	if handle == 0 {
		// Without a handle, only scripts the runtime knows by path can be served.
		if args.Source == nil || args.Source.Path == "" {
			return nil, idap.SourceReferenceNotValid()
		}
		script, found := rt.registry.ByPath(rt.resolver.Canonicalize(args.Source.Path))
		if !found {
			return nil, idap.SourceReferenceNotValid()
		}
		handle = rt.registry.SourceReference(sources.ContentRef{ScriptID: script.ID})
	}

	content, err := rt.resolver.Content(ctx, handle, rt.dbg)
	if err != nil {
		return nil, idap.SourceReferenceNotValid().WithCause(err)
	}
	return dap.SourceResponseBody{Content: content, MimeType: sourceMimeType}, nil
}

func (s *Session) cancelRequest(_ context.Context, req *idap.Message) (any, error) {
	var args dap.CancelArguments
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if args.RequestId != 0 && !s.correlator.CancelRequest(args.RequestId) {
		s.log.V(1).Info("Request to cancel is not in progress", "RequestSeq", args.RequestId)
	}
	return nil, nil
}

type toggleSkipFileStatusArgs struct {
	Path            string `json:"path,omitempty"`
	SourceReference int    `json:"sourceReference,omitempty"`
}

type toggleSkipFileStatusBody struct {
	Skipped bool `json:"skipped"`
}

func (s *Session) toggleSkipFileStatus(ctx context.Context, req *idap.Message) (any, error) {
	rt, err := s.connectedRuntime()
	if err != nil {
		return nil, err
	}
	var args toggleSkipFileStatusArgs
	if err = req.Decode(&args); err != nil {
		return nil, err
	}

	path := args.Path
	if path == "" && args.SourceReference != 0 {
		if ref, found := rt.registry.ContentFor(args.SourceReference); found {
			path = ref.AuthoredPath
			if script, isScript := rt.registry.ByID(ref.ScriptID); isScript {
				path = script.Path
			}
		}
	}
	if path == "" {
		return nil, idap.MissingAttribute("path")
	}

	skipped, err := rt.engine.ToggleSkip(ctx, path)
	if err != nil {
		s.log.Info("Could not update skipped ranges", "Path", path, "Error", err.Error())
	}

	if s.state.Is(StatePaused) && s.clientCaps().supportsInvalidated {
		s.sendEvent(idap.EventInvalidated, idap.InvalidatedBody([]dap.InvalidatedAreas{"stacks"}, threadID, 0))
	}
	return toggleSkipFileStatusBody{Skipped: skipped}, nil
}
