/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"errors"
	"strings"

	"github.com/google/go-dap"

	idap "github.com/microsoft/dap-engine/internal/dap"
	"github.com/microsoft/dap-engine/internal/debuggee"
)

const anonymousFunctionName = "(anonymous function)"

var errNoException = errors.New("the debuggee is not stopped on an exception")

// stepFunc resumes the runtime. The step in progress is reissued when it lands on a pause the client must not see.
type stepFunc func(debuggee.Debugger, context.Context) error

// resume builds the handler of continue and the step requests.
// The session leaves the paused state when the runtime reports that it resumed.
func (s *Session) resume(command string, stepping bool, call stepFunc) idap.HandlerFunc {
	return func(ctx context.Context, _ *idap.Message) (any, error) {
		rt, err := s.connectedRuntime()
		if err != nil {
			return nil, err
		}
		if !s.state.Is(StatePaused) {
			return nil, idap.NotPaused()
		}

		s.pauseLock.Lock()
		s.resumeRequested = true
		s.step = nil
		if stepping {
			s.step = call
		}
		s.pauseLock.Unlock()

		if err = call(rt.dbg, ctx); err != nil {
			s.pauseLock.Lock()
			s.resumeRequested = false
			s.step = nil
			s.pauseLock.Unlock()
			return nil, err
		}

		if command == "continue" {
			return dap.ContinueResponseBody{AllThreadsContinued: true}, nil
		}
		return nil, nil
	}
}

func (s *Session) pause(ctx context.Context, req *idap.Message) (any, error) {
	rt, err := s.connectedRuntime()
	if err != nil {
		return nil, err
	}
	if s.state.Is(StatePaused) {
		return nil, nil
	}
	if err = s.state.Require(req.Command, StateRunning, StateLaunching, StateAttaching); err != nil {
		return nil, err
	}

	s.pauseLock.Lock()
	s.userPauseRequested = true
	s.pauseLock.Unlock()

	if err = rt.dbg.Pause(ctx); err != nil {
		s.pauseLock.Lock()
		s.userPauseRequested = false
		s.pauseLock.Unlock()
		return nil, err
	}
	return nil, nil
}

func (s *Session) currentPause() *pauseState {
	s.pauseLock.Lock()
	defer s.pauseLock.Unlock()
	return s.paused
}

func (s *Session) stackTrace(_ context.Context, req *idap.Message) (any, error) {
	rt, err := s.connectedRuntime()
	if err != nil {
		return nil, err
	}
	var args dap.StackTraceArguments
	if err = req.Decode(&args); err != nil {
		return nil, err
	}

	paused := s.currentPause()
	if paused == nil {
		return nil, idap.NotPaused()
	}

	total := len(paused.event.CallFrames)
	start := min(max(args.StartFrame, 0), total)
	end := total
	if args.Levels > 0 {
		end = min(start+args.Levels, total)
	}

	frames := make([]dap.StackFrame, 0, end-start)
	for i := start; i < end; i++ {
		frames = append(frames, s.stackFrame(rt, paused.event.CallFrames[i], paused.frameIDs[i]))
	}
	return dap.StackTraceResponseBody{StackFrames: frames, TotalFrames: total}, nil
}

func (s *Session) stackFrame(rt *runtimeState, frame debuggee.CallFrame, id int) dap.StackFrame {
	name := frame.FunctionName
	if name == "" {
		name = anonymousFunctionName
	}
	result := dap.StackFrame{Id: id, Name: name}

	script, found := rt.registry.ByID(frame.Location.ScriptID)
	if !found {
		result.Line = rt.resolver.ToClientLine(frame.Location.Line)
		result.Column = rt.resolver.ToClientColumn(frame.Location.Column)
		result.PresentationHint = "subtle"
		return result
	}

	loc := rt.resolver.ToClient(script, frame.Location.Line, frame.Location.Column)
	result.Source = clientSource(loc)
	result.Line, result.Column = loc.Line, loc.Column
	if rt.engine.IsSkipped(loc.Path) {
		result.Source.PresentationHint = "deemphasize"
		result.PresentationHint = "subtle"
	}
	return result
}

func (s *Session) scopes(_ context.Context, req *idap.Message) (any, error) {
	rt, err := s.connectedRuntime()
	if err != nil {
		return nil, err
	}
	var args dap.ScopesArguments
	if err = req.Decode(&args); err != nil {
		return nil, err
	}

	ref, found := s.frames.Lookup(args.FrameId)
	if !found {
		return nil, idap.StackFrameNotValid()
	}

	result := make([]dap.Scope, 0, len(ref.frame.ScopeChain))
	for i, scope := range ref.frame.ScopeChain {
		ds := dap.Scope{
			Name:      scopeName(scope),
			Expensive: scope.Type == "global",
		}
		if scope.Type == "local" {
			ds.PresentationHint = "locals"
		}
		if scope.Object.ObjectID != "" {
			ds.VariablesReference = s.variables.LookupOrCreate(scope.Object.ObjectID, &variableContainer{
				objectID:    scope.Object.ObjectID,
				callFrameID: ref.frame.ID,
				scopeNumber: i,
			})
		}
		if scope.Start != nil && scope.End != nil {
			if script, isKnown := rt.registry.ByID(scope.Start.ScriptID); isKnown {
				start := rt.resolver.ToClient(script, scope.Start.Line, scope.Start.Column)
				end := rt.resolver.ToClient(script, scope.End.Line, scope.End.Column)
				ds.Source = clientSource(start)
				ds.Line, ds.Column = start.Line, start.Column
				ds.EndLine, ds.EndColumn = end.Line, end.Column
			}
		}
		result = append(result, ds)
	}
	return dap.ScopesResponseBody{Scopes: result}, nil
}

func scopeName(scope debuggee.Scope) string {
	var name string
	switch scope.Type {
	case "":
		name = "Scope"
	case "local":
		name = "Local"
	default:
		name = strings.ToUpper(scope.Type[:1]) + scope.Type[1:]
	}
	if scope.Name != "" && scope.Type == "closure" {
		name += " (" + scope.Name + ")"
	}
	return name
}

func (s *Session) exceptionInfo(_ context.Context, _ *idap.Message) (any, error) {
	paused := s.currentPause()
	if paused == nil {
		return nil, idap.NotPaused()
	}
	if paused.exception == nil || paused.stopReason != idap.StopReasonException {
		return nil, errNoException
	}

	exception := paused.exception
	typeName := exception.ClassName
	if typeName == "" {
		typeName = exception.Type
	}
	description := describeValue(*exception)
	message := description
	if firstLine, _, hasStack := strings.Cut(description, "\n"); hasStack {
		message = firstLine
	}

	breakMode := dap.ExceptionBreakMode("unhandled")
	s.runtimeLock.Lock()
	if s.pauseOnExceptions == debuggee.PauseOnExceptionsAll {
		breakMode = "always"
	}
	s.runtimeLock.Unlock()

	return dap.ExceptionInfoResponseBody{
		ExceptionId: typeName,
		Description: message,
		BreakMode:   breakMode,
		Details: &dap.ExceptionDetails{
			Message:    message,
			TypeName:   typeName,
			StackTrace: description,
		},
	}, nil
}
