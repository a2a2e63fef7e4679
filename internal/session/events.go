/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"encoding/json"
	"strings"

	"github.com/google/go-dap"

	"github.com/microsoft/dap-engine/internal/breakpoints"
	idap "github.com/microsoft/dap-engine/internal/dap"
	"github.com/microsoft/dap-engine/internal/debuggee"
	"github.com/microsoft/dap-engine/internal/pathmap"
	"github.com/microsoft/dap-engine/internal/sourcemap"
	"github.com/microsoft/dap-engine/internal/sources"
)

// pumpEvents handles runtime notifications one at a time, in arrival order, until the feed closes.
func (s *Session) pumpEvents(rt *runtimeState) {
	for ev := range rt.dbg.Events() {
		switch e := ev.(type) {
		case debuggee.ScriptParsedEvent:
			s.onScriptParsed(rt, e)
		case debuggee.PausedEvent:
			s.onPaused(rt, e)
		case debuggee.ResumedEvent:
			s.onResumed()
		case debuggee.BreakpointResolvedEvent:
			rt.engine.OnBreakpointResolved(e)
		case debuggee.ConsoleEvent:
			s.onConsole(rt, e)
		case debuggee.ExceptionThrownEvent:
			s.onExceptionThrown(rt, e)
		case debuggee.ExecutionContextsClearedEvent:
			s.onContextsCleared(rt)
		case debuggee.ClosedEvent:
			s.onRuntimeClosed(e)
			return
		default:
			s.log.V(1).Info("Ignoring unknown runtime event", "Event", ev.EventName())
		}
	}

	// The feed ended without a closed notification.
	s.onRuntimeClosed(debuggee.ClosedEvent{})
}

func (s *Session) onScriptParsed(rt *runtimeState, e debuggee.ScriptParsedEvent) {
	var sm *sourcemap.SourceMap
	if rt.sourceMaps != nil && e.Script.SourceMapURL != "" {
		loaded, err := rt.sourceMaps.Get(s.lifetimeCtx, sourcemap.Request{
			ScriptURL:    e.Script.URL,
			SourceMapURL: e.Script.SourceMapURL,
		})
		if err != nil {
			s.log.Info("Could not load source map", "Script", e.Script.URL, "Error", err.Error())
		} else {
			sm = loaded
		}
	}

	script := rt.resolver.NewScript(e.Script, sm)
	rt.registry.Add(script)
	s.log.V(1).Info("Script parsed", "ScriptID", script.ID, "Path", script.Path, "SourceMapped", sm != nil)

	if !script.IsEval() {
		s.sendEvent(idap.EventLoadedSource, idap.LoadedSourceBody(idap.ReasonNew, s.scriptSource(rt, script)))
	}

	rt.engine.OnScriptParsed(s.lifetimeCtx, script)
}

// scriptSource describes the generated file of a script.
func (s *Session) scriptSource(rt *runtimeState, script *sources.Script) dap.Source {
	source := dap.Source{Name: pathmap.Basename(script.Path), Path: script.Path}
	if !script.OnDisk {
		source.SourceReference = rt.registry.SourceReference(sources.ContentRef{ScriptID: script.ID})
	}
	if rt.engine.IsSkipped(script.Path) {
		source.PresentationHint = "deemphasize"
	}
	return source
}

func (s *Session) onPaused(rt *runtimeState, e debuggee.PausedEvent) {
	s.pauseLock.Lock()
	step := s.step
	pc := breakpoints.PauseContext{UserRequested: s.userPauseRequested, Stepping: step != nil}
	s.userPauseRequested = false
	s.pauseLock.Unlock()

	decision := rt.engine.OnPaused(s.lifetimeCtx, e, pc)
	if !decision.Stop {
		s.continueSilently(rt, step)
		return
	}

	s.pauseLock.Lock()
	s.step = nil
	state := &pauseState{event: e, stopReason: decision.Reason}
	for i := range e.CallFrames {
		state.frameIDs = append(state.frameIDs, s.frames.Create(&frameRef{frame: e.CallFrames[i]}))
	}
	if decision.Reason == idap.StopReasonException && len(e.Data) > 0 {
		var exception debuggee.RemoteObject
		if err := json.Unmarshal(e.Data, &exception); err == nil {
			state.exception = &exception
		}
	}
	s.paused = state
	s.pauseLock.Unlock()

	if err := s.state.Transition("paused", StatePaused); err != nil {
		s.log.V(1).Info("Ignoring pause in the current state", "State", s.state.Current().String())
		return
	}
	s.sendEvent(idap.EventStopped, idap.StoppedBody(decision.Reason, threadID, decision.Description, decision.HitBreakpointIDs))
}

// continueSilently resumes a pause the client is not told about. A step that landed somewhere the client
// must not stop is issued again with the same kind.
func (s *Session) continueSilently(rt *runtimeState, step stepFunc) {
	if step == nil {
		step = debuggee.Debugger.Resume
	}
	err := step(rt.dbg, s.lifetimeCtx)
	if err != nil && s.lifetimeCtx.Err() == nil {
		s.log.Info("Could not continue after an unreported pause", "Error", err.Error())
	}
}

// onResumed clears the per-pause state. The continued event is only sent for resumes the client did not ask for.
func (s *Session) onResumed() {
	s.pauseLock.Lock()
	if !s.state.TransitionFrom(StatePaused, StateRunning) {
		s.pauseLock.Unlock()
		return
	}
	requested := s.resumeRequested
	s.resumeRequested = false
	s.paused = nil
	s.frames.Reset()
	s.variables.Reset()
	s.pauseLock.Unlock()

	if !requested {
		s.sendEvent(idap.EventContinued, idap.ContinuedBody(threadID))
	}
}

func (s *Session) onConsole(rt *runtimeState, e debuggee.ConsoleEvent) {
	parts := make([]string, 0, len(e.Args))
	for _, arg := range e.Args {
		parts = append(parts, consoleText(arg))
	}

	category := idap.OutputStdout
	if e.Type == "error" || e.Type == "warning" || e.Type == "assert" {
		category = idap.OutputStderr
	}

	var source *dap.Source
	line, column := 0, 0
	if e.Location != nil {
		if script, found := rt.registry.ByID(e.Location.ScriptID); found {
			loc := rt.resolver.ToClient(script, e.Location.Line, e.Location.Column)
			source = clientSource(loc)
			line, column = loc.Line, loc.Column
		}
	}

	s.sendEvent(idap.EventOutput, idap.OutputBody(category, strings.Join(parts, " ")+"\n", source, line, column))
}

func (s *Session) onExceptionThrown(rt *runtimeState, e debuggee.ExceptionThrownEvent) {
	text := e.Details.Text
	if e.Details.Exception != nil && e.Details.Exception.Description != "" {
		text = e.Details.Exception.Description
	}

	var source *dap.Source
	line, column := 0, 0
	if e.Details.URL != "" {
		if script, found := scriptByURL(rt.registry, e.Details.URL); found {
			loc := rt.resolver.ToClient(script, e.Details.Line, e.Details.Column)
			source = clientSource(loc)
			line, column = loc.Line, loc.Column
		}
	}

	s.sendEvent(idap.EventOutput, idap.OutputBody(idap.OutputStderr, text+"\n", source, line, column))
}

// onContextsCleared forgets every script: the runtime will report them again if they are reloaded.
func (s *Session) onContextsCleared(rt *runtimeState) {
	for _, script := range rt.registry.All() {
		if script.IsEval() {
			continue
		}
		s.sendEvent(idap.EventLoadedSource, idap.LoadedSourceBody(idap.ReasonRemoved, s.scriptSource(rt, script)))
	}
	rt.registry.Clear()

	s.pauseLock.Lock()
	s.repl.Reset()
	s.pauseLock.Unlock()
}

func (s *Session) onRuntimeClosed(e debuggee.ClosedEvent) {
	if e.Err != nil {
		s.log.Info("Runtime connection lost", "Error", e.Err.Error())
	} else {
		s.log.V(1).Info("Runtime exited", "ExitCode", e.ExitCode)
	}
	exitCode := e.ExitCode
	if err := s.shutdown(&exitCode); err != nil {
		s.log.V(1).Info("Error during shutdown", "Error", err.Error())
	}
}

func scriptByURL(registry *sources.Registry, url string) (*sources.Script, bool) {
	for _, script := range registry.All() {
		if script.URL == url {
			return script, true
		}
	}
	return nil, false
}

// clientSource converts a client location to the source a frame or output event refers to.
func clientSource(loc sources.ClientLocation) *dap.Source {
	source := &dap.Source{Name: loc.Name(), SourceReference: loc.SourceReference}
	if loc.SourceReference == 0 || loc.Mapped {
		source.Path = loc.Path
	}
	return source
}

// consoleText renders one console argument the way the runtime's own console would.
func consoleText(o debuggee.RemoteObject) string {
	if o.Type == "string" {
		var text string
		if err := json.Unmarshal(o.Value, &text); err == nil {
			return text
		}
	}
	return describeValue(o)
}
