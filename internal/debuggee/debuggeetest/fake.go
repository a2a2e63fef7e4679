/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package debuggeetest provides an in-memory debuggee.Debugger for tests.
package debuggeetest

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"sync"

	"github.com/smallnest/chanx"

	"github.com/microsoft/dap-engine/internal/debuggee"
)

// Breakpoint is a breakpoint currently set in a Fake.
type Breakpoint struct {
	ID              debuggee.BreakpointID
	URLRegex        string
	URL             string
	ScriptID        debuggee.ScriptID
	Line            int
	Column          int
	Condition       string
	Instrumentation string
}

// Fake simulates a runtime: scripts are added with ParseScript, breakpoints bind to matching scripts,
// and every call is recorded. Fields ending in Func override the default behavior when set.
type Fake struct {
	lock   sync.Mutex
	ctx    context.Context
	events *chanx.UnboundedChan[debuggee.Event]
	closed bool

	scripts     []debuggee.Script
	sources     map[debuggee.ScriptID]string
	breakpoints map[debuggee.BreakpointID]*Breakpoint
	nextID      int
	calls       []string

	blackboxPatterns  []string
	blackboxedRanges  map[debuggee.ScriptID][]debuggee.Position
	pauseOnExceptions debuggee.PauseOnExceptionsState

	// PossibleBreakpoints lists the legal breakpoint locations per script.
	PossibleBreakpoints map[debuggee.ScriptID][]debuggee.Location

	// Properties lists the children of objects by object id.
	Properties map[string][]debuggee.Property

	EvaluateFunc       func(expression string, callFrameID string) (debuggee.EvaluateResult, error)
	SetVariableFunc    func(callFrameID string, scopeNumber int, name string, value debuggee.RemoteObject) error
	CallFunctionOnFunc func(objectID string, declaration string, args []debuggee.RemoteObject) (debuggee.EvaluateResult, error)

	// Errors makes the named method fail with the given error.
	Errors map[string]error
}

var _ debuggee.Debugger = (*Fake)(nil)

func NewFake(ctx context.Context) *Fake {
	return &Fake{
		ctx:                 ctx,
		events:              chanx.NewUnboundedChan[debuggee.Event](ctx, 16),
		sources:             make(map[debuggee.ScriptID]string),
		breakpoints:         make(map[debuggee.BreakpointID]*Breakpoint),
		blackboxedRanges:    make(map[debuggee.ScriptID][]debuggee.Position),
		PossibleBreakpoints: make(map[debuggee.ScriptID][]debuggee.Location),
		Properties:          make(map[string][]debuggee.Property),
		Errors:              make(map[string]error),
	}
}

func (f *Fake) Events() <-chan debuggee.Event {
	return f.events.Out
}

// Emit delivers an arbitrary event.
func (f *Fake) Emit(event debuggee.Event) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.emitLocked(event)
}

func (f *Fake) emitLocked(event debuggee.Event) {
	if f.closed {
		return
	}
	select {
	case f.events.In <- event:
	case <-f.ctx.Done():
	}
}

// ParseScript registers a script and emits scriptParsed, followed by breakpointResolved for every
// URL breakpoint that binds to it.
func (f *Fake) ParseScript(script debuggee.Script, source string) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.scripts = append(f.scripts, script)
	f.sources[script.ID] = source
	f.emitLocked(debuggee.ScriptParsedEvent{Script: script})

	for _, id := range f.sortedBreakpointIDs() {
		bp := f.breakpoints[id]
		if bp.Instrumentation != "" || bp.ScriptID != "" {
			continue
		}
		if matchesURL(bp, script.URL) {
			f.emitLocked(debuggee.BreakpointResolvedEvent{
				ID:       bp.ID,
				Location: debuggee.Location{ScriptID: script.ID, Line: bp.Line, Column: bp.Column},
			})
		}
	}
}

// Close ends the event feed with a ClosedEvent.
func (f *Fake) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return nil
	}
	f.calls = append(f.calls, "Close")
	f.emitLocked(debuggee.ClosedEvent{})
	f.closed = true
	close(f.events.In)
	return nil
}

// Calls returns the names of the methods called so far, in order.
func (f *Fake) Calls() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return slices.Clone(f.calls)
}

// Breakpoints returns the breakpoints currently set, ordered by id.
func (f *Fake) Breakpoints() []Breakpoint {
	f.lock.Lock()
	defer f.lock.Unlock()

	result := make([]Breakpoint, 0, len(f.breakpoints))
	for _, id := range f.sortedBreakpointIDs() {
		result = append(result, *f.breakpoints[id])
	}
	return result
}

func (f *Fake) BlackboxPatterns() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return slices.Clone(f.blackboxPatterns)
}

func (f *Fake) BlackboxedRanges(id debuggee.ScriptID) []debuggee.Position {
	f.lock.Lock()
	defer f.lock.Unlock()
	return slices.Clone(f.blackboxedRanges[id])
}

func (f *Fake) PauseOnExceptionsState() debuggee.PauseOnExceptionsState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.pauseOnExceptions
}

func (f *Fake) sortedBreakpointIDs() []debuggee.BreakpointID {
	ids := make([]debuggee.BreakpointID, 0, len(f.breakpoints))
	for id := range f.breakpoints {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b debuggee.BreakpointID) int {
		ai, _ := strconv.Atoi(string(a))
		bi, _ := strconv.Atoi(string(b))
		return ai - bi
	})
	return ids
}

// call records the call and returns the configured error for it, if any.
func (f *Fake) call(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.calls = append(f.calls, method)
	if f.closed {
		return debuggee.ErrClosed
	}
	return f.Errors[method]
}

func (f *Fake) newID() debuggee.BreakpointID {
	f.nextID++
	return debuggee.BreakpointID(strconv.Itoa(f.nextID))
}

func matchesURL(bp *Breakpoint, url string) bool {
	if bp.URLRegex != "" {
		re, err := regexp.Compile(bp.URLRegex)
		return err == nil && re.MatchString(url)
	}
	return bp.URL != "" && bp.URL == url
}

func (f *Fake) Enable(ctx context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.call(ctx, "Enable")
}

func (f *Fake) RunIfWaitingForDebugger(ctx context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.call(ctx, "RunIfWaitingForDebugger")
}

func (f *Fake) SetBreakpointByURL(ctx context.Context, params debuggee.SetBreakpointByURLParams) (debuggee.BreakpointResult, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.call(ctx, "SetBreakpointByURL"); err != nil {
		return debuggee.BreakpointResult{}, err
	}

	for _, existing := range f.breakpoints {
		if existing.URLRegex == params.URLRegex && existing.URL == params.URL &&
			existing.Line == params.Line && existing.Column == params.Column {
			return debuggee.BreakpointResult{}, debuggee.ErrBreakpointExists
		}
	}

	bp := &Breakpoint{
		ID:        f.newID(),
		URLRegex:  params.URLRegex,
		URL:       params.URL,
		Line:      params.Line,
		Column:    params.Column,
		Condition: params.Condition,
	}
	f.breakpoints[bp.ID] = bp

	result := debuggee.BreakpointResult{ID: bp.ID}
	for _, script := range f.scripts {
		if matchesURL(bp, script.URL) {
			result.Locations = append(result.Locations, debuggee.Location{ScriptID: script.ID, Line: bp.Line, Column: bp.Column})
		}
	}
	return result, nil
}

func (f *Fake) SetBreakpoint(ctx context.Context, location debuggee.Location, condition string) (debuggee.BreakpointResult, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.call(ctx, "SetBreakpoint"); err != nil {
		return debuggee.BreakpointResult{}, err
	}

	bp := &Breakpoint{
		ID:        f.newID(),
		ScriptID:  location.ScriptID,
		Line:      location.Line,
		Column:    location.Column,
		Condition: condition,
	}
	f.breakpoints[bp.ID] = bp
	return debuggee.BreakpointResult{ID: bp.ID, Locations: []debuggee.Location{location}}, nil
}

func (f *Fake) RemoveBreakpoint(ctx context.Context, id debuggee.BreakpointID) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.call(ctx, "RemoveBreakpoint"); err != nil {
		return err
	}
	if _, found := f.breakpoints[id]; !found {
		return fmt.Errorf("breakpoint %s not found", id)
	}
	delete(f.breakpoints, id)
	return nil
}

func (f *Fake) GetPossibleBreakpoints(ctx context.Context, start debuggee.Location, end debuggee.Location) ([]debuggee.Location, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.call(ctx, "GetPossibleBreakpoints"); err != nil {
		return nil, err
	}

	var result []debuggee.Location
	for _, loc := range f.PossibleBreakpoints[start.ScriptID] {
		afterStart := loc.Line > start.Line || (loc.Line == start.Line && loc.Column >= start.Column)
		beforeEnd := loc.Line < end.Line || (loc.Line == end.Line && loc.Column < end.Column)
		if afterStart && beforeEnd {
			result = append(result, loc)
		}
	}
	return result, nil
}

func (f *Fake) SetInstrumentationBreakpoint(ctx context.Context, instrumentation string) (debuggee.BreakpointID, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.call(ctx, "SetInstrumentationBreakpoint"); err != nil {
		return "", err
	}
	bp := &Breakpoint{ID: f.newID(), Instrumentation: instrumentation}
	f.breakpoints[bp.ID] = bp
	return bp.ID, nil
}

func (f *Fake) SetPauseOnExceptions(ctx context.Context, state debuggee.PauseOnExceptionsState) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.call(ctx, "SetPauseOnExceptions"); err != nil {
		return err
	}
	f.pauseOnExceptions = state
	return nil
}

func (f *Fake) SetBlackboxPatterns(ctx context.Context, patterns []string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.call(ctx, "SetBlackboxPatterns"); err != nil {
		return err
	}
	f.blackboxPatterns = slices.Clone(patterns)
	return nil
}

func (f *Fake) SetBlackboxedRanges(ctx context.Context, scriptID debuggee.ScriptID, positions []debuggee.Position) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.call(ctx, "SetBlackboxedRanges"); err != nil {
		return err
	}
	f.blackboxedRanges[scriptID] = slices.Clone(positions)
	return nil
}

func (f *Fake) Resume(ctx context.Context) error {
	return f.resumeWith(ctx, "Resume")
}

func (f *Fake) StepOver(ctx context.Context) error {
	return f.resumeWith(ctx, "StepOver")
}

func (f *Fake) StepInto(ctx context.Context) error {
	return f.resumeWith(ctx, "StepInto")
}

func (f *Fake) StepOut(ctx context.Context) error {
	return f.resumeWith(ctx, "StepOut")
}

func (f *Fake) resumeWith(ctx context.Context, method string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.call(ctx, method); err != nil {
		return err
	}
	f.emitLocked(debuggee.ResumedEvent{})
	return nil
}

func (f *Fake) Pause(ctx context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.call(ctx, "Pause")
}

func (f *Fake) Evaluate(ctx context.Context, expression string, callFrameID string) (debuggee.EvaluateResult, error) {
	f.lock.Lock()
	err := f.call(ctx, "Evaluate")
	evaluate := f.EvaluateFunc
	f.lock.Unlock()

	if err != nil {
		return debuggee.EvaluateResult{}, err
	}
	if evaluate == nil {
		return debuggee.EvaluateResult{Result: debuggee.RemoteObject{Type: "undefined"}}, nil
	}
	return evaluate(expression, callFrameID)
}

func (f *Fake) GetProperties(ctx context.Context, objectID string, _ bool) ([]debuggee.Property, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.call(ctx, "GetProperties"); err != nil {
		return nil, err
	}
	properties, found := f.Properties[objectID]
	if !found {
		return nil, fmt.Errorf("could not find object with given id '%s'", objectID)
	}
	return slices.Clone(properties), nil
}

func (f *Fake) SetVariableValue(ctx context.Context, callFrameID string, scopeNumber int, name string, value debuggee.RemoteObject) error {
	f.lock.Lock()
	err := f.call(ctx, "SetVariableValue")
	setVariable := f.SetVariableFunc
	f.lock.Unlock()

	if err != nil || setVariable == nil {
		return err
	}
	return setVariable(callFrameID, scopeNumber, name, value)
}

func (f *Fake) CallFunctionOn(ctx context.Context, objectID string, declaration string, args []debuggee.RemoteObject) (debuggee.EvaluateResult, error) {
	f.lock.Lock()
	err := f.call(ctx, "CallFunctionOn")
	callFunction := f.CallFunctionOnFunc
	f.lock.Unlock()

	if err != nil {
		return debuggee.EvaluateResult{}, err
	}
	if callFunction == nil {
		return debuggee.EvaluateResult{Result: debuggee.RemoteObject{Type: "undefined"}}, nil
	}
	return callFunction(objectID, declaration, args)
}

func (f *Fake) GetScriptSource(ctx context.Context, scriptID debuggee.ScriptID) (string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err := f.call(ctx, "GetScriptSource"); err != nil {
		return "", err
	}
	source, found := f.sources[scriptID]
	if !found {
		return "", fmt.Errorf("no script for id '%s'", scriptID)
	}
	return source, nil
}
