/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package debuggee describes the runtime debugging feed the engine consumes.
// Any runtime that can report parsed scripts, pauses, resumes and resolved breakpoints, and can evaluate
// expressions, can be driven through the Debugger interface.
// Lines and columns on this side of the engine are 0-based.
package debuggee

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrBreakpointExists is returned when the runtime already has a breakpoint at the requested location.
	ErrBreakpointExists = errors.New("breakpoint at specified location already exists")

	// ErrClosed is returned by calls made after the runtime connection went away.
	ErrClosed = errors.New("debuggee connection closed")
)

type ScriptID string

type BreakpointID string

type Location struct {
	ScriptID ScriptID
	Line     int
	Column   int
}

// Position is a line and column within a script, used for blackboxed ranges.
type Position struct {
	Line   int
	Column int
}

type Script struct {
	ID           ScriptID
	URL          string
	SourceMapURL string

	// Source text if the runtime sent it along; usually empty and fetched with GetScriptSource.
	Source string

	ExecutionContextID int
}

// RemoteObject is a runtime value. Primitive values carry Value; objects carry an ObjectID for lazy expansion.
type RemoteObject struct {
	Type                string          `json:"type"`
	Subtype             string          `json:"subtype,omitempty"`
	ClassName           string          `json:"className,omitempty"`
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	Description         string          `json:"description,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
}

// IsExpandable reports whether the object has children the client can ask for.
func (o RemoteObject) IsExpandable() bool {
	return o.ObjectID != "" && o.Subtype != "null"
}

type Property struct {
	Name   string
	Value  *RemoteObject
	Getter *RemoteObject
	IsOwn  bool
}

type Scope struct {
	Type   string
	Name   string
	Object RemoteObject
	Start  *Location
	End    *Location
}

type CallFrame struct {
	ID           string
	FunctionName string
	Location     Location
	URL          string
	ScopeChain   []Scope
	This         *RemoteObject
}

type ExceptionDetails struct {
	Text      string
	Exception *RemoteObject
	URL       string
	Line      int
	Column    int
}

type EvaluateResult struct {
	Result    RemoteObject
	Exception *ExceptionDetails
}

type SetBreakpointByURLParams struct {
	// URLRegex wins over URL when both are set.
	URLRegex  string
	URL       string
	Line      int
	Column    int
	Condition string
}

type BreakpointResult struct {
	ID        BreakpointID
	Locations []Location
}

// Target identifies a runtime to connect to: either a WebSocket URL, or an address and port
// serving the target discovery endpoint.
type Target struct {
	URL     string
	Address string
	Port    int
}

// Instrumentation breakpoint names.
const InstrumentationBeforeScriptExecution = "beforeScriptExecution"

type PauseOnExceptionsState string

const (
	PauseOnExceptionsNone     PauseOnExceptionsState = "none"
	PauseOnExceptionsUncaught PauseOnExceptionsState = "uncaught"
	PauseOnExceptionsAll      PauseOnExceptionsState = "all"
)

// Pause reasons reported by the runtime.
const (
	PauseReasonOther            = "other"
	PauseReasonException        = "exception"
	PauseReasonPromiseRejection = "promiseRejection"
	PauseReasonInstrumentation  = "instrumentation"
	PauseReasonDebugCommand     = "debugCommand"
	PauseReasonAmbiguous        = "ambiguous"
)

// Debugger is the set of runtime operations the engine uses.
// Every call that talks to the runtime takes a context and fails with the context error when it is cancelled.
type Debugger interface {
	// Events delivers runtime notifications in arrival order. The channel is closed after a ClosedEvent.
	Events() <-chan Event

	Enable(ctx context.Context) error
	RunIfWaitingForDebugger(ctx context.Context) error

	SetBreakpointByURL(ctx context.Context, params SetBreakpointByURLParams) (BreakpointResult, error)
	SetBreakpoint(ctx context.Context, location Location, condition string) (BreakpointResult, error)
	RemoveBreakpoint(ctx context.Context, id BreakpointID) error
	GetPossibleBreakpoints(ctx context.Context, start Location, end Location) ([]Location, error)
	SetInstrumentationBreakpoint(ctx context.Context, instrumentation string) (BreakpointID, error)
	SetPauseOnExceptions(ctx context.Context, state PauseOnExceptionsState) error

	SetBlackboxPatterns(ctx context.Context, patterns []string) error
	SetBlackboxedRanges(ctx context.Context, scriptID ScriptID, positions []Position) error

	Resume(ctx context.Context) error
	StepOver(ctx context.Context) error
	StepInto(ctx context.Context) error
	StepOut(ctx context.Context) error
	Pause(ctx context.Context) error

	// Evaluate runs expression on the given call frame, or globally when callFrameID is empty.
	Evaluate(ctx context.Context, expression string, callFrameID string) (EvaluateResult, error)
	GetProperties(ctx context.Context, objectID string, ownProperties bool) ([]Property, error)
	SetVariableValue(ctx context.Context, callFrameID string, scopeNumber int, name string, value RemoteObject) error
	CallFunctionOn(ctx context.Context, objectID string, functionDeclaration string, args []RemoteObject) (EvaluateResult, error)
	GetScriptSource(ctx context.Context, scriptID ScriptID) (string, error)

	Close() error
}
