/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package debuggee

import (
	"encoding/json"
)

// Event is one runtime notification. The concrete types below are the only implementations.
type Event interface {
	EventName() string
}

type ScriptParsedEvent struct {
	Script Script
}

type PausedEvent struct {
	CallFrames     []CallFrame
	Reason         string
	Data           json.RawMessage
	HitBreakpoints []BreakpointID
}

type ResumedEvent struct{}

type BreakpointResolvedEvent struct {
	ID       BreakpointID
	Location Location
}

// ConsoleEvent is a console API call in the debuggee, e.g. console.log.
type ConsoleEvent struct {
	Type     string
	Args     []RemoteObject
	Location *Location
}

type ExceptionThrownEvent struct {
	Details ExceptionDetails
}

// ExecutionContextsClearedEvent means every script seen so far is gone, e.g. after a page reload.
type ExecutionContextsClearedEvent struct{}

// ClosedEvent is the last event of a feed. Err is nil for an orderly exit.
type ClosedEvent struct {
	Err      error
	ExitCode int
}

func (ScriptParsedEvent) EventName() string             { return "scriptParsed" }
func (PausedEvent) EventName() string                   { return "paused" }
func (ResumedEvent) EventName() string                  { return "resumed" }
func (BreakpointResolvedEvent) EventName() string       { return "breakpointResolved" }
func (ConsoleEvent) EventName() string                  { return "console" }
func (ExceptionThrownEvent) EventName() string          { return "exceptionThrown" }
func (ExecutionContextsClearedEvent) EventName() string { return "executionContextsCleared" }
func (ClosedEvent) EventName() string                   { return "closed" }

var (
	_ Event = ScriptParsedEvent{}
	_ Event = PausedEvent{}
	_ Event = ResumedEvent{}
	_ Event = BreakpointResolvedEvent{}
	_ Event = ConsoleEvent{}
	_ Event = ExceptionThrownEvent{}
	_ Event = ExecutionContextsClearedEvent{}
	_ Event = ClosedEvent{}
)
