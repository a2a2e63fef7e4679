/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package inspector

import (
	"encoding/json"

	"github.com/microsoft/dap-engine/internal/debuggee"
)

// Method names of the runtime protocol.
const (
	methodDebuggerEnable               = "Debugger.enable"
	methodRuntimeEnable                = "Runtime.enable"
	methodRunIfWaitingForDebugger      = "Runtime.runIfWaitingForDebugger"
	methodSetBreakpointByURL           = "Debugger.setBreakpointByUrl"
	methodSetBreakpoint                = "Debugger.setBreakpoint"
	methodRemoveBreakpoint             = "Debugger.removeBreakpoint"
	methodGetPossibleBreakpoints       = "Debugger.getPossibleBreakpoints"
	methodSetInstrumentationBreakpoint = "Debugger.setInstrumentationBreakpoint"
	methodSetPauseOnExceptions         = "Debugger.setPauseOnExceptions"
	methodSetBlackboxPatterns          = "Debugger.setBlackboxPatterns"
	methodSetBlackboxedRanges          = "Debugger.setBlackboxedRanges"
	methodResume                       = "Debugger.resume"
	methodStepOver                     = "Debugger.stepOver"
	methodStepInto                     = "Debugger.stepInto"
	methodStepOut                      = "Debugger.stepOut"
	methodPause                        = "Debugger.pause"
	methodEvaluateOnCallFrame          = "Debugger.evaluateOnCallFrame"
	methodEvaluate                     = "Runtime.evaluate"
	methodGetProperties                = "Runtime.getProperties"
	methodSetVariableValue             = "Debugger.setVariableValue"
	methodCallFunctionOn               = "Runtime.callFunctionOn"
	methodGetScriptSource              = "Debugger.getScriptSource"

	notificationScriptParsed              = "Debugger.scriptParsed"
	notificationPaused                    = "Debugger.paused"
	notificationResumed                   = "Debugger.resumed"
	notificationBreakpointResolved        = "Debugger.breakpointResolved"
	notificationConsoleAPICalled          = "Runtime.consoleAPICalled"
	notificationExceptionThrown           = "Runtime.exceptionThrown"
	notificationExecutionContextDestroyed = "Runtime.executionContextDestroyed"
	notificationExecutionContextsCleared  = "Runtime.executionContextsCleared"

	breakpointExistsMessage = "Breakpoint at specified location already exists."
	objectGroupConsole      = "console"
)

type wireLocation struct {
	ScriptID     debuggee.ScriptID `json:"scriptId"`
	LineNumber   int               `json:"lineNumber"`
	ColumnNumber int               `json:"columnNumber"`
}

func (l wireLocation) toLocation() debuggee.Location {
	return debuggee.Location{ScriptID: l.ScriptID, Line: l.LineNumber, Column: l.ColumnNumber}
}

func toWireLocation(l debuggee.Location) wireLocation {
	return wireLocation{ScriptID: l.ScriptID, LineNumber: l.Line, ColumnNumber: l.Column}
}

type wireScope struct {
	Type          string                `json:"type"`
	Name          string                `json:"name,omitempty"`
	Object        debuggee.RemoteObject `json:"object"`
	StartLocation *wireLocation         `json:"startLocation,omitempty"`
	EndLocation   *wireLocation         `json:"endLocation,omitempty"`
}

type wireCallFrame struct {
	CallFrameID  string                 `json:"callFrameId"`
	FunctionName string                 `json:"functionName"`
	Location     wireLocation           `json:"location"`
	URL          string                 `json:"url"`
	ScopeChain   []wireScope            `json:"scopeChain"`
	This         *debuggee.RemoteObject `json:"this,omitempty"`
}

func (f wireCallFrame) toCallFrame() debuggee.CallFrame {
	frame := debuggee.CallFrame{
		ID:           f.CallFrameID,
		FunctionName: f.FunctionName,
		Location:     f.Location.toLocation(),
		URL:          f.URL,
		This:         f.This,
	}
	for _, s := range f.ScopeChain {
		scope := debuggee.Scope{Type: s.Type, Name: s.Name, Object: s.Object}
		if s.StartLocation != nil {
			start := s.StartLocation.toLocation()
			scope.Start = &start
		}
		if s.EndLocation != nil {
			end := s.EndLocation.toLocation()
			scope.End = &end
		}
		frame.ScopeChain = append(frame.ScopeChain, scope)
	}
	return frame
}

type wireExceptionDetails struct {
	Text         string                 `json:"text"`
	Exception    *debuggee.RemoteObject `json:"exception,omitempty"`
	URL          string                 `json:"url,omitempty"`
	LineNumber   int                    `json:"lineNumber"`
	ColumnNumber int                    `json:"columnNumber"`
}

func (d *wireExceptionDetails) toExceptionDetails() *debuggee.ExceptionDetails {
	if d == nil {
		return nil
	}
	return &debuggee.ExceptionDetails{
		Text:      d.Text,
		Exception: d.Exception,
		URL:       d.URL,
		Line:      d.LineNumber,
		Column:    d.ColumnNumber,
	}
}

type scriptParsedParams struct {
	ScriptID           debuggee.ScriptID `json:"scriptId"`
	URL                string            `json:"url"`
	SourceMapURL       string            `json:"sourceMapURL"`
	ExecutionContextID int               `json:"executionContextId"`
}

type pausedParams struct {
	CallFrames     []wireCallFrame         `json:"callFrames"`
	Reason         string                  `json:"reason"`
	Data           json.RawMessage         `json:"data,omitempty"`
	HitBreakpoints []debuggee.BreakpointID `json:"hitBreakpoints,omitempty"`
}

type breakpointResolvedParams struct {
	BreakpointID debuggee.BreakpointID `json:"breakpointId"`
	Location     wireLocation          `json:"location"`
}

type consoleAPICalledParams struct {
	Type       string                  `json:"type"`
	Args       []debuggee.RemoteObject `json:"args"`
	StackTrace *struct {
		CallFrames []struct {
			ScriptID     debuggee.ScriptID `json:"scriptId"`
			LineNumber   int               `json:"lineNumber"`
			ColumnNumber int               `json:"columnNumber"`
		} `json:"callFrames"`
	} `json:"stackTrace,omitempty"`
}

type exceptionThrownParams struct {
	ExceptionDetails wireExceptionDetails `json:"exceptionDetails"`
}

type setBreakpointByURLRequest struct {
	LineNumber   int    `json:"lineNumber"`
	URL          string `json:"url,omitempty"`
	URLRegex     string `json:"urlRegex,omitempty"`
	ColumnNumber int    `json:"columnNumber"`
	Condition    string `json:"condition,omitempty"`
}

type setBreakpointByURLResponse struct {
	BreakpointID debuggee.BreakpointID `json:"breakpointId"`
	Locations    []wireLocation        `json:"locations"`
}

type setBreakpointRequest struct {
	Location  wireLocation `json:"location"`
	Condition string       `json:"condition,omitempty"`
}

type setBreakpointResponse struct {
	BreakpointID   debuggee.BreakpointID `json:"breakpointId"`
	ActualLocation *wireLocation         `json:"actualLocation,omitempty"`
}

type evaluateResponse struct {
	Result           debuggee.RemoteObject `json:"result"`
	ExceptionDetails *wireExceptionDetails `json:"exceptionDetails,omitempty"`
}

type propertyDescriptor struct {
	Name  string                 `json:"name"`
	Value *debuggee.RemoteObject `json:"value,omitempty"`
	Get   *debuggee.RemoteObject `json:"get,omitempty"`
	IsOwn bool                   `json:"isOwn"`
}

type callArgument struct {
	Value               json.RawMessage `json:"value,omitempty"`
	UnserializableValue string          `json:"unserializableValue,omitempty"`
	ObjectID            string          `json:"objectId,omitempty"`
}

func toCallArgument(o debuggee.RemoteObject) callArgument {
	if o.ObjectID != "" {
		return callArgument{ObjectID: o.ObjectID}
	}
	if o.UnserializableValue != "" {
		return callArgument{UnserializableValue: o.UnserializableValue}
	}
	if o.Type == "undefined" {
		return callArgument{}
	}
	return callArgument{Value: o.Value}
}
