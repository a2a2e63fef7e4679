/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"github.com/google/go-dap"
)

// Event names.
const (
	EventInitialized    = "initialized"
	EventStopped        = "stopped"
	EventContinued      = "continued"
	EventExited         = "exited"
	EventTerminated     = "terminated"
	EventThread         = "thread"
	EventOutput         = "output"
	EventBreakpoint     = "breakpoint"
	EventModule         = "module"
	EventLoadedSource   = "loadedSource"
	EventProcess        = "process"
	EventCapabilities   = "capabilities"
	EventProgressStart  = "progressStart"
	EventProgressUpdate = "progressUpdate"
	EventProgressEnd    = "progressEnd"
	EventInvalidated    = "invalidated"
	EventMemory         = "memory"
)

// Stop reasons.
const (
	StopReasonStep                  = "step"
	StopReasonBreakpoint            = "breakpoint"
	StopReasonException             = "exception"
	StopReasonPause                 = "pause"
	StopReasonEntry                 = "entry"
	StopReasonDebuggerStatement     = "debugger statement"
	StopReasonFunctionBreakpoint    = "function breakpoint"
	StopReasonDataBreakpoint        = "data breakpoint"
	StopReasonInstructionBreakpoint = "instruction breakpoint"
)

// Output categories.
const (
	OutputConsole   = "console"
	OutputStdout    = "stdout"
	OutputStderr    = "stderr"
	OutputTelemetry = "telemetry"
)

// Reasons for breakpoint, loadedSource and module events.
const (
	ReasonNew     = "new"
	ReasonChanged = "changed"
	ReasonRemoved = "removed"
)

func StoppedBody(reason string, threadID int, text string, hitBreakpointIDs []int) dap.StoppedEventBody {
	return dap.StoppedEventBody{
		Reason:            reason,
		ThreadId:          threadID,
		Text:              text,
		AllThreadsStopped: true,
		HitBreakpointIds:  hitBreakpointIDs,
	}
}

func ContinuedBody(threadID int) dap.ContinuedEventBody {
	return dap.ContinuedEventBody{ThreadId: threadID, AllThreadsContinued: true}
}

func ExitedBody(exitCode int) dap.ExitedEventBody {
	return dap.ExitedEventBody{ExitCode: exitCode}
}

func TerminatedBody() dap.TerminatedEventBody {
	return dap.TerminatedEventBody{}
}

func ThreadBody(reason string, threadID int) dap.ThreadEventBody {
	return dap.ThreadEventBody{Reason: reason, ThreadId: threadID}
}

// OutputBody creates an output event body. The source position is optional.
func OutputBody(category string, text string, source *dap.Source, line int, column int) dap.OutputEventBody {
	return dap.OutputEventBody{
		Category: category,
		Output:   text,
		Source:   source,
		Line:     line,
		Column:   column,
	}
}

func BreakpointBody(reason string, bp dap.Breakpoint) dap.BreakpointEventBody {
	return dap.BreakpointEventBody{Reason: reason, Breakpoint: bp}
}

func ModuleBody(reason string, module dap.Module) dap.ModuleEventBody {
	return dap.ModuleEventBody{Reason: reason, Module: module}
}

func LoadedSourceBody(reason string, source dap.Source) dap.LoadedSourceEventBody {
	return dap.LoadedSourceEventBody{Reason: reason, Source: source}
}

func CapabilitiesBody(capabilities dap.Capabilities) dap.CapabilitiesEventBody {
	return dap.CapabilitiesEventBody{Capabilities: capabilities}
}

func ProgressStartBody(progressID string, title string, message string) dap.ProgressStartEventBody {
	return dap.ProgressStartEventBody{ProgressId: progressID, Title: title, Message: message}
}

func ProgressUpdateBody(progressID string, message string) dap.ProgressUpdateEventBody {
	return dap.ProgressUpdateEventBody{ProgressId: progressID, Message: message}
}

func ProgressEndBody(progressID string, message string) dap.ProgressEndEventBody {
	return dap.ProgressEndEventBody{ProgressId: progressID, Message: message}
}

// InvalidatedBody creates an invalidated event body. Empty areas means "all".
func InvalidatedBody(areas []dap.InvalidatedAreas, threadID int, stackFrameID int) dap.InvalidatedEventBody {
	return dap.InvalidatedEventBody{Areas: areas, ThreadId: threadID, StackFrameId: stackFrameID}
}

func MemoryBody(memoryReference string, offset int, count int) dap.MemoryEventBody {
	return dap.MemoryEventBody{MemoryReference: memoryReference, Offset: offset, Count: count}
}
