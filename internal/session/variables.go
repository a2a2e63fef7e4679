/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/davidwartell/go-onecontext/onecontext"
	"github.com/google/go-dap"

	idap "github.com/microsoft/dap-engine/internal/dap"
	"github.com/microsoft/dap-engine/internal/debuggee"
	"github.com/microsoft/dap-engine/internal/handles"
)

const (
	evaluateContextRepl = "repl"

	getterPlaceholder = "(...)"

	assignPropertyDeclaration = "function(name, value) { this[name] = value; return this[name]; }"
)

// containerHandle returns the variables reference of an expandable object, or 0 for values without children.
func (s *Session) containerHandle(o debuggee.RemoteObject, repl bool) int {
	if !o.IsExpandable() {
		return 0
	}
	container := &variableContainer{objectID: o.ObjectID, scopeNumber: -1, repl: repl}

	s.pauseLock.Lock()
	defer s.pauseLock.Unlock()
	if repl {
		return s.repl.LookupOrCreate(o.ObjectID, container)
	}
	return s.variables.LookupOrCreate(o.ObjectID, container)
}

func (s *Session) lookupContainer(handle int) (*variableContainer, bool) {
	s.pauseLock.Lock()
	defer s.pauseLock.Unlock()
	if handle >= handles.ReplStartHandle {
		return s.repl.Lookup(handle)
	}
	return s.variables.Lookup(handle)
}

func (s *Session) variablesRequest(ctx context.Context, req *idap.Message) (any, error) {
	rt, err := s.connectedRuntime()
	if err != nil {
		return nil, err
	}
	var args dap.VariablesArguments
	if err = req.Decode(&args); err != nil {
		return nil, err
	}

	container, found := s.lookupContainer(args.VariablesReference)
	if !found {
		return nil, idap.VariablesReferenceNotValid()
	}

	props, err := rt.dbg.GetProperties(ctx, container.objectID, true)
	if err != nil {
		if ctx.Err() != nil {
			return nil, idap.Cancelled(req.Command)
		}
		return nil, err
	}

	start := min(max(args.Start, 0), len(props))
	end := len(props)
	if args.Count > 0 {
		end = min(start+args.Count, len(props))
	}

	result := make([]dap.Variable, 0, end-start)
	for _, prop := range props[start:end] {
		if ctx.Err() != nil {
			return nil, idap.Cancelled(req.Command)
		}
		result = append(result, s.toVariable(prop, container.repl))
	}
	return dap.VariablesResponseBody{Variables: result}, nil
}

func (s *Session) toVariable(prop debuggee.Property, repl bool) dap.Variable {
	v := dap.Variable{Name: prop.Name}
	switch {
	case prop.Value != nil:
		v.Value = describeValue(*prop.Value)
		v.Type = typeName(*prop.Value)
		v.VariablesReference = s.containerHandle(*prop.Value, repl)
	case prop.Getter != nil:
		v.Value = getterPlaceholder
		v.Type = "accessor"
	default:
		v.Value = "undefined"
		v.Type = "undefined"
	}
	return v
}

// handleSetVariable answers before telling the client that other views of the same data are stale.
func (s *Session) handleSetVariable(ctx context.Context, req *idap.Message, respond idap.Responder) {
	go func() {
		opCtx, cancelOp := onecontext.Merge(ctx, s.lifetimeCtx)
		defer cancelOp()

		body, err := s.setVariable(opCtx, req)
		respond(body, err)
		if err == nil && s.clientCaps().supportsInvalidated {
			s.sendEvent(idap.EventInvalidated, idap.InvalidatedBody([]dap.InvalidatedAreas{"variables"}, threadID, 0))
		}
	}()
}

func (s *Session) setVariable(ctx context.Context, req *idap.Message) (any, error) {
	rt, err := s.connectedRuntime()
	if err != nil {
		return nil, err
	}
	var args dap.SetVariableArguments
	if err = req.Decode(&args); err != nil {
		return nil, err
	}

	container, found := s.lookupContainer(args.VariablesReference)
	if !found {
		return nil, idap.VariablesReferenceNotValid()
	}

	callFrameID := container.callFrameID
	if callFrameID == "" {
		if paused := s.currentPause(); paused != nil && len(paused.event.CallFrames) > 0 {
			callFrameID = paused.event.CallFrames[0].ID
		}
	}

	evaluated, err := rt.dbg.Evaluate(ctx, args.Value, callFrameID)
	if err != nil {
		return nil, err
	}
	if evaluated.Exception != nil {
		return nil, errors.New(exceptionText(evaluated.Exception))
	}
	value := evaluated.Result

	if container.scopeNumber >= 0 {
		if err = rt.dbg.SetVariableValue(ctx, container.callFrameID, container.scopeNumber, args.Name, value); err != nil {
			return nil, err
		}
	} else {
		name, marshalErr := json.Marshal(args.Name)
		if marshalErr != nil {
			return nil, marshalErr
		}
		assigned, callErr := rt.dbg.CallFunctionOn(ctx, container.objectID, assignPropertyDeclaration, []debuggee.RemoteObject{
			{Type: "string", Value: name},
			value,
		})
		if callErr != nil {
			return nil, callErr
		}
		if assigned.Exception != nil {
			return nil, errors.New(exceptionText(assigned.Exception))
		}
		value = assigned.Result
	}

	return dap.SetVariableResponseBody{
		Value:              describeValue(value),
		Type:               typeName(value),
		VariablesReference: s.containerHandle(value, container.repl),
	}, nil
}

// evaluate reports evaluation failures in the result text rather than as an error response.
func (s *Session) evaluate(ctx context.Context, req *idap.Message) (any, error) {
	rt, err := s.connectedRuntime()
	if err != nil {
		return nil, err
	}
	var args dap.EvaluateArguments
	if err = req.Decode(&args); err != nil {
		return nil, err
	}

	callFrameID := ""
	if args.FrameId != 0 {
		ref, found := s.frames.Lookup(args.FrameId)
		if !found {
			return nil, idap.StackFrameNotValid()
		}
		callFrameID = ref.frame.ID
	}
	repl := args.Context == evaluateContextRepl || !s.state.Is(StatePaused)

	evaluated, err := rt.dbg.Evaluate(ctx, args.Expression, callFrameID)
	switch {
	case ctx.Err() != nil:
		return nil, idap.Cancelled(req.Command)
	case errors.Is(err, debuggee.ErrClosed):
		return nil, idap.RuntimeNotConnected().WithCause(err)
	case err != nil:
		message := err.Error()
		if pe, isProtocolError := idap.AsProtocolError(err); isProtocolError && pe.Cause != nil {
			message = pe.Cause.Error()
		}
		return dap.EvaluateResponseBody{Result: message}, nil
	case evaluated.Exception != nil:
		return dap.EvaluateResponseBody{Result: exceptionText(evaluated.Exception)}, nil
	}

	return dap.EvaluateResponseBody{
		Result:             describeValue(evaluated.Result),
		Type:               typeName(evaluated.Result),
		VariablesReference: s.containerHandle(evaluated.Result, repl),
	}, nil
}

func exceptionText(details *debuggee.ExceptionDetails) string {
	if details.Exception != nil && details.Exception.Description != "" {
		return details.Exception.Description
	}
	return details.Text
}

// describeValue renders a runtime value for display.
func describeValue(o debuggee.RemoteObject) string {
	if o.UnserializableValue != "" {
		return o.UnserializableValue
	}

	switch o.Type {
	case "undefined":
		return "undefined"
	case "string":
		var text string
		if err := json.Unmarshal(o.Value, &text); err == nil {
			return strconv.Quote(text)
		}
	case "number", "boolean":
		if len(o.Value) > 0 {
			return string(o.Value)
		}
	case "function":
		if o.Description != "" {
			return o.Description
		}
		return "function"
	case "object":
		if o.Subtype == "null" {
			return "null"
		}
	}

	if o.Description != "" {
		return o.Description
	}
	if len(o.Value) > 0 {
		return string(o.Value)
	}
	return fmt.Sprintf("<%s>", o.Type)
}

func typeName(o debuggee.RemoteObject) string {
	if o.ClassName != "" {
		return o.ClassName
	}
	if o.Subtype != "" {
		return o.Subtype
	}
	return o.Type
}
