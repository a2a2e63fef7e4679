/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
)

var (
	// ErrTransportClosed is returned when attempting to use a closed transport or correlator.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrMalformedMessage is returned for a frame that could not be parsed. The connection remains usable.
	ErrMalformedMessage = errors.New("malformed DAP message")

	// ErrRequestTimeout is returned when an outgoing request does not receive a response in time.
	ErrRequestTimeout = errors.New("request timeout")
)

// IsTransportError returns true if the error indicates that the underlying stream is gone.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransportClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}

// IsRecoverable returns true if the connection can keep being used after the error.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrMalformedMessage)
}

// Stable error ids carried in error responses.
const (
	ErrIDUnrecognizedRequest  = 1014
	ErrIDRuntimeNotConnected  = 2001
	ErrIDMissingAttribute     = 2005
	ErrIDInvalidState         = 2006
	ErrIDInvalidPath          = 2007
	ErrIDStackFrameNotValid   = 2020
	ErrIDVariablesRefNotValid = 2021
	ErrIDSourceRefNotValid    = 2022
	ErrIDInvalidHitCondition  = 2023
	ErrIDNotSupported         = 2024
	ErrIDNotPaused            = 2025
	ErrIDCancelled            = 2026
	ErrIDRuntimeTimeout       = 2027
	ErrIDRuntimeCallFailed    = 2028
)

// ProtocolError is a failure reported to the client as a structured error response.
// Format may reference Variables with {name} placeholders.
type ProtocolError struct {
	ID            int
	Format        string
	Variables     map[string]string
	ShowUser      bool
	SendTelemetry bool
	Cause         error
}

func NewProtocolError(id int, format string, variables map[string]string) *ProtocolError {
	return &ProtocolError{ID: id, Format: format, Variables: variables}
}

func (e *ProtocolError) Error() string {
	return e.Formatted()
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

var placeholderRegex = regexp.MustCompile(`{([^}]+)}`)

// Formatted returns Format with every known placeholder substituted. Unknown placeholders are kept verbatim.
func (e *ProtocolError) Formatted() string {
	return placeholderRegex.ReplaceAllStringFunc(e.Format, func(match string) string {
		if value, found := e.Variables[match[1:len(match)-1]]; found {
			return value
		}
		return match
	})
}

func (e *ProtocolError) ToErrorMessage() *dap.ErrorMessage {
	return &dap.ErrorMessage{
		Id:            e.ID,
		Format:        e.Format,
		Variables:     e.Variables,
		ShowUser:      e.ShowUser,
		SendTelemetry: e.SendTelemetry,
	}
}

// WithCause records the error that led to the protocol error.
func (e *ProtocolError) WithCause(cause error) *ProtocolError {
	e.Cause = cause
	return e
}

// AsProtocolError finds the first ProtocolError in the error chain.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func UnrecognizedRequest(command string) *ProtocolError {
	return NewProtocolError(ErrIDUnrecognizedRequest, "Unrecognized request: {_request}", map[string]string{"_request": command})
}

func RuntimeNotConnected() *ProtocolError {
	return NewProtocolError(ErrIDRuntimeNotConnected, "Not connected to a debug target", nil)
}

func MissingAttribute(attribute string) *ProtocolError {
	pe := NewProtocolError(ErrIDMissingAttribute, "Attribute '{_attribute}' is missing or empty.", map[string]string{"_attribute": attribute})
	pe.ShowUser = true
	return pe
}

func InvalidState(command string, state string) *ProtocolError {
	pe := NewProtocolError(ErrIDInvalidState, "Request '{_request}' is not valid in state '{_state}'.", map[string]string{"_request": command, "_state": state})
	pe.SendTelemetry = true
	return pe
}

func InvalidPath(path string) *ProtocolError {
	pe := NewProtocolError(ErrIDInvalidPath, "Invalid path: {_path}", map[string]string{"_path": path})
	pe.ShowUser = true
	return pe
}

func StackFrameNotValid() *ProtocolError {
	return NewProtocolError(ErrIDStackFrameNotValid, "Stack frame not valid", nil)
}

func VariablesReferenceNotValid() *ProtocolError {
	return NewProtocolError(ErrIDVariablesRefNotValid, "Variables reference not valid", nil)
}

func SourceReferenceNotValid() *ProtocolError {
	return NewProtocolError(ErrIDSourceRefNotValid, "Source reference not valid", nil)
}

func InvalidHitCondition(condition string) *ProtocolError {
	pe := NewProtocolError(ErrIDInvalidHitCondition, "Invalid hit condition: {_condition}", map[string]string{"_condition": condition})
	pe.ShowUser = true
	return pe
}

func NotSupported(command string) *ProtocolError {
	return NewProtocolError(ErrIDNotSupported, "Request '{_request}' is not supported.", map[string]string{"_request": command})
}

func NotPaused() *ProtocolError {
	return NewProtocolError(ErrIDNotPaused, "Can't do this while the target is running", nil)
}

func Cancelled(command string) *ProtocolError {
	return NewProtocolError(ErrIDCancelled, "Request '{_request}' was cancelled.", map[string]string{"_request": command})
}

func RuntimeTimeout(method string) *ProtocolError {
	pe := NewProtocolError(ErrIDRuntimeTimeout, "Call to '{_method}' timed out.", map[string]string{"_method": method})
	pe.SendTelemetry = true
	return pe
}

func RuntimeCallFailed(method string, cause error) *ProtocolError {
	pe := NewProtocolError(ErrIDRuntimeCallFailed, "Call to '{_method}' failed: {_error}", map[string]string{"_method": method, "_error": cause.Error()})
	pe.SendTelemetry = true
	return pe.WithCause(cause)
}

// filterContextError filters out redundant context errors during shutdown.
// If the error is a context.Canceled or context.DeadlineExceeded and the
// context is already done, the error is logged at debug level and nil is returned.
// Otherwise, the original error is returned unchanged.
func filterContextError(err error, ctx context.Context, log logr.Logger) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		log.V(1).Info("Filtering redundant context error", "error", err)
		return nil
	}

	return err
}
