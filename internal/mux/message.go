/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package mux

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxChannels is the number of logical channels one connection can carry: the channel id is the last
// decimal digit of every message id on the wire.
const MaxChannels = 10

const enableSuffix = ".enable"

var ErrInvalidID = errors.New("message ids must be non-negative")

// RPCMessage is a runtime protocol message. A message with an id is a request or a response;
// a message with a method and no id is a notification.
type RPCMessage struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func (m *RPCMessage) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// Domain returns the part of the method name before the first dot, e.g. "Debugger" for "Debugger.enable".
func (m *RPCMessage) Domain() string {
	domain, _, _ := strings.Cut(m.Method, ".")
	return domain
}

// IsEnable reports whether the message turns on notifications for its domain.
func (m *RPCMessage) IsEnable() bool {
	return strings.HasSuffix(m.Method, enableSuffix)
}

// EncodeID returns the wire id of message id on the given channel: id*10 + channel.
func EncodeID(channel int, id int64) (int64, error) {
	if channel < 0 || channel >= MaxChannels {
		return 0, fmt.Errorf("channel %d out of range", channel)
	}
	if id < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidID, id)
	}
	return id*MaxChannels + int64(channel), nil
}

// DecodeID splits a wire id into the channel and the channel-local message id.
func DecodeID(wireID int64) (int, int64, error) {
	if wireID < 0 {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidID, wireID)
	}
	return int(wireID % MaxChannels), wireID / MaxChannels, nil
}
