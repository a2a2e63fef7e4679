// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/go-dap"
)

// MessageType discriminates the three kinds of protocol messages.
type MessageType string

const (
	RequestMessage  MessageType = "request"
	ResponseMessage MessageType = "response"
	EventMessage    MessageType = "event"
)

// Message is a single protocol message as it appears on the wire.
// Only the fields relevant to Type are populated; Arguments and Body stay raw until a handler decodes them.
type Message struct {
	Seq  int         `json:"seq"`
	Type MessageType `json:"type"`

	// Request and response
	Command string `json:"command,omitempty"`

	// Request
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// Response
	RequestSeq int    `json:"request_seq,omitempty"`
	Success    *bool  `json:"success,omitempty"`
	Message    string `json:"message,omitempty"`

	// Response and event
	Body json.RawMessage `json:"body,omitempty"`

	// Event
	Event string `json:"event,omitempty"`

	// Set on responses fabricated locally (timeout, closed connection) rather than received from the peer.
	synthetic bool
}

// NewRequest creates a request message. The sequence number is assigned when the message is sent.
func NewRequest(command string, args any) (*Message, error) {
	raw, err := toRawJSON(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments of '%s' request: %w", command, err)
	}
	return &Message{Type: RequestMessage, Command: command, Arguments: raw}, nil
}

// NewResponse creates a successful response to the given request.
func NewResponse(req *Message, body any) (*Message, error) {
	raw, err := toRawJSON(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode body of '%s' response: %w", req.Command, err)
	}
	return &Message{
		Type:       ResponseMessage,
		Command:    req.Command,
		RequestSeq: req.Seq,
		Success:    boolPtr(true),
		Body:       raw,
	}, nil
}

// NewErrorResponse creates a failed response to the given request.
// A ProtocolError anywhere in the error chain is rendered into the structured error body.
func NewErrorResponse(req *Message, err error) *Message {
	resp := &Message{
		Type:       ResponseMessage,
		Command:    req.Command,
		RequestSeq: req.Seq,
		Success:    boolPtr(false),
		Message:    err.Error(),
	}

	if pe, isProtocolErr := AsProtocolError(err); isProtocolErr {
		resp.Message = pe.Formatted()
		if raw, marshalErr := json.Marshal(dap.ErrorResponseBody{Error: pe.ToErrorMessage()}); marshalErr == nil {
			resp.Body = raw
		}
	}

	return resp
}

// NewEvent creates an event message. The sequence number is assigned when the message is sent.
func NewEvent(event string, body any) (*Message, error) {
	raw, err := toRawJSON(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode body of '%s' event: %w", event, err)
	}
	return &Message{Type: EventMessage, Event: event, Body: raw}, nil
}

func newSyntheticFailure(requestSeq int, command string, reason string) *Message {
	return &Message{
		Type:       ResponseMessage,
		Command:    command,
		RequestSeq: requestSeq,
		Success:    boolPtr(false),
		Message:    reason,
		synthetic:  true,
	}
}

// IsSuccess reports whether the message is a successful response.
func (m *Message) IsSuccess() bool {
	return m.Type == ResponseMessage && m.Success != nil && *m.Success
}

// IsSynthetic reports whether the response was fabricated locally instead of being received from the peer.
func (m *Message) IsSynthetic() bool {
	return m.synthetic
}

// Decode unmarshals the request arguments, or the response/event body, into v.
// A message without a payload leaves v untouched.
func (m *Message) Decode(v any) error {
	raw := m.Body
	if m.Type == RequestMessage {
		raw = m.Arguments
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode payload of %s: %w", m, err)
	}
	return nil
}

// ToProtocolMessage converts the message into the corresponding typed go-dap message.
func (m *Message) ToProtocolMessage() (dap.Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return dap.DecodeProtocolMessage(data)
}

func (m *Message) validate() error {
	switch m.Type {
	case RequestMessage:
		if m.Command == "" {
			return fmt.Errorf("%w: request without command", ErrMalformedMessage)
		}
	case ResponseMessage:
		if m.Success == nil {
			return fmt.Errorf("%w: response without success flag", ErrMalformedMessage)
		}
	case EventMessage:
		if m.Event == "" {
			return fmt.Errorf("%w: event without name", ErrMalformedMessage)
		}
	default:
		return fmt.Errorf("%w: unknown message type '%s'", ErrMalformedMessage, m.Type)
	}
	return nil
}

func (m *Message) String() string {
	switch m.Type {
	case RequestMessage:
		return fmt.Sprintf("request '%s' (seq %d)", m.Command, m.Seq)
	case ResponseMessage:
		return fmt.Sprintf("response '%s' (request_seq %d, success %t)", m.Command, m.RequestSeq, m.IsSuccess())
	case EventMessage:
		return fmt.Sprintf("event '%s' (seq %d)", m.Event, m.Seq)
	default:
		return fmt.Sprintf("message of type '%s' (seq %d)", m.Type, m.Seq)
	}
}

func toRawJSON(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	default:
		return json.Marshal(v)
	}
}

func boolPtr(b bool) *bool {
	return &b
}

// sequenceCounter provides thread-safe sequence number generation.
// Sequence numbers start at 1.
type sequenceCounter struct {
	mu  sync.Mutex
	seq int
}

func newSequenceCounter() *sequenceCounter {
	return &sequenceCounter{}
}

// Next returns the next sequence number.
func (c *sequenceCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the last sequence number handed out without incrementing.
func (c *sequenceCounter) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}
