/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dap-engine/pkg/concurrency"
	"github.com/microsoft/dap-engine/pkg/resiliency"
)

const (
	// DefaultRequestTimeout is used for outgoing requests sent without an explicit timeout.
	DefaultRequestTimeout = 10 * time.Second

	timeoutReason = "timeout"
	closedReason  = "connection closed"
)

// ResponseCallback receives the response to an outgoing request.
// It is invoked exactly once, either with the peer's response or with a synthetic failure.
type ResponseCallback func(resp *Message)

// CorrelatorConfig configures a Correlator.
type CorrelatorConfig struct {
	// Handlers is the dispatch table, keyed by command.
	Handlers map[string]Handler

	// CustomRequest handles commands missing from the dispatch table. Optional.
	CustomRequest Handler

	// Default handles commands nobody else handles. Defaults to an "unrecognized request" error response.
	Default Handler

	// Middleware wraps every handler, first element outermost.
	Middleware []Middleware

	// OnEvent receives events sent by the peer. Optional.
	OnEvent func(*Message)

	// OnError is notified about recoverable protocol errors such as malformed frames. Optional.
	OnError func(error)

	Log logr.Logger
}

type pendingRequest struct {
	command  string
	callback ResponseCallback
	timer    *time.Timer
}

// pendingRequestMap is a thread-safe map of outgoing requests awaiting a response, keyed by sequence number.
type pendingRequestMap struct {
	mu       sync.Mutex
	requests map[int]*pendingRequest
}

func newPendingRequestMap() *pendingRequestMap {
	return &pendingRequestMap{requests: make(map[int]*pendingRequest)}
}

func (m *pendingRequestMap) Add(seq int, req *pendingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[seq] = req
}

// Take retrieves and removes a pending request. Returns nil if there is none for the given sequence number.
func (m *pendingRequestMap) Take(seq int) *pendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, found := m.requests[seq]
	if !found {
		return nil
	}
	delete(m.requests, seq)
	return req
}

func (m *pendingRequestMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Drain removes and returns all pending requests.
func (m *pendingRequestMap) Drain() map[int]*pendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	drained := m.requests
	m.requests = make(map[int]*pendingRequest)
	return drained
}

// Correlator drives one protocol connection: it dispatches incoming requests to handlers,
// matches incoming responses with outgoing requests, and stamps every outgoing message with a sequence number.
type Correlator struct {
	transport Transport
	handlers  map[string]Handler
	custom    Handler
	fallback  Handler
	onEvent   func(*Message)
	onError   func(error)
	log       logr.Logger

	seq *sequenceCounter
	// sendMu keeps sequence numbers increasing on the wire.
	sendMu  sync.Mutex
	pending *pendingRequestMap

	inflightMu sync.Mutex
	inflight   map[int]context.CancelFunc

	closeMu  sync.Mutex
	closed   bool
	onClose  []func(error)
	shutdown *concurrency.OneTimeJob[error]
	done     chan struct{}
}

func NewCorrelator(transport Transport, config CorrelatorConfig) *Correlator {
	log := config.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	c := &Correlator{
		transport: transport,
		handlers:  make(map[string]Handler, len(config.Handlers)),
		onEvent:   config.OnEvent,
		onError:   config.OnError,
		log:       log,
		seq:       newSequenceCounter(),
		pending:   newPendingRequestMap(),
		inflight:  make(map[int]context.CancelFunc),
		shutdown:  concurrency.NewOneTimeJob[error](),
		done:      make(chan struct{}),
	}

	for command, h := range config.Handlers {
		c.handlers[command] = Chain(h, config.Middleware...)
	}
	if config.CustomRequest != nil {
		c.custom = Chain(config.CustomRequest, config.Middleware...)
	}
	fallback := config.Default
	if fallback == nil {
		fallback = Sync(func(_ context.Context, req *Message) (any, error) {
			return nil, UnrecognizedRequest(req.Command)
		})
	}
	c.fallback = Chain(fallback, config.Middleware...)

	return c
}

// Run reads and dispatches messages until the transport fails or ctx is cancelled.
// Returns nil when the connection ended normally.
func (c *Correlator) Run(ctx context.Context) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go func() {
		select {
		case <-runCtx.Done():
			_ = c.transport.Close()
		case <-c.done:
		}
	}()

	for {
		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			if IsRecoverable(readErr) {
				c.log.Info("Ignoring malformed message", "Error", readErr.Error())
				if c.onError != nil {
					c.onError(readErr)
				}
				continue
			}

			if IsTransportError(readErr) {
				readErr = nil
			}
			return c.Close(filterContextError(readErr, runCtx, c.log))
		}

		switch msg.Type {
		case RequestMessage:
			c.dispatch(runCtx, msg)
		case ResponseMessage:
			c.handleResponse(msg)
		case EventMessage:
			if c.onEvent != nil {
				c.onEvent(msg)
			}
		}
	}
}

func (c *Correlator) dispatch(ctx context.Context, req *Message) {
	h, found := c.handlers[req.Command]
	if !found {
		h = c.custom
	}
	if h == nil {
		h = c.fallback
	}

	reqCtx, cancel := context.WithCancel(ctx)
	c.inflightMu.Lock()
	c.inflight[req.Seq] = cancel
	c.inflightMu.Unlock()

	respond := c.newResponder(req, cancel)

	defer func() {
		if panicErr := resiliency.RecoverPanic(recover(), "request handler "+req.Command, c.log); panicErr != nil {
			respond(nil, panicErr)
		}
	}()
	h(reqCtx, req, respond)
}

func (c *Correlator) newResponder(req *Message, cancel context.CancelFunc) Responder {
	var sent atomic.Bool

	return func(body any, err error) {
		if !sent.CompareAndSwap(false, true) {
			c.log.Info("Response already sent, dropping the duplicate", "Command", req.Command, "RequestSeq", req.Seq)
			return
		}

		c.inflightMu.Lock()
		delete(c.inflight, req.Seq)
		c.inflightMu.Unlock()
		defer cancel()

		var resp *Message
		if err != nil {
			resp = NewErrorResponse(req, err)
		} else {
			var encodeErr error
			resp, encodeErr = NewResponse(req, body)
			if encodeErr != nil {
				resp = NewErrorResponse(req, encodeErr)
			}
		}

		if sendErr := c.Send(resp); sendErr != nil {
			c.log.V(1).Info("Could not send response", "Command", req.Command, "Error", sendErr.Error())
		}
	}
}

// CancelRequest cancels the context of a request that is still being handled.
// Returns false if the request already completed or is unknown.
func (c *Correlator) CancelRequest(requestSeq int) bool {
	c.inflightMu.Lock()
	cancel, found := c.inflight[requestSeq]
	c.inflightMu.Unlock()

	if found {
		cancel()
	}
	return found
}

func (c *Correlator) handleResponse(resp *Message) {
	p := c.pending.Take(resp.RequestSeq)
	if p == nil {
		c.log.V(1).Info("Dropping response without a pending request", "Command", resp.Command, "RequestSeq", resp.RequestSeq)
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.callback(resp)
}

// Send stamps msg with the next sequence number and writes it.
func (c *Correlator) Send(msg *Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.shutdown.IsDone() {
		return ErrTransportClosed
	}
	msg.Seq = c.seq.Next()
	return c.transport.WriteMessage(msg)
}

// SendEvent creates and sends an event.
func (c *Correlator) SendEvent(event string, body any) error {
	msg, err := NewEvent(event, body)
	if err != nil {
		return err
	}
	return c.Send(msg)
}

// SendRequestCallback sends a request and arranges for callback to receive the response.
// If no response arrives within timeout, callback receives a synthetic failure response with message "timeout";
// a response arriving after that is dropped. A non-positive timeout means DefaultRequestTimeout.
func (c *Correlator) SendRequestCallback(command string, args any, timeout time.Duration, callback ResponseCallback) error {
	req, err := NewRequest(command, args)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.shutdown.IsDone() {
		return ErrTransportClosed
	}

	req.Seq = c.seq.Next()
	p := &pendingRequest{command: command, callback: callback}
	c.pending.Add(req.Seq, p)
	p.timer = time.AfterFunc(timeout, func() {
		if expired := c.pending.Take(req.Seq); expired != nil {
			c.log.V(1).Info("Request timed out", "Command", command, "Seq", req.Seq, "Timeout", timeout)
			expired.callback(newSyntheticFailure(req.Seq, command, timeoutReason))
		}
	})

	if writeErr := c.transport.WriteMessage(req); writeErr != nil {
		if c.pending.Take(req.Seq) != nil {
			p.timer.Stop()
		}
		return writeErr
	}
	return nil
}

// SendRequest sends a request and waits for its response.
// The response is returned even when it reports failure. A timeout yields the synthetic response together with ErrRequestTimeout.
func (c *Correlator) SendRequest(ctx context.Context, command string, args any, timeout time.Duration) (*Message, error) {
	respCh := make(chan *Message, 1)
	if err := c.SendRequestCallback(command, args, timeout, func(resp *Message) { respCh <- resp }); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.IsSynthetic() {
			switch resp.Message {
			case timeoutReason:
				return resp, fmt.Errorf("'%s' request: %w", command, ErrRequestTimeout)
			case closedReason:
				return resp, ErrTransportClosed
			}
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnClose registers a function called once when the connection ends. If it already ended, fn runs immediately.
func (c *Correlator) OnClose(fn func(error)) {
	c.closeMu.Lock()
	if !c.closed {
		c.onClose = append(c.onClose, fn)
		c.closeMu.Unlock()
		return
	}
	c.closeMu.Unlock()
	fn(nil)
}

// Done is closed when the connection has ended.
func (c *Correlator) Done() <-chan struct{} {
	return c.done
}

// PendingRequests returns the number of outgoing requests awaiting a response.
func (c *Correlator) PendingRequests() int {
	return c.pending.Len()
}

// Close ends the connection: the transport is closed, pending requests fail, OnClose callbacks run.
// It is idempotent; only the first call's cause is reported to the callbacks.
// Must not be called from an OnClose callback.
func (c *Correlator) Close(cause error) error {
	result, _ := c.shutdown.Run(func() error {
		closeErr := c.transport.Close()

		for seq, p := range c.pending.Drain() {
			if p.timer != nil {
				p.timer.Stop()
			}
			p.callback(newSyntheticFailure(seq, p.command, closedReason))
		}

		c.inflightMu.Lock()
		for _, cancel := range c.inflight {
			cancel()
		}
		c.inflightMu.Unlock()

		c.closeMu.Lock()
		c.closed = true
		callbacks := c.onClose
		c.onClose = nil
		c.closeMu.Unlock()
		for _, fn := range callbacks {
			fn(cause)
		}

		close(c.done)

		if closeErr != nil && !IsTransportError(closeErr) {
			return errors.Join(cause, closeErr)
		}
		return cause
	})
	return result
}
