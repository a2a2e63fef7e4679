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
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dap-engine/pkg/testutil"
)

// fakeTransport is an in-memory Transport: the test feeds incoming messages and inspects written ones.
type fakeTransport struct {
	in        chan readResult
	written   chan *Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:      make(chan readResult, 100),
		written: make(chan *Message, 1000),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (*Message, error) {
	select {
	case r := <-f.in:
		return r.msg, r.err
	case <-f.closed:
		return nil, ErrTransportClosed
	}
}

func (f *fakeTransport) WriteMessage(msg *Message) error {
	select {
	case <-f.closed:
		return ErrTransportClosed
	default:
	}
	copied := *msg
	f.written <- &copied
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(msg *Message) {
	f.in <- readResult{msg: msg}
}

func (f *fakeTransport) nextWritten(t *testing.T, ctx context.Context) *Message {
	t.Helper()
	select {
	case msg := <-f.written:
		return msg
	case <-ctx.Done():
		t.Fatal("timed out waiting for a message to be written")
		return nil
	}
}

func (f *fakeTransport) assertNothingWritten(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-f.written:
		t.Fatalf("unexpected message written: %s", msg)
	case <-time.After(wait):
	}
}

func request(seq int, command string, args any) *Message {
	req, err := NewRequest(command, args)
	if err != nil {
		panic(err)
	}
	req.Seq = seq
	return req
}

func startCorrelator(t *testing.T, ctx context.Context, config CorrelatorConfig) (*Correlator, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	config.Log = testutil.NewLogForTesting(t.Name())
	c := NewCorrelator(transport, config)
	go func() { _ = c.Run(ctx) }()
	return c, transport
}

func TestCorrelator_DispatchesToHandler(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	_, transport := startCorrelator(t, ctx, CorrelatorConfig{
		Handlers: map[string]Handler{
			"threads": Sync(func(_ context.Context, _ *Message) (any, error) {
				return dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: 1, Name: "main"}}}, nil
			}),
		},
	})

	transport.deliver(request(1, "threads", nil))
	resp := transport.nextWritten(t, ctx)

	assert.True(t, resp.IsSuccess())
	assert.Equal(t, 1, resp.RequestSeq)
	assert.Equal(t, "threads", resp.Command)
	assert.Equal(t, 1, resp.Seq)

	var body dap.ThreadsResponseBody
	require.NoError(t, resp.Decode(&body))
	require.Len(t, body.Threads, 1)
}

func TestCorrelator_UnrecognizedCommand(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	_, transport := startCorrelator(t, ctx, CorrelatorConfig{})

	transport.deliver(request(4, "frobnicate", nil))
	resp := transport.nextWritten(t, ctx)

	assert.False(t, resp.IsSuccess())
	assert.Equal(t, 4, resp.RequestSeq)
	var body dap.ErrorResponseBody
	require.NoError(t, resp.Decode(&body))
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrIDUnrecognizedRequest, body.Error.Id)
}

func TestCorrelator_CustomRequestFallback(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	_, transport := startCorrelator(t, ctx, CorrelatorConfig{
		Handlers: map[string]Handler{
			"threads": Sync(func(context.Context, *Message) (any, error) { return nil, nil }),
		},
		CustomRequest: Sync(func(_ context.Context, req *Message) (any, error) {
			return map[string]string{"handled": req.Command}, nil
		}),
	})

	transport.deliver(request(1, "toggleSomething", nil))
	resp := transport.nextWritten(t, ctx)
	require.True(t, resp.IsSuccess())

	var body map[string]string
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, "toggleSomething", body["handled"])
}

func TestCorrelator_DuplicateResponseIsDropped(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	_, transport := startCorrelator(t, ctx, CorrelatorConfig{
		Handlers: map[string]Handler{
			"pause": func(_ context.Context, _ *Message, respond Responder) {
				respond(nil, nil)
				respond(nil, errors.New("second response"))
			},
		},
	})

	transport.deliver(request(1, "pause", nil))
	resp := transport.nextWritten(t, ctx)
	assert.True(t, resp.IsSuccess())
	transport.assertNothingWritten(t, 100*time.Millisecond)
}

func TestCorrelator_HandlersRunInArrivalOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var order []int
	record := func(_ context.Context, req *Message) (any, error) {
		mu.Lock()
		order = append(order, req.Seq)
		mu.Unlock()
		return nil, nil
	}

	_, transport := startCorrelator(t, ctx, CorrelatorConfig{
		Handlers: map[string]Handler{"setBreakpoints": Sync(record)},
	})

	const n = 20
	for i := 1; i <= n; i++ {
		transport.deliver(request(i, "setBreakpoints", nil))
	}

	for i := 1; i <= n; i++ {
		resp := transport.nextWritten(t, ctx)
		assert.Equal(t, i, resp.RequestSeq)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range order {
		assert.Equal(t, i+1, seq)
	}
}

func TestCorrelator_PanickingHandlerFailsRequest(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	_, transport := startCorrelator(t, ctx, CorrelatorConfig{
		Handlers: map[string]Handler{
			"evaluate": Sync(func(context.Context, *Message) (any, error) {
				panic("handler bug")
			}),
		},
	})

	transport.deliver(request(1, "evaluate", nil))
	resp := transport.nextWritten(t, ctx)
	assert.False(t, resp.IsSuccess())
	assert.Contains(t, resp.Message, "handler bug")
}

func TestCorrelator_OutgoingSequenceNumbersAreUnique(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	c, transport := startCorrelator(t, ctx, CorrelatorConfig{})

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, c.SendRequestCallback("evaluate", nil, time.Minute, func(*Message) {}))
			} else {
				assert.NoError(t, c.SendEvent(EventOutput, dap.OutputEventBody{Output: fmt.Sprint(i)}))
			}
		}()
	}
	wg.Wait()

	last := 0
	for i := 0; i < n; i++ {
		msg := transport.nextWritten(t, ctx)
		require.Greater(t, msg.Seq, last, "sequence numbers must increase in write order")
		last = msg.Seq
	}
	assert.Equal(t, n, last)
}

func TestCorrelator_ResponseInvokesCallbackOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	c, transport := startCorrelator(t, ctx, CorrelatorConfig{})

	var calls atomic.Int32
	gotResponse := make(chan *Message, 2)
	require.NoError(t, c.SendRequestCallback("stackTrace", nil, time.Minute, func(resp *Message) {
		calls.Add(1)
		gotResponse <- resp
	}))

	req := transport.nextWritten(t, ctx)
	resp, err := NewResponse(req, dap.StackTraceResponseBody{TotalFrames: 3})
	require.NoError(t, err)
	transport.deliver(resp)
	transport.deliver(resp) // duplicate

	select {
	case got := <-gotResponse:
		assert.True(t, got.IsSuccess())
	case <-ctx.Done():
		t.Fatal("callback was not invoked")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, c.PendingRequests())
}

func TestCorrelator_TimeoutSynthesizesFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	c, transport := startCorrelator(t, ctx, CorrelatorConfig{})

	const timeout = 100 * time.Millisecond
	var calls atomic.Int32
	gotResponse := make(chan *Message, 2)
	start := time.Now()
	require.NoError(t, c.SendRequestCallback("evaluate", nil, timeout, func(resp *Message) {
		calls.Add(1)
		gotResponse <- resp
	}))
	req := transport.nextWritten(t, ctx)

	var resp *Message
	select {
	case resp = <-gotResponse:
	case <-ctx.Done():
		t.Fatal("timeout callback was not invoked")
	}

	assert.GreaterOrEqual(t, time.Since(start), timeout)
	assert.False(t, resp.IsSuccess())
	assert.True(t, resp.IsSynthetic())
	assert.Equal(t, "evaluate", resp.Command)
	assert.Equal(t, "timeout", resp.Message)
	assert.Equal(t, req.Seq, resp.RequestSeq)

	// A late response must not reach the callback again.
	late, err := NewResponse(req, nil)
	require.NoError(t, err)
	transport.deliver(late)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCorrelator_SendRequestReportsTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	c, _ := startCorrelator(t, ctx, CorrelatorConfig{})

	resp, err := c.SendRequest(ctx, "source", nil, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
	require.NotNil(t, resp)
	assert.Equal(t, "source", resp.Command)
}

func TestCorrelator_CloseFailsPendingRequests(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	c, transport := startCorrelator(t, ctx, CorrelatorConfig{})

	var closeCalls atomic.Int32
	c.OnClose(func(error) { closeCalls.Add(1) })

	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(ctx, "variables", nil, time.Minute)
		errCh <- err
	}()
	_ = transport.nextWritten(t, ctx)

	_ = transport.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrTransportClosed)
	case <-ctx.Done():
		t.Fatal("pending request was not failed")
	}

	<-c.Done()
	_ = c.Close(errors.New("second close"))
	assert.Equal(t, int32(1), closeCalls.Load())

	late := atomic.Bool{}
	c.OnClose(func(error) { late.Store(true) })
	assert.True(t, late.Load(), "callbacks registered after close run immediately")

	require.ErrorIs(t, c.SendEvent(EventOutput, nil), ErrTransportClosed)
}

func TestCorrelator_CancelRequest(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	started := make(chan struct{})
	c, transport := startCorrelator(t, ctx, CorrelatorConfig{
		Handlers: map[string]Handler{
			"evaluate": Async(func(reqCtx context.Context, req *Message) (any, error) {
				close(started)
				<-reqCtx.Done()
				return nil, Cancelled(req.Command)
			}),
		},
	})

	transport.deliver(request(7, "evaluate", nil))
	<-started
	require.True(t, c.CancelRequest(7))

	resp := transport.nextWritten(t, ctx)
	assert.False(t, resp.IsSuccess())
	assert.Equal(t, 7, resp.RequestSeq)
	var body dap.ErrorResponseBody
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, ErrIDCancelled, body.Error.Id)

	assert.False(t, c.CancelRequest(7), "completed requests cannot be cancelled")
}

func TestCorrelator_MalformedMessageKeepsConnection(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	errs := make(chan error, 1)
	_, transport := startCorrelator(t, ctx, CorrelatorConfig{
		OnError: func(err error) { errs <- err },
		Handlers: map[string]Handler{
			"threads": Sync(func(context.Context, *Message) (any, error) { return nil, nil }),
		},
	})

	transport.in <- readResult{err: fmt.Errorf("%w: garbage", ErrMalformedMessage)}
	transport.deliver(request(1, "threads", nil))

	require.ErrorIs(t, <-errs, ErrMalformedMessage)
	resp := transport.nextWritten(t, ctx)
	assert.True(t, resp.IsSuccess())
}

func TestChain_OrderAndLogging(t *testing.T) {
	t.Parallel()

	var trace []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *Message, respond Responder) {
				trace = append(trace, name)
				next(ctx, req, respond)
			}
		}
	}

	h := Chain(
		Sync(func(context.Context, *Message) (any, error) {
			trace = append(trace, "handler")
			return nil, nil
		}),
		mw("outer"), LoggingMiddleware(testutil.NewLogForTesting("chain")), mw("inner"),
	)

	responded := false
	h(context.Background(), request(1, "next", nil), func(any, error) { responded = true })

	assert.Equal(t, []string{"outer", "inner", "handler"}, trace)
	assert.True(t, responded)
}
