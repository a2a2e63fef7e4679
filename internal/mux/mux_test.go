/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package mux

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/dap-engine/pkg/testutil"
)

const defaultTestTimeout = 10 * time.Second

// fakeConn is an in-memory PhysicalConn. Messages pushed by the test are read by the multiplexor;
// messages written by the multiplexor are collected.
type fakeConn struct {
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	lock    sync.Mutex
	written []RPCMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	var msg RPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.written = append(c.written, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, msg RPCMessage) {
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.incoming <- data
}

func (c *fakeConn) Written() []RPCMessage {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]RPCMessage(nil), c.written...)
}

func id(v int64) *int64 {
	return &v
}

func receive(t *testing.T, ctx context.Context, ch *Channel) RPCMessage {
	select {
	case msg, ok := <-ch.Messages():
		require.True(t, ok, "channel closed unexpectedly")
		return msg
	case <-ctx.Done():
		require.Fail(t, "timed out waiting for a message")
		return RPCMessage{}
	}
}

func requireNoMessage(t *testing.T, ch *Channel) {
	select {
	case msg := <-ch.Messages():
		require.Failf(t, "unexpected message", "%+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func startMux(t *testing.T) (*Multiplexor, *fakeConn) {
	conn := newFakeConn()
	m := NewMultiplexor(conn, DefaultConfig(), testutil.NewLogForTesting(t.Name()))
	return m, conn
}

func TestIDEncodingRoundTrip(t *testing.T) {
	t.Parallel()

	for channel := 0; channel < MaxChannels; channel++ {
		for _, local := range []int64{0, 1, 7, 12345, 1 << 40} {
			wire, err := EncodeID(channel, local)
			require.NoError(t, err)
			require.Equal(t, local*10+int64(channel), wire)

			gotChannel, gotLocal, err := DecodeID(wire)
			require.NoError(t, err)
			require.Equal(t, channel, gotChannel)
			require.Equal(t, local, gotLocal)
		}
	}

	_, err := EncodeID(0, -1)
	require.ErrorIs(t, err, ErrInvalidID)
	_, _, err = DecodeID(-10)
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = EncodeID(MaxChannels, 1)
	require.Error(t, err)
}

func TestChannelLimit(t *testing.T) {
	t.Parallel()

	m, _ := startMux(t)
	channels := make([]*Channel, 0, MaxChannels)
	for i := 0; i < MaxChannels; i++ {
		ch, err := m.AddChannel("c")
		require.NoError(t, err)
		require.Equal(t, i, ch.ID())
		channels = append(channels, ch)
	}

	_, err := m.AddChannel("one too many")
	require.ErrorIs(t, err, ErrTooManyChannels)

	// Closing a channel frees its id.
	require.NoError(t, channels[3].Close())
	ch, err := m.AddChannel("replacement")
	require.NoError(t, err)
	require.Equal(t, 3, ch.ID())
	require.NoError(t, m.Close())
}

func TestResponsesAreRoutedByChannel(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	m, conn := startMux(t)
	first, err := m.AddChannel("first")
	require.NoError(t, err)
	second, err := m.AddChannel("second")
	require.NoError(t, err)
	go func() { _ = m.Run(ctx) }()

	require.NoError(t, first.Send(RPCMessage{ID: id(5), Method: "Runtime.evaluate"}))
	require.NoError(t, second.Send(RPCMessage{ID: id(5), Method: "Runtime.evaluate"}))

	written := conn.Written()
	require.Len(t, written, 2)
	assert.Equal(t, int64(50), *written[0].ID)
	assert.Equal(t, int64(51), *written[1].ID)

	conn.push(t, RPCMessage{ID: id(51), Result: json.RawMessage(`{"who":"second"}`)})
	conn.push(t, RPCMessage{ID: id(50), Result: json.RawMessage(`{"who":"first"}`)})
	// Channel 7 does not exist; the message is dropped.
	conn.push(t, RPCMessage{ID: id(57), Result: json.RawMessage(`{}`)})

	msg := receive(t, ctx, second)
	require.Equal(t, int64(5), *msg.ID)
	require.JSONEq(t, `{"who":"second"}`, string(msg.Result))

	msg = receive(t, ctx, first)
	require.Equal(t, int64(5), *msg.ID)
	require.JSONEq(t, `{"who":"first"}`, string(msg.Result))

	requireNoMessage(t, first)
	requireNoMessage(t, second)
	require.NoError(t, m.Close())
}

func TestNotificationsGoToChannelsThatEnabledTheDomain(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	m, conn := startMux(t)
	enabled, err := m.AddChannel("enabled")
	require.NoError(t, err)
	other, err := m.AddChannel("other")
	require.NoError(t, err)
	go func() { _ = m.Run(ctx) }()

	require.NoError(t, enabled.Send(RPCMessage{ID: id(1), Method: "Debugger.enable"}))

	conn.push(t, RPCMessage{Method: "Debugger.scriptParsed", Params: json.RawMessage(`{"scriptId":"1"}`)})

	msg := receive(t, ctx, enabled)
	require.Equal(t, "Debugger.scriptParsed", msg.Method)
	requireNoMessage(t, other)
	require.Eventually(t, func() bool { return other.Buffered() == 1 }, defaultTestTimeout, 10*time.Millisecond)

	// Enabling the domain later delivers what was received in the meantime, after the enable is forwarded.
	require.NoError(t, other.Send(RPCMessage{ID: id(1), Method: "Debugger.enable"}))
	msg = receive(t, ctx, other)
	require.Equal(t, "Debugger.scriptParsed", msg.Method)
	require.Equal(t, 0, other.Buffered())

	written := conn.Written()
	require.Len(t, written, 2)
	require.Equal(t, "Debugger.enable", written[1].Method)
	require.NoError(t, m.Close())
}

func TestBufferedNotificationsExpire(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	m, _ := startMux(t)
	ch, err := m.AddChannel("late")
	require.NoError(t, err)

	var clockLock sync.Mutex
	now := time.Now()
	ch.lock.Lock()
	ch.timeSource = func() time.Time {
		clockLock.Lock()
		defer clockLock.Unlock()
		return now
	}
	ch.lock.Unlock()
	advance := func(d time.Duration) {
		clockLock.Lock()
		defer clockLock.Unlock()
		now = now.Add(d)
	}

	m.dispatch(RPCMessage{Method: "Runtime.consoleAPICalled"})
	advance(30 * time.Second)
	m.dispatch(RPCMessage{Method: "Runtime.executionContextCreated"})
	require.Equal(t, 2, ch.Buffered())

	advance(31 * time.Second)
	ch.prune()
	require.Equal(t, 1, ch.Buffered())

	require.NoError(t, ch.Send(RPCMessage{ID: id(1), Method: "Runtime.enable"}))
	msg := receive(t, ctx, ch)
	require.Equal(t, "Runtime.executionContextCreated", msg.Method)
	requireNoMessage(t, ch)
	require.NoError(t, m.Close())
}

func TestRunClosesChannelsWhenConnectionEnds(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	m, conn := startMux(t)
	ch, err := m.AddChannel("adapter")
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	require.NoError(t, conn.Close())
	require.ErrorIs(t, <-runErr, io.EOF)

	select {
	case _, ok := <-ch.Messages():
		require.False(t, ok)
	case <-ctx.Done():
		require.Fail(t, "channel was not closed")
	}
	require.ErrorIs(t, ch.Send(RPCMessage{ID: id(1), Method: "Debugger.resume"}), ErrChannelClosed)
	<-m.Done()
	require.ErrorIs(t, m.Err(), io.EOF)
}

func TestWebSocketTransport(t *testing.T) {
	t.Parallel()
	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Answers every request with its own id and announces a parsed script.
		for {
			_, data, readErr := conn.ReadMessage()
			if readErr != nil {
				return
			}
			var req RPCMessage
			if json.Unmarshal(data, &req) != nil {
				return
			}
			resp, _ := json.Marshal(RPCMessage{ID: req.ID, Result: json.RawMessage(`{}`)})
			_ = conn.WriteMessage(websocket.TextMessage, resp)
			notification, _ := json.Marshal(RPCMessage{Method: "Debugger.scriptParsed", Params: json.RawMessage(`{"scriptId":"9"}`)})
			_ = conn.WriteMessage(websocket.TextMessage, notification)
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, err := DialWebSocket(ctx, url, 5*time.Second, testutil.NewLogForTesting(t.Name()))
	require.NoError(t, err)

	m := NewMultiplexor(conn, DefaultConfig(), testutil.NewLogForTesting(t.Name()))
	ch, err := m.AddChannel("adapter")
	require.NoError(t, err)
	go func() { _ = m.Run(ctx) }()

	require.NoError(t, ch.Send(RPCMessage{ID: id(3), Method: "Debugger.enable"}))

	msg := receive(t, ctx, ch)
	require.NotNil(t, msg.ID)
	require.Equal(t, int64(3), *msg.ID)

	msg = receive(t, ctx, ch)
	require.Equal(t, "Debugger.scriptParsed", msg.Method)
	require.True(t, msg.IsNotification())

	require.NoError(t, m.Close())
	<-m.Done()
}
