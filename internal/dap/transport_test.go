/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/microsoft/dap-engine/pkg/testutil"
)

func TestTCPTransport(t *testing.T) {
	t.Parallel()

	listener, listenErr := nettest.NewLocalListener("tcp")
	require.NoError(t, listenErr)
	defer listener.Close()

	var serverConn net.Conn
	var acceptErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverConn, acceptErr = listener.Accept()
	}()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	clientTransport, dialErr := DialTCP(ctx, listener.Addr().String())
	require.NoError(t, dialErr)
	defer clientTransport.Close()

	wg.Wait()
	require.NoError(t, acceptErr)
	serverTransport := NewTCPTransport(serverConn)
	defer serverTransport.Close()

	t.Run("write and read message", func(t *testing.T) {
		req := request(1, "initialize", dap.InitializeRequestArguments{AdapterID: "node"})
		require.NoError(t, clientTransport.WriteMessage(req))

		received, readErr := serverTransport.ReadMessage()
		require.NoError(t, readErr)
		assert.Equal(t, "initialize", received.Command)

		var args dap.InitializeRequestArguments
		require.NoError(t, received.Decode(&args))
		assert.Equal(t, "node", args.AdapterID)
	})

	t.Run("bidirectional communication", func(t *testing.T) {
		resp, err := NewResponse(request(1, "initialize", nil), dap.Capabilities{SupportsConfigurationDoneRequest: true})
		require.NoError(t, err)
		resp.Seq = 1
		require.NoError(t, serverTransport.WriteMessage(resp))

		received, readErr := clientTransport.ReadMessage()
		require.NoError(t, readErr)
		assert.True(t, received.IsSuccess())

		var caps dap.Capabilities
		require.NoError(t, received.Decode(&caps))
		assert.True(t, caps.SupportsConfigurationDoneRequest)
	})
}

func TestStreamTransport_ReadsConcatenatedAndSplitFrames(t *testing.T) {
	t.Parallel()

	reader, writer := io.Pipe()
	transport := NewStreamTransport(reader, io.Discard, reader)
	defer transport.Close()

	var stream []byte
	for i := 1; i <= 3; i++ {
		event, err := NewEvent(EventOutput, dap.OutputEventBody{Output: fmt.Sprintf("line %d ✓", i)})
		require.NoError(t, err)
		event.Seq = i
		frame, encodeErr := EncodeFrame(event)
		require.NoError(t, encodeErr)
		stream = append(stream, frame...)
	}

	go func() {
		// Odd chunk sizes so frame and character boundaries fall inside chunks.
		for len(stream) > 0 {
			n := min(7, len(stream))
			_, _ = writer.Write(stream[:n])
			stream = stream[n:]
		}
		_ = writer.Close()
	}()

	for i := 1; i <= 3; i++ {
		msg, err := transport.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, i, msg.Seq)

		var body dap.OutputEventBody
		require.NoError(t, msg.Decode(&body))
		assert.Equal(t, fmt.Sprintf("line %d ✓", i), body.Output)
	}

	_, err := transport.ReadMessage()
	require.Error(t, err)
	assert.True(t, IsTransportError(err), err.Error())
}

func TestStreamTransport_MalformedFrameIsRecoverable(t *testing.T) {
	t.Parallel()

	reader, writer := io.Pipe()
	transport := NewStreamTransport(reader, io.Discard, reader)
	defer transport.Close()

	good := `{"seq":1,"type":"request","command":"threads"}`
	go func() {
		_, _ = writer.Write([]byte("Content-Length: 5\r\n\r\n{{{{{"))
		_, _ = writer.Write([]byte(fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(good), good)))
	}()

	_, err := transport.ReadMessage()
	require.Error(t, err)
	require.True(t, IsRecoverable(err))

	msg, err := transport.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "threads", msg.Command)
}

func TestStreamTransport_WriteIsSingleCall(t *testing.T) {
	t.Parallel()

	w := &countingWriter{}
	transport := NewStreamTransport(nil, w)

	event, err := NewEvent(EventOutput, dap.OutputEventBody{Output: "hello"})
	require.NoError(t, err)
	require.NoError(t, transport.WriteMessage(event))

	assert.Equal(t, 1, w.writes)
	require.NoError(t, transport.Close())
	require.ErrorIs(t, transport.WriteMessage(event), ErrTransportClosed)
}

func TestStreamTransport_ConcurrentWritesDoNotInterleave(t *testing.T) {
	t.Parallel()

	pair := testutil.NewStreamPair(t)
	writerSide := NewStreamTransport(pair.Left, pair.Left, pair.Left)
	readerSide := NewStreamTransport(pair.Right, pair.Right, pair.Right)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			event, err := NewEvent(EventOutput, dap.OutputEventBody{Output: fmt.Sprintf("%03d", i)})
			assert.NoError(t, err)
			assert.NoError(t, writerSide.WriteMessage(event))
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		msg, err := readerSide.ReadMessage()
		require.NoError(t, err)
		var body dap.OutputEventBody
		require.NoError(t, msg.Decode(&body))
		seen[body.Output] = true
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestStreamTransport_CloseUnblocksRead(t *testing.T) {
	t.Parallel()

	pair := testutil.NewStreamPair(t)
	transport := NewStreamTransport(pair.Left, pair.Left, pair.Left)

	errCh := make(chan error, 1)
	go func() {
		_, err := transport.ReadMessage()
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close(), "Close is idempotent")

	select {
	case err := <-errCh:
		assert.True(t, IsTransportError(err), err.Error())
	case <-time.After(5 * time.Second):
		t.Fatal("read was not unblocked by Close")
	}
}

type countingWriter struct {
	writes int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes++
	return len(p), nil
}
