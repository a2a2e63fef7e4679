/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/microsoft/dap-engine/pkg/resiliency"
)

const closeMessageTimeout = 100 * time.Millisecond

// PhysicalConn is a message-oriented duplex connection.
type PhysicalConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// WebSocketConn adapts a WebSocket connection to PhysicalConn. Writes are serialized.
type WebSocketConn struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ PhysicalConn = (*WebSocketConn)(nil)

func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{conn: conn}
}

// ReadMessage returns the next text or binary message. A close frame from the peer is reported as io.EOF.
func (c *WebSocketConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, fmt.Errorf("websocket closed by peer: %w", errors.Join(io.EOF, err))
		}
		if err != nil {
			return nil, err
		}

		switch msgType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return data, nil
		default:
			// Ping and pong are handled by the websocket library.
			continue
		}
	}
}

func (c *WebSocketConn) WriteMessage(data []byte) error {
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame (best effort) and closes the underlying connection.
func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeLock.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeMessageTimeout),
		)
		c.writeLock.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// DialWebSocket connects to a runtime debugging endpoint, retrying with exponential back-off until
// maxElapsed passes or the context is cancelled. A runtime that was just started may not listen yet.
func DialWebSocket(ctx context.Context, url string, maxElapsed time.Duration, log logr.Logger) (*WebSocketConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	conn, err := resiliency.RetryGet(ctx, resiliency.ConnectBackoff(maxElapsed), func() (*websocket.Conn, error) {
		conn, resp, dialErr := dialer.DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if dialErr != nil {
			log.V(1).Info("Failed to connect to runtime endpoint, retrying...", "URL", url, "Error", dialErr.Error())
			return nil, dialErr
		}
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to '%s': %w", url, err)
	}

	return NewWebSocketConn(conn), nil
}
