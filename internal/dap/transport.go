// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

const readChunkSize = 16 * 1024

// Transport provides an abstraction for DAP message I/O over different connection types.
// WriteMessage is safe for concurrent use. ReadMessage must be called from a single goroutine.
type Transport interface {
	// ReadMessage blocks until the next complete message is available.
	// A malformed frame yields an error wrapping ErrMalformedMessage; the caller may keep reading after it.
	// Any other error means the stream is no longer usable.
	ReadMessage() (*Message, error)

	// WriteMessage writes one complete frame with a single write to the underlying stream.
	WriteMessage(msg *Message) error

	// Close closes the transport, releasing any associated resources.
	// After Close is called, any blocked ReadMessage or WriteMessage calls should return with an error.
	Close() error
}

type readResult struct {
	msg *Message
	err error
}

// streamTransport implements Transport over a pair of byte streams.
type streamTransport struct {
	reader  io.Reader
	writer  io.Writer
	closers []io.Closer

	framer  *Framer
	decoded []readResult
	chunk   []byte

	// writeMu serializes frames so that they never interleave on the wire
	writeMu sync.Mutex

	// closed indicates whether the transport has been closed
	closed bool
	mu     sync.Mutex
}

// NewStreamTransport creates a Transport that reads frames from r and writes frames to w.
// Closing the transport closes every non-nil closer.
func NewStreamTransport(r io.Reader, w io.Writer, closers ...io.Closer) Transport {
	t := &streamTransport{
		reader: r,
		writer: w,
		chunk:  make([]byte, readChunkSize),
	}
	for _, c := range closers {
		if c != nil {
			t.closers = append(t.closers, c)
		}
	}
	t.framer = NewFramer(
		func(msg *Message) { t.decoded = append(t.decoded, readResult{msg: msg}) },
		func(err error) { t.decoded = append(t.decoded, readResult{err: err}) },
	)
	return t
}

// NewTCPTransport creates a new Transport backed by a TCP connection.
func NewTCPTransport(conn net.Conn) Transport {
	return NewStreamTransport(conn, conn, conn)
}

// DialTCP establishes a TCP connection to the specified address and returns a Transport.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, dialErr := d.DialContext(ctx, "tcp", address)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to dial TCP %s: %w", address, dialErr)
	}

	return NewTCPTransport(conn), nil
}

// NewStdioTransport creates a new Transport backed by stdin and stdout streams.
func NewStdioTransport(stdin io.ReadCloser, stdout io.WriteCloser) Transport {
	return NewStreamTransport(stdin, stdout, stdin, stdout)
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *streamTransport) ReadMessage() (*Message, error) {
	for {
		if len(t.decoded) > 0 {
			next := t.decoded[0]
			t.decoded[0] = readResult{}
			t.decoded = t.decoded[1:]
			if next.err != nil {
				return nil, next.err
			}
			return next.msg, nil
		}

		if t.isClosed() {
			return nil, ErrTransportClosed
		}

		n, readErr := t.reader.Read(t.chunk)
		if n > 0 {
			_, _ = t.framer.Write(t.chunk[:n])
		}
		if readErr != nil {
			if len(t.decoded) > 0 {
				// Deliver what was already decoded; the error will surface on the next read.
				continue
			}
			if t.isClosed() || errors.Is(readErr, net.ErrClosed) {
				return nil, fmt.Errorf("%w: %w", ErrTransportClosed, readErr)
			}
			return nil, fmt.Errorf("failed to read DAP message: %w", readErr)
		}
	}
}

func (t *streamTransport) WriteMessage(msg *Message) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	frame, encodeErr := EncodeFrame(msg)
	if encodeErr != nil {
		return encodeErr
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, writeErr := t.writer.Write(frame); writeErr != nil {
		return fmt.Errorf("failed to write DAP message: %w", writeErr)
	}

	return nil
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	var errs []error
	for _, c := range t.closers {
		if closeErr := c.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			errs = append(errs, closeErr)
		}
	}
	return errors.Join(errs...)
}
