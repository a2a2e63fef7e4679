// Copyright (c) Microsoft Corporation. All rights reserved.

package testutil

import (
	"io"
	"net"
	"testing"
)

// StreamPair is a pair of connected in-memory byte streams, one for each side of a conversation.
type StreamPair struct {
	Left  io.ReadWriteCloser
	Right io.ReadWriteCloser
}

// NewStreamPair returns two connected in-memory streams. Both ends are closed when the test finishes.
func NewStreamPair(t *testing.T) StreamPair {
	left, right := net.Pipe()
	t.Cleanup(func() {
		_ = left.Close()
		_ = right.Close()
	})
	return StreamPair{Left: left, Right: right}
}
