/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

import (
	"context"
	"sync"
)

// Gate is a one-way wait/notify primitive. It starts closed; once opened it stays open forever
// and every current and future waiter is released.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Open releases all waiters. Calling Open more than once is a no-op.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// Done returns a channel that is closed when the gate opens.
func (g *Gate) Done() <-chan struct{} {
	return g.ch
}

func (g *Gate) IsOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate is open or the context is done.
// Returns the context error in the latter case.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		// Opening and cancellation may race; an open gate wins.
		if g.IsOpen() {
			return nil
		}
		return ctx.Err()
	}
}
