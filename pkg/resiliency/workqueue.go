/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"math"
	"runtime"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"
)

const DefaultConcurrency uint8 = 0

type WorkQueueItem = func(ctx context.Context)

// WorkQueue runs work items in submission order, with at most maxConcurrency items running at the same time.
// With maxConcurrency == 1 the queue is a strict FIFO: an item starts only after the previous one returned.
type WorkQueue struct {
	incoming    *chanx.UnboundedChan[WorkQueueItem]
	limiter     chan struct{}
	lifetimeCtx context.Context
	log         logr.Logger
}

func NewWorkQueue(lifetimeCtx context.Context, maxConcurrency uint8, log logr.Logger) *WorkQueue {
	if maxConcurrency == DefaultConcurrency {
		maxConcurrency = getDefaultConcurrency()
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	wq := WorkQueue{
		incoming:    chanx.NewUnboundedChan[WorkQueueItem](lifetimeCtx, int(maxConcurrency)),
		limiter:     make(chan struct{}, maxConcurrency),
		lifetimeCtx: lifetimeCtx,
		log:         log,
	}
	go wq.doWork()
	return &wq
}

func (wq *WorkQueue) Enqueue(work WorkQueueItem) error {
	if wq.lifetimeCtx.Err() != nil {
		return wq.lifetimeCtx.Err()
	}

	select {
	case wq.incoming.In <- work:
		return nil
	case <-wq.lifetimeCtx.Done():
		return wq.lifetimeCtx.Err()
	}
}

// Pending returns the number of items that were enqueued but have not started yet.
// The value is approximate if items are being enqueued concurrently.
func (wq *WorkQueue) Pending() int {
	return wq.incoming.Len()
}

func (wq *WorkQueue) doWork() {
	for {
		select {

		case work, isOpen := <-wq.incoming.Out:
			if !isOpen {
				return
			}

			select {
			// Writing to limiter will block if attempting to start more goroutines than concurrency level (semaphore semantics).
			case wq.limiter <- struct{}{}:
				if wq.lifetimeCtx.Err() != nil {
					return
				}

				go func() {
					defer func() { <-wq.limiter }()
					defer func() {
						// A failing item must never wedge the queue.
						if panicErr := RecoverPanic(recover(), "work queue item", wq.log); panicErr != nil {
							wq.log.Info("Work queue item failed", "Error", panicErr)
						}
					}()
					work(wq.lifetimeCtx)
				}()

			case <-wq.lifetimeCtx.Done():
				return
			}

		case <-wq.lifetimeCtx.Done():
			return
		}
	}
}

func getDefaultConcurrency() uint8 {
	numCPU := runtime.NumCPU()
	if numCPU > math.MaxUint8 {
		return math.MaxUint8
	} else {
		return uint8(numCPU)
	}
}
