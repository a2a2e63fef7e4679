/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

import (
	"sync"
)

type oneTimeJobState uint8

const (
	oneTimeJobStateInitial oneTimeJobState = iota
	oneTimeJobStateRunning
	oneTimeJobStateDone
)

// OneTimeJob represents an activity that must be done only once.
// The first caller of Run performs the job; concurrent and later callers wait for it to finish
// and observe the same result.
type OneTimeJob[T any] struct {
	lock   *sync.Mutex
	done   chan struct{}
	state  oneTimeJobState
	result T
}

func NewOneTimeJob[T any]() *OneTimeJob[T] {
	return &OneTimeJob[T]{
		lock:  &sync.Mutex{},
		done:  make(chan struct{}),
		state: oneTimeJobStateInitial,
	}
}

// Run executes job if nobody has taken the job yet, otherwise waits for the job to complete.
// The boolean result is true for the caller that actually ran the job.
func (otj *OneTimeJob[T]) Run(job func() T) (T, bool) {
	otj.lock.Lock()
	if otj.state != oneTimeJobStateInitial {
		otj.lock.Unlock()
		<-otj.done // Channel read establishes happens-before relationship for result read.
		return otj.result, false
	}
	otj.state = oneTimeJobStateRunning
	otj.lock.Unlock()

	res := job()

	otj.lock.Lock()
	otj.result = res
	otj.state = oneTimeJobStateDone
	close(otj.done)
	otj.lock.Unlock()

	return res, true
}

// Returns the channel that will be closed when the job is done.
func (otj *OneTimeJob[T]) Done() <-chan struct{} {
	return otj.done
}

// Returns true if the job is done, otherwise false.
func (otj *OneTimeJob[T]) IsDone() bool {
	otj.lock.Lock()
	defer otj.lock.Unlock()

	return otj.state == oneTimeJobStateDone
}
