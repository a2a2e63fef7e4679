/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"sync"

	idap "github.com/microsoft/dap-engine/internal/dap"
)

// State is the lifecycle state of a debug session.
type State int

const (
	// StateUninitialized is the state before the initialize request.
	StateUninitialized State = iota

	// StateInitializing means capabilities were negotiated and the client is configuring the session.
	StateInitializing

	// StateLaunching and StateAttaching mean the runtime connection is being established.
	StateLaunching
	StateAttaching

	// StateRunning means the debuggee is executing.
	StateRunning

	// StatePaused means the runtime reported a pause the client was told about.
	StatePaused

	// StateTerminating means shutdown is in progress.
	StateTerminating

	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateLaunching:
		return "launching"
	case StateAttaching:
		return "attaching"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateUninitialized: {StateInitializing, StateTerminating, StateTerminated},
	StateInitializing:  {StateLaunching, StateAttaching, StateTerminating, StateTerminated},
	StateLaunching:     {StateRunning, StatePaused, StateTerminating, StateTerminated},
	StateAttaching:     {StateRunning, StatePaused, StateTerminating, StateTerminated},
	StateRunning:       {StatePaused, StateTerminating, StateTerminated},
	StatePaused:        {StateRunning, StateTerminating, StateTerminated},
	StateTerminating:   {StateTerminated},
}

// CanTransition reports whether the state machine allows moving from one state to another.
func CanTransition(from State, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// stateMachine guards the session state.
type stateMachine struct {
	lock    sync.Mutex
	current State
}

func (m *stateMachine) Current() State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.current
}

// Is reports whether the current state is one of states.
func (m *stateMachine) Is(states ...State) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, s := range states {
		if m.current == s {
			return true
		}
	}
	return false
}

// Transition moves to the target state. The command is used for the error returned on an invalid transition.
func (m *stateMachine) Transition(command string, to State) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if !CanTransition(m.current, to) {
		return idap.InvalidState(command, m.current.String())
	}
	m.current = to
	return nil
}

// TransitionFrom moves to the target state only if the current state is from.
// Returns false without error when the current state is something else.
func (m *stateMachine) TransitionFrom(from State, to State) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.current != from || !CanTransition(from, to) {
		return false
	}
	m.current = to
	return true
}

// Require returns an invalid state error unless the current state is one of states.
func (m *stateMachine) Require(command string, states ...State) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, s := range states {
		if m.current == s {
			return nil
		}
	}
	return idap.InvalidState(command, m.current.String())
}

// terminate moves to the target shutdown state regardless of the transition table.
// Returns false if the session is already terminated.
func (m *stateMachine) terminate(to State) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.current == StateTerminated {
		return false
	}
	m.current = to
	return true
}
