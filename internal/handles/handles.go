// Copyright (c) Microsoft Corporation. All rights reserved.

// Package handles allocates the integer references a debug client uses to address
// stack frames, scopes, variable containers and sources.
package handles

import (
	"sync"
)

const (
	// DefaultStartHandle is the first handle of the per-pause frame/scope/variable space.
	DefaultStartHandle = 1000

	// ReplStartHandle is the first handle of the console/REPL space, far above DefaultStartHandle so the two never collide.
	ReplStartHandle = 1_000_000_000
)

// Handles maps monotonically allocated integers to values.
// Handles are never reused for a different value until Reset is called.
type Handles[T any] struct {
	lock        sync.Mutex
	startHandle int
	nextHandle  int
	values      map[int]T
}

func NewHandles[T any](startHandle int) *Handles[T] {
	return &Handles[T]{
		startHandle: startHandle,
		nextHandle:  startHandle,
		values:      make(map[int]T),
	}
}

// Create stores value and returns its new handle.
func (h *Handles[T]) Create(value T) int {
	h.lock.Lock()
	defer h.lock.Unlock()

	handle := h.nextHandle
	h.nextHandle++
	h.values[handle] = value
	return handle
}

// Get returns the value stored for handle, or defaultValue if the handle is unknown.
func (h *Handles[T]) Get(handle int, defaultValue T) T {
	h.lock.Lock()
	defer h.lock.Unlock()

	if value, found := h.values[handle]; found {
		return value
	}
	return defaultValue
}

// Lookup returns the value stored for handle and whether it exists.
func (h *Handles[T]) Lookup(handle int) (T, bool) {
	h.lock.Lock()
	defer h.lock.Unlock()

	value, found := h.values[handle]
	return value, found
}

// Set replaces the value of an existing handle. Returns false if the handle is unknown.
func (h *Handles[T]) Set(handle int, value T) bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	if _, found := h.values[handle]; !found {
		return false
	}
	h.values[handle] = value
	return true
}

// Len returns the number of live handles.
func (h *Handles[T]) Len() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.values)
}

// Reset drops every handle and restarts allocation from the start handle.
func (h *Handles[T]) Reset() {
	h.lock.Lock()
	defer h.lock.Unlock()

	h.nextHandle = h.startHandle
	h.values = make(map[int]T)
}

// ReverseHandles additionally remembers which handle was minted for a key,
// so that asking twice for the same underlying object yields the same handle.
type ReverseHandles[K comparable, T any] struct {
	lock    sync.Mutex
	handles *Handles[T]
	byKey   map[K]int
}

func NewReverseHandles[K comparable, T any](startHandle int) *ReverseHandles[K, T] {
	return &ReverseHandles[K, T]{
		handles: NewHandles[T](startHandle),
		byKey:   make(map[K]int),
	}
}

// LookupOrCreate returns the handle previously created for key, or creates one storing value.
func (r *ReverseHandles[K, T]) LookupOrCreate(key K, value T) int {
	r.lock.Lock()
	defer r.lock.Unlock()

	if handle, found := r.byKey[key]; found {
		return handle
	}
	handle := r.handles.Create(value)
	r.byKey[key] = handle
	return handle
}

// HandleFor returns the handle created for key, if any.
func (r *ReverseHandles[K, T]) HandleFor(key K) (int, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	handle, found := r.byKey[key]
	return handle, found
}

func (r *ReverseHandles[K, T]) Get(handle int, defaultValue T) T {
	return r.handles.Get(handle, defaultValue)
}

func (r *ReverseHandles[K, T]) Lookup(handle int) (T, bool) {
	return r.handles.Lookup(handle)
}

func (r *ReverseHandles[K, T]) Len() int {
	return r.handles.Len()
}

func (r *ReverseHandles[K, T]) Reset() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.handles.Reset()
	r.byKey = make(map[K]int)
}
