// Copyright (c) Microsoft Corporation. All rights reserved.

package handles

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlesCreateAndGet(t *testing.T) {
	t.Parallel()

	h := NewHandles[string](DefaultStartHandle)
	a := h.Create("frame A")
	b := h.Create("frame B")

	assert.Equal(t, DefaultStartHandle, a)
	assert.Equal(t, DefaultStartHandle+1, b)
	assert.Equal(t, "frame A", h.Get(a, ""))
	assert.Equal(t, "missing", h.Get(42, "missing"))

	_, found := h.Lookup(b + 1)
	assert.False(t, found)
}

func TestHandlesResetRestartsNumbering(t *testing.T) {
	t.Parallel()

	h := NewHandles[int](DefaultStartHandle)
	first := h.Create(1)
	h.Create(2)
	h.Reset()

	assert.Equal(t, 0, h.Len())
	assert.Equal(t, -1, h.Get(first, -1), "handles from the previous pause are invalid")
	assert.Equal(t, first, h.Create(3))
}

func TestHandleSpacesDoNotCollide(t *testing.T) {
	t.Parallel()

	frames := NewHandles[string](DefaultStartHandle)
	repl := NewHandles[string](ReplStartHandle)

	for i := 0; i < 1000; i++ {
		require.Less(t, frames.Create("x"), repl.Create("y"))
	}
}

func TestHandlesConcurrentCreateIsUnique(t *testing.T) {
	t.Parallel()

	h := NewHandles[int](1)
	const n = 200
	results := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			results[i] = h.Create(i)
		}()
	}
	wg.Wait()

	seen := map[int]bool{}
	for i, handle := range results {
		assert.False(t, seen[handle])
		seen[handle] = true
		assert.Equal(t, i, h.Get(handle, -1))
	}
}

func TestReverseHandlesReuseHandleForSameKey(t *testing.T) {
	t.Parallel()

	r := NewReverseHandles[string, string](DefaultStartHandle)
	a := r.LookupOrCreate("object:1", "first")
	again := r.LookupOrCreate("object:1", "ignored")
	b := r.LookupOrCreate("object:2", "second")

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "first", r.Get(a, ""))
	assert.Equal(t, 2, r.Len())

	handle, found := r.HandleFor("object:2")
	require.True(t, found)
	assert.Equal(t, b, handle)

	r.Reset()
	_, found = r.HandleFor("object:1")
	assert.False(t, found)
	assert.Equal(t, DefaultStartHandle, r.LookupOrCreate("object:3", "third"))
}
