/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package sources

import (
	"sync"

	"github.com/microsoft/dap-engine/internal/debuggee"
	"github.com/microsoft/dap-engine/internal/handles"
)

// ContentRef identifies content the client reads through a sourceReference handle.
// Exactly one of ScriptID and AuthoredPath is set.
type ContentRef struct {
	ScriptID     debuggee.ScriptID
	AuthoredPath string
}

func (r ContentRef) key() string {
	if r.ScriptID != "" {
		return "script:" + string(r.ScriptID)
	}
	return "authored:" + r.AuthoredPath
}

// Registry holds the scripts parsed by the runtime, indexed by id, by generated path and by authored path.
// Source references it hands out stay valid for the whole session, even across Clear.
type Registry struct {
	lock       sync.RWMutex
	byID       map[debuggee.ScriptID]*Script
	byPath     map[string]*Script
	byAuthored map[string][]*Script
	order      []*Script

	sourceRefs *handles.ReverseHandles[string, ContentRef]
}

func NewRegistry() *Registry {
	return &Registry{
		byID:       make(map[debuggee.ScriptID]*Script),
		byPath:     make(map[string]*Script),
		byAuthored: make(map[string][]*Script),
		sourceRefs: handles.NewReverseHandles[string, ContentRef](handles.DefaultStartHandle),
	}
}

// Add records a script. A later script with the same path (a reload) replaces the earlier one for path lookups.
func (r *Registry) Add(script *Script) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if previous, found := r.byID[script.ID]; found {
		r.removeLocked(previous)
	}

	r.byID[script.ID] = script
	r.byPath[script.Path] = script
	for _, authored := range script.AuthoredSources() {
		r.byAuthored[authored] = append(r.byAuthored[authored], script)
	}
	r.order = append(r.order, script)
}

func (r *Registry) removeLocked(script *Script) {
	delete(r.byID, script.ID)
	if r.byPath[script.Path] == script {
		delete(r.byPath, script.Path)
	}
	for _, authored := range script.AuthoredSources() {
		scripts := r.byAuthored[authored]
		for i, s := range scripts {
			if s == script {
				r.byAuthored[authored] = append(scripts[:i:i], scripts[i+1:]...)
				break
			}
		}
		if len(r.byAuthored[authored]) == 0 {
			delete(r.byAuthored, authored)
		}
	}
	for i, s := range r.order {
		if s == script {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) ByID(id debuggee.ScriptID) (*Script, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	script, found := r.byID[id]
	return script, found
}

// ByPath returns the most recently parsed script with the given canonical generated path.
func (r *Registry) ByPath(p string) (*Script, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	script, found := r.byPath[p]
	return script, found
}

// ByAuthoredPath returns the scripts whose source maps reference the canonical authored path, most recent last.
func (r *Registry) ByAuthoredPath(p string) []*Script {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return append([]*Script(nil), r.byAuthored[p]...)
}

// All returns every known script in parse order.
func (r *Registry) All() []*Script {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return append([]*Script(nil), r.order...)
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.order)
}

// Clear forgets every script, e.g. when the runtime discards its execution contexts.
func (r *Registry) Clear() {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.byID = make(map[debuggee.ScriptID]*Script)
	r.byPath = make(map[string]*Script)
	r.byAuthored = make(map[string][]*Script)
	r.order = nil
}

// SourceReference returns the stable handle for content, minting one on first use.
func (r *Registry) SourceReference(ref ContentRef) int {
	return r.sourceRefs.LookupOrCreate(ref.key(), ref)
}

// ContentFor returns what a source reference handle points to.
func (r *Registry) ContentFor(handle int) (ContentRef, bool) {
	return r.sourceRefs.Lookup(handle)
}
