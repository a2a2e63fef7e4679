/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package sources

import (
	"sort"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"

	"github.com/microsoft/dap-engine/internal/pathmap"
)

// PendingBreakpoint is a setBreakpoints request for a file no loaded script corresponds to yet.
type PendingBreakpoint struct {
	Args       dap.SetBreakpointsArguments
	IDs        []int
	RequestSeq int

	// Path is the canonical client path the request was attempted against.
	Path string
}

// PendingBreakpoints holds one record per canonical path; a newer request for the same path replaces the older one.
type PendingBreakpoints struct {
	lock    sync.Mutex
	records map[string]*PendingBreakpoint
	log     logr.Logger
}

func NewPendingBreakpoints(log logr.Logger) *PendingBreakpoints {
	return &PendingBreakpoints{
		records: make(map[string]*PendingBreakpoint),
		log:     log,
	}
}

func (p *PendingBreakpoints) Add(record *PendingBreakpoint) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.records[record.Path] = record
}

func (p *PendingBreakpoints) Get(path string) (*PendingBreakpoint, bool) {
	p.lock.Lock()
	defer p.lock.Unlock()
	record, found := p.records[path]
	return record, found
}

func (p *PendingBreakpoints) Remove(path string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.records, path)
}

// Paths returns the paths with pending records, sorted.
func (p *PendingBreakpoints) Paths() []string {
	p.lock.Lock()
	defer p.lock.Unlock()

	paths := make([]string, 0, len(p.records))
	for path := range p.records {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (p *PendingBreakpoints) Len() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.records)
}

// Take removes and returns the records that the newly parsed script resolves: those whose path equals the
// script's path or one of its authored sources. Records matching only by file name are logged and left pending.
func (p *PendingBreakpoints) Take(script *Script) []*PendingBreakpoint {
	p.lock.Lock()
	defer p.lock.Unlock()

	if len(p.records) == 0 {
		return nil
	}

	candidates := append([]string{script.Path}, script.AuthoredSources()...)
	var taken []*PendingBreakpoint
	for _, candidate := range candidates {
		if record, found := p.records[candidate]; found {
			taken = append(taken, record)
			delete(p.records, candidate)
		}
	}

	for path := range p.records {
		name := pathmap.Basename(path)
		for _, candidate := range candidates {
			if strings.EqualFold(name, pathmap.Basename(candidate)) {
				p.log.Info("Pending breakpoints have the same file name as a loaded script but a different path and will not be resolved by it",
					"BreakpointPath", path,
					"ScriptPath", candidate,
					"ScriptURL", script.URL)
				break
			}
		}
	}

	return taken
}
