/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package breakpoints

import (
	"sync"

	"github.com/microsoft/dap-engine/internal/debuggee"
	"github.com/microsoft/dap-engine/internal/pathmap"
	"github.com/microsoft/dap-engine/internal/sources"
)

// SkipFiles is the denylist of sources the debugger must never stop in.
// Patterns come from configuration; individual files can be toggled at runtime.
type SkipFiles struct {
	lock            sync.Mutex
	matcher         *pathmap.SkipMatcher
	toggled         map[string]bool
	caseInsensitive bool
}

func NewSkipFiles(globs []string, regexes []string, caseInsensitive bool) (*SkipFiles, error) {
	matcher, err := pathmap.NewSkipMatcher(globs, regexes, caseInsensitive)
	if err != nil {
		return nil, err
	}
	return &SkipFiles{
		matcher:         matcher,
		toggled:         make(map[string]bool),
		caseInsensitive: caseInsensitive,
	}, nil
}

// IsSkipped reports whether frames in the file are skipped. A toggle wins over the configured patterns.
func (s *SkipFiles) IsSkipped(p string) bool {
	if s == nil {
		return false
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.isSkippedLocked(p)
}

func (s *SkipFiles) isSkippedLocked(p string) bool {
	if skipped, found := s.toggled[pathmap.Canonicalize(p, s.caseInsensitive)]; found {
		return skipped
	}
	return s.matcher.Matches(p)
}

// Toggle flips the skip status of one file and returns the new status.
func (s *SkipFiles) Toggle(p string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	skipped := !s.isSkippedLocked(p)
	s.toggled[pathmap.Canonicalize(p, s.caseInsensitive)] = skipped
	return skipped
}

// Patterns returns the regular expressions handed to the runtime as blackbox patterns.
func (s *SkipFiles) Patterns() []string {
	if s == nil {
		return nil
	}
	return s.matcher.Patterns()
}

func (s *SkipFiles) Empty() bool {
	if s == nil {
		return true
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.matcher.Empty() && len(s.toggled) == 0
}

// BlackboxRanges computes the ranges of a generated script the runtime must treat as library code.
// Each position starts a range that alternates between skipped and not skipped; the list starts at (0,0)
// when the generated script itself is skipped. An empty list means nothing in the script is skipped.
func (s *SkipFiles) BlackboxRanges(script *sources.Script) []debuggee.Position {
	if s == nil {
		return nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	inSkipped := s.isSkippedLocked(script.Path)
	var positions []debuggee.Position
	if inSkipped {
		positions = append(positions, debuggee.Position{})
	}
	if script.SourceMap == nil {
		return positions
	}

	for _, first := range script.SourceMap.FirstPositions() {
		skipped := s.isSkippedLocked(first.Source)
		if skipped == inSkipped {
			continue
		}
		inSkipped = skipped

		pos := debuggee.Position{Line: first.Line, Column: first.Column}
		if n := len(positions); n > 0 && positions[n-1] == pos {
			// Two toggles at the same position cancel out.
			positions = positions[:n-1]
			continue
		}
		positions = append(positions, pos)
	}
	return positions
}
