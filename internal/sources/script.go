/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package sources keeps track of the scripts a runtime has loaded and translates locations
// between the client's view of the file system and the runtime's.
package sources

import (
	"strings"

	"github.com/microsoft/dap-engine/internal/debuggee"
	"github.com/microsoft/dap-engine/internal/sourcemap"
)

const (
	// EvalScriptPrefix starts the synthetic path of scripts without a URL (eval, new Function, REPL input).
	EvalScriptPrefix = "VM"
	evalPathPrefix   = "<eval>/" + EvalScriptPrefix
)

// Script is a script the runtime has parsed.
type Script struct {
	ID  debuggee.ScriptID
	URL string

	// Path is the canonical client path of the generated file, or a synthetic "<eval>/VM<id>" path.
	Path string

	// OnDisk is false for scripts the client cannot open by path; their content is served by source reference.
	OnDisk bool

	SourceMap *sourcemap.SourceMap
}

// IsEval reports whether the script has no URL and is addressed by a synthetic path.
func (s *Script) IsEval() bool {
	_, isEval := EvalScriptID(s.Path)
	return isEval
}

// AuthoredSources returns the canonical paths of the script's authored sources, if it has a source map.
func (s *Script) AuthoredSources() []string {
	if s.SourceMap == nil {
		return nil
	}
	return s.SourceMap.Sources()
}

// EvalPath returns the synthetic path used for a script without a URL.
func EvalPath(id debuggee.ScriptID) string {
	return evalPathPrefix + string(id)
}

// EvalScriptID returns the runtime script id encoded in a synthetic eval path.
func EvalScriptID(p string) (debuggee.ScriptID, bool) {
	if !strings.HasPrefix(p, evalPathPrefix) || len(p) == len(evalPathPrefix) {
		return "", false
	}
	return debuggee.ScriptID(p[len(evalPathPrefix):]), true
}
