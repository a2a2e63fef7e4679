/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/microsoft/dap-engine/internal/debuggee"
	"github.com/microsoft/dap-engine/internal/pathmap"
	"github.com/microsoft/dap-engine/internal/sourcemap"
)

var (
	ErrScriptNotLoaded     = errors.New("script not loaded")
	ErrNoGeneratedPosition = errors.New("no generated position for the authored location")
)

type ResolverConfig struct {
	PathMapping     *pathmap.Table
	CaseInsensitive bool
	LinesStartAt1   bool
	ColumnsStartAt1 bool
}

// Resolver translates between client coordinates (client paths, lines and columns as negotiated at initialize)
// and runtime coordinates (runtime URLs, 0-based lines and columns), through path mapping and source maps.
type Resolver struct {
	registry *Registry
	cfg      ResolverConfig
}

func NewResolver(registry *Registry, cfg ResolverConfig) *Resolver {
	if cfg.PathMapping == nil {
		cfg.PathMapping = pathmap.NewTable(nil, cfg.CaseInsensitive)
	}
	return &Resolver{registry: registry, cfg: cfg}
}

func (r *Resolver) Registry() *Registry {
	return r.registry
}

func (r *Resolver) CaseInsensitive() bool {
	return r.cfg.CaseInsensitive
}

func (r *Resolver) Canonicalize(p string) string {
	return pathmap.Canonicalize(p, r.cfg.CaseInsensitive)
}

func (r *Resolver) ToRuntimeLine(line int) int     { return shift(line, r.cfg.LinesStartAt1, -1) }
func (r *Resolver) ToClientLine(line int) int      { return shift(line, r.cfg.LinesStartAt1, 1) }
func (r *Resolver) ToRuntimeColumn(column int) int { return shift(column, r.cfg.ColumnsStartAt1, -1) }
func (r *Resolver) ToClientColumn(column int) int  { return shift(column, r.cfg.ColumnsStartAt1, 1) }

func shift(v int, oneBased bool, delta int) int {
	if !oneBased {
		return v
	}
	return max(v+delta, 0)
}

// NewScript builds the registry entry for a script reported by the runtime.
func (r *Resolver) NewScript(s debuggee.Script, sm *sourcemap.SourceMap) *Script {
	script := &Script{ID: s.ID, URL: s.URL, SourceMap: sm}

	switch {
	case s.URL == "":
		script.Path = EvalPath(s.ID)
	case r.cfg.PathMapping.Len() > 0:
		if clientPath, mapped := r.cfg.PathMapping.ToClient(s.URL); mapped {
			script.Path = r.Canonicalize(clientPath)
			script.OnDisk = true
			break
		}
		fallthrough
	default:
		local := pathmap.FileURLToPath(s.URL)
		script.Path = r.Canonicalize(local)
		script.OnDisk = isLocalPath(local)
	}

	return script
}

// RuntimeURL returns the URL under which the runtime loads the file at clientPath.
func (r *Resolver) RuntimeURL(clientPath string) string {
	if url, mapped := r.cfg.PathMapping.ToRuntime(clientPath); mapped {
		return url
	}
	return clientPath
}

// GeneratedLocation is a position in a generated script, in runtime coordinates.
type GeneratedLocation struct {
	Script   *Script
	URLRegex string
	Line     int
	Column   int

	// Mapped is true when the position went through a source map.
	Mapped bool
}

// ToGenerated maps a client location to the generated script that contains it.
// It returns ErrScriptNotLoaded when no loaded script corresponds to clientPath, and ErrNoGeneratedPosition
// when the path is an authored source of a loaded script but the line has no mapping.
func (r *Resolver) ToGenerated(clientPath string, line int, column int) (GeneratedLocation, error) {
	runtimeLine, runtimeColumn := r.ToRuntimeLine(line), r.ToRuntimeColumn(column)

	if id, isEval := EvalScriptID(clientPath); isEval {
		script, found := r.registry.ByID(id)
		if !found {
			return GeneratedLocation{}, fmt.Errorf("%w: %s", ErrScriptNotLoaded, clientPath)
		}
		return GeneratedLocation{Script: script, Line: runtimeLine, Column: runtimeColumn}, nil
	}

	canonical := r.Canonicalize(clientPath)

	if scripts := r.registry.ByAuthoredPath(canonical); len(scripts) > 0 {
		// Most recently parsed first.
		for i := len(scripts) - 1; i >= 0; i-- {
			script := scripts[i]
			pos, found := script.SourceMap.GeneratedPosition(canonical, sourcemap.Position{Line: runtimeLine, Column: runtimeColumn})
			if found {
				return GeneratedLocation{
					Script:   script,
					URLRegex: r.urlRegexFor(script),
					Line:     pos.Line,
					Column:   pos.Column,
					Mapped:   true,
				}, nil
			}
		}
		return GeneratedLocation{}, fmt.Errorf("%w: %s:%d", ErrNoGeneratedPosition, clientPath, line)
	}

	if script, found := r.registry.ByPath(canonical); found {
		return GeneratedLocation{
			Script:   script,
			URLRegex: r.urlRegexFor(script),
			Line:     runtimeLine,
			Column:   runtimeColumn,
		}, nil
	}

	return GeneratedLocation{}, fmt.Errorf("%w: %s", ErrScriptNotLoaded, clientPath)
}

func (r *Resolver) urlRegexFor(script *Script) string {
	if script.URL != "" {
		return pathmap.URLRegex(script.URL)
	}
	return pathmap.URLRegex(r.RuntimeURL(script.Path))
}

// ClientLocation is a position in client coordinates.
type ClientLocation struct {
	Path   string
	Line   int
	Column int

	// SourceReference is non-zero when the client must fetch the content through the source request.
	SourceReference int

	Mapped bool
}

// Name returns the display name of the location's source.
func (l ClientLocation) Name() string {
	return pathmap.Basename(l.Path)
}

// ToClient maps a runtime position in script to client coordinates, through the script's source map if it has one.
func (r *Resolver) ToClient(script *Script, line int, column int) ClientLocation {
	if script.SourceMap != nil {
		if pos, found := script.SourceMap.AuthoredPosition(sourcemap.Position{Line: line, Column: column}); found {
			loc := ClientLocation{
				Path:   pos.Source,
				Line:   r.ToClientLine(pos.Line),
				Column: r.ToClientColumn(pos.Column),
				Mapped: true,
			}
			if _, hasContent := script.SourceMap.SourceContent(pos.Source); hasContent && !isLocalPath(pos.Source) {
				loc.SourceReference = r.registry.SourceReference(ContentRef{AuthoredPath: pos.Source})
			}
			return loc
		}
	}

	loc := ClientLocation{
		Path:   script.Path,
		Line:   r.ToClientLine(line),
		Column: r.ToClientColumn(column),
	}
	if !script.OnDisk {
		loc.SourceReference = r.registry.SourceReference(ContentRef{ScriptID: script.ID})
	}
	return loc
}

// Content returns the text behind a source reference handle.
func (r *Resolver) Content(ctx context.Context, handle int, dbg debuggee.Debugger) (string, error) {
	ref, found := r.registry.ContentFor(handle)
	if !found {
		return "", fmt.Errorf("unknown source reference %d", handle)
	}

	if ref.ScriptID != "" {
		return dbg.GetScriptSource(ctx, ref.ScriptID)
	}

	for _, script := range r.registry.ByAuthoredPath(ref.AuthoredPath) {
		if content, hasContent := script.SourceMap.SourceContent(ref.AuthoredPath); hasContent {
			return content, nil
		}
	}
	return "", fmt.Errorf("no content available for '%s'", ref.AuthoredPath)
}

func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") || pathmap.IsWindowsPath(p)
}
