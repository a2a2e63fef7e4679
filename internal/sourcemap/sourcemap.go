/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package sourcemap parses source maps (revision 3) and maps positions between generated and authored files.
// All lines and columns are 0-based.
package sourcemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/microsoft/dap-engine/internal/pathmap"
)

var ErrUnsupportedSourceMap = errors.New("unsupported source map")

// Position is a 0-based line and column.
type Position struct {
	Line   int
	Column int
}

func (p Position) Before(other Position) bool {
	return p.Line < other.Line || (p.Line == other.Line && p.Column < other.Column)
}

// SourcePosition is a position in a named authored source.
type SourcePosition struct {
	Source string
	Position
}

type mapping struct {
	generated Position
	source    int // -1 if the segment has no authored position
	authored  Position
	name      int // -1 if absent
}

type rawSourceMap struct {
	Version        int          `json:"version"`
	File           string       `json:"file"`
	SourceRoot     string       `json:"sourceRoot"`
	Sources        []string     `json:"sources"`
	SourcesContent []*string    `json:"sourcesContent"`
	Names          []string     `json:"names"`
	Mappings       string       `json:"mappings"`
	Sections       []rawSection `json:"sections"`
}

type rawSection struct {
	Offset struct {
		Line   int `json:"line"`
		Column int `json:"column"`
	} `json:"offset"`
	URL string        `json:"url"`
	Map *rawSourceMap `json:"map"`
}

// Options control how authored source URLs are turned into comparable paths.
type Options struct {
	// CaseInsensitive lower-cases authored paths.
	CaseInsensitive bool

	// PathOverrides rewrite authored source URLs before they are resolved, e.g. "webpack:///./*" -> "/home/me/app/*".
	PathOverrides map[string]string
}

// SourceMap is an immutable, parsed source map.
type SourceMap struct {
	sources  []string // canonical authored paths
	contents []*string
	names    []string

	byGenerated []mapping   // sorted by generated position
	byAuthored  [][]mapping // per source, sorted by authored position

	firstOnce      sync.Once
	firstPositions []SourcePosition
}

// Parse parses a source map for the generated file at generatedPath.
// mapLocation is where the map itself lives; relative source URLs are resolved against its directory.
// An empty mapLocation means the map sits next to the generated file.
func Parse(data []byte, generatedPath string, mapLocation string, opts Options) (*SourceMap, error) {
	var raw rawSourceMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse source map for '%s': %w", generatedPath, err)
	}
	if raw.Version != 3 {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedSourceMap, raw.Version)
	}
	if mapLocation == "" {
		mapLocation = generatedPath
	}

	sm := &SourceMap{}
	if err := sm.addSection(&raw, Position{}, mapLocation, opts); err != nil {
		return nil, fmt.Errorf("failed to parse source map for '%s': %w", generatedPath, err)
	}

	sm.index()
	return sm, nil
}

func (sm *SourceMap) addSection(raw *rawSourceMap, offset Position, mapLocation string, opts Options) error {
	if len(raw.Sections) > 0 {
		for i := range raw.Sections {
			section := &raw.Sections[i]
			if section.Map == nil {
				return fmt.Errorf("%w: section %d references an external map '%s'", ErrUnsupportedSourceMap, i, section.URL)
			}
			sectionOffset := Position{Line: section.Offset.Line, Column: section.Offset.Column}
			if err := sm.addSection(section.Map, sectionOffset, mapLocation, opts); err != nil {
				return err
			}
		}
		return nil
	}

	sourceBase := len(sm.sources)
	nameBase := len(sm.names)

	for i, source := range raw.Sources {
		sm.sources = append(sm.sources, resolveSource(source, raw.SourceRoot, mapLocation, opts))
		var content *string
		if i < len(raw.SourcesContent) {
			content = raw.SourcesContent[i]
		}
		sm.contents = append(sm.contents, content)
	}
	sm.names = append(sm.names, raw.Names...)

	return sm.decodeMappings(raw.Mappings, offset, sourceBase, nameBase, len(raw.Sources), len(raw.Names))
}

func (sm *SourceMap) decodeMappings(mappings string, offset Position, sourceBase, nameBase, sourceCount, nameCount int) error {
	var source, authoredLine, authoredColumn, name int

	for line, lineText := range strings.Split(mappings, ";") {
		generatedColumn := 0
		if lineText == "" {
			continue
		}

		for _, segText := range strings.Split(lineText, ",") {
			if segText == "" {
				continue
			}
			seg, err := decodeSegment(segText)
			if err != nil {
				return fmt.Errorf("generated line %d: %w", line, err)
			}

			generatedColumn += seg.fields[0]
			m := mapping{
				generated: Position{Line: line + offset.Line, Column: generatedColumn},
				source:    -1,
				name:      -1,
			}
			if line == 0 {
				m.generated.Column += offset.Column
			}

			if seg.count >= 4 {
				source += seg.fields[1]
				authoredLine += seg.fields[2]
				authoredColumn += seg.fields[3]
				if source < 0 || source >= sourceCount {
					return fmt.Errorf("generated line %d: source index %d out of range", line, source)
				}
				m.source = sourceBase + source
				m.authored = Position{Line: authoredLine, Column: authoredColumn}
			}
			if seg.count == 5 {
				name += seg.fields[4]
				if name >= 0 && name < nameCount {
					m.name = nameBase + name
				}
			}

			sm.byGenerated = append(sm.byGenerated, m)
		}
	}
	return nil
}

func (sm *SourceMap) index() {
	sort.SliceStable(sm.byGenerated, func(i, j int) bool {
		return sm.byGenerated[i].generated.Before(sm.byGenerated[j].generated)
	})

	sm.byAuthored = make([][]mapping, len(sm.sources))
	for _, m := range sm.byGenerated {
		if m.source >= 0 {
			sm.byAuthored[m.source] = append(sm.byAuthored[m.source], m)
		}
	}
	for _, list := range sm.byAuthored {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].authored.Before(list[j].authored)
		})
	}
}

// Sources returns the canonical paths of all authored sources.
func (sm *SourceMap) Sources() []string {
	return append([]string(nil), sm.sources...)
}

// HasSource reports whether the canonical authored path is one of the map's sources.
func (sm *SourceMap) HasSource(source string) bool {
	return sm.sourceIndex(source) >= 0
}

// SourceContent returns the embedded content of an authored source, if the map carries it.
func (sm *SourceMap) SourceContent(source string) (string, bool) {
	i := sm.sourceIndex(source)
	if i < 0 || sm.contents[i] == nil {
		return "", false
	}
	return *sm.contents[i], true
}

func (sm *SourceMap) sourceIndex(source string) int {
	for i, s := range sm.sources {
		if s == source {
			return i
		}
	}
	return -1
}

// AuthoredPosition maps a generated position to the authored one.
// Only mappings on the same generated line are considered: the closest one at or before the column,
// otherwise the closest one after it.
func (sm *SourceMap) AuthoredPosition(generated Position) (SourcePosition, bool) {
	lineStart := sort.Search(len(sm.byGenerated), func(i int) bool {
		return sm.byGenerated[i].generated.Line >= generated.Line
	})
	lineEnd := sort.Search(len(sm.byGenerated), func(i int) bool {
		return sm.byGenerated[i].generated.Line > generated.Line
	})
	onLine := sm.byGenerated[lineStart:lineEnd]
	if len(onLine) == 0 {
		return SourcePosition{}, false
	}

	// Index of the first mapping past the requested column.
	upper := sort.Search(len(onLine), func(i int) bool {
		return onLine[i].generated.Column > generated.Column
	})

	if upper > 0 && onLine[upper-1].source >= 0 {
		return sm.authoredOf(onLine[upper-1]), true
	}

	// Least upper bound; an exact column match was handled above.
	if upper < len(onLine) && onLine[upper].source >= 0 {
		return sm.authoredOf(onLine[upper]), true
	}
	return SourcePosition{}, false
}

func (sm *SourceMap) authoredOf(m mapping) SourcePosition {
	return SourcePosition{Source: sm.sources[m.source], Position: m.authored}
}

// GeneratedPosition maps a position in an authored source to the generated file.
// Lookup prefers the closest mapping at or before the column on the same authored line, then the closest one after it.
// Lines without any mapping (such as async function declarations) resolve to the first mapping of the next line.
func (sm *SourceMap) GeneratedPosition(source string, authored Position) (Position, bool) {
	i := sm.sourceIndex(source)
	if i < 0 {
		return Position{}, false
	}
	list := sm.byAuthored[i]

	if pos, found := lookupOnAuthoredLine(list, authored); found {
		return pos, true
	}

	next := Position{Line: authored.Line + 1, Column: 0}
	return lookupOnAuthoredLine(list, next)
}

func lookupOnAuthoredLine(list []mapping, authored Position) (Position, bool) {
	lineStart := sort.Search(len(list), func(i int) bool {
		return list[i].authored.Line >= authored.Line
	})
	lineEnd := sort.Search(len(list), func(i int) bool {
		return list[i].authored.Line > authored.Line
	})
	onLine := list[lineStart:lineEnd]
	if len(onLine) == 0 {
		return Position{}, false
	}

	upper := sort.Search(len(onLine), func(i int) bool {
		return onLine[i].authored.Column > authored.Column
	})
	if upper > 0 {
		return onLine[upper-1].generated, true
	}
	return onLine[0].generated, true
}

// FirstPositions returns, for every authored source with at least one mapping, the first generated position
// that maps to it, sorted by generated position. Computed on first use.
func (sm *SourceMap) FirstPositions() []SourcePosition {
	sm.firstOnce.Do(func() {
		seen := make([]bool, len(sm.sources))
		for _, m := range sm.byGenerated {
			if m.source < 0 || seen[m.source] {
				continue
			}
			seen[m.source] = true
			sm.firstPositions = append(sm.firstPositions, SourcePosition{Source: sm.sources[m.source], Position: m.generated})
		}
	})
	return sm.firstPositions
}

// Name returns the original identifier recorded for the generated position, if any.
func (sm *SourceMap) Name(generated Position) (string, bool) {
	i := sort.Search(len(sm.byGenerated), func(i int) bool {
		return !sm.byGenerated[i].generated.Before(generated)
	})
	if i < len(sm.byGenerated) && sm.byGenerated[i].generated == generated && sm.byGenerated[i].name >= 0 {
		return sm.names[sm.byGenerated[i].name], true
	}
	return "", false
}

// resolveSource turns a source URL from the map into a canonical path.
func resolveSource(source string, sourceRoot string, mapLocation string, opts Options) string {
	s := source
	if sourceRoot != "" && !isAbsolute(s) {
		s = strings.TrimRight(sourceRoot, "/") + "/" + s
	}

	if overridden, found := applyPathOverrides(s, opts.PathOverrides); found {
		s = overridden
	} else if !isAbsolute(s) {
		s = joinRelative(pathmap.FileURLToPath(mapLocation), s)
	}

	return pathmap.Canonicalize(s, opts.CaseInsensitive)
}

// applyPathOverrides applies the most specific matching override pattern. A pattern holds at most one "*".
func applyPathOverrides(s string, overrides map[string]string) (string, bool) {
	patterns := make([]string, 0, len(overrides))
	for p := range overrides {
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i]) != len(patterns[j]) {
			return len(patterns[i]) > len(patterns[j])
		}
		return patterns[i] < patterns[j]
	})

	for _, pattern := range patterns {
		replacement := overrides[pattern]
		prefix, suffix, hasWildcard := strings.Cut(pattern, "*")
		if !hasWildcard {
			if strings.EqualFold(s, pattern) {
				return replacement, true
			}
			continue
		}

		if len(s) >= len(prefix)+len(suffix) &&
			strings.EqualFold(s[:len(prefix)], prefix) &&
			strings.EqualFold(s[len(s)-len(suffix):], suffix) {
			captured := s[len(prefix) : len(s)-len(suffix)]
			return strings.Replace(replacement, "*", captured, 1), true
		}
	}
	return "", false
}

func isAbsolute(s string) bool {
	return strings.HasPrefix(s, "/") || pathmap.IsWindowsPath(s) || strings.Contains(s, "://")
}

// joinRelative resolves rel against the directory containing base.
func joinRelative(base string, rel string) string {
	separator := "/"
	if pathmap.IsWindowsPath(base) {
		separator = `\`
	}
	dir := ""
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		dir = base[:i]
	}

	segments := strings.FieldsFunc(dir, func(r rune) bool { return r == '/' || r == '\\' })
	for _, part := range strings.FieldsFunc(rel, func(r rune) bool { return r == '/' || r == '\\' }) {
		switch part {
		case ".":
		case "..":
			if len(segments) > 0 {
				segments = segments[:len(segments)-1]
			}
		default:
			segments = append(segments, part)
		}
	}

	joined := strings.Join(segments, separator)
	if strings.HasPrefix(dir, "/") {
		return "/" + joined
	}
	return joined
}
