/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package pathmap

import (
	"net/url"
	"sort"
	"strings"
)

// Mapping pairs a runtime URL prefix with the client directory it corresponds to.
type Mapping struct {
	URLPrefix  string
	PathPrefix string
}

// Table translates between runtime URLs and client paths by longest prefix.
// A prefix matches a value exactly or at a path separator boundary, never in the middle of a segment.
type Table struct {
	byURL           []Mapping
	byPath          []Mapping
	caseInsensitive bool
}

// NewTable creates a table from a map of runtime URL prefixes (or URL paths such as "/app") to client path prefixes.
func NewTable(pathMapping map[string]string, caseInsensitive bool) *Table {
	t := &Table{caseInsensitive: caseInsensitive}
	for urlPrefix, pathPrefix := range pathMapping {
		if urlPrefix == "" || pathPrefix == "" {
			continue
		}
		t.byURL = append(t.byURL, Mapping{URLPrefix: urlPrefix, PathPrefix: pathPrefix})
	}

	t.byPath = append([]Mapping(nil), t.byURL...)

	// Most specific prefix first; ties broken alphabetically so iteration order is deterministic.
	sort.Slice(t.byURL, func(i, j int) bool {
		a, b := t.byURL[i].URLPrefix, t.byURL[j].URLPrefix
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	sort.Slice(t.byPath, func(i, j int) bool {
		a, b := Canonicalize(t.byPath[i].PathPrefix, false), Canonicalize(t.byPath[j].PathPrefix, false)
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})

	return t
}

func (t *Table) Len() int {
	return len(t.byURL)
}

// ToClient maps a runtime URL to a client path.
func (t *Table) ToClient(runtimeURL string) (string, bool) {
	candidates := []string{runtimeURL}
	if IsFileURL(runtimeURL) {
		candidates = append(candidates, FileURLToPath(runtimeURL))
	} else if u, err := url.Parse(runtimeURL); err == nil && u.Scheme != "" && u.Host != "" {
		candidates = append(candidates, u.Path)
	}

	for _, m := range t.byURL {
		for _, candidate := range candidates {
			if rest, matched := matchPrefix(candidate, m.URLPrefix, false); matched {
				return joinPath(m.PathPrefix, rest), true
			}
		}
	}
	return "", false
}

// ToRuntime maps a client path to the runtime URL it is served from.
func (t *Table) ToRuntime(clientPath string) (string, bool) {
	p := Canonicalize(clientPath, false)

	for _, m := range t.byPath {
		prefix := Canonicalize(m.PathPrefix, false)
		if rest, matched := matchPrefix(p, prefix, t.caseInsensitive); matched {
			rest = strings.ReplaceAll(rest, `\`, "/")
			if rest == "" {
				return m.URLPrefix, true
			}
			return strings.TrimRight(m.URLPrefix, "/") + "/" + rest, true
		}
	}
	return "", false
}

// matchPrefix reports whether s equals prefix or continues it after a separator, and returns the remainder.
func matchPrefix(s string, prefix string, foldCase bool) (string, bool) {
	if len(s) < len(prefix) {
		return "", false
	}

	head := s[:len(prefix)]
	if !(head == prefix || (foldCase && strings.EqualFold(head, prefix))) {
		return "", false
	}

	rest := s[len(prefix):]
	switch {
	case rest == "":
		return "", true
	case strings.HasSuffix(prefix, "/") || strings.HasSuffix(prefix, `\`):
		return rest, true
	case rest[0] == '/' || rest[0] == '\\':
		return rest[1:], true
	default:
		return "", false
	}
}

func joinPath(base string, rest string) string {
	if rest == "" {
		return base
	}
	if IsWindowsPath(base) {
		return strings.TrimRight(base, `/\`) + `\` + strings.ReplaceAll(rest, "/", `\`)
	}
	return strings.TrimRight(base, "/") + "/" + rest
}
