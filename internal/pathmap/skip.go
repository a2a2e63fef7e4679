/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package pathmap

import (
	"fmt"
	"regexp"
	"strings"
)

// SkipMatcher decides whether a script belongs to the "skip files" denylist.
type SkipMatcher struct {
	patterns []string
	compiled []*regexp.Regexp
}

// NewSkipMatcher compiles skip-files globs and raw regular expressions into one matcher.
func NewSkipMatcher(globs []string, regexes []string, caseInsensitive bool) (*SkipMatcher, error) {
	m := &SkipMatcher{}

	all := make([]string, 0, len(globs)+len(regexes))
	for _, g := range globs {
		if strings.TrimSpace(g) != "" {
			all = append(all, GlobToRegex(g))
		}
	}
	for _, r := range regexes {
		if strings.TrimSpace(r) != "" {
			all = append(all, r)
		}
	}

	for _, pattern := range all {
		expr := pattern
		if caseInsensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid skip files pattern '%s': %w", pattern, err)
		}
		m.patterns = append(m.patterns, pattern)
		m.compiled = append(m.compiled, re)
	}

	return m, nil
}

// Matches reports whether the path or URL is skipped.
func (m *SkipMatcher) Matches(p string) bool {
	if m == nil {
		return false
	}
	for _, re := range m.compiled {
		if re.MatchString(p) {
			return true
		}
	}
	return false
}

// Patterns returns the regular expressions in the form the runtime expects for blackboxing.
func (m *SkipMatcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}

func (m *SkipMatcher) Empty() bool {
	return m == nil || len(m.compiled) == 0
}
