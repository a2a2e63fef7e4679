/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package pathmap converts between paths as the debug client sees them and URLs as the runtime sees them.
package pathmap

import (
	"net/url"
	"regexp"
	"strings"
)

const fileScheme = "file://"

var (
	driveLetterRegex = regexp.MustCompile(`^[a-zA-Z]:`)
	fileURLRegex     = regexp.MustCompile(`(?i)^file:///?`)
)

// IsFileURL reports whether s is a file:// URL.
func IsFileURL(s string) bool {
	return len(s) >= len(fileScheme) && strings.EqualFold(s[:len(fileScheme)], fileScheme)
}

// IsWindowsPath reports whether p starts with a drive letter or is a UNC path.
func IsWindowsPath(p string) bool {
	return driveLetterRegex.MatchString(p) || strings.HasPrefix(p, `\\`)
}

// IsAbsolute reports whether p is an absolute POSIX or Windows path, or a file:// URL.
func IsAbsolute(p string) bool {
	return strings.HasPrefix(p, "/") || IsWindowsPath(p) || IsFileURL(p)
}

// FileURLToPath converts a file:// URL into a local path. Other strings are returned unchanged.
func FileURLToPath(s string) string {
	if !IsFileURL(s) {
		return s
	}

	p := fileURLRegex.ReplaceAllString(s, "")
	if unescaped, err := url.PathUnescape(p); err == nil {
		p = unescaped
	}

	if driveLetterRegex.MatchString(p) {
		return strings.ReplaceAll(p, "/", `\`)
	}
	return "/" + p
}

// ToFileURL converts a local path into a file:// URL.
func ToFileURL(p string) string {
	if IsFileURL(p) {
		return p
	}

	p = strings.ReplaceAll(p, `\`, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return fileScheme + (&url.URL{Path: p}).EscapedPath()
}

// Canonicalize returns the form used whenever two paths or URLs are compared:
// the file:// scheme and any query string are removed, trailing slashes are dropped,
// Windows paths get a lower-case drive letter and backslashes, and the whole value is
// lower-cased when the file system is case-insensitive.
// Canonicalize(Canonicalize(p)) == Canonicalize(p) for every p.
func Canonicalize(p string, caseInsensitive bool) string {
	p = FileURLToPath(p)

	if q := strings.IndexByte(p, '?'); q >= 0 {
		p = p[:q]
	}

	p = stripTrailingSlashes(p)
	p = fixDriveLetterAndSlashes(p)

	if caseInsensitive {
		p = strings.ToLower(p)
	}
	return p
}

func stripTrailingSlashes(p string) string {
	trimmed := strings.TrimRight(p, `/\`)
	if trimmed == "" && p != "" {
		// The root stays a root.
		return p[:1]
	}
	return trimmed
}

func fixDriveLetterAndSlashes(p string) string {
	if driveLetterRegex.MatchString(p) {
		p = strings.ToLower(p[:1]) + p[1:]
		return strings.ReplaceAll(p, "/", `\`)
	}
	if strings.HasPrefix(p, `\\`) {
		return strings.ReplaceAll(p, "/", `\`)
	}
	return p
}

// Basename returns the last path segment of a path or URL, whatever the slash direction.
func Basename(p string) string {
	p = stripTrailingSlashes(p)
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
