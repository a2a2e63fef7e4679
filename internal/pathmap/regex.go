/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package pathmap

import (
	"regexp"
	"strings"
	"unicode"
)

const anySlash = `[\\/]`

// URLRegex returns a regular expression that matches exactly the runtime URL of the script at p,
// whether the runtime reports it as a path or a file:// URL, with either slash direction
// and either case of the drive letter. A query string is allowed after the path.
func URLRegex(p string) string {
	p = FileURLToPath(p)
	escaped := regexp.QuoteMeta(p)

	if driveLetterRegex.MatchString(p) {
		letter := p[:1]
		escaped = "[" + strings.ToUpper(letter) + strings.ToLower(letter) + "]" + escaped[1:]
	}

	escaped = strings.ReplaceAll(escaped, `\\`, "/")
	return `^(file:///?)?` + strings.ReplaceAll(escaped, "/", anySlash) + `($|\?)`
}

// BreakOnLoadRegex returns the regular expression registered with the runtime to stop in any script
// whose file name stem equals the stem of p, whatever the extension or directory:
// for "src/index.ts" it matches index.js, index.ts, abc/index.ts and index.bin.js but not index100.js.
// Case-insensitivity is spelled out with character classes because runtimes do not accept regex flags here.
func BreakOnLoadRegex(p string) string {
	name := Basename(FileURLToPath(p))
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		name = name[:dot]
	}

	return `.*` + anySlash + caseInsensitiveClasses(regexp.QuoteMeta(name)) + `([^A-Za-z0-9].*)?$`
}

func caseInsensitiveClasses(s string) string {
	var b strings.Builder
	for _, r := range s {
		lower, upper := unicode.ToLower(r), unicode.ToUpper(r)
		if lower == upper {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('[')
		b.WriteRune(lower)
		b.WriteRune(upper)
		b.WriteByte(']')
	}
	return b.String()
}

// GlobToRegex translates a skip-files glob into the regular expression handed to the runtime for blackboxing.
// "**/" matches any number of directories, "*" any run of characters, "?" one character
// and "{a,b}" either alternative. Slashes match either slash direction.
func GlobToRegex(glob string) string {
	var b strings.Builder
	inGroup := false

	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch {
		case c == '*' && i+1 < len(glob) && glob[i+1] == '*':
			i++
			if i+1 < len(glob) && (glob[i+1] == '/' || glob[i+1] == '\\') {
				i++
				b.WriteString(`(.*` + anySlash + `)?`)
			} else {
				b.WriteString(`.*`)
			}
		case c == '*':
			b.WriteString(`.*`)
		case c == '?':
			b.WriteString(`.`)
		case c == '{':
			inGroup = true
			b.WriteString(`(`)
		case c == '}' && inGroup:
			inGroup = false
			b.WriteString(`)`)
		case c == ',' && inGroup:
			b.WriteString(`|`)
		case c == '/' || c == '\\':
			b.WriteString(anySlash)
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}

	if inGroup {
		// Unbalanced brace
		b.WriteString(`)`)
	}
	return b.String()
}
