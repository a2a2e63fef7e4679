/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package breakpoints

import (
	"encoding/json"
	"strings"
)

// logMessageToExpression turns a log point message such as "x is {x}" into a breakpoint condition that prints
// the message to the console and never stops. Text in braces is evaluated; "{{" and "}}" are literal braces.
func logMessageToExpression(message string) string {
	var format strings.Builder
	var args []string

	for i := 0; i < len(message); i++ {
		c := message[i]
		switch {
		case c == '{' && i+1 < len(message) && message[i+1] == '{':
			format.WriteByte('{')
			i++
		case c == '}' && i+1 < len(message) && message[i+1] == '}':
			format.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(message[i+1:], '}')
			if end < 0 {
				format.WriteString(message[i:])
				i = len(message)
				break
			}
			expr := strings.TrimSpace(message[i+1 : i+1+end])
			if expr != "" {
				format.WriteString("%O")
				args = append(args, "("+expr+")")
			}
			i += end + 1
		case c == '%':
			format.WriteString("%%")
		default:
			format.WriteByte(c)
		}
	}

	quoted, _ := json.Marshal(format.String())
	call := "console.log(" + string(quoted)
	for _, arg := range args {
		call += ", " + arg
	}
	return call + ")"
}

// combineCondition merges a user condition with a log point expression.
// A log point never stops, so its expression always evaluates to false.
func combineCondition(condition string, logMessage string) string {
	if logMessage == "" {
		return condition
	}
	logExpr := "(" + logMessageToExpression(logMessage) + ", false)"
	if strings.TrimSpace(condition) == "" {
		return logExpr
	}
	return "(" + condition + ") && " + logExpr
}
