/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package breakpoints

import (
	"regexp"
	"strconv"

	idap "github.com/microsoft/dap-engine/internal/dap"
)

var hitConditionPattern = regexp.MustCompile(`^\s*(>=|<=|>|<|=|%)?\s*([0-9]+)\s*$`)

// HitCondition is a compiled hit count predicate such as ">= 3" or "% 2".
type HitCondition struct {
	op string
	n  int
}

// ParseHitCondition compiles a hit condition. A bare number means "= N".
func ParseHitCondition(condition string) (HitCondition, error) {
	m := hitConditionPattern.FindStringSubmatch(condition)
	if m == nil {
		return HitCondition{}, idap.InvalidHitCondition(condition)
	}

	n, err := strconv.Atoi(m[2])
	if err != nil {
		return HitCondition{}, idap.InvalidHitCondition(condition).WithCause(err)
	}

	op := m[1]
	if op == "" {
		op = "="
	}
	if op == "%" && n == 0 {
		return HitCondition{}, idap.InvalidHitCondition(condition)
	}
	return HitCondition{op: op, n: n}, nil
}

// Matches reports whether the breakpoint should stop on its hitCount-th hit (1-based).
func (c HitCondition) Matches(hitCount int) bool {
	switch c.op {
	case ">":
		return hitCount > c.n
	case ">=":
		return hitCount >= c.n
	case "<":
		return hitCount < c.n
	case "<=":
		return hitCount <= c.n
	case "%":
		return hitCount%c.n == 0
	default:
		return hitCount == c.n
	}
}

func (c HitCondition) String() string {
	return c.op + " " + strconv.Itoa(c.n)
}
