/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package breakpoints

import (
	"errors"
	"fmt"
)

// Strategy selects how the engine stops on the first statement of a script that is not loaded yet.
type Strategy string

const (
	// BreakOnLoadRegex registers a (0,0) breakpoint on every candidate file name and continues unless a user
	// breakpoint is at the pause location.
	BreakOnLoadRegex Strategy = "regex"

	// BreakOnLoadInstrument pauses before every new script runs until its pending breakpoints are set.
	BreakOnLoadInstrument Strategy = "instrument"

	BreakOnLoadOff Strategy = "off"
)

var ErrStrategyLocked = errors.New("the break-on-load strategy cannot be changed once the session has started")

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case BreakOnLoadRegex, BreakOnLoadInstrument, BreakOnLoadOff:
		return Strategy(s), nil
	case "":
		return BreakOnLoadOff, nil
	default:
		return "", fmt.Errorf("unknown break-on-load strategy '%s'", s)
	}
}

func (s Strategy) String() string {
	return string(s)
}

// Set implements pflag.Value.
func (s *Strategy) Set(value string) error {
	parsed, err := ParseStrategy(value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Type implements pflag.Value.
func (s *Strategy) Type() string {
	return "strategy"
}
