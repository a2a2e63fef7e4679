/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// RecoverPanic turns the value returned by recover() into a permanent error and logs it with the call stack.
// It returns nil when there was no panic.
func RecoverPanic(panicVal any, operation string, log logr.Logger) error {
	if panicVal == nil {
		return nil
	}

	var panicErr error
	switch v := panicVal.(type) {
	case error:
		panicErr = fmt.Errorf("%s panicked: %w", operation, v)
	default:
		panicErr = fmt.Errorf("%s panicked: %v", operation, v)
	}

	var permanent *backoff.PermanentError
	if !errors.As(panicErr, &permanent) {
		panicErr = Permanent(panicErr)
	}

	log.Error(panicErr, "Recovered from a panic", "Operation", operation, "Stack", string(debug.Stack()))
	return panicErr
}
