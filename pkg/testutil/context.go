// Copyright (c) Microsoft Corporation. All rights reserved.

package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"
)

const contextTimeoutVar = "TEST_CONTEXT_TIMEOUT"

// GetTestContext returns a context bounded by the shorter of the test deadline and testTimeout.
// A zero testTimeout means the test deadline alone applies.
// TEST_CONTEXT_TIMEOUT (minutes) overrides both, which helps when stepping through tests in a debugger.
func GetTestContext(t *testing.T, testTimeout time.Duration) (context.Context, context.CancelFunc) {
	if timeoutStr, found := os.LookupEnv(contextTimeoutVar); found {
		minutes, err := strconv.ParseUint(timeoutStr, 10, 16)
		if err != nil {
			panic(fmt.Sprintf("%s value '%s' is invalid: %s", contextTimeoutVar, timeoutStr, err.Error()))
		}
		return context.WithTimeout(context.Background(), time.Duration(minutes)*time.Minute)
	}

	deadline, haveDeadline := t.Deadline()
	if testTimeout != 0 {
		testDeadline := time.Now().Add(testTimeout)
		if !haveDeadline || testDeadline.Before(deadline) {
			deadline = testDeadline
			haveDeadline = true
		}
	}

	if !haveDeadline {
		return context.WithCancel(context.Background())
	}
	return context.WithDeadline(context.Background(), deadline)
}
