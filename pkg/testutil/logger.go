// Copyright (c) Microsoft Corporation. All rights reserved.

package testutil

import (
	"flag"
	"os"
	"testing"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"

	"github.com/microsoft/dap-engine/pkg/logger"
)

// Overrides the level of test loggers: "debug", "info", "error" or a verbosity number.
const testLogLevelVar = "DAP_ENGINE_TEST_LOG_LEVEL"

// NewLogForTesting returns a logger that only shows errors, unless the test binary runs with -v
// or DAP_ENGINE_TEST_LOG_LEVEL is set.
func NewLogForTesting(name string) logr.Logger {
	if !flag.Parsed() {
		flag.Parse() // testing.Verbose() needs parsed flags.
	}

	level := zapcore.ErrorLevel
	if testing.Verbose() {
		level = zapcore.DebugLevel
	}
	if levelStr, found := os.LookupEnv(testLogLevelVar); found {
		if parsed, err := logger.StringToLevel(levelStr, level); err == nil {
			level = parsed
		}
	}

	log := logger.New(name)
	log.SetLevel(level)
	return log.Logger.WithValues("Test", name)
}
