// Copyright (c) Microsoft Corporation. All rights reserved.

package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	type testcase struct {
		input    string
		expected zapcore.Level
		isValid  bool
	}

	testcases := []testcase{
		{"debug", zapcore.DebugLevel, true},
		{"INFO", zapcore.InfoLevel, true},
		{"warn", zapcore.WarnLevel, true},
		{"error", zapcore.ErrorLevel, true},
		{"1", zapcore.DebugLevel, true},
		{"4", zapcore.Level(-4), true},
		{"0", zapcore.InfoLevel, false},
		{"-2", zapcore.InfoLevel, false},
		{"chatty", zapcore.InfoLevel, false},
	}

	for _, tc := range testcases {
		level, err := StringToLevel(tc.input, zapcore.InfoLevel)
		if tc.isValid {
			require.NoError(t, err, tc.input)
		} else {
			require.Error(t, err, tc.input)
		}
		require.Equal(t, tc.expected, level, tc.input)
	}
}

func TestLevelFlagValueNotifiesOnSet(t *testing.T) {
	t.Parallel()

	var got zapcore.Level = zapcore.FatalLevel
	lfv := NewLevelFlagValue(func(l zapcore.Level) { got = l })

	require.NoError(t, lfv.Set("debug"))
	require.Equal(t, zapcore.DebugLevel, got)
	require.Equal(t, "debug", lfv.String())

	require.Error(t, lfv.Set("nope"))
	require.Equal(t, "debug", lfv.String())
}
