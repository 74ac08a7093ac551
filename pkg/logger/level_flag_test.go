/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package logger

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected zapcore.Level
		wantErr  bool
	}{
		{input: "debug", expected: zapcore.DebugLevel},
		{input: "INFO", expected: zapcore.InfoLevel},
		{input: "warn", expected: zapcore.WarnLevel},
		{input: "error", expected: zapcore.ErrorLevel},
		{input: "4", expected: zapcore.Level(-4)},
		{input: "0", expected: zapcore.InfoLevel, wantErr: true},
		{input: "loud", expected: zapcore.InfoLevel, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			t.Parallel()
			level, err := StringToLevel(tc.input, zapcore.InfoLevel)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.expected, level)
		})
	}
}

func TestVerbosityArgRoundTrip(t *testing.T) {
	t.Parallel()

	var applied zapcore.Level
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	levelVal := NewLevelFlagValue(func(level zapcore.Level) { applied = level })
	fs.VarP(&levelVal, verbosityFlagName, verbosityFlagShortName, "")

	assert.Equal(t, "", GetVerbosityArg(fs))

	require.NoError(t, fs.Parse([]string{"-v=debug"}))
	assert.Equal(t, zapcore.DebugLevel, applied)
	assert.Equal(t, "-v=debug", GetVerbosityArg(fs))
}
