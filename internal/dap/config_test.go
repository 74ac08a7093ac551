/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool {
	return &v
}

func TestProxyConfigValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		config  ProxyConfig
		wantErr bool
	}{
		{
			name:   "tcp adapter",
			config: ProxyConfig{SessionID: "s1", ScriptPath: "app.py", Adapter: &AdapterLaunchSpec{Command: "python"}, AdapterPort: 5678},
		},
		{
			name:   "stdio adapter needs no port",
			config: ProxyConfig{SessionID: "s1", ScriptPath: "app.js", Adapter: &AdapterLaunchSpec{Command: "node", Mode: AdapterModeStdio}},
		},
		{
			name:   "pre-listening adapter",
			config: ProxyConfig{SessionID: "s1", ScriptPath: "main.go", AdapterPort: 40000},
		},
		{
			name:    "missing session",
			config:  ProxyConfig{ScriptPath: "app.py", AdapterPort: 5678},
			wantErr: true,
		},
		{
			name:    "missing script",
			config:  ProxyConfig{SessionID: "s1", AdapterPort: 5678},
			wantErr: true,
		},
		{
			name:    "empty adapter command",
			config:  ProxyConfig{SessionID: "s1", ScriptPath: "app.py", Adapter: &AdapterLaunchSpec{}, AdapterPort: 5678},
			wantErr: true,
		},
		{
			name:    "port out of range",
			config:  ProxyConfig{SessionID: "s1", ScriptPath: "app.py", AdapterPort: 70000},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			validateErr := tc.config.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, validateErr, ErrInvalidConfig)
			} else {
				assert.NoError(t, validateErr)
			}
		})
	}
}

func TestProxyConfigEndpoint(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "127.0.0.1:5678", (&ProxyConfig{AdapterPort: 5678}).Endpoint())
	assert.Equal(t, "[::1]:5678", (&ProxyConfig{AdapterHost: "::1", AdapterPort: 5678}).Endpoint())
}

func TestLaunchArgumentsDefaults(t *testing.T) {
	t.Parallel()

	config := ProxyConfig{SessionID: "s1", ScriptPath: "/src/app.py", ScriptArgs: []string{"--verbose"}}
	args, argsErr := config.LaunchArguments()
	require.NoError(t, argsErr)

	assert.JSONEq(t, `{
		"program": "/src/app.py",
		"args": ["--verbose"],
		"stopOnEntry": true,
		"justMyCode": true,
		"noDebug": false,
		"console": "internalConsole"
	}`, string(args))
}

func TestLaunchArgumentsLaunchConfigWins(t *testing.T) {
	t.Parallel()

	config := ProxyConfig{
		SessionID:    "s1",
		ScriptPath:   "/src/app.js",
		StopOnEntry:  boolPtr(true),
		JustMyCode:   boolPtr(false),
		LaunchConfig: json.RawMessage(`{"type":"pwa-node","stopOnEntry":false,"console":"integratedTerminal","outFiles":["dist/**"]}`),
	}
	args, argsErr := config.LaunchArguments()
	require.NoError(t, argsErr)

	assert.JSONEq(t, `{
		"type": "pwa-node",
		"program": "/src/app.js",
		"args": [],
		"stopOnEntry": false,
		"justMyCode": false,
		"noDebug": false,
		"console": "integratedTerminal",
		"outFiles": ["dist/**"]
	}`, string(args))
}

func TestLaunchArgumentsRejectsNonObject(t *testing.T) {
	t.Parallel()

	config := ProxyConfig{SessionID: "s1", ScriptPath: "app.py", LaunchConfig: json.RawMessage(`[1]`)}
	_, argsErr := config.LaunchArguments()
	assert.ErrorIs(t, argsErr, ErrInvalidConfig)
}

func TestDryRunCommandLine(t *testing.T) {
	t.Parallel()

	config := ProxyConfig{
		AdapterPort: 5678,
		Adapter: &AdapterLaunchSpec{
			Command: "python",
			Args:    []string{"-m", "debugpy.adapter", "--port", "{{port}}"},
		},
	}
	assert.Equal(t, "python -m debugpy.adapter --port 5678", config.DryRunCommandLine())
	assert.Empty(t, (&ProxyConfig{}).DryRunCommandLine())
}
