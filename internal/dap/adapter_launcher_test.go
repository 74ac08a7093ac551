/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/process"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/testutil"
)

func TestBuildFilteredEnv_SuppressesProxyPrefixes(t *testing.T) {
	t.Setenv("DAPPROXY_INIT_TIMEOUT", "should-be-removed")
	t.Setenv("DEBUG_MCP_DISABLED_LANGUAGES", "also-removed")

	env := sliceToEnvMap(buildFilteredEnv(&AdapterLaunchSpec{}))
	assert.NotContains(t, env, "DAPPROXY_INIT_TIMEOUT")
	assert.NotContains(t, env, "DEBUG_MCP_DISABLED_LANGUAGES")
}

func TestBuildFilteredEnv_InheritsNonSuppressedVars(t *testing.T) {
	t.Setenv("MY_APP_VAR", "keep-this")

	env := sliceToEnvMap(buildFilteredEnv(&AdapterLaunchSpec{}))
	assert.Equal(t, "keep-this", env["MY_APP_VAR"])
	assert.Equal(t, os.Getenv("PATH"), env["PATH"])
}

func TestBuildFilteredEnv_SpecOverridesAmbient(t *testing.T) {
	t.Setenv("OVERRIDE_ME", "original")
	t.Setenv("DAPPROXY_AMBIENT", "should-be-removed")

	spec := &AdapterLaunchSpec{Env: map[string]string{
		"OVERRIDE_ME":       "overridden",
		"DAPPROXY_EXPLICIT": "explicitly-set",
	}}
	env := sliceToEnvMap(buildFilteredEnv(spec))

	assert.Equal(t, "overridden", env["OVERRIDE_ME"])
	assert.Equal(t, "explicitly-set", env["DAPPROXY_EXPLICIT"])
	assert.NotContains(t, env, "DAPPROXY_AMBIENT")
}

func TestSubstitutePort(t *testing.T) {
	t.Parallel()

	args := []string{"--listen", "127.0.0.1:{{port}}", "--log"}
	assert.Equal(t, []string{"--listen", "127.0.0.1:4711", "--log"}, substitutePort(args, "4711"))
	assert.Equal(t, "127.0.0.1:{{port}}", args[1], "input must not be modified")
}

func TestLaunchDebugAdapterCommandNotFound(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	spec := &AdapterLaunchSpec{Command: "definitely-not-a-debug-adapter-7f3a"}
	_, launchErr := LaunchDebugAdapter(ctx, process.NewOSExecutor(logr.Discard()), spec, 0, logr.Discard())
	assert.ErrorIs(t, launchErr, ErrCommandNotFound)
	assert.True(t, IsBridgeError(launchErr))
}

func TestConnectAdapter(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	listener, listenErr := nettest.NewLocalListener("tcp")
	require.NoError(t, listenErr)
	defer listener.Close()

	go func() {
		conn, acceptErr := listener.Accept()
		if acceptErr == nil {
			defer conn.Close()
			<-ctx.Done()
		}
	}()

	transport, connectErr := ConnectAdapter(ctx, listener.Addr().String(), nil, logr.Discard())
	require.NoError(t, connectErr)
	assert.NoError(t, transport.Close())
}

func TestConnectAdapterStopsWhenAdapterExits(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	// Reserve a port and release it so nothing is listening there.
	listener, listenErr := nettest.NewLocalListener("tcp")
	require.NoError(t, listenErr)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	adapterDone := make(chan struct{})
	close(adapterDone)

	start := time.Now()
	_, connectErr := ConnectAdapter(ctx, address, adapterDone, logr.Discard())
	assert.ErrorIs(t, connectErr, ErrSessionTerminated)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// sliceToEnvMap converts a []string of "KEY=VALUE" entries to a map.
func sliceToEnvMap(envSlice []string) map[string]string {
	result := make(map[string]string, len(envSlice))
	for _, entry := range envSlice {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) == 2 {
			result[parts[0]] = parts[1]
		}
	}
	return result
}
