/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/testutil"
)

const helperProcessEnv = "PROCESS_TEST_HELPER_MODE"

// TestHelperProcess is not a real test; it is the body of the child processes started by other tests.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperProcessEnv)
	if mode == "" {
		return
	}

	switch mode {
	case "exit":
		code, _ := strconv.Atoi(os.Getenv("PROCESS_TEST_EXIT_CODE"))
		os.Exit(code)
	case "sleep":
		time.Sleep(time.Minute)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown helper mode %q\n", mode)
		os.Exit(2)
	}
}

func helperCommand(mode string, extraEnv ...string) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
	cmd.Env = append(os.Environ(), helperProcessEnv+"="+mode)
	cmd.Env = append(cmd.Env, extraEnv...)
	return cmd
}

func TestRunToCompletionReportsExitCode(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	executor := NewOSExecutor(logr.Discard())
	exitCode, err := RunToCompletion(ctx, executor, helperCommand("exit", "PROCESS_TEST_EXIT_CODE=3"))

	require.NoError(t, err)
	assert.Equal(t, int32(3), exitCode)
}

func TestStopProcessTerminatesRunningProcess(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	executor := NewOSExecutor(logr.Discard())
	exitInfo := make(chan ProcessExitInfo, 1)

	pid, startTime, startWaiting, startErr := executor.StartProcess(ctx, helperCommand("sleep"), NewChannelProcessExitHandler(exitInfo), CreationFlagsNone)
	require.NoError(t, startErr)
	require.NotEqual(t, UnknownPID, pid)
	startWaiting()

	require.NoError(t, executor.StopProcess(pid, startTime))

	select {
	case info := <-exitInfo:
		assert.Equal(t, pid, info.PID)
	case <-ctx.Done():
		t.Fatal("process exit was not reported")
	}
}

func TestContextCancellationKillsProcess(t *testing.T) {
	t.Parallel()

	executor := NewOSExecutor(logr.Discard())
	exitInfo := make(chan ProcessExitInfo, 1)

	procCtx, procCancel := context.WithCancel(context.Background())
	_, _, startWaiting, startErr := executor.StartProcess(procCtx, helperCommand("sleep"), NewChannelProcessExitHandler(exitInfo), CreationFlagEnsureKillOnDispose)
	require.NoError(t, startErr)
	startWaiting()

	procCancel()

	select {
	case <-exitInfo:
	case <-time.After(20 * time.Second):
		t.Fatal("process was not stopped after context cancellation")
	}
}

func TestInt64ToPidT(t *testing.T) {
	t.Parallel()

	pid, err := Int64ToPidT(1234)
	require.NoError(t, err)
	assert.Equal(t, Pid_t(1234), pid)

	_, err = Int64ToPidT(-5)
	assert.Error(t, err)
}
