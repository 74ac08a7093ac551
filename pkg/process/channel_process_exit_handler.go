/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"os/exec"
)

type ProcessExitInfo struct {
	PID      Pid_t
	ExitCode int32
	Err      error
}

// A simple process exit handler that writes the finished process status to a channel
type ChannelProcessExitHandler struct {
	c chan ProcessExitInfo
}

func NewChannelProcessExitHandler(c chan ProcessExitInfo) *ChannelProcessExitHandler {
	return &ChannelProcessExitHandler{
		c: c,
	}
}

func (eh *ChannelProcessExitHandler) OnProcessExited(pid Pid_t, exitCode int32, err error) {
	eh.c <- ProcessExitInfo{
		PID:      pid,
		ExitCode: exitCode,
		Err:      err,
	}
	close(eh.c)
}

// Runs the command as a child process to completion.
// Returns exit code, or error if the process could not be started/tracked for some reason.
//
// The context parameter is used to request cancellation of the process, but the call to RunToCompletion() will not return
// until the process exits and all its output is captured.
func RunToCompletion(ctx context.Context, executor Executor, cmd *exec.Cmd) (int32, error) {
	pic := make(chan ProcessExitInfo, 1)
	peh := NewChannelProcessExitHandler(pic)

	_, _, startWaitForProcessExit, err := executor.StartProcess(ctx, cmd, peh, CreationFlagEnsureKillOnDispose)
	if err != nil {
		return UnknownExitCode, err
	}

	startWaitForProcessExit()

	exitInfo := <-pic
	return exitInfo.ExitCode, exitInfo.Err
}
