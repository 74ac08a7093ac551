/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"os/exec"
	"time"
)

type Pid_t int32

const (
	// A valid exit code of a process is a non-negative number. We use UnknownExitCode to indicate that we have not obtained the exit code yet.
	UnknownExitCode int32 = -1

	// UnknownPID is used when a process is not started (or fails to start).
	UnknownPID Pid_t = -1

	// The PID of the init process; orphaned processes are re-parented to it on Unix.
	InitPID Pid_t = 1
)

type ProcessCreationFlag uint32

const (
	CreationFlagsNone ProcessCreationFlag = 0

	// Kill the process when the context passed to StartProcess is cancelled.
	CreationFlagEnsureKillOnDispose ProcessCreationFlag = 0x1
)

type Executor interface {
	// Starts the process described by given command instance.
	// When the passed context is cancelled and CreationFlagEnsureKillOnDispose is set, the process is terminated.
	// Returns the process PID, its start time, and a function that enables process exit notifications
	// delivered to the exit handler.
	StartProcess(ctx context.Context, cmd *exec.Cmd, exitHandler ProcessExitHandler, flags ProcessCreationFlag) (pid Pid_t, startTime time.Time, startWaitForProcessExit func(), err error)

	// Stops the process with a given PID. If startTime is not zero, it is used to verify process identity.
	StopProcess(pid Pid_t, startTime time.Time) error
}

type ProcessExitHandler interface {
	// Indicates that process with a given PID has finished execution.
	// If err is nil, the process exit code was properly captured and the exitCode value is valid.
	// If err is not nil, there was a problem tracking the process and the exitCode value is not valid.
	OnProcessExited(pid Pid_t, exitCode int32, err error)
}

// Make it easy to supply a function as a process exit handler.
type ProcessExitHandlerFunc func(Pid_t, int32, error)

func (f ProcessExitHandlerFunc) OnProcessExited(pid Pid_t, exitCode int32, err error) {
	f(pid, exitCode, err)
}
