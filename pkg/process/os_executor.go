/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const gracefulStopTimeout = 5 * time.Second

type waitState struct {
	cmd        *exec.Cmd
	startTime  time.Time
	startWait  sync.Once
	waitEnded  chan struct{}
	waitErr    error
	stopOnce   sync.Once
	stopResult error
}

func (ws *waitState) startWaiting() {
	ws.startWait.Do(func() {
		go func() {
			ws.waitErr = ws.cmd.Wait()
			close(ws.waitEnded)
		}()
	})
}

type OSExecutor struct {
	procs map[Pid_t]*waitState
	lock  sync.Mutex
	log   logr.Logger
}

func NewOSExecutor(log logr.Logger) Executor {
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &OSExecutor{
		procs: make(map[Pid_t]*waitState),
		log:   log.WithName("os-executor"),
	}
}

func (e *OSExecutor) StartProcess(ctx context.Context, cmd *exec.Cmd, handler ProcessExitHandler, flags ProcessCreationFlag) (Pid_t, time.Time, func(), error) {
	if startErr := cmd.Start(); startErr != nil {
		return UnknownPID, time.Time{}, nil, startErr
	}

	pid := Pid_t(cmd.Process.Pid)
	startTime := StartTimeForProcess(pid)
	if startTime.IsZero() {
		startTime = time.Now()
	}

	ws := &waitState{
		cmd:       cmd,
		startTime: startTime,
		waitEnded: make(chan struct{}),
	}

	e.lock.Lock()
	e.procs[pid] = ws
	e.lock.Unlock()

	go func() {
		var stopErr error

		select {
		case <-ws.waitEnded:
		case <-ctx.Done():
			if (flags & CreationFlagEnsureKillOnDispose) != 0 {
				stopErr = e.stop(pid, ws)
			}
			ws.startWaiting()
			<-ws.waitEnded
		}

		e.lock.Lock()
		delete(e.procs, pid)
		e.lock.Unlock()

		if handler != nil {
			exitCode, execErr := getProcessExecResult(ws.waitErr, cmd)
			handler.OnProcessExited(pid, exitCode, errors.Join(stopErr, execErr))
		}
	}()

	return pid, startTime, ws.startWaiting, nil
}

func (e *OSExecutor) StopProcess(pid Pid_t, startTime time.Time) error {
	e.lock.Lock()
	ws, found := e.procs[pid]
	e.lock.Unlock()

	if found {
		if !startTime.IsZero() && !withinIdentityTolerance(startTime, ws.startTime) {
			return fmt.Errorf("process %d start time mismatch, pid might have been reused", pid)
		}
		return e.stop(pid, ws)
	}

	// Not a process we started; find it by PID and verify identity before signalling it.
	proc, findErr := FindProcess(pid, startTime)
	if findErr != nil {
		if errors.Is(findErr, ErrProcessNotFound) {
			return nil
		}
		return findErr
	}

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		_ = WaitForExit(context.Background(), pid, 100*time.Millisecond)
	}()
	return e.stopProcess(proc, exited)
}

func (e *OSExecutor) stop(pid Pid_t, ws *waitState) error {
	ws.stopOnce.Do(func() {
		ws.startWaiting()
		ws.stopResult = e.stopProcess(ws.cmd.Process, ws.waitEnded)
		if ws.stopResult == nil {
			e.log.V(1).Info("Process stopped", "pid", pid)
		}
	})
	return ws.stopResult
}

// Returns the process exit code and execution error depending on the result of command wait call.
func getProcessExecResult(waitErr error, cmd *exec.Cmd) (int32, error) {
	var ee *exec.ExitError
	switch {
	case waitErr == nil && cmd.ProcessState != nil:
		return int32(cmd.ProcessState.ExitCode()), nil
	case errors.As(waitErr, &ee):
		return int32(ee.ExitCode()), nil
	case waitErr == nil:
		return UnknownExitCode, nil
	default:
		return UnknownExitCode, waitErr
	}
}

// Checks if the error is associated with early exit of a process, which is often expected.
func IsEarlyProcessExitError(err error) bool {
	if err == nil {
		return false
	}

	var ee *exec.ExitError
	return errors.Is(err, os.ErrProcessDone) || errors.As(err, &ee)
}

var _ Executor = (*OSExecutor)(nil)
