//go:build !windows

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
	"syscall"
	"time"
)

const killWaitTimeout = 10 * time.Second

// Sends SIGTERM and gives the process a chance to exit gracefully, then falls back to SIGKILL.
// The exited channel must be closed when the process is gone.
func (e *OSExecutor) stopProcess(proc *os.Process, exited <-chan struct{}) error {
	err := signalAndWaitForExit(proc, syscall.SIGTERM, gracefulStopTimeout, exited)
	switch {
	case err == nil:
		e.log.V(1).Info("Process stopped by SIGTERM", "pid", proc.Pid)
		return nil
	case !errors.Is(err, context.DeadlineExceeded):
		return err
	}

	err = signalAndWaitForExit(proc, syscall.SIGKILL, killWaitTimeout, exited)
	if err == nil {
		e.log.V(1).Info("Process stopped by SIGKILL", "pid", proc.Pid)
	}
	return err
}

func signalAndWaitForExit(proc *os.Process, sig syscall.Signal, timeout time.Duration, exited <-chan struct{}) error {
	signalErr := proc.Signal(sig)
	switch {
	case errors.Is(signalErr, os.ErrProcessDone):
		return nil
	case signalErr != nil:
		return fmt.Errorf("could not send signal %s to process %d: %w", sig.String(), proc.Pid, signalErr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
		return context.DeadlineExceeded
	}
}
