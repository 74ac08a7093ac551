//go:build windows

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package process

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const killWaitTimeout = 10 * time.Second

// Windows has no reliable console-less graceful stop signal, so the process is killed right away.
func (e *OSExecutor) stopProcess(proc *os.Process, exited <-chan struct{}) error {
	killErr := proc.Kill()
	if killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		return fmt.Errorf("could not kill process %d: %w", proc.Pid, killErr)
	}

	timer := time.NewTimer(killWaitTimeout)
	defer timer.Stop()

	select {
	case <-exited:
		e.log.V(1).Info("Process killed", "pid", proc.Pid)
		return nil
	case <-timer.C:
		return fmt.Errorf("process %d did not exit after being killed", proc.Pid)
	}
}
