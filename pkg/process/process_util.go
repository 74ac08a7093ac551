// Copyright (c) Microsoft Corporation. All rights reserved.

package process

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	ps "github.com/shirou/gopsutil/v4/process"
)

// Essentially the same as ps.ErrorProcessNotRunning, but we do not want to
// expose the ps package outside of this package.
var ErrProcessNotFound = errors.New("process does not exist")

// We serialize timestamps with millisecond precision, so a maximum couple of milliseconds of difference works well.
const processIdentityTimeMaximumDifference = 2 * time.Millisecond

// Returns the creation time of a process, or zero time if it cannot be determined.
func StartTimeForProcess(pid Pid_t) time.Time {
	proc, procErr := ps.NewProcess(int32(pid))
	if procErr != nil {
		return time.Time{}
	}

	createTimestamp, err := proc.CreateTime()
	if err != nil {
		return time.Time{}
	}

	return time.UnixMilli(createTimestamp)
}

// Returns the process with the given PID. If expectedStartTime is not zero,
// the process start time is checked to match it, to guard against PID reuse.
func FindProcess(pid Pid_t, expectedStartTime time.Time) (*os.Process, error) {
	proc, procErr := ps.NewProcess(int32(pid))
	if procErr != nil {
		if errors.Is(procErr, ps.ErrorProcessNotRunning) {
			return nil, fmt.Errorf("process with pid %d does not exist: %w", pid, ErrProcessNotFound)
		}
		return nil, procErr
	}

	if !expectedStartTime.IsZero() {
		createTimestamp, createErr := proc.CreateTime()
		if createErr == nil && !withinIdentityTolerance(expectedStartTime, time.UnixMilli(createTimestamp)) {
			return nil, fmt.Errorf("process start time mismatch, pid %d might have been reused: %w", pid, ErrProcessNotFound)
		}
	}

	return os.FindProcess(int(pid))
}

// ParentOf returns the parent PID of the given process.
func ParentOf(pid Pid_t) (Pid_t, error) {
	proc, procErr := ps.NewProcess(int32(pid))
	if procErr != nil {
		return UnknownPID, fmt.Errorf("process with pid %d does not exist: %w", pid, ErrProcessNotFound)
	}

	ppid, ppidErr := proc.Ppid()
	if ppidErr != nil {
		return UnknownPID, ppidErr
	}
	return Pid_t(ppid), nil
}

// WaitForExit polls until the process with the given PID is gone or the context is cancelled.
func WaitForExit(ctx context.Context, pid Pid_t, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		exists, existsErr := ps.PidExistsWithContext(ctx, int32(pid))
		if existsErr == nil && !exists {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func Int64ToPidT(val int64) (Pid_t, error) {
	if val < 0 || val > math.MaxInt32 {
		return UnknownPID, fmt.Errorf("value %d is out of range of valid process ID values", val)
	}
	return Pid_t(val), nil
}

func withinIdentityTolerance(expected, actual time.Time) bool {
	diff := expected.Sub(actual)
	if diff < 0 {
		diff = -diff
	}
	return diff <= processIdentityTimeMaximumDifference
}
