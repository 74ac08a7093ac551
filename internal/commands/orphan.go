package commands

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

const (
	// initPid is the process every orphan is re-parented to.
	initPid = 1

	DefaultOrphanCheckInterval = 10 * time.Second
)

// ShouldExit reports whether a worker whose parent process id is ppid has been orphaned.
// Inside a container the worker may legitimately run as a direct child of PID 1.
func ShouldExit(ppid int, contained bool) bool {
	return ppid == initPid && !contained
}

// OrphanMonitor periodically checks whether the process lost its parent.
type OrphanMonitor struct {
	// Interval between checks. Zero means DefaultOrphanCheckInterval.
	Interval time.Duration

	// Contained disables the check for processes running in an isolated process namespace.
	Contained bool

	// ParentPID returns the current parent process id. Defaults to the OS-reported value.
	ParentPID func() int

	Log logr.Logger
}

// Run blocks until ctx is done or the process becomes orphaned, in which case onOrphaned is called once.
func (m *OrphanMonitor) Run(ctx context.Context, onOrphaned func()) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultOrphanCheckInterval
	}
	parentPID := m.ParentPID
	if parentPID == nil {
		parentPID = osParentPID
	}
	log := m.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ppid := parentPID()
			if ShouldExit(ppid, m.Contained) {
				log.Info("Parent process exited, shutting down", "ppid", ppid)
				onOrphaned()
				return
			}
		}
	}
}

// MonitorOrphaned returns a context that is cancelled when the process becomes orphaned.
func MonitorOrphaned(ctx context.Context, interval time.Duration, contained bool, log logr.Logger) context.Context {
	orphanCtx, cancel := context.WithCancel(ctx)
	monitor := &OrphanMonitor{Interval: interval, Contained: contained, Log: log}
	go func() {
		defer cancel()
		monitor.Run(orphanCtx, cancel)
	}()
	return orphanCtx
}
