// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/concurrency"
)

const (
	// DefaultLaunchBarrierTimeout is how long a StoppedEventBarrier waits before declaring the launch ready anyway.
	DefaultLaunchBarrierTimeout = 5 * time.Second

	// adapterConnectedSettleDelay is how long after "adapter_connected" the launch is treated as ready.
	adapterConnectedSettleDelay = 500 * time.Millisecond
)

// LaunchBarrier customizes when an outgoing request is considered complete.
// A barrier is bound to exactly one request. It observes the same status, event, and exit
// stream as the ProxyManager and must eventually resolve or reject WaitUntilReady.
type LaunchBarrier interface {
	// AwaitResponse reports whether the DAP response completes the request.
	// When false, the request completes once WaitUntilReady resolves.
	AwaitResponse() bool

	OnRequestSent(requestID string)
	OnProxyStatus(status ProxyStatus)
	OnEvent(event string, body json.RawMessage)
	OnProcessExit(code int, signal string)

	// WaitUntilReady blocks until the barrier decides the request is complete,
	// the barrier is rejected, or ctx is done.
	WaitUntilReady(ctx context.Context) error

	// Dispose releases timers. It is safe to call more than once.
	Dispose()
}

// StoppedEventBarrier treats a launch as complete when the debuggee first stops,
// shortly after the adapter transport connects, or after a timeout, whichever comes first.
// The launch fails if the worker exits before any of these happen.
type StoppedEventBarrier struct {
	log     logr.Logger
	timeout time.Duration
	result  *concurrency.OneTimeJob[error]

	lock           sync.Mutex
	timeoutTimer   *time.Timer
	connectedTimer *time.Timer
}

var _ LaunchBarrier = (*StoppedEventBarrier)(nil)

func NewStoppedEventBarrier(log logr.Logger) *StoppedEventBarrier {
	return NewStoppedEventBarrierWithTimeout(log, DefaultLaunchBarrierTimeout)
}

func NewStoppedEventBarrierWithTimeout(log logr.Logger, timeout time.Duration) *StoppedEventBarrier {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	b := &StoppedEventBarrier{
		log:     log,
		timeout: timeout,
		result:  concurrency.NewOneTimeJob[error](),
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	b.timeoutTimer = time.AfterFunc(timeout, func() {
		if b.settle(nil) {
			b.log.Info("Launch barrier timed out, proceeding anyway", "timeout", b.timeout)
		}
	})
	return b
}

func (b *StoppedEventBarrier) AwaitResponse() bool {
	return false
}

func (b *StoppedEventBarrier) OnRequestSent(requestID string) {
	b.log.V(1).Info("Launch request dispatched", "requestId", requestID)
}

func (b *StoppedEventBarrier) OnProxyStatus(status ProxyStatus) {
	if status != StatusAdapterConnected {
		return
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.result.IsDone() {
		return
	}
	if b.connectedTimer != nil {
		b.connectedTimer.Stop()
	}
	b.connectedTimer = time.AfterFunc(adapterConnectedSettleDelay, func() {
		if b.settle(nil) {
			b.log.V(1).Info("Adapter connected, treating launch as ready")
		}
	})
}

func (b *StoppedEventBarrier) OnEvent(event string, _ json.RawMessage) {
	if event != "stopped" {
		return
	}
	if b.settle(nil) {
		b.log.V(1).Info("Launch confirmed by stopped event")
	}
}

func (b *StoppedEventBarrier) OnProcessExit(code int, signal string) {
	b.settle(fmt.Errorf("%w: worker exited before launch completed (code=%d, signal=%s)", ErrSessionTerminated, code, signal))
}

func (b *StoppedEventBarrier) WaitUntilReady(ctx context.Context) error {
	res, waitErr := b.result.WaitResultContext(ctx)
	if waitErr != nil {
		return waitErr
	}
	return res
}

func (b *StoppedEventBarrier) Dispose() {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.timeoutTimer != nil {
		b.timeoutTimer.Stop()
		b.timeoutTimer = nil
	}
	if b.connectedTimer != nil {
		b.connectedTimer.Stop()
		b.connectedTimer = nil
	}
}

// settle resolves the barrier once; later calls are ignored. Returns true if this call won.
func (b *StoppedEventBarrier) settle(err error) bool {
	if !b.result.TryComplete(err) {
		return false
	}
	b.Dispose()
	return true
}
