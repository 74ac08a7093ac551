/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/smallnest/chanx"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/concurrency"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/resiliency"
)

const (
	// DefaultInitTimeout bounds Start.
	DefaultInitTimeout = 30 * time.Second

	// DefaultStopTimeout is how long Stop waits for the worker to exit before killing it.
	DefaultStopTimeout = 5 * time.Second
)

// ProxyManagerOptions configures a ProxyManager.
type ProxyManagerOptions struct {
	// InitTimeout bounds Start. Zero means DefaultInitTimeout.
	InitTimeout time.Duration

	// StopTimeout is how long Stop waits for a graceful worker exit. Zero means DefaultStopTimeout.
	StopTimeout time.Duration

	Logger logr.Logger
}

// Response is the outcome of a request sent through a ProxyManager.
type Response struct {
	RequestID string
	Command   string
	Success   bool

	// Body is the body of the DAP response. Raw is the complete DAP response as sent by the adapter.
	Body json.RawMessage
	Raw  json.RawMessage

	// Message is the error text of a failed response.
	Message string
}

type callResult struct {
	resp *Response
	err  error
}

// pendingCall is an outstanding request together with the means to resolve it exactly once.
type pendingCall struct {
	PendingRequest

	result  *concurrency.OneTimeJob[callResult]
	timer   *time.Timer
	barrier LaunchBarrier

	// response holds the DAP response of a request whose barrier decides when it completes.
	response *Response
}

// ProxyManager drives one debug session through a proxy worker.
// All session state changes happen on a single dispatch goroutine that consumes worker messages.
type ProxyManager struct {
	launcher WorkerLauncher
	policy   AdapterPolicy
	opts     ProxyManagerOptions
	log      logr.Logger

	lifetimeCtx    context.Context
	lifetimeCancel context.CancelFunc

	lock           sync.Mutex
	state          SessionState
	config         *ProxyConfig
	worker         WorkerHandle
	calls          map[string]*pendingCall
	queued         []WorkerCommand
	started        bool
	stopped        bool
	exited         bool
	outbound       *chanx.UnboundedChan[WorkerCommand]
	outboundClosed bool

	initResult *concurrency.OneTimeJob[error]

	eventsLock   sync.Mutex
	events       *chanx.UnboundedChan[Notification]
	eventsClosed bool

	dispatchDone chan struct{}
	stopOnce     sync.Once
	stopErr      error
}

func NewProxyManager(launcher WorkerLauncher, policy AdapterPolicy, opts ProxyManagerOptions) *ProxyManager {
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = DefaultInitTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	lifetimeCtx, lifetimeCancel := context.WithCancel(context.Background())
	return &ProxyManager{
		launcher:       launcher,
		policy:         policy,
		opts:           opts,
		log:            log.WithName("proxy-manager"),
		lifetimeCtx:    lifetimeCtx,
		lifetimeCancel: lifetimeCancel,
		calls:          make(map[string]*pendingCall),
		initResult:     concurrency.NewOneTimeJob[error](),
		events:         chanx.NewUnboundedChan[Notification](context.Background(), 64),
		dispatchDone:   make(chan struct{}),
	}
}

// Start launches the worker and initializes the debug session. It returns once the session
// is initialized or the dry run is complete.
func (m *ProxyManager) Start(ctx context.Context, config *ProxyConfig) error {
	if config == nil {
		return fmt.Errorf("%w: configuration is required", ErrInvalidConfig)
	}
	if validateErr := config.Validate(); validateErr != nil {
		return validateErr
	}

	m.lock.Lock()
	if m.started || m.stopped {
		m.lock.Unlock()
		return fmt.Errorf("proxy manager for session '%s' was already started", m.state.SessionID)
	}
	m.started = true
	m.config = config
	m.state = NewSessionState(config.SessionID)
	m.log = m.log.WithValues("sessionId", config.SessionID)
	m.lock.Unlock()

	worker, launchErr := m.launcher.Launch(m.lifetimeCtx, config.SessionID)
	if launchErr != nil {
		_ = m.stop(context.Background(), false)
		close(m.dispatchDone)
		return fmt.Errorf("failed to start proxy worker: %w", launchErr)
	}

	m.lock.Lock()
	m.worker = worker
	m.outbound = chanx.NewUnboundedChan[WorkerCommand](context.Background(), 16)
	m.outbound.In <- NewInitCommand(config)
	m.lock.Unlock()

	go m.writeCommands(worker)
	go m.dispatch(worker)

	m.log.Info("Waiting for proxy worker to initialize", "timeout", m.opts.InitTimeout)

	timer := time.NewTimer(m.opts.InitTimeout)
	defer timer.Stop()

	var initErr error
	select {
	case <-m.initResult.Done():
		initErr = m.initResult.WaitResult()
	case <-timer.C:
		initErr = fmt.Errorf("%w after %s", ErrProxyInitTimeout, m.opts.InitTimeout)
	case <-ctx.Done():
		initErr = ctx.Err()
	}

	if initErr != nil {
		m.log.Error(initErr, "Proxy worker failed to initialize")
		_ = m.stop(context.Background(), false)
		return initErr
	}

	m.log.Info("Proxy worker initialized")
	return nil
}

// SendRequest forwards a DAP request to the adapter and waits for its outcome.
func (m *ProxyManager) SendRequest(ctx context.Context, command string, args json.RawMessage) (*Response, error) {
	requestID := uuid.NewString()
	submittedAt := time.Now()

	m.lock.Lock()
	if !m.started || m.stopped || m.exited || m.state.Terminated {
		m.lock.Unlock()
		return nil, fmt.Errorf("%w: cannot send '%s'", ErrSessionTerminated, command)
	}

	queue := false
	if !m.state.Initialized {
		switch {
		case m.policy.ShouldQueue(command):
			queue = true
		case m.policy.QueueUntilReady:
			// Commands exempt from queueing go out right away.
		default:
			m.lock.Unlock()
			return nil, fmt.Errorf("%w: cannot send '%s'", ErrAdapterNotReady, command)
		}
	}

	newState, addErr := AddPendingRequest(m.state, PendingRequest{RequestID: requestID, Command: command, SubmittedAt: submittedAt})
	if addErr != nil {
		m.lock.Unlock()
		return nil, addErr
	}
	m.state = newState

	call := &pendingCall{
		PendingRequest: PendingRequest{RequestID: requestID, Command: command, SubmittedAt: submittedAt},
		result:         concurrency.NewOneTimeJob[callResult](),
		barrier:        m.policy.LaunchBarrierFor(command, m.log),
	}
	m.calls[requestID] = call

	timeout := m.policy.TimeoutFor(command)
	call.timer = time.AfterFunc(timeout, func() {
		if m.completeCall(requestID, callResult{err: &DapRequestTimeoutError{Command: command, Elapsed: time.Since(submittedAt)}}) {
			m.log.Info("DAP request timed out", "command", command, "requestId", requestID, "timeout", timeout)
		}
	})

	if call.barrier != nil {
		call.barrier.OnRequestSent(requestID)
	}

	cmd := NewDapCommand(m.state.SessionID, requestID, command, args)
	if queue {
		m.log.V(1).Info("Queueing command until the session is initialized", "command", command, "requestId", requestID)
		m.queued = append(m.queued, cmd)
	} else {
		m.forwardLocked(cmd)
	}
	m.lock.Unlock()

	if call.barrier != nil && !call.barrier.AwaitResponse() {
		go m.awaitBarrier(call)
	}

	select {
	case <-call.result.Done():
	case <-ctx.Done():
		m.completeCall(requestID, callResult{err: ctx.Err()})
	}

	res := call.result.WaitResult()
	return res.resp, res.err
}

// awaitBarrier completes a request once its barrier decides the launch is ready.
func (m *ProxyManager) awaitBarrier(call *pendingCall) {
	readyErr := call.barrier.WaitUntilReady(m.lifetimeCtx)
	if readyErr != nil {
		m.completeCall(call.RequestID, callResult{err: readyErr})
		return
	}

	m.lock.Lock()
	resp := call.response
	m.lock.Unlock()

	if resp == nil {
		// The adapter may answer the launch only after the debuggee stops, or never.
		resp = &Response{RequestID: call.RequestID, Command: call.Command, Success: true}
	}
	m.completeCall(call.RequestID, callResult{resp: resp})
}

// completeCall resolves an outstanding call. Only the first resolution of a call has any effect;
// the return value tells whether this was it.
func (m *ProxyManager) completeCall(requestID string, res callResult) bool {
	m.lock.Lock()
	call, found := m.calls[requestID]
	if !found {
		m.lock.Unlock()
		return false
	}
	delete(m.calls, requestID)
	m.queued = slices.DeleteFunc(m.queued, func(cmd WorkerCommand) bool { return cmd.RequestID == requestID })
	m.state = RemovePendingRequest(m.state, requestID)
	m.lock.Unlock()

	call.timer.Stop()
	if call.barrier != nil {
		call.barrier.Dispose()
	}
	return call.result.TryComplete(res)
}

// rejectAll fails every outstanding and queued call with err.
func (m *ProxyManager) rejectAll(err error) {
	m.lock.Lock()
	calls := m.calls
	m.calls = make(map[string]*pendingCall)
	m.queued = nil
	m.state = ClearPendingRequests(m.state)
	m.lock.Unlock()

	if len(calls) > 0 {
		m.log.V(1).Info("Rejecting outstanding requests", "count", len(calls), "reason", err.Error())
	}
	for _, call := range calls {
		call.timer.Stop()
		if call.barrier != nil {
			call.barrier.Dispose()
		}
		call.result.TryComplete(callResult{err: err})
	}
}

// forwardLocked hands a command to the outbound writer. Must be called with m.lock held.
func (m *ProxyManager) forwardLocked(cmd WorkerCommand) {
	if m.outboundClosed || m.outbound == nil {
		return
	}
	m.outbound.In <- cmd
}

func (m *ProxyManager) writeCommands(worker WorkerHandle) {
	for cmd := range m.outbound.Out {
		if sendErr := worker.Send(cmd); sendErr != nil {
			m.log.Info("Failed to send command to proxy worker", "cmd", cmd.Cmd, "command", cmd.DapCommand, "error", sendErr.Error())
			if cmd.Cmd == WorkerCommandDap {
				m.completeCall(cmd.RequestID, callResult{err: fmt.Errorf("failed to forward '%s': %w", cmd.DapCommand, sendErr)})
			}
		}
	}
}

func (m *ProxyManager) dispatch(worker WorkerHandle) {
	defer close(m.dispatchDone)

	for raw := range worker.Messages() {
		m.handleMessage(raw)
	}
	m.handleWorkerExit(worker)
}

func (m *ProxyManager) handleMessage(raw []byte) {
	msg, parseErr := ParseProxyMessage(raw)
	if parseErr != nil {
		m.lock.Lock()
		_, effects := HandleRaw(m.state, raw)
		m.lock.Unlock()
		m.applyEffects(effects)
		return
	}

	m.lock.Lock()
	newState, effects := Handle(m.state, msg)
	m.state = newState
	barriers := m.barriersLocked()
	m.lock.Unlock()

	switch msg.Type {
	case ProxyMessageStatus:
		m.notifyBarriers(barriers, func(b LaunchBarrier) { b.OnProxyStatus(msg.Status) })
	case ProxyMessageDapEvent:
		m.notifyBarriers(barriers, func(b LaunchBarrier) { b.OnEvent(msg.Event, msg.Body) })
	case ProxyMessageDapResponse:
		m.handleResponse(msg)
	}

	m.applyEffects(effects)
}

// notifyBarriers delivers a worker message to launch barriers. Barriers come from adapter policies;
// a panicking barrier is logged and does not stop message dispatch.
func (m *ProxyManager) notifyBarriers(barriers []LaunchBarrier, notify func(LaunchBarrier)) {
	for _, b := range barriers {
		func() {
			defer func() {
				_ = resiliency.MakePanicError(recover(), m.log)
			}()
			notify(b)
		}()
	}
}

func (m *ProxyManager) handleResponse(msg ProxyMessage) {
	m.lock.Lock()
	call, found := m.calls[msg.RequestID]
	m.lock.Unlock()
	if !found {
		m.log.V(1).Info("Ignoring response for a request that is no longer outstanding", "requestId", msg.RequestID)
		return
	}

	resp := &Response{
		RequestID: msg.RequestID,
		Command:   call.Command,
		Success:   msg.Success,
		Body:      msg.Body,
		Raw:       msg.Response,
		Message:   msg.Error,
	}

	switch {
	case !msg.Success:
		m.completeCall(msg.RequestID, callResult{resp: resp, err: &DapResponseError{Command: call.Command, Message: msg.Error}})
	case call.barrier != nil && !call.barrier.AwaitResponse():
		m.lock.Lock()
		call.response = resp
		m.lock.Unlock()
	default:
		m.completeCall(msg.RequestID, callResult{resp: resp})
	}
}

func (m *ProxyManager) applyEffects(effects []Effect) {
	for _, effect := range effects {
		switch effect.Kind {
		case EffectLog:
			m.logEffect(effect)

		case EffectEmit:
			m.onNotification(effect.Notification)
			m.emit(effect.Notification)

		case EffectKillProcess:
			m.lock.Lock()
			worker := m.worker
			m.lock.Unlock()
			if worker != nil {
				if killErr := worker.Kill(); killErr != nil {
					m.log.Error(killErr, "Failed to kill proxy worker")
				}
			}

		case EffectSendToProxy:
			m.lock.Lock()
			m.forwardLocked(effect.Command)
			m.lock.Unlock()
		}
	}
}

func (m *ProxyManager) onNotification(n Notification) {
	switch n.Kind {
	case NotificationInitialized:
		m.lock.Lock()
		queued := m.queued
		m.queued = nil
		for _, cmd := range queued {
			m.forwardLocked(cmd)
		}
		m.lock.Unlock()
		if len(queued) > 0 {
			m.log.V(1).Info("Flushed queued commands", "count", len(queued))
		}
		m.initResult.TryComplete(nil)

	case NotificationDryRunComplete:
		m.log.Info("Dry run complete", "command", n.Command, "script", n.Script)
		m.initResult.TryComplete(nil)

	case NotificationError:
		m.initResult.TryComplete(fmt.Errorf("proxy worker failed to initialize: %s", n.Message))

	case NotificationExit:
		exitErr := fmt.Errorf("%w: debug adapter is gone (%s)", ErrSessionTerminated, n.Status)
		m.initResult.TryComplete(exitErr)
		m.rejectAll(exitErr)
	}
}

func (m *ProxyManager) handleWorkerExit(worker WorkerHandle) {
	code, signal := worker.ExitStatus()
	exitCode := defaultExitCode
	if code != nil {
		exitCode = *code
	}

	m.lock.Lock()
	barriers := m.barriersLocked()
	alreadyTerminated := m.state.Terminated
	m.state.Terminated = true
	m.exited = true
	dryRun := m.config != nil && m.config.DryRun
	sessionID := m.state.SessionID
	if !m.outboundClosed && m.outbound != nil {
		m.outboundClosed = true
		close(m.outbound.In)
	}
	m.lock.Unlock()

	m.log.Info("Proxy worker exited", "exitCode", code, "signal", signal)

	m.notifyBarriers(barriers, func(b LaunchBarrier) { b.OnProcessExit(exitCode, signal) })

	if dryRun && code != nil && *code == 0 {
		m.initResult.TryComplete(nil)
	} else {
		initErr := fmt.Errorf("%w: proxy worker exited during initialization (code %d, signal '%s')", ErrSessionTerminated, exitCode, signal)
		if stderr := strings.TrimSpace(worker.Stderr()); stderr != "" {
			initErr = fmt.Errorf("%w: %s", initErr, stderr)
		}
		m.initResult.TryComplete(initErr)
	}

	m.rejectAll(fmt.Errorf("%w: proxy worker exited", ErrSessionTerminated))

	if !alreadyTerminated {
		m.emit(Notification{
			Kind:      NotificationExit,
			SessionID: sessionID,
			Status:    StatusTerminated,
			Code:      exitCode,
			Signal:    signal,
			Source:    NewExitStatusMessage(sessionID, StatusTerminated, code, signal),
		})
	}
	m.closeEvents()
}

// Stop terminates the session. It asks the worker to shut down, waits up to StopTimeout for it
// to exit, and kills it otherwise. Every outstanding request fails with ErrSessionTerminated.
func (m *ProxyManager) Stop(ctx context.Context) error {
	return m.stop(ctx, true)
}

func (m *ProxyManager) stop(ctx context.Context, graceful bool) error {
	m.stopOnce.Do(func() {
		m.lock.Lock()
		m.stopped = true
		worker := m.worker
		sessionID := m.state.SessionID
		if graceful && worker != nil {
			m.forwardLocked(NewTerminateCommand(sessionID))
		}
		m.lock.Unlock()

		m.initResult.TryComplete(fmt.Errorf("%w: session stopped", ErrSessionTerminated))

		if worker == nil {
			m.lifetimeCancel()
			m.closeEvents()
			return
		}

		m.log.Info("Stopping proxy worker", "graceful", graceful)

		exited := false
		if graceful {
			timer := time.NewTimer(m.opts.StopTimeout)
			select {
			case <-worker.Exited():
				exited = true
			case <-timer.C:
				m.log.Info("Proxy worker did not exit in time, killing it", "timeout", m.opts.StopTimeout)
			case <-ctx.Done():
			}
			timer.Stop()
		}

		var errs []error
		if !exited {
			if killErr := worker.Kill(); killErr != nil {
				errs = append(errs, fmt.Errorf("failed to kill proxy worker: %w", killErr))
			}
		}

		m.rejectAll(fmt.Errorf("%w: session stopped", ErrSessionTerminated))
		m.lifetimeCancel()
		m.stopErr = filterContextError(errors.Join(errs...), ctx, m.log)
	})
	return m.stopErr
}

// Events returns the notification stream of the session. The channel is closed once the worker exits.
func (m *ProxyManager) Events() <-chan Notification {
	return m.events.Out
}

func (m *ProxyManager) emit(n Notification) {
	m.eventsLock.Lock()
	defer m.eventsLock.Unlock()
	if m.eventsClosed {
		return
	}
	m.events.In <- n
}

func (m *ProxyManager) closeEvents() {
	m.eventsLock.Lock()
	defer m.eventsLock.Unlock()
	if !m.eventsClosed {
		m.eventsClosed = true
		close(m.events.In)
	}
}

// IsRunning reports whether the worker has been started and has neither exited nor been stopped.
func (m *ProxyManager) IsRunning() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.started && m.worker != nil && !m.stopped && !m.exited
}

// CurrentThreadID returns the thread of the last "stopped" event, if any.
func (m *ProxyManager) CurrentThreadID() (int, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.state.CurrentThreadID == nil {
		return 0, false
	}
	return *m.state.CurrentThreadID, true
}

// State returns a snapshot of the session state.
func (m *ProxyManager) State() SessionState {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

// Done is closed once the worker has exited and all of its messages have been processed.
func (m *ProxyManager) Done() <-chan struct{} {
	return m.dispatchDone
}

func (m *ProxyManager) barriersLocked() []LaunchBarrier {
	var barriers []LaunchBarrier
	for _, call := range m.calls {
		if call.barrier != nil {
			barriers = append(barriers, call.barrier)
		}
	}
	return barriers
}

func (m *ProxyManager) logEffect(effect Effect) {
	switch effect.Level {
	case LogLevelDebug:
		m.log.V(1).Info(effect.Message)
	case LogLevelError:
		m.log.Error(effect.Err, effect.Message)
	default:
		if effect.Err != nil {
			m.log.Info(effect.Message, "level", effect.Level, "error", effect.Err.Error())
		} else {
			m.log.Info(effect.Message, "level", effect.Level)
		}
	}
}
