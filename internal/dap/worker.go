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
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/tidwall/sjson"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/process"
)

// WorkerState is the lifecycle state of a ProxyWorker.
type WorkerState string

const (
	WorkerStateUninitialized WorkerState = "UNINITIALIZED"
	WorkerStateInitializing  WorkerState = "INITIALIZING"
	WorkerStateConnected     WorkerState = "CONNECTED"
	WorkerStateShuttingDown  WorkerState = "SHUTTING_DOWN"
	WorkerStateTerminated    WorkerState = "TERMINATED"
)

const (
	// DefaultWorkspaceRoot is where relative script paths resolve when running in a container.
	DefaultWorkspaceRoot = "/workspace"

	disconnectTimeout = time.Second
)

// ProxyWorkerOptions configures a ProxyWorker.
type ProxyWorkerOptions struct {
	// Executor starts the debug adapter process. Defaults to an OS executor.
	Executor process.Executor

	// Contained resolves relative script paths under WorkspaceRoot.
	Contained     bool
	WorkspaceRoot string

	// PolicyFor selects the adapter policy for a language. Defaults to PolicyForLanguage.
	PolicyFor func(language string) AdapterPolicy

	Logger logr.Logger
}

// ProxyWorker owns the connection to one debug adapter. It receives WorkerCommands, drives the
// DAP session, and reports everything it observes as ProxyMessages through its sink.
type ProxyWorker struct {
	opts ProxyWorkerOptions
	log  logr.Logger

	sink     func(ProxyMessage)
	sinkLock sync.Mutex

	lock       sync.Mutex
	state      WorkerState
	sessionID  string
	config     *ProxyConfig
	policy     AdapterPolicy
	client     *Client
	adapter    *LaunchedAdapter
	children   *ChildSessionCoordinator
	launchArgs json.RawMessage

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

// NewProxyWorker creates a worker that reports to sink. The sink is never called concurrently.
func NewProxyWorker(sink func(ProxyMessage), opts ProxyWorkerOptions) *ProxyWorker {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if opts.Executor == nil {
		opts.Executor = process.NewOSExecutor(log)
	}
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = DefaultWorkspaceRoot
	}
	if opts.PolicyFor == nil {
		opts.PolicyFor = PolicyForLanguage
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ProxyWorker{
		opts:   opts,
		log:    log.WithName("worker"),
		sink:   sink,
		state:  WorkerStateUninitialized,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (w *ProxyWorker) State() WorkerState {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.state
}

// Done is closed when the worker reaches the TERMINATED state.
func (w *ProxyWorker) Done() <-chan struct{} {
	return w.done
}

// HandleCommand processes one command from the manager. It does not block on DAP traffic:
// requests are written to the adapter in the order commands arrive and answered asynchronously.
func (w *ProxyWorker) HandleCommand(cmd WorkerCommand) {
	if validateErr := cmd.Validate(); validateErr != nil {
		w.log.Info("Ignoring invalid worker command", "error", validateErr.Error())
		w.sendError(cmd.SessionID, fmt.Sprintf("Invalid command: %s", validateErr))
		return
	}

	switch cmd.Cmd {
	case WorkerCommandInit:
		w.handleInit(cmd)
	case WorkerCommandDap:
		w.handleDapCommand(cmd)
	case WorkerCommandTerminate:
		go w.handleTerminate()
	}
}

func (w *ProxyWorker) handleInit(cmd WorkerCommand) {
	w.lock.Lock()
	if w.state != WorkerStateUninitialized {
		state := w.state
		w.lock.Unlock()
		w.sendError(cmd.SessionID, fmt.Sprintf("Invalid state for init: %s", state))
		return
	}
	w.state = WorkerStateInitializing
	w.sessionID = cmd.SessionID
	w.config = cmd.Config
	w.policy = w.opts.PolicyFor(cmd.Config.Language)
	w.lock.Unlock()

	w.log = w.log.WithValues("sessionId", cmd.SessionID)
	w.log.Info("Initializing debug session", "language", cmd.Config.Language, "policy", w.policy.Name)

	go func() {
		if initErr := w.initialize(w.ctx, cmd.Config); initErr != nil {
			if w.isShuttingDown() {
				return
			}
			w.log.Error(initErr, "Failed to initialize debug session")
			w.sendError(w.sessionID, fmt.Sprintf("Failed to initialize: %s", initErr))
			w.Shutdown()
		}
	}()
}

func (w *ProxyWorker) initialize(ctx context.Context, cfg *ProxyConfig) error {
	if validateErr := cfg.Validate(); validateErr != nil {
		return validateErr
	}

	scriptPath := w.resolveScriptPath(cfg.ScriptPath)
	if _, statErr := os.Stat(scriptPath); statErr != nil {
		return fmt.Errorf("script path not found: %s: %w", scriptPath, statErr)
	}

	if cfg.DryRun {
		command := cfg.DryRunCommandLine()
		w.log.Info("Dry run, not starting the debug adapter", "command", command, "script", scriptPath)
		w.send(NewDryRunCompleteMessage(w.sessionID, command, scriptPath))
		w.setState(WorkerStateTerminated)
		w.finish()
		return nil
	}

	effective := *cfg
	effective.ScriptPath = scriptPath
	launchArgs, argsErr := effective.LaunchArguments()
	if argsErr != nil {
		return argsErr
	}

	transport, connectErr := w.connect(ctx, cfg)
	if connectErr != nil {
		return connectErr
	}

	client := NewClient(ctx, transport, ClientConfig{
		EventHandler:          w.onAdapterEvent,
		ReverseRequestHandler: w.onReverseRequest,
		Logger:                w.log.WithName("dap-client"),
	})

	var children *ChildSessionCoordinator
	if w.policy.ReverseRequestAction(ReverseRequestStartDebugging) == ReverseActionCreateChild {
		children = NewChildSessionCoordinator(ChildSessionCoordinatorConfig{
			Policy:       w.policy,
			Endpoint:     cfg.Endpoint(),
			ParentConfig: launchArgs,
			EventSink: func(event string, body json.RawMessage) {
				w.send(NewEventMessage(w.sessionID, event, body))
			},
			Logger: w.log,
		})
	}

	w.lock.Lock()
	if w.state != WorkerStateInitializing {
		w.lock.Unlock()
		_ = client.Close()
		return fmt.Errorf("%w: worker stopped during initialization", ErrSessionTerminated)
	}
	w.client = client
	w.children = children
	w.launchArgs = launchArgs
	w.lock.Unlock()

	go w.watchClient(client)
	w.send(NewStatusMessage(w.sessionID, StatusAdapterConnected))

	initCtx, initCancel := context.WithTimeout(ctx, w.policy.TimeoutFor("initialize"))
	defer initCancel()
	if _, initErr := client.SendRequest(initCtx, "initialize", w.initializeArguments(cfg)); initErr != nil {
		return fmt.Errorf("initialize request failed: %w", initErr)
	}

	w.log.Info("Sending launch request", "args", string(launchArgs))
	launchCtx, launchCancel := context.WithTimeout(ctx, w.policy.TimeoutFor("launch"))
	defer launchCancel()
	if _, launchErr := client.SendRequest(launchCtx, "launch", launchArgs); launchErr != nil {
		return fmt.Errorf("launch request failed: %w", launchErr)
	}

	w.log.Info("Launch request acknowledged")
	return nil
}

// connect starts the adapter if the configuration describes one, and returns the transport to it.
func (w *ProxyWorker) connect(ctx context.Context, cfg *ProxyConfig) (Transport, error) {
	var adapterDone <-chan struct{}

	if cfg.Adapter != nil {
		adapter, launchErr := LaunchDebugAdapter(ctx, w.opts.Executor, cfg.Adapter, cfg.AdapterPort, w.log.WithName("adapter"))
		if launchErr != nil {
			return nil, launchErr
		}

		w.lock.Lock()
		w.adapter = adapter
		w.lock.Unlock()
		go w.watchAdapter(adapter)

		if adapter.Transport != nil {
			return adapter.Transport, nil
		}
		adapterDone = adapter.Done()
	}

	return ConnectAdapter(ctx, cfg.Endpoint(), adapterDone, w.log)
}

func (w *ProxyWorker) initializeArguments(cfg *ProxyConfig) json.RawMessage {
	adapterID := cfg.Language
	if adapterID == "" {
		adapterID = "debug"
	}
	args, _ := json.Marshal(dap.InitializeRequestArguments{
		ClientID:                     "mcp-proxy-" + cfg.SessionID,
		ClientName:                   "MCP Debug Proxy",
		AdapterID:                    adapterID,
		PathFormat:                   "path",
		LinesStartAt1:                true,
		ColumnsStartAt1:              true,
		SupportsVariableType:         true,
		SupportsRunInTerminalRequest: false,
		Locale:                       "en-US",
	})
	if w.policy.ReverseRequestAction(ReverseRequestStartDebugging) == ReverseActionCreateChild {
		if withChildren, setErr := sjson.SetBytes(args, "supportsStartDebuggingRequest", true); setErr == nil {
			args = withChildren
		}
	}
	return args
}

func (w *ProxyWorker) resolveScriptPath(scriptPath string) string {
	if w.opts.Contained && !filepath.IsAbs(scriptPath) {
		return filepath.Join(w.opts.WorkspaceRoot, scriptPath)
	}
	return scriptPath
}

func (w *ProxyWorker) watchAdapter(adapter *LaunchedAdapter) {
	<-adapter.Done()
	code := adapter.ExitCode()
	signal := adapter.Signal()
	w.log.Info("Debug adapter process exited", "exitCode", code, "signal", signal)
	w.send(NewExitStatusMessage(w.sessionID, StatusAdapterExited, code, signal))
}

func (w *ProxyWorker) watchClient(client *Client) {
	<-client.Done()
	if w.isShuttingDown() {
		return
	}
	w.log.Info("DAP connection closed", "reason", client.Err())
	w.send(NewExitStatusMessage(w.sessionID, StatusDapConnectionClosed, nil, ""))
	w.Shutdown()
}

func (w *ProxyWorker) onAdapterEvent(event dap.EventMessage) {
	name := event.GetEvent().Event

	if name == "initialized" {
		w.handleInitializedEvent()
		return
	}

	w.log.V(1).Info("DAP event", "event", name)
	w.send(NewEventMessage(w.sessionID, name, eventBody(event)))

	if name == "terminated" {
		go w.Shutdown()
	}
}

// handleInitializedEvent runs the configuration sequence: initial breakpoints, then configurationDone.
func (w *ProxyWorker) handleInitializedEvent() {
	w.lock.Lock()
	client, cfg, children, state := w.client, w.config, w.children, w.state
	w.lock.Unlock()

	if state != WorkerStateInitializing || client == nil {
		w.log.V(1).Info("Ignoring 'initialized' event", "state", state)
		return
	}
	w.log.Info("DAP 'initialized' event received")

	configErr := func() error {
		for file, bps := range groupBreakpoints(cfg.InitialBreakpoints) {
			args := setBreakpointsArguments(w.resolveScriptPath(file), bps)
			if _, bpErr := w.request(client, "setBreakpoints", args); bpErr != nil {
				return fmt.Errorf("setBreakpoints failed: %w", bpErr)
			}
			if children != nil {
				children.StoreBreakpoints(w.ctx, args)
			}
		}

		if children != nil && w.policy.DeferParentConfigDone {
			if !children.ParentConfigDoneGate().Wait(w.ctx, w.policy.childInitTimeout()) {
				w.log.Info("Child session not ready, sending configurationDone anyway")
			}
		}

		if _, doneErr := w.request(client, "configurationDone", json.RawMessage(`{}`)); doneErr != nil {
			return fmt.Errorf("configurationDone failed: %w", doneErr)
		}
		return nil
	}()

	if configErr != nil {
		if w.isShuttingDown() {
			return
		}
		w.log.Error(configErr, "Error in DAP configuration sequence")
		w.sendError(w.sessionID, fmt.Sprintf("Error in DAP sequence: %s", configErr))
		go w.Shutdown()
		return
	}

	if !w.transition(WorkerStateInitializing, WorkerStateConnected) {
		return
	}
	w.send(NewStatusMessage(w.sessionID, StatusAdapterConfiguredAndLaunched))
}

func (w *ProxyWorker) onReverseRequest(req dap.RequestMessage) {
	w.lock.Lock()
	client, children := w.client, w.children
	w.lock.Unlock()
	if client == nil {
		return
	}

	request := req.GetRequest()
	kind := ClassifyReverseRequest(req)

	switch w.policy.ReverseRequestAction(kind) {
	case ReverseActionAcknowledge:
		w.log.V(1).Info("Acknowledging reverse request", "command", request.Command)
		if respondErr := client.Respond(request, true, "", json.RawMessage(`{}`)); respondErr != nil {
			w.log.Error(respondErr, "Failed to answer reverse request", "command", request.Command)
		}

	case ReverseActionCreateChild:
		if respondErr := client.Respond(request, true, "", json.RawMessage(`{}`)); respondErr != nil {
			w.log.Error(respondErr, "Failed to answer reverse request", "command", request.Command)
		}
		startReq, isStart := req.(*dap.StartDebuggingRequest)
		if !isStart || children == nil {
			return
		}
		if adoptErr := children.HandleStartDebugging(w.ctx, startReq); adoptErr != nil {
			if errors.Is(adoptErr, ErrChildSessionRejected) {
				w.log.V(1).Info("Child session request ignored", "reason", adoptErr.Error())
				return
			}
			w.send(NewErrorMessage(w.sessionID, fmt.Sprintf("Child session failed: %s", adoptErr)))
		}

	default:
		w.log.Info("Rejecting unsupported reverse request", "command", request.Command)
		message := fmt.Sprintf("reverse request '%s' is not supported", request.Command)
		if respondErr := client.Respond(request, false, message, nil); respondErr != nil {
			w.log.Error(respondErr, "Failed to reject reverse request", "command", request.Command)
		}
	}
}

func (w *ProxyWorker) handleDapCommand(cmd WorkerCommand) {
	w.lock.Lock()
	state, client, children := w.state, w.client, w.children
	w.lock.Unlock()

	if state != WorkerStateConnected || client == nil {
		w.send(NewResponseMessage(cmd.SessionID, cmd.RequestID, false, nil, "DAP client not connected"))
		return
	}

	if cmd.DapCommand == "setBreakpoints" && children != nil {
		children.StoreBreakpoints(w.ctx, cmd.DapArgs)
	}

	target := client
	if children != nil {
		if child, routed := children.Route(w.ctx, cmd.DapCommand); routed {
			w.log.V(1).Info("Routing command to child session", "command", cmd.DapCommand)
			target = child
		}
	}

	reqCtx, cancel := context.WithTimeout(w.ctx, w.policy.TimeoutFor(cmd.DapCommand))
	target.SendAsync(reqCtx, cmd.DapCommand, cmd.DapArgs, func(resp dap.ResponseMessage, sendErr error) {
		cancel()

		var timeoutErr *DapRequestTimeoutError
		switch {
		case errors.As(sendErr, &timeoutErr):
			w.log.Error(sendErr, "DAP request timed out", "command", cmd.DapCommand, "requestId", cmd.RequestID)
			w.send(NewResponseMessage(cmd.SessionID, cmd.RequestID, false, nil, fmt.Sprintf("Request '%s' timed out", cmd.DapCommand)))
		case sendErr != nil:
			w.log.V(1).Info("DAP command failed", "command", cmd.DapCommand, "error", sendErr.Error())
			w.send(NewResponseMessage(cmd.SessionID, cmd.RequestID, false, marshalResponse(resp), sendErr.Error()))
		default:
			w.send(NewResponseMessage(cmd.SessionID, cmd.RequestID, true, marshalResponse(resp), ""))
		}
	})
}

func (w *ProxyWorker) handleTerminate() {
	w.log.Info("Received terminate command")
	w.shutdown()
	w.send(NewStatusMessage(w.sessionID, StatusTerminated))
	w.finish()
}

// Shutdown disconnects from the adapter, stops it, and terminates the worker.
func (w *ProxyWorker) Shutdown() {
	w.shutdown()
	w.finish()
}

// shutdown does the teardown work. Only the first call does anything.
func (w *ProxyWorker) shutdown() {
	w.lock.Lock()
	if w.state == WorkerStateShuttingDown || w.state == WorkerStateTerminated {
		w.lock.Unlock()
		return
	}
	w.state = WorkerStateShuttingDown
	client, adapter, children := w.client, w.adapter, w.children
	w.lock.Unlock()

	w.log.Info("Shutting down")

	if children != nil {
		children.Close()
	}

	if client != nil {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		args := json.RawMessage(`{"terminateDebuggee":true}`)
		if _, disconnectErr := client.SendRequest(disconnectCtx, "disconnect", args); disconnectErr != nil {
			w.log.V(1).Info("Disconnect request failed", "error", disconnectErr.Error())
		}
		cancel()
		_ = client.Close()
	}

	if adapter != nil {
		if stopErr := adapter.Stop(); stopErr != nil {
			w.log.V(1).Info("Failed to stop debug adapter", "error", stopErr.Error())
		}
		_ = adapter.Close()
	}

	w.cancel()
	w.setState(WorkerStateTerminated)
	w.log.Info("Shutdown complete")
}

func (w *ProxyWorker) finish() {
	w.doneOnce.Do(func() {
		w.cancel()
		close(w.done)
	})
}

func (w *ProxyWorker) request(client *Client, command string, args json.RawMessage) (dap.ResponseMessage, error) {
	ctx, cancel := context.WithTimeout(w.ctx, w.policy.TimeoutFor(command))
	defer cancel()
	return client.SendRequest(ctx, command, args)
}

func (w *ProxyWorker) setState(state WorkerState) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.state = state
}

// transition moves from one state to another, and reports false if the worker was not in the expected state.
func (w *ProxyWorker) transition(from, to WorkerState) bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.state != from {
		return false
	}
	w.state = to
	return true
}

func (w *ProxyWorker) isShuttingDown() bool {
	state := w.State()
	return state == WorkerStateShuttingDown || state == WorkerStateTerminated
}

func (w *ProxyWorker) send(msg ProxyMessage) {
	if msg.SessionID == "" {
		msg.SessionID = "unknown"
	}
	w.sinkLock.Lock()
	defer w.sinkLock.Unlock()
	w.sink(msg)
}

func (w *ProxyWorker) sendError(sessionID, message string) {
	w.send(NewErrorMessage(sessionID, message))
}

// groupBreakpoints groups initial breakpoints by file, as setBreakpoints replaces all breakpoints of a source.
func groupBreakpoints(breakpoints []Breakpoint) map[string]json.RawMessage {
	byFile := make(map[string][]dap.SourceBreakpoint)
	for _, bp := range breakpoints {
		byFile[bp.File] = append(byFile[bp.File], dap.SourceBreakpoint{Line: bp.Line, Condition: bp.Condition})
	}

	grouped := make(map[string]json.RawMessage, len(byFile))
	for file, bps := range byFile {
		raw, _ := json.Marshal(bps)
		grouped[file] = raw
	}
	return grouped
}

func marshalResponse(resp dap.ResponseMessage) json.RawMessage {
	if resp == nil {
		return nil
	}
	raw, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		return nil
	}
	return raw
}
