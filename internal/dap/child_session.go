// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/tidwall/gjson"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/concurrency"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/resiliency"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/syncmap"
)

// childSessionTimings bounds every wait of the child adoption sequence.
type childSessionTimings struct {
	attachAttempts     uint64
	attachInterval     time.Duration
	attachTimeout      time.Duration
	postAttachInitWait time.Duration
	stoppedWait        time.Duration
	threadsTimeout     time.Duration
	requestTimeout     time.Duration
	routePollInterval  time.Duration
}

var defaultChildSessionTimings = childSessionTimings{
	attachAttempts:     20,
	attachInterval:     200 * time.Millisecond,
	attachTimeout:      20 * time.Second,
	postAttachInitWait: 3 * time.Second,
	stoppedWait:        15 * time.Second,
	threadsTimeout:     5 * time.Second,
	requestTimeout:     10 * time.Second,
	routePollInterval:  50 * time.Millisecond,
}

// ChildSessionConfig describes one child session to adopt.
type ChildSessionConfig struct {
	// Endpoint is the address of the adapter that serves the child session.
	Endpoint string

	// PendingTargetID is the correlation id the adapter put in the startDebugging request.
	PendingTargetID string

	// ParentConfig is a snapshot of the parent's launch arguments.
	ParentConfig json.RawMessage
}

// ChildSessionCoordinatorConfig configures a ChildSessionCoordinator.
type ChildSessionCoordinatorConfig struct {
	Policy AdapterPolicy

	// Endpoint is the adapter address children connect to.
	Endpoint string

	// ParentConfig is the parent's launch arguments, used to build child attach arguments.
	ParentConfig json.RawMessage

	// EventSink receives every event raised by a child session.
	EventSink func(event string, body json.RawMessage)

	// Dial connects to a child endpoint. Defaults to DialTCP.
	Dial func(ctx context.Context, address string) (Transport, error)

	Logger logr.Logger
}

// ParentConfigDoneGate holds the parent's configurationDone until a child session is ready.
type ParentConfigDoneGate struct {
	opened *concurrency.OneTimeJob[struct{}]
}

func NewParentConfigDoneGate() *ParentConfigDoneGate {
	return &ParentConfigDoneGate{opened: concurrency.NewOneTimeJob[struct{}]()}
}

// Open releases every current and future waiter. Calling it more than once is harmless.
func (g *ParentConfigDoneGate) Open() {
	g.opened.TryComplete(struct{}{})
}

// Wait blocks until the gate is open, the timeout elapses, or ctx is done. Returns true if the gate opened.
func (g *ParentConfigDoneGate) Wait(ctx context.Context, timeout time.Duration) bool {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, waitErr := g.opened.WaitResultContext(waitCtx)
	return waitErr == nil
}

// ChildSessionCoordinator adopts child debug sessions announced by the adapter through
// startDebugging reverse requests. At most one child is adopted at a time.
type ChildSessionCoordinator struct {
	config  ChildSessionCoordinatorConfig
	policy  AdapterPolicy
	log     logr.Logger
	timings childSessionTimings

	adopted     syncmap.Map[string, time.Time]
	children    syncmap.Map[string, *Client]
	breakpoints syncmap.Map[string, json.RawMessage]

	lock       sync.Mutex
	adopting   bool
	active     *Client
	activeID   string
	childReady bool
	closed     bool

	gate *ParentConfigDoneGate
}

func NewChildSessionCoordinator(config ChildSessionCoordinatorConfig) *ChildSessionCoordinator {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	if config.Dial == nil {
		config.Dial = DialTCP
	}
	if config.EventSink == nil {
		config.EventSink = func(string, json.RawMessage) {}
	}

	return &ChildSessionCoordinator{
		config:  config,
		policy:  config.Policy,
		log:     log.WithName("child-session"),
		timings: defaultChildSessionTimings,
		gate:    NewParentConfigDoneGate(),
	}
}

// ParentConfigDoneGate returns the gate that opens once a child session finished its setup (or failed).
func (c *ChildSessionCoordinator) ParentConfigDoneGate() *ParentConfigDoneGate {
	return c.gate
}

// PendingTargetID extracts the correlation id from a startDebugging request.
func PendingTargetID(req *dap.StartDebuggingRequest) string {
	raw, marshalErr := json.Marshal(req.Arguments.Configuration)
	if marshalErr != nil {
		return ""
	}
	id := gjson.GetBytes(raw, "__pendingTargetId")
	if id.Type != gjson.String {
		return ""
	}
	return id.Str
}

// HandleStartDebugging adopts the child session announced by req. It returns ErrChildSessionRejected
// for duplicate targets and while another adoption is in progress or a child is active.
func (c *ChildSessionCoordinator) HandleStartDebugging(ctx context.Context, req *dap.StartDebuggingRequest) error {
	pendingID := PendingTargetID(req)
	if pendingID == "" {
		return fmt.Errorf("%w: startDebugging request without __pendingTargetId", ErrChildSessionRejected)
	}

	return c.Adopt(ctx, ChildSessionConfig{
		Endpoint:        c.config.Endpoint,
		PendingTargetID: pendingID,
		ParentConfig:    c.config.ParentConfig,
	})
}

// Adopt connects to the child endpoint and runs the child setup sequence:
// initialize, configuration, attach, and the optional initial pause.
func (c *ChildSessionCoordinator) Adopt(ctx context.Context, config ChildSessionConfig) error {
	pendingID := config.PendingTargetID
	log := c.log.WithValues("pendingTargetId", pendingID)

	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return fmt.Errorf("%w: coordinator is closed", ErrChildSessionRejected)
	}
	if _, found := c.adopted.Load(pendingID); found {
		c.lock.Unlock()
		log.Info("Pending target already adopted")
		return fmt.Errorf("%w: target '%s' already adopted", ErrChildSessionRejected, pendingID)
	}
	if c.adopting || c.active != nil {
		c.lock.Unlock()
		log.Info("Ignoring child session request; adoption in progress or child active")
		return fmt.Errorf("%w: adoption in progress or child active", ErrChildSessionRejected)
	}
	c.adopting = true
	c.adopted.Store(pendingID, time.Now())
	c.lock.Unlock()

	child, adoptErr := c.adopt(ctx, config, log)

	c.lock.Lock()
	c.adopting = false
	if adoptErr == nil && !c.closed {
		c.childReady = true
	}
	closed := c.closed
	c.lock.Unlock()

	// Never leave the parent waiting on a child that will not come.
	c.gate.Open()

	if adoptErr != nil {
		log.Error(adoptErr, "Failed to create child session")
		if child != nil {
			c.dropChild(pendingID, child)
		}
		return adoptErr
	}
	if closed {
		c.dropChild(pendingID, child)
		return fmt.Errorf("%w: coordinator closed during adoption", ErrChildSessionRejected)
	}

	log.Info("Child session created")
	return nil
}

func (c *ChildSessionCoordinator) adopt(ctx context.Context, config ChildSessionConfig, log logr.Logger) (*Client, error) {
	transport, dialErr := c.config.Dial(ctx, config.Endpoint)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to connect child session to %s: %w", config.Endpoint, dialErr)
	}

	child := NewClient(ctx, transport, ClientConfig{
		EventHandler: func(event dap.EventMessage) {
			c.config.EventSink(event.GetEvent().Event, eventBody(event))
		},
		ReverseRequestHandler: func(req dap.RequestMessage) {
			if owner, found := c.children.Load(config.PendingTargetID); found {
				c.handleChildReverseRequest(owner, req)
			}
		},
		Logger: log,
	})
	c.children.Store(config.PendingTargetID, child)

	c.lock.Lock()
	c.active = child
	c.activeID = config.PendingTargetID
	c.lock.Unlock()

	initialized := child.ExpectEvent("initialized")
	log.Info("initialize")
	if _, initErr := c.request(ctx, child, "initialize", c.initializeArguments(config.PendingTargetID), c.timings.requestTimeout); initErr != nil {
		initialized.Cancel()
		return child, fmt.Errorf("child initialize failed: %w", initErr)
	}
	if _, ok := initialized.Wait(ctx, c.policy.childInitTimeout()); !ok {
		log.Info("Timeout waiting for child 'initialized' event")
	}

	c.configure(ctx, child, log)

	attachArgs, argsErr := c.policy.ChildAttachArguments(config.PendingTargetID, config.ParentConfig)
	if argsErr != nil {
		return child, argsErr
	}

	// Register before attaching so that events raised right after the attach are not missed.
	postAttachInit := child.ExpectEvent("initialized")
	stopped := child.ExpectEvent("stopped")

	attempt := 0
	attachErr := resiliency.Retry(ctx, resiliency.ConstantBackoff(c.timings.attachInterval, c.timings.attachAttempts-1), func() error {
		attempt++
		log.V(1).Info("attach", "attempt", attempt)
		_, reqErr := c.request(ctx, child, "attach", attachArgs, c.timings.attachTimeout)
		if reqErr != nil && IsSessionError(reqErr) {
			return resiliency.Permanent(reqErr)
		}
		return reqErr
	})
	if attachErr != nil {
		postAttachInit.Cancel()
		stopped.Cancel()
		return child, fmt.Errorf("failed to attach child after %d attempts: %w", attempt, attachErr)
	}

	if _, sawInit := postAttachInit.Wait(ctx, c.timings.postAttachInitWait); sawInit && c.policy.MirrorBreakpointsToChild {
		log.V(1).Info("Re-sending configuration after post-attach initialized event")
		c.sendExceptionBreakpoints(ctx, child, log)
		c.mirrorBreakpoints(ctx, child, log)
	}

	if c.policy.PauseAfterChildAttach {
		c.ensureStopped(ctx, child, stopped, log)
	} else {
		stopped.Cancel()
	}

	return child, nil
}

func (c *ChildSessionCoordinator) initializeArguments(pendingID string) json.RawMessage {
	adapterID := c.policy.ChildAdapterType
	if adapterID == "" {
		adapterID = "pwa-node"
	}
	args, _ := json.Marshal(dap.InitializeRequestArguments{
		ClientID:        "mcp-child-" + pendingID,
		AdapterID:       adapterID,
		PathFormat:      "path",
		LinesStartAt1:   true,
		ColumnsStartAt1: true,
	})
	return args
}

func (c *ChildSessionCoordinator) configure(ctx context.Context, child *Client, log logr.Logger) {
	c.sendExceptionBreakpoints(ctx, child, log)

	if c.policy.MirrorBreakpointsToChild {
		c.mirrorBreakpoints(ctx, child, log)
	}

	if !c.policy.SuppressPostAttachConfigDone {
		if _, doneErr := c.request(ctx, child, "configurationDone", json.RawMessage(`{}`), c.timings.requestTimeout); doneErr != nil {
			log.V(1).Info("configurationDone failed or not required", "error", doneErr.Error())
		}
	}
}

func (c *ChildSessionCoordinator) sendExceptionBreakpoints(ctx context.Context, child *Client, log logr.Logger) {
	if _, excErr := c.request(ctx, child, "setExceptionBreakpoints", json.RawMessage(`{"filters":[]}`), c.timings.requestTimeout); excErr != nil {
		log.V(1).Info("setExceptionBreakpoints failed or not supported", "error", excErr.Error())
	}
}

func (c *ChildSessionCoordinator) mirrorBreakpoints(ctx context.Context, child *Client, log logr.Logger) {
	c.breakpoints.Range(func(path string, bps json.RawMessage) bool {
		args := setBreakpointsArguments(path, bps)
		if _, bpErr := c.request(ctx, child, "setBreakpoints", args, c.timings.requestTimeout); bpErr != nil {
			log.Info("Mirroring breakpoints to child failed", "path", path, "error", bpErr.Error())
		}
		return true
	})
}

// ensureStopped makes sure the child is paused after attach: it waits for a stopped event
// and otherwise pauses the first thread.
func (c *ChildSessionCoordinator) ensureStopped(ctx context.Context, child *Client, stopped *EventWaiter, log logr.Logger) {
	if _, sawStop := stopped.Wait(ctx, c.timings.stoppedWait); sawStop {
		return
	}

	resp, threadsErr := c.request(ctx, child, "threads", json.RawMessage(`{}`), c.timings.threadsTimeout)
	if threadsErr != nil {
		log.Info("Could not retrieve threads for pause", "error", threadsErr.Error())
		return
	}

	threads := gjson.GetBytes(responseBody(resp), "threads")
	if !threads.IsArray() || len(threads.Array()) == 0 {
		return
	}

	threadID := int(threads.Array()[0].Get("id").Int())
	log.Info("Pausing child thread", "threadId", threadID)
	ids := []int{threadID}
	if threadID == 0 {
		// js-debug sometimes reports thread 0 while the real thread is 1.
		ids = append(ids, 1)
	}
	for _, id := range ids {
		args, _ := json.Marshal(dap.PauseArguments{ThreadId: id})
		if _, pauseErr := c.request(ctx, child, "pause", args, c.timings.requestTimeout); pauseErr != nil {
			log.V(1).Info("Pause failed", "threadId", id, "error", pauseErr.Error())
		}
	}
}

func (c *ChildSessionCoordinator) handleChildReverseRequest(child *Client, req dap.RequestMessage) {
	request := req.GetRequest()
	if c.policy.ReverseRequestAction(ClassifyReverseRequest(req)) == ReverseActionAcknowledge {
		_ = child.Respond(request, true, "", json.RawMessage(`{}`))
		return
	}
	_ = child.Respond(request, false, fmt.Sprintf("reverse request '%s' is not supported in child sessions", request.Command), nil)
}

func (c *ChildSessionCoordinator) request(ctx context.Context, child *Client, command string, args json.RawMessage, timeout time.Duration) (dap.ResponseMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return child.SendRequest(reqCtx, command, args)
}

// StoreBreakpoints remembers breakpoints set on the parent so they can be mirrored into child sessions.
// args are the arguments of a parent setBreakpoints request. The active child receives them right away.
func (c *ChildSessionCoordinator) StoreBreakpoints(ctx context.Context, args json.RawMessage) {
	if !c.policy.MirrorBreakpointsToChild {
		return
	}

	path := gjson.GetBytes(args, "source.path")
	if path.Type != gjson.String || path.Str == "" {
		return
	}
	absPath := path.Str
	if resolved, absErr := filepath.Abs(absPath); absErr == nil {
		absPath = resolved
	}

	bps := json.RawMessage(`[]`)
	if raw := gjson.GetBytes(args, "breakpoints"); raw.IsArray() {
		bps = json.RawMessage(raw.Raw)
	}
	c.breakpoints.Store(absPath, bps)

	if child, ready := c.readyChild(); ready {
		reqCtx, cancel := context.WithTimeout(ctx, c.timings.requestTimeout)
		child.SendAsync(reqCtx, "setBreakpoints", setBreakpointsArguments(absPath, bps), func(_ dap.ResponseMessage, mirrorErr error) {
			cancel()
			if mirrorErr != nil {
				c.log.V(1).Info("Mirroring breakpoints to active child failed", "path", absPath, "error", mirrorErr.Error())
			}
		})
	}
}

// Route returns the child session a command should be sent to. It returns false when the
// command belongs to the parent. While a child is being adopted, Route polls until the child is
// ready or the child init timeout elapses.
func (c *ChildSessionCoordinator) Route(ctx context.Context, command string) (*Client, bool) {
	if !c.policy.IsChildRouted(command) {
		return nil, false
	}

	if child, ready := c.readyChild(); ready {
		return child, true
	}
	if !c.IsAdopting() {
		return nil, false
	}

	var routed *Client
	pollErr := wait.PollUntilContextTimeout(ctx, c.timings.routePollInterval, c.policy.childInitTimeout(), true, func(context.Context) (bool, error) {
		child, ready := c.readyChild()
		if ready {
			routed = child
			return true, nil
		}
		return !c.IsAdopting(), nil
	})
	if pollErr != nil || routed == nil {
		c.log.V(1).Info("No child session available for routed command", "command", command)
		return nil, false
	}
	return routed, true
}

func (c *ChildSessionCoordinator) IsAdopting() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.adopting
}

// HasActiveChild reports whether a child session has been adopted and is still connected.
func (c *ChildSessionCoordinator) HasActiveChild() bool {
	_, ready := c.readyChild()
	return ready
}

func (c *ChildSessionCoordinator) readyChild() (*Client, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.active == nil || !c.childReady {
		return nil, false
	}
	select {
	case <-c.active.Done():
		return nil, false
	default:
		return c.active, true
	}
}

func (c *ChildSessionCoordinator) dropChild(pendingID string, child *Client) {
	c.children.Delete(pendingID)
	c.lock.Lock()
	if c.active == child {
		c.active = nil
		c.activeID = ""
		c.childReady = false
	}
	c.lock.Unlock()
	_ = child.Close()
}

// Close shuts every child session down. Later adoption attempts are rejected.
func (c *ChildSessionCoordinator) Close() {
	c.lock.Lock()
	c.closed = true
	c.active = nil
	c.activeID = ""
	c.childReady = false
	c.lock.Unlock()

	c.children.Range(func(id string, child *Client) bool {
		if closeErr := child.Close(); closeErr != nil {
			c.log.V(1).Info("Error shutting down child session", "pendingTargetId", id, "error", closeErr.Error())
		}
		c.children.Delete(id)
		return true
	})
	c.gate.Open()
}

func setBreakpointsArguments(path string, breakpoints json.RawMessage) json.RawMessage {
	args, _ := json.Marshal(struct {
		Source      dap.Source      `json:"source"`
		Breakpoints json.RawMessage `json:"breakpoints"`
	}{
		Source:      dap.Source{Path: path, Name: filepath.Base(path)},
		Breakpoints: breakpoints,
	})
	return args
}

// eventBody returns the serialized body of an event, or nil if it has none.
func eventBody(event dap.EventMessage) json.RawMessage {
	if generic, isGeneric := event.(*GenericEvent); isGeneric {
		return generic.Body
	}
	raw, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		return nil
	}
	if body := gjson.GetBytes(raw, "body"); body.Exists() {
		return json.RawMessage(body.Raw)
	}
	return nil
}

// responseBody returns the serialized body of a response, or nil if it has none.
func responseBody(resp dap.ResponseMessage) json.RawMessage {
	if resp == nil {
		return nil
	}
	if generic, isGeneric := resp.(*GenericResponse); isGeneric {
		return generic.Body
	}
	raw, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		return nil
	}
	if body := gjson.GetBytes(raw, "body"); body.Exists() {
		return json.RawMessage(body.Raw)
	}
	return nil
}
