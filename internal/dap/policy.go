// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	// DefaultRequestTimeout bounds every DAP request that has no command specific timeout.
	DefaultRequestTimeout = 35 * time.Second

	// DefaultChildInitTimeout bounds the wait for a child session's "initialized" event.
	DefaultChildInitTimeout = 12 * time.Second
)

// ReverseRequestKind enumerates the reverse requests (adapter to client) the engine understands.
type ReverseRequestKind int

const (
	ReverseRequestUnknown ReverseRequestKind = iota
	ReverseRequestRunInTerminal
	ReverseRequestStartDebugging
)

func (k ReverseRequestKind) String() string {
	switch k {
	case ReverseRequestRunInTerminal:
		return "runInTerminal"
	case ReverseRequestStartDebugging:
		return "startDebugging"
	default:
		return "unknown"
	}
}

// ClassifyReverseRequest maps a request received from the adapter to its kind.
func ClassifyReverseRequest(req dap.RequestMessage) ReverseRequestKind {
	switch req.(type) {
	case *dap.RunInTerminalRequest:
		return ReverseRequestRunInTerminal
	case *dap.StartDebuggingRequest:
		return ReverseRequestStartDebugging
	default:
		return ReverseRequestUnknown
	}
}

// ReverseRequestAction is what the engine does with a reverse request.
type ReverseRequestAction int

const (
	// ReverseActionReject answers with a failed response. It is the action for every kind a policy does not list.
	ReverseActionReject ReverseRequestAction = iota

	// ReverseActionAcknowledge answers locally with an empty successful response.
	ReverseActionAcknowledge

	// ReverseActionCreateChild acknowledges the request and hands it to the ChildSessionCoordinator.
	ReverseActionCreateChild
)

// AdapterPolicy describes adapter specific behavior. The zero value is a valid lock-step policy:
// no reverse requests are honored, no child sessions are created, nothing is queued,
// and every request uses DefaultRequestTimeout.
type AdapterPolicy struct {
	Name string

	// ReverseRequests maps reverse request kinds to actions. Kinds not present are rejected.
	ReverseRequests map[ReverseRequestKind]ReverseRequestAction

	// QueueUntilReady queues every command except "initialize" until the session is initialized.
	// When false such commands fail with ErrAdapterNotReady.
	QueueUntilReady bool

	// ChildRoutedCommands are sent to the active child session instead of the parent.
	ChildRoutedCommands []string

	// MirrorBreakpointsToChild replays breakpoints set on the parent into each child session.
	MirrorBreakpointsToChild bool

	// DeferParentConfigDone holds the parent's configurationDone until the child session is ready.
	DeferParentConfigDone bool

	// PauseAfterChildAttach makes sure the child is stopped right after it attaches.
	PauseAfterChildAttach bool

	// SuppressPostAttachConfigDone skips configurationDone on the child session.
	SuppressPostAttachConfigDone bool

	// ChildInitTimeout bounds the wait for the child's "initialized" event. Zero means DefaultChildInitTimeout.
	ChildInitTimeout time.Duration

	// ChildAdapterType is the "type" used in child attach arguments when the parent configuration has none.
	ChildAdapterType string

	// RequestTimeouts overrides the request timeout per command. DefaultTimeout applies to the rest;
	// zero means DefaultRequestTimeout.
	RequestTimeouts map[string]time.Duration
	DefaultTimeout  time.Duration

	// NewLaunchBarrier returns a barrier for the given command, or nil for lock-step behavior.
	NewLaunchBarrier func(command string, log logr.Logger) LaunchBarrier
}

// DefaultAdapterPolicy is used for adapters with standard DAP behavior (debugpy, dlv, codelldb, vsdbg).
func DefaultAdapterPolicy() AdapterPolicy {
	return AdapterPolicy{
		Name: "default",
		ReverseRequests: map[ReverseRequestKind]ReverseRequestAction{
			ReverseRequestRunInTerminal: ReverseActionAcknowledge,
		},
		ChildInitTimeout: 5 * time.Second,
	}
}

// JsDebugAdapterPolicy is used for js-debug, which launches the debuggee in a child session
// announced through a startDebugging reverse request.
func JsDebugAdapterPolicy() AdapterPolicy {
	return AdapterPolicy{
		Name: "js-debug",
		ReverseRequests: map[ReverseRequestKind]ReverseRequestAction{
			ReverseRequestRunInTerminal:  ReverseActionAcknowledge,
			ReverseRequestStartDebugging: ReverseActionCreateChild,
		},
		QueueUntilReady:          true,
		ChildRoutedCommands:      []string{"threads", "pause", "continue", "stackTrace", "scopes", "variables", "evaluate", "next", "stepIn", "stepOut"},
		MirrorBreakpointsToChild: true,
		DeferParentConfigDone:    true,
		PauseAfterChildAttach:    true,
		ChildInitTimeout:         DefaultChildInitTimeout,
		ChildAdapterType:         "pwa-node",
		NewLaunchBarrier: func(command string, log logr.Logger) LaunchBarrier {
			if command != "launch" {
				return nil
			}
			return NewStoppedEventBarrier(log)
		},
	}
}

// PolicyForLanguage returns the policy used for a language tag.
func PolicyForLanguage(language string) AdapterPolicy {
	switch language {
	case "javascript", "typescript":
		return JsDebugAdapterPolicy()
	default:
		return DefaultAdapterPolicy()
	}
}

// ReverseRequestAction returns the action for a reverse request kind.
func (p *AdapterPolicy) ReverseRequestAction(kind ReverseRequestKind) ReverseRequestAction {
	if action, found := p.ReverseRequests[kind]; found {
		return action
	}
	return ReverseActionReject
}

func (p *AdapterPolicy) IsChildRouted(command string) bool {
	return slices.Contains(p.ChildRoutedCommands, command)
}

// ShouldQueue reports whether a command that arrives before the session is initialized may wait.
func (p *AdapterPolicy) ShouldQueue(command string) bool {
	return p.QueueUntilReady && command != "initialize"
}

func (p *AdapterPolicy) TimeoutFor(command string) time.Duration {
	if timeout, found := p.RequestTimeouts[command]; found && timeout > 0 {
		return timeout
	}
	if p.DefaultTimeout > 0 {
		return p.DefaultTimeout
	}
	return DefaultRequestTimeout
}

func (p *AdapterPolicy) childInitTimeout() time.Duration {
	if p.ChildInitTimeout > 0 {
		return p.ChildInitTimeout
	}
	return DefaultChildInitTimeout
}

// LaunchBarrierFor returns the barrier for a command, or nil when the command completes lock-step.
func (p *AdapterPolicy) LaunchBarrierFor(command string, log logr.Logger) LaunchBarrier {
	if p.NewLaunchBarrier == nil {
		return nil
	}
	return p.NewLaunchBarrier(command, log)
}

// ChildAttachArguments builds the attach arguments for a child session adopting a pending target.
// Properties of the parent configuration are kept unless the child needs them overridden.
func (p *AdapterPolicy) ChildAttachArguments(pendingTargetID string, parentConfig json.RawMessage) (json.RawMessage, error) {
	args := "{}"
	if len(parentConfig) > 0 && gjson.ParseBytes(parentConfig).IsObject() {
		args = string(parentConfig)
	}

	var setErr error
	for _, kv := range []struct {
		path  string
		value any
	}{
		{"request", "attach"},
		{"__pendingTargetId", pendingTargetID},
		{"continueOnAttach", true},
	} {
		if args, setErr = sjson.Set(args, kv.path, kv.value); setErr != nil {
			return nil, fmt.Errorf("failed to build child attach arguments: %w", setErr)
		}
	}

	if !gjson.Get(args, "type").Exists() && p.ChildAdapterType != "" {
		if args, setErr = sjson.Set(args, "type", p.ChildAdapterType); setErr != nil {
			return nil, fmt.Errorf("failed to build child attach arguments: %w", setErr)
		}
	}

	return json.RawMessage(args), nil
}
