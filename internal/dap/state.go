// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/tidwall/gjson"
)

// PendingRequest is a request that was forwarded to the worker and has not been answered yet.
type PendingRequest struct {
	RequestID   string
	Command     string
	SubmittedAt time.Time
}

// SessionState is the observable state of one debug session.
// It is a value type: the reducer functions below never modify the state they are given.
type SessionState struct {
	SessionID         string
	Initialized       bool
	AdapterConfigured bool
	Terminated        bool
	CurrentThreadID   *int

	pending map[string]PendingRequest
}

func NewSessionState(sessionID string) SessionState {
	return SessionState{SessionID: sessionID}
}

// PendingRequest returns the outstanding request with the given id, if any.
func (s SessionState) PendingRequest(requestID string) (PendingRequest, bool) {
	req, found := s.pending[requestID]
	return req, found
}

func (s SessionState) PendingCount() int {
	return len(s.pending)
}

// PendingRequests returns the outstanding requests ordered by submission time.
func (s SessionState) PendingRequests() []PendingRequest {
	reqs := slices.Collect(maps.Values(s.pending))
	slices.SortFunc(reqs, func(a, b PendingRequest) int {
		return a.SubmittedAt.Compare(b.SubmittedAt)
	})
	return reqs
}

// AddPendingRequest records an outstanding request.
// A request id that is already outstanding is a protocol violation and is rejected with ErrDuplicateRequest.
func AddPendingRequest(s SessionState, req PendingRequest) (SessionState, error) {
	if _, exists := s.pending[req.RequestID]; exists {
		return s, fmt.Errorf("%w: '%s' (%s)", ErrDuplicateRequest, req.RequestID, req.Command)
	}

	pending := maps.Clone(s.pending)
	if pending == nil {
		pending = make(map[string]PendingRequest)
	}
	pending[req.RequestID] = req
	s.pending = pending
	return s, nil
}

// RemovePendingRequest removes an outstanding request. Removing an unknown id is a no-op.
func RemovePendingRequest(s SessionState, requestID string) SessionState {
	if _, exists := s.pending[requestID]; !exists {
		return s
	}

	pending := maps.Clone(s.pending)
	delete(pending, requestID)
	s.pending = pending
	return s
}

func ClearPendingRequests(s SessionState) SessionState {
	s.pending = nil
	return s
}

// EffectKind tells the owner of the state what to do after a message has been reduced.
type EffectKind int

const (
	// EffectLog asks for a log entry; invalid input is always reported this way.
	EffectLog EffectKind = iota
	// EffectEmit asks for a notification to be published to session observers.
	EffectEmit
	// EffectKillProcess asks for the worker process to be killed.
	EffectKillProcess
	// EffectSendToProxy asks for a command to be sent to the worker.
	EffectSendToProxy
)

func (k EffectKind) String() string {
	switch k {
	case EffectLog:
		return "log"
	case EffectEmit:
		return "emit"
	case EffectKillProcess:
		return "killProcess"
	case EffectSendToProxy:
		return "sendToProxy"
	default:
		return "unknown"
	}
}

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type Effect struct {
	Kind EffectKind

	// EffectLog
	Level   LogLevel
	Message string
	Err     error

	// EffectEmit
	Notification Notification

	// EffectSendToProxy
	Command WorkerCommand
}

// NotificationKind names a session notification published to observers.
type NotificationKind string

const (
	NotificationInitialized       NotificationKind = "initialized"
	NotificationAdapterConfigured NotificationKind = "adapter-configured"
	NotificationStatusChanged     NotificationKind = "status-changed"
	NotificationStopped           NotificationKind = "stopped"
	NotificationContinued         NotificationKind = "continued"
	NotificationTerminated        NotificationKind = "terminated"
	NotificationExited            NotificationKind = "exited"
	NotificationDapEvent          NotificationKind = "dap-event"
	NotificationExit              NotificationKind = "exit"
	NotificationDryRunComplete    NotificationKind = "dry-run-complete"
	NotificationError             NotificationKind = "error"
)

// Notification is published to session observers. Source is the worker message that caused it.
type Notification struct {
	Kind      NotificationKind
	SessionID string

	Status   ProxyStatus
	Event    string
	Body     json.RawMessage
	ThreadID *int
	Reason   string
	Code     int
	Signal   string
	Command  string
	Script   string
	Message  string

	Source ProxyMessage
}

// defaultExitCode is reported when the worker does not tell how the backend exited.
const defaultExitCode = 1

func logEffect(level LogLevel, message string) Effect {
	return Effect{Kind: EffectLog, Level: level, Message: message}
}

func emitEffect(n Notification) Effect {
	return Effect{Kind: EffectEmit, Notification: n}
}

// HandleRaw validates and reduces a serialized worker message.
// Invalid input leaves the state unchanged and produces a single diagnostic log effect.
func HandleRaw(s SessionState, raw []byte) (SessionState, []Effect) {
	msg, parseErr := ParseProxyMessage(raw)
	if parseErr != nil {
		return s, []Effect{{
			Kind:    EffectLog,
			Level:   LogLevelWarn,
			Message: "Dropping invalid proxy message",
			Err:     parseErr,
		}}
	}
	return Handle(s, msg)
}

// Handle reduces one worker message into a new session state and a list of effects.
// It is pure: the same inputs always produce the same outputs and nothing is modified in place.
func Handle(s SessionState, msg ProxyMessage) (SessionState, []Effect) {
	if msg.SessionID != s.SessionID {
		return s, []Effect{logEffect(LogLevelWarn,
			fmt.Sprintf("Session ID mismatch. Expected %s, got %s", s.SessionID, msg.SessionID))}
	}

	if validateErr := msg.Validate(); validateErr != nil {
		return s, []Effect{{Kind: EffectLog, Level: LogLevelWarn, Message: "Dropping invalid proxy message", Err: validateErr}}
	}

	switch msg.Type {
	case ProxyMessageStatus:
		return handleStatus(s, msg)
	case ProxyMessageDapEvent:
		return handleDapEvent(s, msg)
	case ProxyMessageDapResponse:
		return handleDapResponse(s, msg)
	case ProxyMessageError:
		return s, []Effect{
			{Kind: EffectLog, Level: LogLevelError, Message: "Proxy error", Err: errors.New(msg.Message)},
			emitEffect(Notification{Kind: NotificationError, SessionID: s.SessionID, Message: msg.Message, Source: msg}),
		}
	default:
		// Validate rejects unknown types, so this is unreachable.
		return s, []Effect{logEffect(LogLevelWarn, "Unknown message type")}
	}
}

func handleStatus(s SessionState, msg ProxyMessage) (SessionState, []Effect) {
	statusChanged := emitEffect(Notification{Kind: NotificationStatusChanged, SessionID: s.SessionID, Status: msg.Status, Source: msg})

	switch msg.Status {
	case StatusIpcTest:
		return s, []Effect{
			logEffect(LogLevelInfo, "IPC test message received"),
			{Kind: EffectKillProcess},
		}

	case StatusDryRunComplete:
		return s, []Effect{
			logEffect(LogLevelInfo, "Dry run complete"),
			emitEffect(Notification{
				Kind:      NotificationDryRunComplete,
				SessionID: s.SessionID,
				Status:    msg.Status,
				Command:   msg.Command,
				Script:    msg.Script,
				Source:    msg,
			}),
		}

	case StatusAdapterConfiguredAndLaunched:
		effects := []Effect{
			logEffect(LogLevelInfo, "Adapter configured and launched"),
			statusChanged,
			emitEffect(Notification{Kind: NotificationAdapterConfigured, SessionID: s.SessionID, Status: msg.Status, Source: msg}),
		}
		s.AdapterConfigured = true
		if !s.Initialized {
			s.Initialized = true
			effects = append(effects, emitEffect(Notification{Kind: NotificationInitialized, SessionID: s.SessionID, Status: msg.Status, Source: msg}))
		}
		return s, effects

	case StatusAdapterExited, StatusDapConnectionClosed, StatusTerminated:
		code := defaultExitCode
		if msg.Code != nil {
			code = *msg.Code
		}
		s.Terminated = true
		return s, []Effect{
			logEffect(LogLevelInfo, fmt.Sprintf("Status: %s", msg.Status)),
			statusChanged,
			emitEffect(Notification{
				Kind:      NotificationExit,
				SessionID: s.SessionID,
				Status:    msg.Status,
				Code:      code,
				Signal:    msg.Signal,
				Source:    msg,
			}),
		}

	default:
		return s, []Effect{
			{Kind: EffectLog, Level: LogLevelDebug, Message: fmt.Sprintf("Status: %s", msg.Status)},
			statusChanged,
		}
	}
}

func handleDapEvent(s SessionState, msg ProxyMessage) (SessionState, []Effect) {
	effects := []Effect{{Kind: EffectLog, Level: LogLevelDebug, Message: fmt.Sprintf("DAP event: %s", msg.Event)}}
	n := Notification{SessionID: s.SessionID, Event: msg.Event, Body: msg.Body, Source: msg}

	switch msg.Event {
	case "stopped":
		n.Kind = NotificationStopped
		n.Reason = "unknown"
		if len(msg.Body) > 0 {
			if threadID := gjson.GetBytes(msg.Body, "threadId"); threadID.Type == gjson.Number {
				id := int(threadID.Int())
				n.ThreadID = &id
				s.CurrentThreadID = &id
			}
			if reason := gjson.GetBytes(msg.Body, "reason"); reason.Type == gjson.String && reason.Str != "" {
				n.Reason = reason.Str
			}
		}
	case "continued":
		n.Kind = NotificationContinued
	case "terminated":
		n.Kind = NotificationTerminated
	case "exited":
		n.Kind = NotificationExited
	default:
		n.Kind = NotificationDapEvent
	}

	return s, append(effects, emitEffect(n))
}

func handleDapResponse(s SessionState, msg ProxyMessage) (SessionState, []Effect) {
	if _, found := s.pending[msg.RequestID]; !found {
		return s, []Effect{logEffect(LogLevelWarn, fmt.Sprintf("Received response for unknown request: %s", msg.RequestID))}
	}
	return RemovePendingRequest(s, msg.RequestID), nil
}
