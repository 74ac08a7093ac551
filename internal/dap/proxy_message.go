// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// ProxyMessageType discriminates messages sent by a proxy worker to its manager.
type ProxyMessageType string

const (
	ProxyMessageStatus      ProxyMessageType = "status"
	ProxyMessageDapEvent    ProxyMessageType = "dapEvent"
	ProxyMessageDapResponse ProxyMessageType = "dapResponse"
	ProxyMessageError       ProxyMessageType = "error"
)

// ProxyStatus is the payload of a status message.
type ProxyStatus string

const (
	StatusIpcTest                      ProxyStatus = "proxy_minimal_ran_ipc_test"
	StatusDryRunComplete               ProxyStatus = "dry_run_complete"
	StatusAdapterConnected             ProxyStatus = "adapter_connected"
	StatusAdapterConfiguredAndLaunched ProxyStatus = "adapter_configured_and_launched"
	StatusAdapterExited                ProxyStatus = "adapter_exited"
	StatusDapConnectionClosed          ProxyStatus = "dap_connection_closed"
	StatusTerminated                   ProxyStatus = "terminated"
)

// IsExit reports whether the status means the backend is gone.
func (s ProxyStatus) IsExit() bool {
	switch s {
	case StatusAdapterExited, StatusDapConnectionClosed, StatusTerminated:
		return true
	default:
		return false
	}
}

// ProxyMessage is the envelope a proxy worker uses to report status, DAP traffic, and errors.
// Only the fields relevant to Type are populated.
type ProxyMessage struct {
	Type      ProxyMessageType `json:"type"`
	SessionID string           `json:"sessionId"`

	// status
	Status ProxyStatus `json:"status,omitempty"`
	Code   *int        `json:"code,omitempty"`
	Signal string      `json:"signal,omitempty"`
	// Command and Script describe the would-be launch for dry_run_complete.
	Command string `json:"command,omitempty"`
	Script  string `json:"script,omitempty"`

	// dapEvent
	Event string          `json:"event,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`

	// dapResponse
	RequestID string          `json:"requestId,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// IsValidProxyMessage reports whether raw is a JSON object carrying the mandatory
// string discriminators "sessionId" and "type".
func IsValidProxyMessage(raw []byte) bool {
	if !gjson.ValidBytes(raw) {
		return false
	}

	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return false
	}

	return parsed.Get("sessionId").Type == gjson.String && parsed.Get("type").Type == gjson.String
}

// Validate checks the per-type discriminator fields.
func (m ProxyMessage) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrInvalidMessage)
	}

	switch m.Type {
	case ProxyMessageStatus:
		if m.Status == "" {
			return fmt.Errorf("%w: status message without status", ErrInvalidMessage)
		}
	case ProxyMessageDapEvent:
		if m.Event == "" {
			return fmt.Errorf("%w: dapEvent message without event name", ErrInvalidMessage)
		}
	case ProxyMessageDapResponse:
		if m.RequestID == "" {
			return fmt.Errorf("%w: dapResponse message without requestId", ErrInvalidMessage)
		}
	case ProxyMessageError:
		if m.Message == "" {
			return fmt.Errorf("%w: error message without text", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown message type '%s'", ErrInvalidMessage, m.Type)
	}

	return nil
}

// ParseProxyMessage decodes and validates a single serialized ProxyMessage.
func ParseProxyMessage(raw []byte) (ProxyMessage, error) {
	if !IsValidProxyMessage(raw) {
		return ProxyMessage{}, fmt.Errorf("%w: missing sessionId or type", ErrInvalidMessage)
	}

	var msg ProxyMessage
	if unmarshalErr := json.Unmarshal(raw, &msg); unmarshalErr != nil {
		return ProxyMessage{}, fmt.Errorf("%w: %w", ErrInvalidMessage, unmarshalErr)
	}

	if validateErr := msg.Validate(); validateErr != nil {
		return ProxyMessage{}, validateErr
	}
	return msg, nil
}

func NewStatusMessage(sessionID string, status ProxyStatus) ProxyMessage {
	return ProxyMessage{Type: ProxyMessageStatus, SessionID: sessionID, Status: status}
}

// NewExitStatusMessage reports that the backend went away. A nil code means the exit code is unknown.
func NewExitStatusMessage(sessionID string, status ProxyStatus, code *int, signal string) ProxyMessage {
	msg := NewStatusMessage(sessionID, status)
	msg.Code = code
	msg.Signal = signal
	return msg
}

func NewDryRunCompleteMessage(sessionID, command, script string) ProxyMessage {
	msg := NewStatusMessage(sessionID, StatusDryRunComplete)
	msg.Command = command
	msg.Script = script
	return msg
}

func NewEventMessage(sessionID, event string, body json.RawMessage) ProxyMessage {
	return ProxyMessage{Type: ProxyMessageDapEvent, SessionID: sessionID, Event: event, Body: body}
}

// NewResponseMessage wraps a serialized DAP response. The body is lifted out of the response
// so that consumers do not need to parse the whole message.
func NewResponseMessage(sessionID, requestID string, success bool, response json.RawMessage, errMsg string) ProxyMessage {
	msg := ProxyMessage{
		Type:      ProxyMessageDapResponse,
		SessionID: sessionID,
		RequestID: requestID,
		Success:   success,
		Response:  response,
		Error:     errMsg,
	}

	if len(response) > 0 {
		if body := gjson.GetBytes(response, "body"); body.Exists() {
			msg.Body = json.RawMessage(body.Raw)
		}
	}
	return msg
}

func NewErrorMessage(sessionID, message string) ProxyMessage {
	return ProxyMessage{Type: ProxyMessageError, SessionID: sessionID, Message: message}
}
