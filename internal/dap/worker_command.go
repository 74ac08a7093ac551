// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"fmt"
)

// WorkerCommandKind discriminates commands sent by a ProxyManager to its worker.
type WorkerCommandKind string

const (
	WorkerCommandInit      WorkerCommandKind = "init"
	WorkerCommandDap       WorkerCommandKind = "dap"
	WorkerCommandTerminate WorkerCommandKind = "terminate"
)

type WorkerCommand struct {
	Cmd       WorkerCommandKind `json:"cmd"`
	SessionID string            `json:"sessionId"`

	// init
	Config *ProxyConfig `json:"config,omitempty"`

	// dap
	RequestID  string          `json:"requestId,omitempty"`
	DapCommand string          `json:"dapCommand,omitempty"`
	DapArgs    json.RawMessage `json:"dapArgs,omitempty"`
}

func (c WorkerCommand) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("%w: worker command without sessionId", ErrInvalidMessage)
	}

	switch c.Cmd {
	case WorkerCommandInit:
		if c.Config == nil {
			return fmt.Errorf("%w: init command without configuration", ErrInvalidMessage)
		}
	case WorkerCommandDap:
		if c.RequestID == "" || c.DapCommand == "" {
			return fmt.Errorf("%w: dap command without requestId or command", ErrInvalidMessage)
		}
	case WorkerCommandTerminate:
	default:
		return fmt.Errorf("%w: unknown worker command '%s'", ErrInvalidMessage, c.Cmd)
	}
	return nil
}

func NewInitCommand(config *ProxyConfig) WorkerCommand {
	return WorkerCommand{Cmd: WorkerCommandInit, SessionID: config.SessionID, Config: config}
}

func NewDapCommand(sessionID, requestID, command string, args json.RawMessage) WorkerCommand {
	return WorkerCommand{Cmd: WorkerCommandDap, SessionID: sessionID, RequestID: requestID, DapCommand: command, DapArgs: args}
}

func NewTerminateCommand(sessionID string) WorkerCommand {
	return WorkerCommand{Cmd: WorkerCommandTerminate, SessionID: sessionID}
}
