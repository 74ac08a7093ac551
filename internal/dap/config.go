/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultAdapterConnectionTimeout is the default timeout for connecting to the debug adapter.
const DefaultAdapterConnectionTimeout = 12 * time.Second

// AdapterMode specifies how the debug adapter communicates.
type AdapterMode string

const (
	// AdapterModeTCPConnect indicates the adapter listens on the configured port and the worker connects to it.
	// Use {{port}} placeholder in args which is replaced with the configured port.
	AdapterModeTCPConnect AdapterMode = "tcp-connect"

	// AdapterModeStdio indicates the adapter uses stdin/stdout for DAP communication.
	AdapterModeStdio AdapterMode = "stdio"
)

// AdapterLaunchSpec describes how to start the debug adapter process.
type AdapterLaunchSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Mode specifies how the adapter communicates. An empty string is treated as "tcp-connect".
	Mode AdapterMode `json:"mode,omitempty"`
}

// EffectiveMode returns the adapter mode, defaulting to AdapterModeTCPConnect
// if Mode is empty or unrecognized.
func (s *AdapterLaunchSpec) EffectiveMode() AdapterMode {
	switch s.Mode {
	case AdapterModeTCPConnect, AdapterModeStdio:
		return s.Mode
	default:
		return AdapterModeTCPConnect
	}
}

// CommandLine returns the command and arguments joined with spaces, with the port placeholder substituted.
func (s *AdapterLaunchSpec) CommandLine(port int) string {
	args := substitutePort(s.Args, strconv.Itoa(port))
	return strings.TrimSpace(s.Command + " " + strings.Join(args, " "))
}

// Breakpoint is a source line breakpoint set during session configuration.
type Breakpoint struct {
	File      string `json:"file"`
	Line      int    `json:"line"`
	Condition string `json:"condition,omitempty"`
}

// ProxyConfig fully describes one debug session. It is immutable once Start is called.
type ProxyConfig struct {
	SessionID string `json:"sessionId"`
	Language  string `json:"language"`

	// Adapter is the debug adapter to launch. When nil the worker connects to a pre-listening
	// adapter at AdapterHost:AdapterPort.
	Adapter     *AdapterLaunchSpec `json:"adapterCommand,omitempty"`
	AdapterHost string             `json:"adapterHost,omitempty"`
	AdapterPort int                `json:"adapterPort,omitempty"`

	ScriptPath         string          `json:"scriptPath"`
	ScriptArgs         []string        `json:"scriptArgs,omitempty"`
	StopOnEntry        *bool           `json:"stopOnEntry,omitempty"`
	JustMyCode         *bool           `json:"justMyCode,omitempty"`
	InitialBreakpoints []Breakpoint    `json:"initialBreakpoints,omitempty"`
	LaunchConfig       json.RawMessage `json:"launchConfig,omitempty"`

	// DryRun validates the launch construction and reports it without spawning anything.
	DryRun bool   `json:"dryRunSpawn,omitempty"`
	LogDir string `json:"logDir,omitempty"`
}

func (c *ProxyConfig) Validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("%w: session ID is required", ErrInvalidConfig)
	}
	if c.ScriptPath == "" {
		return fmt.Errorf("%w: script path is required", ErrInvalidConfig)
	}

	if c.Adapter != nil {
		if c.Adapter.Command == "" {
			return fmt.Errorf("%w: adapter command is empty", ErrInvalidConfig)
		}
		if c.Adapter.EffectiveMode() == AdapterModeStdio {
			return nil
		}
	}

	if c.AdapterPort <= 0 || c.AdapterPort > 65535 {
		return fmt.Errorf("%w: adapter port %d is out of range", ErrInvalidConfig, c.AdapterPort)
	}
	return nil
}

// Endpoint returns the address of the adapter's DAP listener.
func (c *ProxyConfig) Endpoint() string {
	host := c.AdapterHost
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.AdapterPort))
}

func (c *ProxyConfig) stopOnEntry() bool {
	return c.StopOnEntry == nil || *c.StopOnEntry
}

func (c *ProxyConfig) justMyCode() bool {
	return c.JustMyCode == nil || *c.JustMyCode
}

// LaunchArguments builds the "launch" request arguments. Values present in LaunchConfig win
// over the ones derived from the rest of the configuration.
func (c *ProxyConfig) LaunchArguments() (json.RawMessage, error) {
	args := "{}"
	if len(c.LaunchConfig) > 0 {
		if !gjson.ValidBytes(c.LaunchConfig) || !gjson.ParseBytes(c.LaunchConfig).IsObject() {
			return nil, fmt.Errorf("%w: launch configuration must be a JSON object", ErrInvalidConfig)
		}
		args = string(c.LaunchConfig)
	}

	base := gjson.Parse(args)
	var setErr error
	set := func(path string, value any, keep bool) {
		if setErr != nil || keep {
			return
		}
		args, setErr = sjson.Set(args, path, value)
	}

	program := base.Get("program")
	set("program", c.ScriptPath, program.Type == gjson.String && program.Str != "")
	scriptArgs := c.ScriptArgs
	if scriptArgs == nil {
		scriptArgs = []string{}
	}
	set("args", scriptArgs, base.Get("args").IsArray())
	set("stopOnEntry", c.stopOnEntry(), isBool(base.Get("stopOnEntry")))
	set("justMyCode", c.justMyCode(), isBool(base.Get("justMyCode")))
	set("noDebug", false, base.Get("noDebug").Exists())
	set("console", "internalConsole", base.Get("console").Exists())

	if setErr != nil {
		return nil, fmt.Errorf("failed to build launch arguments: %w", setErr)
	}
	return json.RawMessage(args), nil
}

// DryRunCommandLine returns the command the worker would run to start the adapter.
func (c *ProxyConfig) DryRunCommandLine() string {
	if c.Adapter == nil {
		return ""
	}
	return c.Adapter.CommandLine(c.AdapterPort)
}

func isBool(r gjson.Result) bool {
	return r.Type == gjson.True || r.Type == gjson.False
}
