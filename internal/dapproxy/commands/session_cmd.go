/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/debugmcp/mcp-debugger-sub008/internal/config"
	"github.com/debugmcp/mcp-debugger-sub008/internal/dap"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/logger"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/process"
)

const sessionStopTimeout = 10 * time.Second

type sessionFlags struct {
	sessionID   string
	language    string
	script      string
	scriptArgs  []string
	adapterHost string
	adapterPort int
	adapterMode string
	stopOnEntry bool
	breakpoints []string
	requests    []string
	dryRun      bool
	inProcess   bool
	linger      time.Duration
}

var session = sessionFlags{}

func NewSessionCommand(log logr.Logger) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session --script path [--adapter-port port] [--request command[=json]]... [-- adapter-command args...]",
		Short: "Runs one debug session end to end",
		Long: `Runs one debug session end to end.

	The session starts a proxy worker, configures the adapter, sends the requested DAP commands in order,
	and stops the session. Session events and responses are written to stdout, one JSON document per line.
	Arguments after "--" are the command that starts the debug adapter; without them the worker connects
	to an adapter that is already listening on --adapter-host and --adapter-port.`,
		RunE: runSession(log),
	}

	sessionCmd.Flags().StringVar(&session.sessionID, "session-id", "", "The session ID. A random ID is used if not set.")
	sessionCmd.Flags().StringVar(&session.language, "language", "python", "The language of the debugged program.")
	sessionCmd.Flags().StringVar(&session.script, "script", "", "The program to debug.")
	sessionCmd.Flags().StringArrayVar(&session.scriptArgs, "script-arg", nil, "An argument for the debugged program. Can be repeated.")
	sessionCmd.Flags().StringVar(&session.adapterHost, "adapter-host", "127.0.0.1", "The address of the debug adapter.")
	sessionCmd.Flags().IntVar(&session.adapterPort, "adapter-port", 0, "The port of the debug adapter.")
	sessionCmd.Flags().StringVar(&session.adapterMode, "adapter-mode", string(dap.AdapterModeTCPConnect), "How the launched adapter communicates: tcp-connect or stdio.")
	sessionCmd.Flags().BoolVar(&session.stopOnEntry, "stop-on-entry", true, "Stop the program on its first line.")
	sessionCmd.Flags().StringArrayVar(&session.breakpoints, "breakpoint", nil, "An initial breakpoint in file:line form. Can be repeated.")
	sessionCmd.Flags().StringArrayVar(&session.requests, "request", nil, "A DAP request in command or command=json-arguments form. Can be repeated.")
	sessionCmd.Flags().BoolVar(&session.dryRun, "dry-run", false, "Report the adapter command line without starting anything.")
	sessionCmd.Flags().BoolVar(&session.inProcess, "in-process", false, "Run the proxy worker inside this process instead of a child process.")
	sessionCmd.Flags().DurationVar(&session.linger, "linger", 0, "How long to keep the session open after the last request.")
	_ = sessionCmd.MarkFlagRequired("script")

	return sessionCmd
}

func runSession(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("session")

		env, envErr := config.LoadEnvironment()
		if envErr != nil {
			log.Error(envErr, "Invalid environment configuration")
			return envErr
		}
		if env.IsLanguageDisabled(session.language) {
			return fmt.Errorf("%w: language '%s' is disabled", dap.ErrInvalidConfig, session.language)
		}

		proxyConfig, configErr := buildProxyConfig(args)
		if configErr != nil {
			log.Error(configErr, "Invocation parameters are invalid")
			return configErr
		}

		executor := process.NewOSExecutor(log)
		var launcher dap.WorkerLauncher
		if session.inProcess {
			launcher = &dap.InProcessWorkerLauncher{Options: dap.ProxyWorkerOptions{
				Executor:  executor,
				Contained: env.Contained,
				Logger:    log,
			}}
		} else {
			workerArgs := []string{"worker", "--monitor", strconv.Itoa(os.Getpid())}
			if verbosity := logger.GetVerbosityArg(cmd.InheritedFlags()); verbosity != "" {
				workerArgs = append(workerArgs, verbosity)
			}
			launcher = &dap.SubprocessWorkerLauncher{
				Args:     workerArgs,
				Executor: executor,
				Logger:   log,
			}
		}

		policy := dap.PolicyForLanguage(proxyConfig.Language)
		if policy.DefaultTimeout <= 0 {
			policy.DefaultTimeout = env.RequestTimeout
		}

		manager := dap.NewProxyManager(launcher, policy, dap.ProxyManagerOptions{
			InitTimeout: env.InitTimeout,
			Logger:      log,
		})

		out := &lineWriter{w: cmd.OutOrStdout()}
		eventsDone := make(chan struct{})
		go func() {
			defer close(eventsDone)
			for n := range manager.Events() {
				out.write(newEventRecord(n))
			}
		}()

		ctx := cmd.Context()
		if startErr := manager.Start(ctx, proxyConfig); startErr != nil {
			log.Error(startErr, "Session could not be started")
			_ = manager.Stop(context.Background())
			<-eventsDone
			return startErr
		}

		var requestErr error
		if !proxyConfig.DryRun {
			requestErr = sendRequests(ctx, manager, out, session.requests)
			if requestErr == nil && session.linger > 0 {
				select {
				case <-time.After(session.linger):
				case <-manager.Done():
				case <-ctx.Done():
				}
			}
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), sessionStopTimeout)
		defer stopCancel()
		stopErr := manager.Stop(stopCtx)
		<-eventsDone

		return errors.Join(requestErr, stopErr)
	}
}

func buildProxyConfig(args []string) (*dap.ProxyConfig, error) {
	sessionID := session.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	stopOnEntry := session.stopOnEntry
	proxyConfig := &dap.ProxyConfig{
		SessionID:   sessionID,
		Language:    session.language,
		AdapterHost: session.adapterHost,
		AdapterPort: session.adapterPort,
		ScriptPath:  session.script,
		ScriptArgs:  session.scriptArgs,
		StopOnEntry: &stopOnEntry,
		DryRun:      session.dryRun,
	}

	if len(args) > 0 {
		proxyConfig.Adapter = &dap.AdapterLaunchSpec{
			Command: args[0],
			Args:    args[1:],
			Mode:    dap.AdapterMode(session.adapterMode),
		}
	}

	for _, spec := range session.breakpoints {
		bp, bpErr := parseBreakpoint(spec)
		if bpErr != nil {
			return nil, bpErr
		}
		proxyConfig.InitialBreakpoints = append(proxyConfig.InitialBreakpoints, bp)
	}

	if validationErr := proxyConfig.Validate(); validationErr != nil {
		return nil, validationErr
	}
	return proxyConfig, nil
}

// parseBreakpoint parses "file:line". The last colon separates the line, so drive letters are fine.
func parseBreakpoint(spec string) (dap.Breakpoint, error) {
	sep := strings.LastIndex(spec, ":")
	if sep <= 0 || sep == len(spec)-1 {
		return dap.Breakpoint{}, fmt.Errorf("%w: breakpoint '%s' is not in file:line form", dap.ErrInvalidConfig, spec)
	}
	line, lineErr := strconv.Atoi(spec[sep+1:])
	if lineErr != nil || line <= 0 {
		return dap.Breakpoint{}, fmt.Errorf("%w: breakpoint '%s' has an invalid line number", dap.ErrInvalidConfig, spec)
	}
	return dap.Breakpoint{File: spec[:sep], Line: line}, nil
}

// parseRequest parses "command" or "command=json-arguments".
func parseRequest(spec string) (string, json.RawMessage, error) {
	command, rawArgs, hasArgs := strings.Cut(spec, "=")
	command = strings.TrimSpace(command)
	if command == "" {
		return "", nil, fmt.Errorf("%w: request '%s' has no command", dap.ErrInvalidConfig, spec)
	}
	if !hasArgs {
		return command, nil, nil
	}
	if !json.Valid([]byte(rawArgs)) {
		return "", nil, fmt.Errorf("%w: arguments of request '%s' are not valid JSON", dap.ErrInvalidConfig, command)
	}
	return command, json.RawMessage(rawArgs), nil
}

func sendRequests(ctx context.Context, manager *dap.ProxyManager, out *lineWriter, requests []string) error {
	for _, spec := range requests {
		command, args, parseErr := parseRequest(spec)
		if parseErr != nil {
			return parseErr
		}

		resp, reqErr := manager.SendRequest(ctx, command, args)
		if reqErr != nil {
			out.write(responseRecord{Type: "response", Command: command, Error: reqErr.Error()})
			if dap.IsSessionError(reqErr) {
				return reqErr
			}
			continue
		}
		out.write(responseRecord{
			Type:    "response",
			Command: command,
			Success: resp.Success,
			Body:    resp.Body,
			Error:   resp.Message,
		})
	}
	return nil
}

type eventRecord struct {
	Type      string          `json:"type"`
	Kind      string          `json:"kind"`
	SessionID string          `json:"sessionId"`
	Status    string          `json:"status,omitempty"`
	Event     string          `json:"event,omitempty"`
	ThreadID  *int            `json:"threadId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Code      *int            `json:"code,omitempty"`
	Signal    string          `json:"signal,omitempty"`
	Command   string          `json:"command,omitempty"`
	Message   string          `json:"message,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

func newEventRecord(n dap.Notification) eventRecord {
	record := eventRecord{
		Type:      "event",
		Kind:      string(n.Kind),
		SessionID: n.SessionID,
		Status:    string(n.Status),
		Event:     n.Event,
		ThreadID:  n.ThreadID,
		Reason:    n.Reason,
		Signal:    n.Signal,
		Command:   n.Command,
		Message:   n.Message,
		Body:      n.Body,
	}
	if n.Kind == dap.NotificationExit {
		code := n.Code
		record.Code = &code
	}
	return record
}

type responseRecord struct {
	Type    string          `json:"type"`
	Command string          `json:"command"`
	Success bool            `json:"success"`
	Body    json.RawMessage `json:"body,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// lineWriter writes one JSON document per line; events and responses come from different goroutines.
type lineWriter struct {
	lock sync.Mutex
	w    io.Writer
}

func (lw *lineWriter) write(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	lw.lock.Lock()
	defer lw.lock.Unlock()
	_, _ = lw.w.Write(append(raw, '\n'))
}
