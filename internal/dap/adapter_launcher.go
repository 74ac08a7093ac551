/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/process"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/resiliency"
)

// PortPlaceholder is the placeholder in adapter args that will be replaced with the adapter port.
const PortPlaceholder = "{{port}}"

const (
	// adapterConnectInitialDelay gives a freshly spawned adapter time to open its listener.
	adapterConnectInitialDelay = 500 * time.Millisecond
	adapterConnectInterval     = 200 * time.Millisecond
	adapterConnectAttempts     = 60
)

// ErrAdapterConnectionTimeout is returned when the adapter cannot be reached within the retry budget.
var ErrAdapterConnectionTimeout = errors.New("debug adapter connection timeout")

// suppressedEnvPrefixes are removed from the ambient environment before it is passed to the adapter.
// The launch spec may still set them explicitly.
var suppressedEnvPrefixes = []string{"DAPPROXY_", "DEBUG_MCP_"}

// LaunchedAdapter represents a running debug adapter process.
type LaunchedAdapter struct {
	// Transport provides DAP message I/O with the adapter. It is set only for stdio adapters;
	// tcp-connect adapters are reached with ConnectAdapter.
	Transport Transport

	pid       process.Pid_t
	startTime time.Time
	executor  process.Executor

	done     chan struct{}
	exitCode int32
	signal   string
	exitErr  error
	mu       sync.Mutex
}

// Wait blocks until the debug adapter process exits.
// Returns the error encountered while tracking the process, if any.
func (la *LaunchedAdapter) Wait() error {
	<-la.done
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.exitErr
}

// ExitCode returns the process exit code, or nil if it is not known (for example the process was killed by a signal).
// Only valid after Done() is closed.
func (la *LaunchedAdapter) ExitCode() *int {
	la.mu.Lock()
	defer la.mu.Unlock()
	if la.exitCode == process.UnknownExitCode {
		return nil
	}
	code := int(la.exitCode)
	return &code
}

// Signal returns the name of the signal that terminated the process, if any.
func (la *LaunchedAdapter) Signal() string {
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.signal
}

func (la *LaunchedAdapter) Pid() process.Pid_t {
	return la.pid
}

// Done returns a channel that is closed when the debug adapter process exits.
func (la *LaunchedAdapter) Done() <-chan struct{} {
	return la.done
}

// Close releases the stdio transport, if any. It does NOT stop the process.
func (la *LaunchedAdapter) Close() error {
	if la.Transport != nil {
		return la.Transport.Close()
	}
	return nil
}

// Stop explicitly stops the debug adapter process.
// This is typically not needed as the process is stopped automatically when the launch context is cancelled.
func (la *LaunchedAdapter) Stop() error {
	if la.executor != nil && la.pid != process.UnknownPID {
		return la.executor.StopProcess(la.pid, la.startTime)
	}
	return nil
}

// LaunchDebugAdapter starts the debug adapter described by spec. The process lifetime is tied to ctx.
// For tcp-connect adapters the {{port}} placeholder in the arguments is replaced with port.
// ErrCommandNotFound is returned if the adapter executable cannot be located.
func LaunchDebugAdapter(ctx context.Context, executor process.Executor, spec *AdapterLaunchSpec, port int, log logr.Logger) (*LaunchedAdapter, error) {
	if spec == nil || spec.Command == "" {
		return nil, fmt.Errorf("%w: adapter command is empty", ErrInvalidConfig)
	}

	commandPath, lookErr := exec.LookPath(spec.Command)
	if lookErr != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCommandNotFound, spec.Command, lookErr)
	}

	mode := spec.EffectiveMode()
	args := spec.Args
	if mode == AdapterModeTCPConnect {
		args = substitutePort(spec.Args, strconv.Itoa(port))
	}

	cmd := exec.Command(commandPath, args...)
	cmd.Env = buildFilteredEnv(spec)

	var stdin io.WriteCloser
	var stdout *os.File
	var stdoutWriter *os.File
	if mode == AdapterModeStdio {
		var pipeErr error
		stdin, pipeErr = cmd.StdinPipe()
		if pipeErr != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", pipeErr)
		}

		// os.Pipe instead of StdoutPipe: the read side must stay valid while the executor waits on the process.
		stdout, stdoutWriter, pipeErr = os.Pipe()
		if pipeErr != nil {
			stdin.Close()
			return nil, fmt.Errorf("failed to create stdout pipe: %w", pipeErr)
		}
		cmd.Stdout = stdoutWriter
	}

	stderr, stderrErr := cmd.StderrPipe()
	if stderrErr != nil {
		closeAll(stdin, stdout, stdoutWriter)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", stderrErr)
	}

	adapter := &LaunchedAdapter{
		executor: executor,
		done:     make(chan struct{}),
		exitCode: process.UnknownExitCode,
	}

	exitHandler := process.ProcessExitHandlerFunc(func(pid process.Pid_t, exitCode int32, err error) {
		adapter.mu.Lock()
		adapter.exitCode = exitCode
		adapter.signal = exitSignal(cmd.ProcessState)
		adapter.exitErr = err
		adapter.mu.Unlock()
		close(adapter.done)

		if err != nil {
			log.V(1).Info("Debug adapter process exited with error", "pid", pid, "exitCode", exitCode, "error", err)
		} else {
			log.V(1).Info("Debug adapter process exited", "pid", pid, "exitCode", exitCode, "signal", adapter.signal)
		}
	})

	pid, startTime, startWaitForExit, startErr := executor.StartProcess(ctx, cmd, exitHandler, process.CreationFlagEnsureKillOnDispose)
	if startErr != nil {
		closeAll(stdin, stdout, stdoutWriter)
		return nil, fmt.Errorf("failed to start debug adapter: %w", startErr)
	}

	if stdoutWriter != nil {
		// The child holds its own copy of the write end.
		stdoutWriter.Close()
	}

	startWaitForExit()
	go logStderr(stderr, log)

	log.Info("Launched debug adapter process",
		"mode", mode,
		"command", commandPath,
		"args", args,
		"pid", pid)

	adapter.pid = pid
	adapter.startTime = startTime
	if mode == AdapterModeStdio {
		adapter.Transport = NewStdioTransport(stdout, stdin)
	}
	return adapter, nil
}

// ConnectAdapter connects to a tcp-connect adapter listening at address. After an initial delay the
// connection is retried at a fixed interval. The attempt is abandoned early if adapterDone is closed.
func ConnectAdapter(ctx context.Context, address string, adapterDone <-chan struct{}, log logr.Logger) (Transport, error) {
	select {
	case <-time.After(adapterConnectInitialDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	attempt := 0
	transport, connectErr := resiliency.RetryGetWithBackoff(ctx, resiliency.ConstantBackoff(adapterConnectInterval, adapterConnectAttempts-1), func() (Transport, error) {
		attempt++
		select {
		case <-adapterDone:
			return nil, resiliency.Permanent(fmt.Errorf("%w: debug adapter process exited before connection could be established", ErrSessionTerminated))
		default:
		}

		dialCtx, dialCancel := context.WithTimeout(ctx, time.Second)
		defer dialCancel()
		t, dialErr := DialTCP(dialCtx, address)
		if dialErr != nil {
			log.V(1).Info("Debug adapter not reachable yet", "address", address, "attempt", attempt)
			return nil, dialErr
		}
		return t, nil
	})

	if connectErr != nil {
		if errors.Is(connectErr, ErrSessionTerminated) || ctx.Err() != nil {
			return nil, connectErr
		}
		return nil, fmt.Errorf("%w: failed to connect to adapter at %s after %d attempts: %w", ErrAdapterConnectionTimeout, address, attempt, connectErr)
	}

	log.Info("Connected to debug adapter", "address", address, "attempts", attempt)
	return transport, nil
}

// substitutePort replaces the {{port}} placeholder in args with the actual port.
func substitutePort(args []string, port string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		result[i] = strings.ReplaceAll(arg, PortPlaceholder, port)
	}
	return result
}

// buildFilteredEnv builds the adapter environment: the ambient environment minus the proxy's own
// settings, then the variables from the launch spec.
func buildFilteredEnv(spec *AdapterLaunchSpec) []string {
	var env []string
	for _, e := range os.Environ() {
		suppressed := slices.ContainsFunc(suppressedEnvPrefixes, func(prefix string) bool {
			return strings.HasPrefix(e, prefix)
		})
		if !suppressed {
			env = append(env, e)
		}
	}

	// Clear GOFLAGS to avoid issues when launching Go tools (like dlv)
	env = append(env, "GOFLAGS=")

	for _, name := range slices.Sorted(maps.Keys(spec.Env)) {
		env = append(env, name+"="+spec.Env[name])
	}
	return env
}

// exitSignal returns the name of the signal that terminated a process, or "" if it exited normally.
func exitSignal(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	status, ok := state.Sys().(interface {
		Signaled() bool
		Signal() syscall.Signal
	})
	if !ok || !status.Signaled() {
		return ""
	}
	return signalName(status.Signal())
}

// logStderr logs stderr output of the adapter line by line.
func logStderr(stderr io.Reader, log logr.Logger) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Info("Debug adapter stderr", "output", scanner.Text())
	}
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		if c == nil {
			continue
		}
		if f, isFile := c.(*os.File); isFile && f == nil {
			continue
		}
		_ = c.Close()
	}
}
