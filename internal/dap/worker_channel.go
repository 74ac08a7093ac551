/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/container"
	"github.com/debugmcp/mcp-debugger-sub008/pkg/process"
)

const (
	// maxWorkerMessageSize bounds a single newline-delimited message exchanged with a worker.
	maxWorkerMessageSize = 16 * 1024 * 1024

	// stderrTailLines is how much worker stderr output is kept for error reporting.
	stderrTailLines = 64
)

// WorkerHandle is the manager's view of a running proxy worker.
type WorkerHandle interface {
	// Send delivers a command to the worker. Commands are delivered in call order.
	Send(cmd WorkerCommand) error

	// Messages yields serialized ProxyMessages. The channel is closed once the worker
	// has exited and all of its output has been delivered.
	Messages() <-chan []byte

	// Exited is closed when the worker has exited.
	Exited() <-chan struct{}

	// ExitStatus returns the exit code (nil when unknown) and terminating signal. Valid after Exited is closed.
	ExitStatus() (*int, string)

	// Stderr returns the most recent diagnostic output of the worker.
	Stderr() string

	Kill() error
}

// WorkerLauncher starts proxy workers.
type WorkerLauncher interface {
	Launch(ctx context.Context, sessionID string) (WorkerHandle, error)
}

// InProcessWorkerLauncher runs workers as goroutines of the current process.
// Commands and messages are still serialized, so the worker sees exactly what a subprocess would.
type InProcessWorkerLauncher struct {
	Options ProxyWorkerOptions
}

var _ WorkerLauncher = (*InProcessWorkerLauncher)(nil)

func (l *InProcessWorkerLauncher) Launch(ctx context.Context, sessionID string) (WorkerHandle, error) {
	h := &inProcessWorker{
		messages: chanx.NewUnboundedChan[[]byte](context.Background(), 16),
	}

	opts := l.Options
	if opts.Logger.GetSink() != nil {
		opts.Logger = opts.Logger.WithValues("sessionId", sessionID)
	}
	h.worker = NewProxyWorker(h.deliver, opts)

	go func() {
		select {
		case <-h.worker.Done():
		case <-ctx.Done():
			h.worker.Shutdown()
		}
		h.closeMessages()
	}()

	return h, nil
}

type inProcessWorker struct {
	worker   *ProxyWorker
	messages *chanx.UnboundedChan[[]byte]

	lock   sync.Mutex
	closed bool
}

func (h *inProcessWorker) deliver(msg ProxyMessage) {
	raw, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		return
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	if h.closed {
		return
	}
	h.messages.In <- raw
}

func (h *inProcessWorker) closeMessages() {
	h.lock.Lock()
	defer h.lock.Unlock()
	if !h.closed {
		h.closed = true
		close(h.messages.In)
	}
}

func (h *inProcessWorker) Send(cmd WorkerCommand) error {
	select {
	case <-h.worker.Done():
		return ErrProxyClosed
	default:
	}

	raw, marshalErr := json.Marshal(cmd)
	if marshalErr != nil {
		return fmt.Errorf("failed to serialize worker command: %w", marshalErr)
	}
	var decoded WorkerCommand
	if unmarshalErr := json.Unmarshal(raw, &decoded); unmarshalErr != nil {
		return fmt.Errorf("failed to deserialize worker command: %w", unmarshalErr)
	}

	h.worker.HandleCommand(decoded)
	return nil
}

func (h *inProcessWorker) Messages() <-chan []byte {
	return h.messages.Out
}

func (h *inProcessWorker) Exited() <-chan struct{} {
	return h.worker.Done()
}

func (h *inProcessWorker) ExitStatus() (*int, string) {
	code := 0
	return &code, ""
}

func (h *inProcessWorker) Stderr() string {
	return ""
}

func (h *inProcessWorker) Kill() error {
	go h.worker.Shutdown()
	return nil
}

// SubprocessWorkerLauncher runs each worker as a child process speaking newline-delimited JSON
// over its stdin and stdout.
type SubprocessWorkerLauncher struct {
	// Executable is the worker program. Defaults to the current executable.
	Executable string

	// Args are passed to the worker program. Defaults to "worker".
	Args []string

	// Env is appended to the ambient environment of the worker.
	Env []string

	Executor process.Executor
	Logger   logr.Logger
}

var _ WorkerLauncher = (*SubprocessWorkerLauncher)(nil)

func (l *SubprocessWorkerLauncher) Launch(ctx context.Context, sessionID string) (WorkerHandle, error) {
	log := l.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithValues("sessionId", sessionID)

	executable := l.Executable
	if executable == "" {
		self, exeErr := os.Executable()
		if exeErr != nil {
			return nil, fmt.Errorf("failed to locate worker executable: %w", exeErr)
		}
		executable = self
	}
	args := l.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}
	executor := l.Executor
	if executor == nil {
		executor = process.NewOSExecutor(log)
	}

	cmd := exec.Command(executable, args...)
	cmd.Env = append(os.Environ(), l.Env...)

	stdin, stdinErr := cmd.StdinPipe()
	if stdinErr != nil {
		return nil, fmt.Errorf("failed to create worker stdin pipe: %w", stdinErr)
	}
	stdout, stdoutWriter, pipeErr := os.Pipe()
	if pipeErr != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create worker stdout pipe: %w", pipeErr)
	}
	cmd.Stdout = stdoutWriter
	stderr, stderrErr := cmd.StderrPipe()
	if stderrErr != nil {
		closeAll(stdin, stdout, stdoutWriter)
		return nil, fmt.Errorf("failed to create worker stderr pipe: %w", stderrErr)
	}

	h := &subprocessWorker{
		log:      log,
		executor: executor,
		stdin:    stdin,
		messages: chanx.NewUnboundedChan[[]byte](context.Background(), 16),
		exited:   make(chan struct{}),
		exitCode: process.UnknownExitCode,
		stderr:   container.NewTailBuffer[string](stderrTailLines),
	}

	exitHandler := process.ProcessExitHandlerFunc(func(pid process.Pid_t, exitCode int32, err error) {
		h.lock.Lock()
		h.exitCode = exitCode
		h.signal = exitSignal(cmd.ProcessState)
		h.lock.Unlock()
		close(h.exited)
		log.V(1).Info("Proxy worker exited", "pid", pid, "exitCode", exitCode, "error", err)
	})

	pid, startTime, startWaitForExit, startErr := executor.StartProcess(ctx, cmd, exitHandler, process.CreationFlagEnsureKillOnDispose)
	if startErr != nil {
		closeAll(stdin, stdout, stdoutWriter)
		return nil, fmt.Errorf("failed to start proxy worker: %w", startErr)
	}
	stdoutWriter.Close()
	h.pid = pid
	h.startTime = startTime

	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		h.readMessages(stdout)
	}()
	go h.readStderr(stderr)
	go func() {
		<-stdoutDone
		<-h.exited
		close(h.messages.In)
	}()

	startWaitForExit()
	log.Info("Started proxy worker", "pid", pid, "executable", executable)
	return h, nil
}

type subprocessWorker struct {
	log       logr.Logger
	executor  process.Executor
	pid       process.Pid_t
	startTime time.Time

	writeLock sync.Mutex
	stdin     io.WriteCloser

	messages *chanx.UnboundedChan[[]byte]
	exited   chan struct{}

	lock     sync.Mutex
	exitCode int32
	signal   string
	stderr   *container.TailBuffer[string]
}

func (h *subprocessWorker) readMessages(stdout io.ReadCloser) {
	defer stdout.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxWorkerMessageSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		h.messages.In <- append([]byte(nil), line...)
	}
	if scanErr := scanner.Err(); scanErr != nil && !errors.Is(scanErr, os.ErrClosed) {
		h.log.Info("Error reading proxy worker output", "error", scanErr.Error())
	}
}

func (h *subprocessWorker) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		h.log.V(1).Info("Proxy worker stderr", "output", line)
		h.stderr.Push(line)
	}
}

func (h *subprocessWorker) Send(cmd WorkerCommand) error {
	raw, marshalErr := json.Marshal(cmd)
	if marshalErr != nil {
		return fmt.Errorf("failed to serialize worker command: %w", marshalErr)
	}

	select {
	case <-h.exited:
		return ErrProxyClosed
	default:
	}

	h.writeLock.Lock()
	defer h.writeLock.Unlock()
	if _, writeErr := h.stdin.Write(append(raw, '\n')); writeErr != nil {
		return fmt.Errorf("%w: %w", ErrProxyClosed, writeErr)
	}
	return nil
}

func (h *subprocessWorker) Messages() <-chan []byte {
	return h.messages.Out
}

func (h *subprocessWorker) Exited() <-chan struct{} {
	return h.exited
}

func (h *subprocessWorker) ExitStatus() (*int, string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.exitCode == process.UnknownExitCode {
		return nil, h.signal
	}
	code := int(h.exitCode)
	return &code, h.signal
}

func (h *subprocessWorker) Stderr() string {
	return strings.Join(h.stderr.Values(), "\n")
}

func (h *subprocessWorker) Kill() error {
	h.writeLock.Lock()
	_ = h.stdin.Close()
	h.writeLock.Unlock()
	return h.executor.StopProcess(h.pid, h.startTime)
}

// RunWorkerLoop serves a ProxyWorker over a pair of streams: commands are read from r and
// messages are written to w, one JSON document per line. It returns when the worker terminates,
// the command stream ends, or ctx is cancelled.
func RunWorkerLoop(ctx context.Context, r io.Reader, w io.Writer, opts ProxyWorkerOptions) error {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	var writeErr error
	worker := NewProxyWorker(func(msg ProxyMessage) {
		raw, marshalErr := json.Marshal(msg)
		if marshalErr != nil {
			log.Error(marshalErr, "Failed to serialize proxy message", "type", msg.Type)
			return
		}
		if writeErr != nil {
			return
		}
		if _, writeErr = w.Write(append(raw, '\n')); writeErr != nil {
			log.Error(writeErr, "Failed to write proxy message")
		}
	}, opts)

	inputDone := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), maxWorkerMessageSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			var cmd WorkerCommand
			if unmarshalErr := json.Unmarshal(line, &cmd); unmarshalErr != nil {
				log.Info("Ignoring malformed worker command", "error", unmarshalErr.Error())
				continue
			}
			worker.HandleCommand(cmd)
		}
		inputDone <- scanner.Err()
	}()

	select {
	case <-worker.Done():
		return nil
	case inputErr := <-inputDone:
		log.Info("Command stream closed, shutting down")
		worker.Shutdown()
		return inputErr
	case <-ctx.Done():
		worker.Shutdown()
		return nil
	}
}
