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
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/process"
)

const bridgeReadBufferSize = 32 * 1024

// DefaultBridgeBackendArgs makes the backend speak DAP over its stdio.
var DefaultBridgeBackendArgs = []string{"--interpreter=vscode"}

// StdioBridgeConfig configures a StdioBridge.
type StdioBridgeConfig struct {
	// Command is the backend executable. It is resolved with LookPath before anything is started.
	Command string

	// Args are the backend arguments. Defaults to DefaultBridgeBackendArgs.
	Args []string

	// Env is appended to the ambient environment of the backend.
	Env []string

	// Signer answers the backend's handshake challenge. Required.
	Signer Signer

	// SymbolConverter optionally prepares symbol files before the backend starts.
	SymbolConverter SymbolConverter

	// LookPath resolves Command. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)

	Executor process.Executor
	Logger   logr.Logger
}

// StdioBridge exposes a backend that speaks DAP only over stdio on a TCP socket.
// It serves exactly one connection and answers the backend's signing handshake itself,
// so the socket client never sees it.
type StdioBridge struct {
	config   StdioBridgeConfig
	executor process.Executor
	log      logr.Logger

	// stdinLock serializes writes to the backend stdin, which receives both relayed client
	// frames and the handshake response.
	stdinLock sync.Mutex

	handshakeDone atomic.Bool
}

func NewStdioBridge(config StdioBridgeConfig) *StdioBridge {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	executor := config.Executor
	if executor == nil {
		executor = process.NewOSExecutor(log)
	}
	if len(config.Args) == 0 {
		config.Args = DefaultBridgeBackendArgs
	}
	if config.LookPath == nil {
		config.LookPath = exec.LookPath
	}

	return &StdioBridge{
		config:   config,
		executor: executor,
		log:      log.WithName("stdio-bridge"),
	}
}

// ListenAndServe listens on host:port and serves the first connection.
func (b *StdioBridge) ListenAndServe(ctx context.Context, host string, port int) error {
	commandPath, checkErr := b.preflight()
	if checkErr != nil {
		return checkErr
	}

	var lc net.ListenConfig
	listener, listenErr := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if listenErr != nil {
		return fmt.Errorf("failed to listen on %s:%d: %w", host, port, listenErr)
	}

	return b.serve(ctx, listener, commandPath)
}

// Serve accepts one connection from listener, then closes the listener and bridges the
// connection to a freshly started backend until either side goes away.
func (b *StdioBridge) Serve(ctx context.Context, listener net.Listener) error {
	commandPath, checkErr := b.preflight()
	if checkErr != nil {
		listener.Close()
		return checkErr
	}
	return b.serve(ctx, listener, commandPath)
}

// preflight fails fast on a missing backend or signer, before any connection is accepted.
func (b *StdioBridge) preflight() (string, error) {
	if b.config.Command == "" {
		return "", fmt.Errorf("%w: no backend command configured", ErrCommandNotFound)
	}
	commandPath, lookErr := b.config.LookPath(b.config.Command)
	if lookErr != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrCommandNotFound, b.config.Command, lookErr)
	}
	if b.config.Signer == nil {
		return "", fmt.Errorf("%w: no signing capability available", ErrHandshakeFailed)
	}
	return commandPath, nil
}

func (b *StdioBridge) serve(ctx context.Context, listener net.Listener, commandPath string) error {
	b.log.Info("Waiting for connection", "address", listener.Addr().String())

	conn, acceptErr := b.acceptOne(ctx, listener)
	if acceptErr != nil {
		return acceptErr
	}
	defer conn.Close()
	b.log.Info("Client connected", "remote", conn.RemoteAddr().String())

	if b.config.SymbolConverter != nil {
		restore, convertErr := b.config.SymbolConverter.Convert(ctx)
		if convertErr != nil {
			b.log.Info("Symbol conversion failed, continuing with original symbols", "error", convertErr.Error())
		}
		defer restore()
	}

	return b.run(ctx, conn, commandPath)
}

func (b *StdioBridge) acceptOne(ctx context.Context, listener net.Listener) (net.Conn, error) {
	defer listener.Close()

	stopWatching := context.AfterFunc(ctx, func() {
		listener.Close()
	})
	defer stopWatching()

	conn, acceptErr := listener.Accept()
	if acceptErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to accept connection: %w", acceptErr)
	}
	return conn, nil
}

func (b *StdioBridge) run(ctx context.Context, conn net.Conn, commandPath string) error {
	cmd := exec.Command(commandPath, b.config.Args...)
	cmd.Env = append(os.Environ(), b.config.Env...)

	stdin, stdinErr := cmd.StdinPipe()
	if stdinErr != nil {
		return fmt.Errorf("failed to create backend stdin pipe: %w", stdinErr)
	}
	stdout, stdoutWriter, pipeErr := os.Pipe()
	if pipeErr != nil {
		stdin.Close()
		return fmt.Errorf("failed to create backend stdout pipe: %w", pipeErr)
	}
	cmd.Stdout = stdoutWriter
	stderr, stderrErr := cmd.StderrPipe()
	if stderrErr != nil {
		closeAll(stdin, stdout, stdoutWriter)
		return fmt.Errorf("failed to create backend stderr pipe: %w", stderrErr)
	}

	backendDone := make(chan struct{})
	exitHandler := process.ProcessExitHandlerFunc(func(pid process.Pid_t, exitCode int32, err error) {
		b.log.Info("Backend exited", "pid", pid, "exitCode", exitCode, "error", err)
		close(backendDone)
	})

	pid, startTime, startWaitForExit, startErr := b.executor.StartProcess(ctx, cmd, exitHandler, process.CreationFlagEnsureKillOnDispose)
	if startErr != nil {
		closeAll(stdin, stdout, stdoutWriter)
		b.sendOutputEvent(conn, fmt.Sprintf("failed to start debug backend: %v", startErr))
		return fmt.Errorf("failed to start backend: %w", startErr)
	}
	stdoutWriter.Close()
	startWaitForExit()
	go b.logBackendStderr(stderr)

	b.log.Info("Started backend", "command", commandPath, "args", b.config.Args, "pid", pid)

	g, gctx := errgroup.WithContext(ctx)
	relayCtx, cancelRelay := context.WithCancel(gctx)
	defer cancelRelay()

	// A failed relay cancels gctx through the group, after its error has been recorded.
	// A relay that ends cleanly has to stop the other one itself.
	g.Go(func() error {
		relayErr := b.relayClientToBackend(conn, stdin)
		if relayErr == nil {
			cancelRelay()
		}
		return relayErr
	})

	g.Go(func() error {
		relayErr := b.relayBackendToClient(relayCtx, stdout, stdin, conn)
		if relayErr == nil {
			cancelRelay()
		}
		return relayErr
	})

	g.Go(func() error {
		<-relayCtx.Done()
		conn.Close()
		stdout.Close()
		b.stdinLock.Lock()
		stdin.Close()
		b.stdinLock.Unlock()

		select {
		case <-backendDone:
		default:
			if stopErr := b.executor.StopProcess(pid, startTime); stopErr != nil {
				b.log.V(1).Info("Failed to stop backend", "error", stopErr.Error())
			}
		}
		return nil
	})

	runErr := g.Wait()
	if isClosedConnError(runErr) {
		runErr = nil
	}
	return filterContextError(runErr, ctx, b.log)
}

// relayClientToBackend copies client frames to the backend stdin, re-framing each complete message.
func (b *StdioBridge) relayClientToBackend(conn net.Conn, stdin io.Writer) error {
	parser := NewFrameParser()
	buf := make([]byte, bridgeReadBufferSize)

	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			for _, frame := range parser.Feed(buf[:n]) {
				if writeErr := b.writeToBackend(stdin, EncodeFrame(frame)); writeErr != nil {
					return fmt.Errorf("failed to write to backend: %w", writeErr)
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				b.log.Info("Client disconnected")
				return nil
			}
			return fmt.Errorf("failed to read from client: %w", readErr)
		}
	}
}

// relayBackendToClient forwards backend output to the client. Until the handshake is answered,
// output is parsed frame by frame so the handshake request can be intercepted; afterwards bytes
// are copied unchanged.
func (b *StdioBridge) relayBackendToClient(ctx context.Context, stdout io.Reader, stdin io.Writer, conn net.Conn) error {
	parser := NewFrameParser()
	buf := make([]byte, bridgeReadBufferSize)

	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			if b.handshakeDone.Load() {
				if _, writeErr := conn.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("failed to write to client: %w", writeErr)
				}
			} else if forwardErr := b.interceptHandshake(ctx, parser, buf[:n], stdin, conn); forwardErr != nil {
				return forwardErr
			}
		}

		if readErr != nil {
			if b.handshakeDone.Load() || ctx.Err() != nil {
				if errors.Is(readErr, io.EOF) || errors.Is(readErr, os.ErrClosed) {
					return nil
				}
				return fmt.Errorf("failed to read from backend: %w", readErr)
			}

			handshakeErr := fmt.Errorf("%w: backend exited before completing the handshake", ErrHandshakeFailed)
			b.log.Error(handshakeErr, "Handshake failed")
			b.sendOutputEvent(conn, "handshake failed: debug backend exited before completing the handshake")
			return handshakeErr
		}
	}
}

func (b *StdioBridge) interceptHandshake(ctx context.Context, parser *FrameParser, data []byte, stdin io.Writer, conn net.Conn) error {
	for _, frame := range parser.Feed(data) {
		if b.handshakeDone.Load() || !isHandshakeRequest(frame) {
			if _, writeErr := conn.Write(EncodeFrame(frame)); writeErr != nil {
				return fmt.Errorf("failed to write to client: %w", writeErr)
			}
			continue
		}

		b.log.Info("Received handshake challenge")
		if answerErr := b.answerHandshake(ctx, frame, stdin); answerErr != nil {
			b.sendOutputEvent(conn, fmt.Sprintf("handshake failed: %v", answerErr))
			return answerErr
		}
		b.handshakeDone.Store(true)
		b.log.Info("Handshake completed")
	}

	if b.handshakeDone.Load() {
		if remainder := parser.Remainder(); len(remainder) > 0 {
			if _, writeErr := conn.Write(remainder); writeErr != nil {
				return fmt.Errorf("failed to write to client: %w", writeErr)
			}
		}
	}
	return nil
}

func (b *StdioBridge) answerHandshake(ctx context.Context, frame []byte, stdin io.Writer) error {
	request := gjson.ParseBytes(frame)
	challenge := request.Get("arguments.value").String()

	signature, signErr := b.config.Signer.Sign(ctx, challenge)
	if signErr != nil {
		if !errors.Is(signErr, ErrHandshakeFailed) {
			signErr = fmt.Errorf("%w: %w", ErrHandshakeFailed, signErr)
		}
		return signErr
	}

	response, buildErr := handshakeResponse(request.Get("seq").Int(), signature)
	if buildErr != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, buildErr)
	}
	if writeErr := b.writeToBackend(stdin, EncodeFrame(response)); writeErr != nil {
		return fmt.Errorf("%w: failed to send handshake response: %w", ErrHandshakeFailed, writeErr)
	}
	return nil
}

func (b *StdioBridge) writeToBackend(stdin io.Writer, data []byte) error {
	b.stdinLock.Lock()
	defer b.stdinLock.Unlock()
	_, writeErr := stdin.Write(data)
	return writeErr
}

// sendOutputEvent tells the client why the session is about to end. Errors are logged only,
// since the connection is closing anyway.
func (b *StdioBridge) sendOutputEvent(conn net.Conn, message string) {
	event := &dap.OutputEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "event"},
			Event:           "output",
		},
		Body: dap.OutputEventBody{Category: "important", Output: message + "\n"},
	}
	body, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		return
	}
	if _, writeErr := conn.Write(EncodeFrame(body)); writeErr != nil {
		b.log.V(1).Info("Failed to send output event to client", "error", writeErr.Error())
	}
}

func (b *StdioBridge) logBackendStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		b.log.Info("Backend stderr", "output", scanner.Text())
	}
}

// isHandshakeRequest recognizes the backend's signing challenge by its shape.
func isHandshakeRequest(frame []byte) bool {
	if !gjson.ValidBytes(frame) {
		return false
	}
	msg := gjson.ParseBytes(frame)
	return msg.Get("type").String() == "request" && msg.Get("command").String() == "handshake"
}

func handshakeResponse(requestSeq int64, signature string) ([]byte, error) {
	response := []byte(`{}`)
	var setErr error
	for _, kv := range []struct {
		path  string
		value any
	}{
		{"type", "response"},
		{"request_seq", requestSeq},
		{"command", "handshake"},
		{"success", true},
		{"body.signature", signature},
	} {
		if response, setErr = sjson.SetBytes(response, kv.path, kv.value); setErr != nil {
			return nil, setErr
		}
	}
	return response, nil
}

func isClosedConnError(err error) bool {
	return err != nil && (errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed))
}
