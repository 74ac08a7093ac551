// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"
)

// Transport provides an abstraction for DAP message I/O over different connection types.
// Reads must come from a single goroutine; writes are serialized internally.
type Transport interface {
	// ReadMessage reads the next DAP protocol message from the transport.
	// Frames that are well formed but cannot be decoded into a typed message are returned
	// as GenericRequest, GenericResponse, or GenericEvent. Malformed JSON yields an error
	// wrapping ErrInvalidMessage; the stream stays usable after such an error.
	ReadMessage() (dap.Message, error)

	// WriteMessage writes a DAP protocol message to the transport.
	WriteMessage(msg dap.Message) error

	// Close closes the transport, releasing any associated resources.
	// After Close is called, any blocked ReadMessage or WriteMessage calls
	// should return with an error.
	Close() error
}

// GenericRequest is a request whose command go-dap does not know about (for example
// vendor handshakes), or one built from a raw command name and JSON arguments.
type GenericRequest struct {
	dap.Request
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// GenericResponse is a response whose command go-dap does not know about.
type GenericResponse struct {
	dap.Response
	Body json.RawMessage `json:"body,omitempty"`
}

// GenericEvent is an event whose name go-dap does not know about (for example adapter specific events).
type GenericEvent struct {
	dap.Event
	Body json.RawMessage `json:"body,omitempty"`
}

// NewGenericRequest builds a request for an arbitrary command with pre-serialized arguments.
func NewGenericRequest(seq int, command string, args json.RawMessage) *GenericRequest {
	return &GenericRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: "request"},
			Command:         command,
		},
		Arguments: args,
	}
}

// decodeMessage decodes a frame body, falling back to generic message types for
// commands and events go-dap does not model.
func decodeMessage(content []byte) (dap.Message, error) {
	msg, decodeErr := dap.DecodeProtocolMessage(content)
	if decodeErr == nil {
		return msg, nil
	}

	var fieldErr *dap.DecodeProtocolMessageFieldError
	if !errors.As(decodeErr, &fieldErr) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, decodeErr)
	}

	var base dap.ProtocolMessage
	if unmarshalErr := json.Unmarshal(content, &base); unmarshalErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, unmarshalErr)
	}

	var generic dap.Message
	switch base.Type {
	case "request":
		generic = &GenericRequest{}
	case "response":
		generic = &GenericResponse{}
	case "event":
		generic = &GenericEvent{}
	default:
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, decodeErr)
	}

	if unmarshalErr := json.Unmarshal(content, generic); unmarshalErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, unmarshalErr)
	}
	return generic, nil
}

// streamTransport implements Transport over any reader/writer pair (TCP connection, process pipes).
type streamTransport struct {
	reader  *bufio.Reader
	writer  *bufio.Writer
	closers []io.Closer

	// writeMu serializes writes so frames never interleave
	writeMu sync.Mutex

	closed bool
	mu     sync.Mutex
}

// NewTCPTransport creates a new Transport backed by a network connection.
func NewTCPTransport(conn net.Conn) Transport {
	return NewStreamTransport(conn, conn, conn)
}

// NewStdioTransport creates a new Transport backed by a process's stdout (read side) and stdin (write side).
func NewStdioTransport(stdout io.ReadCloser, stdin io.WriteCloser) Transport {
	return NewStreamTransport(stdout, stdin, stdin, stdout)
}

// NewStreamTransport creates a Transport over arbitrary streams. The closers are closed, in order, by Close.
func NewStreamTransport(r io.Reader, w io.Writer, closers ...io.Closer) Transport {
	return &streamTransport{
		reader:  bufio.NewReader(r),
		writer:  bufio.NewWriter(w),
		closers: closers,
	}
}

// DialTCP establishes a TCP connection to the specified address and returns a Transport.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, dialErr := d.DialContext(ctx, "tcp", address)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to dial TCP %s: %w", address, dialErr)
	}

	return NewTCPTransport(conn), nil
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *streamTransport) ReadMessage() (dap.Message, error) {
	if t.isClosed() {
		return nil, ErrProxyClosed
	}

	content, readErr := dap.ReadBaseMessage(t.reader)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read DAP message: %w", readErr)
	}

	return decodeMessage(content)
}

func (t *streamTransport) WriteMessage(msg dap.Message) error {
	if t.isClosed() {
		return ErrProxyClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if writeErr := dap.WriteProtocolMessage(t.writer, msg); writeErr != nil {
		return fmt.Errorf("failed to write DAP message: %w", writeErr)
	}

	if flushErr := t.writer.Flush(); flushErr != nil {
		return fmt.Errorf("failed to flush DAP message: %w", flushErr)
	}

	return nil
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	for _, c := range t.closers {
		if closeErr := c.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			errs = append(errs, closeErr)
		}
	}
	return errors.Join(errs...)
}
