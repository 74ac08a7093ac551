/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/smallnest/chanx"
)

// pendingRequest tracks a request that is awaiting a response.
type pendingRequest struct {
	command string

	// responseChan receives the response; it is closed if the client shuts down first.
	responseChan chan dap.Message
}

// pendingRequestMap is a thread-safe map of pending requests keyed by sequence number.
type pendingRequestMap struct {
	mu       sync.Mutex
	requests map[int]*pendingRequest
}

func newPendingRequestMap() *pendingRequestMap {
	return &pendingRequestMap{
		requests: make(map[int]*pendingRequest),
	}
}

func (m *pendingRequestMap) Add(seq int, req *pendingRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[seq] = req
}

// Get retrieves and removes a pending request from the map.
// Returns nil if no request exists for the given sequence number.
func (m *pendingRequestMap) Get(seq int) *pendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[seq]
	if !ok {
		return nil
	}

	delete(m.requests, seq)
	return req
}

func (m *pendingRequestMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// DrainWithError closes all response channels and clears the map.
// This unblocks every caller still waiting for a response.
func (m *pendingRequestMap) DrainWithError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, req := range m.requests {
		close(req.responseChan)
	}

	m.requests = make(map[int]*pendingRequest)
}

// sequenceCounter provides thread-safe sequence number generation.
type sequenceCounter struct {
	mu  sync.Mutex
	seq int
}

func newSequenceCounter() *sequenceCounter {
	return &sequenceCounter{seq: 0}
}

func (c *sequenceCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// ClientConfig contains configuration options for a DAP client.
type ClientConfig struct {
	// EventHandler receives every event from the adapter, in order, on a dedicated goroutine.
	// It may send requests through the client.
	EventHandler func(event dap.EventMessage)

	// ReverseRequestHandler receives requests originated by the adapter. Each request is handled
	// on its own goroutine. If nil, reverse requests are answered with a failed response.
	ReverseRequestHandler func(req dap.RequestMessage)

	// Logger is the logger for the client. If nil, logging is disabled.
	Logger logr.Logger
}

// Client is a DAP client that talks to a single debug adapter over a Transport.
// Requests are correlated with responses by sequence number, regardless of arrival order.
type Client struct {
	transport Transport
	config    ClientConfig
	log       logr.Logger

	seq     *sequenceCounter
	pending *pendingRequestMap

	events *chanx.UnboundedChan[dap.EventMessage]

	waitersLock sync.Mutex
	waiters     map[*EventWaiter]struct{}

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a client and starts reading from the transport.
// The client shuts down when ctx is cancelled, the transport fails, or Close is called.
func NewClient(ctx context.Context, transport Transport, config ClientConfig) *Client {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	c := &Client{
		transport: transport,
		config:    config,
		log:       log,
		seq:       newSequenceCounter(),
		pending:   newPendingRequestMap(),
		events:    chanx.NewUnboundedChan[dap.EventMessage](context.Background(), 16),
		waiters:   make(map[*EventWaiter]struct{}),
		done:      make(chan struct{}),
	}

	go c.readLoop()
	go c.dispatchEvents()

	go func() {
		select {
		case <-ctx.Done():
			c.shutdown(ctx.Err())
		case <-c.done:
		}
	}()

	return c
}

// Done returns a channel that is closed when the client has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the client shut down, or nil if it is still running or was closed explicitly.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Client) readLoop() {
	defer close(c.events.In)

	for {
		msg, readErr := c.transport.ReadMessage()
		if readErr != nil {
			if errors.Is(readErr, ErrInvalidMessage) {
				c.log.Info("Dropping invalid message from debug adapter", "error", readErr.Error())
				continue
			}
			c.shutdown(readErr)
			return
		}

		switch m := msg.(type) {
		case dap.ResponseMessage:
			resp := m.GetResponse()
			if pending := c.pending.Get(resp.RequestSeq); pending != nil {
				pending.responseChan <- m
			} else {
				c.log.V(1).Info("Received response for unknown request", "requestSeq", resp.RequestSeq, "command", resp.Command)
			}

		case dap.EventMessage:
			c.notifyWaiters(m)
			c.events.In <- m

		case dap.RequestMessage:
			c.handleReverseRequest(m)

		default:
			c.log.V(1).Info("Ignoring unexpected message from debug adapter", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (c *Client) dispatchEvents() {
	for event := range c.events.Out {
		if c.config.EventHandler != nil {
			c.config.EventHandler(event)
		}
	}
}

func (c *Client) handleReverseRequest(req dap.RequestMessage) {
	request := req.GetRequest()
	c.log.V(1).Info("Received reverse request", "command", request.Command, "seq", request.Seq)

	if c.config.ReverseRequestHandler == nil {
		if respondErr := c.Respond(request, false, "unhandled reverse request", nil); respondErr != nil {
			c.log.Error(respondErr, "Failed to reject reverse request", "command", request.Command)
		}
		return
	}

	go c.config.ReverseRequestHandler(req)
}

// Send sends a typed request and waits for its response. The sequence number is assigned by the client.
// A response with success=false is returned together with a *DapResponseError.
// If ctx expires before the response arrives, a *DapRequestTimeoutError is returned.
func (c *Client) Send(ctx context.Context, req dap.RequestMessage) (dap.ResponseMessage, error) {
	call, sendErr := c.write(req)
	if sendErr != nil {
		return nil, sendErr
	}
	return c.await(ctx, call)
}

// SendAsync writes the request before returning, so requests issued from one goroutine reach the
// adapter in call order. The outcome is delivered to onResult from another goroutine.
func (c *Client) SendAsync(ctx context.Context, command string, args json.RawMessage, onResult func(dap.ResponseMessage, error)) {
	call, sendErr := c.write(NewGenericRequest(0, command, args))
	if sendErr != nil {
		go onResult(nil, sendErr)
		return
	}
	go func() {
		onResult(c.await(ctx, call))
	}()
}

type inflightCall struct {
	seq      int
	command  string
	start    time.Time
	respChan chan dap.Message
}

func (c *Client) write(req dap.RequestMessage) (*inflightCall, error) {
	select {
	case <-c.done:
		return nil, ErrProxyClosed
	default:
	}

	request := req.GetRequest()
	request.Type = "request"
	request.Seq = c.seq.Next()
	call := &inflightCall{
		seq:      request.Seq,
		command:  request.Command,
		start:    time.Now(),
		respChan: make(chan dap.Message, 1),
	}
	c.pending.Add(call.seq, &pendingRequest{command: call.command, responseChan: call.respChan})

	c.log.V(1).Info("Sending request", "command", call.command, "seq", call.seq)
	if writeErr := c.transport.WriteMessage(req); writeErr != nil {
		c.pending.Get(call.seq)
		return nil, fmt.Errorf("failed to send '%s' request: %w", call.command, writeErr)
	}
	return call, nil
}

func (c *Client) await(ctx context.Context, call *inflightCall) (dap.ResponseMessage, error) {
	select {
	case msg, ok := <-call.respChan:
		if !ok {
			return nil, fmt.Errorf("%w: connection closed while waiting for '%s' response", ErrProxyClosed, call.command)
		}
		resp := msg.(dap.ResponseMessage)
		if !resp.GetResponse().Success {
			return resp, &DapResponseError{Command: call.command, Message: responseErrorMessage(resp)}
		}
		return resp, nil

	case <-ctx.Done():
		c.pending.Get(call.seq)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &DapRequestTimeoutError{Command: call.command, Elapsed: time.Since(call.start)}
		}
		return nil, ctx.Err()
	}
}

// SendRequest sends a request for an arbitrary command with pre-serialized arguments.
func (c *Client) SendRequest(ctx context.Context, command string, args json.RawMessage) (dap.ResponseMessage, error) {
	return c.Send(ctx, NewGenericRequest(0, command, args))
}

// Respond answers a reverse request received from the adapter.
func (c *Client) Respond(req *dap.Request, success bool, message string, body json.RawMessage) error {
	resp := &GenericResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: c.seq.Next(), Type: "response"},
			RequestSeq:      req.Seq,
			Command:         req.Command,
			Success:         success,
			Message:         message,
		},
		Body: body,
	}
	return c.transport.WriteMessage(resp)
}

// EventWaiter is a one-shot subscription for a named event.
type EventWaiter struct {
	client *Client
	event  string
	ch     chan dap.EventMessage
}

// ExpectEvent registers interest in the next event with the given name.
// Register before sending the request that triggers the event so it cannot be missed.
func (c *Client) ExpectEvent(event string) *EventWaiter {
	w := &EventWaiter{client: c, event: event, ch: make(chan dap.EventMessage, 1)}

	c.waitersLock.Lock()
	defer c.waitersLock.Unlock()
	c.waiters[w] = struct{}{}
	return w
}

// Wait blocks until the event arrives, the timeout elapses, or the client shuts down.
// Returns false if the event did not arrive.
func (w *EventWaiter) Wait(ctx context.Context, timeout time.Duration) (dap.EventMessage, bool) {
	defer w.Cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return ev, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	case <-w.client.done:
		return nil, false
	}
}

func (w *EventWaiter) Cancel() {
	w.client.waitersLock.Lock()
	defer w.client.waitersLock.Unlock()
	delete(w.client.waiters, w)
}

func (c *Client) notifyWaiters(event dap.EventMessage) {
	name := event.GetEvent().Event

	c.waitersLock.Lock()
	defer c.waitersLock.Unlock()

	for w := range c.waiters {
		if w.event != name {
			continue
		}
		w.ch <- event
		delete(c.waiters, w)
	}
}

// Close shuts the client down, failing every request still waiting for a response.
// It does not wait for queued events to be dispatched, so it may be called from the event handler.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		if closeErr := c.transport.Close(); closeErr != nil {
			c.log.V(1).Info("Error closing transport", "error", closeErr.Error())
		}
		c.pending.DrainWithError()
		close(c.done)
	})
}

func responseErrorMessage(resp dap.ResponseMessage) string {
	if errResp, ok := resp.(*dap.ErrorResponse); ok && errResp.Body.Error != nil && errResp.Body.Error.Format != "" {
		return errResp.Body.Error.Format
	}
	return resp.GetResponse().Message
}
