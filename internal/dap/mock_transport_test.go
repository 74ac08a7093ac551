// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/go-dap"
)

// mockTransport is a mock Transport implementation for testing.
type mockTransport struct {
	readChan  chan dap.Message
	writeChan chan dap.Message
	closed    bool
	mu        sync.Mutex
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		readChan:  make(chan dap.Message, 100),
		writeChan: make(chan dap.Message, 100),
	}
}

func (t *mockTransport) ReadMessage() (dap.Message, error) {
	msg, ok := <-t.readChan
	if !ok {
		return nil, ErrProxyClosed
	}
	return msg, nil
}

func (t *mockTransport) WriteMessage(msg dap.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrProxyClosed
	}
	t.mu.Unlock()

	t.writeChan <- msg
	return nil
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		close(t.readChan)
	}
	return nil
}

// Inject simulates receiving a message from the remote end.
func (t *mockTransport) Inject(msg dap.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.readChan <- msg
	}
}

// Receive gets the next message written to this transport.
func (t *mockTransport) Receive(timeout time.Duration) (dap.Message, bool) {
	select {
	case msg := <-t.writeChan:
		return msg, true
	case <-time.After(timeout):
		return nil, false
	}
}

// ReceiveRequest gets the next request written to this transport.
func (t *mockTransport) ReceiveRequest(timeout time.Duration) (*dap.Request, bool) {
	msg, ok := t.Receive(timeout)
	if !ok {
		return nil, false
	}
	req, isReq := msg.(dap.RequestMessage)
	if !isReq {
		return nil, false
	}
	return req.GetRequest(), true
}

func newTestResponse(req *dap.Request, success bool, body string) *GenericResponse {
	resp := &GenericResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: req.Seq + 1000, Type: "response"},
			RequestSeq:      req.Seq,
			Command:         req.Command,
			Success:         success,
		},
	}
	if body != "" {
		resp.Body = json.RawMessage(body)
	}
	if !success {
		resp.Message = req.Command + " failed"
	}
	return resp
}

func newTestEvent(event string, body string) *GenericEvent {
	ev := &GenericEvent{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Type: "event"},
			Event:           event,
		},
	}
	if body != "" {
		ev.Body = json.RawMessage(body)
	}
	return ev
}
