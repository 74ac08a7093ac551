/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/net/nettest"
)

// recordedRequest is a request a fakeAdapter received.
type recordedRequest struct {
	Command   string
	Arguments gjson.Result
}

// fakeAdapter is a scripted debug adapter listening on a local TCP port.
type fakeAdapter struct {
	listener net.Listener

	requests  chan recordedRequest
	responses chan *dap.Response

	// onRequest replaces the default answer for a command. Returning false falls back to the default.
	onRequest func(a *fakeAdapter, req dap.RequestMessage) bool

	lock      sync.Mutex
	transport Transport
	seq       int
}

func startFakeAdapter(t *testing.T) *fakeAdapter {
	t.Helper()

	listener, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)

	a := &fakeAdapter{
		listener:  listener,
		requests:  make(chan recordedRequest, 100),
		responses: make(chan *dap.Response, 100),
	}
	t.Cleanup(func() {
		listener.Close()
		a.lock.Lock()
		if a.transport != nil {
			a.transport.Close()
		}
		a.lock.Unlock()
	})

	go a.serve()
	return a
}

func (a *fakeAdapter) port() int {
	return a.listener.Addr().(*net.TCPAddr).Port
}

func (a *fakeAdapter) serve() {
	conn, acceptErr := a.listener.Accept()
	if acceptErr != nil {
		return
	}
	transport := NewTCPTransport(conn)
	a.lock.Lock()
	a.transport = transport
	a.lock.Unlock()

	for {
		msg, readErr := transport.ReadMessage()
		if readErr != nil {
			return
		}

		switch m := msg.(type) {
		case dap.RequestMessage:
			raw, _ := json.Marshal(m)
			a.requests <- recordedRequest{
				Command:   m.GetRequest().Command,
				Arguments: gjson.GetBytes(raw, "arguments"),
			}
			if a.onRequest != nil && a.onRequest(a, m) {
				continue
			}
			a.answer(m)
		case dap.ResponseMessage:
			a.responses <- m.GetResponse()
		}
	}
}

// answer implements a well-behaved adapter: initialized is sent when launch arrives,
// and the debuggee stops on entry once configuration is done.
func (a *fakeAdapter) answer(req dap.RequestMessage) {
	request := req.GetRequest()
	switch request.Command {
	case "initialize":
		a.respond(request, true, `{"supportsConfigurationDoneRequest":true}`)
	case "launch", "attach":
		a.event("initialized", "")
		a.respond(request, true, "")
	case "setBreakpoints":
		a.respond(request, true, `{"breakpoints":[{"verified":true}]}`)
	case "configurationDone":
		a.respond(request, true, "")
		a.event("stopped", `{"reason":"entry","threadId":1}`)
	case "threads":
		a.respond(request, true, `{"threads":[{"id":1,"name":"MainThread"}]}`)
	case "evaluate":
		a.respond(request, false, "")
	default:
		a.respond(request, true, `{}`)
	}
}

func (a *fakeAdapter) nextSeq() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.seq++
	return a.seq
}

func (a *fakeAdapter) write(msg dap.Message) {
	a.lock.Lock()
	transport := a.transport
	a.lock.Unlock()
	if transport != nil {
		_ = transport.WriteMessage(msg)
	}
}

func (a *fakeAdapter) respond(req *dap.Request, success bool, body string) {
	resp := newTestResponse(req, success, body)
	resp.Seq = a.nextSeq()
	a.write(resp)
}

func (a *fakeAdapter) event(name string, body string) {
	ev := newTestEvent(name, body)
	ev.Seq = a.nextSeq()
	a.write(ev)
}

// reverseRequest sends a request from the adapter to the client.
func (a *fakeAdapter) reverseRequest(req dap.RequestMessage) {
	req.GetRequest().Seq = a.nextSeq()
	a.write(req)
}

// nextRequest returns the next request the adapter received.
func (a *fakeAdapter) nextRequest(t *testing.T) recordedRequest {
	t.Helper()
	select {
	case req := <-a.requests:
		return req
	case <-time.After(testCommandTimeout):
		require.Fail(t, "timed out waiting for a request at the fake adapter")
		return recordedRequest{}
	}
}

// expectRequests asserts the adapter receives exactly these commands, in order.
func (a *fakeAdapter) expectRequests(t *testing.T, commands ...string) []recordedRequest {
	t.Helper()
	received := make([]recordedRequest, 0, len(commands))
	for _, command := range commands {
		req := a.nextRequest(t)
		require.Equal(t, command, req.Command)
		received = append(received, req)
	}
	return received
}

func (a *fakeAdapter) nextResponse(t *testing.T) *dap.Response {
	t.Helper()
	select {
	case resp := <-a.responses:
		return resp
	case <-time.After(testCommandTimeout):
		require.Fail(t, "timed out waiting for a reverse request response")
		return nil
	}
}
