// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/testutil"
)

func TestClientMatchesResponsesOutOfOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	transport := newMockTransport()
	client := NewClient(ctx, transport, ClientConfig{})
	defer client.Close()

	commands := []string{"threads", "stackTrace", "scopes"}
	results := make(map[string]string)
	var resultsLock sync.Mutex
	var wg sync.WaitGroup

	for _, cmd := range commands {
		wg.Add(1)
		go func(cmd string) {
			defer wg.Done()
			resp, sendErr := client.SendRequest(ctx, cmd, json.RawMessage(`{}`))
			if !assert.NoError(t, sendErr) {
				return
			}
			resultsLock.Lock()
			results[cmd] = resp.GetResponse().Command
			resultsLock.Unlock()
		}(cmd)
	}

	var requests []*dap.Request
	for range commands {
		req, ok := transport.ReceiveRequest(time.Second)
		require.True(t, ok)
		requests = append(requests, req)
	}

	// Answer in reverse order
	for i := len(requests) - 1; i >= 0; i-- {
		transport.Inject(newTestResponse(requests[i], true, `{"ok":true}`))
	}

	wg.Wait()
	for _, cmd := range commands {
		assert.Equal(t, cmd, results[cmd])
	}
}

func TestClientFailedResponseReturnsError(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	transport := newMockTransport()
	client := NewClient(ctx, transport, ClientConfig{})
	defer client.Close()

	go func() {
		req, ok := transport.ReceiveRequest(time.Second)
		if ok {
			transport.Inject(newTestResponse(req, false, ""))
		}
	}()

	resp, sendErr := client.SendRequest(ctx, "evaluate", json.RawMessage(`{"expression":"1+"}`))
	require.Error(t, sendErr)
	require.NotNil(t, resp)

	var respErr *DapResponseError
	require.ErrorAs(t, sendErr, &respErr)
	assert.Equal(t, "evaluate", respErr.Command)
	assert.Equal(t, "evaluate failed", respErr.Message)
}

func TestClientRequestTimeout(t *testing.T) {
	t.Parallel()

	transport := newMockTransport()
	client := NewClient(context.Background(), transport, ClientConfig{})
	defer client.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer reqCancel()

	_, sendErr := client.SendRequest(reqCtx, "threads", nil)
	require.ErrorIs(t, sendErr, ErrDapRequestTimeout)

	var timeoutErr *DapRequestTimeoutError
	require.ErrorAs(t, sendErr, &timeoutErr)
	assert.Equal(t, "threads", timeoutErr.Command)
	assert.GreaterOrEqual(t, timeoutErr.Elapsed, 50*time.Millisecond)

	// A late response for the timed out request is ignored.
	req, ok := transport.ReceiveRequest(time.Second)
	require.True(t, ok)
	transport.Inject(newTestResponse(req, true, ""))
	assert.Eventually(t, func() bool { return client.pending.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestClientCloseFailsPendingRequests(t *testing.T) {
	t.Parallel()

	transport := newMockTransport()
	client := NewClient(context.Background(), transport, ClientConfig{})

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, sendErr := client.SendRequest(context.Background(), "threads", nil)
			errs <- sendErr
		}()
	}

	for i := 0; i < 3; i++ {
		_, ok := transport.ReceiveRequest(time.Second)
		require.True(t, ok)
	}

	require.NoError(t, client.Close())

	for i := 0; i < 3; i++ {
		select {
		case sendErr := <-errs:
			assert.ErrorIs(t, sendErr, ErrProxyClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request was not failed on close")
		}
	}

	_, sendErr := client.SendRequest(context.Background(), "threads", nil)
	assert.ErrorIs(t, sendErr, ErrProxyClosed)
}

func TestClientDeliversEventsInOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	received := make(chan string, 10)
	transport := newMockTransport()
	client := NewClient(ctx, transport, ClientConfig{
		EventHandler: func(event dap.EventMessage) {
			received <- event.GetEvent().Event
		},
	})
	defer client.Close()

	for _, name := range []string{"output", "thread", "stopped"} {
		transport.Inject(newTestEvent(name, `{}`))
	}

	for _, expected := range []string{"output", "thread", "stopped"} {
		select {
		case name := <-received:
			assert.Equal(t, expected, name)
		case <-ctx.Done():
			t.Fatal("event was not delivered")
		}
	}
}

func TestClientExpectEvent(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	transport := newMockTransport()
	client := NewClient(ctx, transport, ClientConfig{})
	defer client.Close()

	waiter := client.ExpectEvent("initialized")
	transport.Inject(newTestEvent("output", `{"output":"hello"}`))
	transport.Inject(&dap.InitializedEvent{Event: dap.Event{ProtocolMessage: dap.ProtocolMessage{Type: "event"}, Event: "initialized"}})

	ev, ok := waiter.Wait(ctx, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, "initialized", ev.GetEvent().Event)

	_, ok = client.ExpectEvent("stopped").Wait(ctx, 20*time.Millisecond)
	assert.False(t, ok)
}

func TestClientRejectsReverseRequestsWithoutHandler(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	transport := newMockTransport()
	client := NewClient(ctx, transport, ClientConfig{})
	defer client.Close()

	transport.Inject(&dap.RunInTerminalRequest{
		Request: dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: 3, Type: "request"}, Command: "runInTerminal"},
	})

	msg, ok := transport.Receive(time.Second)
	require.True(t, ok)
	resp, isResp := msg.(dap.ResponseMessage)
	require.True(t, isResp)
	assert.Equal(t, 3, resp.GetResponse().RequestSeq)
	assert.False(t, resp.GetResponse().Success)
}

func TestClientSendAsyncPreservesCallOrder(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	transport := newMockTransport()
	client := NewClient(ctx, transport, ClientConfig{})
	defer client.Close()

	type outcome struct {
		command string
		err     error
	}
	outcomes := make(chan outcome, 2)
	onResult := func(resp dap.ResponseMessage, err error) {
		if err != nil {
			outcomes <- outcome{err: err}
			return
		}
		outcomes <- outcome{command: resp.GetResponse().Command}
	}

	client.SendAsync(ctx, "setBreakpoints", json.RawMessage(`{"source":{"path":"/a.js"}}`), onResult)
	client.SendAsync(ctx, "setBreakpoints", json.RawMessage(`{"source":{"path":"/b.js"}}`), onResult)

	first, ok := transport.ReceiveRequest(time.Second)
	require.True(t, ok)
	second, ok := transport.ReceiveRequest(time.Second)
	require.True(t, ok)
	assert.Less(t, first.Seq, second.Seq, "requests must reach the transport in call order")

	transport.Inject(newTestResponse(second, true, ""))
	transport.Inject(newTestResponse(first, false, ""))

	var failures, successes int
	for i := 0; i < 2; i++ {
		select {
		case o := <-outcomes:
			if o.err != nil {
				var respErr *DapResponseError
				assert.ErrorAs(t, o.err, &respErr)
				failures++
			} else {
				assert.Equal(t, "setBreakpoints", o.command)
				successes++
			}
		case <-time.After(testCommandTimeout):
			require.Fail(t, "SendAsync result was not delivered")
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1, successes)
}

func TestClientSendAsyncAfterClose(t *testing.T) {
	t.Parallel()

	transport := newMockTransport()
	client := NewClient(context.Background(), transport, ClientConfig{})
	require.NoError(t, client.Close())

	result := make(chan error, 1)
	client.SendAsync(context.Background(), "threads", nil, func(_ dap.ResponseMessage, err error) {
		result <- err
	})

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrProxyClosed)
	case <-time.After(testCommandTimeout):
		require.Fail(t, "SendAsync result was not delivered")
	}
}
