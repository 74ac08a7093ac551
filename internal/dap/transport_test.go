/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/testutil"
)

func TestTCPTransport(t *testing.T) {
	t.Parallel()

	listener, listenErr := nettest.NewLocalListener("tcp")
	require.NoError(t, listenErr)
	defer listener.Close()

	var serverConn net.Conn
	var acceptErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverConn, acceptErr = listener.Accept()
	}()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	clientTransport, dialErr := DialTCP(ctx, listener.Addr().String())
	require.NoError(t, dialErr)

	wg.Wait()
	require.NoError(t, acceptErr)
	serverTransport := NewTCPTransport(serverConn)
	defer serverTransport.Close()

	t.Run("write and read message", func(t *testing.T) {
		request := &dap.InitializeRequest{
			Request: dap.Request{
				ProtocolMessage: dap.ProtocolMessage{Seq: 1, Type: "request"},
				Command:         "initialize",
			},
		}

		require.NoError(t, clientTransport.WriteMessage(request))

		received, readErr := serverTransport.ReadMessage()
		require.NoError(t, readErr)

		initReq, ok := received.(*dap.InitializeRequest)
		require.True(t, ok)
		assert.Equal(t, 1, initReq.Seq)
		assert.Equal(t, "initialize", initReq.Command)
	})

	t.Run("close prevents further operations", func(t *testing.T) {
		assert.NoError(t, clientTransport.Close())

		writeErr := clientTransport.WriteMessage(&dap.InitializeRequest{})
		assert.ErrorIs(t, writeErr, ErrProxyClosed)

		// Double close should not panic
		assert.NoError(t, clientTransport.Close())
	})
}

func TestStdioTransport(t *testing.T) {
	t.Parallel()

	serverRead, clientWrite := io.Pipe()
	clientRead, serverWrite := io.Pipe()

	clientTransport := NewStdioTransport(clientRead, clientWrite)
	serverTransport := NewStdioTransport(serverRead, serverWrite)
	defer clientTransport.Close()
	defer serverTransport.Close()

	request := &dap.ThreadsRequest{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: 7, Type: "request"},
			Command:         "threads",
		},
	}

	readDone := make(chan dap.Message, 1)
	go func() {
		msg, _ := serverTransport.ReadMessage()
		readDone <- msg
	}()

	require.NoError(t, clientTransport.WriteMessage(request))

	select {
	case msg := <-readDone:
		threadsReq, ok := msg.(*dap.ThreadsRequest)
		require.True(t, ok)
		assert.Equal(t, 7, threadsReq.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not received")
	}
}

func TestTransportDecodesUnknownMessagesGenerically(t *testing.T) {
	t.Parallel()

	var input bytes.Buffer
	input.Write(EncodeFrame([]byte(`{"seq":1,"type":"request","command":"handshake","arguments":{"value":"abc"}}`)))
	input.Write(EncodeFrame([]byte(`{"seq":2,"type":"event","event":"customProgress","body":{"percent":40}}`)))
	input.Write(EncodeFrame([]byte(`{"seq":3,"type":"response","request_seq":9,"command":"customQuery","success":true,"body":{"ok":true}}`)))

	transport := NewStreamTransport(&input, io.Discard)

	msg, readErr := transport.ReadMessage()
	require.NoError(t, readErr)
	req, ok := msg.(*GenericRequest)
	require.True(t, ok)
	assert.Equal(t, "handshake", req.Command)
	assert.JSONEq(t, `{"value":"abc"}`, string(req.Arguments))

	msg, readErr = transport.ReadMessage()
	require.NoError(t, readErr)
	event, ok := msg.(*GenericEvent)
	require.True(t, ok)
	assert.Equal(t, "customProgress", event.Event.Event)
	assert.JSONEq(t, `{"percent":40}`, string(event.Body))

	msg, readErr = transport.ReadMessage()
	require.NoError(t, readErr)
	resp, ok := msg.(*GenericResponse)
	require.True(t, ok)
	assert.Equal(t, 9, resp.RequestSeq)
	assert.True(t, resp.Success)
}

func TestTransportSurvivesMalformedFrame(t *testing.T) {
	t.Parallel()

	var input bytes.Buffer
	input.Write(EncodeFrame([]byte(`{not json`)))
	input.Write(EncodeFrame([]byte(`{"seq":4,"type":"event","event":"initialized"}`)))

	transport := NewStreamTransport(&input, io.Discard)

	_, readErr := transport.ReadMessage()
	require.ErrorIs(t, readErr, ErrInvalidMessage)

	msg, readErr := transport.ReadMessage()
	require.NoError(t, readErr)
	_, ok := msg.(*dap.InitializedEvent)
	assert.True(t, ok)
}

func TestGenericRequestSerialization(t *testing.T) {
	t.Parallel()

	var output bytes.Buffer
	transport := NewStreamTransport(bytes.NewReader(nil), &output)

	req := NewGenericRequest(12, "evaluate", json.RawMessage(`{"expression":"x"}`))
	require.NoError(t, transport.WriteMessage(req))

	parser := NewFrameParser()
	frames := parser.Feed(output.Bytes())
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"seq":12,"type":"request","command":"evaluate","arguments":{"expression":"x"}}`, string(frames[0]))
}
