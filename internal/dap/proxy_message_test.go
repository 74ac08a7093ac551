// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidProxyMessage(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		input string
		valid bool
	}{
		{`{"sessionId":"s","type":"status"}`, true},
		{`{"sessionId":"s","type":"anything"}`, true},
		{`{"sessionId":"s"}`, false},
		{`{"type":"status"}`, false},
		{`{"sessionId":1,"type":"status"}`, false},
		{`{"sessionId":"s","type":null}`, false},
		{`[]`, false},
		{`42`, false},
		{`not json`, false},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.valid, IsValidProxyMessage([]byte(tc.input)), tc.input)
	}
}

func TestParseProxyMessage(t *testing.T) {
	t.Parallel()

	msg, parseErr := ParseProxyMessage([]byte(`{"sessionId":"s1","type":"status","status":"adapter_exited","code":0,"signal":"SIGKILL"}`))
	require.NoError(t, parseErr)
	assert.Equal(t, ProxyMessageStatus, msg.Type)
	assert.Equal(t, StatusAdapterExited, msg.Status)
	require.NotNil(t, msg.Code)
	assert.Equal(t, 0, *msg.Code)
	assert.True(t, msg.Status.IsExit())

	_, parseErr = ParseProxyMessage([]byte(`{"sessionId":"s1","type":"dapEvent"}`))
	assert.ErrorIs(t, parseErr, ErrInvalidMessage)
}

func TestProxyMessageRoundTrip(t *testing.T) {
	t.Parallel()

	original := NewResponseMessage("s1", "req-1", true, json.RawMessage(`{"seq":3,"type":"response","body":{"threads":[{"id":1}]}}`), "")
	assert.JSONEq(t, `{"threads":[{"id":1}]}`, string(original.Body))

	raw, marshalErr := json.Marshal(original)
	require.NoError(t, marshalErr)

	parsed, parseErr := ParseProxyMessage(raw)
	require.NoError(t, parseErr)
	assert.Equal(t, original.RequestID, parsed.RequestID)
	assert.True(t, parsed.Success)
	assert.JSONEq(t, string(original.Body), string(parsed.Body))
}

func TestStatusIsExit(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusTerminated.IsExit())
	assert.True(t, StatusDapConnectionClosed.IsExit())
	assert.False(t, StatusAdapterConnected.IsExit())
	assert.False(t, StatusDryRunComplete.IsExit())
}

func TestWorkerCommandValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, NewInitCommand(&ProxyConfig{SessionID: "s1"}).Validate())
	assert.NoError(t, NewDapCommand("s1", "r1", "threads", nil).Validate())
	assert.NoError(t, NewTerminateCommand("s1").Validate())

	assert.ErrorIs(t, WorkerCommand{Cmd: WorkerCommandInit, SessionID: "s1"}.Validate(), ErrInvalidMessage)
	assert.ErrorIs(t, NewDapCommand("s1", "", "threads", nil).Validate(), ErrInvalidMessage)
	assert.ErrorIs(t, WorkerCommand{Cmd: "restart", SessionID: "s1"}.Validate(), ErrInvalidMessage)
	assert.ErrorIs(t, NewTerminateCommand("").Validate(), ErrInvalidMessage)
}
