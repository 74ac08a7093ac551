// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroPolicyIsLockStep(t *testing.T) {
	t.Parallel()

	var p AdapterPolicy
	assert.Equal(t, ReverseActionReject, p.ReverseRequestAction(ReverseRequestRunInTerminal))
	assert.Equal(t, ReverseActionReject, p.ReverseRequestAction(ReverseRequestStartDebugging))
	assert.False(t, p.ShouldQueue("threads"))
	assert.False(t, p.IsChildRouted("threads"))
	assert.Equal(t, DefaultRequestTimeout, p.TimeoutFor("launch"))
	assert.Equal(t, DefaultChildInitTimeout, p.childInitTimeout())
	assert.Nil(t, p.LaunchBarrierFor("launch", logr.Discard()))
}

func TestDefaultPolicy(t *testing.T) {
	t.Parallel()

	p := DefaultAdapterPolicy()
	assert.Equal(t, ReverseActionAcknowledge, p.ReverseRequestAction(ReverseRequestRunInTerminal))
	assert.Equal(t, ReverseActionReject, p.ReverseRequestAction(ReverseRequestStartDebugging))
	assert.Equal(t, 5*time.Second, p.childInitTimeout())
	assert.False(t, p.MirrorBreakpointsToChild)
	assert.False(t, p.PauseAfterChildAttach)
}

func TestJsDebugPolicy(t *testing.T) {
	t.Parallel()

	p := PolicyForLanguage("typescript")
	assert.Equal(t, "js-debug", p.Name)
	assert.Equal(t, ReverseActionCreateChild, p.ReverseRequestAction(ReverseRequestStartDebugging))
	assert.True(t, p.ShouldQueue("threads"))
	assert.False(t, p.ShouldQueue("initialize"))
	assert.True(t, p.IsChildRouted("stackTrace"))
	assert.False(t, p.IsChildRouted("setBreakpoints"))

	barrier := p.LaunchBarrierFor("launch", logr.Discard())
	require.NotNil(t, barrier)
	defer barrier.Dispose()
	assert.False(t, barrier.AwaitResponse())
	assert.Nil(t, p.LaunchBarrierFor("threads", logr.Discard()))

	assert.Equal(t, "default", PolicyForLanguage("python").Name)
}

func TestTimeoutFor(t *testing.T) {
	t.Parallel()

	p := AdapterPolicy{
		RequestTimeouts: map[string]time.Duration{"evaluate": 2 * time.Second},
		DefaultTimeout:  10 * time.Second,
	}
	assert.Equal(t, 2*time.Second, p.TimeoutFor("evaluate"))
	assert.Equal(t, 10*time.Second, p.TimeoutFor("threads"))
}

func TestClassifyReverseRequest(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ReverseRequestRunInTerminal, ClassifyReverseRequest(&dap.RunInTerminalRequest{}))
	assert.Equal(t, ReverseRequestStartDebugging, ClassifyReverseRequest(&dap.StartDebuggingRequest{}))
	assert.Equal(t, ReverseRequestUnknown, ClassifyReverseRequest(NewGenericRequest(1, "custom", nil)))
	assert.Equal(t, "startDebugging", ReverseRequestStartDebugging.String())
}

func TestChildAttachArguments(t *testing.T) {
	t.Parallel()

	p := JsDebugAdapterPolicy()

	args, argsErr := p.ChildAttachArguments("target-7", nil)
	require.NoError(t, argsErr)
	assert.JSONEq(t, `{"request":"attach","__pendingTargetId":"target-7","continueOnAttach":true,"type":"pwa-node"}`, string(args))

	args, argsErr = p.ChildAttachArguments("target-8", json.RawMessage(`{"type":"node","request":"launch","cwd":"/src"}`))
	require.NoError(t, argsErr)
	assert.JSONEq(t, `{"request":"attach","__pendingTargetId":"target-8","continueOnAttach":true,"type":"node","cwd":"/src"}`, string(args))
}
