// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/testutil"
)

func TestStoppedEventBarrierResolvesOnStopped(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	b := NewStoppedEventBarrierWithTimeout(logr.Discard(), time.Minute)
	defer b.Dispose()

	b.OnRequestSent("r1")
	b.OnEvent("output", nil)
	b.OnEvent("stopped", []byte(`{"reason":"entry"}`))
	// Later signals do not change the outcome.
	b.OnProcessExit(1, "")

	assert.NoError(t, b.WaitUntilReady(ctx))
}

func TestStoppedEventBarrierRejectsOnExit(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	b := NewStoppedEventBarrierWithTimeout(logr.Discard(), time.Minute)
	b.OnProcessExit(2, "SIGSEGV")
	b.OnEvent("stopped", nil)

	waitErr := b.WaitUntilReady(ctx)
	assert.ErrorIs(t, waitErr, ErrSessionTerminated)
}

func TestStoppedEventBarrierResolvesOnTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	start := time.Now()
	b := NewStoppedEventBarrierWithTimeout(logr.Discard(), 50*time.Millisecond)

	assert.NoError(t, b.WaitUntilReady(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestStoppedEventBarrierResolvesAfterAdapterConnected(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	b := NewStoppedEventBarrierWithTimeout(logr.Discard(), time.Minute)
	defer b.Dispose()

	start := time.Now()
	b.OnProxyStatus(StatusAdapterExited)
	b.OnProxyStatus(StatusAdapterConnected)

	assert.NoError(t, b.WaitUntilReady(ctx))
	assert.GreaterOrEqual(t, time.Since(start), adapterConnectedSettleDelay)
}

func TestStoppedEventBarrierWaitHonorsContext(t *testing.T) {
	t.Parallel()

	b := NewStoppedEventBarrierWithTimeout(logr.Discard(), time.Minute)
	defer b.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, b.WaitUntilReady(ctx), context.DeadlineExceeded)
}

func TestStoppedEventBarrierSettlesOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 5*time.Second)
	defer cancel()

	b := NewStoppedEventBarrierWithTimeout(logr.Discard(), 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.OnEvent("stopped", nil)
		}()
		go func() {
			defer wg.Done()
			b.OnProcessExit(1, "")
		}()
	}
	wg.Wait()

	first := b.WaitUntilReady(ctx)
	second := b.WaitUntilReady(ctx)
	require.Equal(t, first, second)

	b.Dispose()
	b.Dispose()
}

func TestStoppedEventBarrierIgnoresConnectAfterSettling(t *testing.T) {
	t.Parallel()

	b := NewStoppedEventBarrierWithTimeout(logr.Discard(), time.Minute)
	b.OnEvent("stopped", nil)
	b.OnProxyStatus(StatusAdapterConnected)

	b.lock.Lock()
	defer b.lock.Unlock()
	assert.Nil(t, b.connectedTimer, "a settled barrier must not arm the connect timer")
	assert.Nil(t, b.timeoutTimer)
}
