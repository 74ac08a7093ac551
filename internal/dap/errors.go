/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

var (
	// ErrProxyInitTimeout is returned when the proxy worker never reports ready.
	ErrProxyInitTimeout = errors.New("proxy initialization timed out")

	// ErrDapRequestTimeout is returned when a request gets no response within its timeout.
	ErrDapRequestTimeout = errors.New("DAP request timed out")

	// ErrAdapterNotReady is returned when a command arrives before the adapter is ready
	// and the active policy does not permit queueing it.
	ErrAdapterNotReady = errors.New("debug adapter is not ready")

	// ErrHandshakeFailed is returned when the stdio bridge cannot complete the vendor handshake.
	ErrHandshakeFailed = errors.New("debug adapter handshake failed")

	// ErrCommandNotFound is returned when a backend executable cannot be located before spawn.
	ErrCommandNotFound = errors.New("command not found")

	// ErrSessionTerminated is used to reject every pending request when a session is torn down.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrInvalidMessage marks malformed input; it is reported as a diagnostic and never fatal.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrDuplicateRequest is returned when a request id is already outstanding.
	ErrDuplicateRequest = errors.New("duplicate request id")

	// ErrProxyClosed is returned when attempting to use a closed proxy or client.
	ErrProxyClosed = errors.New("proxy is closed")

	// ErrChildSessionRejected is returned when a reverse request cannot create a child session.
	ErrChildSessionRejected = errors.New("child session rejected")

	// ErrInvalidConfig is returned when a session configuration fails validation.
	ErrInvalidConfig = errors.New("invalid proxy configuration")
)

// DapRequestTimeoutError names the command that timed out and how long it waited.
type DapRequestTimeoutError struct {
	Command string
	Elapsed time.Duration
}

func (e *DapRequestTimeoutError) Error() string {
	return fmt.Sprintf("DAP request '%s' timed out after %s", e.Command, e.Elapsed.Round(time.Millisecond))
}

func (e *DapRequestTimeoutError) Unwrap() error {
	return ErrDapRequestTimeout
}

// DapResponseError is returned when the adapter answers a request with success=false.
type DapResponseError struct {
	Command string
	Message string
}

func (e *DapResponseError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("DAP request '%s' failed", e.Command)
	}
	return fmt.Sprintf("DAP request '%s' failed: %s", e.Command, e.Message)
}

// IsTimeoutError returns true if the error is a proxy initialization or request timeout.
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrProxyInitTimeout) ||
		errors.Is(err, ErrDapRequestTimeout)
}

// IsSessionError returns true if the error means the session can no longer serve requests.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrSessionTerminated) ||
		errors.Is(err, ErrProxyClosed) ||
		errors.Is(err, ErrAdapterNotReady)
}

// IsBridgeError returns true if the error originates from the stdio bridge setup.
func IsBridgeError(err error) bool {
	return errors.Is(err, ErrHandshakeFailed) ||
		errors.Is(err, ErrCommandNotFound)
}

// filterContextError filters out redundant context errors during shutdown.
// If the error is a context.Canceled or context.DeadlineExceeded and the
// context is already done, the error is logged at debug level and nil is returned.
// A process killed because of context cancellation ("signal: killed") is filtered the same way.
func filterContextError(err error, ctx context.Context, log logr.Logger) error {
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.V(1).Info("Filtering redundant context error", "error", err)
			return nil
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && strings.Contains(exitErr.Error(), "signal: killed") {
			log.V(1).Info("Filtering process killed error on context cancellation", "error", err)
			return nil
		}
	}

	return err
}
