/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/debugmcp/mcp-debugger-sub008/pkg/process"
)

// DefaultSignTimeout bounds a single invocation of the signing helper.
const DefaultSignTimeout = 10 * time.Second

// Signer produces the signature for a backend handshake challenge.
type Signer interface {
	Sign(ctx context.Context, challenge string) (string, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, challenge string) (string, error)

func (f SignerFunc) Sign(ctx context.Context, challenge string) (string, error) {
	return f(ctx, challenge)
}

// ExecSignerConfig configures an ExecSigner.
type ExecSignerConfig struct {
	// Helper is the signing helper executable: a path or a name resolved through LookPath.
	Helper string

	// Args are passed to the helper. The challenge is written to its stdin and the signature
	// is read from its stdout.
	Args []string

	// LookPath resolves Helper. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)

	Executor process.Executor
	Timeout  time.Duration
	Logger   logr.Logger
}

// ExecSigner signs challenges by running an external helper program.
type ExecSigner struct {
	path     string
	args     []string
	executor process.Executor
	timeout  time.Duration
	log      logr.Logger
}

var _ Signer = (*ExecSigner)(nil)

// NewExecSigner locates the signing helper. A helper that cannot be found is reported
// immediately with ErrHandshakeFailed, so callers can refuse to start the backend.
func NewExecSigner(config ExecSignerConfig) (*ExecSigner, error) {
	if config.Helper == "" {
		return nil, fmt.Errorf("%w: no signing helper configured", ErrHandshakeFailed)
	}

	lookPath := config.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, lookErr := lookPath(config.Helper)
	if lookErr != nil {
		return nil, fmt.Errorf("%w: signing helper '%s' not found: %w", ErrHandshakeFailed, config.Helper, lookErr)
	}

	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	executor := config.Executor
	if executor == nil {
		executor = process.NewOSExecutor(log)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultSignTimeout
	}

	return &ExecSigner{
		path:     path,
		args:     config.Args,
		executor: executor,
		timeout:  timeout,
		log:      log.WithName("signer"),
	}, nil
}

func (s *ExecSigner) Path() string {
	return s.path
}

func (s *ExecSigner) Sign(ctx context.Context, challenge string) (string, error) {
	signCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(s.path, s.args...)
	cmd.Stdin = strings.NewReader(challenge)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode, runErr := process.RunToCompletion(signCtx, s.executor, cmd)
	if runErr != nil {
		return "", fmt.Errorf("%w: signing helper failed: %w", ErrHandshakeFailed, runErr)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("%w: signing helper exited with code %d: %s", ErrHandshakeFailed, exitCode, strings.TrimSpace(stderr.String()))
	}

	signature := strings.TrimSpace(stdout.String())
	if signature == "" {
		return "", fmt.Errorf("%w: signing helper returned an empty signature", ErrHandshakeFailed)
	}

	s.log.V(1).Info("Handshake challenge signed")
	return signature, nil
}
