/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package config loads the environment-derived settings of the debug proxy.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Environment holds inputs that come from the process environment rather than from flags.
type Environment struct {
	// Contained is true when running inside an isolated process namespace (e.g. a container),
	// where being re-parented to PID 1 is normal.
	Contained bool `env:"MCP_CONTAINER" envDefault:"false"`

	// DisabledLanguages lists language tags the outer layer must not offer.
	DisabledLanguages []string `env:"DEBUG_MCP_DISABLED_LANGUAGES" envSeparator:","`

	// VsdbgPath overrides discovery of the vsdbg executable.
	VsdbgPath string `env:"VSDBG_PATH"`

	// SignerPath points at the external helper that signs vsdbg handshake challenges.
	SignerPath string `env:"VSDA_SIGNER_PATH"`

	// SymbolConverter is an optional tool that converts debug symbols before vsdbg starts.
	SymbolConverter string `env:"DAP_SYMBOL_CONVERTER"`

	// OrphanCheckInterval is how often a worker checks whether its parent is gone.
	OrphanCheckInterval time.Duration `env:"DAPPROXY_ORPHAN_CHECK_INTERVAL" envDefault:"10s"`

	// InitTimeout bounds how long a session start waits for the adapter to become ready.
	InitTimeout time.Duration `env:"DAPPROXY_INIT_TIMEOUT" envDefault:"30s"`

	// RequestTimeout is the default per-request timeout.
	RequestTimeout time.Duration `env:"DAPPROXY_REQUEST_TIMEOUT" envDefault:"35s"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadEnvironment parses the process environment into an Environment.
func LoadEnvironment() (Environment, error) {
	var e Environment
	if err := ParseEnv(&e); err != nil {
		return Environment{}, err
	}
	return e, nil
}

// LoadEnvironmentFrom parses the passed variables instead of the process environment.
func LoadEnvironmentFrom(vars map[string]string) (Environment, error) {
	var e Environment
	if err := env.ParseWithOptions(&e, env.Options{Environment: vars}); err != nil {
		return Environment{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// IsLanguageDisabled reports whether the language tag is on the disablement list (case-insensitive).
func (e Environment) IsLanguageDisabled(language string) bool {
	language = strings.ToLower(strings.TrimSpace(language))
	return slices.ContainsFunc(e.DisabledLanguages, func(disabled string) bool {
		return strings.ToLower(strings.TrimSpace(disabled)) == language
	})
}
