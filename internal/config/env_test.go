/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvironmentDefaults(t *testing.T) {
	t.Parallel()

	e, err := LoadEnvironmentFrom(map[string]string{})
	require.NoError(t, err)

	assert.False(t, e.Contained, "containment must default to false when the flag is absent")
	assert.Empty(t, e.DisabledLanguages)
	assert.Equal(t, 10*time.Second, e.OrphanCheckInterval)
	assert.Equal(t, 30*time.Second, e.InitTimeout)
	assert.Equal(t, 35*time.Second, e.RequestTimeout)
}

func TestLoadEnvironmentValues(t *testing.T) {
	t.Parallel()

	e, err := LoadEnvironmentFrom(map[string]string{
		"MCP_CONTAINER":                "true",
		"DEBUG_MCP_DISABLED_LANGUAGES": "rust, Java",
		"VSDBG_PATH":                   "/opt/vsdbg/vsdbg",
		"DAPPROXY_REQUEST_TIMEOUT":     "5s",
	})
	require.NoError(t, err)

	assert.True(t, e.Contained)
	assert.Equal(t, "/opt/vsdbg/vsdbg", e.VsdbgPath)
	assert.Equal(t, 5*time.Second, e.RequestTimeout)
	assert.True(t, e.IsLanguageDisabled("java"))
	assert.True(t, e.IsLanguageDisabled("RUST"))
	assert.False(t, e.IsLanguageDisabled("python"))
}

func TestLoadEnvironmentRejectsMalformedFlag(t *testing.T) {
	t.Parallel()

	_, err := LoadEnvironmentFrom(map[string]string{"MCP_CONTAINER": "maybe"})
	assert.Error(t, err)
}
