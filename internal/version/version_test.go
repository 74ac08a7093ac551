/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTimestamp(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2024-03-01T12:00:00Z", normalizeTimestamp("1709294400"))
	assert.Equal(t, "2024-03-01T12:00:00Z", normalizeTimestamp("2024-03-01T13:00:00+01:00"))
	assert.Empty(t, normalizeTimestamp(""))
	assert.Empty(t, normalizeTimestamp("yesterday"))
}

func TestVersionDefaults(t *testing.T) {
	t.Parallel()

	v := Version()
	assert.Equal(t, DevelopmentVersion, v.Version)
	assert.Equal(t, runtime.Version(), v.GoVersion)
}
