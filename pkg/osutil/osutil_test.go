/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package osutil

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineSepMatchesPlatform(t *testing.T) {
	t.Parallel()

	if runtime.GOOS == "windows" {
		assert.Equal(t, []byte("\r\n"), LineSep())
	} else {
		assert.Equal(t, []byte("\n"), LineSep())
	}
}

func TestWithNewlineDoesNotModifyInput(t *testing.T) {
	t.Parallel()

	original := make([]byte, 3, 10)
	copy(original, "abc")

	terminated := WithNewline(original)
	assert.Equal(t, append([]byte("abc"), LineSep()...), terminated)
	assert.Equal(t, []byte("abc"), original)
	assert.Equal(t, byte(0), original[:4][3], "the spare capacity of the input must stay untouched")
}
