/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package container

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailBufferKeepsValuesInOrder(t *testing.T) {
	t.Parallel()

	tb := NewTailBuffer[string](3)
	assert.Empty(t, tb.Values())

	tb.Push("a")
	tb.Push("b")
	assert.Equal(t, []string{"a", "b"}, tb.Values())
	assert.Equal(t, 2, tb.Len())
}

func TestTailBufferOverwritesOldest(t *testing.T) {
	t.Parallel()

	tb := NewTailBuffer[int](3)
	for i := 1; i <= 7; i++ {
		tb.Push(i)
	}

	assert.Equal(t, []int{5, 6, 7}, tb.Values())
	assert.Equal(t, 3, tb.Len())
	assert.Equal(t, 3, tb.Capacity())
}

func TestTailBufferConcurrentPush(t *testing.T) {
	t.Parallel()

	tb := NewTailBuffer[string](10)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tb.Push(strconv.Itoa(worker) + ":" + strconv.Itoa(j))
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 10, tb.Len())
	assert.Len(t, tb.Values(), 10)
}

func TestTailBufferRequiresPositiveCapacity(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { NewTailBuffer[int](0) })
}
