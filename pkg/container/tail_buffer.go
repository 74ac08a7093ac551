/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package container

import "sync"

// TailBuffer keeps the most recent values pushed to it, up to a fixed capacity.
// Older values are overwritten. It is safe for concurrent use.
type TailBuffer[T any] struct {
	lock   sync.Mutex
	values []T
	head   int // index of the oldest value
	count  int
}

func NewTailBuffer[T any](capacity int) *TailBuffer[T] {
	if capacity <= 0 {
		panic("tail buffer capacity must be positive")
	}
	return &TailBuffer[T]{values: make([]T, capacity)}
}

func (tb *TailBuffer[T]) Push(v T) {
	tb.lock.Lock()
	defer tb.lock.Unlock()

	if tb.count < len(tb.values) {
		tb.values[(tb.head+tb.count)%len(tb.values)] = v
		tb.count++
		return
	}

	tb.values[tb.head] = v
	tb.head = (tb.head + 1) % len(tb.values)
}

// Values returns the retained values, oldest first.
func (tb *TailBuffer[T]) Values() []T {
	tb.lock.Lock()
	defer tb.lock.Unlock()

	retval := make([]T, 0, tb.count)
	for i := 0; i < tb.count; i++ {
		retval = append(retval, tb.values[(tb.head+i)%len(tb.values)])
	}
	return retval
}

func (tb *TailBuffer[T]) Len() int {
	tb.lock.Lock()
	defer tb.lock.Unlock()
	return tb.count
}

func (tb *TailBuffer[T]) Capacity() int {
	return len(tb.values)
}
