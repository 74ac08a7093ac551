/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package resiliency

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func defaultExponentialBackoff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
}

// ConstantBackoff returns a policy that retries every interval, at most maxRetries times.
func ConstantBackoff(interval time.Duration, maxRetries uint64) backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), maxRetries)
}

// Try calling factory function with exponential back-off until either:
// - a value is successfully created, or
// - a permanent error occurs, or
// - passed context is cancelled.
func RetryGet[T any](ctx context.Context, factory func() (T, error)) (T, error) {
	return RetryGetWithBackoff(ctx, defaultExponentialBackoff(), factory)
}

// Try calling factory function with given backoff policy until a value is successfully created,
// or a permanent error occurs, or the policy gives up, or the passed context is cancelled.
func RetryGetWithBackoff[T any](ctx context.Context, b backoff.BackOff, factory func() (T, error)) (T, error) {
	var lastAttemptErr error

	retval, err := backoff.RetryNotifyWithData(
		factory,
		backoff.WithContext(b, ctx),
		func(err error, _ time.Duration) {
			lastAttemptErr = err
		},
	)

	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)):
		// Inform the caller about the timeout AND the last attempt error.
		return *new(T), errors.Join(lastAttemptErr, err)
	case err != nil:
		return *new(T), err
	default:
		return retval, nil
	}
}

// Try calling operation function with given backoff policy until it succeeds,
// or a permanent error occurs, or the policy gives up, or the passed context is cancelled.
func Retry(ctx context.Context, b backoff.BackOff, operation func() error) error {
	_, err := RetryGetWithBackoff(ctx, b, func() (struct{}, error) {
		return struct{}{}, operation()
	})
	return err
}

// Permanent wraps an error so that retry helpers stop immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
