// SPDX-License-Identifier: BSD-3-Clause
// Copyright (c) 2022, Unikraft GmbH and The Unikraft Authors.
// Licensed under the BSD-3-Clause License (the "License").
// You may not use this file except in compliance with the License.

// Package retry provides exponential-backoff retry for the idempotent
// network operations spec §7 requires (fetch and pull request
// listing; push is not retried). No retry library is present anywhere in the example corpus,
// so this is a small hand-rolled helper rather than an adopted
// dependency.
package retry

import (
	"context"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	Max       int
	BaseDelay time.Duration
}

// DefaultPolicy matches the §6 defaults (--retry-max=3, --retry-base-delay=2s).
func DefaultPolicy() Policy {
	return Policy{Max: 3, BaseDelay: 2 * time.Second}
}

// Do invokes fn up to p.Max+1 times, sleeping p.BaseDelay*2^(n-1)
// before the n-th retry, stopping early if ctx is cancelled or fn
// succeeds.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= p.Max; attempt++ {
		if attempt > 0 {
			delay := p.BaseDelay << uint(attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if ctx.Err() != nil {
			return lastErr
		}
	}

	return lastErr
}
