// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package retry

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/pingcap/dagbus/pkg/errors"
)

// Operation is the function being retried.
type Operation func() error

// Do runs op with bounded exponential backoff. It stops early when ctx is
// canceled or when the configured isRetryable predicate rejects the error.
// The last error is returned when all tries are exhausted.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	retryOpts := newRetryOptions()
	for _, opt := range opts {
		opt(retryOpts)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = retryOpts.backoffBase
	expo.MaxInterval = retryOpts.backoffCap

	var b backoff.BackOff = backoff.WithContext(
		backoff.WithMaxRetries(expo, retryOpts.maxTries-1), ctx)

	wrapped := func() error {
		err := op()
		if err != nil && !retryOpts.isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(wrapped, b); err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		return err
	}
	return nil
}
