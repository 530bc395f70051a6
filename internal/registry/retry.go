/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package registry

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
)

const (
	retryAttempts  = 3
	retryBaseDelay = time.Second
	// 20% of the base delay; the effective jitter grows with the backoff.
	retryMaxJitter = 200 * time.Millisecond
)

// withRetry runs fn up to three times with 1s/2s/4s backoff and jitter,
// retrying only transient and rate-limited failures.
func withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBaseDelay),
		retry.MaxJitter(retryMaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var re *Error
			if errors.As(err, &re) {
				return re.Retryable()
			}
			return false
		}),
	)
}
