// SPDX-License-Identifier: Apache-2.0

package resilience

import (
	"context"
	"time"

	"github.com/okodu/switchboard/pkg/errors"
)

// WithTimeout executes fn under a deadline. The derived context is
// passed to fn so the callee can stop its own work; the wrapper still
// returns as soon as the deadline fires even if fn lingers.
// Returns errors.CodeTimeout when the deadline is exceeded.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	if d == 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return errors.New(errors.CodeTimeout, "operation exceeded timeout", ctx.Err()).
				WithContext("timeout", d.String()).
				WithRecoverable(true)
		}
		return errors.New(errors.CodeContextLost, "operation canceled", ctx.Err())
	case err := <-done:
		return err
	}
}
