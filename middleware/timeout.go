package middleware

import (
	"context"
	"time"

	"github.com/drover-io/drover/job"
)

// Timeout returns middleware that enforces a fixed execution deadline on
// every job. The engine imposes no timeout by default — a hung worker
// occupies its slot indefinitely — so applications that want a bound opt
// in with this middleware. Handlers should honor ctx cancellation.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
