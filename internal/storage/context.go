package storage

import (
	"context"
	"time"
)

// DefaultQueryTimeout caps any single store call that arrives without a
// deadline of its own. Scheduler jobs and webhook handlers set tighter
// ones; this is the floor under everything else.
const DefaultQueryTimeout = 5 * time.Second

// withQueryTimeout adds the default deadline unless the caller already
// carries one. Callers defer the returned cancel either way.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}
