package service

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"landlink/pkg/logging"
	"landlink/pkg/metrics"
)

// Options carries collaborators shared by every service.
type Options struct {
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
	StoreTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.New(logging.Options{Output: io.Discard})
	}
	return o
}

// Identity is the authenticated caller of an operation. It is always passed
// explicitly; services never read a session from ambient state.
type Identity struct {
	UserID uuid.UUID
	Role   string
}

func storeContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// readWithRetry runs an idempotent read, retrying once after a short pause.
// Writes must never go through here.
func readWithRetry[T any](ctx context.Context, timeout time.Duration, read func(context.Context) (T, error)) (T, error) {
	var out T
	backoff := retry.WithMaxRetries(1, retry.NewConstant(50*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := storeContext(ctx, timeout)
		defer cancel()

		v, err := read(attemptCtx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		out = v
		return nil
	})
	return out, err
}
