package middleware

import (
	"context"
	"errors"
	"time"

	"gamerpc/message"

	"go.uber.org/zap"
)

// ErrRetryable marks transient failures of idempotent handlers, typically a
// persistence read that hit a busy database. Only errors wrapping it are
// retried.
var ErrRetryable = errors.New("retryable")

// RetryMiddleware re-runs a handler with exponential backoff while it fails
// with an error wrapping ErrRetryable. It is opt-in per handler: the server
// never retries on its own, so only wrap handlers that are safe to repeat.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (message.Argument, error) {
			result, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil || !errors.Is(err, ErrRetryable) {
					return result, err
				}
				logger.Debug("retrying rpc",
					zap.String("id", req.ID),
					zap.String("method", req.Key()),
					zap.Int("attempt", i+1),
					zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return message.Argument{}, err
				case <-timer.C:
				}
				result, err = next(ctx, req)
			}
			return result, err
		}
	}
}
