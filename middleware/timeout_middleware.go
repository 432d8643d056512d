package middleware

import (
	"context"
	"time"

	"gamerpc/message"
)

type outcome struct {
	result message.Argument
	err    error
}

// TimeOutMiddleware bounds handler execution. The handler's context is
// cancelled at the deadline and the caller receives a Timeout fault even if
// the handler ignores cancellation; its late result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (message.Argument, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, req)
				done <- outcome{result: result, err: err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return message.Argument{}, message.NewFault(message.CodeTimeout, "request timed out")
			}
		}
	}
}
