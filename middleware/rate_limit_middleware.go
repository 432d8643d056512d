package middleware

import (
	"context"

	"gamerpc/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware admits calls through a token bucket shared by every
// connection; rejected calls get a RateLimited fault.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (message.Argument, error) {
			if !limiter.Allow() {
				return message.Argument{}, message.NewFault(message.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
