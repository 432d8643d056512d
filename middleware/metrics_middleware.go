package middleware

import (
	"context"
	"time"

	"gamerpc/message"
	"gamerpc/metrics"
)

// MetricsMiddleware records call counts and latency per method and outcome.
func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (message.Argument, error) {
			start := time.Now()
			result, err := next(ctx, req)
			m.ObserveRequest(req.Service, req.Method, metrics.Outcome(err), time.Since(start))
			return result, err
		}
	}
}
