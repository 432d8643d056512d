package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"gamerpc/message"

	"go.uber.org/zap"
)

// RecoverMiddleware turns a handler panic into an error so the caller still
// receives a fault. It must sit inside TimeOutMiddleware, which runs the
// handler on its own goroutine.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (result message.Argument, err error) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panic",
						zap.String("id", req.ID),
						zap.String("method", req.Key()),
						zap.Any("panic", p),
						zap.ByteString("stack", debug.Stack()))
					result, err = message.Argument{}, fmt.Errorf("handler panic: %v", p)
				}
			}()
			return next(ctx, req)
		}
	}
}
