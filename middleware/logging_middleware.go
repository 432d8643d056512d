package middleware

import (
	"context"
	"time"

	"gamerpc/message"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every call with its duration. Faults chosen by the
// handler are logged at debug; unexpected errors at warn.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (message.Argument, error) {
			start := time.Now()
			result, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("id", req.ID),
				zap.String("service", req.Service),
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			switch f, isFault := message.AsFault(err); {
			case err == nil:
				logger.Debug("rpc served", fields...)
			case isFault:
				logger.Debug("rpc fault", append(fields, zap.Int32("code", f.Code), zap.String("reason", f.Reason))...)
			default:
				logger.Warn("rpc failed", append(fields, zap.Error(err))...)
			}
			return result, err
		}
	}
}
