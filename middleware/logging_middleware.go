package middleware

import (
	"context"
	"time"

	"github.com/Joy-less/RemSend-sub000/procedure"
	"go.uber.org/zap"
)

// Logging records every invocation with its duration and outcome.
func Logging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *procedure.Invocation) (any, error) {
			start := time.Now()
			result, err := next(ctx, inv)
			fields := []zap.Field{
				zap.Stringer("kind", inv.Kind),
				zap.String("path", inv.Path),
				zap.String("procedure", inv.Procedure),
				zap.Int32("peer", int32(inv.Sender)),
				zap.Bool("local", inv.Local),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("procedure failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("procedure invoked", fields...)
			}
			return result, err
		}
	}
}
