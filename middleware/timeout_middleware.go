package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/Joy-less/RemSend-sub000/procedure"
)

// Timeout bounds how long a handler may run. The handler keeps running in the
// background after the deadline but its result is discarded, so a Request
// produces no Result.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *procedure.Invocation) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type outcome struct {
				result any
				err    error
			}
			done := make(chan outcome, 1)
			go func() {
				result, err := next(ctx, inv)
				done <- outcome{result, err}
			}()

			select {
			case o := <-done:
				return o.result, o.err
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %s after %s", ErrHandlerTimeout, inv.Procedure, timeout)
			}
		}
	}
}
