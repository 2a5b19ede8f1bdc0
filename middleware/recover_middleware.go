package middleware

import (
	"context"
	"fmt"

	"github.com/Joy-less/RemSend-sub000/procedure"
)

// Recover turns a panicking handler into an ErrPanic error.
func Recover() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *procedure.Invocation) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					result, err = nil, fmt.Errorf("%w: %s: %v", ErrPanic, inv.Procedure, r)
				}
			}()
			return next(ctx, inv)
		}
	}
}
