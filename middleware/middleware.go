// Package middleware wraps inbound procedure handlers in an onion of
// cross-cutting behavior (logging, timeouts, rate limiting, panic recovery).
//
//	Chain(A, B, C)(h)  ==  A(B(C(h)))
package middleware

import (
	"errors"

	"github.com/Joy-less/RemSend-sub000/procedure"
)

var (
	ErrRateLimited    = errors.New("middleware: rate limit exceeded")
	ErrHandlerTimeout = errors.New("middleware: handler timed out")
	ErrPanic          = errors.New("middleware: handler panicked")
)

type HandlerFunc = procedure.HandlerFunc

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件，第一个位于最外层
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
