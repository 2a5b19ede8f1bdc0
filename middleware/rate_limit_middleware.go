package middleware

import (
	"context"
	"fmt"
	"sync"

	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/procedure"
	"golang.org/x/time/rate"
)

// RateLimit 创建一个基于令牌桶算法的限流中间件，所有发送方共享同一个桶
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *procedure.Invocation) (any, error) {
			if !limiter.Allow() {
				return nil, fmt.Errorf("%w: %s", ErrRateLimited, inv.Procedure)
			}
			return next(ctx, inv)
		}
	}
}

// PeerRateLimit keeps one token bucket per sender, so a single chatty peer
// cannot starve the others. Local invocations are never limited.
func PeerRateLimit(r float64, burst int) Middleware {
	var mu sync.Mutex
	limiters := make(map[message.PeerID]*rate.Limiter)

	limiterFor := func(peer message.PeerID) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[peer]
		if !ok {
			l = rate.NewLimiter(rate.Limit(r), burst)
			limiters[peer] = l
		}
		return l
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, inv *procedure.Invocation) (any, error) {
			if !inv.Local && !limiterFor(inv.Sender).Allow() {
				return nil, fmt.Errorf("%w: peer %d", ErrRateLimited, inv.Sender)
			}
			return next(ctx, inv)
		}
	}
}
