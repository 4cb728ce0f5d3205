package dstc

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// DispatchFunc handles one inbound message.
type DispatchFunc func(msg *InboundMessage) error

// Middleware wraps a DispatchFunc.
type Middleware func(next DispatchFunc) DispatchFunc

// Chain composes middlewares so that the first one added runs outermost:
// Chain(A, B)(h) behaves as A(B(h)).
func Chain(middlewares ...Middleware) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// LoggingMiddleware logs every dispatched message with its duration.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(msg *InboundMessage) error {
			start := time.Now()
			err := next(msg)
			logger.Debug("Dispatched message",
				"function", msg.Function,
				"callback_ref", msg.CallbackRef,
				"node_id", msg.NodeID,
				"payload_len", len(msg.Payload),
				"duration", time.Since(start),
				"ok", err == nil,
			)
			return err
		}
	}
}

// RateLimitMiddleware drops inbound messages above r per second with the
// given burst, using a token bucket. A dropped callback delivery leaves the
// callback pending.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next DispatchFunc) DispatchFunc {
		return func(msg *InboundMessage) error {
			if !limiter.Allow() {
				if msg.IsCallback() {
					return fmt.Errorf("%w: callback %#x", ErrRateLimited, msg.CallbackRef)
				}
				return fmt.Errorf("%w: function %s", ErrRateLimited, msg.Function)
			}
			return next(msg)
		}
	}
}
