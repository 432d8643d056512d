// Package middleware wraps RPC handlers with cross-cutting behavior.
//
// Middlewares compose in the onion model: Chain(A, B, C)(h) runs
// A.before → B.before → C.before → h → C.after → B.after → A.after.
package middleware

import (
	"context"

	"gamerpc/message"
)

// HandlerFunc serves one request. Its return value is the request's single
// result: a nil error writes the Argument as success, a *message.Fault error
// writes that fault, and any other error becomes a generic internal fault.
type HandlerFunc func(ctx context.Context, req *message.Request) (message.Argument, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one, outermost first.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
