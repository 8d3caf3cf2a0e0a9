// Package middleware provides HTTP middleware for the API surface:
// security headers, CORS, request IDs, and per-IP rate limiting.
package middleware

import "net/http"

// Middleware wraps an http.HandlerFunc with additional behavior.
type Middleware func(http.HandlerFunc) http.HandlerFunc

// Chain composes middlewares into one. The first middleware is the outermost,
// so Chain(a, b, c)(h) runs a, then b, then c, then h.
func Chain(mws ...Middleware) Middleware {
	return func(final http.HandlerFunc) http.HandlerFunc {
		h := final
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
