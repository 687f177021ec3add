// Package middleware composes the request interceptors that guard the API.
package middleware

import "net/http"

// Func is a standard net/http middleware.
type Func func(http.Handler) http.Handler

// Chain wraps h with mws. The first middleware is the outermost one, so it sees
// the request first and the response last.
func Chain(h http.Handler, mws ...Func) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}
