// Package middleware contains common middleware functions for HTTP handlers.
package middleware

import "net/http"

// Interceptor is a middleware interface.
type Interceptor interface {
	Intercept(handlerFunc http.Handler) http.Handler
}

// InterceptorFunc adapts a function to an Interceptor.
type InterceptorFunc func(next http.Handler) http.Handler

// Intercept calls f(next).
func (f InterceptorFunc) Intercept(next http.Handler) http.Handler {
	return f(next)
}

// Set wraps h so that requests pass the interceptors in the order given
// before reaching h. Nil interceptors are skipped.
func Set(h http.Handler, m ...Interceptor) http.Handler {
	for i := len(m) - 1; i >= 0; i-- {
		if m[i] != nil {
			h = m[i].Intercept(h)
		}
	}
	return h
}
