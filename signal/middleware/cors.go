// Package middleware contains common middleware functions for HTTP handlers.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// CORS sets up CORS headers and rejects websocket upgrades from origins
// that are not allowed.
type CORS struct {
	origins map[string]struct{}
}

// NewCORS creates a new CORS middleware. No origins allows any origin.
func NewCORS(origins ...string) *CORS {
	c := &CORS{}
	if len(origins) > 0 {
		c.origins = make(map[string]struct{}, len(origins))
		for _, o := range origins {
			c.origins[strings.TrimSuffix(o, "/")] = struct{}{}
		}
	}
	return c
}

// Allowed reports whether requests from origin are accepted. Requests without
// an origin do not come from a browser and are always accepted.
func (c *CORS) Allowed(origin string) bool {
	if c.origins == nil || origin == "" {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}

// Intercept sets up CORS headers.
func (c *CORS) Intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !c.Allowed(origin) {
			if r.Method == http.MethodOptions || websocket.IsWebSocketUpgrade(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if c.origins == nil {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
