// Package middleware contains common middleware functions for HTTP handlers.
package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"meshcall/signal/auth"
)

type claimsKey struct{}

// Verifier verifies a bearer token.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Auth verifies the bearer token of websocket upgrade requests and stores
// its claims in the request context. Other requests pass through.
type Auth struct {
	verifier Verifier
}

// NewAuth creates a new Auth middleware.
func NewAuth(v Verifier) *Auth {
	return &Auth{verifier: v}
}

// Intercept processes the request and call the next handler.
func (a *Auth) Intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.verifier.Verify(bearer(r))
		if err != nil {
			log.Printf("failed to authenticate %s: %v", r.RemoteAddr, err)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// bearer extracts the token from the Authorization header, or from the token
// query parameter for clients that cannot set headers.
func bearer(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// ClaimsFrom returns the claims stored by Auth.
func ClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok
}
