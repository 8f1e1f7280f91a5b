// Package middleware contains common middleware functions for HTTP handlers.
package middleware

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"meshcall/pkg/socket"
	"meshcall/signal/controller"
)

// Socket upgrades authenticated websocket requests on its path and hands the
// socket to the controller. Other requests pass through.
type Socket struct {
	path       string
	controller controller.Processor
}

// NewSocket creates a new Socket middleware.
func NewSocket(path string, con controller.Processor) *Socket {
	return &Socket{
		path:       path,
		controller: con,
	}
}

// Intercept processes the request and call the next handler.
func (s *Socket) Intercept(next http.Handler) http.Handler {
	con := s.controller
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != s.path || !websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		sock, err := socket.New(w, r)
		if err != nil {
			log.Printf("failed to create WebSocket: %v", err)
			return
		}
		if err := con.Process(r.Context(), sock, claims.MeetingID, claims.ParticipantID); err != nil {
			log.Printf("failed to process WebSocket of %s: %v", claims.ParticipantID, err)
		}
	})
}
