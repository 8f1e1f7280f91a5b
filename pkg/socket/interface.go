// Package socket provides an interface for managing socket.
package socket

// Socket is a JSON message connection with keepalive.
//
//go:generate mockgen -destination=mock_socket.go -package=socket . Socket
type Socket interface {
	Close() error
	WriteJSON(data any) error
	ReadJSON(v any) error

	// Ping sends a keepalive. On accepted sockets ReadJSON fails once no
	// pong arrived within PongTimeout.
	Ping() error
}
