// Package media provides local media sources shared by every peer connection.
package media

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Handle is an acquired set of local tracks. The handle is shared read-only
// with every connection; Valid reports false once a source has stopped.
type Handle interface {
	Tracks() []webrtc.TrackLocal
	Valid() bool
	Close() error
}

// Provider acquires local media.
//
//go:generate mockgen -destination=mock_provider.go -package=media . Provider
type Provider interface {
	Acquire(ctx context.Context, c Constraints) (Handle, error)
}
