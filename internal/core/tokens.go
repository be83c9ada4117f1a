package core

import (
	"context"

	"github.com/dkeye/Stage/internal/domain"
)

// TokenService abstracts the remote token-issuing server.
type TokenService interface {
	// SignalingToken returns the credential for transport login.
	SignalingToken(ctx context.Context, userName string) (string, error)
	// StreamToken returns the audio-stream credential scoped to
	// (user, room, role). The core never inspects it, only forwards it.
	StreamToken(ctx context.Context, user domain.UserID, room domain.RoomID, broadcaster bool) (string, error)
}
