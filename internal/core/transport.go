package core

import (
	"context"

	"github.com/dkeye/Stage/internal/domain"
)

// ConnectionState mirrors transport connectivity. It is the authoritative
// driver of whether room operations are meaningful.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

type ChannelID string

// SendOptions selects the delivery mode for channel and peer messages.
type SendOptions struct {
	WaitForAck bool
}

// Immutable send-mode singletons; never mutate these.
var (
	FireAndForget = SendOptions{}
	AwaitAck      = SendOptions{WaitForAck: true}
)

// ChannelListener receives per-channel events. Implementations must not
// block: the transport delivers from its own goroutine.
type ChannelListener interface {
	OnMemberJoined(id domain.UserID)
	OnMemberLeft(id domain.UserID)
	OnMessage(from domain.UserID, data []byte)
}

// Channel is a live membership in one messaging channel.
// Owned by whoever joined it; that owner must Release() it.
type Channel interface {
	ID() ChannelID
	// Leave announces departure to other members. Release frees the local
	// handle and detaches the listener; safe after Leave or on its own.
	Leave(ctx context.Context) error
	Release()
	Members(ctx context.Context) ([]domain.UserID, error)
	Send(ctx context.Context, data []byte, opts SendOptions) error
}

// Transport abstracts the real-time-messaging vendor SDK.
// No vendor types cross this boundary.
type Transport interface {
	// Login authenticates as user; the id doubles as the messaging account,
	// so channel rosters and peer addressing use the same identity.
	Login(ctx context.Context, token string, user domain.UserID) error
	Logout(ctx context.Context) error
	JoinChannel(ctx context.Context, id ChannelID, l ChannelListener) (Channel, error)
	SendToPeer(ctx context.Context, peer domain.UserID, data []byte, opts SendOptions) error

	// SetConnectionListener registers the connection-state callback.
	// SetPeerListener registers the peer-message callback. Both replace any
	// previous registration; nil unregisters.
	SetConnectionListener(fn func(ConnectionState))
	SetPeerListener(fn func(from domain.UserID, data []byte))
}
