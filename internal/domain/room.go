package domain

import "github.com/google/uuid"

type RoomID string

// Room is immutable once created; identity is the RoomID.
type Room struct {
	HostID UserID `json:"hostId"`
	ID     RoomID `json:"roomId"`
}

// NewRoom synthesizes a globally unique id for a room hosted by host.
func NewRoom(host UserID) Room {
	return Room{HostID: host, ID: RoomID(uuid.NewString())}
}

// RoomInfo is the local view of "my current room". It is rebuilt whenever
// the local role or stream token changes, not only on join.
type RoomInfo struct {
	RoomID      RoomID
	StreamToken string
	UserID      UserID
	Broadcaster bool
}
