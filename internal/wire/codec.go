// Package wire implements the tagged envelope used for all inter-client
// messages. The body is an opaque serialized string so that clients can
// carry kinds they do not understand.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Stage/internal/domain"
)

type Kind string

const (
	KindRoomList  Kind = "room_list"
	KindHandRaise Kind = "hand_raise"
	KindCoHost    Kind = "co_host"
)

var ErrMalformed = errors.New("malformed message")

// Envelope is the wire structure {kind, body}. Unknown kinds still decode
// at the envelope level; only body interpretation is kind-specific.
type Envelope struct {
	Kind Kind   `json:"kind"`
	Body string `json:"body"`
}

// Known reports whether this client interprets the envelope's kind.
func (e Envelope) Known() bool {
	switch e.Kind {
	case KindRoomList, KindHandRaise, KindCoHost:
		return true
	}
	return false
}

// Decode parses the envelope only. Callers switch on Kind and then decode
// the body with the matching accessor.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	if e.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	return e, nil
}

func encode(kind Kind, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Kind: kind, Body: string(body)})
}

func (e Envelope) body(kind Kind, out any) error {
	if e.Kind != kind {
		return fmt.Errorf("%w: kind %q, want %q", ErrMalformed, e.Kind, kind)
	}
	if err := json.Unmarshal([]byte(e.Body), out); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return nil
}

// RoomList carries the full open-room set; receivers replace, never merge.
type RoomList struct {
	Rooms []domain.Room `json:"rooms"`
}

func EncodeRoomList(rooms []domain.Room) ([]byte, error) {
	return encode(KindRoomList, RoomList{Rooms: rooms})
}

func (e Envelope) RoomList() (RoomList, error) {
	var p RoomList
	err := e.body(KindRoomList, &p)
	return p, err
}

// HandRaise announces one member's hand state to the room.
type HandRaise struct {
	UserID domain.UserID `json:"userId"`
	Raised bool          `json:"raised"`
}

func EncodeHandRaise(user domain.UserID, raised bool) ([]byte, error) {
	return encode(KindHandRaise, HandRaise{UserID: user, Raised: raised})
}

func (e Envelope) HandRaise() (HandRaise, error) {
	var p HandRaise
	err := e.body(KindHandRaise, &p)
	return p, err
}

// CoHost grants or revokes a member's co-host role. Only the room host
// sends this; receivers do not verify, the host is trusted in-room.
type CoHost struct {
	UserID domain.UserID `json:"userId"`
	CoHost bool          `json:"coHost"`
}

func EncodeCoHost(user domain.UserID, coHost bool) ([]byte, error) {
	return encode(KindCoHost, CoHost{UserID: user, CoHost: coHost})
}

func (e Envelope) CoHost() (CoHost, error) {
	var p CoHost
	err := e.body(KindCoHost, &p)
	return p, err
}
