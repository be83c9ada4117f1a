package core

import "github.com/dkeye/Stage/internal/domain"

// Transport callbacks are turned into these events and drained by a single
// goroutine, so shared session state has exactly one writer.

type Event interface{ isEvent() }

type ConnectionEvent struct {
	State ConnectionState
}

type MemberJoinedEvent struct {
	Channel ChannelID
	User    domain.UserID
}

type MemberLeftEvent struct {
	Channel ChannelID
	User    domain.UserID
}

type ChannelMessageEvent struct {
	Channel ChannelID
	From    domain.UserID
	Data    []byte
}

type PeerMessageEvent struct {
	From domain.UserID
	Data []byte
}

func (ConnectionEvent) isEvent()     {}
func (MemberJoinedEvent) isEvent()   {}
func (MemberLeftEvent) isEvent()     {}
func (ChannelMessageEvent) isEvent() {}
func (PeerMessageEvent) isEvent()    {}
