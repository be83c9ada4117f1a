package rtm

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotLoggedIn = errors.New("not logged in")
	ErrNotMember   = errors.New("not a channel member")
	ErrPeerOffline = errors.New("peer offline")
)

// Hub is an in-process messaging fabric: every client obtained from it is a
// full core.Transport, and clients of one hub see each other. Used by tests
// and by local mode, where no signaling server runs.
type Hub struct {
	mu       sync.Mutex
	clients  map[domain.UserID]*MemClient
	channels map[core.ChannelID]map[domain.UserID]core.ChannelListener
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[domain.UserID]*MemClient),
		channels: make(map[core.ChannelID]map[domain.UserID]core.ChannelListener),
	}
}

// NewClient returns a transport endpoint not yet logged in.
func (h *Hub) NewClient() *MemClient {
	return &MemClient{hub: h}
}

type MemClient struct {
	hub *Hub

	mu       sync.Mutex
	user     domain.UserID
	loggedIn bool
	connFn   func(core.ConnectionState)
	peerFn   func(domain.UserID, []byte)
}

func (c *MemClient) SetConnectionListener(fn func(core.ConnectionState)) {
	c.mu.Lock()
	c.connFn = fn
	c.mu.Unlock()
}

func (c *MemClient) SetPeerListener(fn func(domain.UserID, []byte)) {
	c.mu.Lock()
	c.peerFn = fn
	c.mu.Unlock()
}

func (c *MemClient) pushState(s core.ConnectionState) {
	c.mu.Lock()
	fn := c.connFn
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *MemClient) Login(ctx context.Context, token string, user domain.UserID) error {
	_ = token // the hub trusts everyone
	c.mu.Lock()
	if c.loggedIn {
		c.mu.Unlock()
		return errors.New("already logged in")
	}
	c.user = user
	c.loggedIn = true
	c.mu.Unlock()

	c.hub.mu.Lock()
	c.hub.clients[user] = c
	c.hub.mu.Unlock()

	c.pushState(core.StateConnecting)
	c.pushState(core.StateConnected)
	return nil
}

func (c *MemClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	if !c.loggedIn {
		c.mu.Unlock()
		return nil
	}
	user := c.user
	c.loggedIn = false
	c.mu.Unlock()

	// Drop any channel memberships the owner forgot to leave.
	c.hub.mu.Lock()
	delete(c.hub.clients, user)
	var notify []core.ChannelListener
	for id, members := range c.hub.channels {
		if _, ok := members[user]; !ok {
			continue
		}
		delete(members, user)
		for _, l := range members {
			notify = append(notify, l)
		}
		if len(members) == 0 {
			delete(c.hub.channels, id)
		}
	}
	c.hub.mu.Unlock()
	for _, l := range notify {
		l.OnMemberLeft(user)
	}

	c.pushState(core.StateDisconnected)
	return nil
}

func (c *MemClient) JoinChannel(ctx context.Context, id core.ChannelID, l core.ChannelListener) (core.Channel, error) {
	c.mu.Lock()
	user, ok := c.user, c.loggedIn
	c.mu.Unlock()
	if !ok {
		return nil, ErrNotLoggedIn
	}

	c.hub.mu.Lock()
	members, exists := c.hub.channels[id]
	if !exists {
		members = make(map[domain.UserID]core.ChannelListener)
		c.hub.channels[id] = members
	}
	others := make([]core.ChannelListener, 0, len(members))
	for _, ol := range members {
		others = append(others, ol)
	}
	members[user] = l
	c.hub.mu.Unlock()

	for _, ol := range others {
		ol.OnMemberJoined(user)
	}
	log.Debug().Str("module", "rtm.memory").Str("channel", string(id)).Str("user", user.String()).Msg("joined channel")
	return &memChannel{hub: c.hub, id: id, user: user}, nil
}

func (c *MemClient) SendToPeer(ctx context.Context, peer domain.UserID, data []byte, opts core.SendOptions) error {
	c.mu.Lock()
	user, ok := c.user, c.loggedIn
	c.mu.Unlock()
	if !ok {
		return ErrNotLoggedIn
	}

	c.hub.mu.Lock()
	target, online := c.hub.clients[peer]
	c.hub.mu.Unlock()
	if !online {
		if opts.WaitForAck {
			return ErrPeerOffline
		}
		return nil
	}
	target.mu.Lock()
	fn := target.peerFn
	target.mu.Unlock()
	if fn != nil {
		fn(user, data)
	}
	return nil
}

type memChannel struct {
	hub  *Hub
	id   core.ChannelID
	user domain.UserID

	mu   sync.Mutex
	gone bool
}

func (ch *memChannel) ID() core.ChannelID { return ch.id }

func (ch *memChannel) Leave(ctx context.Context) error {
	ch.mu.Lock()
	if ch.gone {
		ch.mu.Unlock()
		return nil
	}
	ch.gone = true
	ch.mu.Unlock()

	ch.hub.mu.Lock()
	members := ch.hub.channels[ch.id]
	delete(members, ch.user)
	notify := make([]core.ChannelListener, 0, len(members))
	for _, l := range members {
		notify = append(notify, l)
	}
	if len(members) == 0 {
		delete(ch.hub.channels, ch.id)
	}
	ch.hub.mu.Unlock()

	for _, l := range notify {
		l.OnMemberLeft(ch.user)
	}
	return nil
}

func (ch *memChannel) Release() {}

func (ch *memChannel) Members(ctx context.Context) ([]domain.UserID, error) {
	ch.hub.mu.Lock()
	defer ch.hub.mu.Unlock()
	members, ok := ch.hub.channels[ch.id]
	if !ok {
		return nil, ErrNotMember
	}
	out := make([]domain.UserID, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out, nil
}

// Send delivers to every other member. Delivery is synchronous, so the
// WaitForAck variant returns only after all listeners were invoked.
func (ch *memChannel) Send(ctx context.Context, data []byte, opts core.SendOptions) error {
	ch.mu.Lock()
	gone := ch.gone
	ch.mu.Unlock()
	if gone {
		return ErrNotMember
	}

	ch.hub.mu.Lock()
	members := ch.hub.channels[ch.id]
	notify := make([]core.ChannelListener, 0, len(members))
	for id, l := range members {
		if id == ch.user {
			continue
		}
		notify = append(notify, l)
	}
	ch.hub.mu.Unlock()

	for _, l := range notify {
		l.OnMessage(ch.user, data)
	}
	return nil
}
