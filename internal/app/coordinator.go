package app

import (
	"context"
	"sync"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/wire"
	"github.com/rs/zerolog/log"
)

// RoomSession is the observable "I am connected to room X": the local view
// plus the live member stream. Zero or one instance exists at a time; nil
// on the session feed means not connected.
type RoomSession struct {
	Info    domain.RoomInfo
	Members *Feed[[]domain.MemberInfo]
}

// roomBinding pairs the channel handle with the tracker and the cancel that
// detaches the room's event funnel.
type roomBinding struct {
	room    domain.Room
	channel core.Channel
	members *Membership
	cancel  context.CancelFunc
}

// Coordinator owns login/logout and room join/leave transitions. All
// state-mutating operations serialize on one mutex; transport callbacks are
// funneled into the event queue and drained by Run, so the session state
// has a single writer.
type Coordinator struct {
	transport core.Transport
	tokens    core.TokenService
	lobbyID   core.ChannelID

	mu          sync.Mutex
	user        *domain.User
	lobby       *Lobby
	lobbyCh     core.Channel
	lobbyCancel context.CancelFunc
	room        *roomBinding

	connFeed    *Feed[core.ConnectionState]
	sessionFeed *Feed[*RoomSession]

	events chan core.Event
	runCtx context.Context
}

func NewCoordinator(transport core.Transport, tokens core.TokenService, lobbyID core.ChannelID) *Coordinator {
	c := &Coordinator{
		transport:   transport,
		tokens:      tokens,
		lobbyID:     lobbyID,
		lobby:       NewLobby(),
		connFeed:    NewFeed(core.StateDisconnected),
		sessionFeed: NewFeed[*RoomSession](nil),
		events:      make(chan core.Event, 64),
		runCtx:      context.Background(),
	}
	// Connection state is pushed to observers as it arrives, even while an
	// operation is suspended mid-flight; reconciliation goes through the queue.
	transport.SetConnectionListener(func(s core.ConnectionState) {
		c.connFeed.Publish(s)
		c.post(core.ConnectionEvent{State: s})
	})
	transport.SetPeerListener(func(from domain.UserID, data []byte) {
		c.post(core.PeerMessageEvent{From: from, Data: data})
	})
	return c
}

// Run drains transport events until ctx is done. Start it once, before the
// first Login.
func (c *Coordinator) Run(ctx context.Context) {
	c.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.events:
			c.handle(e)
		}
	}
}

// ConnectionStates is the transport connectivity stream.
func (c *Coordinator) ConnectionStates() *Feed[core.ConnectionState] { return c.connFeed }

// OpenRooms is the eventually consistent open-room set stream.
func (c *Coordinator) OpenRooms() *Feed[[]domain.Room] { return c.lobby.Rooms() }

// Sessions is the current-room stream; nil means not connected to a room.
func (c *Coordinator) Sessions() *Feed[*RoomSession] { return c.sessionFeed }

// CurrentUser derives the local identity from the login state.
func (c *Coordinator) CurrentUser() (domain.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return domain.User{}, false
	}
	return *c.user, true
}

// Login establishes a fresh session. An existing session is logged out
// first. On any step failure nothing of the new session is retained, so
// the caller may simply retry.
func (c *Coordinator) Login(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user != nil {
		if err := c.logoutLocked(ctx); err != nil {
			return err
		}
	}

	user, err := domain.NewUser(name)
	if err != nil {
		return err
	}
	token, err := c.tokens.SignalingToken(ctx, name)
	if err != nil {
		return err
	}
	user.Token = token

	if err := c.transport.Login(ctx, token, user.ID); err != nil {
		return err
	}

	funnelCtx, cancel := context.WithCancel(context.Background())
	ch, err := c.transport.JoinChannel(ctx, c.lobbyID, c.funnel(funnelCtx, c.lobbyID))
	if err != nil {
		cancel()
		if lerr := c.transport.Logout(ctx); lerr != nil {
			log.Warn().Err(lerr).Str("module", "app.coordinator").Msg("logout after failed lobby join")
		}
		return err
	}

	c.user = user
	c.lobbyCh = ch
	c.lobbyCancel = cancel
	log.Info().Str("module", "app.coordinator").Str("user", user.ID.String()).Str("name", name).Msg("logged in")
	return nil
}

// Logout is a no-op when not logged in and tolerates a partially
// established session.
func (c *Coordinator) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logoutLocked(ctx)
}

func (c *Coordinator) logoutLocked(ctx context.Context) error {
	if c.user == nil {
		return nil
	}
	if err := c.leaveRoomLocked(ctx); err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Msg("leave room during logout")
	}
	if c.lobbyCh != nil {
		if err := c.lobbyCh.Leave(ctx); err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Msg("leave lobby")
		}
		c.lobbyCh.Release()
		c.lobbyCancel()
		c.lobbyCh = nil
		c.lobbyCancel = nil
	}
	c.lobby.Clear()
	if err := c.transport.Logout(ctx); err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Msg("transport logout")
	}
	log.Info().Str("module", "app.coordinator").Str("user", c.user.ID.String()).Msg("logged out")
	c.user = nil
	return nil
}

// CreateRoom synthesizes a room hosted by the local user and joins it.
// No-op (zero Room, nil error) when not logged in.
func (c *Coordinator) CreateRoom(ctx context.Context) (domain.Room, error) {
	c.mu.Lock()
	user := c.user
	c.mu.Unlock()
	if user == nil {
		return domain.Room{}, nil
	}
	room := domain.NewRoom(user.ID)
	if err := c.JoinRoom(ctx, room); err != nil {
		return domain.Room{}, err
	}
	return room, nil
}

// JoinRoom connects to a room's channel, seeds the member view, fetches
// the stream token and publishes the new session. A failed join leaves no
// stale session behind.
func (c *Coordinator) JoinRoom(ctx context.Context, room domain.Room) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	if err := c.leaveRoomLocked(ctx); err != nil {
		return err
	}

	broadcaster := room.HostID == c.user.ID
	chanID := core.ChannelID(room.ID)

	funnelCtx, cancel := context.WithCancel(context.Background())
	ch, err := c.transport.JoinChannel(ctx, chanID, c.funnel(funnelCtx, chanID))
	if err != nil {
		cancel()
		return err
	}

	members := NewMembership(room.HostID)
	if broadcaster {
		members.Add(c.user.ID)
	} else {
		roster, err := ch.Members(ctx)
		if err != nil {
			c.teardown(ctx, ch, cancel)
			return err
		}
		members.Reset(roster)
	}
	members.SetName(c.user.ID, c.user.Name)

	token, err := c.tokens.StreamToken(ctx, c.user.ID, room.ID, broadcaster)
	if err != nil {
		c.teardown(ctx, ch, cancel)
		return err
	}

	c.room = &roomBinding{room: room, channel: ch, members: members, cancel: cancel}
	c.setSession(&RoomSession{
		Info: domain.RoomInfo{
			RoomID:      room.ID,
			StreamToken: token,
			UserID:      c.user.ID,
			Broadcaster: broadcaster,
		},
		Members: members.Members(),
	})
	log.Info().Str("module", "app.coordinator").Str("room", string(room.ID)).Bool("broadcaster", broadcaster).Msg("joined room")

	if broadcaster {
		// The set must reflect the room before the announcement goes out.
		c.lobby.Open(room)
		if err := c.announceLocked(ctx, core.FireAndForget); err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Msg("announce open room")
		}
	}
	return nil
}

// LeaveRoom is a no-op when not logged in or not in a room.
func (c *Coordinator) LeaveRoom(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaveRoomLocked(ctx)
}

func (c *Coordinator) leaveRoomLocked(ctx context.Context) error {
	if c.user == nil || c.room == nil {
		return nil
	}
	b := c.room

	var announceErr error
	if b.room.HostID == c.user.ID {
		c.lobby.Close(b.room.ID)
		// The closure must be confirmed-delivered before channel teardown,
		// or listeners can observe a dead room as still open.
		announceErr = c.announceLocked(ctx, core.AwaitAck)
		if announceErr != nil {
			log.Warn().Err(announceErr).Str("module", "app.coordinator").Msg("announce room closure")
		}
	}

	// Detach the funnel first so stale member events cannot leak into a
	// view seeded for the next room.
	b.cancel()
	leaveErr := b.channel.Leave(ctx)
	b.channel.Release()
	c.room = nil
	c.setSession(nil)
	log.Info().Str("module", "app.coordinator").Str("room", string(b.room.ID)).Msg("left room")

	if announceErr != nil {
		return announceErr
	}
	return leaveErr
}

// ToggleHandRaised flips the local hand flag and announces it to the room.
func (c *Coordinator) ToggleHandRaised(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil || c.room == nil {
		return nil
	}
	raised := !c.room.members.HandRaised(c.user.ID)
	c.room.members.SetHandRaised(c.user.ID, raised)
	data, err := wire.EncodeHandRaise(c.user.ID, raised)
	if err != nil {
		return err
	}
	return c.room.channel.Send(ctx, data, core.FireAndForget)
}

// MakeCoHost grants or revokes co-host. Only the room host may call it;
// otherwise it is a no-op.
func (c *Coordinator) MakeCoHost(ctx context.Context, member domain.UserID, coHost bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil || c.room == nil || c.room.room.HostID != c.user.ID {
		return nil
	}
	c.room.members.SetCoHost(member, coHost)
	data, err := wire.EncodeCoHost(member, coHost)
	if err != nil {
		return err
	}
	return c.room.channel.Send(ctx, data, core.FireAndForget)
}

// setSession is the only path that mutates the published session.
func (c *Coordinator) setSession(s *RoomSession) {
	c.sessionFeed.Publish(s)
}

func (c *Coordinator) announceLocked(ctx context.Context, opts core.SendOptions) error {
	if c.lobbyCh == nil {
		return nil
	}
	data, err := c.lobby.Announce()
	if err != nil {
		return err
	}
	return c.lobbyCh.Send(ctx, data, opts)
}

func (c *Coordinator) teardown(ctx context.Context, ch core.Channel, cancel context.CancelFunc) {
	cancel()
	if err := ch.Leave(ctx); err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Msg("leave after failed join")
	}
	ch.Release()
}

// channelFunnel forwards channel callbacks into the event queue until its
// context is canceled.
type channelFunnel struct {
	id     core.ChannelID
	ctx    context.Context
	events chan<- core.Event
}

func (c *Coordinator) funnel(ctx context.Context, id core.ChannelID) *channelFunnel {
	return &channelFunnel{id: id, ctx: ctx, events: c.events}
}

func (f *channelFunnel) OnMemberJoined(id domain.UserID) {
	f.forward(core.MemberJoinedEvent{Channel: f.id, User: id})
}

func (f *channelFunnel) OnMemberLeft(id domain.UserID) {
	f.forward(core.MemberLeftEvent{Channel: f.id, User: id})
}

func (f *channelFunnel) OnMessage(from domain.UserID, data []byte) {
	f.forward(core.ChannelMessageEvent{Channel: f.id, From: from, Data: data})
}

func (f *channelFunnel) forward(e core.Event) {
	select {
	case <-f.ctx.Done():
	case f.events <- e:
	default:
		log.Warn().Str("module", "app.coordinator").Str("channel", string(f.id)).Msg("event queue full, dropped")
	}
}

func (c *Coordinator) post(e core.Event) {
	select {
	case c.events <- e:
	default:
		log.Warn().Str("module", "app.coordinator").Msg("event queue full, dropped")
	}
}

func (c *Coordinator) handle(e core.Event) {
	switch e := e.(type) {
	case core.ConnectionEvent:
		c.onConnection(e.State)
	case core.MemberJoinedEvent:
		c.onMemberJoined(e.Channel, e.User)
	case core.MemberLeftEvent:
		c.onMemberLeft(e.Channel, e.User)
	case core.ChannelMessageEvent:
		c.onMessage(e.Channel, e.From, e.Data)
	case core.PeerMessageEvent:
		// Peer traffic has no channel; only lobby-scoped kinds apply.
		c.onMessage(c.lobbyID, e.From, e.Data)
	}
}

// onConnection reconciles a dropped transport against session state. State
// is rebuilt from live events only, so a dead connection means no room.
func (c *Coordinator) onConnection(s core.ConnectionState) {
	if s != core.StateDisconnected {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return
	}
	b := c.room
	b.cancel()
	b.channel.Release()
	c.room = nil
	c.setSession(nil)
	log.Warn().Str("module", "app.coordinator").Str("room", string(b.room.ID)).Msg("session dropped on disconnect")
}

func (c *Coordinator) onMemberJoined(ch core.ChannelID, user domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.lobbyCh != nil && ch == c.lobbyID:
		// Newcomers converge without waiting for the next broadcast.
		data, err := c.lobby.Announce()
		if err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Msg("greet newcomer")
			return
		}
		if err := c.transport.SendToPeer(c.runCtx, user, data, core.FireAndForget); err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Str("peer", user.String()).Msg("greet newcomer")
		}
	case c.room != nil && ch == core.ChannelID(c.room.room.ID):
		c.room.members.Add(user)
	}
}

func (c *Coordinator) onMemberLeft(ch core.ChannelID, user domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != nil && ch == core.ChannelID(c.room.room.ID) {
		c.room.members.Remove(user)
	}
}

// onMessage ingests peer and channel messages. Malformed or unknown
// envelopes are logged and dropped; background handlers never fail a caller.
// Room-scoped kinds are applied only when ch is the current room's channel,
// so late messages from an abandoned room cannot touch a fresh view.
func (c *Coordinator) onMessage(ch core.ChannelID, from domain.UserID, data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.coordinator").Str("from", from.String()).Msg("unknown message")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch env.Kind {
	case wire.KindRoomList:
		if ch != c.lobbyID {
			return
		}
		c.lobby.Ingest(env)
	case wire.KindHandRaise:
		if c.room == nil || ch != core.ChannelID(c.room.room.ID) {
			return
		}
		p, err := env.HandRaise()
		if err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Msg("unknown message")
			return
		}
		c.room.members.SetHandRaised(p.UserID, p.Raised)
	case wire.KindCoHost:
		if c.room == nil || ch != core.ChannelID(c.room.room.ID) {
			return
		}
		p, err := env.CoHost()
		if err != nil {
			log.Warn().Err(err).Str("module", "app.coordinator").Msg("unknown message")
			return
		}
		c.room.members.SetCoHost(p.UserID, p.CoHost)
	default:
		log.Warn().Str("module", "app.coordinator").Str("kind", string(env.Kind)).Msg("unknown message kind")
	}
}
