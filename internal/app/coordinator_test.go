package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Stage/internal/adapters/rtm"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

const testLobby core.ChannelID = "lobby"

type fakeTokens struct {
	rtmErr error
	rtcErr error
}

func (f *fakeTokens) SignalingToken(ctx context.Context, userName string) (string, error) {
	if f.rtmErr != nil {
		return "", f.rtmErr
	}
	return "rtm-" + userName, nil
}

func (f *fakeTokens) StreamToken(ctx context.Context, user domain.UserID, room domain.RoomID, broadcaster bool) (string, error) {
	if f.rtcErr != nil {
		return "", f.rtcErr
	}
	return fmt.Sprintf("rtc-%s-%s-%t", user, room, broadcaster), nil
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func newTestClient(t *testing.T, hub *rtm.Hub, name string) *Coordinator {
	t.Helper()
	c := NewCoordinator(hub.NewClient(), &fakeTokens{}, testLobby)
	go c.Run(testContext(t))
	if err := c.Login(testContext(t), name); err != nil {
		t.Fatalf("login %s: %v", name, err)
	}
	return c
}

func openRoomIDs(c *Coordinator) map[domain.RoomID]bool {
	out := make(map[domain.RoomID]bool)
	for _, r := range c.OpenRooms().Current() {
		out[r.ID] = true
	}
	return out
}

func memberSet(c *Coordinator) map[domain.UserID]domain.MemberInfo {
	sess := c.Sessions().Current()
	if sess == nil {
		return nil
	}
	out := make(map[domain.UserID]domain.MemberInfo)
	for _, m := range sess.Members.Current() {
		out[m.ID] = m
	}
	return out
}

func TestCreateRoomPublishesOpenSet(t *testing.T) {
	hub := rtm.NewHub()
	a := newTestClient(t, hub, "alice")
	aUser, _ := a.CurrentUser()

	room, err := a.CreateRoom(testContext(t))
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if room.HostID != aUser.ID {
		t.Errorf("host = %s, want %s", room.HostID, aUser.ID)
	}

	if got := openRoomIDs(a); len(got) != 1 || !got[room.ID] {
		t.Errorf("open set = %v, want {%s}", got, room.ID)
	}

	sess := a.Sessions().Current()
	if sess == nil {
		t.Fatal("session is nil after join")
	}
	if !sess.Info.Broadcaster || sess.Info.RoomID != room.ID || sess.Info.UserID != aUser.ID {
		t.Errorf("session info = %+v", sess.Info)
	}
	if sess.Info.StreamToken == "" {
		t.Error("session has no stream token")
	}

	members := memberSet(a)
	if len(members) != 1 {
		t.Fatalf("members = %v, want just the host", members)
	}
	if me := members[aUser.ID]; me.Role != domain.RoleHost || me.Name != "alice" {
		t.Errorf("host member view = %+v", me)
	}
}

func TestNewcomerReceivesRoomList(t *testing.T) {
	hub := rtm.NewHub()
	a := newTestClient(t, hub, "alice")
	room, err := a.CreateRoom(testContext(t))
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	// B logs in after the room exists; the lobby listener unicasts the
	// current list, so B converges without waiting for a broadcast.
	b := newTestClient(t, hub, "bob")
	waitFor(t, "B to learn about the room", func() bool {
		return openRoomIDs(b)[room.ID]
	})
}

func TestBroadcasterCloseClearsOpenSet(t *testing.T) {
	hub := rtm.NewHub()
	a := newTestClient(t, hub, "alice")
	room, err := a.CreateRoom(testContext(t))
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	b := newTestClient(t, hub, "bob")
	waitFor(t, "B to learn about the room", func() bool {
		return openRoomIDs(b)[room.ID]
	})

	if err := a.LeaveRoom(testContext(t)); err != nil {
		t.Fatalf("leave room: %v", err)
	}
	if got := openRoomIDs(a); len(got) != 0 {
		t.Errorf("A open set = %v, want empty", got)
	}
	if a.Sessions().Current() != nil {
		t.Error("A still has a session after leaving")
	}
	waitFor(t, "B to see the closure", func() bool {
		return len(openRoomIDs(b)) == 0
	})
}

func TestAudienceJoinSeenByHost(t *testing.T) {
	hub := rtm.NewHub()
	a := newTestClient(t, hub, "alice")
	aUser, _ := a.CurrentUser()
	room, err := a.CreateRoom(testContext(t))
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	c := newTestClient(t, hub, "carol")
	cUser, _ := c.CurrentUser()
	if err := c.JoinRoom(testContext(t), room); err != nil {
		t.Fatalf("join room: %v", err)
	}

	sess := c.Sessions().Current()
	if sess == nil {
		t.Fatal("C has no session")
	}
	if sess.Info.Broadcaster {
		t.Error("C must not be broadcaster")
	}

	// C's view is seeded from the channel roster.
	cm := memberSet(c)
	if len(cm) != 2 {
		t.Fatalf("C members = %v, want {A C}", cm)
	}
	if cm[aUser.ID].Role != domain.RoleHost {
		t.Errorf("A's role in C's view = %v, want host", cm[aUser.ID].Role)
	}

	// A's view transitions {A} -> {A C} on C's channel join.
	waitFor(t, "A to see C", func() bool {
		am := memberSet(a)
		return len(am) == 2 && am[cUser.ID].ID == cUser.ID
	})

	if err := c.LeaveRoom(testContext(t)); err != nil {
		t.Fatalf("C leave: %v", err)
	}
	waitFor(t, "A to see C gone", func() bool {
		return len(memberSet(a)) == 1
	})
	// The room stays open: C was not its broadcaster.
	if got := openRoomIDs(a); !got[room.ID] {
		t.Errorf("open set = %v, want it to keep %s", got, room.ID)
	}
}

func TestHandRaiseAndCoHost(t *testing.T) {
	hub := rtm.NewHub()
	a := newTestClient(t, hub, "alice")
	room, err := a.CreateRoom(testContext(t))
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	c := newTestClient(t, hub, "carol")
	cUser, _ := c.CurrentUser()
	if err := c.JoinRoom(testContext(t), room); err != nil {
		t.Fatalf("join room: %v", err)
	}
	waitFor(t, "A to see C", func() bool { return len(memberSet(a)) == 2 })

	if err := c.ToggleHandRaised(testContext(t)); err != nil {
		t.Fatalf("toggle hand: %v", err)
	}
	waitFor(t, "A to see C's hand", func() bool {
		return memberSet(a)[cUser.ID].HandRaised
	})

	// Only the host may grant co-host; from C this is a no-op.
	if err := c.MakeCoHost(testContext(t), cUser.ID, true); err != nil {
		t.Fatalf("non-host co-host: %v", err)
	}
	if memberSet(c)[cUser.ID].Role == domain.RoleCoHost {
		t.Error("non-host granted itself co-host")
	}

	if err := a.MakeCoHost(testContext(t), cUser.ID, true); err != nil {
		t.Fatalf("make co-host: %v", err)
	}
	waitFor(t, "C to see its co-host role", func() bool {
		return memberSet(c)[cUser.ID].Role == domain.RoleCoHost
	})

	if err := c.ToggleHandRaised(testContext(t)); err != nil {
		t.Fatalf("toggle hand down: %v", err)
	}
	waitFor(t, "A to see C's hand down", func() bool {
		return !memberSet(a)[cUser.ID].HandRaised
	})
}

func TestOperationsAreNoopsOutsideSession(t *testing.T) {
	hub := rtm.NewHub()
	c := NewCoordinator(hub.NewClient(), &fakeTokens{}, testLobby)
	go c.Run(testContext(t))

	t.Run("not logged in", func(t *testing.T) {
		if err := c.JoinRoom(testContext(t), domain.Room{HostID: 1, ID: "r"}); err != nil {
			t.Errorf("join: %v", err)
		}
		if room, err := c.CreateRoom(testContext(t)); err != nil || room.ID != "" {
			t.Errorf("create = (%+v, %v), want zero no-op", room, err)
		}
		if err := c.Logout(testContext(t)); err != nil {
			t.Errorf("logout: %v", err)
		}
		if c.Sessions().Current() != nil {
			t.Error("session appeared out of nowhere")
		}
	})

	t.Run("double logout", func(t *testing.T) {
		if err := c.Login(testContext(t), "dave"); err != nil {
			t.Fatalf("login: %v", err)
		}
		if err := c.Logout(testContext(t)); err != nil {
			t.Errorf("first logout: %v", err)
		}
		if err := c.Logout(testContext(t)); err != nil {
			t.Errorf("second logout: %v", err)
		}
		if _, ok := c.CurrentUser(); ok {
			t.Error("user survived logout")
		}
	})

	t.Run("leave with no room", func(t *testing.T) {
		if err := c.Login(testContext(t), "dave"); err != nil {
			t.Fatalf("login: %v", err)
		}
		if err := c.LeaveRoom(testContext(t)); err != nil {
			t.Errorf("leave: %v", err)
		}
		if err := c.ToggleHandRaised(testContext(t)); err != nil {
			t.Errorf("toggle: %v", err)
		}
	})
}

func TestLogoutClearsOpenSet(t *testing.T) {
	hub := rtm.NewHub()
	a := newTestClient(t, hub, "alice")
	if _, err := a.CreateRoom(testContext(t)); err != nil {
		t.Fatalf("create room: %v", err)
	}
	b := newTestClient(t, hub, "bob")
	waitFor(t, "B to learn about the room", func() bool {
		return len(openRoomIDs(b)) == 1
	})

	if err := b.Logout(testContext(t)); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if got := openRoomIDs(b); len(got) != 0 {
		t.Errorf("open set after logout = %v, want empty", got)
	}
}

func TestFailedJoinLeavesNoSession(t *testing.T) {
	hub := rtm.NewHub()
	a := newTestClient(t, hub, "alice")
	room, err := a.CreateRoom(testContext(t))
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	tokens := &fakeTokens{}
	c := NewCoordinator(hub.NewClient(), tokens, testLobby)
	go c.Run(testContext(t))
	if err := c.Login(testContext(t), "carol"); err != nil {
		t.Fatalf("login: %v", err)
	}

	tokens.rtcErr = errors.New("token service down")
	if err := c.JoinRoom(testContext(t), room); err == nil {
		t.Fatal("join succeeded, want error")
	}
	if c.Sessions().Current() != nil {
		t.Error("failed join left a stale session")
	}

	// The aborted join must not linger in the room's roster either.
	waitFor(t, "A's roster back to itself", func() bool {
		return len(memberSet(a)) == 1
	})

	// A clean retry works once the token service recovers.
	tokens.rtcErr = nil
	if err := c.JoinRoom(testContext(t), room); err != nil {
		t.Fatalf("retry join: %v", err)
	}
	if c.Sessions().Current() == nil {
		t.Fatal("retry left no session")
	}
}

func TestRelogin(t *testing.T) {
	hub := rtm.NewHub()
	a := newTestClient(t, hub, "alice")
	if _, err := a.CreateRoom(testContext(t)); err != nil {
		t.Fatalf("create room: %v", err)
	}
	first, _ := a.CurrentUser()

	// Login with a live session logs the old one out first.
	if err := a.Login(testContext(t), "alice2"); err != nil {
		t.Fatalf("relogin: %v", err)
	}
	second, ok := a.CurrentUser()
	if !ok || second.ID == first.ID {
		t.Errorf("relogin kept identity %s", second.ID)
	}
	if a.Sessions().Current() != nil {
		t.Error("room session survived relogin")
	}
	if got := openRoomIDs(a); len(got) != 0 {
		t.Errorf("open set after relogin = %v, want empty", got)
	}
}

func TestUnknownMessagesIgnored(t *testing.T) {
	hub := rtm.NewHub()
	a := newTestClient(t, hub, "alice")
	aUser, _ := a.CurrentUser()
	room, err := a.CreateRoom(testContext(t))
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	// A bare transport client posts junk and future kinds into the room.
	raw := hub.NewClient()
	if err := raw.Login(testContext(t), "tok", 777); err != nil {
		t.Fatalf("raw login: %v", err)
	}
	ch, err := raw.JoinChannel(testContext(t), core.ChannelID(room.ID), nopListener{})
	if err != nil {
		t.Fatalf("raw join: %v", err)
	}
	waitFor(t, "A to see the raw client", func() bool { return len(memberSet(a)) == 2 })

	if err := ch.Send(testContext(t), []byte("total garbage"), core.FireAndForget); err != nil {
		t.Fatalf("send garbage: %v", err)
	}
	if err := ch.Send(testContext(t), []byte(`{"kind":"teleport","body":"{}"}`), core.FireAndForget); err != nil {
		t.Fatalf("send unknown kind: %v", err)
	}

	// Give the events time to drain; nothing but the join may change.
	time.Sleep(50 * time.Millisecond)
	members := memberSet(a)
	if len(members) != 2 {
		t.Errorf("members = %v, want {A raw}", members)
	}
	if got := openRoomIDs(a); len(got) != 1 {
		t.Errorf("open set = %v, want the one room", got)
	}
	if members[aUser.ID].Role != domain.RoleHost {
		t.Error("unknown message mutated roles")
	}
}

func TestDisconnectDropsSession(t *testing.T) {
	hub := rtm.NewHub()
	transport := hub.NewClient()
	a := NewCoordinator(transport, &fakeTokens{}, testLobby)
	go a.Run(testContext(t))
	if err := a.Login(testContext(t), "alice"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := a.CreateRoom(testContext(t)); err != nil {
		t.Fatalf("create room: %v", err)
	}

	// Connection loss, not a user action: membership is rebuilt from live
	// events only, so the session cannot outlive the transport.
	if err := transport.Logout(testContext(t)); err != nil {
		t.Fatalf("transport drop: %v", err)
	}
	waitFor(t, "session to drop", func() bool {
		return a.Sessions().Current() == nil
	})
	waitFor(t, "disconnected state", func() bool {
		return a.ConnectionStates().Current() == core.StateDisconnected
	})
}

type nopListener struct{}

func (nopListener) OnMemberJoined(domain.UserID) {}
func (nopListener) OnMemberLeft(domain.UserID)   {}
func (nopListener) OnMessage(domain.UserID, []byte) {}

// opRecorder captures cross-channel call ordering for the teardown race
// regression below.
type opRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *opRecorder) add(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *opRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

type recTransport struct {
	core.Transport
	rec *opRecorder
}

func (t *recTransport) JoinChannel(ctx context.Context, id core.ChannelID, l core.ChannelListener) (core.Channel, error) {
	ch, err := t.Transport.JoinChannel(ctx, id, l)
	if err != nil {
		return nil, err
	}
	return &recChannel{Channel: ch, rec: t.rec}, nil
}

type recChannel struct {
	core.Channel
	rec *opRecorder
}

func (c *recChannel) Send(ctx context.Context, data []byte, opts core.SendOptions) error {
	err := c.Channel.Send(ctx, data, opts)
	if opts.WaitForAck && err == nil {
		c.rec.add("acked " + string(c.ID()))
	}
	return err
}

func (c *recChannel) Leave(ctx context.Context) error {
	c.rec.add("leave " + string(c.ID()))
	return c.Channel.Leave(ctx)
}

// The closure broadcast must be confirmed-delivered before the room channel
// is torn down, or lobby members can race a dead room as still open.
func TestCloseBroadcastConfirmedBeforeTeardown(t *testing.T) {
	hub := rtm.NewHub()
	rec := &opRecorder{}
	a := NewCoordinator(&recTransport{Transport: hub.NewClient(), rec: rec}, &fakeTokens{}, testLobby)
	go a.Run(testContext(t))
	if err := a.Login(testContext(t), "alice"); err != nil {
		t.Fatalf("login: %v", err)
	}
	b := newTestClient(t, hub, "bob")
	room, err := a.CreateRoom(testContext(t))
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	waitFor(t, "B to learn about the room", func() bool {
		return openRoomIDs(b)[room.ID]
	})

	if err := a.LeaveRoom(testContext(t)); err != nil {
		t.Fatalf("leave room: %v", err)
	}

	ackIdx, leaveIdx := -1, -1
	for i, op := range rec.list() {
		if op == "acked "+string(testLobby) && ackIdx == -1 {
			ackIdx = i
		}
		if strings.HasPrefix(op, "leave "+string(room.ID)) {
			leaveIdx = i
		}
	}
	if ackIdx == -1 {
		t.Fatalf("no confirmed lobby broadcast in %v", rec.list())
	}
	if leaveIdx == -1 {
		t.Fatalf("no room leave in %v", rec.list())
	}
	if ackIdx > leaveIdx {
		t.Errorf("closure confirmed after teardown: %v", rec.list())
	}
}
