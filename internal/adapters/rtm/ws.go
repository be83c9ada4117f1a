// Package rtm provides implementations of the messaging transport
// capability: a websocket client speaking the Stage signaling protocol and
// an in-process hub for tests and local mode.
package rtm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
)

const (
	writeWait = 5 * time.Second
	sendQueue = 32
)

var ErrClosed = errors.New("transport closed")

// wsFrame is the single frame shape of the signaling protocol. Requests
// carry a seq; the server answers with an ack (or members) echoing it.
// Server-initiated traffic arrives as op "event" with seq zero.
type wsFrame struct {
	Op      string          `json:"op"`
	Seq     uint64          `json:"seq,omitempty"`
	Error   string          `json:"error,omitempty"`
	Token   string          `json:"token,omitempty"`
	User    domain.UserID   `json:"user,omitempty"`
	Channel core.ChannelID  `json:"channel,omitempty"`
	To      domain.UserID   `json:"to,omitempty"`
	From    domain.UserID   `json:"from,omitempty"`
	Ack     bool            `json:"ack,omitempty"`
	Event   string          `json:"event,omitempty"`
	Members []domain.UserID `json:"members,omitempty"`
	Data    []byte          `json:"data,omitempty"`
}

// WSClient implements core.Transport over one websocket connection.
type WSClient struct {
	url        string
	reqTimeout time.Duration
	seq        atomic.Uint64

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	pending   map[uint64]chan wsFrame
	listeners map[core.ChannelID]core.ChannelListener
	connFn    func(core.ConnectionState)
	peerFn    func(domain.UserID, []byte)
}

// NewWSClient builds a client for the signaling server at url. reqTimeout
// bounds every awaited request when the caller's context has no deadline.
func NewWSClient(url string, reqTimeout time.Duration) *WSClient {
	return &WSClient{
		url:        url,
		reqTimeout: reqTimeout,
		pending:    make(map[uint64]chan wsFrame),
		listeners:  make(map[core.ChannelID]core.ChannelListener),
	}
}

func (c *WSClient) SetConnectionListener(fn func(core.ConnectionState)) {
	c.mu.Lock()
	c.connFn = fn
	c.mu.Unlock()
}

func (c *WSClient) SetPeerListener(fn func(domain.UserID, []byte)) {
	c.mu.Lock()
	c.peerFn = fn
	c.mu.Unlock()
}

func (c *WSClient) pushState(s core.ConnectionState) {
	c.mu.Lock()
	fn := c.connFn
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *WSClient) Login(ctx context.Context, token string, user domain.UserID) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("already logged in")
	}
	c.mu.Unlock()

	c.pushState(core.StateConnecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.pushState(core.StateDisconnected)
		return fmt.Errorf("dial signaling: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, sendQueue)
	c.closed = make(chan struct{})
	c.mu.Unlock()

	go c.writePump(conn)
	go c.readPump(conn)

	if _, err := c.request(ctx, wsFrame{Op: "login", Token: token, User: user}); err != nil {
		c.shutdown()
		return err
	}
	c.pushState(core.StateConnected)
	return nil
}

func (c *WSClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if _, err := c.request(ctx, wsFrame{Op: "logout"}); err != nil {
		log.Warn().Err(err).Str("module", "rtm.ws").Msg("logout request")
	}
	c.shutdown()
	return nil
}

func (c *WSClient) JoinChannel(ctx context.Context, id core.ChannelID, l core.ChannelListener) (core.Channel, error) {
	c.mu.Lock()
	c.listeners[id] = l
	c.mu.Unlock()

	if _, err := c.request(ctx, wsFrame{Op: "join", Channel: id}); err != nil {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
		return nil, err
	}
	return &wsChannel{client: c, id: id}, nil
}

func (c *WSClient) SendToPeer(ctx context.Context, peer domain.UserID, data []byte, opts core.SendOptions) error {
	f := wsFrame{Op: "peer", To: peer, Data: data, Ack: opts.WaitForAck}
	if opts.WaitForAck {
		_, err := c.request(ctx, f)
		return err
	}
	return c.enqueue(f)
}

type wsChannel struct {
	client *WSClient
	id     core.ChannelID
}

func (ch *wsChannel) ID() core.ChannelID { return ch.id }

func (ch *wsChannel) Leave(ctx context.Context) error {
	_, err := ch.client.request(ctx, wsFrame{Op: "leave", Channel: ch.id})
	return err
}

func (ch *wsChannel) Release() {
	ch.client.mu.Lock()
	delete(ch.client.listeners, ch.id)
	ch.client.mu.Unlock()
}

func (ch *wsChannel) Members(ctx context.Context) ([]domain.UserID, error) {
	resp, err := ch.client.request(ctx, wsFrame{Op: "members", Channel: ch.id})
	if err != nil {
		return nil, err
	}
	return resp.Members, nil
}

func (ch *wsChannel) Send(ctx context.Context, data []byte, opts core.SendOptions) error {
	f := wsFrame{Op: "publish", Channel: ch.id, Data: data, Ack: opts.WaitForAck}
	if opts.WaitForAck {
		_, err := ch.client.request(ctx, f)
		return err
	}
	return ch.client.enqueue(f)
}

// request sends one frame and waits for the server frame echoing its seq.
func (c *WSClient) request(ctx context.Context, f wsFrame) (wsFrame, error) {
	if _, ok := ctx.Deadline(); !ok && c.reqTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
	}
	f.Seq = c.seq.Add(1)
	reply := make(chan wsFrame, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return wsFrame{}, ErrClosed
	}
	closed := c.closed
	c.pending[f.Seq] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Seq)
		c.mu.Unlock()
	}()

	if err := c.enqueue(f); err != nil {
		return wsFrame{}, err
	}
	select {
	case <-ctx.Done():
		return wsFrame{}, ctx.Err()
	case <-closed:
		return wsFrame{}, ErrClosed
	case resp := <-reply:
		if resp.Error != "" {
			return wsFrame{}, errors.New(resp.Error)
		}
		return resp, nil
	}
}

func (c *WSClient) enqueue(f wsFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	send, closed := c.send, c.closed
	c.mu.Unlock()
	if send == nil {
		return ErrClosed
	}
	select {
	case send <- data:
		return nil
	case <-closed:
		return ErrClosed
	}
}

func (c *WSClient) writePump(conn *websocket.Conn) {
	c.mu.Lock()
	send, closed := c.send, c.closed
	c.mu.Unlock()
	for {
		select {
		case <-closed:
			return
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "rtm.ws").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "rtm.ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *WSClient) readPump(conn *websocket.Conn) {
	defer func() {
		c.shutdown()
		c.pushState(core.StateDisconnected)
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("module", "rtm.ws").Msg("readPump read error")
			return
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "rtm.ws").Msg("bad frame")
			continue
		}
		if f.Op == "event" {
			c.dispatch(f)
			continue
		}
		c.mu.Lock()
		reply, ok := c.pending[f.Seq]
		c.mu.Unlock()
		if !ok {
			log.Warn().Uint64("seq", f.Seq).Str("module", "rtm.ws").Msg("unmatched reply")
			continue
		}
		reply <- f
	}
}

func (c *WSClient) dispatch(f wsFrame) {
	c.mu.Lock()
	l := c.listeners[f.Channel]
	peerFn := c.peerFn
	c.mu.Unlock()

	switch f.Event {
	case "member_joined":
		if l != nil {
			l.OnMemberJoined(f.From)
		}
	case "member_left":
		if l != nil {
			l.OnMemberLeft(f.From)
		}
	case "message":
		if l != nil {
			l.OnMessage(f.From, f.Data)
		}
	case "peer":
		if peerFn != nil {
			peerFn(f.From, f.Data)
		}
	default:
		log.Warn().Str("module", "rtm.ws").Str("event", f.Event).Msg("unknown event")
	}
}

// shutdown tears the connection down once; pending requests fail with
// ErrClosed via the closed channel.
func (c *WSClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	close(c.closed)
	_ = c.conn.Close()
	c.conn = nil
	c.send = nil
	c.listeners = make(map[core.ChannelID]core.ChannelListener)
}
