package app

import (
	"sync"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/wire"
	"github.com/rs/zerolog/log"
)

// Lobby holds the globally broadcast set of open rooms. The coordinator
// owns the lobby channel; this component owns the set and the wire payloads
// that keep peers converged.
type Lobby struct {
	mu    sync.RWMutex
	order []domain.RoomID
	rooms map[domain.RoomID]domain.Room

	feed *Feed[[]domain.Room]
}

func NewLobby() *Lobby {
	return &Lobby{
		rooms: make(map[domain.RoomID]domain.Room),
		feed:  NewFeed([]domain.Room(nil)),
	}
}

// Rooms is the live, deduplicated open-room stream.
func (l *Lobby) Rooms() *Feed[[]domain.Room] { return l.feed }

func (l *Lobby) Snapshot() []domain.Room {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Room, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.rooms[id])
	}
	return out
}

// Open records a locally created room. The set is updated before any
// broadcast announcing it goes out.
func (l *Lobby) Open(room domain.Room) {
	l.mu.Lock()
	if _, ok := l.rooms[room.ID]; !ok {
		l.order = append(l.order, room.ID)
	}
	l.rooms[room.ID] = room
	l.mu.Unlock()
	l.publish()
}

func (l *Lobby) Close(id domain.RoomID) {
	l.mu.Lock()
	if _, ok := l.rooms[id]; !ok {
		l.mu.Unlock()
		return
	}
	delete(l.rooms, id)
	for i, o := range l.order {
		if o == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
	l.publish()
}

// Replace installs a peer's room list wholesale: last writer wins, no merge.
func (l *Lobby) Replace(rooms []domain.Room) {
	l.mu.Lock()
	l.order = l.order[:0]
	clear(l.rooms)
	for _, r := range rooms {
		if _, ok := l.rooms[r.ID]; ok {
			continue
		}
		l.rooms[r.ID] = r
		l.order = append(l.order, r.ID)
	}
	l.mu.Unlock()
	l.publish()
}

func (l *Lobby) Clear() {
	l.Replace(nil)
}

// Announce encodes the current set for broadcast or newcomer unicast.
func (l *Lobby) Announce() ([]byte, error) {
	return wire.EncodeRoomList(l.Snapshot())
}

// Ingest applies a RoomList envelope from a peer. Malformed payloads are
// logged and dropped, never fatal.
func (l *Lobby) Ingest(env wire.Envelope) {
	list, err := env.RoomList()
	if err != nil {
		log.Warn().Err(err).Str("module", "app.lobby").Msg("dropped room list")
		return
	}
	l.Replace(list.Rooms)
	log.Debug().Str("module", "app.lobby").Int("rooms", len(list.Rooms)).Msg("room list replaced")
}

func (l *Lobby) publish() {
	l.feed.Publish(l.Snapshot())
}
