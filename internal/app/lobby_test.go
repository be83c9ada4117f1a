package app

import (
	"testing"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/dkeye/Stage/internal/wire"
)

func roomIDs(rooms []domain.Room) map[domain.RoomID]bool {
	out := make(map[domain.RoomID]bool, len(rooms))
	for _, r := range rooms {
		out[r.ID] = true
	}
	return out
}

func TestLobbyOpenClose(t *testing.T) {
	l := NewLobby()
	r1 := domain.Room{HostID: 1, ID: "r1"}
	r2 := domain.Room{HostID: 2, ID: "r2"}

	l.Open(r1)
	l.Open(r2)
	l.Open(r1) // re-open is not a duplicate

	if got := roomIDs(l.Snapshot()); len(got) != 2 || !got["r1"] || !got["r2"] {
		t.Fatalf("snapshot = %v, want {r1 r2}", got)
	}

	l.Close("r1")
	l.Close("r1")
	if got := roomIDs(l.Snapshot()); len(got) != 1 || !got["r2"] {
		t.Fatalf("snapshot = %v, want {r2}", got)
	}
}

func TestLobbyReplaceWins(t *testing.T) {
	l := NewLobby()
	l.Open(domain.Room{HostID: 1, ID: "local"})

	l.Replace([]domain.Room{
		{HostID: 5, ID: "a"},
		{HostID: 6, ID: "b"},
	})
	got := roomIDs(l.Snapshot())
	if got["local"] {
		t.Error("replace merged instead of replacing")
	}
	if len(got) != 2 || !got["a"] || !got["b"] {
		t.Errorf("snapshot = %v, want {a b}", got)
	}
}

func TestLobbyAnnounceIngestRoundTrip(t *testing.T) {
	src := NewLobby()
	src.Open(domain.Room{HostID: 1, ID: "r1"})
	src.Open(domain.Room{HostID: 2, ID: "r2"})

	data, err := src.Announce()
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	env, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	dst := NewLobby()
	dst.Open(domain.Room{HostID: 9, ID: "stale"})
	dst.Ingest(env)

	got := roomIDs(dst.Snapshot())
	if len(got) != 2 || !got["r1"] || !got["r2"] {
		t.Errorf("snapshot = %v, want {r1 r2}", got)
	}
}

func TestLobbyIngestMalformedDropped(t *testing.T) {
	l := NewLobby()
	l.Open(domain.Room{HostID: 1, ID: "r1"})

	l.Ingest(wire.Envelope{Kind: wire.KindRoomList, Body: "not json"})

	if got := roomIDs(l.Snapshot()); len(got) != 1 || !got["r1"] {
		t.Errorf("malformed ingest changed state: %v", got)
	}
}

func TestLobbyStream(t *testing.T) {
	l := NewLobby()
	ch := l.Rooms().Subscribe(testContext(t))
	recv(t, ch)

	l.Open(domain.Room{HostID: 1, ID: "r1"})
	if got := recv(t, ch); len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("stream value = %+v, want [r1]", got)
	}

	l.Clear()
	if got := recv(t, ch); len(got) != 0 {
		t.Fatalf("stream value after clear = %+v, want empty", got)
	}
}
