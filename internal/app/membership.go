package app

import (
	"sync"

	"github.com/dkeye/Stage/internal/domain"
	"github.com/rs/zerolog/log"
)

// Membership is the threadsafe member set of one room channel. Presence
// comes from transport join/leave events; roles and hand state are layered
// on top by message events, since the transport has no concept of them.
type Membership struct {
	host domain.UserID

	mu      sync.RWMutex
	order   []domain.UserID
	present map[domain.UserID]struct{}
	names   map[domain.UserID]string
	coHosts map[domain.UserID]struct{}
	raised  map[domain.UserID]struct{}

	feed *Feed[[]domain.MemberInfo]
}

func NewMembership(host domain.UserID) *Membership {
	return &Membership{
		host:    host,
		present: make(map[domain.UserID]struct{}),
		names:   make(map[domain.UserID]string),
		coHosts: make(map[domain.UserID]struct{}),
		raised:  make(map[domain.UserID]struct{}),
		feed:    NewFeed([]domain.MemberInfo(nil)),
	}
}

// Members is the live, replayable stream of snapshots.
func (m *Membership) Members() *Feed[[]domain.MemberInfo] { return m.feed }

// Reset seeds presence from a channel roster, dropping previous state.
func (m *Membership) Reset(ids []domain.UserID) {
	m.mu.Lock()
	m.order = m.order[:0]
	clear(m.present)
	for _, id := range ids {
		if _, ok := m.present[id]; ok {
			continue
		}
		m.present[id] = struct{}{}
		m.order = append(m.order, id)
	}
	m.mu.Unlock()
	m.publish()
}

// Add is idempotent: a duplicate join leaves the set unchanged.
func (m *Membership) Add(id domain.UserID) {
	m.mu.Lock()
	if _, ok := m.present[id]; ok {
		m.mu.Unlock()
		return
	}
	m.present[id] = struct{}{}
	m.order = append(m.order, id)
	m.mu.Unlock()
	log.Debug().Str("module", "app.membership").Str("user", id.String()).Msg("member added")
	m.publish()
}

func (m *Membership) Remove(id domain.UserID) {
	m.mu.Lock()
	if _, ok := m.present[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.present, id)
	delete(m.raised, id)
	delete(m.coHosts, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	log.Debug().Str("module", "app.membership").Str("user", id.String()).Msg("member removed")
	m.publish()
}

func (m *Membership) SetName(id domain.UserID, name string) {
	m.mu.Lock()
	m.names[id] = name
	m.mu.Unlock()
	m.publish()
}

func (m *Membership) SetHandRaised(id domain.UserID, raised bool) {
	m.mu.Lock()
	if raised {
		m.raised[id] = struct{}{}
	} else {
		delete(m.raised, id)
	}
	m.mu.Unlock()
	m.publish()
}

func (m *Membership) HandRaised(id domain.UserID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.raised[id]
	return ok
}

func (m *Membership) SetCoHost(id domain.UserID, coHost bool) {
	m.mu.Lock()
	if coHost {
		m.coHosts[id] = struct{}{}
	} else {
		delete(m.coHosts, id)
	}
	m.mu.Unlock()
	m.publish()
}

// Snapshot recomputes the derived member views in join order.
func (m *Membership) Snapshot() []domain.MemberInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.MemberInfo, 0, len(m.order))
	for _, id := range m.order {
		info := domain.MemberInfo{ID: id, Name: m.names[id]}
		if info.Name == "" {
			info.Name = id.String()
		}
		switch {
		case id == m.host:
			info.Role = domain.RoleHost
		default:
			if _, ok := m.coHosts[id]; ok {
				info.Role = domain.RoleCoHost
			}
		}
		_, info.HandRaised = m.raised[id]
		out = append(out, info)
	}
	return out
}

func (m *Membership) publish() {
	m.feed.Publish(m.Snapshot())
}
