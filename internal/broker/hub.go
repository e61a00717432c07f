// Package broker is the LAN relay: WebSocket sessions grouped into outlet
// rooms, a durable order buffer behind them, and a REST surface for polling
// and reconciliation.
package broker

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"possync/internal/domain"
	"possync/internal/protocol"
)

type ClientInfo struct {
	SessionID   string             `json:"socketId"`
	Role        domain.SessionRole `json:"type"`
	ConnectedAt time.Time          `json:"connectedAt"`
}

type OutletInfo struct {
	OutletID    int64        `json:"outletId"`
	Connections int          `json:"connections"`
	Clients     []ClientInfo `json:"clients"`
}

// Hub tracks live sessions and their outlet rooms.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[int64]map[string]*Session
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		rooms:    make(map[int64]map[string]*Session),
	}
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID()] = s
}

// Unregister drops the session and its room membership.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s.ID())
	h.leaveLocked(s)
}

// Join moves the session into the outlet's room, leaving any previous one.
func (h *Hub) Join(s *Session, outletID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s)

	room, ok := h.rooms[outletID]
	if !ok {
		room = make(map[string]*Session)
		h.rooms[outletID] = room
	}
	room[s.ID()] = s
	s.setOutlet(outletID)
}

func (h *Hub) leaveLocked(s *Session) {
	outletID := s.OutletID()
	if outletID == 0 {
		return
	}
	if room, ok := h.rooms[outletID]; ok {
		delete(room, s.ID())
		if len(room) == 0 {
			delete(h.rooms, outletID)
		}
	}
}

// Broadcast queues env for every session in the room except exceptID and
// returns how many sessions it reached.
func (h *Hub) Broadcast(outletID int64, env protocol.Envelope, exceptID string) int {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.rooms[outletID]))
	for id, s := range h.rooms[outletID] {
		if id != exceptID {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Send(env) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomSizes is keyed outlet_<id>.
func (h *Hub) RoomSizes() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for id, room := range h.rooms {
		out[fmt.Sprintf("outlet_%d", id)] = len(room)
	}
	return out
}

func (h *Hub) Outlets() []OutletInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]OutletInfo, 0, len(h.rooms))
	for id, room := range h.rooms {
		info := OutletInfo{OutletID: id, Connections: len(room)}
		for _, s := range room {
			info.Clients = append(info.Clients, ClientInfo{
				SessionID:   s.ID(),
				Role:        s.Role(),
				ConnectedAt: s.ConnectedAt(),
			})
		}
		sort.Slice(info.Clients, func(i, j int) bool { return info.Clients[i].SessionID < info.Clients[j].SessionID })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OutletID < out[j].OutletID })
	return out
}

// CloseAll disconnects every session.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}
