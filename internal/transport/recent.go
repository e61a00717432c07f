package transport

import (
	"sync"
	"time"

	"possync/internal/protocol"
)

// recentEvents remembers the last n event keys.
type recentEvents struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func newRecentEvents(n int) *recentEvents {
	return &recentEvents{
		seen: make(map[string]struct{}, n),
		ring: make([]string, n),
	}
}

func (r *recentEvents) firstSeen(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[key]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.seen, old)
	}
	r.ring[r.next] = key
	r.next = (r.next + 1) % len(r.ring)
	r.seen[key] = struct{}{}
	return true
}

func eventKey(ev protocol.OrderEvent) string {
	if ev.Created != nil {
		return ev.Name + "|" + ev.Created.OrderNumber
	}
	if ev.Update != nil {
		return ev.Name + "|" + ev.Update.OrderNumber + "|" + ev.Update.Status + "|" + ev.Update.UpdatedAt.Format(time.RFC3339Nano)
	}
	return ev.Name
}
