package realtime

import (
	"log/slog"
	"sync"

	v1 "chorus/shared/contracts/realtime/v1"
)

// Room is the in-memory broadcast group of one conversation.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast holds the room lock for the whole fan-out, so every member sees
//   broadcasts of this room in the same order. Unrelated rooms never contend.
// - Broadcast never blocks (drops under backpressure, per recipient).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Room struct {
	log     *slog.Logger
	metrics *Metrics
	ID      int64

	mu      sync.Mutex
	members map[string]*Client
}

// NewRoom constructs a room.
func NewRoom(log *slog.Logger, metrics *Metrics, id int64) *Room {
	return &Room{
		log:     log,
		metrics: metrics,
		ID:      id,
		members: make(map[string]*Client),
	}
}

// Join adds a client to membership.
func (r *Room) Join(client *Client) {
	if r == nil || client == nil || client.SessionID == "" {
		return
	}

	r.mu.Lock()
	r.members[client.SessionID] = client
	r.mu.Unlock()

	r.log.Debug("room.member.join", "conversation_id", r.ID, "session_id", client.SessionID)
}

// Leave removes a session from membership and reports the remaining member count.
func (r *Room) Leave(sessionID string) int {
	if r == nil {
		return 0
	}

	r.mu.Lock()
	delete(r.members, sessionID)
	n := len(r.members)
	r.mu.Unlock()

	r.log.Debug("room.member.leave", "conversation_id", r.ID, "session_id", sessionID)
	return n
}

// Len returns the number of joined sessions.
func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Broadcast fans env out to all members except excludeSession.
// It returns the number of recipients that accepted the envelope.
func (r *Room) Broadcast(env v1.Envelope, excludeSession string) int {
	if r == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for sid, m := range r.members {
		if m == nil || sid == excludeSession {
			continue
		}
		if m.offer(env) {
			delivered++
			continue
		}
		// Drop for this recipient only.
		r.metrics.Dropped.Inc()
		r.log.Debug("room.broadcast.drop", "conversation_id", r.ID, "session_id", sid, "type", env.Type)
	}
	return delivered
}

func (r *Room) snapshot() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Client, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}
