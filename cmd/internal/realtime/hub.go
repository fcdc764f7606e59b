package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"chorus/cmd/internal/chat"
	v1 "chorus/shared/contracts/realtime/v1"
)

// Relay event kinds.
const (
	relayBroadcast          = "broadcast"
	relayMemberRemoved      = "member_removed"
	relayConversationClosed = "conversation_closed"
)

const defaultRelayQueueSize = 1024

// RelayEvent is a room-level event mirrored to other instances. Envelope is
// set for broadcasts, UserID for member removals.
type RelayEvent struct {
	Kind           string       `json:"kind"`
	ConversationID int64        `json:"conversationId"`
	Exclude        string       `json:"exclude,omitempty"`
	UserID         string       `json:"userId,omitempty"`
	Envelope       *v1.Envelope `json:"envelope,omitempty"`
}

// Relay forwards room events to other instances.
type Relay interface {
	Publish(ctx context.Context, ev RelayEvent) error
}

// Hub owns the process-wide room map. It is created by the app, mutated only
// by join/leave/disconnect, and torn down with Close on shutdown.
//
// Hub implements chat.Broadcaster so committed ledger events reach rooms.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	relayTimeout   time.Duration
	relayQueueSize int

	mu      sync.RWMutex
	rooms   map[int64]*Room
	clients map[string]*Client
	relay   Relay
	relayQ  chan RelayEvent
	stop    chan struct{}
	closed  bool
}

var _ chat.Broadcaster = (*Hub)(nil)

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, metrics *Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		log:            log,
		metrics:        metrics,
		relayTimeout:   2 * time.Second,
		relayQueueSize: defaultRelayQueueSize,
		rooms:          make(map[int64]*Room),
		clients:        make(map[string]*Client),
		stop:           make(chan struct{}),
	}
}

// SetRelay enables cross-instance fan-out. Call once, before serving traffic.
//
// Events are published by a single goroutine draining a bounded FIFO, so
// callers (which may hold a conversation lock) never wait on the network and
// per-room order is kept. Events that do not fit in the queue are dropped.
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r == nil || h.relay != nil || h.closed {
		return
	}
	h.relay = r
	h.relayQ = make(chan RelayEvent, h.relayQueueSize)
	go h.publishLoop(r, h.relayQ)
}

func (h *Hub) publishLoop(r Relay, q <-chan RelayEvent) {
	for {
		select {
		case <-h.stop:
			return
		case ev := <-q:
			h.publish(r, ev)
		}
	}
}

func (h *Hub) publish(r Relay, ev RelayEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), h.relayTimeout)
	defer cancel()

	if err := r.Publish(ctx, ev); err != nil {
		h.metrics.RelayMessages.WithLabelValues("out", "error").Inc()
		h.log.Warn("hub.relay.publish.fail", "conversation_id", ev.ConversationID, "kind", ev.Kind, "err", err)
		return
	}
	h.metrics.RelayMessages.WithLabelValues("out", "ok").Inc()
}

func (h *Hub) forward(ev RelayEvent) {
	h.mu.RLock()
	q := h.relayQ
	h.mu.RUnlock()
	if q == nil {
		return
	}
	select {
	case q <- ev:
	default:
		h.metrics.RelayMessages.WithLabelValues("out", "dropped").Inc()
		h.log.Warn("hub.relay.queue.full", "conversation_id", ev.ConversationID, "kind", ev.Kind)
	}
}

// Register tracks a connected client so Close can reach it. It reports false
// once the hub is closed.
func (h *Hub) Register(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.clients[client.SessionID] = client
	return true
}

// Unregister drops every room membership of client and forgets it.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range client.Rooms() {
		h.leaveLocked(id, client)
	}
	delete(h.clients, client.SessionID)
}

// Join adds client to the conversation room, creating the room if needed.
func (h *Hub) Join(conversationID int64, client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	r, ok := h.rooms[conversationID]
	if !ok {
		r = NewRoom(h.log, h.metrics, conversationID)
		h.rooms[conversationID] = r
		h.metrics.Rooms.Inc()
	}
	r.Join(client)
	client.addRoom(conversationID)
	h.metrics.RoomJoins.Inc()
	return true
}

// Leave removes client from one room. Empty rooms are discarded.
func (h *Hub) Leave(conversationID int64, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(conversationID, client)
}

func (h *Hub) leaveLocked(conversationID int64, client *Client) {
	client.removeRoom(conversationID)
	r, ok := h.rooms[conversationID]
	if !ok {
		return
	}
	if r.Leave(client.SessionID) == 0 {
		delete(h.rooms, conversationID)
		h.metrics.Rooms.Dec()
	}
}

// Room returns the room handle, or nil when nobody on this instance joined it.
func (h *Hub) Room(conversationID int64) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[conversationID]
}

// RoomCount returns the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Broadcast delivers env to local room members (except excludeSession) and
// queues it for the relay when one is configured.
func (h *Hub) Broadcast(conversationID int64, env v1.Envelope, excludeSession string) {
	h.DeliverLocal(conversationID, env, excludeSession)
	h.forward(RelayEvent{
		Kind:           relayBroadcast,
		ConversationID: conversationID,
		Exclude:        excludeSession,
		Envelope:       &env,
	})
}

// DeliverLocal fans env out to this instance's room only.
func (h *Hub) DeliverLocal(conversationID int64, env v1.Envelope, excludeSession string) int {
	r := h.Room(conversationID)
	if r == nil {
		return 0
	}
	h.metrics.Broadcasts.WithLabelValues(env.Type).Inc()
	return r.Broadcast(env, excludeSession)
}

// MessageCreated implements chat.Broadcaster.
func (h *Hub) MessageCreated(msg chat.Message) {
	env, err := newPayloadEnvelope(v1.TypeReceiveMessage, messagePayload(msg))
	if err != nil {
		h.log.Error("hub.encode.fail", "type", v1.TypeReceiveMessage, "err", err)
		return
	}
	h.Broadcast(msg.ConversationID, env, "")
}

// MessageRetracted implements chat.Broadcaster.
func (h *Hub) MessageRetracted(msg chat.Message) {
	env, err := newPayloadEnvelope(v1.TypeMessageDeletedUpdate, v1.MessageDeletedPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		NewContent:     msg.Content,
	})
	if err != nil {
		h.log.Error("hub.encode.fail", "type", v1.TypeMessageDeletedUpdate, "err", err)
		return
	}
	h.Broadcast(msg.ConversationID, env, "")
}

// ConversationClosed implements chat.Broadcaster. Local members get room_left,
// the room is discarded, and other instances are told to do the same.
func (h *Hub) ConversationClosed(conversationID int64) {
	h.closeLocal(conversationID)
	h.forward(RelayEvent{Kind: relayConversationClosed, ConversationID: conversationID})
}

// MemberRemoved implements chat.Broadcaster. Every session of userID leaves
// the room and gets room_left; other instances evict theirs.
func (h *Hub) MemberRemoved(conversationID int64, userID string) {
	n := h.evictLocal(conversationID, userID)
	h.log.Debug("hub.member.evicted", "conversation_id", conversationID, "user_id", userID, "sessions", n)
	h.forward(RelayEvent{Kind: relayMemberRemoved, ConversationID: conversationID, UserID: userID})
}

func (h *Hub) closeLocal(conversationID int64) {
	h.mu.Lock()
	r, ok := h.rooms[conversationID]
	if ok {
		delete(h.rooms, conversationID)
		h.metrics.Rooms.Dec()
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	members := r.snapshot()
	for _, c := range members {
		c.removeRoom(conversationID)
	}
	h.notifyRoomLeft(conversationID, members)
}

func (h *Hub) evictLocal(conversationID int64, userID string) int {
	h.mu.Lock()
	var evicted []*Client
	if r, ok := h.rooms[conversationID]; ok {
		for _, c := range r.snapshot() {
			if c.UserID == userID {
				evicted = append(evicted, c)
			}
		}
		for _, c := range evicted {
			h.leaveLocked(conversationID, c)
		}
	}
	h.mu.Unlock()

	h.notifyRoomLeft(conversationID, evicted)
	return len(evicted)
}

func (h *Hub) notifyRoomLeft(conversationID int64, clients []*Client) {
	if len(clients) == 0 {
		return
	}
	env, err := newPayloadEnvelope(v1.TypeRoomLeft, v1.RoomPayload{ConversationID: conversationID})
	if err != nil {
		h.log.Error("hub.encode.fail", "type", v1.TypeRoomLeft, "err", err)
		return
	}
	for _, c := range clients {
		_ = c.offer(env)
	}
}

// applyRelayEvent replays an event published by another instance on the
// local rooms only.
func (h *Hub) applyRelayEvent(ev RelayEvent) bool {
	switch ev.Kind {
	case relayBroadcast:
		if ev.Envelope == nil {
			return false
		}
		h.DeliverLocal(ev.ConversationID, *ev.Envelope, ev.Exclude)
	case relayMemberRemoved:
		if ev.UserID == "" {
			return false
		}
		h.evictLocal(ev.ConversationID, ev.UserID)
	case relayConversationClosed:
		h.closeLocal(ev.ConversationID)
	default:
		return false
	}
	return true
}

// Close disconnects every client. Further joins are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	close(h.stop)
	for _, c := range h.clients {
		c.Close()
	}
	for id := range h.rooms {
		delete(h.rooms, id)
		h.metrics.Rooms.Dec()
	}
}

func messagePayload(m chat.Message) v1.MessagePayload {
	return v1.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		SentAt:         m.SentAt,
		Retracted:      m.Retracted,
		RetractedAt:    m.RetractedAt,
	}
}

func newPayloadEnvelope(typ string, payload any) (v1.Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(now),
		TS:      now,
		Payload: b,
	}, nil
}
