package session

import (
	"context"
	"sort"
	"sync"
)

const hubBufferSize = 16

// Hub is the in-process room table: per-session subscriber sets with
// buffered, non-blocking delivery. A slow consumer drops messages rather
// than stalling the room.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[int64]*roomSubscriber
	nextID int64
}

type roomSubscriber struct {
	id     int64
	member Member
	stream chan Event
}

// NewHub returns an empty room table.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[int64]*roomSubscriber)}
}

// Subscribe adds a participant connection to a session room and returns its
// delivery channel plus a cleanup function. Cancellation of ctx also cleans
// up.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, member Member) (<-chan Event, func()) {
	if sessionID == "" || member.ID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	subscriber := &roomSubscriber{
		id:     h.nextSequence(),
		member: member,
		stream: make(chan Event, hubBufferSize),
	}
	h.register(sessionID, subscriber)
	cleanup := func() {
		h.unregister(sessionID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers an event to every room subscriber except connections
// belonging to excludeMemberID.
func (h *Hub) Publish(sessionID string, event Event, excludeMemberID string) {
	h.mu.RLock()
	subscribers := h.rooms[sessionID]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*roomSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if excludeMemberID != "" && subscriber.member.ID == excludeMemberID {
			continue
		}
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// Members returns the distinct participants connected to the room in this
// process.
func (h *Hub) Members(sessionID string) []Member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]Member)
	for _, subscriber := range h.rooms[sessionID] {
		seen[subscriber.member.ID] = subscriber.member
	}
	members := make([]Member, 0, len(seen))
	for _, member := range seen {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(sessionID string, subscriber *roomSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[sessionID]; !ok {
		h.rooms[sessionID] = make(map[int64]*roomSubscriber)
	}
	h.rooms[sessionID][subscriber.id] = subscriber
}

func (h *Hub) unregister(sessionID string, subscriberID int64) {
	h.mu.Lock()
	subscribers := h.rooms[sessionID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.rooms, sessionID)
		}
	}
	h.mu.Unlock()
}
