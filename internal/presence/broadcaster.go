// Package presence relays ephemeral cursor, selection and online-status
// updates between connections editing the same document. Nothing here
// is ever persisted: on restart presence starts empty and rebuilds from
// the connections that are open.
package presence

import (
	"encoding/json"
	"sync"
)

// Update is one presence event. Attrs is the client-defined blob
// (cursor, selection, label, color); Gone marks a retraction for a
// departed participant.
type Update struct {
	ConnID      string          `json:"connId"`
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Attrs       json.RawMessage `json:"attrs,omitempty"`
	Gone        bool            `json:"gone,omitempty"`
}

// Receiver takes fanned-out presence updates. DeliverPresence must not
// block.
type Receiver interface {
	DeliverPresence(u Update)
}

// Relay forwards presence across syncd instances so participants split
// over nodes still see each other. Optional; nil means single-node.
type Relay interface {
	Publish(documentID string, u Update)
	Subscribe(documentID string, deliver func(Update))
	Unsubscribe(documentID string)
}

// Broadcaster fans presence updates out to the other connections in a
// document room. Rooms are keyed by document identifier, independently
// of the session registry, so the ephemeral path never brushes against
// the persistence path.
type Broadcaster struct {
	relay Relay

	mu    sync.RWMutex
	rooms map[string]map[Receiver]struct{}
}

func NewBroadcaster(relay Relay) *Broadcaster {
	return &Broadcaster{
		relay: relay,
		rooms: make(map[string]map[Receiver]struct{}),
	}
}

// Join adds a connection to a document room. The first member of a room
// starts the cross-node subscription.
func (b *Broadcaster) Join(documentID string, r Receiver) {
	b.mu.Lock()
	room := b.rooms[documentID]
	first := room == nil
	if first {
		room = make(map[Receiver]struct{})
		b.rooms[documentID] = room
	}
	room[r] = struct{}{}
	b.mu.Unlock()

	if first && b.relay != nil {
		b.relay.Subscribe(documentID, func(u Update) {
			b.fanOut(documentID, nil, u)
		})
		// The member may already have left while the subscription was
		// being set up; its Leave found nothing to unsubscribe, so drop
		// the subscription here rather than leak it on an empty room.
		b.mu.RLock()
		_, live := b.rooms[documentID]
		b.mu.RUnlock()
		if !live {
			b.relay.Unsubscribe(documentID)
		}
	}
}

// Leave removes a connection and retracts its presence so peers drop
// the departed cursor.
func (b *Broadcaster) Leave(documentID string, r Receiver, u Update) {
	b.mu.Lock()
	room, ok := b.rooms[documentID]
	if ok {
		delete(room, r)
		if len(room) == 0 {
			delete(b.rooms, documentID)
		}
	}
	empty := !ok || len(room) == 0
	b.mu.Unlock()

	u.Gone = true
	b.fanOut(documentID, r, u)
	if b.relay != nil {
		b.relay.Publish(documentID, u)
		if empty {
			b.relay.Unsubscribe(documentID)
		}
	}
}

// Publish fans an update out to every other connection in the room and
// across the relay.
func (b *Broadcaster) Publish(documentID string, from Receiver, u Update) {
	b.fanOut(documentID, from, u)
	if b.relay != nil {
		b.relay.Publish(documentID, u)
	}
}

func (b *Broadcaster) fanOut(documentID string, from Receiver, u Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for r := range b.rooms[documentID] {
		if r == from {
			continue
		}
		r.DeliverPresence(u)
	}
}

// RoomSize returns the number of connections in a document room.
func (b *Broadcaster) RoomSize(documentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[documentID])
}
