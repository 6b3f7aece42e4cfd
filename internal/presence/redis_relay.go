package presence

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "presence:"

// envelope wraps an update with its origin node so a node ignores its
// own messages echoed back by the pub/sub channel.
type envelope struct {
	Node   string `json:"node"`
	Update Update `json:"update"`
}

// RedisRelay forwards presence updates between syncd instances over a
// Redis pub/sub channel per document. Delivery is best effort: a Redis
// outage degrades presence to single-node fanout and is logged, never
// surfaced to clients.
type RedisRelay struct {
	client *redis.Client
	nodeID string

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{
		client: client,
		nodeID: uuid.NewString(),
		subs:   make(map[string]*subscription),
	}
}

func (r *RedisRelay) Publish(documentID string, u Update) {
	payload, err := json.Marshal(envelope{Node: r.nodeID, Update: u})
	if err != nil {
		return
	}
	if err := r.client.Publish(context.Background(), channelPrefix+documentID, payload).Err(); err != nil {
		log.Printf("presence: relay publish %s: %v", documentID, err)
	}
}

// Subscribe starts relaying remote updates for a document into deliver.
// Idempotent per document.
func (r *RedisRelay) Subscribe(documentID string, deliver func(Update)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[documentID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelPrefix+documentID)
	r.subs[documentID] = &subscription{pubsub: pubsub, cancel: cancel}

	go func() {
		for msg := range pubsub.Channel() {
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("presence: relay decode %s: %v", documentID, err)
				continue
			}
			if env.Node == r.nodeID {
				continue
			}
			deliver(env.Update)
		}
	}()
}

// Unsubscribe stops the relay for a document once its room is empty.
func (r *RedisRelay) Unsubscribe(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[documentID]
	if !ok {
		return
	}
	delete(r.subs, documentID)
	sub.cancel()
	if err := sub.pubsub.Close(); err != nil {
		log.Printf("presence: relay unsubscribe %s: %v", documentID, err)
	}
}

// Close tears down all subscriptions.
func (r *RedisRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for documentID, sub := range r.subs {
		sub.cancel()
		_ = sub.pubsub.Close()
		delete(r.subs, documentID)
	}
}
