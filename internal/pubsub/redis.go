package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"carelink-backend/pkg/logger"
)

// RedisBus is a Bus backed by Redis Pub/Sub. It is what lets a message from a
// user connected to one instance reach a peer connected to another.
type RedisBus struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redisSubscription
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	nextID   int
	handlers map[int]Handler
}

// NewRedisBus creates a Bus on top of an existing Redis client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		subs:   make(map[string]*redisSubscription),
	}
}

// Publish marshals the event and publishes it on the Redis channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, evt *Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe opens (or reuses) a Redis subscription for the topic and registers
// the handler. The Redis channel is closed when the last handler unsubscribes.
func (b *RedisBus) Subscribe(topic string, h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[topic]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		pubsub := b.client.Subscribe(ctx, topic)
		if _, err := pubsub.Receive(ctx); err != nil {
			cancel()
			pubsub.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}

		sub = &redisSubscription{
			pubsub:   pubsub,
			cancel:   cancel,
			handlers: make(map[int]Handler),
		}
		b.subs[topic] = sub
		go b.consume(ctx, topic, sub)
	}

	sub.nextID++
	id := sub.nextID
	sub.handlers[id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.unsubscribe(topic, id)
		})
	}, nil
}

func (b *RedisBus) unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[topic]
	if !ok {
		return
	}
	delete(sub.handlers, id)
	if len(sub.handlers) == 0 {
		sub.cancel()
		sub.pubsub.Close()
		delete(b.subs, topic)
	}
}

func (b *RedisBus) consume(ctx context.Context, topic string, sub *redisSubscription) {
	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				logger.Warn("Failed to unmarshal bus event",
					zap.String("topic", topic),
					zap.Error(err))
				continue
			}

			b.mu.Lock()
			handlers := make([]Handler, 0, len(sub.handlers))
			for _, h := range sub.handlers {
				handlers = append(handlers, h)
			}
			b.mu.Unlock()

			for _, h := range handlers {
				h(&evt)
			}
		}
	}
}
