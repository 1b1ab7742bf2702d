package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Bus is the shared broadcast channel carrying events between service
// instances. One channel is a single ordered stream; ordering across
// topics on the same channel is the channel's delivery order, not
// per-topic.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is one live feed from the bus. Messages is closed when
// the subscription ends.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// RedisBus carries events over Redis Pub/Sub.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Force the subscribe round trip so a dead Redis fails here, not
	// silently in the receive loop.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()

	return &redisSubscription{pubsub: pubsub, out: out}, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }
func (s *redisSubscription) Close() error            { return s.pubsub.Close() }

// MemoryBus is an in-process Bus. It backs the memory storage mode and
// lets tests run several simulated instances against one channel.
type MemoryBus struct {
	mu      sync.Mutex
	subs    map[string][]*memorySubscription
	failure error
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySubscription)}
}

// Fail makes every Publish return err until called with nil. Simulates
// a broadcast channel outage.
func (b *MemoryBus) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failure = err
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failure != nil {
		return b.failure
	}

	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- payload:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failure != nil {
		return nil, b.failure
	}

	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		ch:      make(chan []byte, 64),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	ch      chan []byte
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		subs := s.bus.subs[s.channel]
		for i, sub := range subs {
			if sub == s {
				s.bus.subs[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}
