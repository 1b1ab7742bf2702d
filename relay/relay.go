package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"feedrelay/entity"
)

// LocalBroadcaster fans an event out to the subscribers held by this
// process. Implemented by sse.Registry.
type LocalBroadcaster interface {
	Broadcast(postID string, ev entity.Event) int
}

// Relay bridges local publishes to the shared broadcast channel so an
// event published on any instance reaches subscribers connected to any
// other. Events received from the channel are delivered to the local
// registry exactly once per receipt.
type Relay struct {
	bus     Bus
	channel string
	local   LocalBroadcaster
	logger  *log.Logger

	mu      sync.Mutex
	sub     Subscription
	started bool
}

func New(bus Bus, channel string, local LocalBroadcaster) *Relay {
	return &Relay{
		bus:     bus,
		channel: channel,
		local:   local,
		logger:  log.Default(),
	}
}

func (rl *Relay) SetLogger(logger *log.Logger) {
	rl.logger = logger
}

// Start subscribes to the broadcast channel and begins fanning
// received events out locally. Calling Start on a started relay is a
// no-op; it never creates a second subscription.
func (rl *Relay) Start(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.started {
		return nil
	}

	sub, err := rl.bus.Subscribe(ctx, rl.channel)
	if err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}

	rl.sub = sub
	rl.started = true
	go rl.receive(sub)

	rl.logger.Printf("relay subscribed to channel %s", rl.channel)
	return nil
}

func (rl *Relay) receive(sub Subscription) {
	for payload := range sub.Messages() {
		var ev entity.Event
		if err := sonic.Unmarshal(payload, &ev); err != nil {
			rl.logger.Printf("relay: dropping malformed event: %v", err)
			continue
		}
		rl.local.Broadcast(ev.PostID, ev)
	}
}

// Publish sends an event to the broadcast channel. When the channel is
// unavailable the event is delivered to local subscribers only and the
// outage is logged; the caller never sees a publish error.
func (rl *Relay) Publish(ctx context.Context, postID, eventType string, data interface{}) error {
	ev := entity.Event{
		ID:        uuid.NewString(),
		PostID:    postID,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	payload, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := rl.bus.Publish(ctx, rl.channel, payload); err != nil {
		rl.logger.Printf("relay: broadcast channel unavailable, local delivery only: %v", err)
		rl.local.Broadcast(postID, ev)
	}
	return nil
}

// PublishNewComment announces a created comment on the post's stream.
func (rl *Relay) PublishNewComment(ctx context.Context, postID string, comment interface{}) error {
	return rl.Publish(ctx, postID, entity.EventNewComment, comment)
}

// PublishDeletedComment announces a removed comment.
func (rl *Relay) PublishDeletedComment(ctx context.Context, postID, commentID string) error {
	return rl.Publish(ctx, postID, entity.EventDeleteComment, map[string]string{"commentId": commentID})
}

// PublishCommentCount announces the post's new comment total.
func (rl *Relay) PublishCommentCount(ctx context.Context, postID string, count int) error {
	return rl.Publish(ctx, postID, entity.EventCommentCount, map[string]int{"count": count})
}

// Close tears the channel subscription down. The relay can be started
// again afterwards.
func (rl *Relay) Close() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if !rl.started {
		return nil
	}
	rl.started = false

	err := rl.sub.Close()
	rl.sub = nil
	return err
}
