package schedule

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/furnimove/internal/wire"
)

// DefaultChannel is the Redis channel status changes travel on.
const DefaultChannel = "furnimove:city-status"

// Broadcaster delivers a status change to live subscribers.
type Broadcaster interface {
	Broadcast(status wire.CityStatus)
}

// Notifier announces that a slot's status changed.
type Notifier interface {
	Publish(ctx context.Context, status wire.CityStatus) error
}

// LocalNotifier hands changes straight to an in-process hub.
type LocalNotifier struct {
	B Broadcaster
}

func (n LocalNotifier) Publish(ctx context.Context, status wire.CityStatus) error {
	n.B.Broadcast(status)
	return nil
}

// RedisNotifier fans changes out through Redis pub/sub so every backend
// replica can push to its own subscribers.
type RedisNotifier struct {
	client  redis.UniversalClient
	channel string
	logger  zerolog.Logger
}

func NewRedisNotifier(client redis.UniversalClient, logger zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{
		client:  client,
		channel: DefaultChannel,
		logger:  logger.With().Str("component", "notifier").Logger(),
	}
}

func (n *RedisNotifier) Publish(ctx context.Context, status wire.CityStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", status.Slot().Key(), err)
	}
	return nil
}

// Subscribe opens the pub/sub subscription and waits for Redis to confirm it.
func (n *RedisNotifier) Subscribe(ctx context.Context) (*redis.PubSub, error) {
	pubsub := n.client.Subscribe(ctx, n.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", n.channel, err)
	}
	return pubsub, nil
}

// Forward relays messages from pubsub to b until ctx ends. It closes pubsub.
func (n *RedisNotifier) Forward(ctx context.Context, pubsub *redis.PubSub, b Broadcaster) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var status wire.CityStatus
			if err := json.Unmarshal([]byte(msg.Payload), &status); err != nil {
				n.logger.Warn().Err(err).Msg("dropping undecodable status change")
				continue
			}
			b.Broadcast(status)
		}
	}
}

// Listen subscribes and forwards until ctx ends.
func (n *RedisNotifier) Listen(ctx context.Context, b Broadcaster) error {
	pubsub, err := n.Subscribe(ctx)
	if err != nil {
		return err
	}
	n.Forward(ctx, pubsub, b)
	return nil
}
