package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher sends messages to a pub/sub channel so every API instance
// can relay them to its own websocket clients.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	log     *slog.Logger
}

func NewRedisPublisher(rdb *redis.Client, channel string, log *slog.Logger) *RedisPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &RedisPublisher{rdb: rdb, channel: channel, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		p.log.Warn("notify: encode message failed", "err", err)
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		p.log.Warn("notify: redis publish failed", "channel", p.channel, "err", err)
	}
}

// Relay forwards every frame on channel to hub until ctx is done.
func Relay(ctx context.Context, rdb *redis.Client, channel string, hub *Hub, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()

	// Wait for the subscription so messages published right after startup are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			hub.Broadcast([]byte(msg.Payload))
		}
	}
}
