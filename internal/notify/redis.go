package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds pub/sub connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every channel name.
	Prefix string
}

// Message is a broadcast received from a subscription.
type Message struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBroadcaster publishes notifications as JSON over Redis pub/sub.
type RedisBroadcaster struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBroadcaster creates a broadcaster with its own client.
func NewRedisBroadcaster(cfg RedisConfig) *RedisBroadcaster {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisBroadcasterWithClient(rdb, cfg.Prefix)
}

// NewRedisBroadcasterWithClient wraps an existing client.
func NewRedisBroadcasterWithClient(client redis.UniversalClient, prefix string) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (b *RedisBroadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Broadcast implements Broadcaster.
func (b *RedisBroadcaster) Broadcast(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe calls fn for every message on channel until ctx is cancelled or
// fn returns an error.
func (b *RedisBroadcaster) Subscribe(ctx context.Context, channel string, fn func(Message) error) error {
	sub := b.client.Subscribe(ctx, b.prefix+channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg := Message{Channel: strings.TrimPrefix(m.Channel, b.prefix), Payload: json.RawMessage(m.Payload)}
			if err := fn(msg); err != nil {
				return err
			}
		}
	}
}

// Close closes the underlying client.
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
