// Package redis publishes ledger-change events to a Redis pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/rollcall/events"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "rollcall.events"

type publishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Publisher PUBLISHes each event as JSON.
type Publisher struct {
	client  publishClient
	channel string
}

// Dial connects to addr and verifies the connection with a short ping.
func Dial(ctx context.Context, addr, password, channel string) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return newPublisher(client, channel), nil
}

func newPublisher(client publishClient, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, body).Err(); err != nil {
		return fmt.Errorf("redis: publish to %s: %w", p.channel, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
