package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans session changes out across instances over Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisBus returns a bus on client. Channels are named prefix+clientID.
func NewRedisBus(client *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "chatroom:session:"
	}
	return &RedisBus{client: client, prefix: prefix, logger: logger}
}

func (b *RedisBus) channel(client ClientID) string { return b.prefix + string(client) }

func (b *RedisBus) Publish(ctx context.Context, client ClientID) error {
	if err := b.client.Publish(ctx, b.channel(client), "changed").Err(); err != nil {
		return fmt.Errorf("publish session change: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, client ClientID) (<-chan struct{}, func(), error) {
	ps := b.client.Subscribe(ctx, b.channel(client))
	// Receive blocks until the subscription is confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe session changes: %w", err)
	}
	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				signal(out)
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			if err := ps.Close(); err != nil {
				b.logger.Warn("close session subscription", slog.Any("err", err))
			}
		})
	}, nil
}

// Close closes the underlying client.
func (b *RedisBus) Close() error { return b.client.Close() }
