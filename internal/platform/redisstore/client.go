// Package redisstore backs order locks, checkout drafts and idempotency keys with Redis.
package redisstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/anonline/farm2fork-v3-sub000/internal/platform/config"
)

// NewClient connects to Redis and verifies the connection with PING.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redisstore: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// HealthCheck returns a readiness check for the health repository.
func HealthCheck(client redis.UniversalClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
