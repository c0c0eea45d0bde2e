// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rivetfw/rivet/pkg/codec"
)

// Cache is an optional session front. When a Store is configured with one,
// session bodies live in the cache and the store keeps only its account data
// and per-user session index. StoreSession returns the id the session is now
// reachable under; caches that derive the id from the content (sealed
// tokens) return a fresh id on every store.
type Cache interface {
	StoreSession(ctx context.Context, s *Session) (string, error)
	LoadSession(ctx context.Context, sessionID string) (*Session, error)
	RemoveSession(ctx context.Context, sessionID string) error
}

const redisSessionPrefix = "rivet:session:"

// RedisCache keeps serialized sessions in Redis with a TTL matching each
// session's expiry.
type RedisCache struct {
	client redis.UniversalClient
	serde  codec.Serializer
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache returns a cache over client. A nil serializer defaults to
// JSON.
func NewRedisCache(client redis.UniversalClient, serde codec.Serializer) *RedisCache {
	if serde == nil {
		serde = codec.JSON{}
	}
	return &RedisCache{client: client, serde: serde}
}

// StoreSession implements Cache.
func (c *RedisCache) StoreSession(ctx context.Context, s *Session) (string, error) {
	ttl := time.Until(time.Unix(s.Expires, 0))
	if ttl <= 0 {
		return "", fmt.Errorf("session %s already expired", s.ID)
	}
	data, err := c.serde.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to serialize session: %w", err)
	}
	if err := c.client.Set(ctx, redisSessionPrefix+s.ID, data, ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to cache session: %w", err)
	}
	return s.ID, nil
}

// LoadSession implements Cache. Missing keys yield (nil, nil).
func (c *RedisCache) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	data, err := c.client.Get(ctx, redisSessionPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var s Session
	if err := c.serde.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize session: %w", err)
	}
	return &s, nil
}

// RemoveSession implements Cache.
func (c *RedisCache) RemoveSession(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, redisSessionPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}
