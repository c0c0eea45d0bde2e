// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rivetfw/rivet/pkg/codec"
)

const (
	redisAccountPrefix     = "rivet:account:"
	redisUserSessionPrefix = "rivet:user-sessions:"
)

// RedisStore keeps accounts and sessions in Redis so multiple server
// instances share one account database. Accounts are hashes under
// rivet:account:<user_id>; sessions are serialized bodies with a TTL. A
// non-nil cache takes over session body storage, as with MemoryStore.
type RedisStore struct {
	cfg    Config
	cache  Cache
	client redis.UniversalClient
	serde  codec.Serializer
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a store over client. A nil serializer defaults to
// JSON.
func NewRedisStore(cfg Config, client redis.UniversalClient, cache Cache, serde codec.Serializer) *RedisStore {
	if serde == nil {
		serde = codec.JSON{}
	}
	return &RedisStore{cfg: cfg, cache: cache, client: client, serde: serde}
}

// CreateAccount implements Store. The HSetNX on the user_id field is the
// duplicate guard; two racing creates see exactly one winner.
func (r *RedisStore) CreateAccount(ctx context.Context, userID, password string, properties map[string]any) error {
	uid := NormalizeUserID(userID)
	if uid == "" {
		return errInvalidUserID()
	}
	key := redisAccountPrefix + uid
	created, err := r.client.HSetNX(ctx, key, "user_id", uid).Result()
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	if !created {
		return errUserIDExists()
	}
	props, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("failed to serialize account properties: %w", err)
	}
	if err := r.client.HSet(ctx, key, "password", HashPassword(password), "properties", string(props)).Err(); err != nil {
		return fmt.Errorf("failed to store account: %w", err)
	}
	return nil
}

// CreateSession implements Store.
func (r *RedisStore) CreateSession(ctx context.Context, userID, password string, opts ...CreateOption) (*Session, error) {
	o := applyCreateOptions(opts)
	uid := NormalizeUserID(userID)
	if uid != "" {
		hash, err := r.passwordHash(ctx, uid)
		if err != nil {
			return nil, err
		}
		if !o.skipVerify {
			match, err := VerifyPassword(hash, password)
			if err != nil || !match {
				return nil, errInvalidCredentials()
			}
		}
	}

	s := &Session{
		ID:      NewSessionID(),
		UserID:  uid,
		Expires: time.Now().Add(r.cfg.ttl(uid)).Unix(),
		Key:     o.key,
	}
	if err := r.persist(ctx, s, ""); err != nil {
		return nil, err
	}
	return s, nil
}

// VerifyCredentials implements Store.
func (r *RedisStore) VerifyCredentials(ctx context.Context, userID, password string) error {
	hash, err := r.passwordHash(ctx, NormalizeUserID(userID))
	if err != nil {
		return err
	}
	match, err := VerifyPassword(hash, password)
	if err != nil || !match {
		return errInvalidCredentials()
	}
	return nil
}

// RetrieveSession implements Store.
func (r *RedisStore) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	s, err := r.load(ctx, sessionID)
	if err != nil || s == nil {
		return nil, err
	}
	now := time.Now()
	if s.Expires <= now.Unix() {
		_ = r.RemoveSession(ctx, sessionID)
		return nil, nil
	}
	if expires, ok := r.cfg.renewed(s, now); ok {
		s.Expires = expires
		if err := r.persist(ctx, s, s.ID); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SaveSession implements Store.
func (r *RedisStore) SaveSession(ctx context.Context, s *Session) error {
	return r.persist(ctx, s, s.ID)
}

// RemoveSession implements Store.
func (r *RedisStore) RemoveSession(ctx context.Context, sessionID string) error {
	if r.cache != nil {
		return r.cache.RemoveSession(ctx, sessionID)
	}
	if err := r.client.Del(ctx, redisSessionPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

// ClearSessions implements Store.
func (r *RedisStore) ClearSessions(ctx context.Context, userID string) error {
	uid := NormalizeUserID(userID)
	indexKey := redisUserSessionPrefix + uid
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, id := range ids {
		if err := r.RemoveSession(ctx, id); err != nil {
			return err
		}
	}
	if err := r.client.Del(ctx, indexKey).Err(); err != nil {
		return fmt.Errorf("failed to clear session index: %w", err)
	}
	return nil
}

// Account implements Store.
func (r *RedisStore) Account(ctx context.Context, userID string) (map[string]any, error) {
	uid := NormalizeUserID(userID)
	fields, err := r.client.HGetAll(ctx, redisAccountPrefix+uid).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if len(fields) == 0 {
		return nil, errInvalidCredentials()
	}
	props := make(map[string]any)
	if raw, ok := fields["properties"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &props); err != nil {
			return nil, fmt.Errorf("failed to deserialize account properties: %w", err)
		}
	}
	if props == nil {
		props = make(map[string]any)
	}
	return props, nil
}

// UpdateAccount implements Store.
func (r *RedisStore) UpdateAccount(ctx context.Context, userID string, properties map[string]any) error {
	uid := NormalizeUserID(userID)
	props, err := r.Account(ctx, uid)
	if err != nil {
		return err
	}
	for k, v := range properties {
		props[k] = v
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("failed to serialize account properties: %w", err)
	}
	if err := r.client.HSet(ctx, redisAccountPrefix+uid, "properties", string(raw)).Err(); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

// ChangePassword implements Store.
func (r *RedisStore) ChangePassword(ctx context.Context, userID, password, newPassword string) error {
	uid := NormalizeUserID(userID)
	hash, err := r.passwordHash(ctx, uid)
	if err != nil {
		return err
	}
	match, err := VerifyPassword(hash, password)
	if err != nil || !match {
		return errInvalidCredentials()
	}
	if err := r.client.HSet(ctx, redisAccountPrefix+uid, "password", HashPassword(newPassword)).Err(); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return r.ClearSessions(ctx, uid)
}

// ResetPassword implements Store.
func (r *RedisStore) ResetPassword(ctx context.Context, userID string) (string, error) {
	uid := NormalizeUserID(userID)
	if _, err := r.passwordHash(ctx, uid); err != nil {
		return "", err
	}
	generated := GeneratePassword()
	if err := r.client.HSet(ctx, redisAccountPrefix+uid, "password", HashPassword(generated)).Err(); err != nil {
		return "", fmt.Errorf("failed to update password: %w", err)
	}
	if err := r.ClearSessions(ctx, uid); err != nil {
		return "", err
	}
	return generated, nil
}

func (r *RedisStore) passwordHash(ctx context.Context, uid string) (string, error) {
	hash, err := r.client.HGet(ctx, redisAccountPrefix+uid, "password").Result()
	if errors.Is(err, redis.Nil) {
		return "", errInvalidCredentials()
	}
	if err != nil {
		return "", fmt.Errorf("failed to load account: %w", err)
	}
	return hash, nil
}

func (r *RedisStore) persist(ctx context.Context, s *Session, oldID string) error {
	if r.cache != nil {
		id, err := r.cache.StoreSession(ctx, s)
		if err != nil {
			return err
		}
		s.ID = id
	} else {
		ttl := time.Until(time.Unix(s.Expires, 0))
		if ttl <= 0 {
			return fmt.Errorf("session %s already expired", s.ID)
		}
		data, err := r.serde.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to serialize session: %w", err)
		}
		if err := r.client.Set(ctx, redisSessionPrefix+s.ID, data, ttl).Err(); err != nil {
			return fmt.Errorf("failed to store session: %w", err)
		}
	}
	if s.UserID != "" {
		indexKey := redisUserSessionPrefix + s.UserID
		if oldID != "" && oldID != s.ID {
			if err := r.client.SRem(ctx, indexKey, oldID).Err(); err != nil {
				return fmt.Errorf("failed to update session index: %w", err)
			}
		}
		if err := r.client.SAdd(ctx, indexKey, s.ID).Err(); err != nil {
			return fmt.Errorf("failed to index session: %w", err)
		}
	}
	return nil
}

func (r *RedisStore) load(ctx context.Context, sessionID string) (*Session, error) {
	if r.cache != nil {
		return r.cache.LoadSession(ctx, sessionID)
	}
	data, err := r.client.Get(ctx, redisSessionPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var s Session
	if err := r.serde.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to deserialize session: %w", err)
	}
	return &s, nil
}
