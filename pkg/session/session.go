// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package session provides the account and session model used by the
// request pipeline, a pluggable Store interface with in-memory and Redis
// backends, and two session cache fronts: a Redis cache and a sealed-token
// cache that keeps all session state on the client.
package session

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Session is one authenticated or anonymous client's server-side state.
// The ID is opaque to clients; with the sealed-token cache it carries the
// encrypted state itself.
type Session struct {
	ID      string         `json:"session_id" bson:"session_id" msgpack:"session_id"`
	UserID  string         `json:"user_id" bson:"user_id" msgpack:"user_id"`
	Expires int64          `json:"expires" bson:"expires" msgpack:"expires"`
	State   map[string]any `json:"state,omitempty" bson:"state,omitempty" msgpack:"state,omitempty"`
	// Key is the per-session HMAC signing key, set only when the session was
	// created with one (sealed-token deployments).
	Key string `json:"key,omitempty" bson:"key,omitempty" msgpack:"key,omitempty"`
}

// Anonymous reports whether the session has no associated account.
func (s *Session) Anonymous() bool {
	return s.UserID == ""
}

// Expired reports whether the session's expiry has passed.
func (s *Session) Expired() bool {
	return s.Expires <= time.Now().Unix()
}

// Get returns the named state value, or nil.
func (s *Session) Get(key string) any {
	return s.State[key]
}

// Set stores a state value, allocating the state map on first use.
func (s *Session) Set(key string, value any) {
	if s.State == nil {
		s.State = make(map[string]any)
	}
	s.State[key] = value
}

// Delete removes a state value.
func (s *Session) Delete(key string) {
	delete(s.State, key)
}

// Clone returns an independent copy with its own state map, so concurrent
// callers can each mutate their copy without synchronizing.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.State != nil {
		clone.State = make(map[string]any, len(s.State))
		for k, v := range s.State {
			clone.State[k] = v
		}
	}
	return &clone
}

// NewSessionID returns a 22-character URL-safe base64 encoding of 16 random
// bytes. IDs are generated server-side and treated as opaque.
func NewSessionID() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		// crypto/rand failures are not recoverable at this layer.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

// Config carries the session lifetime policy shared by every Store backend.
// Renewal windows default to the matching TTL, which makes every retrieval
// slide the expiry forward.
type Config struct {
	// SessionTTL is the lifetime of authenticated sessions.
	SessionTTL time.Duration
	// AnonSessionTTL is the lifetime of anonymous sessions. Zero falls back
	// to SessionTTL.
	AnonSessionTTL time.Duration
	// SessionRenew is the remaining-lifetime threshold below which an
	// authenticated session's expiry is advanced on retrieval.
	SessionRenew time.Duration
	// AnonSessionRenew is the anonymous equivalent of SessionRenew.
	AnonSessionRenew time.Duration
}

// DefaultConfig mirrors the historical defaults: year-long authenticated
// sessions, day-long anonymous sessions, renewal on every retrieval.
func DefaultConfig() Config {
	return Config{
		SessionTTL:     365 * 24 * time.Hour,
		AnonSessionTTL: 24 * time.Hour,
	}
}

func (c Config) ttl(userID string) time.Duration {
	if userID == "" {
		if c.AnonSessionTTL != 0 {
			return c.AnonSessionTTL
		}
	}
	return c.SessionTTL
}

func (c Config) renew(userID string) time.Duration {
	if userID == "" {
		if c.AnonSessionRenew != 0 {
			return c.AnonSessionRenew
		}
		return c.ttl(userID)
	}
	if c.SessionRenew != 0 {
		return c.SessionRenew
	}
	return c.ttl(userID)
}

// renewed returns the advanced expiry for a retrieved session, or false if
// the session is still outside its renewal window.
func (c Config) renewed(s *Session, now time.Time) (int64, bool) {
	target := now.Add(c.renew(s.UserID)).Unix()
	if s.Expires < target {
		return target, true
	}
	return 0, false
}
