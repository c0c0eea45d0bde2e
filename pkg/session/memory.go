// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"time"
)

type memAccount struct {
	passwordHash string
	properties   map[string]any
}

// MemoryStore is the process-local Store. It backs tests and single-node
// deployments; multi-node deployments use RedisStore.
type MemoryStore struct {
	cfg   Config
	cache Cache

	mu       sync.RWMutex
	accounts map[string]*memAccount
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. A non-nil cache takes over session
// body storage; the store keeps only accounts and the per-user index.
func NewMemoryStore(cfg Config, cache Cache) *MemoryStore {
	return &MemoryStore{
		cfg:      cfg,
		cache:    cache,
		accounts: make(map[string]*memAccount),
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
	}
}

// CreateAccount implements Store.
func (m *MemoryStore) CreateAccount(_ context.Context, userID, password string, properties map[string]any) error {
	uid := NormalizeUserID(userID)
	if uid == "" {
		return errInvalidUserID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[uid]; ok {
		return errUserIDExists()
	}
	props := make(map[string]any, len(properties))
	for k, v := range properties {
		props[k] = v
	}
	m.accounts[uid] = &memAccount{
		passwordHash: HashPassword(password),
		properties:   props,
	}
	return nil
}

// CreateSession implements Store.
func (m *MemoryStore) CreateSession(ctx context.Context, userID, password string, opts ...CreateOption) (*Session, error) {
	o := applyCreateOptions(opts)
	uid := NormalizeUserID(userID)
	if uid != "" {
		m.mu.RLock()
		account, ok := m.accounts[uid]
		m.mu.RUnlock()
		if !ok {
			return nil, errInvalidCredentials()
		}
		if !o.skipVerify {
			match, err := VerifyPassword(account.passwordHash, password)
			if err != nil || !match {
				return nil, errInvalidCredentials()
			}
		}
	}

	s := &Session{
		ID:      NewSessionID(),
		UserID:  uid,
		Expires: time.Now().Add(m.cfg.ttl(uid)).Unix(),
		Key:     o.key,
	}
	if err := m.persist(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// VerifyCredentials implements Store.
func (m *MemoryStore) VerifyCredentials(_ context.Context, userID, password string) error {
	uid := NormalizeUserID(userID)
	m.mu.RLock()
	account, ok := m.accounts[uid]
	m.mu.RUnlock()
	if !ok {
		return errInvalidCredentials()
	}
	match, err := VerifyPassword(account.passwordHash, password)
	if err != nil || !match {
		return errInvalidCredentials()
	}
	return nil
}

// RetrieveSession implements Store.
func (m *MemoryStore) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	s, err := m.load(ctx, sessionID)
	if err != nil || s == nil {
		return nil, err
	}
	now := time.Now()
	if s.Expires <= now.Unix() {
		_ = m.RemoveSession(ctx, sessionID)
		return nil, nil
	}
	if expires, ok := m.cfg.renewed(s, now); ok {
		s.Expires = expires
		if err := m.persist(ctx, s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SaveSession implements Store.
func (m *MemoryStore) SaveSession(ctx context.Context, s *Session) error {
	return m.persist(ctx, s)
}

// RemoveSession implements Store.
func (m *MemoryStore) RemoveSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	// When a cache holds the session bodies the sessions map is empty, so
	// the per-user index is scanned for the id instead.
	for uid, ids := range m.byUser {
		if _, ok := ids[sessionID]; ok {
			delete(ids, sessionID)
			if len(ids) == 0 {
				delete(m.byUser, uid)
			}
			break
		}
	}
	m.mu.Unlock()
	if m.cache != nil {
		return m.cache.RemoveSession(ctx, sessionID)
	}
	return nil
}

// ClearSessions implements Store.
func (m *MemoryStore) ClearSessions(ctx context.Context, userID string) error {
	uid := NormalizeUserID(userID)
	m.mu.Lock()
	ids := m.byUser[uid]
	delete(m.byUser, uid)
	for id := range ids {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if m.cache != nil {
		for id := range ids {
			if err := m.cache.RemoveSession(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Account implements Store.
func (m *MemoryStore) Account(_ context.Context, userID string) (map[string]any, error) {
	uid := NormalizeUserID(userID)
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[uid]
	if !ok {
		return nil, errInvalidCredentials()
	}
	props := make(map[string]any, len(account.properties))
	for k, v := range account.properties {
		props[k] = v
	}
	return props, nil
}

// UpdateAccount implements Store.
func (m *MemoryStore) UpdateAccount(_ context.Context, userID string, properties map[string]any) error {
	uid := NormalizeUserID(userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	account, ok := m.accounts[uid]
	if !ok {
		return errInvalidCredentials()
	}
	for k, v := range properties {
		account.properties[k] = v
	}
	return nil
}

// ChangePassword implements Store.
func (m *MemoryStore) ChangePassword(ctx context.Context, userID, password, newPassword string) error {
	uid := NormalizeUserID(userID)
	m.mu.Lock()
	account, ok := m.accounts[uid]
	if !ok {
		m.mu.Unlock()
		return errInvalidCredentials()
	}
	match, err := VerifyPassword(account.passwordHash, password)
	if err != nil || !match {
		m.mu.Unlock()
		return errInvalidCredentials()
	}
	account.passwordHash = HashPassword(newPassword)
	m.mu.Unlock()
	return m.ClearSessions(ctx, uid)
}

// ResetPassword implements Store.
func (m *MemoryStore) ResetPassword(ctx context.Context, userID string) (string, error) {
	uid := NormalizeUserID(userID)
	generated := GeneratePassword()
	m.mu.Lock()
	account, ok := m.accounts[uid]
	if !ok {
		m.mu.Unlock()
		return "", errInvalidCredentials()
	}
	account.passwordHash = HashPassword(generated)
	m.mu.Unlock()
	if err := m.ClearSessions(ctx, uid); err != nil {
		return "", err
	}
	return generated, nil
}

func (m *MemoryStore) persist(ctx context.Context, s *Session) error {
	if m.cache != nil {
		oldID := s.ID
		id, err := m.cache.StoreSession(ctx, s)
		if err != nil {
			return err
		}
		s.ID = id
		m.indexSession(s, oldID)
		return nil
	}
	clone := *s
	m.mu.Lock()
	m.sessions[s.ID] = &clone
	m.mu.Unlock()
	m.indexSession(s, "")
	return nil
}

func (m *MemoryStore) indexSession(s *Session, oldID string) {
	if s.UserID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byUser[s.UserID]
	if ids == nil {
		ids = make(map[string]struct{})
		m.byUser[s.UserID] = ids
	}
	if oldID != "" && oldID != s.ID {
		delete(ids, oldID)
	}
	ids[s.ID] = struct{}{}
}

func (m *MemoryStore) load(ctx context.Context, sessionID string) (*Session, error) {
	if m.cache != nil {
		return m.cache.LoadSession(ctx, sessionID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	clone := *s
	return &clone, nil
}
