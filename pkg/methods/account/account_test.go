// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package account

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetfw/rivet/pkg/registry"
	"github.com/rivetfw/rivet/pkg/rpc"
	"github.com/rivetfw/rivet/pkg/session"
)

func newFixture(t *testing.T) (*registry.Registry, session.Store) {
	t.Helper()
	reg := registry.New()
	require.NoError(t, Register(reg))
	return reg, session.NewMemoryStore(session.DefaultConfig(), nil)
}

func invoke(t *testing.T, reg *registry.Registry, store session.Store, name string, params map[string]any, sess *session.Session) (any, *registry.Call, error) {
	t.Helper()
	m, ok := reg.Lookup(name)
	require.True(t, ok, "method %s not registered", name)
	if params == nil {
		params = make(map[string]any)
	}
	require.NoError(t, m.CheckParameters(params))
	call := registry.NewCall(name, params, sess, store, nil)
	result, err := m.Handler(context.Background(), call)
	return result, call, err
}

func requireCode(t *testing.T, err error, code int) {
	t.Helper()
	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, code, rpcErr.Code)
}

func TestCreateOpensSession(t *testing.T) {
	t.Parallel()

	reg, store := newFixture(t)
	result, call, err := invoke(t, reg, store, "account.create", map[string]any{
		"user_id":  "Alice",
		"password": "pw",
		"plan":     "pro",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"user_id": "alice"}, result)
	require.NotNil(t, call.Session)
	assert.Equal(t, "alice", call.Session.UserID)

	// Reserved parameters stay out of the account properties.
	props, err := store.Account(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "pro", props["plan"])
	assert.NotContains(t, props, "password")
	assert.NotContains(t, props, "user_id")
}

func TestCreateDuplicate(t *testing.T) {
	t.Parallel()

	reg, store := newFixture(t)
	_, _, err := invoke(t, reg, store, "account.create", map[string]any{"user_id": "alice", "password": "pw"}, nil)
	require.NoError(t, err)

	_, _, err = invoke(t, reg, store, "account.create", map[string]any{"user_id": "ALICE", "password": "pw"}, nil)
	requireCode(t, err, rpc.CodeUserIDExists)
	assert.EqualError(t, err, "User ID already in use.")
}

func TestLogin(t *testing.T) {
	t.Parallel()

	reg, store := newFixture(t)
	_, _, err := invoke(t, reg, store, "account.create", map[string]any{"user_id": "alice", "password": "pw"}, nil)
	require.NoError(t, err)

	result, call, err := invoke(t, reg, store, "account.login", map[string]any{"user_id": "alice", "password": "pw"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user_id": "alice"}, result)
	require.NotNil(t, call.Session)

	_, _, err = invoke(t, reg, store, "account.login", map[string]any{"user_id": "alice", "password": "nope"}, nil)
	requireCode(t, err, rpc.CodeUserNotFound)
	assert.EqualError(t, err, "Invalid user ID or password")
}

func TestLogoutRemovesSession(t *testing.T) {
	t.Parallel()

	reg, store := newFixture(t)
	_, call, err := invoke(t, reg, store, "account.create", map[string]any{"user_id": "alice", "password": "pw"}, nil)
	require.NoError(t, err)
	sess := call.Session

	_, call, err = invoke(t, reg, store, "account.logout", nil, sess)
	require.NoError(t, err)
	assert.Nil(t, call.Session)

	got, err := store.RetrieveSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateMergesProperties(t *testing.T) {
	t.Parallel()

	reg, store := newFixture(t)
	_, call, err := invoke(t, reg, store, "account.create", map[string]any{
		"user_id":  "alice",
		"password": "pw",
		"plan":     "free",
	}, nil)
	require.NoError(t, err)

	result, _, err := invoke(t, reg, store, "account.update", map[string]any{"plan": "pro"}, call.Session)
	require.NoError(t, err)

	props, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "pro", props["plan"])
}

func TestChangePasswordRotatesSession(t *testing.T) {
	t.Parallel()

	reg, store := newFixture(t)
	_, call, err := invoke(t, reg, store, "account.create", map[string]any{"user_id": "alice", "password": "old"}, nil)
	require.NoError(t, err)
	oldSession := call.Session

	_, call, err = invoke(t, reg, store, "account.change_password", map[string]any{
		"password":     "old",
		"new_password": "new",
	}, oldSession)
	require.NoError(t, err)
	require.NotNil(t, call.Session)
	assert.NotEqual(t, oldSession.ID, call.Session.ID)

	got, err := store.RetrieveSession(context.Background(), oldSession.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, _, err = invoke(t, reg, store, "account.login", map[string]any{"user_id": "alice", "password": "new"}, nil)
	require.NoError(t, err)
}

func TestResetPassword(t *testing.T) {
	t.Parallel()

	reg, store := newFixture(t)
	_, _, err := invoke(t, reg, store, "account.create", map[string]any{"user_id": "alice", "password": "pw"}, nil)
	require.NoError(t, err)

	result, _, err := invoke(t, reg, store, "account.reset_password", map[string]any{"user_id": "alice"}, nil)
	require.NoError(t, err)

	generated, ok := result.(map[string]any)["password"].(string)
	require.True(t, ok)
	_, _, err = invoke(t, reg, store, "account.login", map[string]any{"user_id": "alice", "password": generated}, nil)
	require.NoError(t, err)
}

func TestClientError(t *testing.T) {
	t.Parallel()

	reg, store := newFixture(t)
	result, _, err := invoke(t, reg, store, "client_error", map[string]any{"error": "TypeError: x is undefined"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, result)
}
