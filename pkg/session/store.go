// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"strings"

	"github.com/rivetfw/rivet/pkg/rpc"
)

// Store is the account and session backend used by the request pipeline and
// the account methods. Retrieval of a missing or expired session returns
// (nil, nil); the pipeline decides whether that is an error for the request.
type Store interface {
	// CreateAccount registers a new account. The user id is lowercased and
	// trimmed first. Fails with rpc.CodeInvalidUserID when the id is empty
	// and rpc.CodeUserIDExists when it is taken.
	CreateAccount(ctx context.Context, userID, password string, properties map[string]any) error

	// CreateSession opens a session for userID after verifying password,
	// or an anonymous session when userID is empty. Options can skip
	// verification (trusted callers) or attach a signing key.
	CreateSession(ctx context.Context, userID, password string, opts ...CreateOption) (*Session, error)

	// VerifyCredentials checks a user id and password without opening a
	// session. Fails with the same error as a bad login.
	VerifyCredentials(ctx context.Context, userID, password string) error

	// RetrieveSession loads a live session, sliding its expiry forward when
	// it is inside the renewal window. Missing and expired both yield nil.
	RetrieveSession(ctx context.Context, sessionID string) (*Session, error)

	// SaveSession persists mutated session state under the current expiry.
	SaveSession(ctx context.Context, s *Session) error

	// RemoveSession deletes one session.
	RemoveSession(ctx context.Context, sessionID string) error

	// ClearSessions deletes every session belonging to userID.
	ClearSessions(ctx context.Context, userID string) error

	// Account returns the stored properties of an account, or a
	// rpc.CodeUserNotFound error.
	Account(ctx context.Context, userID string) (map[string]any, error)

	// UpdateAccount merges properties into an existing account.
	UpdateAccount(ctx context.Context, userID string, properties map[string]any) error

	// ChangePassword verifies the current password, stores a hash of the
	// new one, and clears the account's existing sessions.
	ChangePassword(ctx context.Context, userID, password, newPassword string) error

	// ResetPassword replaces the account's password with a generated one
	// and returns it. Existing sessions are cleared.
	ResetPassword(ctx context.Context, userID string) (string, error)
}

// CreateOption tweaks session creation.
type CreateOption func(*createOptions)

type createOptions struct {
	skipVerify bool
	key        string
}

// WithoutPasswordVerification opens the session without checking the
// password. Used by account creation and password reset, which have just
// proven control of the account.
func WithoutPasswordVerification() CreateOption {
	return func(o *createOptions) { o.skipVerify = true }
}

// WithKey attaches a per-session HMAC signing key.
func WithKey(key string) CreateOption {
	return func(o *createOptions) { o.key = key }
}

func applyCreateOptions(opts []CreateOption) createOptions {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NormalizeUserID lowercases and trims a client-supplied user id. IDs are
// case-insensitive everywhere they are compared or stored.
func NormalizeUserID(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}

func errInvalidUserID() error {
	return rpc.NewError(rpc.CodeInvalidUserID, "Invalid user ID.")
}

func errUserIDExists() error {
	return rpc.NewError(rpc.CodeUserIDExists, "User ID already in use.")
}

func errInvalidCredentials() error {
	return rpc.NewError(rpc.CodeUserNotFound, "Invalid user ID or password")
}
