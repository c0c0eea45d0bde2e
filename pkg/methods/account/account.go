// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package account registers the built-in account methods: creation, login,
// logout, property updates, and password management. Handlers that open or
// replace a session assign it to the call; the pipeline reports the new
// session to the client in the response envelope.
package account

import (
	"context"

	"github.com/rivetfw/rivet/pkg/logger"
	"github.com/rivetfw/rivet/pkg/registry"
	"github.com/rivetfw/rivet/pkg/session"
)

// reservedKeys never land in account properties.
var reservedKeys = map[string]struct{}{
	"user_id":      {},
	"password":     {},
	"new_password": {},
}

// Register adds the account methods to reg.
func Register(reg *registry.Registry) error {
	methods := []*registry.Method{
		{
			Name:     "account.create",
			Handler:  create,
			Requires: []string{"user_id", "password"},
		},
		{
			Name:     "account.login",
			Handler:  login,
			Requires: []string{"user_id", "password"},
		},
		{
			Name:          "account.logout",
			Handler:       logout,
			Authenticated: true,
		},
		{
			Name:          "account.update",
			Handler:       update,
			Authenticated: true,
		},
		{
			Name:          "account.change_password",
			Handler:       changePassword,
			Authenticated: true,
			Requires:      []string{"password", "new_password"},
		},
		{
			Name:     "account.reset_password",
			Handler:  resetPassword,
			Requires: []string{"user_id"},
		},
		{
			Name:                    "client_error",
			Handler:                 clientError,
			OptionallyAuthenticated: true,
			Requires:                []string{"error"},
		},
	}
	for _, m := range methods {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func MustRegister(reg *registry.Registry) {
	if err := Register(reg); err != nil {
		panic(err)
	}
}

func properties(params map[string]any) map[string]any {
	props := make(map[string]any)
	for k, v := range params {
		if _, reserved := reservedKeys[k]; !reserved {
			props[k] = v
		}
	}
	return props
}

func create(ctx context.Context, call *registry.Call) (any, error) {
	userID := call.String("user_id")
	password := call.String("password")
	if err := call.Store.CreateAccount(ctx, userID, password, properties(call.Parameters)); err != nil {
		return nil, err
	}
	s, err := call.Store.CreateSession(ctx, userID, "", session.WithoutPasswordVerification())
	if err != nil {
		return nil, err
	}
	call.Session = s
	return map[string]any{"user_id": s.UserID}, nil
}

func login(ctx context.Context, call *registry.Call) (any, error) {
	s, err := call.Store.CreateSession(ctx, call.String("user_id"), call.String("password"))
	if err != nil {
		return nil, err
	}
	call.Session = s
	return map[string]any{"user_id": s.UserID}, nil
}

func logout(ctx context.Context, call *registry.Call) (any, error) {
	if err := call.Store.RemoveSession(ctx, call.Session.ID); err != nil {
		return nil, err
	}
	call.Session = nil
	return map[string]any{}, nil
}

func update(ctx context.Context, call *registry.Call) (any, error) {
	userID := call.Session.UserID
	if err := call.Store.UpdateAccount(ctx, userID, properties(call.Parameters)); err != nil {
		return nil, err
	}
	props, err := call.Store.Account(ctx, userID)
	if err != nil {
		return nil, err
	}
	return props, nil
}

func changePassword(ctx context.Context, call *registry.Call) (any, error) {
	userID := call.Session.UserID
	err := call.Store.ChangePassword(ctx, userID, call.String("password"), call.String("new_password"))
	if err != nil {
		return nil, err
	}
	// ChangePassword revoked every session, this one included; hand the
	// client a fresh one.
	s, err := call.Store.CreateSession(ctx, userID, "", session.WithoutPasswordVerification())
	if err != nil {
		return nil, err
	}
	call.Session = s
	return map[string]any{"user_id": s.UserID}, nil
}

func resetPassword(ctx context.Context, call *registry.Call) (any, error) {
	generated, err := call.Store.ResetPassword(ctx, call.String("user_id"))
	if err != nil {
		return nil, err
	}
	// The generated password is returned to the deployment's delivery
	// channel, not logged.
	return map[string]any{"password": generated}, nil
}

func clientError(_ context.Context, call *registry.Call) (any, error) {
	userID := "anonymous"
	if call.Session != nil && !call.Session.Anonymous() {
		userID = call.Session.UserID
	}
	logger.Warnf("Client error from %s: %v", userID, call.Parameters["error"])
	return map[string]any{}, nil
}
