// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the method table a server or worker dispatches
// against. Methods are registered under dotted names (account.login) and
// carry the session and parameter policies the request pipeline enforces
// before the handler runs.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rivetfw/rivet/pkg/rpc"
	"github.com/rivetfw/rivet/pkg/session"
)

// Handler implements one method. The returned value becomes the response
// result; a returned *async.Future is awaited first. Asynchronous methods
// respond through call.Respond instead.
type Handler func(ctx context.Context, call *Call) (any, error)

// Call is one method invocation.
type Call struct {
	// Method is the resolved dotted method name.
	Method string
	// Parameters are the request parameters after defaults are applied.
	Parameters map[string]any
	// Session is the request's session. Nil unless the method's session
	// policy produced one.
	Session *session.Session
	// Store is the account and session backend, for methods that manage
	// accounts or session state.
	Store session.Store

	respond func(*rpc.Response)
}

// NewCall builds a call. respond may be nil for methods that never defer
// their response.
func NewCall(method string, params map[string]any, sess *session.Session, store session.Store, respond func(*rpc.Response)) *Call {
	return &Call{
		Method:     method,
		Parameters: params,
		Session:    sess,
		Store:      store,
		respond:    respond,
	}
}

// Respond completes the request out of band. Only meaningful for methods
// registered as Asynchronous; the first response wins.
func (c *Call) Respond(resp *rpc.Response) {
	if c.respond != nil {
		c.respond(resp)
	}
}

// RespondResult is shorthand for responding with a result payload.
func (c *Call) RespondResult(result any) {
	c.Respond(rpc.ResultResponse(result))
}

// RespondError is shorthand for responding with an error.
func (c *Call) RespondError(err error) {
	c.Respond(rpc.ErrorResponse(err))
}

// String returns the named parameter as a string, or "".
func (c *Call) String(key string) string {
	s, _ := c.Parameters[key].(string)
	return s
}

// Method describes a registered method and its pipeline policies.
type Method struct {
	// Name is the dotted method name.
	Name string
	// Handler runs the method.
	Handler Handler

	// Asynchronous methods hold the request open and answer through
	// Call.Respond.
	Asynchronous bool
	// Authenticated methods require a session with a logged-in account.
	Authenticated bool
	// OptionallyAuthenticated marks methods that serve both logged-in and
	// anonymous callers. The pipeline loads any presented session
	// regardless, so the tag is declarative; it gates nothing and exists
	// so handlers can be audited for which access mode they expect.
	OptionallyAuthenticated bool
	// AnonymousSession methods are handed a fresh anonymous session when
	// the request carries none.
	AnonymousSession bool
	// AuthenticatedWithParameters methods authenticate each call from
	// user_id and password request parameters instead of a session.
	AuthenticatedWithParameters bool
	// RawResponse methods return a *rpc.RawResponse written to the client
	// verbatim instead of a serialized envelope.
	RawResponse bool

	// Requires lists parameters that must be present after defaults.
	Requires []string
	// Defaults supplies parameter values when the request omits them.
	Defaults map[string]any
	// ErrorRedirect maps error codes to redirect URLs for browser-facing
	// methods. The zero code is the fallback.
	ErrorRedirect map[int]string
	// JSONPParam names a request parameter that, when present, wraps the
	// JSON response in a callback of that name.
	JSONPParam string
}

// CheckParameters applies Defaults to params in place and verifies Requires.
func (m *Method) CheckParameters(params map[string]any) error {
	for k, v := range m.Defaults {
		if _, ok := params[k]; !ok {
			params[k] = v
		}
	}
	for _, k := range m.Requires {
		if _, ok := params[k]; !ok {
			return rpc.NewError(rpc.CodeMissingParams, "Missing parameters.")
		}
	}
	return nil
}

// Registry is a concurrency-safe method table.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Method
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

// Register adds a method. Registering an unnamed, handlerless, or duplicate
// method is an error.
func (r *Registry) Register(m *Method) error {
	if m.Name == "" {
		return fmt.Errorf("method has no name")
	}
	if m.Handler == nil {
		return fmt.Errorf("method %s has no handler", m.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[m.Name]; ok {
		return fmt.Errorf("method %s already registered", m.Name)
	}
	r.methods[m.Name] = m
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (r *Registry) MustRegister(methods ...*Method) {
	for _, m := range methods {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the named method, or false.
func (r *Registry) Lookup(name string) (*Method, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// Names returns the registered method names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
