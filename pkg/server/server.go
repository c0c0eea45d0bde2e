// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package server is the request pipeline. It turns inbound HTTP and
// WebSocket calls into method invocations against a registry: envelope
// parsing across content types, session policies, request and response
// HMAC, batch fan-in, and future-aware dispatch.
package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rivetfw/rivet/pkg/events"
	"github.com/rivetfw/rivet/pkg/registry"
	"github.com/rivetfw/rivet/pkg/session"
	"github.com/rivetfw/rivet/pkg/telemetry"
)

// Wire headers carrying the session id and body signature.
const (
	HeaderSessionID = "x-toto-session-id"
	HeaderHMAC      = "x-toto-hmac"
)

var defaultAllowedHeaders = []string{
	"origin",
	"content-type",
	"x-requested-with",
	HeaderSessionID,
	HeaderHMAC,
}

// Server serves a method registry over HTTP and WebSocket.
type Server struct {
	registry *registry.Registry
	store    session.Store
	hub      *events.Hub
	metrics  *telemetry.Metrics

	hmacEnabled   bool
	useSessionKey bool
	allowedOrigin string
	extraHeaders  []string
	cookieName    string

	upgrader websocket.Upgrader
}

// Option adjusts server construction.
type Option func(*Server)

// WithHMAC toggles request and response HMAC handling. Enabled by default.
func WithHMAC(enabled bool) Option {
	return func(s *Server) { s.hmacEnabled = enabled }
}

// WithSessionKeyHMAC signs with each session's dedicated key instead of its
// user id.
func WithSessionKeyHMAC() Option {
	return func(s *Server) { s.useSessionKey = true }
}

// WithAllowedOrigin sets the CORS origin. Defaults to "*".
func WithAllowedOrigin(origin string) Option {
	return func(s *Server) { s.allowedOrigin = origin }
}

// WithAllowedHeaders adds headers to the CORS allow list.
func WithAllowedHeaders(headers ...string) Option {
	return func(s *Server) { s.extraHeaders = append(s.extraHeaders, headers...) }
}

// WithSessionCookie reads and writes the session id through the named
// cookie in addition to the session header.
func WithSessionCookie(name string) Option {
	return func(s *Server) { s.cookieName = name }
}

// WithEventHub mounts the hub's peer listener on /events.
func WithEventHub(hub *events.Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithMetrics instruments the pipeline and mounts /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New returns a server dispatching against reg with sessions in store.
func New(reg *registry.Registry, store session.Store, opts ...Option) *Server {
	s := &Server{
		registry:      reg,
		store:         store,
		hmacEnabled:   true,
		allowedOrigin: "*",
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the server's HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		r.Handle("/events", events.NewListener(s.hub))
	}
	r.Get("/ws", s.handleWebSocket)
	r.Options("/*", s.handleOptions)
	r.Get("/*", s.handleRequest)
	r.Post("/*", s.handleRequest)
	r.Get("/", s.handleRequest)
	r.Post("/", s.handleRequest)
	return r
}

// handleOptions answers CORS preflight without invoking any method.
// Preflights for verbs the pipeline never serves are rejected.
func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	if m := r.Header.Get("Access-Control-Request-Method"); m != "" {
		switch strings.ToUpper(m) {
		case http.MethodGet, http.MethodPost, http.MethodOptions:
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
	}
	s.setCORSHeaders(w)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) setCORSHeaders(w http.ResponseWriter) {
	allowed := make([]string, 0, len(defaultAllowedHeaders)+len(s.extraHeaders))
	allowed = append(allowed, defaultAllowedHeaders...)
	allowed = append(allowed, s.extraHeaders...)
	w.Header().Set("Access-Control-Allow-Origin", s.allowedOrigin)
	w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowed, ","))
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.Header().Set("Access-Control-Expose-Headers", HeaderSessionID+","+HeaderHMAC)
}
