// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rivetfw/rivet/pkg/async"
	"github.com/rivetfw/rivet/pkg/codec"
	"github.com/rivetfw/rivet/pkg/logger"
	"github.com/rivetfw/rivet/pkg/registry"
	"github.com/rivetfw/rivet/pkg/rpc"
	"github.com/rivetfw/rivet/pkg/session"
	"github.com/rivetfw/rivet/pkg/taskqueue"
)

const maxInvokeBody = 10 << 20

// Service is the worker-process side of the fabric. It accepts WebSocket
// links from API instances, runs invocations against its method registry on
// a bounded queue, and answers a control channel for status and shutdown.
type Service struct {
	registry *registry.Registry
	store    session.Store
	wire     codec.Codec
	queue    *taskqueue.Queue
	upgrader websocket.Upgrader

	active    atomic.Int64
	processed atomic.Int64

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// ServiceOption adjusts service construction.
type ServiceOption func(*Service)

// ServiceWireCodec sets the frame codec. Must match the API side.
func ServiceWireCodec(c codec.Codec) ServiceOption {
	return func(s *Service) { s.wire = c }
}

// ServiceQueue sets the dispatch queue, bounding handler concurrency.
func ServiceQueue(q *taskqueue.Queue) ServiceOption {
	return func(s *Service) { s.queue = q }
}

// ServiceStore gives worker methods access to an account and session
// backend.
func ServiceStore(store session.Store) ServiceOption {
	return func(s *Service) { s.store = store }
}

// NewService returns a service dispatching against reg.
func NewService(reg *registry.Registry, opts ...ServiceOption) *Service {
	s := &Service{
		registry: reg,
		wire:     codec.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queue == nil {
		s.queue = taskqueue.New("worker-dispatch", taskqueue.WithMaxWorkers(8))
	}
	return s
}

// Router returns the service's HTTP surface: the invocation socket and the
// control channel.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/worker", s.handleSocket)
	r.Post("/invoke", s.handleHTTPInvoke)
	r.Get("/control/status", s.handleStatus)
	r.Post("/control/shutdown", s.handleShutdown)
	return r
}

// ShutdownRequested is closed when the control channel receives a shutdown.
func (s *Service) ShutdownRequested() <-chan struct{} {
	return s.shutdown
}

// Active returns the number of invocations currently running.
func (s *Service) Active() int64 { return s.active.Load() }

// Processed returns the number of invocations completed since start.
func (s *Service) Processed() int64 { return s.processed.Load() }

func (s *Service) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("Failed to upgrade worker connection: %v", err)
		return
	}
	defer conn.Close()
	logger.Debugf("Worker link established from %s", r.RemoteAddr)

	// Handlers finish on queue goroutines, so replies are funneled through
	// a single writer.
	replies := make(chan []byte, endpointSendBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range replies {
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logger.Warnf("Worker link write failed: %v", err)
				return
			}
		}
	}()
	defer close(replies)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			logger.Debugf("Worker link from %s closed: %v", r.RemoteAddr, err)
			return
		}
		select {
		case <-writerDone:
			return
		default:
		}
		s.handleFrame(r.Context(), frame, replies)
	}
}

func (s *Service) handleFrame(ctx context.Context, frame []byte, replies chan<- []byte) {
	id, payload, err := decodeFrame(frame)
	if err != nil {
		logger.Warnf("Discarding malformed worker request: %v", err)
		return
	}
	var req rpc.WorkerRequest
	if err := s.wire.Decode(payload, &req); err != nil {
		logger.Warnf("Discarding undecodable worker request %s: %v", id, err)
		return
	}

	s.dispatch(ctx, req,
		func() { s.ack(replies, id) },
		func(resp *rpc.Response) { s.reply(replies, id, resp) })
}

// dispatch routes one decoded request. Fire-and-forget methods call ack
// before their handler runs; everything else calls reply exactly once.
func (s *Service) dispatch(ctx context.Context, req rpc.WorkerRequest, ack func(), reply func(*rpc.Response)) {
	method, ok := s.registry.Lookup(req.Method)
	if !ok {
		reply(rpc.ErrorResponse(rpc.NewError(rpc.CodeInvalidMethod, "Cannot call '%s'.", req.Method)))
		return
	}

	params := req.Parameters
	if params == nil {
		params = make(map[string]any)
	}
	if err := method.CheckParameters(params); err != nil {
		reply(rpc.ErrorResponse(err))
		return
	}

	if method.Asynchronous {
		// Acknowledge acceptance before the handler runs; the caller's
		// future resolves on the bare id.
		ack()
		s.queue.Add(func() {
			s.runHandler(ctx, method, params, nil)
		})
		return
	}

	s.queue.Add(func() {
		s.runHandler(ctx, method, params, reply)
	})
}

// handleHTTPInvoke serves the HTTP worker transport: the request body is an
// encoded invocation, the response body the encoded reply. Fire-and-forget
// acceptance is an empty 200.
func (s *Service) handleHTTPInvoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInvokeBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req rpc.WorkerRequest
	if err := s.wire.Decode(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f := async.NewFuture()
	s.dispatch(r.Context(), req,
		func() { f.Complete(nil, nil) },
		func(resp *rpc.Response) { f.Complete(resp, nil) })

	value, err := f.Result(r.Context())
	if err != nil {
		return
	}
	if value == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	out, err := s.wire.Encode(value)
	if err != nil {
		logger.Errorf("Failed to encode worker reply: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", s.wire.MIME())
	if _, err := w.Write(out); err != nil {
		logger.Debugf("Failed to write worker reply: %v", err)
	}
}

func (s *Service) runHandler(ctx context.Context, method *registry.Method, params map[string]any, reply func(*rpc.Response)) {
	s.active.Add(1)
	defer func() {
		s.active.Add(-1)
		s.processed.Add(1)
	}()

	call := registry.NewCall(method.Name, params, nil, s.store, nil)
	result, err := method.Handler(ctx, call)
	if reply == nil {
		if err != nil {
			logger.Errorf("Worker method %s failed: %v", method.Name, err)
		}
		return
	}
	if err != nil {
		reply(rpc.ErrorResponse(err))
		return
	}
	reply(rpc.ResultResponse(result))
}

func (s *Service) reply(replies chan<- []byte, id [16]byte, resp *rpc.Response) {
	payload, err := s.wire.Encode(resp)
	if err != nil {
		logger.Errorf("Failed to encode worker reply %x: %v", id, err)
		return
	}
	select {
	case replies <- encodeFrame(id, payload):
	default:
		logger.Warnf("Worker reply buffer full, dropping reply %x", id)
	}
}

func (s *Service) ack(replies chan<- []byte, id [16]byte) {
	select {
	case replies <- encodeFrame(id, nil):
	default:
		logger.Warnf("Worker reply buffer full, dropping ack %x", id)
	}
}

type statusPayload struct {
	Status    string   `json:"status"`
	Active    int64    `json:"active"`
	Processed int64    `json:"processed"`
	Queued    int      `json:"queued"`
	Methods   []string `json:"methods"`
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := "idle"
	if s.active.Load() > 0 {
		status = "busy"
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(statusPayload{
		Status:    status,
		Active:    s.active.Load(),
		Processed: s.processed.Load(),
		Queued:    s.queue.Len(),
		Methods:   s.registry.Names(),
	}); err != nil {
		logger.Errorf("Failed to write status response: %v", err)
	}
}

func (s *Service) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	logger.Infof("Shutdown requested over control channel")
	s.shutdownOnce.Do(func() { close(s.shutdown) })
	w.WriteHeader(http.StatusAccepted)
}
