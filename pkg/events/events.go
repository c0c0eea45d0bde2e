// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package events is the cross-instance event bus. Handlers register by event
// name on the local hub; events fan out to every connected peer instance
// (broadcast) or to exactly one destination in turn (rotate). Events travel
// as compressed serialized frames over WebSocket connections between
// instances.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rivetfw/rivet/pkg/codec"
	"github.com/rivetfw/rivet/pkg/logger"
	"github.com/rivetfw/rivet/pkg/taskqueue"
	"github.com/rivetfw/rivet/pkg/telemetry"
)

// Event is one bus message.
type Event struct {
	Name string         `json:"name" bson:"name" msgpack:"name"`
	Args map[string]any `json:"args,omitempty" bson:"args,omitempty" msgpack:"args,omitempty"`
}

// Handler receives a locally dispatched event's args.
type Handler func(args map[string]any)

type registration struct {
	id   string
	name string
	fn   Handler
	once bool
}

// Hub routes events between local handlers and peer instances.
type Hub struct {
	wire    codec.Codec
	queue   *taskqueue.Queue
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	handlers map[string][]*registration
	byID     map[string]*registration
	remotes  []*remote
	cursors  map[string]int
}

// HubOption adjusts hub construction.
type HubOption func(*Hub)

// WithWireCodec sets the frame codec shared by every instance on the bus.
func WithWireCodec(c codec.Codec) HubOption {
	return func(h *Hub) { h.wire = c }
}

// WithQueue sets the task queue handlers run on.
func WithQueue(q *taskqueue.Queue) HubOption {
	return func(h *Hub) { h.queue = q }
}

// WithMetrics records event sends on the given metrics set.
func WithMetrics(m *telemetry.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub returns a hub with no handlers or peers. The default wire codec is
// zlib-compressed JSON.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		wire:     codec.Codec{Serializer: codec.JSON{}, Compressor: codec.Zlib{}},
		handlers: make(map[string][]*registration),
		byID:     make(map[string]*registration),
		cursors:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.queue == nil {
		h.queue = taskqueue.New("events", taskqueue.WithMaxWorkers(4))
	}
	return h
}

// RegisterHandler subscribes fn to the named event and returns a
// registration id for RemoveHandler.
func (h *Hub) RegisterHandler(name string, fn Handler) string {
	return h.register(name, fn, false)
}

// RegisterOnceHandler subscribes fn to the named event for a single
// delivery. The registration is removed before fn runs, so concurrent
// dispatches fire it at most once.
func (h *Hub) RegisterOnceHandler(name string, fn Handler) string {
	return h.register(name, fn, true)
}

func (h *Hub) register(name string, fn Handler, once bool) string {
	reg := &registration{id: uuid.NewString(), name: name, fn: fn, once: once}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[name] = append(h.handlers[name], reg)
	h.byID[reg.id] = reg
	return reg.id
}

// RemoveHandler drops a registration. Unknown ids are ignored.
func (h *Hub) RemoveHandler(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

// removeLocked drops a registration and reports whether it was still
// present. Callers hold h.mu.
func (h *Hub) removeLocked(id string) bool {
	reg, ok := h.byID[id]
	if !ok {
		return false
	}
	delete(h.byID, id)
	regs := h.handlers[reg.name]
	for i, r := range regs {
		if r.id == id {
			h.handlers[reg.name] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(h.handlers[reg.name]) == 0 {
		delete(h.handlers, reg.name)
	}
	return true
}

// observe records an event send when metrics are configured.
func (h *Hub) observe(mode string) {
	if h.metrics != nil {
		h.metrics.ObserveEvent(mode)
	}
}

// Send broadcasts the event to local handlers and every connected peer.
func (h *Hub) Send(name string, args map[string]any) error {
	evt := Event{Name: name, Args: args}
	h.observe("broadcast")
	h.dispatchLocal(evt)

	h.mu.RLock()
	remotes := make([]*remote, len(h.remotes))
	copy(remotes, h.remotes)
	h.mu.RUnlock()
	if len(remotes) == 0 {
		return nil
	}

	frame, err := h.wire.Encode(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", name, err)
	}
	for _, r := range remotes {
		r.enqueue(frame)
	}
	return nil
}

// Rotate delivers the event to exactly one destination, cycling through the
// local hub and each peer per event name.
func (h *Hub) Rotate(name string, args map[string]any) error {
	evt := Event{Name: name, Args: args}
	h.observe("rotate")

	h.mu.Lock()
	slots := len(h.remotes) + 1
	slot := h.cursors[name] % slots
	h.cursors[name] = (slot + 1) % slots
	var target *remote
	if slot > 0 {
		target = h.remotes[slot-1]
	}
	h.mu.Unlock()

	if target == nil {
		h.dispatchLocal(evt)
		return nil
	}
	frame, err := h.wire.Encode(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", name, err)
	}
	target.enqueue(frame)
	return nil
}

// dispatchLocal runs every matching handler on the hub's queue. Once
// registrations are claimed under the lock, so a handler that loses the
// claim to a concurrent dispatch is skipped.
func (h *Hub) dispatchLocal(evt Event) {
	h.mu.Lock()
	snapshot := make([]*registration, len(h.handlers[evt.Name]))
	copy(snapshot, h.handlers[evt.Name])
	regs := snapshot[:0]
	for _, reg := range snapshot {
		if reg.once && !h.removeLocked(reg.id) {
			continue
		}
		regs = append(regs, reg)
	}
	h.mu.Unlock()
	for _, reg := range regs {
		fn := reg.fn
		h.queue.Add(func() { fn(evt.Args) })
	}
}

// dispatchFrame decodes an inbound peer frame and dispatches it locally.
// Frames never re-forward, which keeps broadcast loops impossible.
func (h *Hub) dispatchFrame(data []byte) {
	var evt Event
	if err := h.wire.Decode(data, &evt); err != nil {
		logger.Warnf("Discarding undecodable event frame: %v", err)
		return
	}
	h.dispatchLocal(evt)
}

// ConnectPeer opens an outbound connection to a peer hub's listener URL.
// The connection retries with exponential backoff until ctx is canceled.
func (h *Hub) ConnectPeer(ctx context.Context, url string) {
	r := newRemote(url)
	h.mu.Lock()
	h.remotes = append(h.remotes, r)
	h.mu.Unlock()
	go r.run(ctx)
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	remotes := h.remotes
	h.remotes = nil
	h.mu.Unlock()
	for _, r := range remotes {
		r.close()
	}
}
