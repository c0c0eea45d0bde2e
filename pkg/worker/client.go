// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rivetfw/rivet/pkg/async"
	"github.com/rivetfw/rivet/pkg/codec"
	"github.com/rivetfw/rivet/pkg/logger"
	"github.com/rivetfw/rivet/pkg/rpc"
	"github.com/rivetfw/rivet/pkg/telemetry"
)

const (
	// DefaultTimeout bounds one dispatch attempt.
	DefaultTimeout = 10 * time.Second
	// DefaultRetries is how many times a timed-out request is re-sent to
	// the next endpoint before failing.
	DefaultRetries = 1
)

// Connection dispatches method invocations across a set of worker
// endpoints. Endpoints are tried round-robin from a shuffled order so a
// fleet of API instances does not converge on the same worker.
type Connection struct {
	wire    codec.Codec
	timeout time.Duration
	retries int
	metrics *telemetry.Metrics

	mu        sync.Mutex
	endpoints []*endpoint
	cursor    int

	pending sync.Map // uuid.UUID -> *pendingRequest
}

type pendingRequest struct {
	id     uuid.UUID
	frame  []byte
	future *async.Future

	mu        sync.Mutex
	timer     *time.Timer
	remaining int
	timeout   time.Duration
}

// ConnectionOption adjusts connection construction.
type ConnectionOption func(*Connection)

// WithWireCodec sets the frame codec. Workers must be configured to match.
func WithWireCodec(c codec.Codec) ConnectionOption {
	return func(conn *Connection) { conn.wire = c }
}

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) ConnectionOption {
	return func(conn *Connection) {
		if d > 0 {
			conn.timeout = d
		}
	}
}

// WithRetries sets how many re-dispatches a timed-out request gets.
func WithRetries(n int) ConnectionOption {
	return func(conn *Connection) {
		if n >= 0 {
			conn.retries = n
		}
	}
}

// WithMetrics records dispatch outcomes on the given metrics set.
func WithMetrics(m *telemetry.Metrics) ConnectionOption {
	return func(conn *Connection) { conn.metrics = m }
}

// NewConnection returns a connection with no endpoints.
func NewConnection(opts ...ConnectionOption) *Connection {
	c := &Connection{
		wire:    codec.Default(),
		timeout: DefaultTimeout,
		retries: DefaultRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddEndpoint opens a link to a worker URL. The link dials in the
// background and retries with backoff until ctx is canceled.
func (c *Connection) AddEndpoint(ctx context.Context, url string) {
	e := newEndpoint(c, url)
	c.mu.Lock()
	c.endpoints = append(c.endpoints, e)
	c.mu.Unlock()
	go e.run(ctx)
}

// RemoveEndpoint closes the link to url. Unknown URLs are ignored.
func (c *Connection) RemoveEndpoint(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.endpoints {
		if e.url == url {
			c.endpoints = append(c.endpoints[:i], c.endpoints[i+1:]...)
			e.close()
			return
		}
	}
}

// SetEndpoints replaces the endpoint set. The new order is shuffled before
// the round-robin cursor starts over.
func (c *Connection) SetEndpoints(ctx context.Context, urls []string) {
	shuffled := make([]string, len(urls))
	copy(shuffled, urls)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	fresh := make([]*endpoint, len(shuffled))
	for i, url := range shuffled {
		fresh[i] = newEndpoint(c, url)
	}

	c.mu.Lock()
	old := c.endpoints
	c.endpoints = fresh
	c.cursor = 0
	c.mu.Unlock()

	for _, e := range old {
		e.close()
	}
	for _, e := range fresh {
		go e.run(ctx)
	}
}

// Endpoints returns the configured endpoint URLs in dispatch order.
func (c *Connection) Endpoints() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	urls := make([]string, len(c.endpoints))
	for i, e := range c.endpoints {
		urls[i] = e.url
	}
	return urls
}

// Close drops every endpoint and fails requests still in flight.
func (c *Connection) Close() {
	c.mu.Lock()
	old := c.endpoints
	c.endpoints = nil
	c.mu.Unlock()
	for _, e := range old {
		e.close()
	}
	c.pending.Range(func(key, value any) bool {
		c.pending.Delete(key)
		pr := value.(*pendingRequest)
		pr.stopTimer()
		pr.future.Complete(nil, rpc.NewError(rpc.CodeServer, "Worker connection closed."))
		return true
	})
}

// InvokeOption adjusts one invocation.
type InvokeOption func(*pendingRequest)

// InvokeTimeout overrides the connection's per-attempt timeout.
func InvokeTimeout(d time.Duration) InvokeOption {
	return func(pr *pendingRequest) {
		if d > 0 {
			pr.timeout = d
		}
	}
}

// InvokeRetries overrides the connection's retry count.
func InvokeRetries(n int) InvokeOption {
	return func(pr *pendingRequest) {
		if n >= 0 {
			pr.remaining = n
		}
	}
}

// Invoke dispatches method to the next worker endpoint and returns a future
// for the reply. A timed-out request is re-sent to the next endpoint until
// its retries run out, then fails with a timeout error. A fire-and-forget
// method completes the future with a nil result as soon as a worker
// acknowledges it.
func (c *Connection) Invoke(_ context.Context, method string, params map[string]any, opts ...InvokeOption) *async.Future {
	payload, err := c.wire.Encode(rpc.WorkerRequest{Method: method, Parameters: params})
	if err != nil {
		return async.Resolved(nil, fmt.Errorf("failed to encode worker request: %w", err))
	}

	pr := &pendingRequest{
		id:        uuid.New(),
		future:    async.NewFuture(),
		remaining: c.retries,
		timeout:   c.timeout,
	}
	for _, opt := range opts {
		opt(pr)
	}
	pr.frame = encodeFrame(pr.id, payload)

	c.pending.Store(pr.id, pr)
	c.dispatch(pr)
	return pr.future
}

// observe records a dispatch outcome when metrics are configured.
func (c *Connection) observe(outcome string) {
	if c.metrics != nil {
		c.metrics.ObserveWorkerInvocation(outcome)
	}
}

func (c *Connection) dispatch(pr *pendingRequest) {
	e := c.nextEndpoint()
	if e == nil {
		c.pending.Delete(pr.id)
		c.observe("error")
		pr.future.Complete(nil, rpc.NewError(rpc.CodeServer, "No worker endpoints configured."))
		return
	}
	pr.mu.Lock()
	pr.timer = time.AfterFunc(pr.timeout, func() { c.expire(pr) })
	pr.mu.Unlock()
	e.enqueue(pr.frame)
}

func (c *Connection) nextEndpoint() *endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.endpoints) == 0 {
		return nil
	}
	e := c.endpoints[c.cursor%len(c.endpoints)]
	c.cursor = (c.cursor + 1) % len(c.endpoints)
	return e
}

func (c *Connection) expire(pr *pendingRequest) {
	if pr.future.Completed() {
		return
	}
	pr.mu.Lock()
	retry := pr.remaining > 0
	if retry {
		pr.remaining--
	}
	pr.mu.Unlock()

	if retry {
		logger.Debugf("Worker request %s timed out, retrying on next endpoint", pr.id)
		c.observe("retry")
		c.dispatch(pr)
		return
	}
	c.pending.Delete(pr.id)
	c.observe("timeout")
	pr.future.Complete(nil, rpc.NewError(rpc.CodeTimeout, "Request timed out."))
}

// handleReply completes the pending request a reply frame belongs to.
// Replies for unknown ids, including those that lost a race with a timeout,
// are dropped.
func (c *Connection) handleReply(frame []byte) {
	id, payload, err := decodeFrame(frame)
	if err != nil {
		logger.Warnf("Discarding malformed worker reply: %v", err)
		return
	}
	value, ok := c.pending.LoadAndDelete(id)
	if !ok {
		logger.Debugf("Dropping late worker reply %s", id)
		return
	}
	pr := value.(*pendingRequest)
	pr.stopTimer()

	if len(payload) == 0 {
		c.observe("success")
		pr.future.Complete(nil, nil)
		return
	}
	var resp rpc.Response
	if err := c.wire.Decode(payload, &resp); err != nil {
		c.observe("error")
		pr.future.Complete(nil, fmt.Errorf("failed to decode worker reply: %w", err))
		return
	}
	if resp.Error != nil {
		c.observe("error")
		pr.future.Complete(nil, resp.Error)
		return
	}
	c.observe("success")
	pr.future.Complete(resp.Result, nil)
}

func (pr *pendingRequest) stopTimer() {
	pr.mu.Lock()
	if pr.timer != nil {
		pr.timer.Stop()
	}
	pr.mu.Unlock()
}
