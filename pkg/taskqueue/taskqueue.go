// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskqueue provides named, bounded worker pools for background
// work. Workers are started on demand, up to each queue's limit, and exit
// after sitting idle; a queue that stops receiving work costs nothing.
package taskqueue

import (
	"fmt"
	"sync"
	"time"

	"github.com/rivetfw/rivet/pkg/async"
	"github.com/rivetfw/rivet/pkg/logger"
)

const (
	// DefaultMaxWorkers is the worker limit for queues that do not set one.
	DefaultMaxWorkers = 1
	// DefaultIdleTimeout is how long a worker waits for more work before
	// exiting.
	DefaultIdleTimeout = time.Minute
)

// Queue runs submitted tasks on a bounded pool of goroutines. Submission
// never blocks; tasks queue without limit and run in submission order when
// the pool is saturated.
type Queue struct {
	name        string
	maxWorkers  int
	idleTimeout time.Duration

	mu      sync.Mutex
	pending []func()
	idle    []chan func()
	workers int
}

// Option adjusts queue construction.
type Option func(*Queue)

// WithMaxWorkers caps the number of concurrent workers.
func WithMaxWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxWorkers = n
		}
	}
}

// WithIdleTimeout sets how long an idle worker lingers before exiting.
func WithIdleTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.idleTimeout = d
		}
	}
}

// New returns an empty queue.
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:        name,
		maxWorkers:  DefaultMaxWorkers,
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Add submits a task. It never blocks.
func (q *Queue) Add(task func()) {
	q.mu.Lock()
	if n := len(q.idle); n > 0 {
		ch := q.idle[n-1]
		q.idle = q.idle[:n-1]
		q.mu.Unlock()
		ch <- task
		return
	}
	if q.workers < q.maxWorkers {
		q.workers++
		q.mu.Unlock()
		go q.work(task)
		return
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()
}

// Await submits fn and returns a future completed with its result. A panic
// in fn completes the future with an error instead of killing the worker.
func (q *Queue) Await(fn func() (any, error)) *async.Future {
	f := async.NewFuture()
	q.Add(func() {
		defer func() {
			if r := recover(); r != nil {
				f.Complete(nil, fmt.Errorf("task panicked: %v", r))
			}
		}()
		f.Complete(fn())
	})
	return f
}

// Len returns the number of tasks waiting for a worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Workers returns the current pool size, idle workers included.
func (q *Queue) Workers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workers
}

func (q *Queue) work(task func()) {
	// Buffered so a hand-off racing our idle timeout never blocks Add.
	ch := make(chan func(), 1)
	for {
		q.run(task)

		q.mu.Lock()
		if len(q.pending) > 0 {
			task = q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			continue
		}
		q.idle = append(q.idle, ch)
		q.mu.Unlock()

		timer := time.NewTimer(q.idleTimeout)
		select {
		case task = <-ch:
			timer.Stop()
		case <-timer.C:
			q.mu.Lock()
			if !q.removeIdle(ch) {
				// Add already claimed us; the task is in flight on ch.
				q.mu.Unlock()
				task = <-ch
				continue
			}
			q.workers--
			q.mu.Unlock()
			return
		}
	}
}

func (q *Queue) removeIdle(ch chan func()) bool {
	for i, c := range q.idle {
		if c == ch {
			q.idle = append(q.idle[:i], q.idle[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("task queue %q: task panicked: %v", q.name, r)
		}
	}()
	task()
}

var (
	instanceMu sync.Mutex
	instances  = make(map[string]*Queue)
)

// Instance returns the shared queue registered under name, creating it with
// opts on first use. Later calls ignore opts.
func Instance(name string, opts ...Option) *Queue {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	q, ok := instances[name]
	if !ok {
		q = New(name, opts...)
		instances[name] = q
	}
	return q
}

// InstancePool serializes access to a fixed set of shared resources (client
// connections, handles) behind a queue whose worker limit matches the pool
// size. Each task checks out one instance for its duration.
type InstancePool struct {
	queue *Queue
	pool  chan any
}

// NewInstancePool returns a pool over the given instances.
func NewInstancePool(name string, pool []any, opts ...Option) *InstancePool {
	ch := make(chan any, len(pool))
	for _, inst := range pool {
		ch <- inst
	}
	opts = append([]Option{WithMaxWorkers(len(pool))}, opts...)
	return &InstancePool{
		queue: New(name, opts...),
		pool:  ch,
	}
}

// Transaction submits fn to run with exclusive use of one pooled instance.
func (p *InstancePool) Transaction(fn func(instance any)) {
	p.queue.Add(func() {
		inst := <-p.pool
		defer func() { p.pool <- inst }()
		fn(inst)
	})
}

// AwaitTransaction is Transaction with a future for the result.
func (p *InstancePool) AwaitTransaction(fn func(instance any) (any, error)) *async.Future {
	return p.queue.Await(func() (any, error) {
		inst := <-p.pool
		defer func() { p.pool <- inst }()
		return fn(inst)
	})
}
