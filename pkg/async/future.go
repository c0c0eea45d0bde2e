// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package async provides a minimal single-assignment future. Futures are the
// hand-off point between the request pipeline, the task queue, and the
// worker fabric: producers complete them from arbitrary goroutines and
// consumers await them with a context.
package async

import (
	"context"
	"sync"
)

// Future carries one eventual (value, error) pair. It may be completed at
// most once; later completions are ignored, which lets the worker fabric
// drop replies that race a timeout.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewFuture returns an incomplete future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete fulfills the future. The first call wins; subsequent calls are
// no-ops and report false.
func (f *Future) Complete(value any, err error) bool {
	won := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Completed reports whether the future has been fulfilled.
func (f *Future) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on completion.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future completes or ctx is canceled.
func (f *Future) Result(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolved returns an already-completed future. Useful for methods that can
// answer synchronously behind a future-returning interface.
func Resolved(value any, err error) *Future {
	f := NewFuture()
	f.Complete(value, err)
	return f
}
