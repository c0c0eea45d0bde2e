// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package async

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureCompleteOnce(t *testing.T) {
	t.Parallel()

	f := NewFuture()
	assert.False(t, f.Completed())

	assert.True(t, f.Complete("first", nil))
	assert.False(t, f.Complete("second", errors.New("late")))
	assert.True(t, f.Completed())

	v, err := f.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestFutureResultBlocksUntilComplete(t *testing.T) {
	t.Parallel()

	f := NewFuture()
	go func() {
		time.Sleep(10 * time.Millisecond)
		f.Complete(42, nil)
	}()

	v, err := f.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestFutureResultHonorsContext(t *testing.T) {
	t.Parallel()

	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Result(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFutureConcurrentCompleters(t *testing.T) {
	t.Parallel()

	f := NewFuture()
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if f.Complete(n, nil) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestResolved(t *testing.T) {
	t.Parallel()

	f := Resolved(nil, errors.New("bad"))
	assert.True(t, f.Completed())
	_, err := f.Result(context.Background())
	assert.EqualError(t, err, "bad")
}
