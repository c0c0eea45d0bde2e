// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetfw/rivet/pkg/registry"
	"github.com/rivetfw/rivet/pkg/rpc"
	"github.com/rivetfw/rivet/pkg/telemetry"
)

func TestFrameRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	frame := encodeFrame(id, []byte("payload"))

	gotID, payload, err := decodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, []byte("payload"), payload)

	gotID, payload, err = decodeFrame(encodeFrame(id, nil))
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Empty(t, payload)

	_, _, err = decodeFrame([]byte("short"))
	assert.Error(t, err)
}

func echoRegistry(t *testing.T, calls *atomic.Int32) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.MustRegister(&registry.Method{
		Name: "echo",
		Handler: func(_ context.Context, call *registry.Call) (any, error) {
			if calls != nil {
				calls.Add(1)
			}
			return call.Parameters["value"], nil
		},
	})
	return reg
}

func startWorker(t *testing.T, svc *Service) string {
	t.Helper()
	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/worker"
}

func TestInvokeRoundTrip(t *testing.T) {
	t.Parallel()

	svc := NewService(echoRegistry(t, nil))
	url := startWorker(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn := NewConnection()
	t.Cleanup(conn.Close)
	conn.AddEndpoint(ctx, url)

	f := conn.Invoke(ctx, "echo", map[string]any{"value": "hello"})
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	v, err := f.Result(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestInvokeUnknownMethod(t *testing.T) {
	t.Parallel()

	svc := NewService(echoRegistry(t, nil))
	url := startWorker(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn := NewConnection()
	t.Cleanup(conn.Close)
	conn.AddEndpoint(ctx, url)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	_, err := conn.Invoke(ctx, "nope", nil).Result(waitCtx)

	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.CodeInvalidMethod, rpcErr.Code)
	assert.EqualError(t, err, "Cannot call 'nope'.")
}

func TestInvokeMissingParameters(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	reg.MustRegister(&registry.Method{
		Name:     "needy",
		Requires: []string{"value"},
		Handler: func(context.Context, *registry.Call) (any, error) {
			return nil, nil
		},
	})
	svc := NewService(reg)
	url := startWorker(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn := NewConnection()
	t.Cleanup(conn.Close)
	conn.AddEndpoint(ctx, url)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	_, err := conn.Invoke(ctx, "needy", nil).Result(waitCtx)

	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.CodeMissingParams, rpcErr.Code)
}

func TestInvokeAsynchronousAcks(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{})
	reg := registry.New()
	reg.MustRegister(&registry.Method{
		Name:         "background",
		Asynchronous: true,
		Handler: func(context.Context, *registry.Call) (any, error) {
			close(ran)
			return nil, nil
		},
	})
	svc := NewService(reg)
	url := startWorker(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn := NewConnection()
	t.Cleanup(conn.Close)
	conn.AddEndpoint(ctx, url)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	v, err := conn.Invoke(ctx, "background", nil).Result(waitCtx)
	require.NoError(t, err)
	assert.Nil(t, v)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("asynchronous handler never ran")
	}
}

func TestInvokeTimesOut(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn := NewConnection()
	t.Cleanup(conn.Close)
	// An endpoint that will never connect.
	conn.AddEndpoint(ctx, "ws://127.0.0.1:1/worker")

	f := conn.Invoke(ctx, "echo", nil, InvokeTimeout(50*time.Millisecond), InvokeRetries(0))
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	_, err := f.Result(waitCtx)

	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.CodeTimeout, rpcErr.Code)
	assert.EqualError(t, err, "Request timed out.")
}

func TestInvokeRetriesNextEndpoint(t *testing.T) {
	t.Parallel()

	svc := NewService(echoRegistry(t, nil))
	live := startWorker(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn := NewConnection()
	t.Cleanup(conn.Close)
	conn.SetEndpoints(ctx, []string{"ws://127.0.0.1:1/worker", live})

	// Whichever endpoint the shuffled cursor starts on, one retry reaches
	// the live worker.
	f := conn.Invoke(ctx, "echo", map[string]any{"value": "retry"},
		InvokeTimeout(200*time.Millisecond), InvokeRetries(1))
	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	v, err := f.Result(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, "retry", v)
}

func TestInvokeRoundRobinDistribution(t *testing.T) {
	t.Parallel()

	var a, b atomic.Int32
	urlA := startWorker(t, NewService(echoRegistry(t, &a)))
	urlB := startWorker(t, NewService(echoRegistry(t, &b)))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn := NewConnection()
	t.Cleanup(conn.Close)
	conn.SetEndpoints(ctx, []string{urlA, urlB})

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	for i := 0; i < 10; i++ {
		_, err := conn.Invoke(ctx, "echo", map[string]any{"value": i}).Result(waitCtx)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(5), a.Load())
	assert.Equal(t, int32(5), b.Load())
}

func TestLateReplyIsDropped(t *testing.T) {
	t.Parallel()

	conn := NewConnection()
	// A reply for a request nobody is waiting on must be ignored.
	payload, err := conn.wire.Encode(rpc.ResultResponse("stale"))
	require.NoError(t, err)
	conn.handleReply(encodeFrame(uuid.New(), payload))
	conn.handleReply([]byte("bogus"))
}

func TestControlChannel(t *testing.T) {
	t.Parallel()

	svc := NewService(echoRegistry(t, nil))
	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/control/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Status  string   `json:"status"`
		Methods []string `json:"methods"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "idle", status.Status)
	assert.Equal(t, []string{"echo"}, status.Methods)

	post, err := http.Post(srv.URL+"/control/shutdown", "", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusAccepted, post.StatusCode)

	select {
	case <-svc.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("shutdown signal never fired")
	}
}

func TestHTTPTransportRoundTrip(t *testing.T) {
	t.Parallel()

	svc := NewService(echoRegistry(t, nil))
	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)

	v, err := HTTPInvoke(context.Background(), srv.Client(), srv.URL+"/invoke",
		"echo", map[string]any{"value": "over http"}, svc.wire)
	require.NoError(t, err)
	assert.Equal(t, "over http", v)

	_, err = HTTPInvoke(context.Background(), srv.Client(), srv.URL+"/invoke",
		"nope", nil, svc.wire)
	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.CodeInvalidMethod, rpcErr.Code)
}

func TestHTTPTransportAsynchronousAck(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{})
	reg := registry.New()
	reg.MustRegister(&registry.Method{
		Name:         "background",
		Asynchronous: true,
		Handler: func(context.Context, *registry.Call) (any, error) {
			close(ran)
			return nil, nil
		},
	})
	svc := NewService(reg)
	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)

	v, err := HTTPInvoke(context.Background(), srv.Client(), srv.URL+"/invoke",
		"background", nil, svc.wire)
	require.NoError(t, err)
	assert.Nil(t, v)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("asynchronous handler never ran")
	}
}

func TestConnectionRecordsInvocationOutcomes(t *testing.T) {
	t.Parallel()

	svc := NewService(echoRegistry(t, nil))
	url := startWorker(t, svc)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	metrics := telemetry.NewMetrics()
	conn := NewConnection(WithMetrics(metrics))
	t.Cleanup(conn.Close)
	conn.AddEndpoint(ctx, url)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	_, err := conn.Invoke(ctx, "echo", map[string]any{"value": "hi"}).Result(waitCtx)
	require.NoError(t, err)

	dead := NewConnection(WithMetrics(metrics))
	t.Cleanup(dead.Close)
	dead.AddEndpoint(ctx, "ws://127.0.0.1:1/worker")
	_, err = dead.Invoke(ctx, "echo", nil, InvokeTimeout(50*time.Millisecond), InvokeRetries(1)).Result(waitCtx)
	require.Error(t, err)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	text := rec.Body.String()
	assert.Contains(t, text, `rivet_worker_invocations_total{outcome="success"} 1`)
	assert.Contains(t, text, `rivet_worker_invocations_total{outcome="retry"} 1`)
	assert.Contains(t, text, `rivet_worker_invocations_total{outcome="timeout"} 1`)
}

func TestFirstRepliesComeFromDistinctWorkers(t *testing.T) {
	t.Parallel()

	names := make([]string, 3)
	urls := make([]string, 3)
	for i := range urls {
		name := string(rune('a' + i))
		reg := registry.New()
		reg.MustRegister(&registry.Method{
			Name: "return_pid",
			Handler: func(context.Context, *registry.Call) (any, error) {
				return name, nil
			},
		})
		names[i] = name
		urls[i] = startWorker(t, NewService(reg))
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	conn := NewConnection()
	t.Cleanup(conn.Close)
	conn.SetEndpoints(ctx, urls)

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		v, err := conn.Invoke(ctx, "return_pid", nil).Result(waitCtx)
		require.NoError(t, err)
		seen[v.(string)] = true
	}
	assert.Len(t, seen, 3, "three sequential calls should land on three distinct workers")
}
