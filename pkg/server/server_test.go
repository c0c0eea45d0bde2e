// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetfw/rivet/pkg/methods/account"
	"github.com/rivetfw/rivet/pkg/registry"
	"github.com/rivetfw/rivet/pkg/rpc"
	"github.com/rivetfw/rivet/pkg/session"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	account.MustRegister(reg)
	reg.MustRegister(
		&registry.Method{
			Name:          "verify_session",
			Authenticated: true,
			Handler: func(_ context.Context, call *registry.Call) (any, error) {
				return map[string]any{"user_id": call.Session.UserID}, nil
			},
		},
		&registry.Method{
			Name:          "increment",
			Authenticated: true,
			Handler: func(ctx context.Context, call *registry.Call) (any, error) {
				n := 0
				switch v := call.Session.Get("count").(type) {
				case int:
					n = v
				case float64:
					n = int(v)
				}
				n++
				call.Session.Set("count", n)
				if err := call.Store.SaveSession(ctx, call.Session); err != nil {
					return nil, err
				}
				return map[string]any{"count": n}, nil
			},
		},
		&registry.Method{
			Name: "return_value",
			Handler: func(_ context.Context, call *registry.Call) (any, error) {
				return map[string]any{"parameters": call.Parameters}, nil
			},
		},
		&registry.Method{
			Name:             "whoami",
			AnonymousSession: true,
			Handler: func(_ context.Context, call *registry.Call) (any, error) {
				return map[string]any{"anonymous": call.Session.Anonymous()}, nil
			},
		},
		&registry.Method{
			Name:         "notify",
			Asynchronous: true,
			Handler: func(_ context.Context, call *registry.Call) (any, error) {
				go func() {
					time.Sleep(10 * time.Millisecond)
					call.RespondResult("deferred")
				}()
				return nil, nil
			},
		},
		&registry.Method{
			Name:        "render",
			RawResponse: true,
			Handler: func(context.Context, *registry.Call) (any, error) {
				return &rpc.RawResponse{ContentType: "text/html", Body: []byte("<h1>ok</h1>")}, nil
			},
		},
		&registry.Method{
			Name:       "widget",
			JSONPParam: "callback",
			Handler: func(context.Context, *registry.Call) (any, error) {
				return map[string]any{"ok": true}, nil
			},
		},
		&registry.Method{
			Name:          "gated",
			ErrorRedirect: map[int]string{rpc.CodeNotAuthorized: "/login", 0: "/error"},
			Authenticated: true,
			Handler: func(context.Context, *registry.Call) (any, error) {
				return "secret", nil
			},
		},
	)
	return reg
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, session.Store) {
	t.Helper()
	store := session.NewMemoryStore(session.DefaultConfig(), nil)
	srv := httptest.NewServer(New(testRegistry(t), store, opts...).Router())
	t.Cleanup(srv.Close)
	return srv, store
}

type rpcResult struct {
	body    map[string]any
	headers http.Header
	status  int
}

func post(t *testing.T, srv *httptest.Server, path string, envelope map[string]any, headers map[string]string) rpcResult {
	t.Helper()
	payload, err := json.Marshal(envelope)
	require.NoError(t, err)
	return postRaw(t, srv, path, payload, headers)
}

func postRaw(t *testing.T, srv *httptest.Server, path string, payload []byte, headers map[string]string) rpcResult {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body), "body: %s", raw)
	return rpcResult{body: body, headers: resp.Header, status: resp.StatusCode}
}

func (r rpcResult) result(t *testing.T) map[string]any {
	t.Helper()
	m, ok := r.body["result"].(map[string]any)
	require.True(t, ok, "expected result object, body: %v", r.body)
	return m
}

func (r rpcResult) sessionID(t *testing.T) string {
	t.Helper()
	sess, ok := r.body["session"].(map[string]any)
	require.True(t, ok, "expected session in body: %v", r.body)
	id, _ := sess["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func (r rpcResult) errorCode(t *testing.T) (int, string) {
	t.Helper()
	e, ok := r.body["error"].(map[string]any)
	require.True(t, ok, "expected error in body: %v", r.body)
	code, _ := e["code"].(float64)
	value, _ := e["value"].(string)
	return int(code), value
}

func TestCreateLoginIncrement(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	created := post(t, srv, "/", map[string]any{
		"method":     "account.create",
		"parameters": map[string]any{"user_id": "u-3f9a", "password": "pw"},
	}, nil)
	assert.Equal(t, "u-3f9a", created.result(t)["user_id"])
	createdSession := created.sessionID(t)

	verified := post(t, srv, "/", map[string]any{
		"method": "verify_session", "parameters": map[string]any{},
	}, map[string]string{HeaderSessionID: createdSession})
	assert.Equal(t, "u-3f9a", verified.result(t)["user_id"])

	loggedIn := post(t, srv, "/", map[string]any{
		"method":     "account.login",
		"parameters": map[string]any{"user_id": "u-3f9a", "password": "pw"},
	}, nil)
	loginSession := loggedIn.sessionID(t)
	assert.NotEqual(t, createdSession, loginSession)

	for want := 1; want <= 3; want++ {
		r := post(t, srv, "/", map[string]any{"method": "increment"}, map[string]string{HeaderSessionID: loginSession})
		assert.Equal(t, float64(want), r.result(t)["count"])
	}
}

func TestBadLogin(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	r := post(t, srv, "/", map[string]any{
		"method":     "account.login",
		"parameters": map[string]any{"user_id": "nope", "password": "x"},
	}, nil)
	code, value := r.errorCode(t)
	assert.Equal(t, 1005, code)
	assert.Equal(t, "Invalid user ID or password", value)
}

func TestMissingMethod(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	r := post(t, srv, "/", map[string]any{"parameters": map[string]any{"a": 1}}, nil)
	code, value := r.errorCode(t)
	assert.Equal(t, 1002, code)
	assert.Equal(t, "Missing method.", value)
}

func TestBadMethodPath(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	r := post(t, srv, "/", map[string]any{"method": "bad_method.test", "parameters": map[string]any{}}, nil)
	code, value := r.errorCode(t)
	assert.Equal(t, 1001, code)
	assert.Equal(t, "Cannot call 'bad_method.test'.", value)
}

func TestBatch(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	r := post(t, srv, "/", map[string]any{
		"batch": map[string]any{
			"k1": map[string]any{"method": "return_value", "parameters": map[string]any{"arg": "k1"}},
			"k2": map[string]any{"method": "return_value", "parameters": map[string]any{"arg": "k2"}},
		},
	}, nil)

	batch, ok := r.body["batch"].(map[string]any)
	require.True(t, ok, "expected batch in body: %v", r.body)
	for _, key := range []string{"k1", "k2"} {
		item, ok := batch[key].(map[string]any)
		require.True(t, ok)
		result, ok := item["result"].(map[string]any)
		require.True(t, ok)
		params, ok := result["parameters"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, key, params["arg"])
	}
}

func TestBatchMixedErrors(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	r := post(t, srv, "/", map[string]any{
		"batch": map[string]any{
			"good": map[string]any{"method": "return_value", "parameters": map[string]any{"arg": "ok"}},
			"bad":  map[string]any{"method": "bad_method.test"},
		},
	}, nil)

	batch := r.body["batch"].(map[string]any)
	good := batch["good"].(map[string]any)
	assert.Contains(t, good, "result")
	bad := batch["bad"].(map[string]any)
	e := bad["error"].(map[string]any)
	assert.Equal(t, float64(1001), e["code"])
}

func TestBatchConcurrentSessionMutation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	created := post(t, srv, "/", map[string]any{
		"method":     "account.create",
		"parameters": map[string]any{"user_id": "batcher", "password": "pw"},
	}, nil)
	sid := created.sessionID(t)

	// Every item mutates the same session's state; items must not share a
	// mutable session value while running concurrently.
	items := make(map[string]any, 64)
	for i := 0; i < 64; i++ {
		items[fmt.Sprintf("k%d", i)] = map[string]any{"method": "increment"}
	}
	r := post(t, srv, "/", map[string]any{"batch": items}, map[string]string{HeaderSessionID: sid})

	batch, ok := r.body["batch"].(map[string]any)
	require.True(t, ok, "expected batch in body: %v", r.body)
	require.Len(t, batch, 64)
	for key, raw := range batch {
		item, ok := raw.(map[string]any)
		require.True(t, ok)
		require.NotContains(t, item, "error", "item %s failed: %v", key, item)
		result, ok := item["result"].(map[string]any)
		require.True(t, ok, "item %s: %v", key, item)
		count, ok := result["count"].(float64)
		require.True(t, ok, "item %s: %v", key, result)
		assert.GreaterOrEqual(t, count, float64(1))
	}
}

func TestRequestHMAC(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	created := post(t, srv, "/", map[string]any{
		"method":     "account.create",
		"parameters": map[string]any{"user_id": "alice", "password": "pw"},
	}, nil)
	sid := created.sessionID(t)

	payload, err := json.Marshal(map[string]any{"method": "verify_session"})
	require.NoError(t, err)
	signature := ComputeHMAC("alice", payload)

	ok := postRaw(t, srv, "/", payload, map[string]string{
		HeaderSessionID: sid,
		HeaderHMAC:      signature,
	})
	assert.Equal(t, "alice", ok.result(t)["user_id"])
	// The response body is signed too.
	assert.NotEmpty(t, ok.headers.Get(HeaderHMAC))

	// Mutate one body byte while keeping the signature.
	mutated := bytes.Replace(payload, []byte("verify"), []byte("Verify"), 1)
	bad := postRaw(t, srv, "/", mutated, map[string]string{
		HeaderSessionID: sid,
		HeaderHMAC:      signature,
	})
	code, value := bad.errorCode(t)
	assert.Equal(t, 1008, code)
	assert.Equal(t, "Invalid HMAC.", value)
}

func TestNotAuthorized(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	r := post(t, srv, "/", map[string]any{"method": "verify_session"}, nil)
	code, value := r.errorCode(t)
	assert.Equal(t, 1004, code)
	assert.Equal(t, "Not authorized", value)

	// An expired or unknown session id does not fall back to anonymous.
	r = post(t, srv, "/", map[string]any{"method": "verify_session"},
		map[string]string{HeaderSessionID: session.NewSessionID()})
	code, _ = r.errorCode(t)
	assert.Equal(t, 1004, code)
}

func TestAnonymousSessionPolicy(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	r := post(t, srv, "/", map[string]any{"method": "whoami"}, nil)
	assert.Equal(t, true, r.result(t)["anonymous"])
	sid := r.sessionID(t)

	// The minted session is usable on the next request.
	again := post(t, srv, "/", map[string]any{"method": "whoami"}, map[string]string{HeaderSessionID: sid})
	assert.Equal(t, true, again.result(t)["anonymous"])
}

func TestURLMethodSelection(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	r := post(t, srv, "/account/login", map[string]any{
		"parameters": map[string]any{"user_id": "ghost", "password": "x"},
	}, nil)
	code, _ := r.errorCode(t)
	assert.Equal(t, 1005, code)
}

func TestGETQueryParameters(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/return_value?arg=hello&multi=a&multi=b")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	params := body["result"].(map[string]any)["parameters"].(map[string]any)
	assert.Equal(t, "hello", params["arg"])
	assert.Equal(t, []any{"a", "b"}, params["multi"])
}

func TestFormEncodedRequest(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	form := url.Values{"user_id": {"ghost"}, "password": {"x"}}
	resp, err := srv.Client().Post(srv.URL+"/account/login",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	e := body["error"].(map[string]any)
	assert.Equal(t, float64(1005), e["code"])
}

func TestAsynchronousMethod(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	r := post(t, srv, "/", map[string]any{"method": "notify"}, nil)
	assert.Equal(t, "deferred", r.body["result"])
}

func TestRawResponse(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/render")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "<h1>ok</h1>", string(body))
}

func TestJSONPCallback(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	resp, err := srv.Client().Get(srv.URL + "/widget?callback=cb")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/javascript", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "cb("))
	assert.True(t, strings.HasSuffix(string(body), ")"))
}

func TestErrorRedirect(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(srv.URL + "/gated")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))
}

func TestOptionsPreflight(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, WithAllowedHeaders("x-custom"))

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	allowed := resp.Header.Get("Access-Control-Allow-Headers")
	assert.Contains(t, allowed, HeaderSessionID)
	assert.Contains(t, allowed, HeaderHMAC)
	assert.Contains(t, allowed, "x-custom")

	// Preflight for a verb the pipeline never serves.
	req, err = http.NewRequest(http.MethodOptions, srv.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Access-Control-Request-Method", "DELETE")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSessionCookieMode(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, WithSessionCookie("rivet_session"))
	created := post(t, srv, "/", map[string]any{
		"method":     "account.create",
		"parameters": map[string]any{"user_id": "alice", "password": "pw"},
	}, nil)
	sid := created.sessionID(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/verify_session", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "rivet_session", Value: sid})
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	result := body["result"].(map[string]any)
	assert.Equal(t, "alice", result["user_id"])
}
