// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rivetfw/rivet/pkg/async"
	"github.com/rivetfw/rivet/pkg/codec"
	"github.com/rivetfw/rivet/pkg/logger"
	"github.com/rivetfw/rivet/pkg/registry"
	"github.com/rivetfw/rivet/pkg/rpc"
	"github.com/rivetfw/rivet/pkg/session"
)

const maxRequestBody = 10 << 20

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		done := s.metrics.RequestStarted()
		defer done()
	}
	s.setCORSHeaders(w)

	env, serde, rawBody, err := s.parseRequest(r)
	if err != nil {
		s.writeResponse(w, serde, rpc.ErrorResponse(err), nil, nil, "")
		return
	}

	sess, err := s.loadSession(r)
	if err != nil {
		s.writeResponse(w, serde, rpc.ErrorResponse(err), nil, nil, "")
		return
	}
	if err := s.verifyRequestHMAC(r, sess, rawBody); err != nil {
		s.writeResponse(w, serde, rpc.ErrorResponse(err), nil, nil, "")
		return
	}

	start := time.Now()
	resp, finalSess, method := s.process(r.Context(), env, sess)
	if resp == nil {
		// The connection went away while an asynchronous method held the
		// request open; there is nobody left to answer.
		return
	}
	if s.metrics != nil && method != nil {
		code := 0
		if resp.Error != nil {
			code = resp.Error.Code
		}
		s.metrics.ObserveMethod(method.Name, code, time.Since(start))
	}

	callback := ""
	if method != nil && method.JSONPParam != "" {
		callback, _ = env.Parameters[method.JSONPParam].(string)
	}
	s.writeResponse(w, serde, resp, finalSess, method, callback)
}

// parseRequest builds the envelope from the URL, query string, and body.
// The raw body is returned for HMAC verification.
func (s *Server) parseRequest(r *http.Request) (*rpc.Envelope, codec.Serializer, []byte, error) {
	env := &rpc.Envelope{}
	serde := codec.Serializer(codec.JSON{})

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return env, serde, nil, rpc.NewError(rpc.CodeServer, "Could not read request body.")
	}

	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case contentType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(rawBody))
		if err != nil {
			return env, serde, rawBody, rpc.NewError(rpc.CodeServer, "Could not parse request body.")
		}
		env.Parameters = flattenValues(values)
	case contentType == "multipart/form-data":
		r.Body = io.NopCloser(bytes.NewReader(rawBody))
		if err := r.ParseMultipartForm(maxRequestBody); err != nil {
			return env, serde, rawBody, rpc.NewError(rpc.CodeServer, "Could not parse request body.")
		}
		env.Parameters = flattenValues(url.Values(r.MultipartForm.Value))
	case len(rawBody) > 0:
		if sd := codec.SerializerFor(contentType); sd != nil {
			serde = sd
		}
		if err := serde.Unmarshal(rawBody, env); err != nil {
			return env, serde, rawBody, rpc.NewError(rpc.CodeServer, "Could not parse request body.")
		}
	}

	// URL method selection: /a/b/c names a.b.c and overrides any body
	// method field.
	if path := strings.Trim(r.URL.Path, "/"); path != "" {
		env.Method = strings.ReplaceAll(path, "/", ".")
	}

	if query := r.URL.Query(); len(query) > 0 {
		if env.Parameters == nil {
			env.Parameters = make(map[string]any)
		}
		for k, v := range flattenValues(query) {
			env.Parameters[k] = v
		}
	}
	return env, serde, rawBody, nil
}

// flattenValues collapses single-element form values to scalar strings.
func flattenValues(values url.Values) map[string]any {
	params := make(map[string]any, len(values))
	for k, vs := range values {
		if len(vs) == 1 {
			params[k] = vs[0]
		} else {
			list := make([]any, len(vs))
			for i, v := range vs {
				list[i] = v
			}
			params[k] = list
		}
	}
	return params
}

// loadSession resolves the request's session from the session header or the
// configured cookie. A missing or expired session id yields nil; the method
// policy decides whether that is an error.
func (s *Server) loadSession(r *http.Request) (*session.Session, error) {
	sid := r.Header.Get(HeaderSessionID)
	if sid == "" && s.cookieName != "" {
		if cookie, err := r.Cookie(s.cookieName); err == nil {
			sid = cookie.Value
		}
	}
	if sid == "" {
		return nil, nil
	}
	return s.store.RetrieveSession(r.Context(), sid)
}

func (s *Server) verifyRequestHMAC(r *http.Request, sess *session.Session, body []byte) error {
	if !s.hmacEnabled || sess == nil {
		return nil
	}
	signature := r.Header.Get(HeaderHMAC)
	if signature == "" {
		return nil
	}
	if !verifyHMAC(s.hmacKey(sess), body, signature) {
		return rpc.NewError(rpc.CodeInvalidHMAC, "Invalid HMAC.")
	}
	return nil
}

func (s *Server) hmacKey(sess *session.Session) string {
	if s.useSessionKey && sess.Key != "" {
		return sess.Key
	}
	return sess.UserID
}

// process runs one envelope, batch or single, and returns the response, the
// session to report to the client, and the invoked method (nil for batch).
// A nil response means the request context was canceled mid-flight.
func (s *Server) process(ctx context.Context, env *rpc.Envelope, sess *session.Session) (*rpc.Response, *session.Session, *registry.Method) {
	if len(env.Batch) > 0 {
		resp, finalSess := s.processBatch(ctx, env.Batch, sess)
		return resp, finalSess, nil
	}
	resp, finalSess, m := s.processOne(ctx, env, sess)
	return resp, finalSess, m
}

// processBatch fans batch items out concurrently and collects every key's
// response. Items complete in no particular order; the outer response is
// written when the last one answers. Each item runs against its own session
// clone; state written by concurrent items merges through SaveSession.
func (s *Server) processBatch(ctx context.Context, batch map[string]*rpc.Envelope, sess *session.Session) (*rpc.Response, *session.Session) {
	var mu sync.Mutex
	results := make(map[string]*rpc.Response, len(batch))
	finalSess := sess

	var wg sync.WaitGroup
	for key, sub := range batch {
		wg.Add(1)
		go func(key string, sub *rpc.Envelope) {
			defer wg.Done()
			itemSess := sess.Clone()
			resp, subSess, _ := s.processOne(ctx, sub, itemSess)
			if resp == nil {
				resp = rpc.ErrorResponse(rpc.NewError(rpc.CodeServer, "Request canceled."))
			}
			mu.Lock()
			results[key] = resp
			if subSess != nil && subSess != itemSess {
				finalSess = subSess
			}
			mu.Unlock()
		}(key, sub)
	}
	wg.Wait()
	return &rpc.Response{Batch: results}, finalSess
}

func (s *Server) processOne(ctx context.Context, env *rpc.Envelope, sess *session.Session) (*rpc.Response, *session.Session, *registry.Method) {
	if env.Method == "" {
		return rpc.ErrorResponse(rpc.NewError(rpc.CodeMissingMethod, "Missing method.")), sess, nil
	}
	m, ok := s.registry.Lookup(env.Method)
	if !ok {
		return rpc.ErrorResponse(rpc.NewError(rpc.CodeInvalidMethod, "Cannot call '%s'.", env.Method)), sess, nil
	}

	params := env.Parameters
	if params == nil {
		params = make(map[string]any)
	}

	sess, err := s.applySessionPolicy(ctx, m, params, sess)
	if err != nil {
		return rpc.ErrorResponse(err), sess, m
	}
	if err := m.CheckParameters(params); err != nil {
		return rpc.ErrorResponse(err), sess, m
	}

	resp, finalSess := s.invoke(ctx, m, params, sess)
	return resp, finalSess, m
}

// applySessionPolicy enforces the method's session tags. An unknown or
// expired session id never falls back to anonymous silently; methods that
// require authentication fail instead.
func (s *Server) applySessionPolicy(ctx context.Context, m *registry.Method, params map[string]any, sess *session.Session) (*session.Session, error) {
	switch {
	case m.Authenticated:
		if sess == nil || sess.Anonymous() {
			return sess, rpc.NewError(rpc.CodeNotAuthorized, "Not authorized")
		}
	case m.AuthenticatedWithParameters:
		userID, _ := params["user_id"].(string)
		password, _ := params["password"].(string)
		if err := s.store.VerifyCredentials(ctx, userID, password); err != nil {
			return sess, err
		}
	case m.AnonymousSession:
		if sess == nil {
			anon, err := s.store.CreateSession(ctx, "", "")
			if err != nil {
				return sess, err
			}
			sess = anon
		}
	}
	return sess, nil
}

// invoke runs the handler and resolves its response contract: a direct
// value, a future to await, or a deferred respond() for asynchronous
// methods.
func (s *Server) invoke(ctx context.Context, m *registry.Method, params map[string]any, sess *session.Session) (*rpc.Response, *session.Session) {
	deferred := async.NewFuture()
	call := registry.NewCall(m.Name, params, sess, s.store, func(resp *rpc.Response) {
		deferred.Complete(resp, nil)
	})

	result, err := s.safeInvoke(ctx, m, call)
	if err != nil {
		return rpc.ErrorResponse(err), call.Session
	}

	if m.Asynchronous {
		value, err := deferred.Result(ctx)
		if err != nil {
			// Connection closed while the method held the request open.
			return nil, call.Session
		}
		return value.(*rpc.Response), call.Session
	}

	if f, ok := result.(*async.Future); ok {
		value, err := f.Result(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, call.Session
			}
			return rpc.ErrorResponse(err), call.Session
		}
		result = value
	}
	return rpc.ResultResponse(result), call.Session
}

// safeInvoke converts handler panics into server errors.
func (s *Server) safeInvoke(ctx context.Context, m *registry.Method, call *registry.Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Method %s panicked: %v", m.Name, r)
			err = rpc.NewError(rpc.CodeServer, "%v", r)
		}
	}()
	return m.Handler(ctx, call)
}

func (s *Server) writeResponse(w http.ResponseWriter, serde codec.Serializer, resp *rpc.Response, sess *session.Session, m *registry.Method, callback string) {
	if m != nil && resp.Error != nil && len(m.ErrorRedirect) > 0 {
		target, ok := m.ErrorRedirect[resp.Error.Code]
		if !ok {
			target, ok = m.ErrorRedirect[0]
		}
		if ok {
			w.Header().Set("Location", target)
			w.WriteHeader(http.StatusFound)
			return
		}
	}

	if m != nil && m.RawResponse && resp.Error == nil {
		if raw, ok := resp.Result.(*rpc.RawResponse); ok {
			contentType := raw.ContentType
			if contentType == "" {
				contentType = serde.MIME()
			}
			w.Header().Set("Content-Type", contentType)
			if raw.StatusCode != 0 {
				w.WriteHeader(raw.StatusCode)
			}
			if _, err := w.Write(raw.Body); err != nil {
				logger.Debugf("Failed to write raw response: %v", err)
			}
			return
		}
	}

	if sess != nil {
		resp.Session = &rpc.SessionInfo{
			SessionID: sess.ID,
			Expires:   sess.Expires,
			UserID:    sess.UserID,
		}
		if s.cookieName != "" {
			http.SetCookie(w, &http.Cookie{
				Name:     s.cookieName,
				Value:    sess.ID,
				Path:     "/",
				Expires:  time.Unix(sess.Expires, 0),
				HttpOnly: true,
			})
		}
	}

	body, err := serde.Marshal(resp)
	if err != nil {
		logger.Errorf("Failed to serialize response: %v", err)
		body, _ = codec.JSON{}.Marshal(rpc.ErrorResponse(rpc.NewError(rpc.CodeServer, "Could not serialize response.")))
		serde = codec.JSON{}
	}

	if s.hmacEnabled && sess != nil && !sess.Anonymous() {
		w.Header().Set(HeaderHMAC, ComputeHMAC(s.hmacKey(sess), body))
	}

	if callback != "" {
		w.Header().Set("Content-Type", "application/javascript")
		body = []byte(fmt.Sprintf("%s(%s)", callback, body))
	} else {
		w.Header().Set("Content-Type", serde.MIME())
	}
	if _, err := w.Write(body); err != nil {
		logger.Debugf("Failed to write response: %v", err)
	}
}
