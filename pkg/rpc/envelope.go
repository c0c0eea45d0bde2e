// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc defines the canonical request and response envelopes carried
// between clients, the request pipeline, and the worker fabric, together
// with the framework's structured error type.
package rpc

// Envelope is an inbound RPC request. A request either names a single
// method or carries a batch of nested envelopes keyed by a client-chosen
// string, never both.
type Envelope struct {
	Method     string               `json:"method,omitempty" bson:"method,omitempty" msgpack:"method,omitempty"`
	Parameters map[string]any       `json:"parameters,omitempty" bson:"parameters,omitempty" msgpack:"parameters,omitempty"`
	Batch      map[string]*Envelope `json:"batch,omitempty" bson:"batch,omitempty" msgpack:"batch,omitempty"`
}

// SessionInfo is the session summary attached to responses when the
// pipeline created or refreshed a session during the request.
type SessionInfo struct {
	SessionID string `json:"session_id" bson:"session_id" msgpack:"session_id"`
	Expires   int64  `json:"expires" bson:"expires" msgpack:"expires"`
	UserID    string `json:"user_id" bson:"user_id" msgpack:"user_id"`
}

// Response is the reply to an Envelope. A leaf response carries exactly one
// of Result or Error; a batch response carries Batch mapping each input key
// to a leaf response.
type Response struct {
	Result  any                  `json:"result,omitempty" bson:"result,omitempty" msgpack:"result,omitempty"`
	Error   *Error               `json:"error,omitempty" bson:"error,omitempty" msgpack:"error,omitempty"`
	Batch   map[string]*Response `json:"batch,omitempty" bson:"batch,omitempty" msgpack:"batch,omitempty"`
	Session *SessionInfo         `json:"session,omitempty" bson:"session,omitempty" msgpack:"session,omitempty"`
}

// ResultResponse returns a leaf response carrying result.
func ResultResponse(result any) *Response {
	return &Response{Result: result}
}

// ErrorResponse returns a leaf response carrying the structured form of err.
func ErrorResponse(err error) *Response {
	return &Response{Error: ErrorFrom(err)}
}

// RawResponse is returned by raw-response methods. The pipeline writes Body
// to the client verbatim instead of wrapping it in a Response envelope.
type RawResponse struct {
	// ContentType overrides the response content type. Empty means the
	// connection's serializer MIME type.
	ContentType string
	// StatusCode overrides the HTTP status. Zero means 200.
	StatusCode int
	Body       []byte
}

// WorkerRequest is the payload serialized onto the worker wire. The request
// ID lives in the transport framing, not in the payload.
type WorkerRequest struct {
	Method     string         `json:"method" bson:"method" msgpack:"method"`
	Parameters map[string]any `json:"parameters" bson:"parameters" msgpack:"parameters"`
}
