// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"errors"
	"fmt"
)

// Internal error codes carried in the error member of a response envelope.
// User methods may return errors with arbitrary codes; the codes below are
// reserved by the framework.
const (
	// CodeServer is the catch-all code for unexpected failures.
	CodeServer = 1000

	// CodeInvalidMethod is returned when a method path cannot be resolved.
	CodeInvalidMethod = 1001

	// CodeMissingMethod is returned when a request envelope has no method.
	CodeMissingMethod = 1002

	// CodeMissingParams is returned when required parameters are absent.
	CodeMissingParams = 1003

	// CodeNotAuthorized is returned when a method requires an authenticated
	// session and none is present.
	CodeNotAuthorized = 1004

	// CodeUserNotFound is returned on login failures. The same code covers
	// unknown users and bad passwords so callers cannot probe for accounts.
	CodeUserNotFound = 1005

	// CodeUserIDExists is returned when creating an account with a taken ID.
	CodeUserIDExists = 1006

	// CodeInvalidSessionID is returned for unknown or expired session IDs.
	CodeInvalidSessionID = 1007

	// CodeInvalidHMAC is returned when request HMAC verification fails.
	CodeInvalidHMAC = 1008

	// CodeInvalidResponseHMAC is reserved for clients that verify response
	// signatures.
	CodeInvalidResponseHMAC = 1009

	// CodeInvalidUserID is returned when an account is created with an
	// unusable user ID.
	CodeInvalidUserID = 1010

	// CodeTimeout is used by the worker fabric when a call expires with no
	// retries remaining.
	CodeTimeout = -1
)

// Error is the structured error carried on the wire. Value is usually a
// string but user methods may attach any serializable payload.
type Error struct {
	Code  int `json:"code" bson:"code" msgpack:"code"`
	Value any `json:"value" bson:"value" msgpack:"value"`
}

// NewError returns an *Error with the given code and a formatted value.
func NewError(code int, format string, args ...any) *Error {
	if len(args) == 0 {
		return &Error{Code: code, Value: format}
	}
	return &Error{Code: code, Value: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %v", e.Code, e.Value)
}

// ErrorFrom converts an arbitrary error into an *Error, preserving the code
// of errors that already are (or wrap) an *Error and mapping everything else
// to CodeServer.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: CodeServer, Value: err.Error()}
}
