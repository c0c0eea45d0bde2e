// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // HMAC-SHA1 is the established wire format
	"encoding/base64"
)

// ComputeHMAC returns the request and response signature:
// base64(HMAC-SHA1(key, body)). The key is the session's user id, or the
// session's signing key when the server runs in session-key mode.
func ComputeHMAC(key string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(key string, body []byte, signature string) bool {
	want, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
