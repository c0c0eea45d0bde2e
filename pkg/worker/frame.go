// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker is the dispatch fabric between API instances and worker
// processes. Clients invoke registered methods on a pool of worker
// endpoints over WebSocket connections, with round-robin balancing, per
// request timeouts, and retry against the next endpoint.
//
// Frames are binary: a 16-byte request id followed by the encoded payload.
// A frame that is only the id is an acknowledgment, sent by workers the
// moment they accept a fire-and-forget request.
package worker

import (
	"fmt"

	"github.com/google/uuid"
)

const requestIDSize = 16

// encodeFrame prepends the request id to payload.
func encodeFrame(id uuid.UUID, payload []byte) []byte {
	frame := make([]byte, requestIDSize+len(payload))
	copy(frame, id[:])
	copy(frame[requestIDSize:], payload)
	return frame
}

// decodeFrame splits a frame into its request id and payload. An empty
// payload marks an acknowledgment.
func decodeFrame(frame []byte) (uuid.UUID, []byte, error) {
	if len(frame) < requestIDSize {
		return uuid.UUID{}, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	var id uuid.UUID
	copy(id[:], frame[:requestIDSize])
	return id, frame[requestIDSize:], nil
}
