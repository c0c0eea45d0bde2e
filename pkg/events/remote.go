// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/rivetfw/rivet/pkg/logger"
)

const remoteSendBuffer = 256

// remote is one outbound connection to a peer hub. Frames queue in a bounded
// buffer; when a peer falls too far behind, new frames are dropped rather
// than blocking senders.
type remote struct {
	url  string
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newRemote(url string) *remote {
	return &remote{
		url:  url,
		send: make(chan []byte, remoteSendBuffer),
		done: make(chan struct{}),
	}
}

func (r *remote) enqueue(frame []byte) {
	select {
	case r.send <- frame:
	default:
		logger.Warnf("Event peer %s is not keeping up, dropping frame", r.url)
	}
}

func (r *remote) run(ctx context.Context) {
	for {
		conn, err := r.dial(ctx)
		if err != nil {
			return
		}
		if !r.pump(ctx, conn) {
			return
		}
	}
}

func (r *remote) dial(ctx context.Context) (*websocket.Conn, error) {
	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, r.url, nil) //nolint:bodyclose
		if err != nil {
			logger.Debugf("Event peer %s dial failed, will retry: %v", r.url, err)
			return nil, err
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return conn, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
}

// pump writes queued frames until the connection breaks. It reports whether
// the caller should reconnect.
func (r *remote) pump(ctx context.Context, conn *websocket.Conn) bool {
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-r.done:
			return false
		case frame := <-r.send:
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logger.Warnf("Event peer %s write failed, reconnecting: %v", r.url, err)
				return true
			}
		}
	}
}

func (r *remote) close() {
	r.closeOnce.Do(func() { close(r.done) })
}
