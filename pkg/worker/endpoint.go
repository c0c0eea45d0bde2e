// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/rivetfw/rivet/pkg/logger"
)

const endpointSendBuffer = 512

// endpoint is one outbound link to a worker process. Frames queue in a
// bounded buffer while the link reconnects; replies flow back through the
// owning Connection's pending table.
type endpoint struct {
	url    string
	owner  *Connection
	send   chan []byte
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

func newEndpoint(owner *Connection, url string) *endpoint {
	return &endpoint{
		url:   url,
		owner: owner,
		send:  make(chan []byte, endpointSendBuffer),
		done:  make(chan struct{}),
	}
}

func (e *endpoint) enqueue(frame []byte) {
	select {
	case e.send <- frame:
	default:
		logger.Warnf("Worker endpoint %s send buffer full, dropping request frame", e.url)
	}
}

func (e *endpoint) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go func() {
		<-e.done
		cancel()
	}()
	for {
		conn, err := e.dial(ctx)
		if err != nil {
			return
		}
		e.pump(ctx, conn)
		if ctx.Err() != nil {
			return
		}
	}
}

func (e *endpoint) dial(ctx context.Context) (*websocket.Conn, error) {
	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, e.url, nil) //nolint:bodyclose
		if err != nil {
			logger.Debugf("Worker endpoint %s dial failed, will retry: %v", e.url, err)
			return nil, err
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		logger.Debugf("Worker endpoint %s connected", e.url)
		return conn, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()))
}

// pump runs the writer in the calling goroutine and the reader alongside it,
// returning when either side of the link fails.
func (e *endpoint) pump(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	readFailed := make(chan struct{})
	go func() {
		defer close(readFailed)
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			e.owner.handleReply(frame)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readFailed:
			return
		case frame := <-e.send:
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logger.Warnf("Worker endpoint %s write failed, reconnecting: %v", e.url, err)
				return
			}
		}
	}
}

func (e *endpoint) close() {
	e.closeOnce.Do(func() { close(e.done) })
}
