// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/rivetfw/rivet/pkg/logger"
)

// Listener accepts inbound event connections from peer hubs and dispatches
// their frames on the local hub. Mount it on the instance's event endpoint.
type Listener struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewListener returns a listener for hub. Peer connections are
// instance-to-instance, so origin checks are disabled.
func NewListener(hub *Hub) *Listener {
	return &Listener{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("Failed to upgrade event connection: %v", err)
		return
	}
	defer conn.Close()
	logger.Debugf("Event peer connected from %s", r.RemoteAddr)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debugf("Event peer %s disconnected: %v", r.RemoteAddr, err)
			}
			return
		}
		l.hub.dispatchFrame(frame)
	}
}
