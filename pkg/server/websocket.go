// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/rivetfw/rivet/pkg/codec"
	"github.com/rivetfw/rivet/pkg/logger"
	"github.com/rivetfw/rivet/pkg/rpc"
)

// handleWebSocket serves the same envelope protocol over a WebSocket: each
// inbound message is one JSON envelope, each outbound message its response,
// answered in order. The session is resolved once at upgrade time and
// carried across messages, so a login on the socket authenticates the
// messages that follow.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(r)
	if err != nil {
		s.setCORSHeaders(w)
		s.writeResponse(w, codec.JSON{}, rpc.ErrorResponse(err), nil, nil, "")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("Failed to upgrade client connection: %v", err)
		return
	}
	defer conn.Close()

	serde := codec.JSON{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env rpc.Envelope
		var resp *rpc.Response
		if err := serde.Unmarshal(data, &env); err != nil {
			resp = rpc.ErrorResponse(rpc.NewError(rpc.CodeServer, "Could not parse request body."))
		} else {
			next, newSess, _ := s.process(r.Context(), &env, sess)
			if next == nil {
				return
			}
			resp = next
			sess = newSess
		}

		if sess != nil {
			resp.Session = &rpc.SessionInfo{
				SessionID: sess.ID,
				Expires:   sess.Expires,
				UserID:    sess.UserID,
			}
		}
		body, err := serde.Marshal(resp)
		if err != nil {
			logger.Errorf("Failed to serialize response: %v", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			return
		}
	}
}
