// Copyright 2025 The Zen Watcher Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"errors"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/kube-zen/zen-proctor/pkg/hub"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/metrics"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

func (s *Server) sessionParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "sessionID")
	if !sessionIDPattern.MatchString(id) {
		metrics.HubRejected.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "invalid session id")
		return "", false
	}
	return id, true
}

// readTimeout bounds the silence tolerated on a connection. Pings keep idle
// connections alive.
func (s *Server) readTimeout() time.Duration {
	return 2 * s.cfg.PingInterval
}

// handleAgent serves GET /ws/agent/{sessionID}
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessionParam(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Agent websocket upgrade failed",
			logger.Fields{Component: "server", Operation: "agent_upgrade", SessionID: sessionID, Error: err})
		return
	}
	s.track(conn)
	defer s.untrack(conn)
	defer conn.Close()

	detach := s.hub.AttachAgent(sessionID)
	defer detach()

	fields := logger.Fields{
		Component: "server",
		Operation: "agent_session",
		SessionID: sessionID,
		MachineID: r.Header.Get("X-Machine-ID"),
	}
	logger.Info("Agent connected", fields)

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
	})

	stopPing := s.keepAlive(conn)
	defer stopPing()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				fields.Error = err
				logger.Warn("Agent connection lost", fields)
			} else {
				logger.Info("Agent disconnected", fields)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
		if mt != websocket.TextMessage {
			continue
		}

		if !s.sessionLimiter.Allow(sessionID) {
			metrics.HubRejected.WithLabelValues("rate_limited").Inc()
			continue
		}

		reply, err := s.hub.Ingest(sessionID, data)
		switch {
		case errors.Is(err, hub.ErrSessionMismatch):
			metrics.HubRejected.WithLabelValues("session_mismatch").Inc()
			logger.Warn("Agent sent a message for another session, closing", fields)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session mismatch"),
				time.Now().Add(time.Second))
			return
		case err != nil:
			metrics.HubRejected.WithLabelValues("malformed").Inc()
			logger.Debug("Ignoring malformed agent message", fields)
			continue
		}
		if reply != nil {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ViewerWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}
}

// keepAlive pings conn every PingInterval until the returned stop is called.
// WriteControl may run concurrently with the connection's single writer.
func (s *Server) keepAlive(conn *websocket.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.ViewerWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

// handleViewer serves GET /ws/view/{sessionID}
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessionParam(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Viewer websocket upgrade failed",
			logger.Fields{Component: "server", Operation: "viewer_upgrade", SessionID: sessionID, Error: err})
		return
	}
	s.track(conn)
	defer s.untrack(conn)

	fields := logger.Fields{Component: "server", Operation: "viewer_session", SessionID: sessionID}
	logger.Info("Viewer connected", fields)

	v := s.hub.Subscribe(sessionID)
	replies := make(chan []byte, 4)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.viewerWriter(conn, v, replies)
	}()

	s.viewerReader(conn, replies)

	s.hub.Unsubscribe(v)
	<-writerDone
	_ = conn.Close()

	fields.Count = int(v.Dropped())
	logger.Info("Viewer disconnected", fields)
}

// viewerReader answers pings until the connection fails
func (s *Server) viewerReader(conn *websocket.Conn, replies chan<- []byte) {
	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
	})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout()))
		if mt != websocket.TextMessage || !isPing(data) {
			continue
		}
		select {
		case replies <- pongReply:
		default:
		}
	}
}

// viewerWriter is the only goroutine writing data messages to a viewer
func (s *Server) viewerWriter(conn *websocket.Conn, v *hub.Viewer, replies <-chan []byte) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	write := func(msg []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ViewerWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			// unblocks the reader
			_ = conn.Close()
			return false
		}
		return true
	}

	for {
		select {
		case msg, ok := <-v.Messages():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			if !write(msg) {
				return
			}
		case msg := <-replies:
			if !write(msg) {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.ViewerWriteTimeout)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
