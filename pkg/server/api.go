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
	"encoding/json"
	"net/http"

	"github.com/kube-zen/zen-proctor/pkg/hub"
	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

var pongReply = []byte(`{"type":"pong"}`)

func isPing(data []byte) bool {
	var env types.Envelope
	return json.Unmarshal(data, &env) == nil && env.Type == types.MessagePing
}

// handleAuthCheck serves GET /api/v1/auth/check. Agents call it before
// connecting so a bad key fails fast.
func (s *Server) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	role := "viewer"
	if s.agentAuth.Authenticate(r) {
		role = "agent"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "role": role})
}

type sessionsResponse struct {
	Sessions []hub.SessionInfo `json:"sessions"`
}

// handleSessions serves GET /api/v1/sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: s.hub.Sessions()})
}

type alertsResponse struct {
	SessionID string        `json:"session_id"`
	Alerts    []types.Alert `json:"alerts"`
}

// handleAlerts serves GET /api/v1/sessions/{sessionID}/alerts
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.sessionParam(w, r)
	if !ok {
		return
	}
	alerts, found := s.hub.Alerts(sessionID)
	if !found {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, alertsResponse{SessionID: sessionID, Alerts: alerts})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response",
			logger.Fields{Component: "server", Operation: "write_response", Error: err})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
