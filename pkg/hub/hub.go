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

// Package hub keeps per-session state on the broadcast server and fans agent
// messages out to the viewers of each session.
package hub

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kube-zen/zen-proctor/pkg/logger"
	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

var (
	// ErrMalformed is returned for messages that are not valid agent messages
	ErrMalformed = errors.New("malformed message")
	// ErrSessionMismatch is returned when a message names another session
	ErrSessionMismatch = errors.New("message session does not match connection")
)

const defaultMaxAlerts = 500

var pongMessage = []byte(`{"type":"pong"}`)

// AlertForwarder receives every new alert the hub stores. Forward must not block.
type AlertForwarder interface {
	Forward(alert types.Alert)
}

// Options configure a Hub
type Options struct {
	ViewerBuffer     int
	HeartbeatTimeout time.Duration
	MaxAlerts        int // per session
}

// Hub owns every session known to the server
type Hub struct {
	opts      Options
	forwarder AlertForwarder
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a hub. forwarder may be nil.
func New(opts Options, forwarder AlertForwarder) *Hub {
	if opts.ViewerBuffer < 1 {
		opts.ViewerBuffer = 16
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 3 * time.Minute
	}
	if opts.MaxAlerts <= 0 {
		opts.MaxAlerts = defaultMaxAlerts
	}
	return &Hub{
		opts:      opts,
		forwarder: forwarder,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

// session returns the session, creating it on first use
func (h *Hub) session(id string) *Session {
	h.mu.RLock()
	s, ok := h.sessions[id]
	h.mu.RUnlock()
	if ok {
		return s
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok = h.sessions[id]; ok {
		return s
	}
	s = newSession(id, h.now())
	h.sessions[id] = s
	return s
}

// lockSession returns the live session with its lock held. A session pruned
// between the map lookup and the lock is replaced by a fresh one.
func (h *Hub) lockSession(id string) *Session {
	for {
		s := h.session(id)
		s.mu.Lock()
		if !s.pruned {
			return s
		}
		s.mu.Unlock()
	}
}

func (h *Hub) lookup(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// AttachAgent marks an agent connection for the session. The returned
// function detaches it.
func (h *Hub) AttachAgent(sessionID string) (detach func()) {
	s := h.lockSession(sessionID)
	s.agents++
	s.lastActivity = h.now()
	s.mu.Unlock()
	metrics.HubConnections.WithLabelValues("agent").Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.agents--
			s.lastActivity = h.now()
			s.mu.Unlock()
			metrics.HubConnections.WithLabelValues("agent").Dec()
		})
	}
}

// Ingest applies one agent message to the session state and fans it out.
// A non-nil reply must be written back to the agent.
func (h *Hub) Ingest(sessionID string, raw []byte) (reply []byte, err error) {
	var env types.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrMalformed
	}
	if env.SessionID != "" && env.SessionID != sessionID {
		return nil, ErrSessionMismatch
	}

	var alert *types.Alert
	var source types.SourceKind
	switch env.Type {
	case types.MessagePing:
		h.session(sessionID)
		metrics.HubMessages.WithLabelValues(string(env.Type)).Inc()
		return pongMessage, nil

	case types.MessageFrame:
		var f struct {
			Data struct {
				Source types.SourceKind `json:"source"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, ErrMalformed
		}
		source = f.Data.Source

	case types.MessageEvent:
		var ev types.EventMessage
		if err := json.Unmarshal(raw, &ev); err != nil || ev.ID == "" {
			return nil, ErrMalformed
		}
		alert = ev.Alert

	case types.MessageHeartbeat:

	default:
		return nil, ErrMalformed
	}

	now := h.now()
	s := h.lockSession(sessionID)
	switch env.Type {
	case types.MessageFrame:
		s.frames[source] = raw
		s.framesReceived++
		s.lastFrameBytes = len(raw)
	case types.MessageEvent:
		s.eventsReceived++
		if alert != nil && s.storeAlert(*alert, h.opts.MaxAlerts) && h.forwarder != nil {
			h.forwarder.Forward(*alert)
		}
	case types.MessageHeartbeat:
		s.lastHeartbeat = now
	}

	if env.MachineID != "" {
		s.machineID = env.MachineID
	}
	s.lastActivity = now
	s.broadcastLocked(env.Type, raw)
	s.mu.Unlock()

	metrics.HubMessages.WithLabelValues(string(env.Type)).Inc()
	return nil, nil
}

// Subscribe registers a viewer. The viewer starts with the latest frame of
// each source and then receives every later message.
func (h *Hub) Subscribe(sessionID string) *Viewer {
	s := h.lockSession(sessionID)
	v := &Viewer{session: s, send: make(chan []byte, h.opts.ViewerBuffer)}
	for _, src := range sortedSources(s.frames) {
		select {
		case v.send <- s.frames[src]:
		default:
		}
	}
	s.viewers[v] = struct{}{}
	s.lastActivity = h.now()
	s.mu.Unlock()

	metrics.HubConnections.WithLabelValues("viewer").Inc()
	logger.Debug("Viewer subscribed",
		logger.Fields{Component: "hub", Operation: "subscribe", SessionID: sessionID})
	return v
}

// Unsubscribe removes the viewer and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(v *Viewer) {
	s := v.session
	s.mu.Lock()
	if _, ok := s.viewers[v]; ok {
		delete(s.viewers, v)
		close(v.send)
		metrics.HubConnections.WithLabelValues("viewer").Dec()
	}
	s.lastActivity = h.now()
	s.mu.Unlock()
}

// Alerts returns the open alerts of a session, oldest first
func (h *Hub) Alerts(sessionID string) ([]types.Alert, bool) {
	s, ok := h.lookup(sessionID)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Alert, 0, len(s.alertOrder))
	for _, id := range s.alertOrder {
		out = append(out, s.alerts[id])
	}
	return out, true
}

// Sessions returns a snapshot of every session ordered by id
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.mu.RUnlock()

	now := h.now()
	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.info(now, h.opts.HeartbeatTimeout))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Prune forgets sessions with no connections and no activity for idle
func (h *Hub) Prune(idle time.Duration) int {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, s := range h.sessions {
		s.mu.Lock()
		stale := s.agents == 0 && len(s.viewers) == 0 && now.Sub(s.lastActivity) > idle
		if stale {
			s.pruned = true
		}
		s.mu.Unlock()
		if stale {
			delete(h.sessions, id)
			removed++
		}
	}
	return removed
}

func sortedSources(m map[types.SourceKind][]byte) []types.SourceKind {
	out := make([]types.SourceKind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
