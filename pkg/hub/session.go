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

package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kube-zen/zen-proctor/pkg/metrics"
	"github.com/kube-zen/zen-proctor/pkg/types"
)

// Session is the hub-side state of one monitored session. All fields are
// guarded by mu.
type Session struct {
	ID string

	mu             sync.Mutex
	machineID      string
	agents         int
	createdAt      time.Time
	lastActivity   time.Time
	lastHeartbeat  time.Time
	frames         map[types.SourceKind][]byte // latest frame message per source
	framesReceived uint64
	eventsReceived uint64
	lastFrameBytes int
	alerts         map[string]types.Alert
	alertOrder     []string
	viewers        map[*Viewer]struct{}
	pruned         bool // removed from the hub; never reused
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		createdAt:    now,
		lastActivity: now,
		frames:       make(map[types.SourceKind][]byte),
		alerts:       make(map[string]types.Alert),
		viewers:      make(map[*Viewer]struct{}),
	}
}

// storeAlert records a new alert and reports whether it was new. The oldest
// alert is forgotten once max are held. Caller holds mu.
func (s *Session) storeAlert(a types.Alert, max int) bool {
	if a.ID == "" {
		return false
	}
	if _, dup := s.alerts[a.ID]; dup {
		return false
	}
	if len(s.alertOrder) >= max {
		oldest := s.alertOrder[0]
		s.alertOrder = s.alertOrder[1:]
		delete(s.alerts, oldest)
	}
	s.alerts[a.ID] = a
	s.alertOrder = append(s.alertOrder, a.ID)
	return true
}

// broadcastLocked hands msg to every viewer without blocking. Caller holds mu.
func (s *Session) broadcastLocked(kind types.MessageType, msg []byte) {
	for v := range s.viewers {
		select {
		case v.send <- msg:
		default:
			v.dropped.Add(1)
			metrics.HubViewerDrops.WithLabelValues(string(kind)).Inc()
		}
	}
}

// SessionInfo is the listing form of a session
type SessionInfo struct {
	ID             string    `json:"id"`
	MachineID      string    `json:"machine_id,omitempty"`
	AgentConnected bool      `json:"agent_connected"`
	Viewers        int       `json:"viewers"`
	OpenAlerts     int       `json:"open_alerts"`
	FramesReceived uint64    `json:"frames_received"`
	EventsReceived uint64    `json:"events_received"`
	LastFrameSize  string    `json:"last_frame_size,omitempty"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitempty"`
	LastSeen       string    `json:"last_seen,omitempty"`
	Stale          bool      `json:"stale"`
}

func (s *Session) info(now time.Time, heartbeatTimeout time.Duration) SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:             s.ID,
		MachineID:      s.machineID,
		AgentConnected: s.agents > 0,
		Viewers:        len(s.viewers),
		OpenAlerts:     len(s.alertOrder),
		FramesReceived: s.framesReceived,
		EventsReceived: s.eventsReceived,
		LastHeartbeat:  s.lastHeartbeat,
	}
	if s.lastFrameBytes > 0 {
		info.LastFrameSize = humanize.Bytes(uint64(s.lastFrameBytes))
	}
	if !s.lastHeartbeat.IsZero() {
		info.LastSeen = humanize.RelTime(s.lastHeartbeat, now, "ago", "from now")
		info.Stale = now.Sub(s.lastHeartbeat) > heartbeatTimeout
	} else {
		info.Stale = s.agents == 0
	}
	return info
}

// Viewer is one subscribed viewer connection
type Viewer struct {
	session *Session
	send    chan []byte
	dropped atomic.Uint64
}

// Messages yields the messages for this viewer. It is closed on Unsubscribe.
func (v *Viewer) Messages() <-chan []byte { return v.send }

// Dropped returns how many messages this viewer missed for being slow
func (v *Viewer) Dropped() uint64 { return v.dropped.Load() }

// SessionID returns the session the viewer watches
func (v *Viewer) SessionID() string { return v.session.ID }
