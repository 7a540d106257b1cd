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

package types

import "time"

// MessageType is the "type" discriminator of every wire message
type MessageType string

const (
	MessageFrame     MessageType = "frame"
	MessageEvent     MessageType = "event"
	MessageHeartbeat MessageType = "heartbeat"
	MessagePing      MessageType = "ping"
	MessagePong      MessageType = "pong"
)

// Envelope is decoded first to route a message by type
type Envelope struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MachineID string      `json:"machine_id"`
}

// FrameData is the body of a frame message
type FrameData struct {
	Frame          string      `json:"frame"` // base64 JPEG
	Timestamp      float64     `json:"timestamp"`
	FrameNumber    uint64      `json:"frame_number"`
	Width          int         `json:"width"`
	Height         int         `json:"height"`
	OriginalWidth  int         `json:"original_width"`
	OriginalHeight int         `json:"original_height"`
	Source         SourceKind  `json:"source"`
	Detections     []Detection `json:"detections"`
}

// FrameMessage carries one encoded frame
type FrameMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MachineID string      `json:"machine_id"`
	Data      FrameData   `json:"data"`
}

// EventMessage carries an event and, when one was synthesized, its alert
type EventMessage struct {
	Type MessageType `json:"type"`
	Event
	Alert *Alert `json:"alert,omitempty"`
}

// Heartbeat is sent periodically so the hub can tell a live agent from a silent one
type Heartbeat struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MachineID string      `json:"machine_id"`
	SentAt    time.Time   `json:"sent_at"`
}

// UnixSeconds renders t the way frame timestamps are sent
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
