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

import (
	"fmt"
	"strings"
	"time"
)

// Severity of an event or alert
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity parses a severity name, case-insensitively
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// EventKind classifies an Event
type EventKind string

const (
	EventURLAccess    EventKind = "url_access"
	EventAppOpen      EventKind = "app_open"
	EventWindowChange EventKind = "window_change"
	EventDetection    EventKind = "detection"
)

// ObservationKind says what an Observation was built from
type ObservationKind string

const (
	ObservationURL     ObservationKind = "url"
	ObservationTitle   ObservationKind = "title"
	ObservationProcess ObservationKind = "process"
)

// PolicyMatch is the blocklist entry an observation matched
type PolicyMatch struct {
	Pattern  string `json:"pattern"`
	Kind     string `json:"kind"` // domain, keyword, process
	Category string `json:"category"`
}

// Observation is a raw activity sample from the browser or process observer
type Observation struct {
	Kind        ObservationKind `json:"kind"`
	Source      string          `json:"source"` // browser, process
	RawTitle    string          `json:"raw_title,omitempty"`
	URL         string          `json:"url,omitempty"` // normalized, empty when nothing could be inferred
	ExplicitURL bool            `json:"explicit_url"`
	Browser     string          `json:"browser,omitempty"`
	ProcessName string          `json:"process_name,omitempty"`
	ObservedAt  time.Time       `json:"observed_at"`
	Match       *PolicyMatch    `json:"match,omitempty"`
	Allowed     bool            `json:"allowed,omitempty"`
}

// Key identifies the observation for deduplication
func (o Observation) Key() string {
	switch {
	case o.Kind == ObservationProcess:
		return "app:" + strings.ToLower(o.ProcessName)
	case o.URL != "":
		return "url:" + o.Browser + ":" + o.URL
	default:
		return "title:" + o.Browser + ":" + o.RawTitle
	}
}

// Event is a classified observation. Severity is assigned once at creation.
type Event struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"session_id"`
	MachineID  string      `json:"machine_id"`
	Kind       EventKind   `json:"kind"`
	Severity   Severity    `json:"severity"`
	Source     string      `json:"source"`
	ObservedAt time.Time   `json:"observed_at"`
	CreatedAt  time.Time   `json:"created_at"`
	Payload    interface{} `json:"payload"` // Observation or DetectionPayload
}

// DetectionPayload is the event payload for detection events
type DetectionPayload struct {
	Source     SourceKind  `json:"source"`
	FrameIndex uint64      `json:"frame_index"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []Detection `json:"detections"`
}

// AlertStatus is the review state of an alert. The agent only ever creates
// alerts in AlertNew; transitions belong to the administrative layer.
type AlertStatus string

const (
	AlertNew           AlertStatus = "new"
	AlertInReview      AlertStatus = "in_review"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

// Alert is synthesized once for each event above the alert threshold
type Alert struct {
	ID        string      `json:"id"`
	EventID   string      `json:"event_id"`
	SessionID string      `json:"session_id"`
	MachineID string      `json:"machine_id"`
	Severity  Severity    `json:"severity"`
	Status    AlertStatus `json:"status"`
	Title     string      `json:"title"`
	Reason    string      `json:"reason"`
	CreatedAt time.Time   `json:"created_at"`
}

// DeliveryState tracks an outbound message through the transport
type DeliveryState string

const (
	DeliveryCreated   DeliveryState = "created"
	DeliveryQueued    DeliveryState = "queued"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryDropped   DeliveryState = "dropped"
)
